// Package threshold holds threshold key material and runs the threshold
// signing and key-derivation protocols.
//
// Key material lives under fixed storage namespaces. Secret packages and
// signing nonces go to secure storage; configuration and public packages
// go to ordinary storage.
package threshold

import (
	"slices"
	"strconv"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
)

// Config records one epoch's signer set. Participant i (zero based) holds
// FROST identifier i+1.
type Config struct {
	Account      ids.AuthorityID   `cbor:"1,keyasint"`
	Epoch        uint64            `cbor:"2,keyasint"`
	Threshold    uint16            `cbor:"3,keyasint"`
	Participants []ids.AuthorityID `cbor:"4,keyasint"`
}

// NewConfig validates m-of-n and returns the config.
func NewConfig(account ids.AuthorityID, epoch uint64, threshold int, participants []ids.AuthorityID) (Config, error) {
	n := len(participants)
	if threshold < 1 || threshold > n {
		return Config{}, errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d outside 1..%d", threshold, n)
	}
	seen := make(map[ids.AuthorityID]bool, n)
	for _, p := range participants {
		if seen[p] {
			return Config{}, errs.Newf(errs.KindValidation, errs.CodeInvalid, "participant %s listed twice", p)
		}
		seen[p] = true
	}
	return Config{Account: account, Epoch: epoch, Threshold: uint16(threshold), Participants: slices.Clone(participants)}, nil
}

// N is the participant count.
func (c Config) N() int { return len(c.Participants) }

// IdentifierOf returns a participant's FROST identifier.
func (c Config) IdentifierOf(a ids.AuthorityID) (frost.Identifier, bool) {
	i := slices.Index(c.Participants, a)
	if i < 0 {
		return 0, false
	}
	return frost.Identifier(i + 1), true
}

// ParticipantOf returns the participant holding id.
func (c Config) ParticipantOf(id frost.Identifier) (ids.AuthorityID, bool) {
	if id == 0 || int(id) > len(c.Participants) {
		return ids.AuthorityID{}, false
	}
	return c.Participants[id-1], true
}

// Storage namespaces.
const (
	NSParticipantShares = "participant_shares"
	NSThresholdConfig   = "threshold_config"
	NSThresholdPubkey   = "threshold_pubkey"
	NSFrostNonces       = "frost_nonces"
	NSSigningShares     = "signing_shares"
	NSDeviceAttestation = "device_attestation"
)

func epochStr(e uint64) string { return strconv.FormatUint(e, 10) }

// ShareLocation is participant_shares/{authority}/{epoch}/{participant}.
func ShareLocation(account ids.AuthorityID, epoch uint64, participant ids.AuthorityID) string {
	return account.String() + "/" + epochStr(epoch) + "/" + participant.String()
}

// ConfigKey is threshold_config/{authority}/{epoch}.
func ConfigKey(account ids.AuthorityID, epoch uint64) string {
	return NSThresholdConfig + "/" + account.String() + "/" + epochStr(epoch)
}

// PubkeyKey is threshold_pubkey/{authority}/{epoch}.
func PubkeyKey(account ids.AuthorityID, epoch uint64) string {
	return NSThresholdPubkey + "/" + account.String() + "/" + epochStr(epoch)
}

// NonceLocation is frost_nonces/{session}_{participant}.
func NonceLocation(session ids.ContextID, participant ids.AuthorityID) string {
	return session.String() + "_" + participant.String()
}

// SigningShareKey is signing_shares/{account}/{epoch}_{participant}.
func SigningShareKey(account ids.AuthorityID, epoch uint64, participant ids.AuthorityID) string {
	return NSSigningShares + "/" + account.String() + "/" + epochStr(epoch) + "_" + participant.String()
}

// AttestationLocation is device_attestation/{device}.
func AttestationLocation(device ids.DeviceID) string { return device.String() }
