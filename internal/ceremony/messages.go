package ceremony

import (
	"crypto/ed25519"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/threshold"
)

// Protocols and the labels this package sends.
const (
	ProtocolKeygen  = "keygen"
	ProtocolReshare = "reshare"

	MsgKeyPackage = "KeyPackage"
	MsgAck        = "Ack"
	MsgCommit     = "Commit"

	MsgReshareProposal = "ReshareProposal"
	MsgContribution    = "Contribution"
	MsgNewShare        = "NewShare"
	MsgNewShareAck     = "NewShareAck"
	MsgRetireShare     = "RetireShare"
	MsgReshareCommit   = "ReshareCommit"
)

// Reshare roles.
const (
	RoleOldHolder = "OldHolder"
	RoleNewHolder = "NewHolder"
)

// Ack confirms that a holder installed the share behind VerifyingShare.
type Ack struct {
	Device         ids.DeviceID `cbor:"1,keyasint"`
	VerifyingShare []byte       `cbor:"2,keyasint"`
}

// HolderKey is a new holder's identity key.
type HolderKey struct {
	Address ids.AuthorityID   `cbor:"1,keyasint"`
	Key     ed25519.PublicKey `cbor:"2,keyasint"`
}

// Proposal asks the old holders in OldSigners to reshare toward Next.
type Proposal struct {
	Next       threshold.Config   `cbor:"1,keyasint"`
	OldSigners []frost.Identifier `cbor:"2,keyasint"`
	Keys       []HolderKey        `cbor:"3,keyasint"`
}

// KeyMap indexes Keys by address.
func (p *Proposal) KeyMap() map[ids.AuthorityID]ed25519.PublicKey {
	out := make(map[ids.AuthorityID]ed25519.PublicKey, len(p.Keys))
	for _, k := range p.Keys {
		out[k.Address] = k.Key
	}
	return out
}

// NewShare hands every new holder the verified contributions it combines
// into its share. Prev is the old public package, so the holder can check
// the group key survived.
type NewShare struct {
	Next          threshold.Config                `cbor:"1,keyasint"`
	Contributions []*threshold.SealedContribution `cbor:"2,keyasint"`
	Prev          *frost.PublicKeyPackage         `cbor:"3,keyasint"`
}

// ThresholdSession is the session a ceremony's key material is recorded
// under in the journal.
func ThresholdSession(authority ids.AuthorityID, ceremony ids.CeremonyID) ids.SessionID {
	h := canonical.HashParts("THRESHOLD_SESSION", authority[:], ceremony[:])
	var s ids.SessionID
	copy(s[:], h[:])
	return s
}

// Invite is sent outside a choreography to ask a device to respond to a
// ceremony. The response is an envelope of TypeResponse addressed back to
// the initiator.
type Invite struct {
	Kind      Kind   `cbor:"1,keyasint"`
	Epoch     uint64 `cbor:"2,keyasint"`
	Threshold int    `cbor:"3,keyasint"`
}

// EncodeInvite and DecodeInvite are the invite wire form.
func EncodeInvite(i Invite) ([]byte, error) { return encode(i) }

func DecodeInvite(data []byte) (Invite, error) {
	var i Invite
	return i, decode(data, &i)
}
