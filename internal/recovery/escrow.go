package recovery

import (
	"crypto/ed25519"
	"io"
	"slices"

	"github.com/hashicorp/vault/shamir"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/seal"
)

const domainSecret = "aura/recovery-secret/v1"

// Guardian is a guardian an escrow seals a share to.
type Guardian struct {
	ID  ids.AuthorityID
	Key ed25519.PublicKey
}

// SealedShare is one guardian's share, sealed to its key.
type SealedShare struct {
	Guardian ids.AuthorityID `cbor:"1,keyasint"`
	Box      []byte          `cbor:"2,keyasint"`
}

// Share is a guardian's opened share.
type Share struct {
	Guardian ids.AuthorityID
	Data     []byte
}

// Hash is what a share-submitted fact records in place of the share.
func (s Share) Hash() ids.Hash {
	return canonical.HashParts("RECOVERY_SHARE", s.Guardian[:], s.Data)
}

// Escrow is a recovery secret split m-of-n across guardians. Commitment
// binds the secret so a reconstruction can be checked.
type Escrow struct {
	Context    ids.ContextID `cbor:"1,keyasint"`
	Threshold  int           `cbor:"2,keyasint"`
	DelayMs    int64         `cbor:"3,keyasint"`
	Commitment ids.Hash      `cbor:"4,keyasint"`
	Shares     []SealedShare `cbor:"5,keyasint"`
}

func shareAD(context ids.ContextID, g ids.AuthorityID) []byte {
	return append(append([]byte("aura/recovery-share/v1"), context[:]...), g[:]...)
}

// NewEscrow splits secret across guardians with threshold m and seals
// each share to its guardian. A reconstruction must wait delayMs after
// the recovery operation was initiated.
func NewEscrow(rand io.Reader, context ids.ContextID, secret []byte, guardians []Guardian, m int, delayMs int64) (*Escrow, error) {
	if len(secret) == 0 {
		return nil, errs.New(errs.KindValidation, errs.CodeInvalid, "empty recovery secret")
	}
	if m < 2 || m > len(guardians) {
		return nil, errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d outside 2..%d", m, len(guardians))
	}
	if delayMs < 0 {
		return nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "negative delay %d", delayMs)
	}
	seen := make(map[ids.AuthorityID]bool, len(guardians))
	for _, g := range guardians {
		if seen[g.ID] {
			return nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "guardian %s listed twice", g.ID)
		}
		seen[g.ID] = true
	}

	parts, err := shamir.Split(secret, len(guardians), m)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "split recovery secret", err)
	}
	e := &Escrow{
		Context:    context,
		Threshold:  m,
		DelayMs:    delayMs,
		Commitment: canonical.HashWithDomain(domainSecret, secret),
	}
	for i, g := range guardians {
		box, err := seal.Seal(rand, g.Key, parts[i], shareAD(context, g.ID))
		if err != nil {
			return nil, err
		}
		e.Shares = append(e.Shares, SealedShare{Guardian: g.ID, Box: box})
	}
	slices.SortFunc(e.Shares, func(a, b SealedShare) int { return a.Guardian.Compare(b.Guardian) })
	return e, nil
}

// Open returns guardian's share, opened with its private key.
func (e *Escrow) Open(guardian ids.AuthorityID, priv ed25519.PrivateKey) (Share, error) {
	i, ok := slices.BinarySearchFunc(e.Shares, guardian, func(s SealedShare, g ids.AuthorityID) int {
		return s.Guardian.Compare(g)
	})
	if !ok {
		return Share{}, errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "no share for guardian %s", guardian)
	}
	data, err := seal.Open(priv, e.Shares[i].Box, shareAD(e.Context, guardian))
	if err != nil {
		return Share{}, err
	}
	return Share{Guardian: guardian, Data: data}, nil
}

// Reconstruct recombines the secret. The recovery operation for the
// escrow's context must be awaiting shares, at least Threshold of the
// given shares must come from distinct escrow guardians whose submission
// is recorded in the operation, and DelayMs must have passed since the
// operation was initiated.
func (e *Escrow) Reconstruct(st *State, shares []Share, now int64) ([]byte, error) {
	op, ok := st.RecoveryFor(e.Context)
	if !ok {
		return nil, errs.Newf(errs.KindStorage, errs.CodeNotFound, "no recovery operation for %s", e.Context)
	}
	switch op.Status {
	case Disputed:
		return nil, errs.New(errs.KindAuthorization, errs.CodeInsufficient, "recovery is disputed")
	case Recovered, Abandoned:
		return nil, errs.Newf(errs.KindProtocol, errs.CodeUnexpectedState, "recovery already %s", op.Status)
	}
	if waited := now - op.InitiatedAt; waited < e.DelayMs {
		return nil, errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "recovery delay has %d ms left", e.DelayMs-waited)
	}

	var parts [][]byte
	used := make(map[ids.AuthorityID]bool)
	for _, s := range shares {
		if used[s.Guardian] || !slices.Contains(op.Submitted, s.Guardian) {
			continue
		}
		if _, ok := slices.BinarySearchFunc(e.Shares, s.Guardian, func(x SealedShare, g ids.AuthorityID) int {
			return x.Guardian.Compare(g)
		}); !ok {
			continue
		}
		used[s.Guardian] = true
		parts = append(parts, s.Data)
	}
	if len(parts) < e.Threshold {
		return nil, errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "%d of %d guardian approvals", len(parts), e.Threshold)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeInvalidShare, "combine recovery shares", err)
	}
	got := canonical.HashWithDomain(domainSecret, secret)
	if got != e.Commitment {
		return nil, errs.New(errs.KindCrypto, errs.CodeHashMismatch, "reconstructed secret does not match its commitment")
	}
	return secret, nil
}

// EncodeEscrow returns the wire form of e.
func EncodeEscrow(e *Escrow) ([]byte, error) { return encode(e) }

// DecodeEscrow parses EncodeEscrow output.
func DecodeEscrow(data []byte) (*Escrow, error) {
	var e Escrow
	if err := decode(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
