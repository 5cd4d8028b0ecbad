package threshold

import (
	"context"
	"crypto/ed25519"
	"strconv"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/seal"
)

// SealedContribution is a reshare contribution safe to put on the wire:
// each sub-share is sealed to the new holder it belongs to.
type SealedContribution struct {
	From        frost.Identifier            `cbor:"1,keyasint"`
	Commitments [][]byte                    `cbor:"2,keyasint"`
	SubShares   map[frost.Identifier][]byte `cbor:"3,keyasint"`
}

func subShareAAD(account ids.AuthorityID, epoch uint64, to frost.Identifier) []byte {
	return []byte("aura/reshare/" + account.String() + "/" + epochStr(epoch) + "/" + strconv.Itoa(int(to)))
}

func packageAAD(account ids.AuthorityID, epoch uint64) []byte {
	return []byte("aura/keygen/" + account.String() + "/" + epochStr(epoch))
}

// Contribute reshares this participant's epoch share toward next. keys maps
// every new participant to the identity key its sub-share is sealed to.
// oldSigners must name at least the old threshold of holders.
func (e *Engine) Contribute(ctx context.Context, epoch uint64, oldSigners []frost.Identifier, next Config, keys map[ids.AuthorityID]ed25519.PublicKey) (*SealedContribution, error) {
	kp, err := e.LoadShare(ctx, epoch)
	if err != nil {
		return nil, err
	}
	defer e.rt.Crypto.SecureZero(kp.SigningShare)
	raw, err := e.rt.Crypto.FrostReshare(kp, oldSigners, int(next.Threshold), next.N())
	if err != nil {
		return nil, err
	}
	out := &SealedContribution{
		From:        raw.From,
		Commitments: raw.Commitments,
		SubShares:   make(map[frost.Identifier][]byte, len(raw.SubShares)),
	}
	for i, p := range next.Participants {
		id := frost.Identifier(i + 1)
		pub, ok := keys[p]
		if !ok {
			return nil, errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "no identity key for new holder %s", p)
		}
		sub := raw.SubShares[id]
		box, err := seal.Seal(e.rt.Random.Reader(), pub, sub, subShareAAD(e.account, next.Epoch, id))
		e.rt.Crypto.SecureZero(sub)
		if err != nil {
			return nil, err
		}
		out.SubShares[id] = box
	}
	return out, nil
}

// VerifyContribution checks c against the old epoch's public package. It
// needs no secrets, so the coordinator can screen contributions before
// forwarding them.
func (e *Engine) VerifyContribution(ctx context.Context, epoch uint64, oldSigners []frost.Identifier, c *SealedContribution) error {
	old, err := e.LoadPublic(ctx, epoch)
	if err != nil {
		return err
	}
	return frost.ReshareVerify(&frost.ReshareContribution{From: c.From, Commitments: c.Commitments}, old, oldSigners)
}

// NextPublic computes the next epoch's public package from the
// contributions' commitments alone.
func NextPublic(next Config, contributions []*SealedContribution) (*frost.PublicKeyPackage, error) {
	public := make([]*frost.ReshareContribution, len(contributions))
	for i, c := range contributions {
		public[i] = &frost.ReshareContribution{From: c.From, Commitments: c.Commitments}
	}
	return frost.ResharePublic(public, int(next.Threshold), next.N())
}

// AcceptReshare opens this participant's sub-shares, combines them into
// the next epoch's key package and installs it. When prev is not nil the
// new group key must equal it.
func (e *Engine) AcceptReshare(ctx context.Context, next Config, contributions []*SealedContribution, priv ed25519.PrivateKey, prev *frost.PublicKeyPackage) (*frost.PublicKeyPackage, error) {
	id, ok := next.IdentifierOf(e.self)
	if !ok {
		return nil, errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "%s is not a new holder", e.self)
	}
	opened := make([]*frost.ReshareContribution, 0, len(contributions))
	defer func() {
		for _, c := range opened {
			e.rt.Crypto.SecureZero(c.SubShares[id])
		}
	}()
	for _, c := range contributions {
		box, ok := c.SubShares[id]
		if !ok {
			return nil, errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "contribution from %d has no sub-share for %d", c.From, id)
		}
		sub, err := seal.Open(priv, box, subShareAAD(e.account, next.Epoch, id))
		if err != nil {
			return nil, err
		}
		opened = append(opened, &frost.ReshareContribution{
			From:        c.From,
			Commitments: c.Commitments,
			SubShares:   map[frost.Identifier][]byte{id: sub},
		})
	}
	kp, err := frost.ReshareCombine(id, opened, int(next.Threshold))
	if err != nil {
		return nil, err
	}
	pub, err := frost.ResharePublic(opened, int(next.Threshold), next.N())
	if err != nil {
		return nil, err
	}
	if prev != nil && !frost.SameGroupKey(prev, pub) {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "reshare changed the group key")
	}
	if !e.rt.Crypto.ConstantTimeEq(pub.VerifyingShares[id], kp.VerifyingShare) {
		return nil, errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "combined share for %d does not match the public package", id)
	}
	if err := e.Install(ctx, next, pub, kp); err != nil {
		return nil, err
	}
	e.logger.Info("reshare accepted", "account", e.account.String(), "epoch", next.Epoch, "identifier", id)
	return pub, nil
}

// SealPackage seals a dealt key package to its holder for distribution.
func (e *Engine) SealPackage(recipient ed25519.PublicKey, epoch uint64, kp *frost.KeyPackage) ([]byte, error) {
	b, err := encode(kp)
	if err != nil {
		return nil, err
	}
	defer e.rt.Crypto.SecureZero(b)
	return seal.Seal(e.rt.Random.Reader(), recipient, b, packageAAD(e.account, epoch))
}

// OpenPackage opens a key package sealed with SealPackage.
func (e *Engine) OpenPackage(priv ed25519.PrivateKey, epoch uint64, box []byte) (*frost.KeyPackage, error) {
	b, err := seal.Open(priv, box, packageAAD(e.account, epoch))
	if err != nil {
		return nil, err
	}
	defer e.rt.Crypto.SecureZero(b)
	var kp frost.KeyPackage
	if err := decode(b, &kp); err != nil {
		return nil, err
	}
	return &kp, kp.Validate()
}
