package frost

import (
	"io"
	"slices"

	"filippo.io/edwards25519"

	"github.com/roach88/aura/internal/errs"
)

// ReshareContribution is one old holder's output when moving the group
// secret to a new signer set. SubShares are secret and must be sealed to
// their recipients before leaving the device.
type ReshareContribution struct {
	From        Identifier            `cbor:"1,keyasint"`
	Commitments [][]byte              `cbor:"2,keyasint"`
	SubShares   map[Identifier][]byte `cbor:"3,keyasint"`
}

// ReshareContribute splits the holder's Lagrange-weighted share over a new
// polynomial of degree newMin-1, one point per new participant.
// oldSigners is the set of old holders taking part (at least the old threshold).
func ReshareContribute(rand io.Reader, kp *KeyPackage, oldSigners []Identifier, newMin, newMax int) (*ReshareContribution, error) {
	if err := validateThreshold(newMin, newMax); err != nil {
		return nil, err
	}
	if kp.Mode != ModeThreshold {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "resharing requires a threshold key package")
	}
	if len(oldSigners) < int(kp.MinSigners) {
		return nil, errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "need %d old holders, have %d", kp.MinSigners, len(oldSigners))
	}
	secret, err := decodeScalar(kp.SigningShare)
	if err != nil {
		return nil, err
	}
	lambda, err := lagrange(kp.Identifier, oldSigners)
	if err != nil {
		return nil, err
	}

	coeffs := make([]*edwards25519.Scalar, newMin)
	coeffs[0] = edwards25519.NewScalar().Multiply(lambda, secret)
	for i := 1; i < newMin; i++ {
		c, err := randomScalar(rand)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}

	out := &ReshareContribution{
		From:        kp.Identifier,
		Commitments: make([][]byte, newMin),
		SubShares:   make(map[Identifier][]byte, newMax),
	}
	for i, c := range coeffs {
		out.Commitments[i] = baseMul(c).Bytes()
	}
	for j := 1; j <= newMax; j++ {
		id := Identifier(j)
		out.SubShares[id] = evalPolynomial(coeffs, id.scalar()).Bytes()
	}
	return out, nil
}

// ReshareVerify checks a contribution against the sender's old verifying
// share: the constant commitment must equal lambda_i * Y_i.
func ReshareVerify(c *ReshareContribution, old *PublicKeyPackage, oldSigners []Identifier) error {
	vs, ok := old.VerifyingShares[c.From]
	if !ok {
		return errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "no verifying share for %d", c.From)
	}
	y, err := decodePoint(vs)
	if err != nil {
		return err
	}
	if len(c.Commitments) == 0 {
		return errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "contribution from %d has no commitments", c.From)
	}
	c0, err := decodePoint(c.Commitments[0])
	if err != nil {
		return err
	}
	lambda, err := lagrange(c.From, oldSigners)
	if err != nil {
		return err
	}
	if new(edwards25519.Point).ScalarMult(lambda, y).Equal(c0) != 1 {
		return errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "contribution from %d is not bound to its share", c.From)
	}
	return nil
}

// ReshareCombine sums the sub-shares addressed to id into a new key package.
// Every sub-share is checked against its contribution's commitments.
func ReshareCombine(id Identifier, contributions []*ReshareContribution, newMin int) (*KeyPackage, error) {
	if len(contributions) == 0 {
		return nil, errs.New(errs.KindCeremony, errs.CodeThresholdNotReached, "no reshare contributions")
	}
	share := edwards25519.NewScalar()
	for _, c := range contributions {
		raw, ok := c.SubShares[id]
		if !ok {
			return nil, errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "contribution from %d missing sub-share for %d", c.From, id)
		}
		s, err := decodeScalar(raw)
		if err != nil {
			return nil, err
		}
		points, err := decodePoints(c.Commitments)
		if err != nil {
			return nil, err
		}
		if len(points) != newMin {
			return nil, errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "contribution from %d has degree %d, want %d", c.From, len(points)-1, newMin-1)
		}
		if baseMul(s).Equal(evalCommitments(points, id.scalar())) != 1 {
			return nil, errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "sub-share from %d fails commitment check", c.From)
		}
		share.Add(share, s)
	}
	groupKey, err := reshareGroupKey(contributions)
	if err != nil {
		return nil, err
	}
	return &KeyPackage{
		Mode:           ModeThreshold,
		Identifier:     id,
		SigningShare:   share.Bytes(),
		VerifyingShare: baseMul(share).Bytes(),
		GroupPublicKey: groupKey,
		MinSigners:     uint16(newMin),
	}, nil
}

// ResharePublic derives the new public package from the contributions alone.
// The group key is unchanged by construction; callers compare it against the
// previous epoch's key.
func ResharePublic(contributions []*ReshareContribution, newMin, newMax int) (*PublicKeyPackage, error) {
	if len(contributions) == 0 {
		return nil, errs.New(errs.KindCeremony, errs.CodeThresholdNotReached, "no reshare contributions")
	}
	sum := make([]*edwards25519.Point, newMin)
	for k := range sum {
		sum[k] = edwards25519.NewIdentityPoint()
	}
	for _, c := range contributions {
		points, err := decodePoints(c.Commitments)
		if err != nil {
			return nil, err
		}
		if len(points) != newMin {
			return nil, errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "contribution from %d has wrong degree", c.From)
		}
		for k, p := range points {
			sum[k].Add(sum[k], p)
		}
	}
	pub := &PublicKeyPackage{
		Mode:            ModeThreshold,
		GroupPublicKey:  sum[0].Bytes(),
		VerifyingShares: make(map[Identifier][]byte, newMax),
		MinSigners:      uint16(newMin),
		MaxSigners:      uint16(newMax),
	}
	for j := 1; j <= newMax; j++ {
		id := Identifier(j)
		pub.VerifyingShares[id] = evalCommitments(sum, id.scalar()).Bytes()
	}
	return pub, nil
}

func reshareGroupKey(contributions []*ReshareContribution) ([]byte, error) {
	sum := edwards25519.NewIdentityPoint()
	for _, c := range contributions {
		p, err := decodePoint(c.Commitments[0])
		if err != nil {
			return nil, err
		}
		sum.Add(sum, p)
	}
	return sum.Bytes(), nil
}

// SameGroupKey reports whether two public packages share a group key.
func SameGroupKey(a, b *PublicKeyPackage) bool {
	return slices.Equal(a.GroupPublicKey, b.GroupPublicKey)
}
