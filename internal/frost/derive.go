package frost

import (
	"encoding/binary"
	"io"
	"slices"

	"filippo.io/edwards25519"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/errs"
)

// DomainDerivedKey separates derived context keys from other hashes.
const DomainDerivedKey = "aura/derived-key/v1"

// Evaluation is one participant's contribution to a threshold key
// derivation: M = s_i * H(context), with a DLEQ proof that the same s_i
// underlies the participant's verifying share.
type Evaluation struct {
	Identifier Identifier `cbor:"1,keyasint"`
	Point      []byte     `cbor:"2,keyasint"`
	Challenge  []byte     `cbor:"3,keyasint"`
	Response   []byte     `cbor:"4,keyasint"`
}

// HashToPoint maps input into the prime-order subgroup by try-and-increment.
func HashToPoint(input []byte) *edwards25519.Point {
	var ctr [4]byte
	for i := uint32(0); ; i++ {
		binary.BigEndian.PutUint32(ctr[:], i)
		h := hashBytes([]byte(contextString), []byte("h2c"), input, ctr[:])
		p, err := edwards25519.NewIdentityPoint().SetBytes(h[:32])
		if err != nil {
			continue
		}
		p.MultByCofactor(p)
		if !isIdentity(p) {
			return p
		}
	}
}

func dleqChallenge(y, p, m, a1, a2 *edwards25519.Point) *edwards25519.Scalar {
	return hashToScalar([]byte(contextString), []byte("dleq"),
		y.Bytes(), p.Bytes(), m.Bytes(), a1.Bytes(), a2.Bytes())
}

// Evaluate computes this participant's evaluation for context.
func Evaluate(rand io.Reader, kp *KeyPackage, context []byte) (*Evaluation, error) {
	if kp.Mode != ModeThreshold {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "derivation requires a threshold key package")
	}
	s, err := decodeScalar(kp.SigningShare)
	if err != nil {
		return nil, err
	}
	y, err := decodePoint(kp.VerifyingShare)
	if err != nil {
		return nil, err
	}
	p := HashToPoint(context)
	m := new(edwards25519.Point).ScalarMult(s, p)

	k, err := randomScalar(rand)
	if err != nil {
		return nil, err
	}
	a1 := baseMul(k)
	a2 := new(edwards25519.Point).ScalarMult(k, p)
	c := dleqChallenge(y, p, m, a1, a2)
	z := edwards25519.NewScalar().MultiplyAdd(c, s, k)

	return &Evaluation{
		Identifier: kp.Identifier,
		Point:      m.Bytes(),
		Challenge:  c.Bytes(),
		Response:   z.Bytes(),
	}, nil
}

// VerifyEvaluation checks the DLEQ proof on ev against verifyingShare.
func VerifyEvaluation(ev *Evaluation, verifyingShare, context []byte) error {
	y, err := decodePoint(verifyingShare)
	if err != nil {
		return err
	}
	m, err := decodePoint(ev.Point)
	if err != nil {
		return err
	}
	c, err := decodeScalar(ev.Challenge)
	if err != nil {
		return err
	}
	z, err := decodeScalar(ev.Response)
	if err != nil {
		return err
	}
	p := HashToPoint(context)

	a1 := new(edwards25519.Point).Subtract(baseMul(z), new(edwards25519.Point).ScalarMult(c, y))
	a2 := new(edwards25519.Point).Subtract(new(edwards25519.Point).ScalarMult(z, p), new(edwards25519.Point).ScalarMult(c, m))
	if dleqChallenge(y, p, m, a1, a2).Equal(c) != 1 {
		return errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "evaluation proof from %d does not verify", ev.Identifier)
	}
	return nil
}

// CombineEvaluations verifies at least MinSigners evaluations and
// interpolates them into the 32-byte key for context.
func CombineEvaluations(pub *PublicKeyPackage, context []byte, evals []*Evaluation) ([]byte, error) {
	if len(evals) < int(pub.MinSigners) {
		return nil, errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "need %d evaluations, have %d", pub.MinSigners, len(evals))
	}
	sorted := slices.Clone(evals)
	slices.SortFunc(sorted, func(a, b *Evaluation) int { return int(a.Identifier) - int(b.Identifier) })
	signers := make([]Identifier, len(sorted))
	for i, ev := range sorted {
		signers[i] = ev.Identifier
	}

	sum := edwards25519.NewIdentityPoint()
	for _, ev := range sorted {
		vs, ok := pub.VerifyingShares[ev.Identifier]
		if !ok {
			return nil, errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "no verifying share for %d", ev.Identifier)
		}
		if err := VerifyEvaluation(ev, vs, context); err != nil {
			return nil, err
		}
		lambda, err := lagrange(ev.Identifier, signers)
		if err != nil {
			return nil, err
		}
		m, err := decodePoint(ev.Point)
		if err != nil {
			return nil, err
		}
		sum.Add(sum, new(edwards25519.Point).ScalarMult(lambda, m))
	}
	h := canonical.HashWithDomain(DomainDerivedKey, slices.Concat(pub.GroupPublicKey, context, sum.Bytes()))
	return h[:], nil
}
