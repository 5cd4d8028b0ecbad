// Package frost implements FROST(Ed25519, SHA-512) threshold Schnorr
// signatures as described in RFC 9591: trusted-dealer key generation with
// Feldman commitments, two-round signing, share verification, aggregation,
// and proactive resharing to a new threshold. Aggregated signatures are
// plain Ed25519 signatures and verify with crypto/ed25519.
//
// The package is pure: all randomness is read from a caller-supplied
// io.Reader so that simulation runs are reproducible.
package frost

import (
	"crypto/sha512"
	"encoding/binary"
	"io"

	"filippo.io/edwards25519"

	"github.com/roach88/aura/internal/errs"
)

const contextString = "FROST-ED25519-SHA512-v1"

// Identifier is a participant index in 1..MaxSigners.
type Identifier uint16

func (id Identifier) scalar() *edwards25519.Scalar {
	var b [32]byte
	binary.LittleEndian.PutUint16(b[:2], uint16(id))
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		panic("frost: identifier encoding: " + err.Error())
	}
	return s
}

func hashToScalar(parts ...[]byte) *edwards25519.Scalar {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		panic("frost: uniform scalar: " + err.Error())
	}
	return s
}

func hashBytes(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// H1..H5 from RFC 9591 section 6.5.
func h1(m []byte) *edwards25519.Scalar { return hashToScalar([]byte(contextString), []byte("rho"), m) }
func h2(m []byte) *edwards25519.Scalar { return hashToScalar(m) }
func h3(m []byte) *edwards25519.Scalar { return hashToScalar([]byte(contextString), []byte("nonce"), m) }
func h4(m []byte) []byte { return hashBytes([]byte(contextString), []byte("msg"), m) }
func h5(m []byte) []byte { return hashBytes([]byte(contextString), []byte("com"), m) }

func randomScalar(rand io.Reader) (*edwards25519.Scalar, error) {
	var buf [64]byte
	for {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "read randomness", err)
		}
		s, err := edwards25519.NewScalar().SetUniformBytes(buf[:])
		if err != nil {
			return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "reduce scalar", err)
		}
		if s.Equal(edwards25519.NewScalar()) == 0 {
			return s, nil
		}
	}
}

func decodeScalar(b []byte) (*edwards25519.Scalar, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeInvalidKey, "decode scalar", err)
	}
	return s, nil
}

func decodePoint(b []byte) (*edwards25519.Point, error) {
	p, err := edwards25519.NewIdentityPoint().SetBytes(b)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeInvalidKey, "decode point", err)
	}
	return p, nil
}

func isIdentity(p *edwards25519.Point) bool {
	return p.Equal(edwards25519.NewIdentityPoint()) == 1
}

func baseMul(s *edwards25519.Scalar) *edwards25519.Point {
	return new(edwards25519.Point).ScalarBaseMult(s)
}

// lagrange computes the interpolating value for id over the signer set at x=0.
func lagrange(id Identifier, signers []Identifier) (*edwards25519.Scalar, error) {
	num := scalarOne()
	den := scalarOne()
	found := false
	xi := id.scalar()
	for _, j := range signers {
		if j == id {
			found = true
			continue
		}
		xj := j.scalar()
		num.Multiply(num, xj)
		den.Multiply(den, edwards25519.NewScalar().Subtract(xj, xi))
	}
	if !found {
		return nil, errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "participant %d not in signer set", id)
	}
	if den.Equal(edwards25519.NewScalar()) == 1 {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidShare, "duplicate identifiers in signer set")
	}
	return num.Multiply(num, edwards25519.NewScalar().Invert(den)), nil
}

func scalarOne() *edwards25519.Scalar {
	var b [32]byte
	b[0] = 1
	s, _ := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	return s
}

// evalPolynomial evaluates coefficients (constant term first) at x.
func evalPolynomial(coeffs []*edwards25519.Scalar, x *edwards25519.Scalar) *edwards25519.Scalar {
	out := edwards25519.NewScalar()
	for i := len(coeffs) - 1; i >= 0; i-- {
		out.MultiplyAdd(out, x, coeffs[i])
	}
	return out
}

// evalCommitments computes sum_k C_k * x^k.
func evalCommitments(commitments []*edwards25519.Point, x *edwards25519.Scalar) *edwards25519.Point {
	out := edwards25519.NewIdentityPoint()
	pow := scalarOne()
	for _, c := range commitments {
		out.Add(out, new(edwards25519.Point).ScalarMult(pow, c))
		pow = edwards25519.NewScalar().Multiply(pow, x)
	}
	return out
}

func decodePoints(bs [][]byte) ([]*edwards25519.Point, error) {
	out := make([]*edwards25519.Point, len(bs))
	for i, b := range bs {
		p, err := decodePoint(b)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func validateThreshold(minSigners, maxSigners int) error {
	if minSigners < 1 {
		return errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d must be positive", minSigners)
	}
	if minSigners > maxSigners {
		return errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d exceeds participant count %d", minSigners, maxSigners)
	}
	if maxSigners > 1<<16-1 {
		return errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "participant count %d too large", maxSigners)
	}
	return nil
}
