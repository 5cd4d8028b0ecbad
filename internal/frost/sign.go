package frost

import (
	"crypto/ed25519"
	"io"
	"slices"
	"strconv"

	"filippo.io/edwards25519"

	"github.com/roach88/aura/internal/errs"
)

// Commitment is a participant's public round-one output.
type Commitment struct {
	Identifier Identifier `cbor:"1,keyasint"`
	Hiding     []byte     `cbor:"2,keyasint"`
	Binding    []byte     `cbor:"3,keyasint"`
}

// SigningNonces is a participant's secret round-one output. It must be
// used for exactly one signature and then erased.
type SigningNonces struct {
	Identifier Identifier `cbor:"1,keyasint"`
	Hiding     []byte     `cbor:"2,keyasint"`
	Binding    []byte     `cbor:"3,keyasint"`
	Commitment Commitment `cbor:"4,keyasint"`
}

// Zero overwrites the secret nonces.
func (n *SigningNonces) Zero() {
	clear(n.Hiding)
	clear(n.Binding)
}

// SigningPackage is the coordinator's round-two broadcast.
type SigningPackage struct {
	Message     []byte       `cbor:"1,keyasint"`
	Commitments []Commitment `cbor:"2,keyasint"`
}

// Signers returns the participants in the package, ascending.
func (p *SigningPackage) Signers() []Identifier {
	out := make([]Identifier, len(p.Commitments))
	for i, c := range p.Commitments {
		out[i] = c.Identifier
	}
	return out
}

func (p *SigningPackage) commitment(id Identifier) (Commitment, bool) {
	for _, c := range p.Commitments {
		if c.Identifier == id {
			return c, true
		}
	}
	return Commitment{}, false
}

// SignatureShare is a participant's round-two output.
type SignatureShare struct {
	Identifier Identifier `cbor:"1,keyasint"`
	Z          []byte     `cbor:"2,keyasint"`
}

// Commit generates hiding and binding nonces for one signing session.
func Commit(rand io.Reader, kp *KeyPackage) (*SigningNonces, error) {
	if kp.Mode != ModeThreshold {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "commit requires a threshold key package")
	}
	secret, err := decodeScalar(kp.SigningShare)
	if err != nil {
		return nil, err
	}
	hiding, err := nonceGenerate(rand, secret)
	if err != nil {
		return nil, err
	}
	binding, err := nonceGenerate(rand, secret)
	if err != nil {
		return nil, err
	}
	return &SigningNonces{
		Identifier: kp.Identifier,
		Hiding:     hiding.Bytes(),
		Binding:    binding.Bytes(),
		Commitment: Commitment{
			Identifier: kp.Identifier,
			Hiding:     baseMul(hiding).Bytes(),
			Binding:    baseMul(binding).Bytes(),
		},
	}, nil
}

func nonceGenerate(rand io.Reader, secret *edwards25519.Scalar) (*edwards25519.Scalar, error) {
	var rb [32]byte
	if _, err := io.ReadFull(rand, rb[:]); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "read nonce randomness", err)
	}
	return h3(append(rb[:], secret.Bytes()...)), nil
}

// NewSigningPackage sorts and validates the commitment list.
func NewSigningPackage(message []byte, commitments []Commitment) (*SigningPackage, error) {
	if len(commitments) == 0 {
		return nil, errs.New(errs.KindValidation, errs.CodeInvalid, "signing package needs at least one commitment")
	}
	sorted := slices.Clone(commitments)
	slices.SortFunc(sorted, func(a, b Commitment) int { return int(a.Identifier) - int(b.Identifier) })
	for i, c := range sorted {
		if i > 0 && sorted[i-1].Identifier == c.Identifier {
			return nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "duplicate commitment from %d", c.Identifier)
		}
		for _, b := range [][]byte{c.Hiding, c.Binding} {
			p, err := decodePoint(b)
			if err != nil {
				return nil, err
			}
			if isIdentity(p) {
				return nil, errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "identity commitment from %d", c.Identifier)
			}
		}
	}
	return &SigningPackage{Message: slices.Clone(message), Commitments: sorted}, nil
}

func encodeCommitments(cs []Commitment) []byte {
	out := make([]byte, 0, len(cs)*96)
	for _, c := range cs {
		out = append(out, c.Identifier.scalar().Bytes()...)
		out = append(out, c.Hiding...)
		out = append(out, c.Binding...)
	}
	return out
}

func bindingFactors(groupKey []byte, pkg *SigningPackage) map[Identifier]*edwards25519.Scalar {
	prefix := make([]byte, 0, 32+64+64+32)
	prefix = append(prefix, groupKey...)
	prefix = append(prefix, h4(pkg.Message)...)
	prefix = append(prefix, h5(encodeCommitments(pkg.Commitments))...)

	out := make(map[Identifier]*edwards25519.Scalar, len(pkg.Commitments))
	for _, c := range pkg.Commitments {
		input := append(slices.Clone(prefix), c.Identifier.scalar().Bytes()...)
		out[c.Identifier] = h1(input)
	}
	return out
}

func groupCommitment(pkg *SigningPackage, rhos map[Identifier]*edwards25519.Scalar) (*edwards25519.Point, error) {
	r := edwards25519.NewIdentityPoint()
	for _, c := range pkg.Commitments {
		d, err := decodePoint(c.Hiding)
		if err != nil {
			return nil, err
		}
		e, err := decodePoint(c.Binding)
		if err != nil {
			return nil, err
		}
		r.Add(r, d)
		r.Add(r, new(edwards25519.Point).ScalarMult(rhos[c.Identifier], e))
	}
	return r, nil
}

func challenge(r *edwards25519.Point, groupKey, message []byte) *edwards25519.Scalar {
	return h2(slices.Concat(r.Bytes(), groupKey, message))
}

// Sign produces a signature share over pkg using the participant's nonces.
func Sign(pkg *SigningPackage, nonces *SigningNonces, kp *KeyPackage) (SignatureShare, error) {
	own, ok := pkg.commitment(kp.Identifier)
	if !ok {
		return SignatureShare{}, errs.Newf(errs.KindProtocol, errs.CodeUnexpectedState, "participant %d not in signing package", kp.Identifier)
	}
	if !slices.Equal(own.Hiding, nonces.Commitment.Hiding) || !slices.Equal(own.Binding, nonces.Commitment.Binding) {
		return SignatureShare{}, errs.New(errs.KindProtocol, errs.CodeUnexpectedState, "signing package commitment does not match local nonces")
	}

	rhos := bindingFactors(kp.GroupPublicKey, pkg)
	r, err := groupCommitment(pkg, rhos)
	if err != nil {
		return SignatureShare{}, err
	}
	c := challenge(r, kp.GroupPublicKey, pkg.Message)
	lambda, err := lagrange(kp.Identifier, pkg.Signers())
	if err != nil {
		return SignatureShare{}, err
	}

	hiding, err := decodeScalar(nonces.Hiding)
	if err != nil {
		return SignatureShare{}, err
	}
	binding, err := decodeScalar(nonces.Binding)
	if err != nil {
		return SignatureShare{}, err
	}
	secret, err := decodeScalar(kp.SigningShare)
	if err != nil {
		return SignatureShare{}, err
	}

	// z = hiding + binding*rho + lambda*secret*c
	z := edwards25519.NewScalar().MultiplyAdd(binding, rhos[kp.Identifier], hiding)
	lsc := edwards25519.NewScalar().Multiply(lambda, secret)
	z.MultiplyAdd(lsc, c, z)
	return SignatureShare{Identifier: kp.Identifier, Z: z.Bytes()}, nil
}

// VerifyShare checks one signature share against the signer's verifying share.
func VerifyShare(pkg *SigningPackage, share SignatureShare, verifyingShare, groupKey []byte) error {
	comm, ok := pkg.commitment(share.Identifier)
	if !ok {
		return errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "share from %d has no commitment", share.Identifier)
	}
	z, err := decodeScalar(share.Z)
	if err != nil {
		return err
	}
	y, err := decodePoint(verifyingShare)
	if err != nil {
		return err
	}
	d, err := decodePoint(comm.Hiding)
	if err != nil {
		return err
	}
	e, err := decodePoint(comm.Binding)
	if err != nil {
		return err
	}

	rhos := bindingFactors(groupKey, pkg)
	r, err := groupCommitment(pkg, rhos)
	if err != nil {
		return err
	}
	c := challenge(r, groupKey, pkg.Message)
	lambda, err := lagrange(share.Identifier, pkg.Signers())
	if err != nil {
		return err
	}

	commShare := new(edwards25519.Point).Add(d, new(edwards25519.Point).ScalarMult(rhos[share.Identifier], e))
	rhs := new(edwards25519.Point).Add(commShare, new(edwards25519.Point).ScalarMult(edwards25519.NewScalar().Multiply(c, lambda), y))
	if baseMul(z).Equal(rhs) != 1 {
		return errs.New(errs.KindCrypto, errs.CodeInvalidShare, "signature share failed verification").
			With("participant", strconv.Itoa(int(share.Identifier)))
	}
	return nil
}

// Culprit returns the participant named by an invalid-share error.
func Culprit(err error) (Identifier, bool) {
	e, ok := errs.As(err)
	if !ok || e.Code != errs.CodeInvalidShare {
		return 0, false
	}
	v, ok := e.Metadata["participant"]
	if !ok {
		return 0, false
	}
	n, convErr := strconv.ParseUint(v, 10, 16)
	if convErr != nil {
		return 0, false
	}
	return Identifier(n), true
}

// Aggregate verifies every share and combines them into an Ed25519 signature.
// The set of shares must match the package's signer set exactly.
func Aggregate(pkg *SigningPackage, shares []SignatureShare, pub *PublicKeyPackage) ([]byte, error) {
	if len(shares) != len(pkg.Commitments) {
		return nil, errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "have %d shares for %d commitments", len(shares), len(pkg.Commitments))
	}
	if len(pkg.Commitments) < int(pub.MinSigners) {
		return nil, errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "need %d signers, have %d", pub.MinSigners, len(pkg.Commitments))
	}

	z := edwards25519.NewScalar()
	seen := make(map[Identifier]bool, len(shares))
	for _, s := range shares {
		if seen[s.Identifier] {
			return nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "duplicate share from %d", s.Identifier)
		}
		seen[s.Identifier] = true
		vs, ok := pub.VerifyingShares[s.Identifier]
		if !ok {
			return nil, errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "no verifying share for %d", s.Identifier)
		}
		if err := VerifyShare(pkg, s, vs, pub.GroupPublicKey); err != nil {
			return nil, err
		}
		zi, err := decodeScalar(s.Z)
		if err != nil {
			return nil, err
		}
		z.Add(z, zi)
	}

	rhos := bindingFactors(pub.GroupPublicKey, pkg)
	r, err := groupCommitment(pkg, rhos)
	if err != nil {
		return nil, err
	}
	sig := slices.Concat(r.Bytes(), z.Bytes())
	if !ed25519.Verify(pub.GroupPublicKey, pkg.Message, sig) {
		return nil, errs.New(errs.KindInternal, errs.CodeInvariant, "aggregate signature failed verification")
	}
	return sig, nil
}
