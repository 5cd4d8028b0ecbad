package frost

import (
	"io"
	"slices"

	"filippo.io/edwards25519"

	"github.com/roach88/aura/internal/errs"
)

// SigningMode discriminates how a key package signs and verifies.
type SigningMode uint8

const (
	// ModeSingleSigner is plain Ed25519, used when m = n = 1.
	ModeSingleSigner SigningMode = 1
	// ModeThreshold is FROST m-of-n.
	ModeThreshold SigningMode = 2
)

func (m SigningMode) String() string {
	switch m {
	case ModeSingleSigner:
		return "single-signer"
	case ModeThreshold:
		return "threshold"
	default:
		return "unknown"
	}
}

// KeyPackage is one participant's secret material.
// For ModeSingleSigner, SigningShare holds the Ed25519 seed.
type KeyPackage struct {
	Mode           SigningMode `cbor:"1,keyasint"`
	Identifier     Identifier  `cbor:"2,keyasint"`
	SigningShare   []byte      `cbor:"3,keyasint"`
	VerifyingShare []byte      `cbor:"4,keyasint"`
	GroupPublicKey []byte      `cbor:"5,keyasint"`
	MinSigners     uint16      `cbor:"6,keyasint"`
}

// PublicKeyPackage is the public verification material for a key set.
type PublicKeyPackage struct {
	Mode            SigningMode           `cbor:"1,keyasint"`
	GroupPublicKey  []byte                `cbor:"2,keyasint"`
	VerifyingShares map[Identifier][]byte `cbor:"3,keyasint"`
	MinSigners      uint16                `cbor:"4,keyasint"`
	MaxSigners      uint16                `cbor:"5,keyasint"`
}

// Signers returns the identifiers of all verifying shares, ascending.
func (p *PublicKeyPackage) Signers() []Identifier {
	out := make([]Identifier, 0, len(p.VerifyingShares))
	for id := range p.VerifyingShares {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// KeySet is the dealer's output: one KeyPackage per participant plus the
// shared public package and the Feldman commitments to the polynomial.
type KeySet struct {
	Mode        SigningMode
	Packages    []KeyPackage
	Public      PublicKeyPackage
	Commitments [][]byte
}

// Package returns the key package for id.
func (k *KeySet) Package(id Identifier) (*KeyPackage, bool) {
	for i := range k.Packages {
		if k.Packages[i].Identifier == id {
			return &k.Packages[i], true
		}
	}
	return nil, false
}

// GenerateWithDealer splits a fresh random secret into maxSigners shares
// with reconstruction threshold minSigners.
func GenerateWithDealer(rand io.Reader, minSigners, maxSigners int) (*KeySet, error) {
	if err := validateThreshold(minSigners, maxSigners); err != nil {
		return nil, err
	}
	secret, err := randomScalar(rand)
	if err != nil {
		return nil, err
	}
	return splitSecret(rand, secret, minSigners, maxSigners)
}

func splitSecret(rand io.Reader, secret *edwards25519.Scalar, minSigners, maxSigners int) (*KeySet, error) {
	coeffs := make([]*edwards25519.Scalar, minSigners)
	coeffs[0] = secret
	for i := 1; i < minSigners; i++ {
		c, err := randomScalar(rand)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}

	commitments := make([][]byte, minSigners)
	for i, c := range coeffs {
		commitments[i] = baseMul(c).Bytes()
	}
	groupKey := commitments[0]

	set := &KeySet{
		Mode:        ModeThreshold,
		Packages:    make([]KeyPackage, 0, maxSigners),
		Commitments: commitments,
		Public: PublicKeyPackage{
			Mode:            ModeThreshold,
			GroupPublicKey:  groupKey,
			VerifyingShares: make(map[Identifier][]byte, maxSigners),
			MinSigners:      uint16(minSigners),
			MaxSigners:      uint16(maxSigners),
		},
	}
	for i := 1; i <= maxSigners; i++ {
		id := Identifier(i)
		share := evalPolynomial(coeffs, id.scalar())
		verifying := baseMul(share).Bytes()
		set.Packages = append(set.Packages, KeyPackage{
			Mode:           ModeThreshold,
			Identifier:     id,
			SigningShare:   share.Bytes(),
			VerifyingShare: verifying,
			GroupPublicKey: groupKey,
			MinSigners:     uint16(minSigners),
		})
		set.Public.VerifyingShares[id] = verifying
	}
	return set, nil
}

// VerifyShareCommitment checks a dealt share against the Feldman
// commitments: G*share == sum_k C_k * id^k.
func VerifyShareCommitment(kp *KeyPackage, commitments [][]byte) error {
	share, err := decodeScalar(kp.SigningShare)
	if err != nil {
		return err
	}
	points, err := decodePoints(commitments)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errs.New(errs.KindCrypto, errs.CodeInvalidShare, "no commitments")
	}
	expected := evalCommitments(points, kp.Identifier.scalar())
	if baseMul(share).Equal(expected) != 1 {
		return errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "share %d does not match commitments", kp.Identifier)
	}
	if !slices.Equal(points[0].Bytes(), kp.GroupPublicKey) {
		return errs.New(errs.KindCrypto, errs.CodeInvalidShare, "group key does not match commitments")
	}
	return nil
}

// Validate checks internal consistency of a key package.
func (kp *KeyPackage) Validate() error {
	switch kp.Mode {
	case ModeSingleSigner:
		if len(kp.SigningShare) != 32 || len(kp.GroupPublicKey) != 32 {
			return errs.New(errs.KindCrypto, errs.CodeInvalidKey, "malformed single-signer package")
		}
		return nil
	case ModeThreshold:
	default:
		return errs.Newf(errs.KindCrypto, errs.CodeInvalidKey, "unknown signing mode %d", kp.Mode)
	}
	share, err := decodeScalar(kp.SigningShare)
	if err != nil {
		return err
	}
	if !slices.Equal(baseMul(share).Bytes(), kp.VerifyingShare) {
		return errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "verifying share of %d does not match signing share", kp.Identifier)
	}
	return nil
}
