package frost

import (
	"crypto/ed25519"
	"io"

	"github.com/roach88/aura/internal/errs"
)

// GenerateSigningKeys produces key material for an m-of-n signer set.
// With m = n = 1 it yields a plain Ed25519 key; otherwise it runs the
// trusted dealer.
func GenerateSigningKeys(rand io.Reader, minSigners, maxSigners int) (*KeySet, error) {
	if err := validateThreshold(minSigners, maxSigners); err != nil {
		return nil, err
	}
	if minSigners == 1 && maxSigners == 1 {
		return singleSigner(rand)
	}
	return GenerateWithDealer(rand, minSigners, maxSigners)
}

func singleSigner(rand io.Reader) (*KeySet, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "read seed", err)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	kp := KeyPackage{
		Mode:           ModeSingleSigner,
		Identifier:     1,
		SigningShare:   seed,
		VerifyingShare: pub,
		GroupPublicKey: pub,
		MinSigners:     1,
	}
	return &KeySet{
		Mode:     ModeSingleSigner,
		Packages: []KeyPackage{kp},
		Public: PublicKeyPackage{
			Mode:            ModeSingleSigner,
			GroupPublicKey:  pub,
			VerifyingShares: map[Identifier][]byte{1: pub},
			MinSigners:      1,
			MaxSigners:      1,
		},
	}, nil
}

// SignSingle signs message with a single-signer key package.
func SignSingle(kp *KeyPackage, message []byte) ([]byte, error) {
	if kp.Mode != ModeSingleSigner {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "key package is not single-signer")
	}
	if len(kp.SigningShare) != ed25519.SeedSize {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "malformed seed")
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(kp.SigningShare), message), nil
}

// Verify checks an aggregated or single-signer signature against the group
// key. Both modes produce standard Ed25519 signatures.
func Verify(pub *PublicKeyPackage, message, sig []byte) error {
	if len(pub.GroupPublicKey) != ed25519.PublicKeySize {
		return errs.New(errs.KindCrypto, errs.CodeInvalidKey, "malformed group key")
	}
	if !ed25519.Verify(pub.GroupPublicKey, message, sig) {
		return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "signature does not verify under group key")
	}
	return nil
}
