package effects

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
)

// Crypto implements CryptoEffects over the standard primitives. All
// randomness comes from the supplied RandomEffects.
type Crypto struct {
	rand RandomEffects
}

// NewCrypto binds crypto operations to a randomness source.
func NewCrypto(r RandomEffects) *Crypto { return &Crypto{rand: r} }

func (c *Crypto) Blake3(data []byte) ids.Hash { return canonical.Blake3(data) }

func (c *Crypto) HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "hkdf expand", err)
	}
	return out, nil
}

func (c *Crypto) Ed25519Generate() (ed25519.PrivateKey, error) {
	seed := c.rand.RandomBytes(ed25519.SeedSize)
	defer clear(seed)
	return ed25519.NewKeyFromSeed(seed), nil
}

func (c *Crypto) Ed25519Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func (c *Crypto) Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func (c *Crypto) Ed25519Public(priv ed25519.PrivateKey) ed25519.PublicKey {
	return priv.Public().(ed25519.PublicKey)
}

// ChaChaEncrypt returns nonce || ciphertext with a fresh random nonce.
func (c *Crypto) ChaChaEncrypt(key, plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeInvalidKey, "chacha20poly1305 key", err)
	}
	return c.seal(aead, plaintext, additional), nil
}

func (c *Crypto) ChaChaDecrypt(key, ciphertext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeInvalidKey, "chacha20poly1305 key", err)
	}
	return open(aead, ciphertext, additional)
}

// AESGCMEncrypt returns nonce || ciphertext with a fresh random nonce.
func (c *Crypto) AESGCMEncrypt(key, plaintext, additional []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return c.seal(aead, plaintext, additional), nil
}

func (c *Crypto) AESGCMDecrypt(key, ciphertext, additional []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return open(aead, ciphertext, additional)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeInvalidKey, "aes key", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeInvalidKey, "gcm mode", err)
	}
	return aead, nil
}

func (c *Crypto) seal(aead cipher.AEAD, plaintext, additional []byte) []byte {
	nonce := c.rand.RandomBytes(aead.NonceSize())
	return aead.Seal(nonce, nonce, plaintext, additional)
}

func open(aead cipher.AEAD, ciphertext, additional []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(ciphertext) < ns+aead.Overhead() {
		return nil, errs.New(errs.KindCrypto, errs.CodeDecrypt, "ciphertext too short")
	}
	pt, err := aead.Open(nil, ciphertext[:ns], ciphertext[ns:], additional)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeDecrypt, "authenticate ciphertext", err)
	}
	return pt, nil
}

func (c *Crypto) FrostKeygen(minSigners, maxSigners int) (*frost.KeySet, error) {
	return frost.GenerateWithDealer(c.rand.Reader(), minSigners, maxSigners)
}

func (c *Crypto) FrostNonces(kp *frost.KeyPackage) (*frost.SigningNonces, error) {
	return frost.Commit(c.rand.Reader(), kp)
}

func (c *Crypto) FrostSigningPackage(msg []byte, commitments []frost.Commitment) (*frost.SigningPackage, error) {
	return frost.NewSigningPackage(msg, commitments)
}

func (c *Crypto) FrostSignShare(pkg *frost.SigningPackage, nonces *frost.SigningNonces, kp *frost.KeyPackage) (frost.SignatureShare, error) {
	return frost.Sign(pkg, nonces, kp)
}

func (c *Crypto) FrostAggregate(pkg *frost.SigningPackage, shares []frost.SignatureShare, pub *frost.PublicKeyPackage) ([]byte, error) {
	return frost.Aggregate(pkg, shares, pub)
}

func (c *Crypto) FrostVerify(pub *frost.PublicKeyPackage, msg, sig []byte) error {
	return frost.Verify(pub, msg, sig)
}

func (c *Crypto) FrostReshare(kp *frost.KeyPackage, oldSigners []frost.Identifier, newMin, newMax int) (*frost.ReshareContribution, error) {
	return frost.ReshareContribute(c.rand.Reader(), kp, oldSigners, newMin, newMax)
}

func (c *Crypto) GenerateSigningKeys(minSigners, maxSigners int) (*frost.KeySet, error) {
	return frost.GenerateSigningKeys(c.rand.Reader(), minSigners, maxSigners)
}

func (c *Crypto) ConstantTimeEq(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (c *Crypto) SecureZero(b []byte) {
	clear(b)
}
