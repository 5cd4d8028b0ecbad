// Package seal encrypts short secrets (key shares, subshares, escrow
// pieces) to a device's Ed25519 identity key.
//
// The recipient's Edwards public key is mapped to its Montgomery form and
// used as an X25519 key. A fresh ephemeral X25519 key agrees a shared
// secret, HKDF-SHA256 stretches it, and ChaCha20-Poly1305 encrypts.
// Output layout: ephemeral public key (32) || nonce (12) || ciphertext.
package seal

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"io"
	"slices"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/roach88/aura/internal/errs"
)

const info = "aura/share-seal/v1"

const overhead = curve25519.PointSize + chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// Seal encrypts plaintext to recipient. additional is authenticated but not
// encrypted; callers bind the storage key or ceremony id here.
func Seal(rand io.Reader, recipient ed25519.PublicKey, plaintext, additional []byte) ([]byte, error) {
	peer, err := montgomeryPublic(recipient)
	if err != nil {
		return nil, err
	}
	eph := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, eph); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "read ephemeral key", err)
	}
	defer clear(eph)
	ephPub, err := curve25519.X25519(eph, curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "derive ephemeral public", err)
	}
	shared, err := curve25519.X25519(eph, peer)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "agree shared secret", err)
	}
	aead, err := deriveAEAD(shared, ephPub, peer)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "read nonce", err)
	}
	out := make([]byte, 0, len(plaintext)+overhead)
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, additional), nil
}

// Open decrypts a sealed box with the recipient's Ed25519 private key.
func Open(recipient ed25519.PrivateKey, box, additional []byte) ([]byte, error) {
	if len(box) < overhead {
		return nil, errs.New(errs.KindCrypto, errs.CodeDecrypt, "sealed box too short")
	}
	if len(recipient) != ed25519.PrivateKeySize {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "malformed private key")
	}
	priv := montgomeryPrivate(recipient.Seed())
	defer clear(priv)
	ephPub := box[:curve25519.PointSize]
	nonce := box[curve25519.PointSize : curve25519.PointSize+chacha20poly1305.NonceSize]
	ct := box[curve25519.PointSize+chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(priv, ephPub)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeDecrypt, "agree shared secret", err)
	}
	self, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeDecrypt, "derive own public", err)
	}
	aead, err := deriveAEAD(shared, ephPub, self)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, additional)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeDecrypt, "open sealed box", err)
	}
	return pt, nil
}

func deriveAEAD(shared, ephPub, recipient []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, slices.Concat(ephPub, recipient), []byte(info))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "expand seal key", err)
	}
	defer clear(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeKeyDerivation, "init aead", err)
	}
	return aead, nil
}

func montgomeryPublic(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "malformed public key")
	}
	p, err := edwards25519.NewIdentityPoint().SetBytes(pub)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, errs.CodeInvalidKey, "decode public key", err)
	}
	return p.BytesMontgomery(), nil
}

func montgomeryPrivate(seed []byte) []byte {
	h := sha512.Sum512(seed)
	out := make([]byte, curve25519.ScalarSize)
	copy(out, h[:32])
	clear(h[:])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}
