package canonical

import (
	"fmt"

	"lukechampine.com/blake3"

	"github.com/roach88/aura/internal/ids"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows algorithm migration.
const (
	DomainEvent      = "aura/event/v1"
	DomainFact       = "aura/fact/v1"
	DomainCapability = "aura/capability/v1"
	DomainCeremony   = "aura/ceremony/v1"
	DomainState      = "aura/state/v1"
	DomainTrace      = "aura/trace/v1"
	DomainJournal    = "aura/journal/v1"
)

// HashWithDomain computes Blake3-256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) ids.Hash {
	h := blake3.New(32, nil)
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out ids.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashParts hashes several byte fields under one domain. Each part is
// length-prefixed so that concatenation is unambiguous.
func HashParts(domain string, parts ...[]byte) ids.Hash {
	h := blake3.New(32, nil)
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	var lenBuf [4]byte
	for _, p := range parts {
		n := len(p)
		lenBuf[0] = byte(n >> 24)
		lenBuf[1] = byte(n >> 16)
		lenBuf[2] = byte(n >> 8)
		lenBuf[3] = byte(n)
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var out ids.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Blake3 is the plain, undomained Blake3-256 digest.
func Blake3(data []byte) ids.Hash {
	return ids.Hash(blake3.Sum256(data))
}

// HashValue canonically encodes v and hashes it under domain.
func HashValue(domain string, v any) (ids.Hash, error) {
	data, err := Marshal(v)
	if err != nil {
		return ids.Hash{}, fmt.Errorf("hash %s: %w", domain, err)
	}
	return HashWithDomain(domain, data), nil
}
