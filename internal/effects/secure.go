package effects

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/roach88/aura/internal/errs"
)

// SecureCapabilityKind names an operation permitted on a secure location.
type SecureCapabilityKind uint8

const (
	CapRead SecureCapabilityKind = iota + 1
	CapWrite
	CapDelete
	CapList
	CapDeviceAttestation
	CapTimeBound
)

func (k SecureCapabilityKind) String() string {
	switch k {
	case CapRead:
		return "read"
	case CapWrite:
		return "write"
	case CapDelete:
		return "delete"
	case CapList:
		return "list"
	case CapDeviceAttestation:
		return "device-attestation"
	case CapTimeBound:
		return "time-bound"
	default:
		return "unknown"
	}
}

// SecureCapability grants one operation. ExpiresAtMs is used by CapTimeBound:
// a value stored with it becomes unreadable at that instant.
type SecureCapability struct {
	Kind        SecureCapabilityKind
	ExpiresAtMs int64
}

func ReadCap() SecureCapability { return SecureCapability{Kind: CapRead} }
func WriteCap() SecureCapability { return SecureCapability{Kind: CapWrite} }
func DeleteCap() SecureCapability { return SecureCapability{Kind: CapDelete} }
func ListCap() SecureCapability { return SecureCapability{Kind: CapList} }
func AttestCap() SecureCapability { return SecureCapability{Kind: CapDeviceAttestation} }
func ExpiresAt(ms int64) SecureCapability { return SecureCapability{Kind: CapTimeBound, ExpiresAtMs: ms} }

// SecureLocation addresses a secret: Namespace/Key.
type SecureLocation struct {
	Namespace string
	Key       string
}

func (l SecureLocation) String() string { return l.Namespace + "/" + l.Key }

// ParseSecureLocation splits at the first slash.
func ParseSecureLocation(s string) SecureLocation {
	ns, key, _ := strings.Cut(s, "/")
	return SecureLocation{Namespace: ns, Key: key}
}

// SealedStorage is the software secure-storage handler. Values are
// encrypted with ChaCha20-Poly1305 under a key derived from a device master
// secret, with the location bound as associated data. Operations on one
// location are serialized.
type SealedStorage struct {
	backing StorageEffects
	crypto  CryptoEffects
	clock   TimeEffects
	key     []byte

	locks sync.Map // string -> *sync.Mutex
}

const secureKeyPrefix = "secure/"

// NewSealedStorage derives the sealing key from master with HKDF.
func NewSealedStorage(backing StorageEffects, crypto CryptoEffects, clock TimeEffects, master []byte) (*SealedStorage, error) {
	key, err := crypto.HKDF(master, nil, []byte("aura/secure-storage/v1"), 32)
	if err != nil {
		return nil, err
	}
	return &SealedStorage{backing: backing, crypto: crypto, clock: clock, key: key}, nil
}

func (s *SealedStorage) lock(loc SecureLocation) func() {
	v, _ := s.locks.LoadOrStore(loc.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func requireCap(op SecureCapabilityKind, loc SecureLocation, caps []SecureCapability) error {
	for _, c := range caps {
		if c.Kind == op {
			return nil
		}
	}
	return errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "secure storage %s requires %s capability", loc, op).With("location", loc.String())
}

func expiryOf(caps []SecureCapability) int64 {
	for _, c := range caps {
		if c.Kind == CapTimeBound {
			return c.ExpiresAtMs
		}
	}
	return 0
}

func (s *SealedStorage) Store(ctx context.Context, loc SecureLocation, value []byte, caps ...SecureCapability) error {
	if err := requireCap(CapWrite, loc, caps); err != nil {
		return err
	}
	defer s.lock(loc)()

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(expiryOf(caps)))
	plain := append(header[:], value...)
	defer s.crypto.SecureZero(plain)
	box, err := s.crypto.ChaChaEncrypt(s.key, plain, []byte(loc.String()))
	if err != nil {
		return err
	}
	return s.backing.Put(ctx, secureKeyPrefix+loc.String(), box)
}

func (s *SealedStorage) Retrieve(ctx context.Context, loc SecureLocation, caps ...SecureCapability) ([]byte, error) {
	if err := requireCap(CapRead, loc, caps); err != nil {
		return nil, err
	}
	defer s.lock(loc)()

	storeKey := secureKeyPrefix + loc.String()
	box, err := s.backing.Get(ctx, storeKey)
	if err != nil {
		return nil, err
	}
	plain, err := s.crypto.ChaChaDecrypt(s.key, box, []byte(loc.String()))
	if err != nil {
		return nil, err
	}
	if len(plain) < 8 {
		return nil, errs.New(errs.KindCrypto, errs.CodeDecrypt, "secure value missing header")
	}
	if exp := int64(binary.BigEndian.Uint64(plain[:8])); exp > 0 && s.clock.NowMs() >= exp {
		s.crypto.SecureZero(plain)
		if err := s.backing.Delete(ctx, storeKey); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.KindStorage, errs.CodeNotFound, "secure value expired").With("location", loc.String())
	}
	return plain[8:], nil
}

func (s *SealedStorage) Remove(ctx context.Context, loc SecureLocation, caps ...SecureCapability) error {
	if err := requireCap(CapDelete, loc, caps); err != nil {
		return err
	}
	defer s.lock(loc)()
	return s.backing.Delete(ctx, secureKeyPrefix+loc.String())
}

func (s *SealedStorage) ListLocations(ctx context.Context, namespace string, caps ...SecureCapability) ([]SecureLocation, error) {
	if err := requireCap(CapList, SecureLocation{Namespace: namespace}, caps); err != nil {
		return nil, err
	}
	keys, err := s.backing.List(ctx, secureKeyPrefix+namespace+"/")
	if err != nil {
		return nil, err
	}
	out := make([]SecureLocation, len(keys))
	for i, k := range keys {
		out[i] = ParseSecureLocation(strings.TrimPrefix(k, secureKeyPrefix))
	}
	return out, nil
}
