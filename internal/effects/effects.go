package effects

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
)

// ModeKind selects a handler family.
type ModeKind uint8

const (
	ModeProduction ModeKind = iota + 1
	ModeTesting
	ModeSimulation
)

// Mode is the execution mode. Seed is meaningful only for simulation.
type Mode struct {
	Kind ModeKind
	Seed uint64
}

func Production() Mode { return Mode{Kind: ModeProduction} }
func Testing() Mode { return Mode{Kind: ModeTesting} }
func Simulation(seed uint64) Mode { return Mode{Kind: ModeSimulation, Seed: seed} }

// Deterministic reports whether the mode forbids ambient entropy and wall time.
func (m Mode) Deterministic() bool { return m.Kind != ModeProduction }

func (m Mode) String() string {
	switch m.Kind {
	case ModeProduction:
		return "production"
	case ModeTesting:
		return "testing"
	case ModeSimulation:
		return fmt.Sprintf("simulation(%d)", m.Seed)
	default:
		return "unknown"
	}
}

// RandomEffects supplies randomness.
type RandomEffects interface {
	RandomBytes(n int) []byte
	RandomU64() uint64
	// RandomRange returns a value in [lo, hi). It panics if hi <= lo.
	RandomRange(lo, hi uint64) uint64
	RandomUUID() uuid.UUID
	// Reader exposes the same stream for libraries that take an io.Reader.
	Reader() io.Reader
}

// TimeEffects supplies the clock. Times are Unix milliseconds.
type TimeEffects interface {
	NowMs() int64
	Sleep(ctx context.Context, d time.Duration) error
	SleepUntil(ctx context.Context, ms int64) error
}

// CryptoEffects supplies hashing, symmetric and asymmetric primitives and
// the threshold signing operations.
type CryptoEffects interface {
	Blake3(data []byte) ids.Hash
	HKDF(ikm, salt, info []byte, length int) ([]byte, error)

	Ed25519Generate() (ed25519.PrivateKey, error)
	Ed25519Sign(priv ed25519.PrivateKey, msg []byte) []byte
	Ed25519Verify(pub ed25519.PublicKey, msg, sig []byte) bool
	Ed25519Public(priv ed25519.PrivateKey) ed25519.PublicKey

	ChaChaEncrypt(key, plaintext, additional []byte) ([]byte, error)
	ChaChaDecrypt(key, ciphertext, additional []byte) ([]byte, error)
	AESGCMEncrypt(key, plaintext, additional []byte) ([]byte, error)
	AESGCMDecrypt(key, ciphertext, additional []byte) ([]byte, error)

	FrostKeygen(minSigners, maxSigners int) (*frost.KeySet, error)
	FrostNonces(kp *frost.KeyPackage) (*frost.SigningNonces, error)
	FrostSigningPackage(msg []byte, commitments []frost.Commitment) (*frost.SigningPackage, error)
	FrostSignShare(pkg *frost.SigningPackage, nonces *frost.SigningNonces, kp *frost.KeyPackage) (frost.SignatureShare, error)
	FrostAggregate(pkg *frost.SigningPackage, shares []frost.SignatureShare, pub *frost.PublicKeyPackage) ([]byte, error)
	FrostVerify(pub *frost.PublicKeyPackage, msg, sig []byte) error
	FrostReshare(kp *frost.KeyPackage, oldSigners []frost.Identifier, newMin, newMax int) (*frost.ReshareContribution, error)
	GenerateSigningKeys(minSigners, maxSigners int) (*frost.KeySet, error)

	ConstantTimeEq(a, b []byte) bool
	SecureZero(b []byte)
}

// StorageStats summarises a storage handler.
type StorageStats struct {
	Keys    int
	Bytes   int64
	Backend string
}

// StorageEffects is an opaque string-keyed byte store. Missing keys report
// STORAGE_NOT_FOUND. List returns keys in ascending order.
type StorageEffects interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// GetBatch omits missing keys from the result.
	GetBatch(ctx context.Context, keys []string) (map[string][]byte, error)
	PutBatch(ctx context.Context, entries map[string][]byte) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (StorageStats, error)
}

// SecureStorageEffects stores secrets at named locations. Each call names
// the capabilities it exercises; a call lacking the capability its
// operation needs fails with an authorization error.
type SecureStorageEffects interface {
	Store(ctx context.Context, loc SecureLocation, value []byte, caps ...SecureCapability) error
	Retrieve(ctx context.Context, loc SecureLocation, caps ...SecureCapability) ([]byte, error)
	Remove(ctx context.Context, loc SecureLocation, caps ...SecureCapability) error
	ListLocations(ctx context.Context, namespace string, caps ...SecureCapability) ([]SecureLocation, error)
}

// Envelope is the unit of transport. Routing is by Destination authority.
type Envelope struct {
	Source      ids.AuthorityID   `cbor:"1,keyasint"`
	Destination ids.AuthorityID   `cbor:"2,keyasint"`
	Context     ids.ContextID     `cbor:"3,keyasint"`
	Metadata    map[string]string `cbor:"4,keyasint"`
	Payload     []byte            `cbor:"5,keyasint"`
	Receipt     []byte            `cbor:"6,keyasint,omitempty"`
}

// TransportEffects sends and receives envelopes. Send never blocks; a full
// per-peer queue reports NET_QUEUE_FULL.
type TransportEffects interface {
	Send(ctx context.Context, env Envelope) error
	// Receive waits up to timeout. ok is false when nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (env Envelope, ok bool, err error)
	Connect(ctx context.Context, peer ids.AuthorityID) error
	Disconnect(ctx context.Context, peer ids.AuthorityID) error
	IsReachable(ctx context.Context, peer ids.AuthorityID) bool
}

// ConsoleEffects is diagnostic output only.
type ConsoleEffects interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
