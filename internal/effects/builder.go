package effects

import (
	"io"
	"log/slog"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// MasterKeySize is the length of a secure-storage master key.
const MasterKeySize = 32

// Missing and Present are the builder's presence markers.
type (
	Missing struct{}
	Present struct{}
)

// Runtime is the assembled effect bundle handed to every component.
type Runtime struct {
	Mode    Mode
	Random  RandomEffects
	Time    TimeEffects
	Crypto  CryptoEffects
	Storage StorageEffects
	Secure  SecureStorageEffects
	Network TransportEffects
	Console ConsoleEffects
	Logger  *slog.Logger
}

// Builder accumulates handlers. Its type parameters track, in order,
// whether Random, Time, Crypto, Storage and Network have been supplied.
// Build accepts only a builder with all five Present.
type Builder[R, T, C, S, N any] struct {
	mode    Mode
	random  RandomEffects
	time    TimeEffects
	crypto  CryptoEffects
	storage StorageEffects
	secure  SecureStorageEffects
	network TransportEffects
	logger  *slog.Logger
	master  []byte
}

// NewBuilder starts an empty builder for mode.
func NewBuilder(mode Mode) Builder[Missing, Missing, Missing, Missing, Missing] {
	return Builder[Missing, Missing, Missing, Missing, Missing]{mode: mode}
}

func WithRandom[T, C, S, N any](b Builder[Missing, T, C, S, N], r RandomEffects) Builder[Present, T, C, S, N] {
	return Builder[Present, T, C, S, N]{b.mode, r, b.time, b.crypto, b.storage, b.secure, b.network, b.logger, b.master}
}

func WithTime[R, C, S, N any](b Builder[R, Missing, C, S, N], t TimeEffects) Builder[R, Present, C, S, N] {
	return Builder[R, Present, C, S, N]{b.mode, b.random, t, b.crypto, b.storage, b.secure, b.network, b.logger, b.master}
}

func WithCrypto[R, T, S, N any](b Builder[R, T, Missing, S, N], c CryptoEffects) Builder[R, T, Present, S, N] {
	return Builder[R, T, Present, S, N]{b.mode, b.random, b.time, c, b.storage, b.secure, b.network, b.logger, b.master}
}

func WithStorage[R, T, C, N any](b Builder[R, T, C, Missing, N], s StorageEffects) Builder[R, T, C, Present, N] {
	return Builder[R, T, C, Present, N]{b.mode, b.random, b.time, b.crypto, s, b.secure, b.network, b.logger, b.master}
}

func WithNetwork[R, T, C, S any](b Builder[R, T, C, S, Missing], n TransportEffects) Builder[R, T, C, S, Present] {
	return Builder[R, T, C, S, Present]{b.mode, b.random, b.time, b.crypto, b.storage, b.secure, n, b.logger, b.master}
}

// WithSecureStorage overrides the default sealed secure storage.
func (b Builder[R, T, C, S, N]) WithSecureStorage(s SecureStorageEffects) Builder[R, T, C, S, N] {
	b.secure = s
	return b
}

// WithMasterKey provisions the secret the default sealed storage derives
// its key from.
func (b Builder[R, T, C, S, N]) WithMasterKey(master []byte) Builder[R, T, C, S, N] {
	b.master = master
	return b
}

// WithLogger sets the logger behind the console effect.
func (b Builder[R, T, C, S, N]) WithLogger(l *slog.Logger) Builder[R, T, C, S, N] {
	b.logger = l
	return b
}

// Build assembles the runtime. Without an explicit secure store, a
// SealedStorage over the chosen storage is keyed from the provisioned
// master key. Deterministic modes may omit the key and draw one from the
// random effect; production may not.
func Build(b Builder[Present, Present, Present, Present, Present]) (*Runtime, error) {
	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	secure := b.secure
	if secure == nil {
		master := b.master
		if master == nil {
			if !b.mode.Deterministic() {
				return nil, errs.New(errs.KindConfiguration, errs.CodeMissingField, "production runtime needs a master key or a secure store").
					With("field", "master_key_file")
			}
			master = b.random.RandomBytes(MasterKeySize)
			defer b.crypto.SecureZero(master)
		}
		if len(master) != MasterKeySize {
			return nil, errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig, "master key is %d bytes, want %d", len(master), MasterKeySize)
		}
		s, err := NewSealedStorage(b.storage, b.crypto, b.time, master)
		if err != nil {
			return nil, err
		}
		secure = s
	}
	return &Runtime{
		Mode:    b.mode,
		Random:  b.random,
		Time:    b.time,
		Crypto:  b.crypto,
		Storage: b.storage,
		Secure:  secure,
		Network: b.network,
		Console: SlogConsole{Logger: logger},
		Logger:  logger,
	}, nil
}

// ForTesting assembles a testing runtime: seeded random, a mock clock at
// startMs, unbounded memory storage and a bus endpoint for self.
func ForTesting(seed uint64, startMs int64, bus *MemoryBus, self ids.AuthorityID) (*Runtime, *MockClock, error) {
	rnd := NewSeededRandom(seed)
	clock := NewMockClock(startMs)
	b := NewBuilder(Testing())
	rt, err := Build(WithNetwork(WithStorage(WithCrypto(WithTime(WithRandom(b, rnd), clock), NewCrypto(rnd)), NewMemoryStorage(0)), bus.Attach(self)))
	return rt, clock, err
}

// ForSimulation assembles a simulation runtime sharing clock and bus with
// the other simulated devices.
func ForSimulation(seed uint64, rnd *SeededRandom, clock *VirtualClock, bus *MemoryBus, self ids.AuthorityID, logger *slog.Logger) (*Runtime, error) {
	b := NewBuilder(Simulation(seed)).WithLogger(logger)
	return Build(WithNetwork(WithStorage(WithCrypto(WithTime(WithRandom(b, rnd), clock), NewCrypto(rnd)), NewMemoryStorage(0)), bus.Attach(self)))
}

// ForProduction assembles a production runtime over the given storage and
// transport. master keys the sealed secure storage and must be the same
// across restarts. network may be nil for offline tools.
func ForProduction(storage StorageEffects, network TransportEffects, master []byte, logger *slog.Logger) (*Runtime, error) {
	rnd := SystemRandom{}
	b := NewBuilder(Production()).WithLogger(logger).WithMasterKey(master)
	return Build(WithNetwork(WithStorage(WithCrypto(WithTime(WithRandom(b, rnd), WallClock{}), NewCrypto(rnd)), storage), network))
}
