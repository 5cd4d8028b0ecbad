package threshold

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
)

// DefaultNonceTTL bounds how long signing nonces stay readable.
const DefaultNonceTTL = 5 * time.Minute

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("threshold: cbor enc mode: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("threshold: cbor dec mode: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode threshold record", err)
	}
	return b, nil
}

func decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindStorage, errs.CodeIO, "decode threshold record", err)
	}
	return nil
}

// Engine is one participant's view of an account's threshold keys.
type Engine struct {
	account  ids.AuthorityID
	self     ids.AuthorityID
	rt       *effects.Runtime
	logger   *slog.Logger
	nonceTTL time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNonceTTL sets the lifetime of stored signing nonces.
func WithNonceTTL(d time.Duration) Option {
	return func(e *Engine) { e.nonceTTL = d }
}

// NewEngine returns the engine for participant self of account.
func NewEngine(account, self ids.AuthorityID, rt *effects.Runtime, opts ...Option) *Engine {
	e := &Engine{
		account:  account,
		self:     self,
		rt:       rt,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		nonceTTL: DefaultNonceTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Account returns the account whose keys the engine holds.
func (e *Engine) Account() ids.AuthorityID { return e.account }

// Self returns the participant the engine acts as.
func (e *Engine) Self() ids.AuthorityID { return e.self }

// Deal generates key material for cfg with the crypto effect. m = n = 1
// yields a single-signer package.
func (e *Engine) Deal(cfg Config) (*frost.KeySet, error) {
	return e.rt.Crypto.GenerateSigningKeys(int(cfg.Threshold), cfg.N())
}

// SaveConfig persists cfg under threshold_config.
func (e *Engine) SaveConfig(ctx context.Context, cfg Config) error {
	b, err := encode(cfg)
	if err != nil {
		return err
	}
	return e.rt.Storage.Put(ctx, ConfigKey(e.account, cfg.Epoch), b)
}

// LoadConfig reads the config for epoch.
func (e *Engine) LoadConfig(ctx context.Context, epoch uint64) (Config, error) {
	var cfg Config
	b, err := e.rt.Storage.Get(ctx, ConfigKey(e.account, epoch))
	if err != nil {
		return cfg, err
	}
	return cfg, decode(b, &cfg)
}

// SavePublic persists the public package under threshold_pubkey.
func (e *Engine) SavePublic(ctx context.Context, epoch uint64, pub *frost.PublicKeyPackage) error {
	b, err := encode(pub)
	if err != nil {
		return err
	}
	return e.rt.Storage.Put(ctx, PubkeyKey(e.account, epoch), b)
}

// LoadPublic reads the public package for epoch.
func (e *Engine) LoadPublic(ctx context.Context, epoch uint64) (*frost.PublicKeyPackage, error) {
	b, err := e.rt.Storage.Get(ctx, PubkeyKey(e.account, epoch))
	if err != nil {
		return nil, err
	}
	var pub frost.PublicKeyPackage
	return &pub, decode(b, &pub)
}

func (e *Engine) shareLoc(epoch uint64) effects.SecureLocation {
	return effects.SecureLocation{Namespace: NSParticipantShares, Key: ShareLocation(e.account, epoch, e.self)}
}

// StoreShare seals kp into secure storage.
func (e *Engine) StoreShare(ctx context.Context, epoch uint64, kp *frost.KeyPackage) error {
	if err := kp.Validate(); err != nil {
		return err
	}
	b, err := encode(kp)
	if err != nil {
		return err
	}
	defer e.rt.Crypto.SecureZero(b)
	return e.rt.Secure.Store(ctx, e.shareLoc(epoch), b, effects.WriteCap())
}

// LoadShare reads this participant's package for epoch.
func (e *Engine) LoadShare(ctx context.Context, epoch uint64) (*frost.KeyPackage, error) {
	b, err := e.rt.Secure.Retrieve(ctx, e.shareLoc(epoch), effects.ReadCap())
	if err != nil {
		return nil, err
	}
	defer e.rt.Crypto.SecureZero(b)
	var kp frost.KeyPackage
	return &kp, decode(b, &kp)
}

// RetireShare erases this participant's package for epoch.
func (e *Engine) RetireShare(ctx context.Context, epoch uint64) error {
	e.logger.Info("share retired", "account", e.account.String(), "epoch", epoch)
	return e.rt.Secure.Remove(ctx, e.shareLoc(epoch), effects.DeleteCap())
}

// Install stores everything a participant needs for an epoch.
func (e *Engine) Install(ctx context.Context, cfg Config, pub *frost.PublicKeyPackage, kp *frost.KeyPackage) error {
	if err := e.SaveConfig(ctx, cfg); err != nil {
		return err
	}
	if err := e.SavePublic(ctx, cfg.Epoch, pub); err != nil {
		return err
	}
	if kp == nil {
		return nil
	}
	return e.StoreShare(ctx, cfg.Epoch, kp)
}

func nonceLoc(session ids.ContextID, self ids.AuthorityID) effects.SecureLocation {
	return effects.SecureLocation{Namespace: NSFrostNonces, Key: NonceLocation(session, self)}
}

// Commit draws fresh signing nonces for session, keeps them in secure
// storage until the nonce TTL passes, and returns the public commitment.
func (e *Engine) Commit(ctx context.Context, session ids.ContextID, epoch uint64) (frost.Commitment, error) {
	kp, err := e.LoadShare(ctx, epoch)
	if err != nil {
		return frost.Commitment{}, err
	}
	nonces, err := e.rt.Crypto.FrostNonces(kp)
	if err != nil {
		return frost.Commitment{}, err
	}
	defer nonces.Zero()
	b, err := encode(nonces)
	if err != nil {
		return frost.Commitment{}, err
	}
	defer e.rt.Crypto.SecureZero(b)
	expiry := e.rt.Time.NowMs() + e.nonceTTL.Milliseconds()
	if err := e.rt.Secure.Store(ctx, nonceLoc(session, e.self), b, effects.WriteCap(), effects.ExpiresAt(expiry)); err != nil {
		return frost.Commitment{}, err
	}
	return nonces.Commitment, nil
}

// SignShare produces this participant's share of pkg. The stored nonces
// are removed before signing, so a second call for the same session fails.
func (e *Engine) SignShare(ctx context.Context, session ids.ContextID, epoch uint64, pkg *frost.SigningPackage) (frost.SignatureShare, error) {
	loc := nonceLoc(session, e.self)
	b, err := e.rt.Secure.Retrieve(ctx, loc, effects.ReadCap())
	if err != nil {
		return frost.SignatureShare{}, errs.Wrap(errs.KindCrypto, errs.CodeInvalidKey, "signing nonces unavailable", err).
			With("session", session.String())
	}
	defer e.rt.Crypto.SecureZero(b)
	if err := e.rt.Secure.Remove(ctx, loc, effects.DeleteCap()); err != nil {
		return frost.SignatureShare{}, err
	}
	var nonces frost.SigningNonces
	if err := decode(b, &nonces); err != nil {
		return frost.SignatureShare{}, err
	}
	defer nonces.Zero()
	kp, err := e.LoadShare(ctx, epoch)
	if err != nil {
		return frost.SignatureShare{}, err
	}
	return e.rt.Crypto.FrostSignShare(pkg, &nonces, kp)
}

// DiscardNonces erases nonces for a session this participant will not
// sign in.
func (e *Engine) DiscardNonces(ctx context.Context, session ids.ContextID) error {
	return e.rt.Secure.Remove(ctx, nonceLoc(session, e.self), effects.DeleteCap())
}

// SignSingle signs with a single-signer package.
func (e *Engine) SignSingle(ctx context.Context, epoch uint64, message []byte) ([]byte, error) {
	kp, err := e.LoadShare(ctx, epoch)
	if err != nil {
		return nil, err
	}
	defer e.rt.Crypto.SecureZero(kp.SigningShare)
	return frost.SignSingle(kp, message)
}

// Verify checks sig over message against the epoch's public package,
// dispatching on its signing mode.
func (e *Engine) Verify(ctx context.Context, epoch uint64, message, sig []byte) error {
	pub, err := e.LoadPublic(ctx, epoch)
	if err != nil {
		return err
	}
	return e.rt.Crypto.FrostVerify(pub, message, sig)
}

// RecordSignatureShare keeps a received share under signing_shares.
func (e *Engine) RecordSignatureShare(ctx context.Context, epoch uint64, from ids.AuthorityID, share frost.SignatureShare) error {
	b, err := encode(share)
	if err != nil {
		return err
	}
	return e.rt.Storage.Put(ctx, SigningShareKey(e.account, epoch, from), b)
}

// StoreAttestation keeps a device attestation in secure storage.
func (e *Engine) StoreAttestation(ctx context.Context, device ids.DeviceID, attestation []byte) error {
	loc := effects.SecureLocation{Namespace: NSDeviceAttestation, Key: AttestationLocation(device)}
	return e.rt.Secure.Store(ctx, loc, attestation, effects.WriteCap(), effects.AttestCap())
}

// LoadAttestation reads a device attestation.
func (e *Engine) LoadAttestation(ctx context.Context, device ids.DeviceID) ([]byte, error) {
	loc := effects.SecureLocation{Namespace: NSDeviceAttestation, Key: AttestationLocation(device)}
	return e.rt.Secure.Retrieve(ctx, loc, effects.ReadCap(), effects.AttestCap())
}
