package threshold

import (
	"context"
	"time"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
)

// Deriver derives context keys over threshold_collect. The request is the
// derivation context; each participant contributes a proven evaluation and
// the coordinator interpolates them into the key.
type Deriver struct {
	engine *Engine
	cfg    Config
	pub    *frost.PublicKeyPackage
}

var _ choreo.Provider[*frost.Evaluation, []byte] = (*Deriver)(nil)

// NewDeriver loads the epoch's config and public package.
func NewDeriver(ctx context.Context, e *Engine, epoch uint64) (*Deriver, error) {
	cfg, err := e.LoadConfig(ctx, epoch)
	if err != nil {
		return nil, err
	}
	pub, err := e.LoadPublic(ctx, epoch)
	if err != nil {
		return nil, err
	}
	if pub.Mode != frost.ModeThreshold {
		return nil, errs.New(errs.KindCrypto, errs.CodeInvalidKey, "key derivation requires a threshold key set")
	}
	return &Deriver{engine: e, cfg: cfg, pub: pub}, nil
}

func (d *Deriver) ValidateContext(request []byte) error {
	if len(request) == 0 {
		return errs.New(errs.KindValidation, errs.CodeInvalid, "empty derivation context")
	}
	return nil
}

func (d *Deriver) Generate(ctx context.Context, request []byte) (*frost.Evaluation, error) {
	kp, err := d.engine.LoadShare(ctx, d.cfg.Epoch)
	if err != nil {
		return nil, err
	}
	defer d.engine.rt.Crypto.SecureZero(kp.SigningShare)
	return frost.Evaluate(d.engine.rt.Random.Reader(), kp, request)
}

func (d *Deriver) ValidateMaterial(request []byte, from ids.AuthorityID, ev *frost.Evaluation) error {
	if ev == nil {
		return errs.New(errs.KindValidation, errs.CodeInvalid, "empty evaluation")
	}
	if err := checkSender(d.cfg, from, ev.Identifier); err != nil {
		return err
	}
	return frost.VerifyEvaluation(ev, d.pub.VerifyingShares[ev.Identifier], request)
}

func (d *Deriver) Aggregate(request []byte, evals map[ids.AuthorityID]*frost.Evaluation) ([]byte, error) {
	list := make([]*frost.Evaluation, 0, len(evals))
	for _, ev := range evals {
		list = append(list, ev)
	}
	return frost.CombineEvaluations(d.pub, request, list)
}

// Verify only checks shape; participants cannot recompute the key alone.
func (d *Deriver) Verify(_ []byte, key []byte) error {
	if len(key) != 32 {
		return errs.Newf(errs.KindCrypto, errs.CodeKeyDerivation, "derived key is %d bytes", len(key))
	}
	return nil
}

// DeriveKey runs the coordinator side for derivation context info with the epoch threshold.
func (e *Engine) DeriveKey(ctx context.Context, ep *choreo.Endpoint, epoch uint64, info []byte, timeout time.Duration) ([]byte, error) {
	d, err := NewDeriver(ctx, e, epoch)
	if err != nil {
		return nil, err
	}
	key, err := choreo.Collect[*frost.Evaluation, []byte](ctx, ep, d, info, int(d.cfg.Threshold), timeout)
	if err != nil {
		return nil, err
	}
	e.logger.Info("context key derived", "account", e.account.String(), "epoch", epoch)
	return key, nil
}

// RespondDerive runs the participant side and returns the derived key.
func (e *Engine) RespondDerive(ctx context.Context, ep *choreo.Endpoint, epoch uint64, timeout time.Duration) ([]byte, error) {
	d, err := NewDeriver(ctx, e, epoch)
	if err != nil {
		return nil, err
	}
	return choreo.Respond[*frost.Evaluation, []byte](ctx, ep, d, timeout)
}
