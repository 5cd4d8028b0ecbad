// Package agent runs one device's protocols, one at a time.
//
// An agent is a typestate. Idle starts a protocol and becomes
// Coordinating; Coordinating ends in Idle when the protocol completes or
// is cancelled, and in Failed when it does not. Failed recovers to Idle.
// Each transition spends the handle it was called on: a spent handle
// refuses every further call.
package agent

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/roach88/aura/internal/ceremony"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// DefaultWaitTimeout bounds Wait when the caller names no timeout.
const DefaultWaitTimeout = 5 * time.Minute

// Protocol is one unit of coordinated work, such as a keygen or a signing
// ceremony. Run must return when ctx is done.
type Protocol struct {
	Name string
	Run  func(ctx context.Context) error
}

type core struct {
	device  ids.DeviceID
	clock   effects.TimeEffects
	journal *journal.Journal
	coord   *ceremony.Coordinator
	logger  *slog.Logger

	retries     uint64
	interval    time.Duration
	waitTimeout time.Duration

	completed int
	failures  []FailureInfo
}

// Option configures an agent.
type Option func(*core)

// WithJournal lets the agent read security state from j.
func WithJournal(j *journal.Journal) Option {
	return func(c *core) { c.journal = j }
}

// WithCoordinator lets the agent terminate the ceremonies it initiated.
func WithCoordinator(co *ceremony.Coordinator) Option {
	return func(c *core) { c.coord = co }
}

// WithRetry retries retryable protocol failures up to retries times,
// backing off exponentially from interval.
func WithRetry(retries uint64, interval time.Duration) Option {
	return func(c *core) { c.retries, c.interval = retries, interval }
}

// WithWaitTimeout sets the default Wait timeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *core) { c.waitTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *core) { c.logger = l }
}

// New returns an idle agent for device.
func New(device ids.DeviceID, clock effects.TimeEffects, opts ...Option) *Idle {
	c := &core{
		device:      device,
		clock:       clock,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		retries:     3,
		interval:    100 * time.Millisecond,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return &Idle{handle: newHandle(c)}
}

type handle struct {
	core  *core
	spent *atomic.Bool
}

func newHandle(c *core) handle {
	return handle{core: c, spent: atomic.NewBool(false)}
}

func (h handle) live() error {
	if h.spent.Load() {
		return errs.New(errs.KindProtocol, errs.CodeSessionViolation, "agent handle already transitioned")
	}
	return nil
}

// take spends h. Only one caller wins.
func (h handle) take() (*core, error) {
	if !h.spent.CompareAndSwap(false, true) {
		return nil, errs.New(errs.KindProtocol, errs.CodeSessionViolation, "agent handle already transitioned")
	}
	return h.core, nil
}

// Device is the device the agent acts for.
func (h handle) Device() ids.DeviceID { return h.core.device }

// terminate fails every collecting ceremony this device initiated.
func (c *core) terminate(ctx context.Context, cause error) int {
	if c.coord == nil {
		return 0
	}
	n := 0
	for _, cer := range c.coord.Active() {
		if cer.Initiator != c.device {
			continue
		}
		if err := c.coord.Fail(ctx, cer.ID, cause); err == nil {
			n++
		}
	}
	return n
}

func (c *core) run(ctx context.Context, p Protocol, attempts *atomic.Int64) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackoff(c.interval), c.retries),
		ctx,
	)
	op := func() error {
		n := attempts.Inc()
		err := p.Run(ctx)
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Debug("protocol retry", "protocol", p.Name, "attempt", n, "error", err)
		return err
	}
	err := backoff.Retry(op, policy)
	if err != nil && ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	return err
}

func newBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxElapsedTime = 0
	return b
}
