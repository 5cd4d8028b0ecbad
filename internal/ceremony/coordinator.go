package ceremony

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/threshold"
)

// DefaultTimeout is the deadline given to a ceremony that names none.
const DefaultTimeout = 30 * time.Second

// Spec describes a ceremony to open.
type Spec struct {
	Kind         Kind
	Epoch        uint64
	Threshold    int
	Participants []Participant
	Timeout      time.Duration
}

type entry struct {
	mu        sync.Mutex
	c         Ceremony
	responses map[ids.DeviceID]struct{}
	commit    *Commit
	err       error
	done      chan struct{}
}

func (e *entry) snapshot() Ceremony {
	c := e.c
	c.Participants = slices.Clone(e.c.Participants)
	c.Responses = slices.Collect(maps.Keys(e.responses))
	slices.SortFunc(c.Responses, ids.DeviceID.Compare)
	return c
}

// Coordinator owns the ceremonies one device initiates. Each ceremony is
// serialized by its own lock; the map of ceremonies by a read-write lock.
type Coordinator struct {
	authority ids.AuthorityID
	self      Participant
	priv      ed25519.PrivateKey
	rt        *effects.Runtime

	journal *journal.Journal
	engine  *threshold.Engine
	router  choreo.Router
	guard   choreo.GuardChecker
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	entries map[ids.CeremonyID]*entry

	dropped *atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records ceremony lifecycle events in j.
func WithJournal(j *journal.Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithEngine sets the threshold engine the protocol drivers use.
func WithEngine(e *threshold.Engine) Option {
	return func(c *Coordinator) { c.engine = e }
}

// WithMux routes driver endpoints through m instead of the raw network.
func WithMux(m *choreo.Mux) Option {
	if m == nil {
		return func(*Coordinator) {}
	}
	return WithRouter(m)
}

// WithRouter routes driver endpoints through r.
func WithRouter(r choreo.Router) Option {
	return func(c *Coordinator) { c.router = r }
}

// WithGuard sets the capability check run before guarded sends.
func WithGuard(g choreo.GuardChecker) Option {
	return func(c *Coordinator) { c.guard = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTimeout sets the default ceremony deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// NewCoordinator returns a coordinator acting as self, a device of
// authority. priv is self's identity key; it signs commits and journal
// events.
func NewCoordinator(authority ids.AuthorityID, self Participant, priv ed25519.PrivateKey, rt *effects.Runtime, opts ...Option) *Coordinator {
	c := &Coordinator{
		authority: authority,
		self:      self,
		priv:      priv,
		rt:        rt,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:   DefaultTimeout,
		entries:   make(map[ids.CeremonyID]*entry),
		dropped:   atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Authority() ids.AuthorityID { return c.authority }

func (c *Coordinator) Self() Participant { return c.self }

// Dropped counts malformed envelopes HandleEnvelope discarded.
func (c *Coordinator) Dropped() int64 { return c.dropped.Load() }

func (c *Coordinator) record(ctx context.Context, p journal.Payload) error {
	if c.journal == nil {
		return nil
	}
	ev := c.journal.Prepare(c.self.Device, p)
	if err := ev.SignWithDevice(c.priv); err != nil {
		return err
	}
	return c.journal.Append(ctx, ev)
}

// Start opens a ceremony. A reshare is refused while a signing ceremony
// is still collecting on the epoch it would replace.
func (c *Coordinator) Start(ctx context.Context, spec Spec) (Ceremony, error) {
	n := len(spec.Participants)
	if spec.Threshold < 1 || spec.Threshold > n {
		return Ceremony{}, errs.Newf(errs.KindValidation, errs.CodeInvalidThreshold, "threshold %d outside 1..%d", spec.Threshold, n)
	}
	seen := make(map[ids.DeviceID]bool, n)
	for _, p := range spec.Participants {
		if seen[p.Device] {
			return Ceremony{}, errs.Newf(errs.KindValidation, errs.CodeInvalid, "participant %s listed twice", p.Device)
		}
		seen[p.Device] = true
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	id, err := ids.NewCeremonyID(c.rt.Random.Reader())
	if err != nil {
		return Ceremony{}, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "ceremony id", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if spec.Kind == KindReshare {
		if err := c.reshareConflict(spec.Epoch); err != nil {
			return Ceremony{}, err
		}
	}
	e := &entry{
		c: Ceremony{
			ID:           id,
			Kind:         spec.Kind,
			Authority:    c.authority,
			Initiator:    c.self.Device,
			Epoch:        spec.Epoch,
			Threshold:    spec.Threshold,
			Participants: slices.Clone(spec.Participants),
			Phase:        PhaseCollecting,
			Deadline:     c.rt.Time.NowMs() + timeout.Milliseconds(),
		},
		responses: make(map[ids.DeviceID]struct{}),
		done:      make(chan struct{}),
	}
	err = c.record(ctx, journal.NewStartCeremony(journal.StartCeremony{
		Ceremony:     id,
		Kind:         string(spec.Kind),
		Epoch:        spec.Epoch,
		Threshold:    uint16(spec.Threshold),
		Participants: e.c.devices(),
	}))
	if err != nil {
		return Ceremony{}, err
	}
	c.entries[id] = e
	c.logger.Info("ceremony started",
		"ceremony_id", id.String(),
		"kind", string(spec.Kind),
		"epoch", spec.Epoch,
		"threshold", spec.Threshold,
		"participants", n)
	return e.snapshot(), nil
}

// reshareConflict requires c.mu.
func (c *Coordinator) reshareConflict(pending uint64) error {
	for _, e := range c.entries {
		e.mu.Lock()
		busy := e.c.Kind == KindSigning && e.c.Phase == PhaseCollecting && e.c.Epoch+1 == pending
		id := e.c.ID
		e.mu.Unlock()
		if busy {
			return errs.Newf(errs.KindCeremony, errs.CodeCeremonyConflict, "signing ceremony %s is collecting on epoch %d", id, pending-1)
		}
	}
	return nil
}

func (c *Coordinator) lookup(id ids.CeremonyID) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, errs.Newf(errs.KindCeremony, errs.CodeCeremonyNotFound, "ceremony %s", id)
	}
	return e, nil
}

// Get returns a snapshot of ceremony id.
func (c *Coordinator) Get(id ids.CeremonyID) (Ceremony, bool) {
	e, err := c.lookup(id)
	if err != nil {
		return Ceremony{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Active lists collecting ceremonies ordered by id.
func (c *Coordinator) Active() []Ceremony {
	c.mu.RLock()
	entries := slices.Collect(maps.Values(c.entries))
	c.mu.RUnlock()
	var out []Ceremony
	for _, e := range entries {
		e.mu.Lock()
		if e.c.Phase == PhaseCollecting {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Ceremony) int { return slices.Compare(a.ID[:], b.ID[:]) })
	return out
}

// RecordResponse adds device to the ceremony's responses and reports
// whether this response crossed the threshold. Repeats, and responses
// after commit, are no-ops.
func (c *Coordinator) RecordResponse(ctx context.Context, id ids.CeremonyID, device ids.DeviceID) (bool, error) {
	e, err := c.lookup(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.c.Phase {
	case PhaseCommitted:
		c.logger.Debug("response after commit ignored", "ceremony_id", id.String(), "participant", device.String())
		return false, nil
	case PhaseFailed:
		return false, errs.Newf(errs.KindCeremony, errs.CodeCeremonyClosed, "ceremony %s failed", id)
	}
	if c.rt.Time.NowMs() >= e.c.Deadline {
		return false, c.failLocked(ctx, e, timeoutError(id))
	}
	if _, ok := e.c.Participant(device); !ok {
		return false, errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "%s is not a participant of %s", device, id)
	}
	if _, dup := e.responses[device]; dup {
		return false, nil
	}
	e.responses[device] = struct{}{}
	c.logger.Debug("ceremony response", "ceremony_id", id.String(), "participant", device.String(), "responses", len(e.responses))
	return len(e.responses) == e.c.Threshold, nil
}

// Commit moves a ceremony that has its threshold of responses to
// committed and returns the signed commit. Committing again returns the
// same commit.
func (c *Coordinator) Commit(ctx context.Context, id ids.CeremonyID, metadata map[string]string) (*Commit, error) {
	e, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.c.Phase {
	case PhaseCommitted:
		return e.commit, nil
	case PhaseFailed:
		return nil, errs.Newf(errs.KindCeremony, errs.CodeCeremonyClosed, "ceremony %s failed", id)
	}
	if c.rt.Time.NowMs() >= e.c.Deadline {
		return nil, c.failLocked(ctx, e, timeoutError(id))
	}
	if len(e.responses) < e.c.Threshold {
		return nil, errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached, "ceremony %s has %d of %d responses", id, len(e.responses), e.c.Threshold)
	}
	snap := e.snapshot()
	commit := &Commit{
		Ceremony:   id,
		Kind:       e.c.Kind,
		Epoch:      e.c.Epoch,
		Initiator:  c.self.Device,
		Responders: snap.Responses,
		Metadata:   maps.Clone(metadata),
	}
	if err := commit.Sign(c.authority, c.priv); err != nil {
		return nil, err
	}
	err = c.record(ctx, journal.NewCompleteCeremony(journal.CompleteCeremony{
		Ceremony: id,
		Status:   journal.CeremonyCommitted,
		Epoch:    e.c.Epoch,
	}))
	if err != nil {
		return nil, err
	}
	e.c.Phase = PhaseCommitted
	e.commit = commit
	close(e.done)
	c.logger.Info("ceremony committed",
		"ceremony_id", id.String(),
		"kind", string(e.c.Kind),
		"epoch", e.c.Epoch,
		"responses", len(e.responses))
	return commit, nil
}

// Fail moves a collecting ceremony to failed. A committed ceremony stays
// committed.
func (c *Coordinator) Fail(ctx context.Context, id ids.CeremonyID, cause error) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.c.Phase {
	case PhaseCommitted:
		return errs.Newf(errs.KindCeremony, errs.CodeCeremonyClosed, "ceremony %s already committed", id)
	case PhaseFailed:
		return nil
	}
	c.failLocked(ctx, e, cause)
	return nil
}

func timeoutError(id ids.CeremonyID) error {
	return errs.Newf(errs.KindCeremony, errs.CodeCeremonyTimeout, "ceremony %s passed its deadline", id)
}

// failLocked requires e.mu and returns the failure waiters will see.
func (c *Coordinator) failLocked(ctx context.Context, e *entry, cause error) error {
	if e.c.Phase != PhaseCollecting {
		return e.err
	}
	if cause == nil {
		cause = errs.Newf(errs.KindCeremony, errs.CodeCeremonyClosed, "ceremony %s aborted", e.c.ID)
	}
	e.c.Phase = PhaseFailed
	e.c.Reason = cause.Error()
	e.err = cause
	close(e.done)
	err := c.record(ctx, journal.NewCompleteCeremony(journal.CompleteCeremony{
		Ceremony: e.c.ID,
		Status:   journal.CeremonyFailed,
		Epoch:    e.c.Epoch,
		Reason:   e.c.Reason,
	}))
	if err != nil {
		c.logger.Error("record ceremony failure", "ceremony_id", e.c.ID.String(), "error", err)
	}
	c.logger.Warn("ceremony failed",
		"ceremony_id", e.c.ID.String(),
		"kind", string(e.c.Kind),
		"responses", len(e.responses),
		"reason", e.c.Reason)
	return cause
}

// Tick fails every collecting ceremony whose deadline has passed and
// returns their ids.
func (c *Coordinator) Tick(ctx context.Context) []ids.CeremonyID {
	now := c.rt.Time.NowMs()
	c.mu.RLock()
	entries := slices.Collect(maps.Values(c.entries))
	c.mu.RUnlock()
	var failed []ids.CeremonyID
	for _, e := range entries {
		e.mu.Lock()
		if e.c.Phase == PhaseCollecting && now >= e.c.Deadline {
			c.failLocked(ctx, e, timeoutError(e.c.ID))
			failed = append(failed, e.c.ID)
		}
		e.mu.Unlock()
	}
	slices.SortFunc(failed, func(a, b ids.CeremonyID) int { return slices.Compare(a[:], b[:]) })
	return failed
}

// Wait blocks until ceremony id commits or fails.
func (c *Coordinator) Wait(ctx context.Context, id ids.CeremonyID) (*Commit, error) {
	e, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, effects.ContextError(ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.Phase == PhaseFailed {
		return nil, e.err
	}
	return e.commit, nil
}

// HandleEnvelope processes a response envelope sent outside a
// choreography. Malformed envelopes are dropped with a warning and
// counted; they are not errors.
func (c *Coordinator) HandleEnvelope(ctx context.Context, env effects.Envelope) (bool, error) {
	h, err := CheckEnvelope(env, c.self.Address)
	if err == nil && h.ContentType != TypeResponse {
		err = malformed("content type %q is not a response", h.ContentType)
	}
	if err == nil && h.Initiator != c.self.Device {
		err = malformed("response for initiator %s", h.Initiator)
	}
	if err == nil && h.Acceptor.IsZero() {
		err = malformed("missing %s", MetaAcceptor)
	}
	if err == nil && env.Context != ContextID(c.authority, h.Ceremony) {
		err = malformed("context does not match ceremony %s", h.Ceremony)
	}
	if err == nil {
		err = c.checkAcceptorSource(h, env.Source)
	}
	if err != nil {
		c.dropped.Inc()
		c.logger.Warn("malformed ceremony envelope dropped", "source", env.Source.String(), "error", err)
		return false, nil
	}
	return c.RecordResponse(ctx, h.Ceremony, h.Acceptor)
}

// checkAcceptorSource requires a response to arrive from the address the
// acceptor was invited at. Non-participants are left for RecordResponse to
// reject.
func (c *Coordinator) checkAcceptorSource(h Headers, source ids.AuthorityID) error {
	e, err := c.lookup(h.Ceremony)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	p, ok := e.c.Participant(h.Acceptor)
	e.mu.Unlock()
	if ok && p.Address != source {
		return malformed("response for %s sent from %s", h.Acceptor, source)
	}
	return nil
}
