package sim

import (
	"context"
	"log/slog"
	"slices"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
)

// NodeResult is one device's final state. Index 0 is the coordinator.
type NodeResult struct {
	Name      string   `json:"name"`
	Index     int      `json:"index"`
	Events    int      `json:"events"`
	Head      ids.Hash `json:"head"`
	State     ids.Hash `json:"state"`
	Partition int      `json:"partition"`
}

// Result is the outcome of a run.
type Result struct {
	Scenario    string       `json:"scenario"`
	Committed   bool         `json:"committed"`
	Signers     []int        `json:"signers,omitempty"`
	Message     []byte       `json:"message"`
	Signature   []byte       `json:"signature,omitempty"`
	GroupKey    []byte       `json:"group_key"`
	Failure     string       `json:"failure,omitempty"`
	Nodes       []NodeResult `json:"nodes"`
	Trace       []TraceEvent `json:"trace"`
	TraceDigest ids.Hash     `json:"trace_digest"`
	Steps       int          `json:"steps"`
	EndMs       int64        `json:"end_ms"`
}

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	logger    *slog.Logger
	stepLimit int
}

// WithLogger sets the logger handed to every simulated component.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// WithStepLimit bounds the events the scheduler may process.
func WithStepLimit(n int) Option {
	return func(o *runOptions) { o.stepLimit = n }
}

// Run executes sc to completion. Identical scenarios yield identical
// results, traces and journal heads included.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	o := runOptions{stepLimit: DefaultStepLimit}
	for _, opt := range opts {
		opt(&o)
	}
	w, err := newWorld(ctx, sc, o.logger)
	if err != nil {
		return nil, err
	}
	w.sched.limit = o.stepLimit

	defer w.shutdown()

	if err := w.keygen(); err != nil {
		return nil, err
	}
	w.start()
	if err := w.sched.Run(ctx, 0); err != nil {
		return nil, err
	}
	return w.result()
}

func (w *world) result() (*Result, error) {
	o := w.out
	if o == nil {
		o = &outcome{failure: errs.New(errs.KindCeremony, errs.CodeCeremonyTimeout, "ceremony still open when the run ended")}
	}
	res := &Result{
		Scenario:  w.sc.Name,
		Committed: o.failure == nil,
		Signers:   o.signers,
		Message:   o.message,
		Signature: o.signature,
		GroupKey:  w.pub.GroupPublicKey,
		Trace:     w.trace.Events(),
		Steps:     w.sched.Steps(),
		EndMs:     w.sched.Now(),
	}
	if o.failure != nil {
		res.Failure = string(errs.CodeOf(o.failure))
	}
	for _, n := range w.nodes() {
		res.Nodes = append(res.Nodes, NodeResult{
			Name:      n.name,
			Index:     n.index,
			Events:    n.journal.Len(),
			Head:      n.journal.Head().RootHash,
			State:     n.journal.State().Digest(),
			Partition: w.net.partition[n.addr],
		})
	}
	digest, err := Digest(w.sc.Name, res.Trace)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "digest trace", err)
	}
	res.TraceDigest = digest
	return res, nil
}

// Check compares res with the scenario's expectations.
func (s *Scenario) Check(res *Result) error {
	if s.Expect == nil {
		return nil
	}
	if s.Expect.Committed != nil && *s.Expect.Committed != res.Committed {
		return errs.Newf(errs.KindCeremony, errs.CodeThresholdNotReached,
			"scenario %s: committed = %v, expected %v", s.Name, res.Committed, *s.Expect.Committed).With("failure", res.Failure)
	}
	if len(s.Expect.Signers) > 0 && !slices.Equal(s.Expect.Signers, res.Signers) {
		return errs.Newf(errs.KindCeremony, errs.CodeUnexpectedState,
			"scenario %s: signers = %v, expected %v", s.Name, res.Signers, s.Expect.Signers)
	}
	return nil
}

// Verify checks the signature over the threshold-witnessed event hash
// against the group key.
func (r *Result) Verify() error {
	if !r.Committed {
		return errs.New(errs.KindCeremony, errs.CodeThresholdNotReached, "run did not commit")
	}
	return frost.Verify(&frost.PublicKeyPackage{GroupPublicKey: r.GroupKey}, r.Message, r.Signature)
}
