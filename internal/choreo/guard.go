package choreo

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// EffectKind enumerates the effects a guarded send expands into.
type EffectKind uint8

const (
	EffectStoreMetadata EffectKind = iota + 1
	EffectChargeBudget
	EffectRecordLeakage
)

// Metadata keys written by guarded sends.
const (
	MetaGuardValidated = "guard_validated"
	MetaJournalFact    = "journal_fact:"
)

// Effect is one instruction for the Interpreter.
type Effect struct {
	Kind    EffectKind
	Key     string
	Value   string
	Context ids.ContextID
	Peer    ids.AuthorityID
	Amount  uint64
	Bits    uint64
	// guard is resolved to a capability id when the effect runs.
	guard *capability.Permission
}

// Plan expands a send action into its effect sequence: capability guard,
// flow charge, leakage record, then journal fact. Absent annotations
// contribute nothing.
func Plan(a Action, session ids.ContextID, peer ids.AuthorityID) []Effect {
	var out []Effect
	if a.Guard != nil {
		out = append(out, Effect{Kind: EffectStoreMetadata, Key: MetaGuardValidated, Context: session, Peer: peer, guard: a.Guard})
	}
	if a.Cost > 0 {
		out = append(out, Effect{Kind: EffectChargeBudget, Context: session, Peer: peer, Amount: a.Cost})
	}
	if a.Leakage > 0 {
		out = append(out, Effect{Kind: EffectRecordLeakage, Context: session, Peer: peer, Bits: a.Leakage})
	}
	if a.Fact != "" {
		out = append(out, Effect{Kind: EffectStoreMetadata, Key: MetaJournalFact + a.Fact, Value: a.Message, Context: session, Peer: peer})
	}
	return out
}

// GuardChecker decides whether the local device may perform a guarded
// send. It returns the id of the capability that authorised it.
type GuardChecker interface {
	Check(ctx context.Context, req capability.Permission) (ids.CapabilityID, error)
}

// CapabilityGuard authorises sends with a held token.
type CapabilityGuard struct {
	Registry *capability.Registry
	Token    *capability.Token
	Clock    effects.TimeEffects
}

func (g CapabilityGuard) Check(_ context.Context, req capability.Permission) (ids.CapabilityID, error) {
	if g.Token == nil {
		return ids.CapabilityID{}, errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "no capability held for %s", req)
	}
	if err := g.Registry.Authorize(g.Token, req, g.Clock.NowMs()); err != nil {
		return ids.CapabilityID{}, err
	}
	return g.Token.ID(), nil
}

// Interpreter runs effect sequences against a budget, a leakage ledger and
// a metadata store.
type Interpreter struct {
	guard   GuardChecker
	budget  *FlowBudget
	storage effects.StorageEffects
	logger  *slog.Logger

	mu      sync.Mutex
	leakage map[budgetKey]uint64
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

func WithGuard(g GuardChecker) InterpreterOption {
	return func(i *Interpreter) { i.guard = g }
}

func WithBudget(b *FlowBudget) InterpreterOption {
	return func(i *Interpreter) { i.budget = b }
}

func WithMetadataStore(s effects.StorageEffects) InterpreterOption {
	return func(i *Interpreter) { i.storage = s }
}

func WithInterpreterLogger(l *slog.Logger) InterpreterOption {
	return func(i *Interpreter) { i.logger = l }
}

// NewInterpreter returns an interpreter with a default budget and an
// in-memory metadata store.
func NewInterpreter(opts ...InterpreterOption) *Interpreter {
	i := &Interpreter{
		budget:  NewFlowBudget(DefaultFlowLimit),
		storage: effects.NewMemoryStorage(0),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		leakage: make(map[budgetKey]uint64),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run executes effects in order and stops at the first failure.
func (i *Interpreter) Run(ctx context.Context, effs []Effect) error {
	for _, e := range effs {
		if err := i.run(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interpreter) run(ctx context.Context, e Effect) error {
	switch e.Kind {
	case EffectStoreMetadata:
		value := e.Value
		if e.guard != nil {
			if i.guard == nil {
				return errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "send requires %s but no guard is configured", e.guard)
			}
			capID, err := i.guard.Check(ctx, *e.guard)
			if err != nil {
				return err
			}
			value = capID.String()
		}
		return i.storage.Put(ctx, MetadataKey(e.Context, e.Key), []byte(value))
	case EffectChargeBudget:
		return i.budget.Charge(e.Context, e.Peer, e.Amount)
	case EffectRecordLeakage:
		i.mu.Lock()
		i.leakage[budgetKey{e.Context, e.Peer}] += e.Bits
		i.mu.Unlock()
		i.logger.Debug("leakage recorded",
			"context", e.Context.String(),
			"peer", e.Peer.String(),
			"bits", strconv.FormatUint(e.Bits, 10))
		return nil
	}
	return errs.Newf(errs.KindInternal, errs.CodeInvariant, "unknown effect kind %d", e.Kind)
}

// Leakage returns the bits recorded toward peer in context.
func (i *Interpreter) Leakage(context ids.ContextID, peer ids.AuthorityID) uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.leakage[budgetKey{context, peer}]
}

// Budget exposes the interpreter's flow budget.
func (i *Interpreter) Budget() *FlowBudget { return i.budget }

// Metadata reads a stored metadata value.
func (i *Interpreter) Metadata(ctx context.Context, session ids.ContextID, key string) (string, error) {
	b, err := i.storage.Get(ctx, MetadataKey(session, key))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MetadataKey is the storage key for a session metadata entry.
func MetadataKey(session ids.ContextID, key string) string {
	return "choreo/" + session.String() + "/" + key
}
