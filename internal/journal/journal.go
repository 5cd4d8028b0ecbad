// Package journal is the account journal: a grow-only set of signed,
// content-addressed events and its deterministic reduction to account
// state.
//
// Append runs the acceptance pipeline in a fixed order:
//
//	hash -> causal gate -> signature -> duplicate -> nonce -> clock -> persist -> index
//
// An event whose causal predecessors are missing is held until they
// arrive and then runs the rest of the pipeline. A rejected event leaves
// no trace. A persistence failure after bounded retries rolls the
// in-memory insertion back.
package journal

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// DefaultSubscriberBuffer bounds each subscription channel.
const DefaultSubscriberBuffer = 100

// DefaultPendingLimit bounds events held for missing predecessors.
const DefaultPendingLimit = 1024

// Journal holds one authority's events. All methods are safe for
// concurrent use.
type Journal struct {
	mu        sync.RWMutex
	authority ids.AuthorityID
	events    map[ids.Hash]*Event
	state     *AccountState
	idx       *index
	causal    *CausalBuffer

	pendingLimit int

	merkleValid bool
	merkleHead  TreeHead
	merkleLeafs []ids.Hash

	storage       effects.StorageEffects
	logger        *slog.Logger
	retryAttempts uint64
	retryInterval time.Duration

	subMu     sync.Mutex
	subs      map[int]chan *Event
	nextSub   int
	subBuffer int

	appended *atomic.Int64
	rejected *atomic.Int64
}

// Option configures a Journal.
type Option func(*Journal)

// WithStorage persists accepted events through s.
func WithStorage(s effects.StorageEffects) Option {
	return func(j *Journal) { j.storage = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithBloomEstimates sizes the membership filter.
func WithBloomEstimates(n uint, fp float64) Option {
	return func(j *Journal) { j.idx = newIndex(n, fp) }
}

// WithRetry bounds persistence retries.
func WithRetry(attempts uint64, initial time.Duration) Option {
	return func(j *Journal) {
		j.retryAttempts = attempts
		j.retryInterval = initial
	}
}

// WithPendingLimit bounds the causal hold-back buffer.
func WithPendingLimit(n int) Option {
	return func(j *Journal) { j.pendingLimit = n }
}

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(j *Journal) { j.subBuffer = n }
}

// New returns an empty journal for authority.
func New(authority ids.AuthorityID, opts ...Option) *Journal {
	j := &Journal{
		authority:     authority,
		events:        make(map[ids.Hash]*Event),
		state:         NewAccountState(authority),
		idx:           newIndex(DefaultBloomCapacity, DefaultBloomFalsePositive),
		causal:        NewCausalBuffer(nil),
		pendingLimit:  DefaultPendingLimit,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		retryAttempts: 3,
		retryInterval: 10 * time.Millisecond,
		subs:          make(map[int]chan *Event),
		subBuffer:     DefaultSubscriberBuffer,
		appended:      atomic.NewInt64(0),
		rejected:      atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Authority returns the journal's owner.
func (j *Journal) Authority() ids.AuthorityID { return j.authority }

// Append validates and inserts ev. Appending an event already present is a
// no-op. An event that does not yet follow causally from the journal is
// held and returns nil; it is inserted once its predecessors arrive.
func (j *Journal) Append(ctx context.Context, ev *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	inserted, err := j.appendLocked(ctx, ev, j.storage != nil)
	if err != nil {
		j.rejected.Inc()
		j.logger.Warn("event rejected",
			"event_hash", ev.Hash.Short(),
			"author", ev.Author.String(),
			"error", err,
		)
		return err
	}
	for _, e := range inserted {
		j.appended.Inc()
		j.notify(e)
	}
	return nil
}

func (j *Journal) appendLocked(ctx context.Context, ev *Event, persist bool) ([]*Event, error) {
	if ev.Authority != j.authority {
		return nil, errs.New(errs.KindValidation, errs.CodeInvalid, "event belongs to another authority").
			With("authority", ev.Authority.String())
	}
	if err := ev.Payload.Validate(); err != nil {
		return nil, err
	}
	computed, err := ev.ComputeHash()
	if err != nil {
		return nil, err
	}
	if computed != ev.Hash {
		return nil, errs.New(errs.KindCrypto, errs.CodeHashMismatch, "declared hash does not match content").
			With("declared", ev.Hash.Short()).
			With("computed", computed.Short())
	}

	if j.causal.stale(ev) {
		if _, err := j.acceptLocked(ctx, ev, persist); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if !j.causal.ready(ev) {
		if _, held := j.causal.pending[ev.Hash]; !held && j.causal.Pending() >= j.pendingLimit {
			return nil, errs.Newf(errs.KindProtocol, errs.CodeBudgetExhausted, "%d events already waiting for predecessors", j.causal.Pending()).
				With("device", ev.Author.String())
		}
		j.logger.Debug("event held for causal predecessors",
			"event_hash", ev.Hash.Short(),
			"author", ev.Author.String(),
		)
	}

	var first error
	inserted := j.causal.PushFunc(ev, func(next *Event) bool {
		ok, err := j.acceptLocked(ctx, next, persist)
		if err == nil {
			return ok
		}
		if next == ev {
			first = err
		} else {
			j.rejected.Inc()
			j.logger.Warn("released event rejected",
				"event_hash", next.Hash.Short(),
				"author", next.Author.String(),
				"error", err,
			)
		}
		return false
	})
	return inserted, first
}

// acceptLocked runs the state-dependent checks and inserts ev.
func (j *Journal) acceptLocked(ctx context.Context, ev *Event, persist bool) (bool, error) {
	if err := j.verifyWitness(ev); err != nil {
		return false, err
	}
	if _, ok := j.events[ev.Hash]; ok {
		return false, nil
	}
	if ev.Nonce <= j.state.LastNonce[ev.Author] || j.state.NonceUsed(ev.Author, ev.Nonce) {
		return false, errs.Newf(errs.KindProtocol, errs.CodeReplay, "nonce %d already seen", ev.Nonce).
			With("device", ev.Author.String())
	}
	if ev.Timestamp.Clock[ev.Author] <= j.state.Authored[ev.Author] {
		return false, errs.New(errs.KindProtocol, errs.CodeUnexpectedState, "timestamp does not advance author's clock").
			With("device", ev.Author.String())
	}

	prev := j.state.Clone()
	j.events[ev.Hash] = ev
	j.state.Apply(ev)
	j.idx.add(ev)
	j.merkleValid = false

	if persist {
		if err := j.persist(ctx, ev); err != nil {
			delete(j.events, ev.Hash)
			j.state = prev
			j.idx.remove(ev)
			return false, err
		}
	}
	return true, nil
}

// verifyWitness checks the event's signature against keys known in the
// current state. The first self-signed AddDevice of an empty journal is
// accepted against the key it carries.
func (j *Journal) verifyWitness(ev *Event) error {
	w := ev.Witness
	if len(w.Signature) != signatureSize {
		return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "missing signature")
	}
	switch w.Kind {
	case WitnessDevice:
		if w.Device != ev.Author {
			return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "witness device is not the author")
		}
		key, err := j.signerKey(ev)
		if err != nil {
			return err
		}
		if !verifyEd25519(key, ev.SigningBytes(), w.Signature) {
			return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "device signature does not verify").
				With("device", ev.Author.String())
		}
		return nil
	case WitnessThreshold:
		tk, ok := j.state.ThresholdKeys[w.Epoch]
		if !ok {
			return errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "no threshold key for epoch %d", w.Epoch)
		}
		if !verifyEd25519(tk.GroupKey, ev.SigningBytes(), w.Signature) {
			return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "threshold signature does not verify")
		}
		return nil
	}
	return errs.New(errs.KindAuthentication, errs.CodeBadSignature, "unknown witness kind")
}

func verifyEd25519(pub, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}

func (j *Journal) signerKey(ev *Event) (ed25519.PublicKey, error) {
	if len(j.state.Devices) == 0 {
		if ev.Payload.Kind == KindAddDevice && ev.Payload.AddDevice.Device == ev.Author {
			return ev.Payload.AddDevice.PublicKey, nil
		}
		return nil, errs.New(errs.KindAuthentication, errs.CodeUnknownDevice, "journal has no devices and event is not a genesis").
			With("device", ev.Author.String())
	}
	info, ok := j.state.Devices[ev.Author]
	if !ok {
		return nil, errs.New(errs.KindAuthentication, errs.CodeUnknownDevice, "signer is not a registered device").
			With("device", ev.Author.String())
	}
	// A removal only disqualifies events it causally precedes.
	if r, removed := j.state.Removed[ev.Author]; removed {
		if ord := r.Clock.Compare(ev.Timestamp.Clock); ord == Before || ord == Equal {
			return nil, errs.New(errs.KindAuthentication, errs.CodeUnknownDevice, "signer was removed").
				With("device", ev.Author.String())
		}
	}
	return info.PublicKey, nil
}

func (j *Journal) persist(ctx context.Context, ev *Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	key := EventKey(ev)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackoff(j.retryInterval), j.retryAttempts),
		ctx,
	)
	attempt := 0
	op := func() error {
		attempt++
		err := j.storage.Put(ctx, key, data)
		if err == nil {
			return nil
		}
		if errs.IsCode(err, errs.CodeQuota) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		j.logger.Debug("persist retry", "event_hash", ev.Hash.Short(), "attempt", attempt, "error", err)
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		if _, ok := errs.As(err); ok {
			return err
		}
		return errs.Wrap(errs.KindStorage, errs.CodeWriteFailed, "persist event", err)
	}
	return nil
}

func newBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxElapsedTime = 0
	return b
}

// Merge joins other's events into j. Events are validated in (lamport,
// hash) order against the growing state; events j rejects are reported
// together and the rest are kept.
func (j *Journal) Merge(ctx context.Context, other *Journal) error {
	return j.MergeEvents(ctx, other.Events())
}

// MergeEvents is Merge over a raw slice.
func (j *Journal) MergeEvents(ctx context.Context, events []*Event) error {
	sorted := slices.Clone(events)
	slices.SortFunc(sorted, CompareEvents)
	var failed []error
	for _, ev := range sorted {
		if err := j.Append(ctx, ev); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// Events returns every event in (lamport, hash) order.
func (j *Journal) Events() []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*Event, 0, len(j.events))
	for _, h := range j.idx.ordered() {
		out = append(out, j.events[h])
	}
	return out
}

// Pending is the number of events held for missing predecessors.
func (j *Journal) Pending() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.causal.Pending()
}

// Len is the number of events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

// Get returns the event with hash h.
func (j *Journal) Get(h ids.Hash) (*Event, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ev, ok := j.events[h]
	return ev, ok
}

// Contains is exact membership.
func (j *Journal) Contains(h ids.Hash) bool {
	_, ok := j.Get(h)
	return ok
}

// MightContain consults the Bloom filter only. False means absent; true
// must be confirmed with Contains.
func (j *Journal) MightContain(h ids.Hash) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.idx.mightContain(h)
}

// State returns a snapshot of the derived account state.
func (j *Journal) State() *AccountState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state.Clone()
}

// FactsByPredicate returns facts with predicate, ordered by lamport.
func (j *Journal) FactsByPredicate(predicate string) []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.idx.factsByPredicate(predicate)
}

// FactsByAuthority returns facts recorded by authority a, ordered by id.
func (j *Journal) FactsByAuthority(a ids.AuthorityID) []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.idx.factsByAuthority(a)
}

// EventsInRange returns events with lamport in [from, to).
func (j *Journal) EventsInRange(from, to uint64) []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	hs := j.idx.eventsInRange(from, to)
	out := make([]*Event, 0, len(hs))
	for _, h := range hs {
		out = append(out, j.events[h])
	}
	return out
}

// Head returns the Merkle tree head over all fact ids, recomputing it only
// after an append.
func (j *Journal) Head() TreeHead {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.refreshMerkle()
	return j.merkleHead
}

func (j *Journal) refreshMerkle() {
	if j.merkleValid {
		return
	}
	j.merkleLeafs = j.idx.sortedFactIDs()
	j.merkleHead = TreeHead{TreeSize: int64(len(j.merkleLeafs)), RootHash: merkleRoot(j.merkleLeafs)}
	j.merkleValid = true
}

// Prove returns an inclusion proof for a fact id.
func (j *Journal) Prove(factID ids.Hash) (InclusionProof, TreeHead, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.refreshMerkle()
	i, found := slices.BinarySearchFunc(j.merkleLeafs, factID, ids.Hash.Compare)
	if !found {
		return InclusionProof{}, TreeHead{}, errs.New(errs.KindStorage, errs.CodeNotFound, "fact not in journal").
			With("fact", factID.Short())
	}
	return InclusionProof{
		LeafIndex: int64(i),
		TreeSize:  j.merkleHead.TreeSize,
		Path:      merklePath(i, j.merkleLeafs),
	}, j.merkleHead, nil
}

// Prepare fills the authority, nonce and timestamp an event authored by
// author must carry to be accepted next.
func (j *Journal) Prepare(author ids.DeviceID, p Payload) *Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return &Event{
		Authority: j.authority,
		Author:    author,
		Nonce:     j.state.LastNonce[author] + 1,
		Timestamp: Timestamp{
			Clock:   j.state.Clock.Tick(author),
			Lamport: j.state.Lamport + 1,
		},
		Payload: p,
	}
}

// Stats reports append counters.
type Stats struct {
	Events   int
	Appended int64
	Rejected int64
}

func (j *Journal) Stats() Stats {
	return Stats{Events: j.Len(), Appended: j.appended.Load(), Rejected: j.rejected.Load()}
}

// Subscribe returns a channel receiving every subsequently accepted event.
// A subscriber whose buffer is full is dropped and its channel closed.
func (j *Journal) Subscribe() (<-chan *Event, func()) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	id := j.nextSub
	j.nextSub++
	ch := make(chan *Event, j.subBuffer)
	j.subs[id] = ch
	return ch, func() { j.unsubscribe(id) }
}

func (j *Journal) unsubscribe(id int) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	if ch, ok := j.subs[id]; ok {
		delete(j.subs, id)
		close(ch)
	}
}

func (j *Journal) notify(ev *Event) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for id, ch := range j.subs {
		select {
		case ch <- ev:
		default:
			j.logger.Warn("dropping slow subscriber", "subscriber", id)
			delete(j.subs, id)
			close(ch)
		}
	}
}
