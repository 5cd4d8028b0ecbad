package effects

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// mailbox is a FIFO of envelopes with a per-source bound.
//
// Enqueue never blocks. The signal channel has a buffer of one and
// coalesces wakeups so a receiver can wait on it alongside ctx.Done().
type mailbox struct {
	mu       sync.Mutex
	items    []Envelope
	perPeer  map[ids.AuthorityID]int
	bound    int
	closed   bool
	signal   chan struct{}
}

func newMailbox(bound int) *mailbox {
	return &mailbox{
		items:   make([]Envelope, 0, 16),
		perPeer: make(map[ids.AuthorityID]int),
		bound:   bound,
		signal:  make(chan struct{}, 1),
	}
}

func (q *mailbox) enqueue(e Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errs.New(errs.KindNetwork, errs.CodeUnreachable, "peer mailbox closed").With("peer", e.Destination.String())
	}
	if q.bound > 0 && q.perPeer[e.Source] >= q.bound {
		return errs.Newf(errs.KindNetwork, errs.CodeQueueFull, "send queue to %s full", e.Destination).With("peer", e.Destination.String())
	}
	q.items = append(q.items, e)
	q.perPeer[e.Source]++
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *mailbox) tryDequeue() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	e := q.items[0]
	q.items[0] = Envelope{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	if q.perPeer[e.Source]--; q.perPeer[e.Source] == 0 {
		delete(q.perPeer, e.Source)
	}
	return e, true
}

func (q *mailbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *mailbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// BusStats counts envelopes through a MemoryBus.
type BusStats struct {
	Sent      int64
	Delivered int64
	Rejected  int64
}

// MemoryBus is an in-process transport hub. Each attached authority gets a
// mailbox; per-sender FIFO order is preserved.
type MemoryBus struct {
	mu        sync.RWMutex
	boxes     map[ids.AuthorityID]*mailbox
	bound     int
	sent      *atomic.Int64
	delivered *atomic.Int64
	rejected  *atomic.Int64
}

// NewMemoryBus creates a hub whose mailboxes hold at most bound envelopes
// per sending peer. bound <= 0 is unbounded.
func NewMemoryBus(bound int) *MemoryBus {
	return &MemoryBus{
		boxes:     make(map[ids.AuthorityID]*mailbox),
		bound:     bound,
		sent:      atomic.NewInt64(0),
		delivered: atomic.NewInt64(0),
		rejected:  atomic.NewInt64(0),
	}
}

// Attach returns the transport endpoint for self, creating its mailbox.
func (b *MemoryBus) Attach(self ids.AuthorityID) *BusEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.boxes[self]; !ok {
		b.boxes[self] = newMailbox(b.bound)
	}
	return &BusEndpoint{bus: b, self: self, peers: make(map[ids.AuthorityID]bool)}
}

// Detach closes self's mailbox. Later sends to self fail as unreachable.
func (b *MemoryBus) Detach(self ids.AuthorityID) {
	b.mu.Lock()
	box, ok := b.boxes[self]
	delete(b.boxes, self)
	b.mu.Unlock()
	if ok {
		box.close()
	}
}

// Pending reports how many envelopes wait in self's mailbox.
func (b *MemoryBus) Pending(self ids.AuthorityID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if box, ok := b.boxes[self]; ok {
		return box.len()
	}
	return 0
}

func (b *MemoryBus) Stats() BusStats {
	return BusStats{Sent: b.sent.Load(), Delivered: b.delivered.Load(), Rejected: b.rejected.Load()}
}

func (b *MemoryBus) box(id ids.AuthorityID) (*mailbox, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	box, ok := b.boxes[id]
	return box, ok
}

// BusEndpoint is one authority's view of a MemoryBus.
type BusEndpoint struct {
	bus  *MemoryBus
	self ids.AuthorityID

	mu    sync.Mutex
	peers map[ids.AuthorityID]bool
}

func (e *BusEndpoint) Self() ids.AuthorityID { return e.self }

func (e *BusEndpoint) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return ContextError(ctx)
	}
	env.Source = e.self
	box, ok := e.bus.box(env.Destination)
	if !ok {
		e.bus.rejected.Inc()
		return errs.New(errs.KindNetwork, errs.CodeUnreachable, "destination not attached").With("peer", env.Destination.String())
	}
	if err := box.enqueue(env); err != nil {
		e.bus.rejected.Inc()
		return err
	}
	e.bus.sent.Inc()
	return nil
}

func (e *BusEndpoint) Receive(ctx context.Context, timeout time.Duration) (Envelope, bool, error) {
	box, ok := e.bus.box(e.self)
	if !ok {
		return Envelope{}, false, errs.New(errs.KindNetwork, errs.CodeUnreachable, "endpoint detached")
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if env, ok := box.tryDequeue(); ok {
			e.bus.delivered.Inc()
			return env, true, nil
		}
		select {
		case <-ctx.Done():
			return Envelope{}, false, ContextError(ctx)
		case <-deadline:
			return Envelope{}, false, nil
		case _, open := <-box.signal:
			if !open {
				return Envelope{}, false, errs.New(errs.KindNetwork, errs.CodeUnreachable, "endpoint detached")
			}
		}
	}
}

// TryReceive dequeues without waiting.
func (e *BusEndpoint) TryReceive() (Envelope, bool) {
	box, ok := e.bus.box(e.self)
	if !ok {
		return Envelope{}, false
	}
	env, ok := box.tryDequeue()
	if ok {
		e.bus.delivered.Inc()
	}
	return env, ok
}

func (e *BusEndpoint) Connect(ctx context.Context, peer ids.AuthorityID) error {
	if _, ok := e.bus.box(peer); !ok {
		return errs.New(errs.KindNetwork, errs.CodeUnreachable, "peer not attached").With("peer", peer.String())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[peer] = true
	return nil
}

func (e *BusEndpoint) Disconnect(ctx context.Context, peer ids.AuthorityID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, peer)
	return nil
}

func (e *BusEndpoint) IsReachable(ctx context.Context, peer ids.AuthorityID) bool {
	_, ok := e.bus.box(peer)
	return ok
}
