package journal

import (
	"slices"

	"github.com/roach88/aura/internal/ids"
)

// CausalBuffer holds events until their causal predecessors have been
// delivered. An event from author a with clock V is deliverable once the
// delivered clock D satisfies D[a] = V[a]-1 and D[d] >= V[d] for d != a.
type CausalBuffer struct {
	delivered VectorClock
	pending   map[ids.Hash]*Event
}

// NewCausalBuffer starts from an already-delivered clock.
func NewCausalBuffer(delivered VectorClock) *CausalBuffer {
	return &CausalBuffer{delivered: delivered.Clone(), pending: make(map[ids.Hash]*Event)}
}

// Delivered returns the clock of everything released so far.
func (b *CausalBuffer) Delivered() VectorClock { return b.delivered.Clone() }

// Pending is the number of held events.
func (b *CausalBuffer) Pending() int { return len(b.pending) }

func (b *CausalBuffer) ready(ev *Event) bool {
	vc := ev.Timestamp.Clock
	if vc[ev.Author] != b.delivered[ev.Author]+1 {
		return false
	}
	for d, n := range vc {
		if d != ev.Author && n > b.delivered[d] {
			return false
		}
	}
	return true
}

// stale reports an event already covered by the delivered clock.
func (b *CausalBuffer) stale(ev *Event) bool {
	return ev.Timestamp.Clock[ev.Author] <= b.delivered[ev.Author]
}

// Push adds ev and returns every event that became deliverable, in
// happens-before order with (lamport, hash) breaking ties.
func (b *CausalBuffer) Push(ev *Event) []*Event {
	return b.PushFunc(ev, nil)
}

// PushFunc is Push with an acceptance hook. deliver is called on each
// deliverable event in order; an event it refuses is discarded and the
// delivered clock does not advance.
func (b *CausalBuffer) PushFunc(ev *Event, deliver func(*Event) bool) []*Event {
	if b.stale(ev) {
		return nil
	}
	b.pending[ev.Hash] = ev
	var out []*Event
	for {
		var batch []*Event
		for _, p := range b.pending {
			if b.ready(p) {
				batch = append(batch, p)
			}
		}
		if len(batch) == 0 {
			return out
		}
		slices.SortFunc(batch, CompareEvents)
		// Deliver one at a time; releasing one may unblock or supersede others.
		next := batch[0]
		delete(b.pending, next.Hash)
		if deliver != nil && !deliver(next) {
			continue
		}
		b.delivered = b.delivered.Merge(next.Timestamp.Clock)
		out = append(out, next)
		for h, p := range b.pending {
			if b.stale(p) {
				delete(b.pending, h)
			}
		}
	}
}
