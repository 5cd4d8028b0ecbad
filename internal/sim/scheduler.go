// Package sim runs ceremonies over simulated devices and a simulated
// network on a single goroutine.
//
// The Scheduler owns virtual time. Work is queued as events ordered by
// (time, sequence); time jumps to the next event only when everything due
// now has run, so two runs of the same scenario interleave identically.
package sim

import (
	"context"

	"github.com/google/btree"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
)

// DefaultStepLimit bounds the events one Run may process.
const DefaultStepLimit = 100_000

type task struct {
	at  int64
	seq uint64
	fn  func()
}

func taskLess(a, b task) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.seq < b.seq
}

// Scheduler is a discrete-event executor over a virtual clock.
type Scheduler struct {
	clock *effects.VirtualClock
	queue *btree.BTreeG[task]
	seq   uint64
	steps int
	limit int
}

// NewScheduler starts virtual time at startMs.
func NewScheduler(startMs int64) *Scheduler {
	return &Scheduler{
		clock: effects.NewVirtualClock(startMs),
		queue: btree.NewG(8, taskLess),
		limit: DefaultStepLimit,
	}
}

// Clock is the virtual clock the simulated runtimes read.
func (s *Scheduler) Clock() *effects.VirtualClock { return s.clock }

// Now is the current virtual time in milliseconds.
func (s *Scheduler) Now() int64 { return s.clock.NowMs() }

// Steps counts events run so far.
func (s *Scheduler) Steps() int { return s.steps }

// Pending counts queued events.
func (s *Scheduler) Pending() int { return s.queue.Len() }

// At queues fn at virtual time ms. Times in the past run at the current
// time, after anything already queued for it.
func (s *Scheduler) At(ms int64, fn func()) {
	if now := s.Now(); ms < now {
		ms = now
	}
	s.seq++
	s.queue.ReplaceOrInsert(task{at: ms, seq: s.seq, fn: fn})
}

// After queues fn delayMs from now.
func (s *Scheduler) After(delayMs int64, fn func()) { s.At(s.Now()+delayMs, fn) }

// Run processes events until the queue drains, virtual time would pass
// untilMs, or ctx is done. untilMs <= 0 means no horizon.
func (s *Scheduler) Run(ctx context.Context, untilMs int64) error {
	for {
		if ctx.Err() != nil {
			return effects.ContextError(ctx)
		}
		next, ok := s.queue.Min()
		if !ok {
			return nil
		}
		if untilMs > 0 && next.at > untilMs {
			s.clock.AdvanceTo(untilMs)
			return nil
		}
		if s.steps >= s.limit {
			return errs.Newf(errs.KindProtocol, errs.CodeBudgetExhausted, "simulation exceeded %d steps", s.limit)
		}
		s.queue.DeleteMin()
		s.clock.AdvanceTo(next.at)
		s.steps++
		next.fn()
	}
}
