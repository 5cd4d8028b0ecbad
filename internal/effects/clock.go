package effects

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roach88/aura/internal/errs"
)

// WallClock follows the system clock.
type WallClock struct{}

func (WallClock) NowMs() int64 { return time.Now().UnixMilli() }

func (WallClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ContextError(ctx)
	case <-t.C:
		return nil
	}
}

func (c WallClock) SleepUntil(ctx context.Context, ms int64) error {
	return c.Sleep(ctx, time.Duration(ms-c.NowMs())*time.Millisecond)
}

// MockClock is a controllable clock for tests. Sleeping advances the clock
// by the requested duration and returns immediately.
type MockClock struct {
	mu  sync.Mutex
	now int64
}

// NewMockClock starts a mock clock at ms.
func NewMockClock(ms int64) *MockClock { return &MockClock{now: ms} }

func (c *MockClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to ms. The clock never moves backwards.
func (c *MockClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms > c.now {
		c.now = ms
	}
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}

func (c *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return ContextError(ctx)
	}
	c.Advance(d)
	return nil
}

func (c *MockClock) SleepUntil(ctx context.Context, ms int64) error {
	if err := ctx.Err(); err != nil {
		return ContextError(ctx)
	}
	c.Set(ms)
	return nil
}

// VirtualClock advances only when the scheduler calls AdvanceTo. Sleepers
// block until virtual time reaches their deadline.
type VirtualClock struct {
	mu      sync.Mutex
	now     int64
	waiters []virtualWaiter
}

type virtualWaiter struct {
	at   int64
	done chan struct{}
}

// NewVirtualClock starts virtual time at ms.
func NewVirtualClock(ms int64) *VirtualClock { return &VirtualClock{now: ms} }

func (c *VirtualClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AdvanceTo moves virtual time to ms and wakes every sleeper whose deadline
// has passed. Earlier values are ignored.
func (c *VirtualClock) AdvanceTo(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms <= c.now {
		return
	}
	c.now = ms
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at <= ms {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// NextDeadline returns the earliest pending sleeper deadline.
func (c *VirtualClock) NextDeadline() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return 0, false
	}
	sort.Slice(c.waiters, func(i, j int) bool { return c.waiters[i].at < c.waiters[j].at })
	return c.waiters[0].at, true
}

func (c *VirtualClock) Sleep(ctx context.Context, d time.Duration) error {
	return c.SleepUntil(ctx, c.NowMs()+d.Milliseconds())
}

func (c *VirtualClock) SleepUntil(ctx context.Context, ms int64) error {
	c.mu.Lock()
	if ms <= c.now {
		c.mu.Unlock()
		return nil
	}
	w := virtualWaiter{at: ms, done: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ContextError(ctx)
	case <-w.done:
		return nil
	}
}

// ContextError maps a done context to a Timeout or Protocol(cancelled) error.
func ContextError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Wrap(errs.KindTimeout, errs.CodeDeadline, "deadline exceeded", ctx.Err())
	}
	return errs.Wrap(errs.KindProtocol, errs.CodeCancelled, "operation cancelled", ctx.Err())
}
