// Package testutil holds deterministic helpers shared by package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/aura/internal/effects"
)

// DeterministicClock is a TimeEffects whose every read moves time forward
// by a fixed step, so successive NowMs calls return distinct, increasing
// issuance times without a wall clock.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start int64
	step  int64
	now   int64
}

var _ effects.TimeEffects = (*DeterministicClock)(nil)

// NewDeterministicClock creates a clock at startMs advancing stepMs per read.
//
// The first call to NowMs() returns startMs + stepMs.
func NewDeterministicClock(startMs, stepMs int64) *DeterministicClock {
	return &DeterministicClock{start: startMs, step: stepMs, now: startMs}
}

// NowMs advances the clock by one step and returns the new time.
func (c *DeterministicClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Current returns the current time without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d and returns at once.
func (c *DeterministicClock) Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
	return nil
}

// SleepUntil moves the clock to ms if that is later than now.
func (c *DeterministicClock) SleepUntil(ctx context.Context, ms int64) error {
	if ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms > c.now {
		c.now = ms
	}
	return nil
}

// Reset returns the clock to its start time.
//
// Used for test reuse. After Reset(), the next NowMs() repeats the first value.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
