package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/roach88/aura/internal/ceremony"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

var (
	authority = ids.AuthorityID{0xA1}
	self      = ids.DeviceID{0x01}
	selfKey   = ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x01}, 32))
)

func fixedClock() effects.TimeEffects { return effects.NewMockClock(1_000) }

func fast(opts ...Option) []Option {
	return append([]Option{WithRetry(2, time.Millisecond)}, opts...)
}

func succeed(context.Context) error { return nil }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func newJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j := journal.New(authority)
	ev := j.Prepare(self, journal.NewAddDevice(journal.AddDevice{
		Device: self, PublicKey: selfKey.Public().(ed25519.PublicKey), Name: "laptop", AddedAt: 1,
	}))
	require.NoError(t, ev.SignWithDevice(selfKey))
	require.NoError(t, j.Append(context.Background(), ev))
	return j
}

func newCoordinator(t *testing.T) *ceremony.Coordinator {
	t.Helper()
	rt, _, err := effects.ForTesting(7, 1_000, effects.NewMemoryBus(8), authority)
	require.NoError(t, err)
	p := ceremony.Participant{Device: self, Address: authority, Key: selfKey.Public().(ed25519.PublicKey)}
	return ceremony.NewCoordinator(authority, p, selfKey, rt)
}

// openCeremony returns a protocol that opens a ceremony, reports its id
// and blocks until cancelled.
func openCeremony(coord *ceremony.Coordinator, opened chan<- ids.CeremonyID) Protocol {
	return Protocol{Name: "signing", Run: func(ctx context.Context) error {
		cer, err := coord.Start(ctx, ceremony.Spec{
			Kind:         ceremony.KindSigning,
			Threshold:    1,
			Participants: []ceremony.Participant{{Device: ids.DeviceID{0x02}, Address: ids.AuthorityID{0x02}}},
		})
		if err != nil {
			return err
		}
		opened <- cer.ID
		return blockUntilDone(ctx)
	}}
}

func TestLifecycle_CompletesAndSpendsHandles(t *testing.T) {
	ctx := context.Background()
	idle := New(self, fixedClock(), fast()...)
	assert.Equal(t, self, idle.Device())

	coordinating, err := idle.Start(ctx, Protocol{Name: "keygen", Run: succeed})
	require.NoError(t, err)
	assert.Equal(t, "keygen", coordinating.Protocol())

	_, err = idle.Start(ctx, Protocol{Name: "again", Run: succeed})
	assert.True(t, errs.IsCode(err, errs.CodeSessionViolation))

	next, failed, err := coordinating.Wait(ctx, time.Second)
	require.NoError(t, err)
	require.Nil(t, failed)
	require.NotNil(t, next)
	assert.EqualValues(t, 1, coordinating.Attempts())

	_, err = coordinating.CheckStatus()
	assert.True(t, errs.IsCode(err, errs.CodeSessionViolation))
	_, err = coordinating.Cancel(ctx)
	assert.True(t, errs.IsCode(err, errs.CodeSessionViolation))

	_, err = next.Start(ctx, Protocol{Name: "signing", Run: succeed})
	require.NoError(t, err)
}

func TestStart_RequiresRun(t *testing.T) {
	idle := New(self, fixedClock())
	_, err := idle.Start(context.Background(), Protocol{Name: "empty"})
	assert.True(t, errs.IsCode(err, errs.CodeMissingField))

	// A refused start leaves the handle usable.
	_, err = idle.Start(context.Background(), Protocol{Name: "ok", Run: succeed})
	assert.NoError(t, err)
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	c, err := New(self, fixedClock()).Start(ctx, Protocol{Name: "p", Run: func(context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)

	st, err := c.CheckStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	close(release)
	require.Eventually(t, func() bool {
		st, _ := c.CheckStatus()
		return st == StatusCompleted
	}, time.Second, time.Millisecond)
}

func TestStart_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	calls := atomic.NewInt64(0)
	flaky := Protocol{Name: "sync", Run: func(context.Context) error {
		if calls.Inc() < 3 {
			return errs.New(errs.KindNetwork, errs.CodeUnreachable, "peer down")
		}
		return nil
	}}
	c, err := New(self, fixedClock(), fast()...).Start(ctx, flaky)
	require.NoError(t, err)

	idle, failed, err := c.Wait(ctx, time.Second)
	require.NoError(t, err)
	require.Nil(t, failed)
	require.NotNil(t, idle)
	assert.EqualValues(t, 3, c.Attempts())
}

func TestStart_ExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	down := Protocol{Name: "sync", Run: func(context.Context) error {
		return errs.New(errs.KindNetwork, errs.CodeUnreachable, "peer down")
	}}
	c, err := New(self, fixedClock(), fast()...).Start(ctx, down)
	require.NoError(t, err)

	_, failed, err := c.Wait(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, failed)

	info := failed.Info()
	assert.Equal(t, "sync", info.Protocol)
	assert.Equal(t, errs.KindNetwork, info.Kind)
	assert.Equal(t, errs.CodeUnreachable, info.Code)
	assert.EqualValues(t, 3, info.Attempts)
	assert.EqualValues(t, 1_000, info.At)
	assert.False(t, info.Fatal)

	d := failed.Diagnostics()
	assert.True(t, d.Retryable)
	assert.Contains(t, d.Advice, "3 attempts")
	assert.Len(t, d.History, 1)
}

func TestStart_SurfacesPermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		fatal  bool
		advice string
	}{
		{"authorization", errs.New(errs.KindAuthorization, errs.CodeRevoked, "revoked"), false, "capabilities"},
		{"crypto", errs.New(errs.KindCrypto, errs.CodeInvalidShare, "bad share"), false, "resharing"},
		{"internal", errs.New(errs.KindInternal, errs.CodeInvariant, "broken"), true, "invariant breach"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			calls := atomic.NewInt64(0)
			c, err := New(self, fixedClock(), fast()...).Start(ctx, Protocol{Name: tt.name, Run: func(context.Context) error {
				calls.Inc()
				return tt.err
			}})
			require.NoError(t, err)

			_, failed, err := c.Wait(ctx, time.Second)
			require.NoError(t, err)
			require.NotNil(t, failed)
			assert.EqualValues(t, 1, calls.Load())
			assert.Equal(t, tt.fatal, failed.Info().Fatal)
			d := failed.Diagnostics()
			assert.False(t, d.Retryable)
			assert.Contains(t, d.Advice, tt.advice)
		})
	}
}

func TestCancel_TerminatesInitiatedCeremonies(t *testing.T) {
	ctx := context.Background()
	coord := newCoordinator(t)
	opened := make(chan ids.CeremonyID, 1)

	c, err := New(self, fixedClock(), WithCoordinator(coord)).Start(ctx, openCeremony(coord, opened))
	require.NoError(t, err)
	id := <-opened

	st, err := c.CheckStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	idle, err := c.Cancel(ctx)
	require.NoError(t, err)
	require.NotNil(t, idle)

	cer, ok := coord.Get(id)
	require.True(t, ok)
	assert.Equal(t, ceremony.PhaseFailed, cer.Phase)
	assert.Empty(t, coord.Active())
}

func TestWait_TimeoutFailsProtocol(t *testing.T) {
	ctx := context.Background()
	coord := newCoordinator(t)
	opened := make(chan ids.CeremonyID, 1)

	c, err := New(self, fixedClock(), WithCoordinator(coord)).Start(ctx, openCeremony(coord, opened))
	require.NoError(t, err)
	id := <-opened

	idle, failed, err := c.Wait(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, idle)
	require.NotNil(t, failed)

	info := failed.Info()
	assert.Equal(t, errs.KindTimeout, info.Kind)
	assert.Equal(t, errs.CodeDeadline, info.Code)
	assert.Equal(t, 1, info.Sessions)
	assert.Equal(t, 1, failed.Diagnostics().FailedSessions)

	cer, _ := coord.Get(id)
	assert.Equal(t, ceremony.PhaseFailed, cer.Phase)
}

func TestWait_DefaultTimeout(t *testing.T) {
	ctx := context.Background()
	c, err := New(self, fixedClock(), WithWaitTimeout(10*time.Millisecond)).
		Start(ctx, Protocol{Name: "stuck", Run: blockUntilDone})
	require.NoError(t, err)

	_, failed, err := c.Wait(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, errs.CodeDeadline, failed.Info().Code)
}

func failWith(t *testing.T, opts ...Option) *Failed {
	t.Helper()
	ctx := context.Background()
	c, err := New(self, fixedClock(), opts...).Start(ctx, Protocol{Name: "keygen", Run: func(context.Context) error {
		return errs.New(errs.KindCeremony, errs.CodeThresholdNotReached, "two of three")
	}})
	require.NoError(t, err)
	_, failed, err := c.Wait(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, failed)
	return failed
}

func TestRecover_ReturnsToIdle(t *testing.T) {
	failed := failWith(t, WithJournal(newJournal(t)))

	d := failed.Diagnostics()
	assert.Equal(t, 1, d.Security.ActiveDevices)
	assert.Empty(t, d.Security.Issues)
	assert.Contains(t, d.Security.Warnings, "no threshold key recorded")
	assert.Contains(t, d.Advice, "new ceremony")

	idle, err := failed.Recover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, idle)

	_, err = failed.Recover(context.Background())
	assert.True(t, errs.IsCode(err, errs.CodeSessionViolation))
}

func TestRecover_RefusedForRemovedDevice(t *testing.T) {
	j := newJournal(t)
	ev := j.Prepare(self, journal.NewRemoveDevice(self))
	require.NoError(t, ev.SignWithDevice(selfKey))
	require.NoError(t, j.Append(context.Background(), ev))

	failed := failWith(t, WithJournal(j))
	sec := failed.Diagnostics().Security
	assert.Equal(t, 0, sec.ActiveDevices)
	assert.Equal(t, 1, sec.RemovedDevices)
	require.Len(t, sec.Issues, 1)

	_, err := failed.Recover(context.Background())
	assert.True(t, errs.IsCode(err, errs.CodeUnexpectedState))

	// The failed agent stays usable.
	assert.Equal(t, "keygen", failed.Info().Protocol)
	_, err = failed.Recover(context.Background())
	assert.True(t, errs.IsCode(err, errs.CodeUnexpectedState))
}
