package agent

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/roach88/aura/internal/errs"
)

// Idle is an agent with no protocol running.
type Idle struct {
	handle
}

// Start runs p in the background and returns the coordinating agent.
// Retryable failures of p are retried with exponential backoff.
func (a *Idle) Start(ctx context.Context, p Protocol) (*Coordinating, error) {
	if p.Run == nil {
		return nil, errs.New(errs.KindValidation, errs.CodeMissingField, "protocol has no run function")
	}
	c, err := a.take()
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &running{
		protocol: p.Name,
		started:  c.clock.NowMs(),
		cancel:   cancel,
		done:     make(chan struct{}),
		attempts: atomic.NewInt64(0),
	}
	go func() {
		defer close(r.done)
		r.err = c.run(rctx, p, r.attempts)
	}()
	c.logger.Info("protocol started", "device_id", c.device.String(), "protocol", p.Name)
	return &Coordinating{handle: newHandle(c), run: r}, nil
}

// Status is a protocol's progress as seen by CheckStatus.
type Status uint8

const (
	StatusRunning Status = iota + 1
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type running struct {
	protocol string
	started  int64
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	attempts *atomic.Int64
}

func (r *running) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Coordinating is an agent with a protocol running.
type Coordinating struct {
	handle
	run *running
}

// Protocol names the running protocol.
func (a *Coordinating) Protocol() string { return a.run.protocol }

// Attempts counts runs of the protocol so far, retries included.
func (a *Coordinating) Attempts() int64 { return a.run.attempts.Load() }

// CheckStatus reports the protocol's progress without waiting.
func (a *Coordinating) CheckStatus() (Status, error) {
	if err := a.live(); err != nil {
		return 0, err
	}
	if !a.run.finished() {
		return StatusRunning, nil
	}
	if a.run.err != nil {
		return StatusFailed, nil
	}
	return StatusCompleted, nil
}

// Cancel stops the protocol, fails the ceremonies this device initiated
// and returns to Idle.
func (a *Coordinating) Cancel(ctx context.Context) (*Idle, error) {
	c, err := a.take()
	if err != nil {
		return nil, err
	}
	a.run.cancel()
	select {
	case <-a.run.done:
	case <-ctx.Done():
	}
	cause := errs.Newf(errs.KindProtocol, errs.CodeCancelled, "protocol %s cancelled", a.run.protocol)
	n := c.terminate(ctx, cause)
	c.logger.Info("protocol cancelled", "device_id", c.device.String(), "protocol", a.run.protocol, "sessions", n)
	return &Idle{handle: newHandle(c)}, nil
}

// Wait blocks until the protocol ends, timeout passes or ctx is done, and
// returns the agent's next state: exactly one of Idle and Failed is
// non-nil. A zero timeout waits DefaultWaitTimeout or the configured
// default. On timeout the protocol is cancelled and its ceremonies fail.
func (a *Coordinating) Wait(ctx context.Context, timeout time.Duration) (*Idle, *Failed, error) {
	if err := a.live(); err != nil {
		return nil, nil, err
	}
	if timeout <= 0 {
		timeout = a.core.waitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case <-a.run.done:
		cause = a.run.err
	case <-timer.C:
		cause = errs.Newf(errs.KindTimeout, errs.CodeDeadline, "protocol %s did not complete within %s", a.run.protocol, timeout)
	case <-ctx.Done():
		cause = errs.Wrap(errs.KindProtocol, errs.CodeCancelled, "wait for "+a.run.protocol, ctx.Err())
	}

	c, err := a.take()
	if err != nil {
		return nil, nil, err
	}
	if !a.run.finished() {
		a.run.cancel()
		<-a.run.done
	}
	if cause == nil {
		c.completed++
		c.logger.Info("protocol completed", "device_id", c.device.String(), "protocol", a.run.protocol,
			"attempts", a.run.attempts.Load())
		return &Idle{handle: newHandle(c)}, nil, nil
	}

	sessions := c.terminate(context.WithoutCancel(ctx), cause)
	info := FailureInfo{
		Protocol: a.run.protocol,
		Kind:     errs.KindOf(cause),
		Code:     errs.CodeOf(cause),
		Message:  cause.Error(),
		Attempts: a.run.attempts.Load(),
		At:       c.clock.NowMs(),
		Fatal:    errs.Fatal(cause),
		Sessions: sessions,
		Err:      cause,
	}
	c.failures = append(c.failures, info)
	if info.Fatal {
		c.logger.Error("protocol failed", "device_id", c.device.String(), "protocol", info.Protocol,
			"code", string(info.Code), "error", cause)
	} else {
		c.logger.Warn("protocol failed", "device_id", c.device.String(), "protocol", info.Protocol,
			"code", string(info.Code), "attempts", info.Attempts, "error", cause)
	}
	return nil, &Failed{handle: newHandle(c), info: info}, nil
}
