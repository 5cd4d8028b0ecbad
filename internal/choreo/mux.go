package choreo

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/ids"
)

// DefaultRouteBuffer bounds each Mux route.
const DefaultRouteBuffer = 256

// Router hands out per-(session, role) transports. Mux is the Router over
// a live transport.
type Router interface {
	Route(session ids.ContextID, role string) effects.TransportEffects
	Release(session ids.ContextID, role string)
}

type route struct {
	session ids.ContextID
	role    string
}

// Mux splits one inbound transport into per-(session, role) routes so that
// an authority can play several roles of a session, or several sessions,
// at once. Envelopes for routes nobody has claimed yet are returned by
// Accept; that is how a participant learns of a new session. Run must be
// active for anything to arrive.
type Mux struct {
	net    effects.TransportEffects
	logger *slog.Logger
	bound  int

	mu        sync.Mutex
	routes    map[route]chan effects.Envelope
	unclaimed chan effects.Envelope

	dropped *atomic.Int64
}

// MuxOption configures a Mux.
type MuxOption func(*Mux)

func WithMuxLogger(l *slog.Logger) MuxOption {
	return func(m *Mux) { m.logger = l }
}

// WithRouteBuffer sets the per-route queue bound.
func WithRouteBuffer(n int) MuxOption {
	return func(m *Mux) { m.bound = n }
}

func NewMux(net effects.TransportEffects, opts ...MuxOption) *Mux {
	m := &Mux{
		net:     net,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		bound:   DefaultRouteBuffer,
		routes:  make(map[route]chan effects.Envelope),
		dropped: atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unclaimed = make(chan effects.Envelope, m.bound)
	return m
}

func (m *Mux) claim(r route) chan effects.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.routes[r]
	if !ok {
		q = make(chan effects.Envelope, m.bound)
		m.routes[r] = q
	}
	return q
}

func (m *Mux) claimed(r route) (chan effects.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.routes[r]
	return q, ok
}

func routeOf(env effects.Envelope) route {
	return route{session: env.Context, role: env.Metadata[HeaderRole]}
}

func (m *Mux) push(q chan effects.Envelope, env effects.Envelope) {
	select {
	case q <- env:
	default:
		m.dropped.Inc()
		m.logger.Warn("route full, envelope dropped", "role", env.Metadata[HeaderRole], "source", env.Source.String())
	}
}

// Run pumps the underlying transport until ctx is done. A full route drops
// the envelope.
func (m *Mux) Run(ctx context.Context) error {
	for {
		env, ok, err := m.net.Receive(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}
		if q, ok := m.claimed(routeOf(env)); ok {
			m.push(q, env)
		} else {
			m.push(m.unclaimed, env)
		}
	}
}

// Accept waits up to timeout for an envelope on an unclaimed route.
// Envelopes whose route was claimed while they waited are forwarded there.
func (m *Mux) Accept(ctx context.Context, timeout time.Duration) (effects.Envelope, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case env := <-m.unclaimed:
			if q, ok := m.claimed(routeOf(env)); ok {
				m.push(q, env)
				continue
			}
			return env, true, nil
		case <-ctx.Done():
			return effects.Envelope{}, false, effects.ContextError(ctx)
		case <-deadline:
			return effects.Envelope{}, false, nil
		}
	}
}

// Dropped counts envelopes lost to full routes.
func (m *Mux) Dropped() int64 { return m.dropped.Load() }

// Route claims one role of session and returns its transport. Sends go
// straight to the underlying transport.
func (m *Mux) Route(session ids.ContextID, role string) effects.TransportEffects {
	return &routed{mux: m, inbox: m.claim(route{session: session, role: role})}
}

// Release forgets a route. Envelopes still queued on it are discarded.
func (m *Mux) Release(session ids.ContextID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, route{session: session, role: role})
}

type routed struct {
	mux   *Mux
	inbox chan effects.Envelope
}

func (r *routed) Send(ctx context.Context, env effects.Envelope) error {
	return r.mux.net.Send(ctx, env)
}

func (r *routed) Receive(ctx context.Context, timeout time.Duration) (effects.Envelope, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case env := <-r.inbox:
		return env, true, nil
	case <-ctx.Done():
		return effects.Envelope{}, false, effects.ContextError(ctx)
	case <-deadline:
		return effects.Envelope{}, false, nil
	}
}

func (r *routed) Connect(ctx context.Context, peer ids.AuthorityID) error {
	return r.mux.net.Connect(ctx, peer)
}

func (r *routed) Disconnect(ctx context.Context, peer ids.AuthorityID) error {
	return r.mux.net.Disconnect(ctx, peer)
}

func (r *routed) IsReachable(ctx context.Context, peer ids.AuthorityID) bool {
	return r.mux.net.IsReachable(ctx, peer)
}
