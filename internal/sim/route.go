package sim

import (
	"context"
	"time"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// proc is one device task, such as a coordinator driving a ceremony or a
// responder serving one invitation. Procs run one at a time: control
// passes to a proc only from the scheduler goroutine and comes back when
// the proc waits in a simulated receive or returns.
type proc struct {
	name   string
	resume chan struct{}
	done   bool
}

// spawn starts fn as a proc and runs it until it first yields.
func (w *world) spawn(name string, fn func()) {
	p := &proc{name: name, resume: make(chan struct{})}
	w.procs = append(w.procs, p)
	go func() {
		<-p.resume
		fn()
		p.done = true
		w.yield <- struct{}{}
	}()
	w.resume(p)
}

// resume hands control to p and waits for it to yield.
func (w *world) resume(p *proc) {
	w.current = p
	p.resume <- struct{}{}
	<-w.yield
	w.current = nil
}

// park gives control back to the scheduler until p is resumed.
func (w *world) park(p *proc) {
	w.yield <- struct{}{}
	<-p.resume
	w.current = p
}

// shutdown closes the world and resumes every parked proc so it unwinds.
func (w *world) shutdown() {
	w.closed = true
	for _, p := range w.procs {
		for !p.done {
			w.resume(p)
		}
	}
}

func (w *world) closedErr(ctx context.Context) error {
	if w.closed {
		return errs.New(errs.KindProtocol, errs.CodeCancelled, "simulation ended")
	}
	if ctx.Err() != nil {
		return effects.ContextError(ctx)
	}
	return nil
}

type routeKey struct {
	session ids.ContextID
	role    string
}

// router is a device's choreo.Router over the simulated network. Sends go
// through the Network; deliveries land on the route their session and role
// name.
type router struct {
	w      *world
	n      *node
	routes map[routeKey]*simRoute
}

func newRouter(w *world, n *node) *router {
	return &router{w: w, n: n, routes: make(map[routeKey]*simRoute)}
}

func (r *router) Route(session ids.ContextID, role string) effects.TransportEffects {
	k := routeKey{session: session, role: role}
	rt, ok := r.routes[k]
	if !ok {
		rt = &simRoute{r: r}
		r.routes[k] = rt
	}
	return rt
}

func (r *router) Release(session ids.ContextID, role string) {
	delete(r.routes, routeKey{session: session, role: role})
}

// deliver queues env on the route that claims it and wakes the proc
// waiting there. It reports false when no route claims env.
func (r *router) deliver(env effects.Envelope) bool {
	rt, ok := r.routes[routeKey{session: env.Context, role: env.Metadata[choreo.HeaderRole]}]
	if !ok {
		return false
	}
	rt.inbox = append(rt.inbox, env)
	if p := rt.waiter; p != nil {
		rt.waiter = nil
		r.w.resume(p)
	}
	return true
}

type simRoute struct {
	r      *router
	inbox  []effects.Envelope
	waiter *proc
	waits  uint64
}

func (s *simRoute) pop() (effects.Envelope, bool) {
	if len(s.inbox) == 0 {
		return effects.Envelope{}, false
	}
	env := s.inbox[0]
	s.inbox = s.inbox[1:]
	return env, true
}

func (s *simRoute) Send(ctx context.Context, env effects.Envelope) error {
	if err := s.r.w.closedErr(ctx); err != nil {
		return err
	}
	s.r.w.net.Send(env)
	return nil
}

// Receive parks the calling proc until an envelope arrives or timeout
// passes in virtual time. A non-positive timeout waits until shutdown.
func (s *simRoute) Receive(ctx context.Context, timeout time.Duration) (effects.Envelope, bool, error) {
	w := s.r.w
	if env, ok := s.pop(); ok {
		return env, true, nil
	}
	if err := w.closedErr(ctx); err != nil {
		return effects.Envelope{}, false, err
	}
	p := w.current
	if p == nil {
		return effects.Envelope{}, false, errs.New(errs.KindInternal, errs.CodeInvariant, "simulated receive outside a proc")
	}
	s.waits++
	wait := s.waits
	s.waiter = p
	if timeout > 0 {
		w.sched.After(max(timeout.Milliseconds(), 1), func() {
			if s.waiter == p && s.waits == wait {
				s.waiter = nil
				w.resume(p)
			}
		})
	}
	w.park(p)
	s.waiter = nil
	if env, ok := s.pop(); ok {
		return env, true, nil
	}
	if err := w.closedErr(ctx); err != nil {
		return effects.Envelope{}, false, err
	}
	return effects.Envelope{}, false, nil
}

func (s *simRoute) Connect(ctx context.Context, peer ids.AuthorityID) error {
	return s.r.n.rt.Network.Connect(ctx, peer)
}

func (s *simRoute) Disconnect(ctx context.Context, peer ids.AuthorityID) error {
	return s.r.n.rt.Network.Disconnect(ctx, peer)
}

func (s *simRoute) IsReachable(ctx context.Context, peer ids.AuthorityID) bool {
	return s.r.n.rt.Network.IsReachable(ctx, peer)
}
