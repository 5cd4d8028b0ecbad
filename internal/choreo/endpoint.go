package choreo

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// Envelope metadata keys set on every choreography message.
const (
	HeaderProtocol = "choreo-protocol"
	HeaderMessage  = "choreo-message"
	HeaderRole     = "choreo-role"
)

// Message is a received choreography message.
type Message struct {
	From     ids.AuthorityID
	Label    string
	Payload  []byte
	Metadata map[string]string
}

// Endpoint executes one role of a session. It permits only the operation
// its session type allows at the current position; anything else fails
// with PROTOCOL_SESSION_VIOLATION and leaves the position unchanged.
//
// A many-peer action stays current until every bound peer has been
// addressed (send) or heard from (receive), or until Close is called.
// Messages for earlier actions are dropped; messages for later actions are
// held until the endpoint reaches them.
type Endpoint struct {
	session ids.ContextID
	self    ids.AuthorityID
	st      *SessionType
	pos     int
	touched map[ids.AuthorityID]bool

	peers   map[string][]ids.AuthorityID
	net     effects.TransportEffects
	clock   effects.TimeEffects
	interp  *Interpreter
	held    map[string][]Message
	logger  *slog.Logger
	history []string
	headers HeaderFunc
	filter  func(Message) error
}

// HeaderFunc adds envelope metadata for a send.
type HeaderFunc func(to ids.AuthorityID, label string) map[string]string

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithPeers binds role to peers.
func WithPeers(role string, peers ...ids.AuthorityID) EndpointOption {
	return func(e *Endpoint) { e.peers[role] = slices.Clone(peers) }
}

// WithInterpreter sets the interpreter that runs guarded-send effects.
func WithInterpreter(i *Interpreter) EndpointOption {
	return func(e *Endpoint) { e.interp = i }
}

// WithHeaders attaches extra metadata to every outgoing envelope.
func WithHeaders(h HeaderFunc) EndpointOption {
	return func(e *Endpoint) { e.headers = h }
}

// WithFilter screens inbound messages; a message the filter rejects is
// dropped with a warning.
func WithFilter(f func(Message) error) EndpointOption {
	return func(e *Endpoint) { e.filter = f }
}

// WithTransport replaces the runtime's network, typically with a route
// from a Mux.
func WithTransport(t effects.TransportEffects) EndpointOption {
	return func(e *Endpoint) { e.net = t }
}

func WithEndpointLogger(l *slog.Logger) EndpointOption {
	return func(e *Endpoint) { e.logger = l }
}

// NewEndpoint binds st to a session. Network and time come from rt.
func NewEndpoint(session ids.ContextID, self ids.AuthorityID, st *SessionType, rt *effects.Runtime, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		session: session,
		self:    self,
		st:      st,
		touched: make(map[ids.AuthorityID]bool),
		peers:   make(map[string][]ids.AuthorityID),
		net:     rt.Network,
		clock:   rt.Time,
		held:    make(map[string][]Message),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.interp == nil {
		e.interp = NewInterpreter(WithMetadataStore(rt.Storage), WithInterpreterLogger(e.logger))
	}
	return e
}

// Session returns the session context.
func (e *Endpoint) Session() ids.ContextID { return e.session }

// Role returns the bound role.
func (e *Endpoint) Role() string { return e.st.Role }

// Peers returns the peers bound to role.
func (e *Endpoint) Peers(role string) []ids.AuthorityID { return slices.Clone(e.peers[role]) }

// Interpreter returns the effect interpreter.
func (e *Endpoint) Interpreter() *Interpreter { return e.interp }

// Next returns the current action.
func (e *Endpoint) Next() (Action, bool) {
	if e.pos >= len(e.st.Actions) {
		return Action{}, false
	}
	return e.st.Actions[e.pos], true
}

// Done reports whether the session type is exhausted.
func (e *Endpoint) Done() bool { return e.pos >= len(e.st.Actions) }

// History lists the completed actions in order.
func (e *Endpoint) History() []string { return slices.Clone(e.history) }

func (e *Endpoint) violation(want ActionKind, label string) error {
	next, ok := e.Next()
	expected := "end"
	if ok {
		expected = next.String()
	}
	return errs.Newf(errs.KindProtocol, errs.CodeSessionViolation,
		"%s %s not permitted by session type", want, label).
		With("protocol", e.st.Protocol).
		With("role", e.st.Role).
		With("expected", expected)
}

func (e *Endpoint) current(kind ActionKind, label string) (Action, error) {
	a, ok := e.Next()
	if !ok || a.Kind != kind || a.Message != label {
		return Action{}, e.violation(kind, label)
	}
	return a, nil
}

func (e *Endpoint) advance() {
	a := e.st.Actions[e.pos]
	e.history = append(e.history, a.String())
	delete(e.held, a.Message)
	e.pos++
	clear(e.touched)
}

func (e *Endpoint) bound(role string, peer ids.AuthorityID) bool {
	return slices.Contains(e.peers[role], peer)
}

// Send performs the current send action toward to. The guarded effects run
// before the transport send; if any fails nothing is sent.
func (e *Endpoint) Send(ctx context.Context, to ids.AuthorityID, label string, payload []byte) error {
	a, err := e.current(ActSend, label)
	if err != nil {
		return err
	}
	if !e.bound(a.Peer, to) {
		return errs.Newf(errs.KindProtocol, errs.CodeSessionViolation, "%s is not bound to role %s", to, a.Peer).
			With("protocol", e.st.Protocol)
	}
	if e.touched[to] {
		return errs.Newf(errs.KindProtocol, errs.CodeSessionViolation, "%s already sent to %s", label, to).
			With("protocol", e.st.Protocol)
	}
	if err := e.interp.Run(ctx, Plan(a, e.session, to)); err != nil {
		return err
	}
	meta := make(map[string]string)
	if e.headers != nil {
		maps.Copy(meta, e.headers(to, label))
	}
	meta[HeaderProtocol] = e.st.Protocol
	meta[HeaderMessage] = label
	meta[HeaderRole] = a.Peer
	env := effects.Envelope{
		Source:      e.self,
		Destination: to,
		Context:     e.session,
		Payload:     payload,
		Metadata:    meta,
	}
	if err := e.net.Send(ctx, env); err != nil {
		return err
	}
	e.logger.Debug("choreo send", "protocol", e.st.Protocol, "message", label, "peer", to.String())
	e.touched[to] = true
	if !a.Many || len(e.touched) == len(e.peers[a.Peer]) {
		e.advance()
	}
	return nil
}

// SendAll sends the same payload to every bound peer of the current action
// not yet addressed.
func (e *Endpoint) SendAll(ctx context.Context, label string, payload []byte) error {
	a, err := e.current(ActSend, label)
	if err != nil {
		return err
	}
	for _, p := range e.peers[a.Peer] {
		if e.touched[p] {
			continue
		}
		if err := e.Send(ctx, p, label, payload); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the current many-peer action early. It is also how an
// optional action is skipped.
func (e *Endpoint) Close(label string) error {
	a, ok := e.Next()
	if !ok || a.Message != label || !(a.Many || a.Optional) {
		return e.violation(a.Kind, label)
	}
	e.advance()
	return nil
}

// Recv waits up to timeout for the current receive action's message. A
// timeout reports TIMEOUT_DEADLINE; cancellation reports the context's
// error. Neither moves the position.
func (e *Endpoint) Recv(ctx context.Context, label string, timeout time.Duration) (Message, error) {
	a, err := e.current(ActRecv, label)
	if err != nil {
		return Message{}, err
	}
	if msg, ok := e.takeHeld(a); ok {
		return msg, nil
	}
	deadline := e.clock.NowMs() + timeout.Milliseconds()
	for {
		remaining := time.Duration(deadline-e.clock.NowMs()) * time.Millisecond
		if remaining <= 0 {
			return Message{}, e.timeout(label)
		}
		env, ok, err := e.net.Receive(ctx, remaining)
		if err != nil {
			return Message{}, err
		}
		if !ok {
			return Message{}, e.timeout(label)
		}
		msg, accept := e.classify(env)
		if !accept {
			continue
		}
		if msg.Label != label {
			e.held[msg.Label] = append(e.held[msg.Label], msg)
			continue
		}
		if e.touched[msg.From] {
			e.logger.Debug("duplicate message dropped", "message", label, "peer", msg.From.String())
			continue
		}
		e.accept(a, msg)
		return msg, nil
	}
}

func (e *Endpoint) timeout(label string) error {
	return errs.Newf(errs.KindTimeout, errs.CodeDeadline, "timed out waiting for %s", label).
		With("protocol", e.st.Protocol).
		With("role", e.st.Role)
}

// classify filters an inbound envelope. Envelopes for other sessions,
// unknown labels, earlier actions, or from peers not bound to the sending
// role are dropped.
func (e *Endpoint) classify(env effects.Envelope) (Message, bool) {
	if env.Context != e.session || env.Metadata[HeaderProtocol] != e.st.Protocol {
		e.logger.Debug("envelope for another session dropped", "source", env.Source.String())
		return Message{}, false
	}
	label := env.Metadata[HeaderMessage]
	idx := e.st.index(label)
	switch {
	case idx < 0:
		e.logger.Warn("unknown message dropped", "protocol", e.st.Protocol, "message", label, "source", env.Source.String())
		return Message{}, false
	case idx < e.pos:
		e.logger.Debug("late message ignored", "protocol", e.st.Protocol, "message", label, "source", env.Source.String())
		return Message{}, false
	case e.st.Actions[idx].Kind != ActRecv:
		e.logger.Warn("message in the wrong direction dropped", "message", label, "source", env.Source.String())
		return Message{}, false
	case !e.bound(e.st.Actions[idx].Peer, env.Source):
		e.logger.Warn("message from unbound peer dropped", "message", label, "source", env.Source.String())
		return Message{}, false
	}
	msg := Message{From: env.Source, Label: label, Payload: env.Payload, Metadata: maps.Clone(env.Metadata)}
	if e.filter != nil {
		if err := e.filter(msg); err != nil {
			e.logger.Warn("malformed message dropped", "message", label, "source", env.Source.String(), "error", err)
			return Message{}, false
		}
	}
	return msg, true
}

// Deliver hands the endpoint an envelope received elsewhere, typically the
// one that announced the session. It is screened like any inbound envelope
// and held until a Recv consumes it.
func (e *Endpoint) Deliver(env effects.Envelope) bool {
	msg, ok := e.classify(env)
	if !ok {
		return false
	}
	e.held[msg.Label] = append(e.held[msg.Label], msg)
	return true
}

func (e *Endpoint) takeHeld(a Action) (Message, bool) {
	queue := e.held[a.Message]
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		if e.touched[msg.From] {
			continue
		}
		e.held[a.Message] = queue
		e.accept(a, msg)
		return msg, true
	}
	delete(e.held, a.Message)
	return Message{}, false
}

func (e *Endpoint) accept(a Action, msg Message) {
	e.logger.Debug("choreo recv", "protocol", e.st.Protocol, "message", msg.Label, "peer", msg.From.String())
	e.touched[msg.From] = true
	if !a.Many || len(e.touched) == len(e.peers[a.Peer]) {
		e.advance()
	}
}
