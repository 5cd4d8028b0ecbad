package ceremony

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/threshold"
)

// Outcome is how one ceremony ended for a responding device.
type Outcome struct {
	Ceremony  ids.CeremonyID
	Kind      Kind
	Commit    *Commit
	Signature []byte
	Err       error
}

// Responder plays the participant roles of keygen, signing and reshare
// for one device. Serve discovers ceremonies from envelopes nobody has
// claimed on the Mux and runs each in its own goroutine.
type Responder struct {
	authority ids.AuthorityID
	self      Participant
	priv      ed25519.PrivateKey
	rt        *effects.Runtime
	engine    *threshold.Engine
	mux       *choreo.Mux
	router    choreo.Router
	keys      capability.KeyResolver
	logger    *slog.Logger
	timeout   time.Duration

	mu       sync.Mutex
	seen     map[ids.ContextID]bool
	outcomes chan Outcome
	wg       sync.WaitGroup
	dropped  *atomic.Int64
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

func WithResponderLogger(l *slog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

// WithResponderRouter claims ceremony routes from rt instead of the Mux. Serve
// still needs the Mux; Handle does not.
func WithResponderRouter(rt choreo.Router) ResponderOption {
	return func(r *Responder) { r.router = rt }
}

// WithResponseTimeout bounds each wait for the coordinator.
func WithResponseTimeout(d time.Duration) ResponderOption {
	return func(r *Responder) { r.timeout = d }
}

// NewResponder returns a responder for self. keys resolves the initiating
// device of a ceremony, whose commits must verify.
func NewResponder(authority ids.AuthorityID, self Participant, priv ed25519.PrivateKey, rt *effects.Runtime, engine *threshold.Engine, mux *choreo.Mux, keys capability.KeyResolver, opts ...ResponderOption) *Responder {
	r := &Responder{
		authority: authority,
		self:      self,
		priv:      priv,
		rt:        rt,
		engine:    engine,
		mux:       mux,
		keys:      keys,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:   DefaultTimeout,
		seen:      make(map[ids.ContextID]bool),
		outcomes:  make(chan Outcome, 64),
		dropped:   atomic.NewInt64(0),
	}
	if mux != nil {
		r.router = mux
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Outcomes delivers one Outcome per ceremony the responder joined. A
// signing round the coordinator abandoned yields none; the device may be
// invited to the next round.
func (r *Responder) Outcomes() <-chan Outcome { return r.outcomes }

// Dropped counts invitations refused as malformed or unauthenticated.
func (r *Responder) Dropped() int64 { return r.dropped.Load() }

// Serve accepts ceremonies until ctx is done, then waits for the running
// ones to finish.
func (r *Responder) Serve(ctx context.Context) error {
	defer r.wg.Wait()
	for {
		env, ok, err := r.mux.Accept(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ok {
			r.dispatch(ctx, env)
		}
	}
}

type handler func(ctx context.Context, env effects.Envelope, h Headers) Outcome

func (r *Responder) drop(env effects.Envelope, reason error) {
	r.dropped.Inc()
	r.logger.Warn("ceremony invitation dropped", "source", env.Source.String(), "error", reason)
}

func (r *Responder) dispatch(ctx context.Context, env effects.Envelope) {
	run, h, kind, ok := r.admit(env)
	if !ok {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		out, ok := r.complete(h, kind, run(ctx, env, h))
		if !ok {
			return
		}
		select {
		case r.outcomes <- out:
		case <-ctx.Done():
		}
	}()
}

// Handle runs the ceremony env invites on the calling goroutine. ok is
// false when env was dropped or repeated, or when the coordinator
// abandoned the signing round it belongs to.
func (r *Responder) Handle(ctx context.Context, env effects.Envelope) (Outcome, bool) {
	run, h, kind, ok := r.admit(env)
	if !ok {
		return Outcome{}, false
	}
	return r.complete(h, kind, run(ctx, env, h))
}

// admit screens an invitation and marks its session seen.
func (r *Responder) admit(env effects.Envelope) (handler, Headers, Kind, bool) {
	h, err := CheckEnvelope(env, r.self.Address)
	if err != nil {
		r.drop(env, err)
		return nil, h, "", false
	}
	if env.Context != threshold.RoundSession(ContextID(r.authority, h.Ceremony), h.Round) {
		r.drop(env, malformed("context does not match ceremony %s round %d", h.Ceremony, h.Round))
		return nil, h, "", false
	}
	if _, owner, ok := r.keys.DeviceKey(h.Initiator); !ok || owner != r.authority {
		r.drop(env, errs.Newf(errs.KindAuthentication, errs.CodeUnknownDevice, "initiator %s is not a device of %s", h.Initiator, r.authority))
		return nil, h, "", false
	}
	var run handler
	var kind Kind
	switch protocol, role := env.Metadata[choreo.HeaderProtocol], env.Metadata[choreo.HeaderRole]; {
	case protocol == ProtocolKeygen && role == choreo.RoleParticipant:
		run, kind = r.keygen, KindKeygen
	case protocol == threshold.ProtocolFrostSign && role == choreo.RoleParticipant:
		run, kind = r.sign, KindSigning
	case protocol == ProtocolReshare && role == RoleOldHolder:
		run, kind = r.reshareOld, KindReshare
	case protocol == ProtocolReshare && role == RoleNewHolder:
		run, kind = r.reshareNew, KindReshare
	default:
		r.drop(env, malformed("no responder for %s/%s", protocol, role))
		return nil, h, "", false
	}
	r.mu.Lock()
	dup := r.seen[env.Context]
	r.seen[env.Context] = true
	r.mu.Unlock()
	if dup {
		r.logger.Debug("repeated invitation ignored", "ceremony_id", h.Ceremony.String())
		return nil, h, "", false
	}
	r.logger.Debug("joining ceremony", "ceremony_id", h.Ceremony.String(), "kind", string(kind), "round", h.Round)
	return run, h, kind, true
}

func (r *Responder) complete(h Headers, kind Kind, out Outcome) (Outcome, bool) {
	out.Ceremony, out.Kind = h.Ceremony, kind
	switch {
	case errs.IsCode(out.Err, errs.CodeRoundAbandoned):
		r.logger.Info("signing round abandoned", "ceremony_id", h.Ceremony.String(), "round", h.Round)
		return out, false
	case out.Err != nil:
		r.logger.Warn("ceremony failed", "ceremony_id", h.Ceremony.String(), "kind", string(kind), "error", out.Err)
	default:
		r.logger.Info("ceremony completed", "ceremony_id", h.Ceremony.String(), "kind", string(kind))
	}
	return out, true
}

// endpoint claims role of the invitation's session and returns the bound
// endpoint. extra screens messages further after the header checks.
func (r *Responder) endpoint(env effects.Envelope, h Headers, protocol, role string, extra func(choreo.Message, Headers) error) (*choreo.Endpoint, func(), error) {
	st, err := choreo.Project(choreo.MustLookup(protocol), role)
	if err != nil {
		return nil, nil, err
	}
	route := r.router.Route(env.Context, role)
	coordinator := env.Source
	ep := choreo.NewEndpoint(env.Context, r.self.Address, st, r.rt,
		choreo.WithTransport(route),
		choreo.WithPeers(choreo.RoleCoordinator, coordinator),
		choreo.WithEndpointLogger(r.logger),
		choreo.WithHeaders(func(_ ids.AuthorityID, label string) map[string]string {
			return Headers{
				ContentType:  ContentType(protocol, label),
				Ceremony:     h.Ceremony,
				PendingEpoch: h.PendingEpoch,
				Initiator:    h.Initiator,
				Participant:  r.self.Device,
				Acceptor:     r.self.Device,
			}.Metadata()
		}),
		choreo.WithFilter(screen(protocol, h.Ceremony, func(m choreo.Message, mh Headers) error {
			if mh.Initiator != h.Initiator {
				return malformed("initiator changed to %s", mh.Initiator)
			}
			if extra != nil {
				return extra(m, mh)
			}
			return nil
		})))
	return ep, func() { r.router.Release(env.Context, role) }, nil
}

// verifyCommit decodes a commit and checks it closes the invited
// ceremony under a key of the initiating device.
func (r *Responder) verifyCommit(data []byte, h Headers) (*Commit, error) {
	c, err := DecodeCommit(data)
	if err != nil {
		return nil, err
	}
	if c.Ceremony != h.Ceremony || c.Initiator != h.Initiator {
		return nil, malformed("commit for ceremony %s by %s", c.Ceremony, c.Initiator)
	}
	if err := VerifyCommit(c, r.authority, r.keys); err != nil {
		return nil, err
	}
	return c, nil
}

func failed(err error) Outcome { return Outcome{Err: err} }

func (r *Responder) keygen(ctx context.Context, env effects.Envelope, h Headers) Outcome {
	ep, release, err := r.endpoint(env, h, ProtocolKeygen, choreo.RoleParticipant, nil)
	if err != nil {
		return failed(err)
	}
	defer release()
	ep.Deliver(env)

	msg, err := ep.Recv(ctx, MsgKeyPackage, r.timeout)
	if err != nil {
		return failed(err)
	}
	mh, err := ParseHeaders(msg.Metadata)
	if err != nil {
		return failed(err)
	}
	var cfg threshold.Config
	if err := choreo.Unmarshal(mh.Config, &cfg); err != nil {
		return failed(err)
	}
	var pub frost.PublicKeyPackage
	if err := choreo.Unmarshal(mh.Pubkey, &pub); err != nil {
		return failed(err)
	}
	if cfg.Account != r.authority || cfg.Epoch != mh.PendingEpoch {
		return failed(malformed("key package for %s epoch %d", cfg.Account, cfg.Epoch))
	}
	id, ok := cfg.IdentifierOf(r.self.Address)
	if !ok {
		return failed(errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "%s is not in the dealt config", r.self.Device))
	}
	kp, err := r.engine.OpenPackage(r.priv, cfg.Epoch, msg.Payload)
	if err != nil {
		return failed(err)
	}
	if kp.Identifier != id || !r.rt.Crypto.ConstantTimeEq(pub.VerifyingShares[id], kp.VerifyingShare) {
		return failed(errs.Newf(errs.KindCrypto, errs.CodeInvalidShare, "dealt package does not match identifier %d", id))
	}
	if err := r.engine.Install(ctx, cfg, &pub, kp); err != nil {
		return failed(err)
	}
	ack, err := choreo.Marshal(Ack{Device: r.self.Device, VerifyingShare: kp.VerifyingShare})
	if err != nil {
		return failed(err)
	}
	if err := ep.Send(ctx, msg.From, MsgAck, ack); err != nil {
		return failed(err)
	}
	cm, err := ep.Recv(ctx, MsgCommit, r.timeout)
	if err != nil {
		return failed(err)
	}
	commit, err := r.verifyCommit(cm.Payload, h)
	if err != nil {
		return failed(err)
	}
	return Outcome{Commit: commit}
}

func (r *Responder) sign(ctx context.Context, env effects.Envelope, h Headers) Outcome {
	var commit *Commit
	ep, release, err := r.endpoint(env, h, threshold.ProtocolFrostSign, choreo.RoleParticipant,
		func(m choreo.Message, mh Headers) error {
			if mh.Round != h.Round {
				return malformed("round changed to %d", mh.Round)
			}
			if m.Label != threshold.MsgSignature || len(m.Payload) == 0 {
				return nil
			}
			if len(mh.Commit) == 0 {
				return malformed("signature without %s", MetaCommit)
			}
			c, err := r.verifyCommit(mh.Commit, h)
			if err != nil {
				return err
			}
			commit = c
			return nil
		})
	if err != nil {
		return failed(err)
	}
	defer release()
	ep.Deliver(env)

	sig, err := r.engine.ParticipateSign(ctx, ep, r.timeout)
	if err != nil {
		return failed(err)
	}
	return Outcome{Commit: commit, Signature: sig}
}

func (r *Responder) reshareOld(ctx context.Context, env effects.Envelope, h Headers) Outcome {
	ep, release, err := r.endpoint(env, h, ProtocolReshare, RoleOldHolder, nil)
	if err != nil {
		return failed(err)
	}
	defer release()
	ep.Deliver(env)

	msg, err := ep.Recv(ctx, MsgReshareProposal, r.timeout)
	if err != nil {
		return failed(err)
	}
	var p Proposal
	if err := choreo.Unmarshal(msg.Payload, &p); err != nil {
		return failed(err)
	}
	if p.Next.Account != r.authority || p.Next.Epoch != h.PendingEpoch || p.Next.Epoch == 0 {
		return failed(malformed("proposal for %s epoch %d", p.Next.Account, p.Next.Epoch))
	}
	old := p.Next.Epoch - 1
	sc, err := r.engine.Contribute(ctx, old, p.OldSigners, p.Next, p.KeyMap())
	if err != nil {
		return failed(err)
	}

	// Claim the new-holder route before contributing so the new share
	// cannot arrive unclaimed.
	var next *choreo.Endpoint
	if _, ok := p.Next.IdentifierOf(r.self.Address); ok {
		nep, releaseNext, err := r.endpoint(env, h, ProtocolReshare, RoleNewHolder, nil)
		if err != nil {
			return failed(err)
		}
		defer releaseNext()
		next = nep
	}
	wire, err := choreo.Marshal(sc)
	if err != nil {
		return failed(err)
	}
	if err := ep.Send(ctx, msg.From, MsgContribution, wire); err != nil {
		return failed(err)
	}
	if next != nil {
		if err := r.acceptShare(ctx, next, &p.Next); err != nil {
			return failed(err)
		}
	}

	rm, err := ep.Recv(ctx, MsgRetireShare, r.timeout)
	if err != nil {
		return failed(err)
	}
	commit, err := r.verifyCommit(rm.Payload, h)
	if err != nil {
		return failed(err)
	}
	if err := r.engine.RetireShare(ctx, old); err != nil {
		return failed(err)
	}
	if next != nil {
		cm, err := next.Recv(ctx, MsgReshareCommit, r.timeout)
		if err != nil {
			return failed(err)
		}
		if commit, err = r.verifyCommit(cm.Payload, h); err != nil {
			return failed(err)
		}
	}
	return Outcome{Commit: commit}
}

func (r *Responder) reshareNew(ctx context.Context, env effects.Envelope, h Headers) Outcome {
	ep, release, err := r.endpoint(env, h, ProtocolReshare, RoleNewHolder, nil)
	if err != nil {
		return failed(err)
	}
	defer release()
	ep.Deliver(env)

	if err := r.acceptShare(ctx, ep, nil); err != nil {
		return failed(err)
	}
	cm, err := ep.Recv(ctx, MsgReshareCommit, r.timeout)
	if err != nil {
		return failed(err)
	}
	commit, err := r.verifyCommit(cm.Payload, h)
	if err != nil {
		return failed(err)
	}
	return Outcome{Commit: commit}
}

// acceptShare combines this holder's new share and acknowledges it. A
// holder that kept the previous public package checks the group key
// against its own copy rather than the coordinator's.
func (r *Responder) acceptShare(ctx context.Context, ep *choreo.Endpoint, proposed *threshold.Config) error {
	msg, err := ep.Recv(ctx, MsgNewShare, r.timeout)
	if err != nil {
		return err
	}
	var ns NewShare
	if err := choreo.Unmarshal(msg.Payload, &ns); err != nil {
		return err
	}
	if ns.Next.Account != r.authority || ns.Next.Epoch == 0 {
		return malformed("new share for %s epoch %d", ns.Next.Account, ns.Next.Epoch)
	}
	if proposed != nil && (proposed.Epoch != ns.Next.Epoch || proposed.Threshold != ns.Next.Threshold) {
		return errs.New(errs.KindProtocol, errs.CodeUnexpectedState, "new share does not match the proposal")
	}
	prev := ns.Prev
	if own, err := r.engine.LoadPublic(ctx, ns.Next.Epoch-1); err == nil {
		prev = own
	}
	pub, err := r.engine.AcceptReshare(ctx, ns.Next, ns.Contributions, r.priv, prev)
	if err != nil {
		return err
	}
	id, _ := ns.Next.IdentifierOf(r.self.Address)
	ack, err := choreo.Marshal(Ack{Device: r.self.Device, VerifyingShare: pub.VerifyingShares[id]})
	if err != nil {
		return err
	}
	return ep.Send(ctx, msg.From, MsgNewShareAck, ack)
}
