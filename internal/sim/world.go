package sim

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/ceremony"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/frost"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/threshold"
)

const metaLabel = "sim-label"

// Trace labels. Ceremony traffic is labelled by its frost_sign message.
const (
	LabelSignRequest = threshold.MsgSignRequest
	LabelCommitment  = threshold.MsgCommitment
	LabelPackage     = threshold.MsgSigningPackage
	LabelShare       = threshold.MsgSignatureShare
	LabelSignature   = threshold.MsgSignature
	LabelSync        = "journal-sync"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode sim message", err)
	}
	return b, nil
}

func decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindProtocol, errs.CodeMalformedEnvelope, "decode sim message", err)
	}
	return nil
}

// syncMessage carries the coordinator's journal to a participant.
type syncMessage struct {
	Events [][]byte `cbor:"1,keyasint"`
}

type node struct {
	index     int
	name      string
	addr      ids.AuthorityID
	device    ids.DeviceID
	priv      ed25519.PrivateKey
	rt        *effects.Runtime
	engine    *threshold.Engine
	journal   *journal.Journal
	router    *router
	responder *ceremony.Responder
	corrupt   bool
}

func (n *node) participant() ceremony.Participant {
	return ceremony.Participant{Device: n.device, Address: n.addr, Key: n.priv.Public().(ed25519.PublicKey)}
}

func (n *node) append(ctx context.Context, p journal.Payload) error {
	ev := n.journal.Prepare(n.device, p)
	if err := ev.SignWithDevice(n.priv); err != nil {
		return err
	}
	return n.journal.Append(ctx, ev)
}

// outcome is what the coordinator saw of the ceremony.
type outcome struct {
	event     *journal.Event
	message   []byte
	signature []byte
	signers   []int
	failure   error
}

// world is one simulation run. The coordinator and each responder run as
// procs over the simulated network; only one of them runs at a time.
type world struct {
	ctx     context.Context
	sc      *Scenario
	sched   *Scheduler
	net     *Network
	trace   *Trace
	logger  *slog.Logger
	account ids.AuthorityID
	dir     *capability.Directory

	// coord drives the ceremony. It is parts[0] for a 1-of-1 account.
	coord *node
	parts []*node
	cfg   threshold.Config
	pub   *frost.PublicKeyPackage

	ceremonies *ceremony.Coordinator
	out        *outcome

	yield   chan struct{}
	current *proc
	procs   []*proc
	closed  bool
}

// nodes lists every device, the coordinator first.
func (w *world) nodes() []*node {
	if w.coord == w.parts[0] {
		return w.parts
	}
	return append([]*node{w.coord}, w.parts...)
}

// byIndex resolves a scenario device reference.
func (w *world) byIndex(i int) *node {
	if i == 0 {
		return w.coord
	}
	return w.parts[i-1]
}

func (w *world) byAddr(a ids.AuthorityID) (*node, bool) {
	for _, n := range w.nodes() {
		if n.addr == a {
			return n, true
		}
	}
	return nil, false
}

func newWorld(ctx context.Context, sc *Scenario, logger *slog.Logger) (*world, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root := effects.NewSeededRandom(sc.Seed)
	sched := NewScheduler(sc.StartMs)
	trace := &Trace{}
	bus := effects.NewMemoryBus(0)
	w := &world{
		ctx:    ctx,
		sc:     sc,
		sched:  sched,
		trace:  trace,
		logger: logger,
		dir:    capability.NewDirectory(),
		yield:  make(chan struct{}),
	}
	w.net = NewNetwork(sched, root.Fork("network"), bus, trace, sc.Network)

	account, err := ids.NewAuthorityID(root.Fork("account"))
	if err != nil {
		return nil, err
	}
	w.account = account

	device := func(index int, name string, r *effects.SeededRandom) (*node, error) {
		addr, err := ids.NewAuthorityID(r)
		if err != nil {
			return nil, err
		}
		dev, err := ids.NewDeviceID(r)
		if err != nil {
			return nil, err
		}
		n := &node{
			index:  index,
			name:   name,
			addr:   addr,
			device: dev,
			priv:   ed25519.NewKeyFromSeed(r.RandomBytes(ed25519.SeedSize)),
		}
		n.rt, err = effects.ForSimulation(sc.Seed, r.Fork("runtime"), sched.Clock(), bus, addr, logger)
		if err != nil {
			return nil, err
		}
		n.engine = threshold.NewEngine(account, addr, n.rt, threshold.WithLogger(logger))
		n.journal = journal.New(account, journal.WithLogger(logger))
		n.router = newRouter(w, n)
		ep, ok := n.rt.Network.(*effects.BusEndpoint)
		if !ok {
			ep = bus.Attach(addr)
		}
		w.net.Attach(addr, name, ep, w.handler(n))
		w.dir.Add(dev, account, n.priv.Public().(ed25519.PublicKey))
		return n, nil
	}

	if !sc.single() {
		if w.coord, err = device(0, "c", root.Fork("coordinator")); err != nil {
			return nil, err
		}
	}
	for i := 1; i <= sc.Participants; i++ {
		n, err := device(i, fmt.Sprintf("p%d", i), root.Fork(fmt.Sprintf("participant/%d", i)))
		if err != nil {
			return nil, err
		}
		w.parts = append(w.parts, n)
	}
	if sc.single() {
		w.coord = w.parts[0]
	} else if err := w.wire(); err != nil {
		return nil, err
	}

	for _, p := range sc.Partitions {
		w.net.Partition(w.byIndex(p.Participant).addr, p.Group)
	}
	for _, b := range sc.Byzantine {
		from := w.parts[b.Participant-1]
		for _, to := range b.DropTo {
			w.net.Drop(from.addr, w.byIndex(to).addr)
		}
		from.corrupt = from.corrupt || b.CorruptShares
	}
	for _, l := range sc.Links {
		w.net.SetLink(w.byIndex(l.From).addr, w.byIndex(l.To).addr, l.Link)
	}
	return w, nil
}

// wire gives the coordinator its ceremony driver and every share holder a
// responder, all routed over the simulated network.
func (w *world) wire() error {
	c := w.coord
	timeout := time.Duration(w.sc.timeout()) * time.Millisecond
	reg := capability.NewRegistry(w.dir)
	tok, err := capability.Issue(c.priv, w.account, c.device, c.device, []capability.Permission{capability.DeviceAuth()}, 0, 0)
	if err != nil {
		return err
	}
	reg.Register(tok)
	w.ceremonies = ceremony.NewCoordinator(w.account, c.participant(), c.priv, c.rt,
		ceremony.WithJournal(c.journal),
		ceremony.WithEngine(c.engine),
		ceremony.WithRouter(c.router),
		ceremony.WithGuard(choreo.CapabilityGuard{Registry: reg, Token: tok, Clock: c.rt.Time}),
		ceremony.WithLogger(w.logger),
		ceremony.WithTimeout(timeout))
	for _, n := range w.parts {
		n.responder = ceremony.NewResponder(w.account, n.participant(), n.priv, n.rt, n.engine, nil, w.dir,
			ceremony.WithResponderRouter(n.router),
			ceremony.WithResponderLogger(w.logger),
			ceremony.WithResponseTimeout(timeout))
	}
	return nil
}

// keygen deals the epoch-1 key set over the share holders and records the
// roster and threshold key in the coordinator's journal. Corrupt holders
// get a damaged copy of their share.
func (w *world) keygen() error {
	addrs := make([]ids.AuthorityID, len(w.parts))
	devices := make([]ids.DeviceID, len(w.parts))
	for i, n := range w.parts {
		addrs[i], devices[i] = n.addr, n.device
	}
	cfg, err := threshold.NewConfig(w.account, 1, w.sc.Threshold, addrs)
	if err != nil {
		return err
	}
	c := w.coord
	ks, err := c.engine.Deal(cfg)
	if err != nil {
		return err
	}
	for i, n := range w.parts {
		kp, ok := ks.Package(frost.Identifier(i + 1))
		if !ok {
			return errs.Newf(errs.KindInternal, errs.CodeInvariant, "dealer produced no package for %d", i+1)
		}
		if n.corrupt && len(kp.SigningShare) > 0 {
			kp.SigningShare[0] ^= 0x01
		}
		if err := n.engine.Install(w.ctx, cfg, &ks.Public, kp); err != nil {
			return err
		}
	}
	if c != w.parts[0] {
		if err := c.engine.Install(w.ctx, cfg, &ks.Public, nil); err != nil {
			return err
		}
	}
	w.cfg, w.pub = cfg, &ks.Public

	for _, n := range w.nodes() {
		err := c.append(w.ctx, journal.NewAddDevice(journal.AddDevice{
			Device: n.device, PublicKey: n.priv.Public().(ed25519.PublicKey), Name: n.name, AddedAt: w.sched.Now(),
		}))
		if err != nil {
			return err
		}
	}
	pubBytes, err := encode(ks.Public)
	if err != nil {
		return err
	}
	session, err := ids.NewSessionID(c.rt.Random.Reader())
	if err != nil {
		return err
	}
	err = c.append(w.ctx, journal.NewCreateSession(journal.CreateSession{
		Session:       session,
		Protocol:      "frost-keygen",
		Epoch:         cfg.Epoch,
		Participants:  devices,
		Threshold:     cfg.Threshold,
		PublicPackage: pubBytes,
		GroupKey:      ks.Public.GroupPublicKey,
	}))
	if err != nil {
		return err
	}
	w.trace.record(w.sched.Now(), TraceNode, c.name, "", "keygen",
		fmt.Sprintf("%d-of-%d %s", cfg.Threshold, cfg.N(), ks.Mode))
	return nil
}

func (w *world) payload() journal.Payload {
	return journal.NewRecordFact("sim.message", journal.BytesValue(w.sc.message()))
}

// start has the coordinator sign the scenario's message as a
// threshold-witnessed journal event.
func (w *world) start() {
	w.trace.record(w.sched.Now(), TraceNode, w.coord.name, "", "ceremony-start", fmt.Sprintf("epoch %d", w.cfg.Epoch))
	if w.pub.Mode == frost.ModeSingleSigner {
		w.signAlone()
		return
	}
	spec := ceremony.Spec{
		Epoch:        w.cfg.Epoch,
		Participants: make([]ceremony.Participant, len(w.parts)),
		Timeout:      time.Duration(w.sc.timeout()) * time.Millisecond,
	}
	for i, n := range w.parts {
		spec.Participants[i] = n.participant()
	}
	w.spawn(w.coord.name, func() {
		ev, commit, err := w.ceremonies.SignEvent(w.ctx, spec, w.payload())
		w.finish(ev, commit, err)
	})
}

// signAlone is the 1-of-1 path: the only device signs without a network
// round and records the ceremony itself.
func (w *world) signAlone() {
	c := w.coord
	id, err := ids.NewCeremonyID(c.rt.Random.Reader())
	if err != nil {
		w.finish(nil, nil, err)
		return
	}
	err = c.append(w.ctx, journal.NewStartCeremony(journal.StartCeremony{
		Ceremony: id, Kind: string(ceremony.KindSigning), Epoch: w.cfg.Epoch, Threshold: w.cfg.Threshold, Participants: []ids.DeviceID{c.device},
	}))
	if err != nil {
		w.finish(nil, nil, err)
		return
	}
	ev := c.journal.Prepare(c.device, w.payload())
	err = func() error {
		msg, err := ev.SealForThreshold(w.cfg.Epoch)
		if err != nil {
			return err
		}
		sig, err := c.engine.SignSingle(w.ctx, w.cfg.Epoch, msg)
		if err != nil {
			return err
		}
		ev.AttachSignature(sig)
		return c.journal.Append(w.ctx, ev)
	}()
	status, reason := journal.CeremonyCommitted, ""
	if err != nil {
		status, reason = journal.CeremonyFailed, string(errs.CodeOf(err))
	}
	if cerr := c.append(w.ctx, journal.NewCompleteCeremony(journal.CompleteCeremony{
		Ceremony: id, Status: status, Epoch: w.cfg.Epoch, Reason: reason,
	})); cerr != nil {
		w.logger.Error("record ceremony outcome", "ceremony_id", id.String(), "error", cerr)
	}
	if err != nil {
		w.finish(nil, nil, err)
		return
	}
	w.finish(ev, &ceremony.Commit{Ceremony: id, Responders: []ids.DeviceID{c.device}}, nil)
}

// finish records the coordinator's result and pushes its journal to every
// share holder.
func (w *world) finish(ev *journal.Event, commit *ceremony.Commit, err error) {
	c := w.coord
	if err != nil {
		w.out = &outcome{failure: err}
		w.trace.record(w.sched.Now(), TraceFail, c.name, "", "ceremony", string(errs.CodeOf(err)))
		w.logger.Warn("simulated ceremony failed", "error", err)
	} else {
		o := &outcome{event: ev, message: ev.SigningBytes(), signature: ev.Witness.Signature}
		for _, d := range commit.Responders {
			for _, n := range w.parts {
				if n.device == d {
					o.signers = append(o.signers, n.index)
				}
			}
		}
		slices.Sort(o.signers)
		w.out = o
		w.trace.record(w.sched.Now(), TraceCommit, c.name, "", "ceremony", ev.Hash.Short())
		w.logger.Info("simulated ceremony committed", "ceremony_id", commit.Ceremony.String(), "event_hash", ev.Hash.String())
	}
	w.sync()
}

func (w *world) handler(n *node) Handler {
	return func(env effects.Envelope) {
		if env.Metadata[metaLabel] == LabelSync {
			if err := w.onSync(n, env.Payload); err != nil {
				w.logger.Warn("simulated sync failed", "node", n.name, "error", err)
				w.trace.record(w.sched.Now(), TraceNode, n.name, "", LabelSync, "error: "+string(errs.CodeOf(err)))
			}
			return
		}
		if n.router.deliver(env) {
			return
		}
		if n.responder == nil {
			w.trace.record(w.sched.Now(), TraceIgnore, w.net.name(env.Source), n.name, labelOf(env), "no open session")
			return
		}
		w.spawn(n.name, func() {
			out, ok := n.responder.Handle(w.ctx, env)
			if !ok {
				return
			}
			detail := "completed"
			if out.Err != nil {
				detail = "error: " + string(errs.CodeOf(out.Err))
			}
			w.trace.record(w.sched.Now(), TraceNode, n.name, "", "outcome", detail)
		})
	}
}

// sync sends the coordinator's whole journal to every share holder.
func (w *world) sync() {
	c := w.coord
	events := c.journal.Events()
	encoded := make([][]byte, 0, len(events))
	for _, ev := range events {
		b, err := ev.Encode()
		if err != nil {
			w.logger.Error("encode journal event", "event_hash", ev.Hash.String(), "error", err)
			return
		}
		encoded = append(encoded, b)
	}
	payload, err := encode(syncMessage{Events: encoded})
	if err != nil {
		w.logger.Error("encode journal sync", "error", err)
		return
	}
	for _, n := range w.parts {
		if n == c {
			continue
		}
		w.net.Send(effects.Envelope{
			Source:      c.addr,
			Destination: n.addr,
			Metadata:    map[string]string{metaLabel: LabelSync},
			Payload:     payload,
		})
	}
}

func (w *world) onSync(n *node, payload []byte) error {
	var m syncMessage
	if err := decode(payload, &m); err != nil {
		return err
	}
	events := make([]*journal.Event, 0, len(m.Events))
	for _, b := range m.Events {
		ev, err := journal.Decode(b)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	if err := n.journal.MergeEvents(w.ctx, events); err != nil {
		return err
	}
	w.trace.record(w.sched.Now(), TraceNode, n.name, "", "merged", fmt.Sprintf("%d events", n.journal.Len()))
	return nil
}
