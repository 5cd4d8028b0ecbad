package sim

import (
	"context"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/ids"
)

// Link shapes traffic between two devices.
type Link struct {
	DelayMs  int64   `yaml:"delay_ms"`
	JitterMs int64   `yaml:"jitter_ms"`
	Loss     float64 `yaml:"loss"`
}

// Handler receives envelopes delivered to a device.
type Handler func(env effects.Envelope)

type linkKey struct{ from, to ids.AuthorityID }

// labelOf names an envelope in the trace: its choreography message, or the
// simulator's own label.
func labelOf(env effects.Envelope) string {
	if l := env.Metadata[choreo.HeaderMessage]; l != "" {
		return l
	}
	return env.Metadata[metaLabel]
}

// Network delivers envelopes through a MemoryBus on the scheduler's
// clock. Devices in different partitions cannot reach each other, and
// per-link FIFO order holds under jitter.
type Network struct {
	sched     *Scheduler
	rand      *effects.SeededRandom
	bus       *effects.MemoryBus
	trace     *Trace
	link      Link
	overrides map[linkKey]Link
	partition map[ids.AuthorityID]int
	drops     map[linkKey]bool
	endpoints map[ids.AuthorityID]*effects.BusEndpoint
	handlers  map[ids.AuthorityID]Handler
	names     map[ids.AuthorityID]string
	lastAt    map[linkKey]int64
}

// NewNetwork returns a network applying link to every pair.
func NewNetwork(sched *Scheduler, rand *effects.SeededRandom, bus *effects.MemoryBus, trace *Trace, link Link) *Network {
	return &Network{
		sched:     sched,
		rand:      rand,
		bus:       bus,
		trace:     trace,
		link:      link,
		overrides: make(map[linkKey]Link),
		partition: make(map[ids.AuthorityID]int),
		drops:     make(map[linkKey]bool),
		endpoints: make(map[ids.AuthorityID]*effects.BusEndpoint),
		handlers:  make(map[ids.AuthorityID]Handler),
		names:     make(map[ids.AuthorityID]string),
		lastAt:    make(map[linkKey]int64),
	}
}

// Attach registers a device and the handler its deliveries go to. The
// endpoint is the one the device's runtime uses.
func (n *Network) Attach(addr ids.AuthorityID, name string, ep *effects.BusEndpoint, h Handler) {
	n.endpoints[addr] = ep
	n.handlers[addr] = h
	n.names[addr] = name
}

// Partition places addr in partition group. Group 0 is the default.
func (n *Network) Partition(addr ids.AuthorityID, group int) { n.partition[addr] = group }

// Drop makes from silently discard everything it sends to to.
func (n *Network) Drop(from, to ids.AuthorityID) { n.drops[linkKey{from, to}] = true }

// SetLink overrides the shaping of the from->to direction.
func (n *Network) SetLink(from, to ids.AuthorityID, l Link) { n.overrides[linkKey{from, to}] = l }

func (n *Network) name(a ids.AuthorityID) string {
	if s, ok := n.names[a]; ok {
		return s
	}
	return a.String()
}

// Send schedules env from its source to its destination, or drops it.
// The loss draw happens for every send so that the random stream does not
// depend on which messages a partition removed.
func (n *Network) Send(env effects.Envelope) {
	key := linkKey{env.Source, env.Destination}
	l, ok := n.overrides[key]
	if !ok {
		l = n.link
	}
	lost := l.Loss > 0 && float64(n.rand.RandomU64()>>11)/(1<<53) < l.Loss
	jitter := int64(0)
	if l.JitterMs > 0 {
		jitter = int64(n.rand.RandomRange(0, uint64(l.JitterMs)+1))
	}
	from, to, label := n.name(env.Source), n.name(env.Destination), labelOf(env)

	switch {
	case n.partition[env.Source] != n.partition[env.Destination]:
		n.trace.record(n.sched.Now(), TraceDrop, from, to, label, "partition")
		return
	case n.drops[key]:
		n.trace.record(n.sched.Now(), TraceDrop, from, to, label, "byzantine")
		return
	case lost:
		n.trace.record(n.sched.Now(), TraceDrop, from, to, label, "loss")
		return
	}

	at := n.sched.Now() + l.DelayMs + jitter
	if last := n.lastAt[key]; at < last {
		at = last
	}
	n.lastAt[key] = at
	n.trace.record(n.sched.Now(), TraceSend, from, to, label, "")
	n.sched.At(at, func() { n.deliver(env) })
}

func (n *Network) deliver(env effects.Envelope) {
	from, to, label := n.name(env.Source), n.name(env.Destination), labelOf(env)
	src, ok := n.endpoints[env.Source]
	h := n.handlers[env.Destination]
	if !ok || h == nil {
		n.trace.record(n.sched.Now(), TraceDrop, from, to, label, "unattached")
		return
	}
	if err := src.Send(context.Background(), env); err != nil {
		n.trace.record(n.sched.Now(), TraceDrop, from, to, label, "bus: "+err.Error())
		return
	}
	got, ok := n.endpoints[env.Destination].TryReceive()
	if !ok {
		return
	}
	n.trace.record(n.sched.Now(), TraceDeliver, from, to, label, "")
	h(got)
}
