package journal

import (
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/btree"

	"github.com/roach88/aura/internal/ids"
)

// DefaultBloomCapacity and DefaultBloomFalsePositive size the membership
// filter.
const (
	DefaultBloomCapacity      = 10_000
	DefaultBloomFalsePositive = 0.01
)

type factKey struct {
	predicate string
	lamport   uint64
	id        ids.Hash
}

func lessFact(a, b factKey) bool {
	if a.predicate != b.predicate {
		return a.predicate < b.predicate
	}
	if a.lamport != b.lamport {
		return a.lamport < b.lamport
	}
	return a.id.Compare(b.id) < 0
}

type authorityKey struct {
	authority ids.AuthorityID
	id        ids.Hash
}

func lessAuthority(a, b authorityKey) bool {
	if c := a.authority.Compare(b.authority); c != 0 {
		return c < 0
	}
	return a.id.Compare(b.id) < 0
}

type eventKey struct {
	lamport uint64
	hash    ids.Hash
}

func lessEvent(a, b eventKey) bool {
	if a.lamport != b.lamport {
		return a.lamport < b.lamport
	}
	return a.hash.Compare(b.hash) < 0
}

// index holds the journal's secondary structures. It is rebuilt from the
// event set on demand and carries no authority of its own.
type index struct {
	byPredicate *btree.BTreeG[factKey]
	byAuthority *btree.BTreeG[authorityKey]
	byTime      *btree.BTreeG[eventKey]
	factIDs     *btree.BTreeG[ids.Hash]
	facts       map[ids.Hash]Fact
	filter      *bloom.BloomFilter

	bloomN  uint
	bloomFP float64
}

func newIndex(n uint, fp float64) *index {
	return &index{
		byPredicate: btree.NewG(32, lessFact),
		byAuthority: btree.NewG(32, lessAuthority),
		byTime:      btree.NewG(32, lessEvent),
		factIDs:     btree.NewG(32, func(a, b ids.Hash) bool { return a.Compare(b) < 0 }),
		facts:       make(map[ids.Hash]Fact),
		filter:      bloom.NewWithEstimates(n, fp),
		bloomN:      n,
		bloomFP:     fp,
	}
}

func (x *index) add(ev *Event) {
	x.byTime.ReplaceOrInsert(eventKey{lamport: ev.Timestamp.Lamport, hash: ev.Hash})
	x.filter.Add(ev.Hash[:])
	for _, f := range Facts(ev) {
		x.facts[f.ID] = f
		x.factIDs.ReplaceOrInsert(f.ID)
		x.byPredicate.ReplaceOrInsert(factKey{predicate: f.Predicate, lamport: f.Lamport, id: f.ID})
		x.byAuthority.ReplaceOrInsert(authorityKey{authority: f.Authority, id: f.ID})
	}
}

func (x *index) remove(ev *Event) {
	x.byTime.Delete(eventKey{lamport: ev.Timestamp.Lamport, hash: ev.Hash})
	for _, f := range Facts(ev) {
		delete(x.facts, f.ID)
		x.factIDs.Delete(f.ID)
		x.byPredicate.Delete(factKey{predicate: f.Predicate, lamport: f.Lamport, id: f.ID})
		x.byAuthority.Delete(authorityKey{authority: f.Authority, id: f.ID})
	}
	// Bloom filters cannot forget; rebuild from the surviving events.
	x.filter = bloom.NewWithEstimates(x.bloomN, x.bloomFP)
	x.byTime.Ascend(func(k eventKey) bool {
		x.filter.Add(k.hash[:])
		return true
	})
}

func (x *index) mightContain(h ids.Hash) bool { return x.filter.Test(h[:]) }

func (x *index) factsByPredicate(predicate string) []Fact {
	var out []Fact
	x.byPredicate.AscendGreaterOrEqual(factKey{predicate: predicate}, func(k factKey) bool {
		if k.predicate != predicate {
			return false
		}
		out = append(out, x.facts[k.id])
		return true
	})
	return out
}

func (x *index) factsByAuthority(a ids.AuthorityID) []Fact {
	var out []Fact
	x.byAuthority.AscendGreaterOrEqual(authorityKey{authority: a}, func(k authorityKey) bool {
		if k.authority != a {
			return false
		}
		out = append(out, x.facts[k.id])
		return true
	})
	return out
}

// sortedFactIDs returns every fact id ascending; these are the Merkle leaves.
func (x *index) sortedFactIDs() []ids.Hash {
	out := make([]ids.Hash, 0, x.factIDs.Len())
	x.factIDs.Ascend(func(h ids.Hash) bool {
		out = append(out, h)
		return true
	})
	return out
}

// eventsInRange returns hashes with lamport in [from, to), in order.
func (x *index) eventsInRange(from, to uint64) []ids.Hash {
	var out []ids.Hash
	x.byTime.AscendRange(eventKey{lamport: from}, eventKey{lamport: to}, func(k eventKey) bool {
		out = append(out, k.hash)
		return true
	})
	return out
}

// ordered returns every event hash in (lamport, hash) order.
func (x *index) ordered() []ids.Hash {
	out := make([]ids.Hash, 0, x.byTime.Len())
	x.byTime.Ascend(func(k eventKey) bool {
		out = append(out, k.hash)
		return true
	})
	return out
}
