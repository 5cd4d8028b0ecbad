package journal

import (
	"maps"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/aura/internal/ids"
)

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VectorClock maps each device to the number of events it has authored
// that are in the causal past. Absent entries are zero.
type VectorClock map[ids.DeviceID]uint64

// Get returns the counter for d.
func (v VectorClock) Get(d ids.DeviceID) uint64 { return v[d] }

// Clone returns an independent copy.
func (v VectorClock) Clone() VectorClock {
	if v == nil {
		return VectorClock{}
	}
	return maps.Clone(v)
}

// Tick returns a copy with d's counter incremented.
func (v VectorClock) Tick(d ids.DeviceID) VectorClock {
	out := v.Clone()
	out[d]++
	return out
}

// Merge returns the pointwise maximum of v and o.
func (v VectorClock) Merge(o VectorClock) VectorClock {
	out := v.Clone()
	for d, n := range o {
		if n > out[d] {
			out[d] = n
		}
	}
	return out
}

// Compare reports how v relates to o.
func (v VectorClock) Compare(o VectorClock) Ordering {
	less, greater := false, false
	for d := range unionKeys(v, o) {
		a, b := v[d], o[d]
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// HappensBefore reports v < o.
func (v VectorClock) HappensBefore(o VectorClock) bool { return v.Compare(o) == Before }

func unionKeys(a, b VectorClock) map[ids.DeviceID]struct{} {
	out := make(map[ids.DeviceID]struct{}, len(a)+len(b))
	for d := range a {
		out[d] = struct{}{}
	}
	for d := range b {
		out[d] = struct{}{}
	}
	return out
}

// Devices returns the devices with non-zero counters, ascending.
func (v VectorClock) Devices() []ids.DeviceID {
	out := make([]ids.DeviceID, 0, len(v))
	for d, n := range v {
		if n > 0 {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, ids.DeviceID.Compare)
	return out
}

type clockEntry struct {
	_      struct{}     `cbor:",toarray"`
	Device ids.DeviceID
	Count  uint64
}

// MarshalCBOR encodes the clock as a device-sorted array of pairs,
// omitting zero counters.
func (v VectorClock) MarshalCBOR() ([]byte, error) {
	entries := make([]clockEntry, 0, len(v))
	for _, d := range v.Devices() {
		entries = append(entries, clockEntry{Device: d, Count: v[d]})
	}
	return encMode.Marshal(entries)
}

func (v *VectorClock) UnmarshalCBOR(data []byte) error {
	var entries []clockEntry
	if err := decMode.Unmarshal(data, &entries); err != nil {
		return err
	}
	out := make(VectorClock, len(entries))
	for _, e := range entries {
		out[e.Device] = e.Count
	}
	*v = out
	return nil
}

// Timestamp is an event's logical time.
type Timestamp struct {
	Clock   VectorClock `cbor:"1,keyasint"`
	Lamport uint64      `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("journal: cbor enc mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: cbor dec mode: " + err.Error())
	}
}
