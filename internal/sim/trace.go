package sim

import (
	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

// Trace event kinds.
const (
	TraceSend    = "send"
	TraceDeliver = "deliver"
	TraceDrop    = "drop"
	TraceNode    = "node"
	TraceCommit  = "commit"
	TraceFail    = "fail"
	TraceIgnore  = "ignore"
)

// TraceEvent is one step of a run.
type TraceEvent struct {
	Seq    int    `json:"seq"`
	At     int64  `json:"at"`
	Kind   string `json:"kind"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Label  string `json:"label,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{"seq": e.Seq, "at": e.At, "kind": e.Kind}
	for k, v := range map[string]string{"from": e.From, "to": e.To, "label": e.Label, "detail": e.Detail} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

// Trace is the ordered record of a run.
type Trace struct {
	events []TraceEvent
}

func (t *Trace) record(at int64, kind, from, to, label, detail string) {
	t.events = append(t.events, TraceEvent{
		Seq: len(t.events) + 1, At: at, Kind: kind, From: from, To: to, Label: label, Detail: detail,
	})
}

// Events returns the recorded events in order.
func (t *Trace) Events() []TraceEvent { return t.events }

// Count returns how many events have kind and, if label is non-empty,
// that label.
func (t *Trace) Count(kind, label string) int {
	n := 0
	for _, e := range t.events {
		if e.Kind == kind && (label == "" || e.Label == label) {
			n++
		}
	}
	return n
}

// MarshalCanonical renders a trace snapshot as canonical JSON.
func MarshalCanonical(scenario string, events []TraceEvent) ([]byte, error) {
	list := make([]any, len(events))
	for i, e := range events {
		list[i] = e.canonical()
	}
	return canonical.Marshal(map[string]any{"scenario_name": scenario, "trace": list})
}

// Digest hashes the canonical snapshot.
func Digest(scenario string, events []TraceEvent) (ids.Hash, error) {
	b, err := MarshalCanonical(scenario, events)
	if err != nil {
		return ids.Hash{}, err
	}
	return canonical.HashWithDomain(canonical.DomainTrace, b), nil
}
