package journal

import (
	"slices"
	"strconv"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

// FactValueKind tags the FactValue union.
type FactValueKind uint8

const (
	FactString FactValueKind = iota + 1
	FactNumber
	FactBytes
	FactSet
	FactNested
)

// FactValue is the closed sum {string, number, bytes, set-of-string,
// nested fact}.
type FactValue struct {
	Kind   FactValueKind `cbor:"1,keyasint"`
	Str    string        `cbor:"2,keyasint,omitempty"`
	Num    int64         `cbor:"3,keyasint,omitempty"`
	Bytes  []byte        `cbor:"4,keyasint,omitempty"`
	Set    []string      `cbor:"5,keyasint,omitempty"`
	Nested *NestedFact   `cbor:"6,keyasint,omitempty"`
}

// NestedFact is a predicate/value pair carried inside a FactValue.
type NestedFact struct {
	Predicate string    `cbor:"1,keyasint"`
	Value     FactValue `cbor:"2,keyasint"`
}

func StringValue(s string) FactValue { return FactValue{Kind: FactString, Str: s} }
func NumberValue(n int64) FactValue  { return FactValue{Kind: FactNumber, Num: n} }
func BytesValue(b []byte) FactValue  { return FactValue{Kind: FactBytes, Bytes: slices.Clone(b)} }

// SetValue sorts and deduplicates its members.
func SetValue(members ...string) FactValue {
	s := slices.Clone(members)
	slices.Sort(s)
	return FactValue{Kind: FactSet, Set: slices.Compact(s)}
}

func NestedValue(predicate string, v FactValue) FactValue {
	return FactValue{Kind: FactNested, Nested: &NestedFact{Predicate: predicate, Value: v}}
}

// Canonical returns the value's canonical JSON shape.
func (v FactValue) Canonical() map[string]any {
	switch v.Kind {
	case FactString:
		return map[string]any{"string": v.Str}
	case FactNumber:
		return map[string]any{"number": v.Num}
	case FactBytes:
		return map[string]any{"bytes": v.Bytes}
	case FactSet:
		return map[string]any{"set": v.Set}
	case FactNested:
		if v.Nested == nil {
			return map[string]any{"nested": map[string]any{}}
		}
		return map[string]any{"nested": map[string]any{
			"predicate": v.Nested.Predicate,
			"value":     v.Nested.Value.Canonical(),
		}}
	}
	return map[string]any{"unknown": int64(v.Kind)}
}

// Fact is a semantic tuple extracted from an event.
type Fact struct {
	ID        ids.Hash
	Predicate string
	Value     FactValue
	Authority ids.AuthorityID
	Lamport   uint64
	Event     ids.Hash
}

func newFact(ev *Event, predicate string, v FactValue) Fact {
	f := Fact{
		Predicate: predicate,
		Value:     v,
		Authority: ev.Authority,
		Lamport:   ev.Timestamp.Lamport,
		Event:     ev.Hash,
	}
	f.ID = canonical.HashWithDomain(canonical.DomainFact, canonical.MustMarshal(f.canonical()))
	return f
}

func (f Fact) canonical() map[string]any {
	return map[string]any{
		"predicate": f.Predicate,
		"value":     f.Value.Canonical(),
		"authority": f.Authority.String(),
		"lamport":   f.Lamport,
		"event":     f.Event.String(),
	}
}

// Facts extracts the facts an event yields. Every payload yields at least one.
func Facts(ev *Event) []Fact {
	p := ev.Payload
	one := func(pred string, v FactValue) []Fact { return []Fact{newFact(ev, pred, v)} }
	switch p.Kind {
	case KindAddDevice:
		return []Fact{
			newFact(ev, "device.added", StringValue(p.AddDevice.Device.String())),
			newFact(ev, "device.key", NestedValue(p.AddDevice.Device.String(), BytesValue(p.AddDevice.PublicKey))),
		}
	case KindRemoveDevice:
		return one("device.removed", StringValue(p.RemoveDevice.Device.String()))
	case KindUpdateNonce:
		return one("device.nonce", NestedValue(p.UpdateNonce.Device.String(), NumberValue(int64(p.UpdateNonce.Nonce))))
	case KindCreateSession:
		return one("session.created", NestedValue(p.CreateSession.Session.String(), StringValue(p.CreateSession.Protocol)))
	case KindUpdateSession:
		return one("session.updated", NestedValue(p.UpdateSession.Session.String(), NumberValue(int64(p.UpdateSession.Status))))
	case KindDeleteSession:
		return one("session.deleted", StringValue(p.DeleteSession.Session.String()))
	case KindDelegateCapability:
		return []Fact{
			newFact(ev, "capability.delegated", StringValue(p.DelegateCapability.Capability.String())),
			newFact(ev, "capability.scope", SetValue(p.DelegateCapability.Scope...)),
		}
	case KindRevokeCapability:
		return one("capability.revoked", StringValue(p.RevokeCapability.Capability.String()))
	case KindAddGroupMember:
		return one("group.member.added", NestedValue(p.AddGroupMember.Group.String(), StringValue(p.AddGroupMember.Member.String())))
	case KindRemoveGroupMember:
		return one("group.member.removed", NestedValue(p.RemoveGroupMember.Group.String(), StringValue(p.RemoveGroupMember.Member.String())))
	case KindRekeyEpoch:
		return one("epoch.rekeyed", NestedValue(p.RekeyEpoch.Group.String(), NumberValue(int64(p.RekeyEpoch.Epoch))))
	case KindRecordFact:
		return one(p.RecordFact.Predicate, p.RecordFact.Value)
	case KindAddGuardian:
		return one("guardian.added", StringValue(p.AddGuardian.Guardian.String()))
	case KindStartCeremony:
		return one("ceremony.started", NestedValue(p.StartCeremony.Ceremony.String(), StringValue(p.StartCeremony.Kind)))
	case KindCompleteCeremony:
		return one("ceremony."+p.CompleteCeremony.Status.String(), NestedValue(p.CompleteCeremony.Ceremony.String(), NumberValue(int64(p.CompleteCeremony.Epoch))))
	case KindTombstone:
		return one("event.tombstoned", StringValue(p.Tombstone.Target.String()))
	}
	return one("event.unknown", StringValue(strconv.Itoa(int(p.Kind))))
}
