package journal

import (
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// PayloadKind discriminates the closed set of event payloads.
type PayloadKind uint8

const (
	KindAddDevice PayloadKind = iota + 1
	KindRemoveDevice
	KindUpdateNonce
	KindCreateSession
	KindUpdateSession
	KindDeleteSession
	KindDelegateCapability
	KindRevokeCapability
	KindAddGroupMember
	KindRemoveGroupMember
	KindRekeyEpoch
	KindRecordFact
	KindAddGuardian
	KindStartCeremony
	KindCompleteCeremony
	KindTombstone
)

var kindNames = map[PayloadKind]string{
	KindAddDevice:          "add_device",
	KindRemoveDevice:       "remove_device",
	KindUpdateNonce:        "update_nonce",
	KindCreateSession:      "create_session",
	KindUpdateSession:      "update_session",
	KindDeleteSession:      "delete_session",
	KindDelegateCapability: "delegate_capability",
	KindRevokeCapability:   "revoke_capability",
	KindAddGroupMember:     "add_group_member",
	KindRemoveGroupMember:  "remove_group_member",
	KindRekeyEpoch:         "rekey_epoch",
	KindRecordFact:         "record_fact",
	KindAddGuardian:        "add_guardian",
	KindStartCeremony:      "start_ceremony",
	KindCompleteCeremony:   "complete_ceremony",
	KindTombstone:          "tombstone",
}

func (k PayloadKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// AddDevice registers a device key with the authority.
type AddDevice struct {
	Device    ids.DeviceID `cbor:"1,keyasint"`
	PublicKey []byte       `cbor:"2,keyasint"`
	Name      string       `cbor:"3,keyasint"`
	AddedAt   int64        `cbor:"4,keyasint"`
}

// RemoveDevice tombstones a device.
type RemoveDevice struct {
	Device ids.DeviceID `cbor:"1,keyasint"`
}

// UpdateNonce advances a device's nonce without other effect.
type UpdateNonce struct {
	Device ids.DeviceID `cbor:"1,keyasint"`
	Nonce  uint64       `cbor:"2,keyasint"`
}

// SessionStatus is monotone: Active < Committed < Closed.
type SessionStatus uint8

const (
	SessionActive SessionStatus = iota + 1
	SessionCommitted
	SessionClosed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionCommitted:
		return "committed"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CreateSession records a session and, for threshold sessions, the public
// key package of the epoch it establishes.
type CreateSession struct {
	Session       ids.SessionID  `cbor:"1,keyasint"`
	Protocol      string         `cbor:"2,keyasint"`
	Epoch         uint64         `cbor:"3,keyasint"`
	Participants  []ids.DeviceID `cbor:"4,keyasint"`
	Threshold     uint16         `cbor:"5,keyasint"`
	PublicPackage []byte         `cbor:"6,keyasint,omitempty"`
	GroupKey      []byte         `cbor:"7,keyasint,omitempty"`
}

// UpdateSession moves a session forward.
type UpdateSession struct {
	Session       ids.SessionID `cbor:"1,keyasint"`
	Status        SessionStatus `cbor:"2,keyasint"`
	Epoch         uint64        `cbor:"3,keyasint"`
	PublicPackage []byte        `cbor:"4,keyasint,omitempty"`
	GroupKey      []byte        `cbor:"5,keyasint,omitempty"`
	Threshold     uint16        `cbor:"6,keyasint,omitempty"`
	Participants  uint16        `cbor:"7,keyasint,omitempty"`
}

// DeleteSession removes a session from the active registry.
type DeleteSession struct {
	Session ids.SessionID `cbor:"1,keyasint"`
}

// DelegateCapability records a delegation. Token is the encoded capability
// token; the other fields are its indexable header.
type DelegateCapability struct {
	Capability ids.CapabilityID `cbor:"1,keyasint"`
	Parent     ids.CapabilityID `cbor:"2,keyasint"`
	Issuer     ids.AuthorityID  `cbor:"3,keyasint"`
	Holder     ids.DeviceID     `cbor:"4,keyasint"`
	Scope      []string         `cbor:"5,keyasint"`
	Token      []byte           `cbor:"6,keyasint"`
}

// RevokeCapability adds a capability id to the revocation set.
type RevokeCapability struct {
	Capability ids.CapabilityID `cbor:"1,keyasint"`
	Reason     string           `cbor:"2,keyasint,omitempty"`
}

// AddGroupMember adds a device to a group roster.
type AddGroupMember struct {
	Group  ids.ContextID `cbor:"1,keyasint"`
	Member ids.DeviceID  `cbor:"2,keyasint"`
}

// RemoveGroupMember removes a device from a group roster.
type RemoveGroupMember struct {
	Group  ids.ContextID `cbor:"1,keyasint"`
	Member ids.DeviceID  `cbor:"2,keyasint"`
}

// RekeyEpoch advances a group's (or, with a zero group, the account's)
// session epoch.
type RekeyEpoch struct {
	Group ids.ContextID `cbor:"1,keyasint"`
	Epoch uint64        `cbor:"2,keyasint"`
}

// RecordFact stores an application fact.
type RecordFact struct {
	Predicate string    `cbor:"1,keyasint"`
	Value     FactValue `cbor:"2,keyasint"`
}

// AddGuardian registers a recovery guardian.
type AddGuardian struct {
	Guardian  ids.AuthorityID `cbor:"1,keyasint"`
	PublicKey []byte          `cbor:"2,keyasint"`
	// Threshold, when non-zero, sets the recovery m-of-n.
	Threshold uint16 `cbor:"3,keyasint,omitempty"`
}

// CeremonyStatus is monotone: Started < Committed, Started < Failed.
type CeremonyStatus uint8

const (
	CeremonyStarted CeremonyStatus = iota + 1
	CeremonyCommitted
	CeremonyFailed
)

func (s CeremonyStatus) String() string {
	switch s {
	case CeremonyStarted:
		return "started"
	case CeremonyCommitted:
		return "committed"
	case CeremonyFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StartCeremony records a ceremony opening.
type StartCeremony struct {
	Ceremony     ids.CeremonyID `cbor:"1,keyasint"`
	Kind         string         `cbor:"2,keyasint"`
	Epoch        uint64         `cbor:"3,keyasint"`
	Threshold    uint16         `cbor:"4,keyasint"`
	Participants []ids.DeviceID `cbor:"5,keyasint"`
}

// CompleteCeremony records a ceremony outcome.
type CompleteCeremony struct {
	Ceremony ids.CeremonyID `cbor:"1,keyasint"`
	Status   CeremonyStatus `cbor:"2,keyasint"`
	Epoch    uint64         `cbor:"3,keyasint"`
	Reason   string         `cbor:"4,keyasint,omitempty"`
}

// Tombstone retracts an earlier event by hash. Tombstones are grow-only.
type Tombstone struct {
	Target ids.Hash `cbor:"1,keyasint"`
	Reason string   `cbor:"2,keyasint,omitempty"`
}

// Payload is the tagged union of event bodies. Exactly the field matching
// Kind is set.
type Payload struct {
	Kind PayloadKind `cbor:"1,keyasint"`

	AddDevice          *AddDevice          `cbor:"2,keyasint,omitempty"`
	RemoveDevice       *RemoveDevice       `cbor:"3,keyasint,omitempty"`
	UpdateNonce        *UpdateNonce        `cbor:"4,keyasint,omitempty"`
	CreateSession      *CreateSession      `cbor:"5,keyasint,omitempty"`
	UpdateSession      *UpdateSession      `cbor:"6,keyasint,omitempty"`
	DeleteSession      *DeleteSession      `cbor:"7,keyasint,omitempty"`
	DelegateCapability *DelegateCapability `cbor:"8,keyasint,omitempty"`
	RevokeCapability   *RevokeCapability   `cbor:"9,keyasint,omitempty"`
	AddGroupMember     *AddGroupMember     `cbor:"10,keyasint,omitempty"`
	RemoveGroupMember  *RemoveGroupMember  `cbor:"11,keyasint,omitempty"`
	RekeyEpoch         *RekeyEpoch         `cbor:"12,keyasint,omitempty"`
	RecordFact         *RecordFact         `cbor:"13,keyasint,omitempty"`
	AddGuardian        *AddGuardian        `cbor:"14,keyasint,omitempty"`
	StartCeremony      *StartCeremony      `cbor:"15,keyasint,omitempty"`
	CompleteCeremony   *CompleteCeremony   `cbor:"16,keyasint,omitempty"`
	Tombstone          *Tombstone          `cbor:"17,keyasint,omitempty"`
}

func (p Payload) body() any {
	switch p.Kind {
	case KindAddDevice:
		return p.AddDevice
	case KindRemoveDevice:
		return p.RemoveDevice
	case KindUpdateNonce:
		return p.UpdateNonce
	case KindCreateSession:
		return p.CreateSession
	case KindUpdateSession:
		return p.UpdateSession
	case KindDeleteSession:
		return p.DeleteSession
	case KindDelegateCapability:
		return p.DelegateCapability
	case KindRevokeCapability:
		return p.RevokeCapability
	case KindAddGroupMember:
		return p.AddGroupMember
	case KindRemoveGroupMember:
		return p.RemoveGroupMember
	case KindRekeyEpoch:
		return p.RekeyEpoch
	case KindRecordFact:
		return p.RecordFact
	case KindAddGuardian:
		return p.AddGuardian
	case KindStartCeremony:
		return p.StartCeremony
	case KindCompleteCeremony:
		return p.CompleteCeremony
	case KindTombstone:
		return p.Tombstone
	}
	return nil
}

// Validate checks that exactly the variant named by Kind is present.
func (p Payload) Validate() error {
	set := 0
	for _, b := range []bool{
		p.AddDevice != nil, p.RemoveDevice != nil, p.UpdateNonce != nil,
		p.CreateSession != nil, p.UpdateSession != nil, p.DeleteSession != nil,
		p.DelegateCapability != nil, p.RevokeCapability != nil,
		p.AddGroupMember != nil, p.RemoveGroupMember != nil, p.RekeyEpoch != nil,
		p.RecordFact != nil, p.AddGuardian != nil, p.StartCeremony != nil,
		p.CompleteCeremony != nil, p.Tombstone != nil,
	} {
		if b {
			set++
		}
	}
	if set != 1 {
		return errs.Newf(errs.KindValidation, errs.CodeInvalid, "payload has %d bodies, want 1", set)
	}
	if isNilPtr(p.body()) {
		return errs.Newf(errs.KindValidation, errs.CodeInvalid, "payload kind %s has no matching body", p.Kind)
	}
	return nil
}

func isNilPtr(v any) bool {
	switch b := v.(type) {
	case *AddDevice:
		return b == nil
	case *RemoveDevice:
		return b == nil
	case *UpdateNonce:
		return b == nil
	case *CreateSession:
		return b == nil
	case *UpdateSession:
		return b == nil
	case *DeleteSession:
		return b == nil
	case *DelegateCapability:
		return b == nil
	case *RevokeCapability:
		return b == nil
	case *AddGroupMember:
		return b == nil
	case *RemoveGroupMember:
		return b == nil
	case *RekeyEpoch:
		return b == nil
	case *RecordFact:
		return b == nil
	case *AddGuardian:
		return b == nil
	case *StartCeremony:
		return b == nil
	case *CompleteCeremony:
		return b == nil
	case *Tombstone:
		return b == nil
	}
	return true
}

// Constructors for each variant.

func NewAddDevice(b AddDevice) Payload {
	return Payload{Kind: KindAddDevice, AddDevice: &b}
}

func NewRemoveDevice(d ids.DeviceID) Payload {
	return Payload{Kind: KindRemoveDevice, RemoveDevice: &RemoveDevice{Device: d}}
}

func NewUpdateNonce(d ids.DeviceID, n uint64) Payload {
	return Payload{Kind: KindUpdateNonce, UpdateNonce: &UpdateNonce{Device: d, Nonce: n}}
}

func NewCreateSession(b CreateSession) Payload {
	return Payload{Kind: KindCreateSession, CreateSession: &b}
}

func NewUpdateSession(b UpdateSession) Payload {
	return Payload{Kind: KindUpdateSession, UpdateSession: &b}
}

func NewDeleteSession(s ids.SessionID) Payload {
	return Payload{Kind: KindDeleteSession, DeleteSession: &DeleteSession{Session: s}}
}

func NewDelegateCapability(b DelegateCapability) Payload {
	return Payload{Kind: KindDelegateCapability, DelegateCapability: &b}
}

func NewRevokeCapability(c ids.CapabilityID, reason string) Payload {
	return Payload{Kind: KindRevokeCapability, RevokeCapability: &RevokeCapability{Capability: c, Reason: reason}}
}

func NewAddGroupMember(g ids.ContextID, m ids.DeviceID) Payload {
	return Payload{Kind: KindAddGroupMember, AddGroupMember: &AddGroupMember{Group: g, Member: m}}
}

func NewRemoveGroupMember(g ids.ContextID, m ids.DeviceID) Payload {
	return Payload{Kind: KindRemoveGroupMember, RemoveGroupMember: &RemoveGroupMember{Group: g, Member: m}}
}

func NewRekeyEpoch(g ids.ContextID, epoch uint64) Payload {
	return Payload{Kind: KindRekeyEpoch, RekeyEpoch: &RekeyEpoch{Group: g, Epoch: epoch}}
}

func NewRecordFact(predicate string, v FactValue) Payload {
	return Payload{Kind: KindRecordFact, RecordFact: &RecordFact{Predicate: predicate, Value: v}}
}

func NewAddGuardian(b AddGuardian) Payload {
	return Payload{Kind: KindAddGuardian, AddGuardian: &b}
}

func NewStartCeremony(b StartCeremony) Payload {
	return Payload{Kind: KindStartCeremony, StartCeremony: &b}
}

func NewCompleteCeremony(b CompleteCeremony) Payload {
	return Payload{Kind: KindCompleteCeremony, CompleteCeremony: &b}
}

func NewTombstone(target ids.Hash, reason string) Payload {
	return Payload{Kind: KindTombstone, Tombstone: &Tombstone{Target: target, Reason: reason}}
}
