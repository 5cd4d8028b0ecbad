// Package recovery tracks guardian-assisted recovery. The lifecycle of
// guardian setups, guardian membership proposals and recovery operations
// is recorded as journal facts and reduced to a State; a recovery secret
// can be escrowed across guardians and reconstructed from their shares.
package recovery

import (
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("recovery: cbor enc mode: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("recovery: cbor dec mode: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInvariant, "encode recovery record", err)
	}
	return b, nil
}

func decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.KindValidation, errs.CodeInvalid, "decode recovery record", err)
	}
	return nil
}

// Prefix starts the predicate of every recovery fact.
const Prefix = "recovery."

// FactKind is the lifecycle step a fact records. The predicate of a fact
// is Prefix followed by its kind.
type FactKind string

const (
	SetupInitiated   FactKind = "guardian-setup-initiated"
	InvitationSent   FactKind = "guardian-invitation-sent"
	GuardianAccepted FactKind = "guardian-accepted"
	GuardianDeclined FactKind = "guardian-declined"
	SetupCompleted   FactKind = "guardian-setup-completed"
	SetupFailed      FactKind = "guardian-setup-failed"

	ChangeProposed FactKind = "membership-change-proposed"
	VoteCast       FactKind = "membership-vote-cast"
	ChangeApproved FactKind = "membership-change-completed"
	ChangeRejected FactKind = "membership-change-rejected"

	RecoveryInitiated FactKind = "recovery-initiated"
	ShareSubmitted    FactKind = "recovery-share-submitted"
	DisputeFiled      FactKind = "recovery-dispute-filed"
	RecoveryCompleted FactKind = "recovery-completed"
	RecoveryFailed    FactKind = "recovery-failed"
)

var factKinds = map[FactKind]bool{
	SetupInitiated: true, InvitationSent: true, GuardianAccepted: true, GuardianDeclined: true,
	SetupCompleted: true, SetupFailed: true,
	ChangeProposed: true, VoteCast: true, ChangeApproved: true, ChangeRejected: true,
	RecoveryInitiated: true, ShareSubmitted: true, DisputeFiled: true, RecoveryCompleted: true, RecoveryFailed: true,
}

// ChangeKind is the kind of guardian membership change a proposal makes.
type ChangeKind uint8

const (
	ChangeAddGuardian ChangeKind = iota + 1
	ChangeRemoveGuardian
	ChangeUpdateThreshold
)

// Change is a proposed guardian membership change.
type Change struct {
	Kind      ChangeKind      `cbor:"1,keyasint"`
	Guardian  ids.AuthorityID `cbor:"2,keyasint,omitempty"`
	Threshold uint16          `cbor:"3,keyasint,omitempty"`
}

// Fact is one recovery lifecycle step. Which fields are set depends on
// Kind: Actor is the initiator, guardian, proposer, voter, disputer or
// recovered account; Hash is the invitation, proposal, request, share or
// evidence hash.
type Fact struct {
	Kind      FactKind          `cbor:"-"`
	Context   ids.ContextID     `cbor:"1,keyasint"`
	Actor     ids.AuthorityID   `cbor:"2,keyasint,omitempty"`
	Guardians []ids.AuthorityID `cbor:"3,keyasint,omitempty"`
	Threshold uint16            `cbor:"4,keyasint,omitempty"`
	Hash      ids.Hash          `cbor:"5,keyasint,omitempty"`
	Change    *Change           `cbor:"6,keyasint,omitempty"`
	Approved  bool              `cbor:"7,keyasint,omitempty"`
	Reason    string            `cbor:"8,keyasint,omitempty"`
	At        int64             `cbor:"9,keyasint,omitempty"`
}

// Predicate is the journal predicate f is recorded under.
func (f Fact) Predicate() string { return Prefix + string(f.Kind) }

// Payload encodes f as a record-fact journal payload.
func (f Fact) Payload() (journal.Payload, error) {
	if !factKinds[f.Kind] {
		return journal.Payload{}, errs.Newf(errs.KindValidation, errs.CodeInvalid, "unknown recovery fact kind %q", f.Kind)
	}
	b, err := encode(f)
	if err != nil {
		return journal.Payload{}, err
	}
	return journal.NewRecordFact(f.Predicate(), journal.BytesValue(b)), nil
}

// ParseFact decodes a journal fact recorded by Payload.
func ParseFact(jf journal.Fact) (Fact, error) {
	kind, ok := strings.CutPrefix(jf.Predicate, Prefix)
	if !ok || !factKinds[FactKind(kind)] {
		return Fact{}, errs.Newf(errs.KindValidation, errs.CodeInvalid, "predicate %q is not a recovery fact", jf.Predicate)
	}
	if jf.Value.Kind != journal.FactBytes {
		return Fact{}, errs.Newf(errs.KindValidation, errs.CodeInvalid, "recovery fact %q has no encoded body", jf.Predicate)
	}
	var f Fact
	if err := decode(jf.Value.Bytes, &f); err != nil {
		return Fact{}, err
	}
	f.Kind = FactKind(kind)
	return f, nil
}
