package recovery

import (
	"bytes"
	"slices"
	"strings"

	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// SetupStatus is the position of a guardian setup.
type SetupStatus uint8

const (
	SetupAwaiting SetupStatus = iota + 1
	SetupThresholdMet
	SetupDone
	SetupAbandoned
)

func (s SetupStatus) String() string {
	switch s {
	case SetupAwaiting:
		return "awaiting-responses"
	case SetupThresholdMet:
		return "threshold-met"
	case SetupDone:
		return "completed"
	case SetupAbandoned:
		return "failed"
	default:
		return "unknown"
	}
}

// Setup is a guardian setup ceremony.
type Setup struct {
	Context     ids.ContextID
	Initiator   ids.AuthorityID
	InitiatedAt int64
	Targets     []ids.AuthorityID
	Accepted    []ids.AuthorityID
	Declined    []ids.AuthorityID
	Threshold   int
	Status      SetupStatus
}

// CanSucceed reports whether enough invited guardians have not declined.
func (s *Setup) CanSucceed() bool {
	return len(s.Targets)-len(s.Declined) >= s.Threshold
}

// Pending lists invited guardians that have not answered.
func (s *Setup) Pending() []ids.AuthorityID {
	var out []ids.AuthorityID
	for _, g := range s.Targets {
		if !slices.Contains(s.Accepted, g) && !slices.Contains(s.Declined, g) {
			out = append(out, g)
		}
	}
	return out
}

func (s *Setup) active() bool { return s.Status != SetupDone && s.Status != SetupAbandoned }

// ProposalStatus is the position of a membership proposal.
type ProposalStatus uint8

const (
	ProposalPending ProposalStatus = iota + 1
	ProposalApproved
	ProposalRejected
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalPending:
		return "pending"
	case ProposalApproved:
		return "approved"
	case ProposalRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Proposal is a guardian membership change put to a vote.
type Proposal struct {
	Context    ids.ContextID
	Proposer   ids.AuthorityID
	Hash       ids.Hash
	Change     Change
	ProposedAt int64
	For        []ids.AuthorityID
	Against    []ids.AuthorityID
	Status     ProposalStatus
}

// Votes is the number of votes cast.
func (p *Proposal) Votes() int { return len(p.For) + len(p.Against) }

func (p *Proposal) active() bool { return p.Status == ProposalPending }

// OperationStatus is the position of a recovery operation.
type OperationStatus uint8

const (
	AwaitingShares OperationStatus = iota + 1
	Disputed
	Recovered
	Abandoned
)

func (s OperationStatus) String() string {
	switch s {
	case AwaitingShares:
		return "awaiting-shares"
	case Disputed:
		return "disputed"
	case Recovered:
		return "completed"
	case Abandoned:
		return "failed"
	default:
		return "unknown"
	}
}

// Operation is one attempt to recover an account.
type Operation struct {
	Context     ids.ContextID
	Account     ids.AuthorityID
	Request     ids.Hash
	InitiatedAt int64
	Submitted   []ids.AuthorityID
	Disputes    []ids.AuthorityID
	Status      OperationStatus
}

// HasThreshold reports whether at least m guardians submitted shares.
func (o *Operation) HasThreshold(m int) bool { return len(o.Submitted) >= m }

func (o *Operation) active() bool { return o.Status != Recovered && o.Status != Abandoned }

// State is the reduction of recovery facts, keyed by context. A context
// holds at most one setup, one proposal and one operation; a later
// initiation replaces an earlier one.
type State struct {
	setups     map[ids.ContextID]*Setup
	proposals  map[ids.ContextID]*Proposal
	operations map[ids.ContextID]*Operation
	skipped    int
}

func newState() *State {
	return &State{
		setups:     make(map[ids.ContextID]*Setup),
		proposals:  make(map[ids.ContextID]*Proposal),
		operations: make(map[ids.ContextID]*Operation),
	}
}

// FromFacts reduces the recovery facts among facts. Facts are applied in
// (lamport, event, id) order, so every replica holding the same facts
// reaches the same state. Facts that do not decode are skipped and
// counted.
func FromFacts(facts []journal.Fact) *State {
	ordered := slices.Clone(facts)
	slices.SortFunc(ordered, func(a, b journal.Fact) int {
		if a.Lamport != b.Lamport {
			if a.Lamport < b.Lamport {
				return -1
			}
			return 1
		}
		if c := a.Event.Compare(b.Event); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	s := newState()
	for _, jf := range ordered {
		if !strings.HasPrefix(jf.Predicate, Prefix) {
			continue
		}
		f, err := ParseFact(jf)
		if err != nil {
			s.skipped++
			continue
		}
		s.apply(f)
	}
	return s
}

// FromJournal reduces the recovery facts recorded in j.
func FromJournal(j *journal.Journal) *State {
	var facts []journal.Fact
	for _, ev := range j.Events() {
		facts = append(facts, journal.Facts(ev)...)
	}
	return FromFacts(facts)
}

// Skipped counts recovery facts that did not decode.
func (s *State) Skipped() int { return s.skipped }

func addOnce(list []ids.AuthorityID, a ids.AuthorityID) []ids.AuthorityID {
	if slices.Contains(list, a) {
		return list
	}
	return append(list, a)
}

func (s *State) apply(f Fact) {
	switch f.Kind {
	case SetupInitiated:
		s.setups[f.Context] = &Setup{
			Context:     f.Context,
			Initiator:   f.Actor,
			InitiatedAt: f.At,
			Targets:     slices.Clone(f.Guardians),
			Threshold:   int(f.Threshold),
			Status:      SetupAwaiting,
		}
	case GuardianAccepted:
		if st, ok := s.setups[f.Context]; ok && st.active() {
			st.Accepted = addOnce(st.Accepted, f.Actor)
			if len(st.Accepted) >= st.Threshold {
				st.Status = SetupThresholdMet
			}
		}
	case GuardianDeclined:
		if st, ok := s.setups[f.Context]; ok && st.active() {
			st.Declined = addOnce(st.Declined, f.Actor)
			if !st.CanSucceed() {
				st.Status = SetupAbandoned
			}
		}
	case SetupCompleted:
		if st, ok := s.setups[f.Context]; ok {
			st.Status = SetupDone
		}
	case SetupFailed:
		if st, ok := s.setups[f.Context]; ok {
			st.Status = SetupAbandoned
		}

	case ChangeProposed:
		p := &Proposal{
			Context:    f.Context,
			Proposer:   f.Actor,
			Hash:       f.Hash,
			ProposedAt: f.At,
			Status:     ProposalPending,
		}
		if f.Change != nil {
			p.Change = *f.Change
		}
		s.proposals[f.Context] = p
	case VoteCast:
		// A vote counts once, for the side first cast.
		if p, ok := s.proposals[f.Context]; ok && p.active() && p.Hash == f.Hash &&
			!slices.Contains(p.For, f.Actor) && !slices.Contains(p.Against, f.Actor) {
			if f.Approved {
				p.For = append(p.For, f.Actor)
			} else {
				p.Against = append(p.Against, f.Actor)
			}
		}
	case ChangeApproved:
		if p, ok := s.proposals[f.Context]; ok && p.Hash == f.Hash {
			p.Status = ProposalApproved
		}
	case ChangeRejected:
		if p, ok := s.proposals[f.Context]; ok && p.Hash == f.Hash {
			p.Status = ProposalRejected
		}

	case RecoveryInitiated:
		s.operations[f.Context] = &Operation{
			Context:     f.Context,
			Account:     f.Actor,
			Request:     f.Hash,
			InitiatedAt: f.At,
			Status:      AwaitingShares,
		}
	case ShareSubmitted:
		if o, ok := s.operations[f.Context]; ok && o.active() {
			o.Submitted = addOnce(o.Submitted, f.Actor)
		}
	case DisputeFiled:
		if o, ok := s.operations[f.Context]; ok && o.active() {
			o.Disputes = addOnce(o.Disputes, f.Actor)
			o.Status = Disputed
		}
	case RecoveryCompleted:
		if o, ok := s.operations[f.Context]; ok {
			o.Status = Recovered
		}
	case RecoveryFailed:
		if o, ok := s.operations[f.Context]; ok {
			o.Status = Abandoned
		}
	}
}

// SetupFor returns the setup recorded under context.
func (s *State) SetupFor(context ids.ContextID) (*Setup, bool) {
	st, ok := s.setups[context]
	return st, ok
}

// ProposalFor returns the proposal recorded under context.
func (s *State) ProposalFor(context ids.ContextID) (*Proposal, bool) {
	p, ok := s.proposals[context]
	return p, ok
}

// RecoveryFor returns the recovery operation recorded under context.
func (s *State) RecoveryFor(context ids.ContextID) (*Operation, bool) {
	o, ok := s.operations[context]
	return o, ok
}

func byContext[T any](m map[ids.ContextID]*T, keep func(*T) bool) []*T {
	keys := make([]ids.ContextID, 0, len(m))
	for k, v := range m {
		if keep(v) {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b ids.ContextID) int { return bytes.Compare(a[:], b[:]) })
	out := make([]*T, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

// ActiveSetups lists setups neither completed nor failed, by context.
func (s *State) ActiveSetups() []*Setup { return byContext(s.setups, (*Setup).active) }

// ActiveProposals lists pending proposals, by context.
func (s *State) ActiveProposals() []*Proposal { return byContext(s.proposals, (*Proposal).active) }

// ActiveRecoveries lists operations neither completed nor failed, by
// context. A disputed operation is still active.
func (s *State) ActiveRecoveries() []*Operation {
	return byContext(s.operations, (*Operation).active)
}

// HasActiveOperation reports whether anything is in flight under context.
func (s *State) HasActiveOperation(context ids.ContextID) bool {
	if st, ok := s.setups[context]; ok && st.active() {
		return true
	}
	if p, ok := s.proposals[context]; ok && p.active() {
		return true
	}
	if o, ok := s.operations[context]; ok && o.active() {
		return true
	}
	return false
}
