package recovery

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

var (
	authority = ids.AuthorityID{0xA2}
	device    = ids.DeviceID{0x01}
	deviceKey = ed25519.NewKeyFromSeed(bytes.Repeat([]byte{0x01}, ed25519.SeedSize))
	setupCtx  = ids.ContextID{0x51}
	g1        = ids.AuthorityID{0x61}
	g2        = ids.AuthorityID{0x62}
	g3        = ids.AuthorityID{0x63}
)

const hourMs = 3_600_000

type recorder struct {
	t *testing.T
	j *journal.Journal
}

func newRecorder(t *testing.T) *recorder {
	t.Helper()
	j := journal.New(authority)
	r := &recorder{t: t, j: j}
	r.append(journal.NewAddDevice(journal.AddDevice{
		Device: device, PublicKey: deviceKey.Public().(ed25519.PublicKey), Name: "phone", AddedAt: 1,
	}))
	return r
}

func (r *recorder) append(p journal.Payload) {
	r.t.Helper()
	ev := r.j.Prepare(device, p)
	require.NoError(r.t, ev.SignWithDevice(deviceKey))
	require.NoError(r.t, r.j.Append(context.Background(), ev))
}

func (r *recorder) record(facts ...Fact) {
	r.t.Helper()
	for _, f := range facts {
		p, err := f.Payload()
		require.NoError(r.t, err)
		r.append(p)
	}
}

func (r *recorder) state() *State { return FromJournal(r.j) }

func TestFromFacts_GuardianSetup(t *testing.T) {
	r := newRecorder(t)
	r.record(
		Fact{Kind: SetupInitiated, Context: setupCtx, Actor: authority, Guardians: []ids.AuthorityID{g1, g2, g3}, Threshold: 2, At: 10},
		Fact{Kind: InvitationSent, Context: setupCtx, Actor: g1, At: 11},
		Fact{Kind: GuardianAccepted, Context: setupCtx, Actor: g1, At: 12},
		Fact{Kind: GuardianAccepted, Context: setupCtx, Actor: g1, At: 13},
	)
	st := r.state()
	s, ok := st.SetupFor(setupCtx)
	require.True(t, ok)
	assert.Equal(t, SetupAwaiting, s.Status)
	assert.Equal(t, []ids.AuthorityID{g1}, s.Accepted)
	assert.Equal(t, []ids.AuthorityID{g2, g3}, s.Pending())
	assert.EqualValues(t, 10, s.InitiatedAt)

	r.record(Fact{Kind: GuardianAccepted, Context: setupCtx, Actor: g3, At: 14})
	s, _ = r.state().SetupFor(setupCtx)
	assert.Equal(t, SetupThresholdMet, s.Status)
	assert.True(t, r.state().HasActiveOperation(setupCtx))

	r.record(Fact{Kind: SetupCompleted, Context: setupCtx, Guardians: []ids.AuthorityID{g1, g3}, Threshold: 2, At: 15})
	st = r.state()
	s, _ = st.SetupFor(setupCtx)
	assert.Equal(t, SetupDone, s.Status)
	assert.Empty(t, st.ActiveSetups())
	assert.False(t, st.HasActiveOperation(setupCtx))
}

func TestFromFacts_SetupFailsWhenTooManyDecline(t *testing.T) {
	r := newRecorder(t)
	r.record(
		Fact{Kind: SetupInitiated, Context: setupCtx, Actor: authority, Guardians: []ids.AuthorityID{g1, g2, g3}, Threshold: 2},
		Fact{Kind: GuardianDeclined, Context: setupCtx, Actor: g1},
	)
	s, _ := r.state().SetupFor(setupCtx)
	assert.True(t, s.CanSucceed())
	assert.Equal(t, SetupAwaiting, s.Status)

	r.record(Fact{Kind: GuardianDeclined, Context: setupCtx, Actor: g2})
	s, _ = r.state().SetupFor(setupCtx)
	assert.False(t, s.CanSucceed())
	assert.Equal(t, SetupAbandoned, s.Status)
}

func TestFromFacts_MembershipProposal(t *testing.T) {
	proposal := ids.Hash{0x70}
	r := newRecorder(t)
	r.record(
		Fact{Kind: ChangeProposed, Context: setupCtx, Actor: g1, Hash: proposal,
			Change: &Change{Kind: ChangeAddGuardian, Guardian: g3}, At: 20},
		Fact{Kind: VoteCast, Context: setupCtx, Actor: g1, Hash: proposal, Approved: true},
		Fact{Kind: VoteCast, Context: setupCtx, Actor: g1, Hash: proposal, Approved: false},
		Fact{Kind: VoteCast, Context: setupCtx, Actor: g2, Hash: proposal, Approved: false},
		Fact{Kind: VoteCast, Context: setupCtx, Actor: g3, Hash: ids.Hash{0x71}, Approved: true},
	)
	st := r.state()
	p, ok := st.ProposalFor(setupCtx)
	require.True(t, ok)
	assert.Equal(t, ChangeAddGuardian, p.Change.Kind)
	assert.Equal(t, g3, p.Change.Guardian)
	assert.Equal(t, []ids.AuthorityID{g1}, p.For)
	assert.Equal(t, []ids.AuthorityID{g2}, p.Against)
	assert.Equal(t, 2, p.Votes())
	assert.Len(t, st.ActiveProposals(), 1)

	r.record(Fact{Kind: ChangeApproved, Context: setupCtx, Hash: proposal, Guardians: []ids.AuthorityID{g1, g2, g3}, Threshold: 2})
	st = r.state()
	p, _ = st.ProposalFor(setupCtx)
	assert.Equal(t, ProposalApproved, p.Status)
	assert.Empty(t, st.ActiveProposals())
}

func TestFromFacts_RecoveryOperation(t *testing.T) {
	other := ids.ContextID{0x52}
	r := newRecorder(t)
	r.record(
		Fact{Kind: RecoveryInitiated, Context: setupCtx, Actor: authority, Hash: ids.Hash{0x80}, At: 1_000},
		Fact{Kind: ShareSubmitted, Context: setupCtx, Actor: g1, Hash: ids.Hash{0x81}},
		Fact{Kind: ShareSubmitted, Context: setupCtx, Actor: g1, Hash: ids.Hash{0x81}},
		Fact{Kind: RecoveryInitiated, Context: other, Actor: authority, At: 2_000},
		Fact{Kind: DisputeFiled, Context: other, Actor: g2, Reason: "not me"},
	)
	st := r.state()
	op, ok := st.RecoveryFor(setupCtx)
	require.True(t, ok)
	assert.Equal(t, AwaitingShares, op.Status)
	assert.Equal(t, []ids.AuthorityID{g1}, op.Submitted)
	assert.False(t, op.HasThreshold(2))

	disputed, _ := st.RecoveryFor(other)
	assert.Equal(t, Disputed, disputed.Status)
	active := st.ActiveRecoveries()
	require.Len(t, active, 2)
	assert.Equal(t, setupCtx, active[0].Context)

	r.record(Fact{Kind: RecoveryFailed, Context: other, Actor: authority, Reason: "disputed"})
	st = r.state()
	assert.False(t, st.HasActiveOperation(other))
	assert.True(t, st.HasActiveOperation(setupCtx))
	_, ok = st.RecoveryFor(ids.ContextID{0x99})
	assert.False(t, ok)
}

func TestFromFacts_OrderIndependent(t *testing.T) {
	r := newRecorder(t)
	r.record(
		Fact{Kind: SetupInitiated, Context: setupCtx, Actor: authority, Guardians: []ids.AuthorityID{g1, g2}, Threshold: 2},
		Fact{Kind: GuardianAccepted, Context: setupCtx, Actor: g2},
		Fact{Kind: GuardianAccepted, Context: setupCtx, Actor: g1},
	)
	var facts []journal.Fact
	for _, ev := range r.j.Events() {
		facts = append(facts, journal.Facts(ev)...)
	}
	want, _ := FromFacts(facts).SetupFor(setupCtx)

	slices.Reverse(facts)
	got, _ := FromFacts(facts).SetupFor(setupCtx)
	assert.Equal(t, want, got)
	assert.Equal(t, []ids.AuthorityID{g2, g1}, got.Accepted)
	assert.Equal(t, SetupThresholdMet, got.Status)
}

func TestFromFacts_SkipsMalformed(t *testing.T) {
	r := newRecorder(t)
	r.append(journal.NewRecordFact(Prefix+string(GuardianAccepted), journal.StringValue("g1")))
	r.append(journal.NewRecordFact(Prefix+"unknown-step", journal.BytesValue([]byte{0xA0})))
	r.append(journal.NewRecordFact("chat.topic", journal.StringValue("hello")))

	st := r.state()
	assert.Equal(t, 2, st.Skipped())
	assert.Empty(t, st.ActiveSetups())

	_, err := Fact{Kind: "bogus"}.Payload()
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}

type guardianKey struct {
	Guardian
	priv ed25519.PrivateKey
}

func guardians() []guardianKey {
	var out []guardianKey
	for _, id := range []ids.AuthorityID{g1, g2, g3} {
		priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{id[0]}, ed25519.SeedSize))
		out = append(out, guardianKey{Guardian: Guardian{ID: id, Key: priv.Public().(ed25519.PublicKey)}, priv: priv})
	}
	return out
}

func newEscrow(t *testing.T, secret []byte) (*Escrow, []guardianKey) {
	t.Helper()
	gs := guardians()
	list := make([]Guardian, len(gs))
	for i, g := range gs {
		list[i] = g.Guardian
	}
	e, err := NewEscrow(effects.NewSeededRandom(3), setupCtx, secret, list, 2, 24*hourMs)
	require.NoError(t, err)
	return e, gs
}

func openAll(t *testing.T, e *Escrow, gs []guardianKey) []Share {
	t.Helper()
	var out []Share
	for _, g := range gs {
		s, err := e.Open(g.ID, g.priv)
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func TestEscrow_ReconstructsAfterApprovalsAndDelay(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5E}, 32)
	e, gs := newEscrow(t, secret)
	shares := openAll(t, e, gs)

	r := newRecorder(t)
	r.record(Fact{Kind: RecoveryInitiated, Context: setupCtx, Actor: authority, At: 1_000})
	r.record(Fact{Kind: ShareSubmitted, Context: setupCtx, Actor: g1, Hash: shares[0].Hash()})

	_, err := e.Reconstruct(r.state(), shares, 1_000+24*hourMs)
	assert.True(t, errs.IsCode(err, errs.CodeThresholdNotReached), "only g1 recorded a submission")

	r.record(Fact{Kind: ShareSubmitted, Context: setupCtx, Actor: g3, Hash: shares[2].Hash()})
	st := r.state()

	_, err = e.Reconstruct(st, shares, 1_000+23*hourMs)
	assert.True(t, errs.IsCode(err, errs.CodeInsufficient), "delay not passed")

	got, err := e.Reconstruct(st, shares, 1_000+24*hourMs)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	// A repeated share does not count twice.
	_, err = e.Reconstruct(st, []Share{shares[0], shares[0]}, 1_000+24*hourMs)
	assert.True(t, errs.IsCode(err, errs.CodeThresholdNotReached))
}

func TestEscrow_RefusesDisputedAndTamperedRecovery(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	e, gs := newEscrow(t, secret)
	shares := openAll(t, e, gs)

	r := newRecorder(t)
	r.record(
		Fact{Kind: RecoveryInitiated, Context: setupCtx, Actor: authority, At: 0},
		Fact{Kind: ShareSubmitted, Context: setupCtx, Actor: g1},
		Fact{Kind: ShareSubmitted, Context: setupCtx, Actor: g2},
	)
	st := r.state()

	tampered := Share{Guardian: g2, Data: slices.Clone(shares[1].Data)}
	tampered.Data[0] ^= 0xFF
	_, err := e.Reconstruct(st, []Share{shares[0], tampered}, 24*hourMs)
	assert.True(t, errs.IsCode(err, errs.CodeHashMismatch))

	r.record(Fact{Kind: DisputeFiled, Context: setupCtx, Actor: g3, Reason: "lost device is mine"})
	_, err = e.Reconstruct(r.state(), shares, 24*hourMs)
	assert.True(t, errs.IsCode(err, errs.CodeInsufficient))

	_, err = e.Reconstruct(newState(), shares, 24*hourMs)
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestEscrow_SharesAreSealedPerGuardian(t *testing.T) {
	e, gs := newEscrow(t, []byte("recovery secret"))

	_, err := e.Open(g1, gs[1].priv)
	assert.True(t, errs.IsKind(err, errs.KindCrypto))

	_, err = e.Open(ids.AuthorityID{0x69}, gs[0].priv)
	assert.True(t, errs.IsCode(err, errs.CodeInsufficient))

	data, err := EncodeEscrow(e)
	require.NoError(t, err)
	back, err := DecodeEscrow(data)
	require.NoError(t, err)
	s, err := back.Open(g2, gs[1].priv)
	require.NoError(t, err)
	assert.Equal(t, g2, s.Guardian)
}

func TestNewEscrow_Validation(t *testing.T) {
	gs := guardians()
	list := []Guardian{gs[0].Guardian, gs[1].Guardian}
	rnd := effects.NewSeededRandom(1)

	_, err := NewEscrow(rnd, setupCtx, nil, list, 2, 0)
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = NewEscrow(rnd, setupCtx, []byte("s"), list, 3, 0)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidThreshold))
	_, err = NewEscrow(rnd, setupCtx, []byte("s"), list, 1, 0)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidThreshold))
	_, err = NewEscrow(rnd, setupCtx, []byte("s"), []Guardian{list[0], list[0]}, 2, 0)
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}
