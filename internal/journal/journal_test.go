package journal

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

type testDevice struct {
	id   ids.DeviceID
	priv ed25519.PrivateKey
}

func newTestDevice(seed byte) testDevice {
	return testDevice{
		id:   ids.DeviceID{seed},
		priv: ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize)),
	}
}

func (d testDevice) pub() []byte { return d.priv.Public().(ed25519.PublicKey) }

var testAuthority = ids.AuthorityID{0xAA}

// emit prepares, signs and appends an event authored by d.
func emit(t *testing.T, j *Journal, d testDevice, p Payload) *Event {
	t.Helper()
	ev := j.Prepare(d.id, p)
	require.NoError(t, ev.SignWithDevice(d.priv))
	require.NoError(t, j.Append(context.Background(), ev))
	return ev
}

func addDevice(d testDevice, at int64) Payload {
	return NewAddDevice(AddDevice{Device: d.id, PublicKey: d.pub(), Name: "dev", AddedAt: at})
}

// baseline builds a journal where A is genesis and B has been added by A.
func baseline(t *testing.T, a, b testDevice) *Journal {
	t.Helper()
	j := New(testAuthority)
	emit(t, j, a, addDevice(a, 1))
	emit(t, j, a, addDevice(b, 2))
	return j
}

func fork(t *testing.T, j *Journal) *Journal {
	t.Helper()
	out := New(j.Authority())
	require.NoError(t, out.Merge(context.Background(), j))
	return out
}

func TestAppend_Genesis(t *testing.T) {
	a := newTestDevice(1)
	j := New(testAuthority)
	emit(t, j, a, addDevice(a, 1))

	st := j.State()
	assert.Equal(t, []ids.DeviceID{a.id}, st.ActiveDevices())
	assert.Equal(t, uint64(1), st.LastNonce[a.id])
	assert.Equal(t, uint64(1), st.Lamport)
}

func TestAppend_GenesisMustBeSelfSigned(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := New(testAuthority)
	ev := j.Prepare(a.id, addDevice(b, 1))
	require.NoError(t, ev.SignWithDevice(a.priv))
	err := j.Append(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUnknownDevice))
	assert.Equal(t, 0, j.Len())
}

func TestAppend_RejectsBadSignature(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	ev := j.Prepare(a.id, NewRecordFact("note", StringValue("x")))
	require.NoError(t, ev.SignWithDevice(b.priv))
	err := j.Append(context.Background(), ev)
	assert.True(t, errs.IsCode(err, errs.CodeBadSignature))
	assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
}

func TestAppend_RejectsHashMismatch(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	ev := j.Prepare(a.id, NewRecordFact("note", StringValue("original")))
	require.NoError(t, ev.SignWithDevice(a.priv))
	ev.Payload.RecordFact.Value = StringValue("tampered")

	before := j.State().Digest()
	err := j.Append(context.Background(), ev)
	assert.True(t, errs.IsCode(err, errs.CodeHashMismatch))
	assert.Equal(t, before, j.State().Digest())
}

func TestAppend_RejectsStaleClock(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	ev := j.Prepare(a.id, NewRecordFact("note", StringValue("x")))
	ev.Timestamp.Clock = VectorClock{a.id: 1}
	require.NoError(t, ev.SignWithDevice(a.priv))
	err := j.Append(context.Background(), ev)
	assert.True(t, errs.IsCode(err, errs.CodeUnexpectedState))
	assert.Equal(t, errs.KindProtocol, errs.KindOf(err))
}

func TestAppend_DuplicateIsNoop(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	ev := emit(t, j, a, NewRecordFact("note", StringValue("x")))
	n := j.Len()
	require.NoError(t, j.Append(context.Background(), ev))
	assert.Equal(t, n, j.Len())
}

func TestAppend_RemovedSignerRejected(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	emit(t, j, a, NewRemoveDevice(b.id))

	ev := j.Prepare(b.id, NewRecordFact("note", StringValue("late")))
	require.NoError(t, ev.SignWithDevice(b.priv))
	err := j.Append(context.Background(), ev)
	assert.True(t, errs.IsCode(err, errs.CodeUnknownDevice))
}

func TestAppend_ThresholdWitness(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	group := newTestDevice(9)
	j := baseline(t, a, b)
	emit(t, j, a, NewCreateSession(CreateSession{
		Session:      ids.SessionID{1},
		Protocol:     "keygen",
		Epoch:        1,
		Participants: []ids.DeviceID{a.id, b.id},
		Threshold:    2,
		GroupKey:     group.pub(),
	}))

	ev := j.Prepare(a.id, NewRekeyEpoch(ids.ContextID{}, 2))
	msg, err := ev.SealForThreshold(1)
	require.NoError(t, err)
	ev.AttachSignature(ed25519.Sign(group.priv, msg))
	require.NoError(t, j.Append(context.Background(), ev))
	assert.Equal(t, uint64(2), j.State().SessionEpoch)

	bad := j.Prepare(a.id, NewRekeyEpoch(ids.ContextID{}, 3))
	msg, err = bad.SealForThreshold(1)
	require.NoError(t, err)
	bad.AttachSignature(ed25519.Sign(a.priv, msg))
	assert.True(t, errs.IsCode(j.Append(context.Background(), bad), errs.CodeBadSignature))

	unknown := j.Prepare(a.id, NewRekeyEpoch(ids.ContextID{}, 3))
	msg, err = unknown.SealForThreshold(7)
	require.NoError(t, err)
	unknown.AttachSignature(ed25519.Sign(group.priv, msg))
	assert.True(t, errs.IsCode(j.Append(context.Background(), unknown), errs.CodeUnknownDevice))
}

func TestReplayProtectionAfterMerge(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	ja := baseline(t, a, b)

	ev := ja.Prepare(a.id, NewRecordFact("note", StringValue("forty-two")))
	ev.Nonce = 42
	require.NoError(t, ev.SignWithDevice(a.priv))
	require.NoError(t, ja.Append(context.Background(), ev))

	jb := fork(t, ja)

	replay := jb.Prepare(a.id, NewRecordFact("note", StringValue("again")))
	replay.Nonce = 42
	require.NoError(t, replay.SignWithDevice(a.priv))
	err := jb.Append(context.Background(), replay)
	require.Error(t, err)
	assert.Equal(t, errs.KindProtocol, errs.KindOf(err))
	assert.True(t, errs.IsCode(err, errs.CodeReplay))

	next := jb.Prepare(a.id, NewRecordFact("note", StringValue("fresh")))
	assert.Equal(t, uint64(43), next.Nonce)
	require.NoError(t, next.SignWithDevice(a.priv))
	require.NoError(t, jb.Append(context.Background(), next))
}

func TestReplay_AnyLowerNonceRejected(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	for i := 0; i < 3; i++ {
		emit(t, j, a, NewRecordFact("note", NumberValue(int64(i))))
	}
	last := j.State().LastNonce[a.id]
	for n := uint64(0); n <= last; n++ {
		ev := j.Prepare(a.id, NewRecordFact("replay", NumberValue(int64(n))))
		ev.Nonce = n
		require.NoError(t, ev.SignWithDevice(a.priv))
		assert.True(t, errs.IsCode(j.Append(context.Background(), ev), errs.CodeReplay), "nonce %d", n)
	}
}

func TestCommutativeMerge_AddRemoveConflict(t *testing.T) {
	a, b, d2 := newTestDevice(1), newTestDevice(2), newTestDevice(3)
	base := baseline(t, a, b)
	ja, jb := fork(t, base), fork(t, base)

	emit(t, ja, a, addDevice(d2, 10))
	emit(t, jb, b, NewRemoveDevice(d2.id))

	ab := fork(t, ja)
	require.NoError(t, ab.Merge(context.Background(), jb))
	ba := fork(t, jb)
	require.NoError(t, ba.Merge(context.Background(), ja))

	sa, sb := ab.State(), ba.State()
	assert.Equal(t, sa.Digest(), sb.Digest())
	for _, s := range []*AccountState{sa, sb} {
		assert.Contains(t, s.Devices, d2.id)
		assert.True(t, s.IsRemoved(d2.id))
		assert.NotContains(t, s.ActiveDevices(), d2.id)
	}
}

func TestEpochConvergence(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	base := baseline(t, a, b)
	ja, jb := fork(t, base), fork(t, base)
	emit(t, ja, a, NewRekeyEpoch(ids.ContextID{}, 5))
	emit(t, jb, b, NewRekeyEpoch(ids.ContextID{}, 6))

	ab := fork(t, ja)
	require.NoError(t, ab.Merge(context.Background(), jb))
	ba := fork(t, jb)
	require.NoError(t, ba.Merge(context.Background(), ja))

	assert.Equal(t, uint64(6), ab.State().SessionEpoch)
	assert.Equal(t, uint64(6), ba.State().SessionEpoch)
}

func TestMerge_Idempotent(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	emit(t, j, b, NewRecordFact("note", SetValue("x", "y")))
	before := j.State().Digest()
	require.NoError(t, j.Merge(context.Background(), j))
	assert.Equal(t, before, j.State().Digest())
}

func TestReduce_OrderIndependent(t *testing.T) {
	a, b, c := newTestDevice(1), newTestDevice(2), newTestDevice(3)
	base := baseline(t, a, b)
	ja, jb := fork(t, base), fork(t, base)
	emit(t, ja, a, addDevice(c, 20))
	emit(t, ja, a, NewAddGroupMember(ids.ContextID{7}, c.id))
	emit(t, jb, b, addDevice(c, 20))
	emit(t, jb, b, NewRemoveGroupMember(ids.ContextID{7}, c.id))
	emit(t, jb, b, NewRevokeCapability(ids.CapabilityID{1}, "lost"))

	merged := fork(t, ja)
	require.NoError(t, merged.Merge(context.Background(), jb))
	events := merged.Events()
	reversed := slices.Clone(events)
	slices.Reverse(reversed)

	want := Reduce(testAuthority, events).Digest()
	assert.Equal(t, want, Reduce(testAuthority, reversed).Digest())
	assert.Equal(t, want, Reduce(testAuthority, append(slices.Clone(events), events...)).Digest())
	assert.Equal(t, want, merged.State().Digest())
}

func TestValidateThreshold(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	st := j.State()
	assert.NoError(t, st.ValidateThreshold(1))
	assert.NoError(t, st.ValidateThreshold(2))
	assert.True(t, errs.IsCode(st.ValidateThreshold(3), errs.CodeInvalidThreshold))
	assert.True(t, errs.IsCode(st.ValidateThreshold(0), errs.CodeInvalidThreshold))
}

func TestEventCodec_Canonical(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	ev := emit(t, j, a, NewRecordFact("note", NestedValue("inner", BytesValue([]byte{1, 2}))))

	wire, err := ev.Encode()
	require.NoError(t, err)
	got, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, ev.Hash, got.Hash)
	again, err := got.Encode()
	require.NoError(t, err)
	assert.Equal(t, wire, again)

	_, err = Decode(wire[:10])
	assert.Error(t, err)
}

func TestIndices(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	ev := emit(t, j, a, NewRecordFact("pet.name", StringValue("rex")))

	added := j.FactsByPredicate("device.added")
	require.Len(t, added, 2)
	assert.LessOrEqual(t, added[0].Lamport, added[1].Lamport)

	pet := j.FactsByPredicate("pet.name")
	require.Len(t, pet, 1)
	assert.Equal(t, ev.Hash, pet[0].Event)

	assert.NotEmpty(t, j.FactsByAuthority(testAuthority))
	assert.Empty(t, j.FactsByAuthority(ids.AuthorityID{0x01}))

	inRange := j.EventsInRange(2, 4)
	require.Len(t, inRange, 2)
	assert.Equal(t, uint64(2), inRange[0].Timestamp.Lamport)

	assert.True(t, j.Contains(ev.Hash))
	assert.True(t, j.MightContain(ev.Hash))
	assert.False(t, j.Contains(ids.Hash{0xFF}))
}

func TestMerkle_InclusionProofs(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	j := baseline(t, a, b)
	emit(t, j, a, NewRecordFact("note", StringValue("x")))

	head := j.Head()
	var all []Fact
	for _, p := range []string{"device.added", "device.key", "note"} {
		all = append(all, j.FactsByPredicate(p)...)
	}
	require.Equal(t, int64(len(all)), head.TreeSize)
	for _, f := range all {
		proof, h, err := j.Prove(f.ID)
		require.NoError(t, err)
		assert.Equal(t, head, h)
		assert.NoError(t, VerifyInclusion(head, f.ID, proof))
		assert.Error(t, VerifyInclusion(head, ids.Hash{0x01}, proof))
	}

	emit(t, j, a, NewRecordFact("note", StringValue("y")))
	assert.NotEqual(t, head.RootHash, j.Head().RootHash)

	_, _, err := j.Prove(ids.Hash{0x42})
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestMerkle_AllTreeSizes(t *testing.T) {
	for n := 1; n <= 17; n++ {
		leaves := make([]ids.Hash, n)
		for i := range leaves {
			leaves[i] = ids.Hash{byte(i + 1)}
		}
		head := TreeHead{TreeSize: int64(n), RootHash: merkleRoot(leaves)}
		for i := range leaves {
			proof := InclusionProof{LeafIndex: int64(i), TreeSize: int64(n), Path: merklePath(i, leaves)}
			require.NoError(t, VerifyInclusion(head, leaves[i], proof), "n=%d i=%d", n, i)
		}
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	storage := effects.NewMemoryStorage(0)
	j := New(testAuthority, WithStorage(storage))
	emit(t, j, a, addDevice(a, 1))
	emit(t, j, a, addDevice(b, 2))
	emit(t, j, b, NewAddGuardian(AddGuardian{Guardian: ids.AuthorityID{5}, PublicKey: a.pub(), Threshold: 1}))

	loaded, err := Load(context.Background(), storage, testAuthority)
	require.NoError(t, err)
	assert.Equal(t, j.Len(), loaded.Len())
	assert.Equal(t, j.State().Digest(), loaded.State().Digest())

	keys, err := storage.List(context.Background(), EventPrefix(testAuthority))
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

type flakyStorage struct {
	*effects.MemoryStorage
	failures int
}

func (f *flakyStorage) Put(ctx context.Context, key string, value []byte) error {
	if f.failures > 0 {
		f.failures--
		return errs.New(errs.KindStorage, errs.CodeIO, "disk hiccup")
	}
	return f.MemoryStorage.Put(ctx, key, value)
}

func TestAppend_PersistRetries(t *testing.T) {
	a := newTestDevice(1)
	storage := &flakyStorage{MemoryStorage: effects.NewMemoryStorage(0), failures: 2}
	j := New(testAuthority, WithStorage(storage), WithRetry(5, time.Millisecond))
	emit(t, j, a, addDevice(a, 1))
	assert.Equal(t, 1, j.Len())
}

func TestAppend_PersistFailureRollsBack(t *testing.T) {
	a := newTestDevice(1)
	j := New(testAuthority, WithStorage(effects.NewMemoryStorage(16)), WithRetry(2, time.Millisecond))
	ev := j.Prepare(a.id, addDevice(a, 1))
	require.NoError(t, ev.SignWithDevice(a.priv))

	err := j.Append(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeQuota))
	assert.Equal(t, 0, j.Len())
	assert.False(t, j.Contains(ev.Hash))
	assert.Empty(t, j.State().ActiveDevices())
	assert.Empty(t, j.FactsByPredicate("device.added"))
	assert.Equal(t, int64(1), j.Stats().Rejected)
}

func TestSubscribe(t *testing.T) {
	a := newTestDevice(1)
	j := New(testAuthority, WithSubscriberBuffer(1))
	ch, cancel := j.Subscribe()
	defer cancel()

	first := emit(t, j, a, addDevice(a, 1))
	emit(t, j, a, NewRecordFact("note", StringValue("overflow")))

	got, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, first.Hash, got.Hash)
	_, ok = <-ch
	assert.False(t, ok, "slow subscriber is dropped")
}

func TestCausalBuffer_ReleasesInHappensBeforeOrder(t *testing.T) {
	a, b := ids.DeviceID{1}, ids.DeviceID{2}
	e1 := &Event{Author: a, Timestamp: Timestamp{Clock: VectorClock{a: 1}, Lamport: 1}, Hash: ids.Hash{1}}
	e2 := &Event{Author: a, Timestamp: Timestamp{Clock: VectorClock{a: 2}, Lamport: 2}, Hash: ids.Hash{2}}
	e3 := &Event{Author: b, Timestamp: Timestamp{Clock: VectorClock{a: 2, b: 1}, Lamport: 3}, Hash: ids.Hash{3}}

	buf := NewCausalBuffer(nil)
	assert.Empty(t, buf.Push(e3))
	assert.Empty(t, buf.Push(e2))
	assert.Equal(t, 2, buf.Pending())

	out := buf.Push(e1)
	require.Len(t, out, 3)
	assert.Equal(t, []ids.Hash{{1}, {2}, {3}}, []ids.Hash{out[0].Hash, out[1].Hash, out[2].Hash})
	assert.Equal(t, 0, buf.Pending())
	assert.Empty(t, buf.Push(e2), "already delivered")
}

func TestVectorClock_Compare(t *testing.T) {
	a, b := ids.DeviceID{1}, ids.DeviceID{2}
	tests := []struct {
		name string
		x, y VectorClock
		want Ordering
	}{
		{"equal", VectorClock{a: 1}, VectorClock{a: 1}, Equal},
		{"before", VectorClock{a: 1}, VectorClock{a: 2}, Before},
		{"after", VectorClock{a: 2, b: 1}, VectorClock{a: 2}, After},
		{"concurrent", VectorClock{a: 1}, VectorClock{b: 1}, Concurrent},
		{"zero entries ignored", VectorClock{a: 1, b: 0}, VectorClock{a: 1}, Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.x.Compare(tt.y))
		})
	}
}

func TestFacts_EveryPayloadYieldsOne(t *testing.T) {
	d := ids.DeviceID{1}
	payloads := []Payload{
		NewAddDevice(AddDevice{Device: d}),
		NewRemoveDevice(d),
		NewUpdateNonce(d, 3),
		NewCreateSession(CreateSession{Session: ids.SessionID{1}, Protocol: "p"}),
		NewUpdateSession(UpdateSession{Session: ids.SessionID{1}, Status: SessionClosed}),
		NewDeleteSession(ids.SessionID{1}),
		NewDelegateCapability(DelegateCapability{Capability: ids.CapabilityID{1}, Scope: []string{"storage:read:/a"}}),
		NewRevokeCapability(ids.CapabilityID{1}, ""),
		NewAddGroupMember(ids.ContextID{1}, d),
		NewRemoveGroupMember(ids.ContextID{1}, d),
		NewRekeyEpoch(ids.ContextID{1}, 2),
		NewRecordFact("custom", NumberValue(1)),
		NewAddGuardian(AddGuardian{Guardian: ids.AuthorityID{1}}),
		NewStartCeremony(StartCeremony{Ceremony: ids.CeremonyID{1}, Kind: "keygen"}),
		NewCompleteCeremony(CompleteCeremony{Ceremony: ids.CeremonyID{1}, Status: CeremonyCommitted}),
		NewTombstone(ids.Hash{1}, ""),
	}
	for _, p := range payloads {
		t.Run(p.Kind.String(), func(t *testing.T) {
			require.NoError(t, p.Validate())
			facts := Facts(&Event{Payload: p})
			require.NotEmpty(t, facts)
			assert.NotEqual(t, "event.unknown", facts[0].Predicate)
		})
	}
}

// inflated signs an event by d whose clock claims far more of other's
// history than exists.
func inflated(t *testing.T, j *Journal, d testDevice, other ids.DeviceID, note string) *Event {
	t.Helper()
	ev := j.Prepare(d.id, NewRecordFact("note", StringValue(note)))
	ev.Timestamp.Clock[other] = 1000
	require.NoError(t, ev.SignWithDevice(d.priv))
	return ev
}

func TestMerge_InflatedForeignClockConverges(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	base := baseline(t, a, b)
	ja, jb := fork(t, base), fork(t, base)

	require.NoError(t, jb.Append(context.Background(), inflated(t, jb, b, a.id, "future")))
	assert.Equal(t, 1, jb.Pending())
	honest := emit(t, ja, a, NewRecordFact("note", StringValue("real")))

	require.NoError(t, jb.Merge(context.Background(), ja))
	require.NoError(t, ja.Merge(context.Background(), jb))

	assert.Equal(t, ja.Len(), jb.Len())
	assert.True(t, ja.Contains(honest.Hash))
	assert.True(t, jb.Contains(honest.Hash))
	assert.True(t, ja.State().Equal(jb.State()))
	assert.Equal(t, uint64(3), jb.State().Authored[a.id])
	assert.Equal(t, 1, jb.Pending(), "event stays held until its claimed history exists")
}

func TestAppend_HoldsUntilPredecessorsArrive(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	base := baseline(t, a, b)
	ja := fork(t, base)
	first := emit(t, ja, a, NewRecordFact("note", StringValue("first")))
	second := emit(t, ja, b, NewRecordFact("note", StringValue("reply")))

	jc := fork(t, base)
	require.NoError(t, jc.Append(context.Background(), second))
	assert.False(t, jc.Contains(second.Hash))
	assert.Equal(t, 1, jc.Pending())

	require.NoError(t, jc.Append(context.Background(), first))
	assert.True(t, jc.Contains(first.Hash))
	assert.True(t, jc.Contains(second.Hash))
	assert.Equal(t, 0, jc.Pending())
	assert.True(t, ja.State().Equal(jc.State()))
}

func TestAppend_PendingLimit(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	base := baseline(t, a, b)
	j := New(testAuthority, WithPendingLimit(1))
	require.NoError(t, j.Merge(context.Background(), base))

	require.NoError(t, j.Append(context.Background(), inflated(t, j, b, a.id, "one")))
	err := j.Append(context.Background(), inflated(t, j, b, a.id, "two"))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeBudgetExhausted))
	assert.Equal(t, 1, j.Pending())
}

func TestMerge_ConcurrentSessionConfigConverges(t *testing.T) {
	a, b := newTestDevice(1), newTestDevice(2)
	base := baseline(t, a, b)
	ja, jb := fork(t, base), fork(t, base)
	sid, cid := ids.SessionID{4}, ids.CeremonyID{4}

	emit(t, ja, a, NewCreateSession(CreateSession{Session: sid, Protocol: "p-a", Epoch: 1, Participants: []ids.DeviceID{a.id, b.id}, Threshold: 2}))
	emit(t, ja, a, NewStartCeremony(StartCeremony{Ceremony: cid, Kind: "signing", Epoch: 1, Threshold: 2, Participants: []ids.DeviceID{a.id, b.id}}))
	emit(t, jb, b, NewCreateSession(CreateSession{Session: sid, Protocol: "p-b", Epoch: 1, Participants: []ids.DeviceID{b.id}, Threshold: 1}))
	emit(t, jb, b, NewStartCeremony(StartCeremony{Ceremony: cid, Kind: "keygen", Epoch: 1, Threshold: 1, Participants: []ids.DeviceID{b.id}}))

	ab := fork(t, ja)
	require.NoError(t, ab.Merge(context.Background(), jb))
	ba := fork(t, jb)
	require.NoError(t, ba.Merge(context.Background(), ja))
	reduced := Reduce(testAuthority, ab.Events())

	for _, st := range []*AccountState{ba.State(), reduced} {
		got, want := st.Sessions[sid], ab.State().Sessions[sid]
		assert.Equal(t, want.Protocol, got.Protocol)
		assert.Equal(t, want.Participants, got.Participants)
		assert.Equal(t, want.Threshold, got.Threshold)
		gotC, wantC := st.Ceremonies[cid], ab.State().Ceremonies[cid]
		assert.Equal(t, wantC.Kind, gotC.Kind)
		assert.Equal(t, wantC.Participants, gotC.Participants)
		assert.Equal(t, ab.State().Digest(), st.Digest())
	}

	// The session registry is part of the digest.
	assert.NotEqual(t, ja.State().Summary()["sessions"], jb.State().Summary()["sessions"])
}
