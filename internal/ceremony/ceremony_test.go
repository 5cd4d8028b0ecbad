package ceremony

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/threshold"
)

var authority = ids.AuthorityID{0xA0}

type device struct {
	p      Participant
	priv   ed25519.PrivateKey
	rt     *effects.Runtime
	clock  *effects.MockClock
	engine *threshold.Engine
	mux    *choreo.Mux
}

func newDevice(t *testing.T, bus *effects.MemoryBus, seed byte) *device {
	t.Helper()
	addr := ids.AuthorityID{seed}
	rt, clock, err := effects.ForTesting(uint64(seed), 1_000, bus, addr)
	require.NoError(t, err)
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, 32))
	return &device{
		p:      Participant{Device: ids.DeviceID{seed}, Address: addr, Key: priv.Public().(ed25519.PublicKey)},
		priv:   priv,
		rt:     rt,
		clock:  clock,
		engine: threshold.NewEngine(authority, addr, rt),
		mux:    choreo.NewMux(rt.Network),
	}
}

type fixture struct {
	bus        *effects.MemoryBus
	coord      *device
	parts      []*device
	dir        *capability.Directory
	journal    *journal.Journal
	c          *Coordinator
	responders []*Responder
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{bus: effects.NewMemoryBus(64), dir: capability.NewDirectory()}
	f.coord = newDevice(t, f.bus, 1)
	for i := 0; i < n; i++ {
		f.parts = append(f.parts, newDevice(t, f.bus, byte(10+i)))
	}
	for _, d := range append([]*device{f.coord}, f.parts...) {
		f.dir.Add(d.p.Device, authority, d.p.Key)
	}

	f.journal = journal.New(authority)
	genesis := f.journal.Prepare(f.coord.p.Device, journal.NewAddDevice(journal.AddDevice{
		Device: f.coord.p.Device, PublicKey: f.coord.p.Key, Name: "coordinator", AddedAt: 1,
	}))
	require.NoError(t, genesis.SignWithDevice(f.coord.priv))
	require.NoError(t, f.journal.Append(context.Background(), genesis))

	reg := capability.NewRegistry(f.dir)
	tok, err := capability.Issue(f.coord.priv, authority, f.coord.p.Device, f.coord.p.Device, []capability.Permission{capability.DeviceAuth()}, 0, 0)
	require.NoError(t, err)
	reg.Register(tok)

	f.c = NewCoordinator(authority, f.coord.p, f.coord.priv, f.coord.rt,
		WithJournal(f.journal),
		WithEngine(f.coord.engine),
		WithMux(f.coord.mux),
		WithGuard(choreo.CapabilityGuard{Registry: reg, Token: tok, Clock: f.coord.rt.Time}),
		WithTimeout(10*time.Second))
	for _, d := range f.parts {
		f.responders = append(f.responders, NewResponder(authority, d.p, d.priv, d.rt, d.engine, d.mux, f.dir, WithResponseTimeout(5*time.Second)))
	}
	return f
}

// serve runs every mux and responder until the test ends.
func (f *fixture) serve(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fn(ctx)
		}()
	}
	run(f.coord.mux.Run)
	for i, d := range f.parts {
		run(d.mux.Run)
		run(f.responders[i].Serve)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func (f *fixture) participants(devices ...*device) []Participant {
	if len(devices) == 0 {
		devices = f.parts
	}
	out := make([]Participant, len(devices))
	for i, d := range devices {
		out[i] = d.p
	}
	return out
}

// outcomes waits for one outcome from each of the first n responders.
func (f *fixture) outcomes(t *testing.T, n int) []Outcome {
	t.Helper()
	out := make([]Outcome, n)
	for i := 0; i < n; i++ {
		select {
		case out[i] = <-f.responders[i].Outcomes():
		case <-time.After(10 * time.Second):
			t.Fatalf("responder %d reported no outcome", i)
		}
	}
	return out
}

func (f *fixture) keygen(t *testing.T, m int) ([]byte, *Commit) {
	t.Helper()
	commit, pub, err := f.c.RunKeygen(context.Background(), Spec{Epoch: 1, Threshold: m, Participants: f.participants()})
	require.NoError(t, err)
	for i, o := range f.outcomes(t, len(f.parts)) {
		require.NoError(t, o.Err, "responder %d", i)
		assert.Equal(t, commit.Ceremony, o.Commit.Ceremony)
	}
	return pub.GroupPublicKey, commit
}

func TestRecordResponse_CrossesThresholdOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	cer, err := f.c.Start(ctx, Spec{Kind: KindKeygen, Epoch: 1, Threshold: 2, Participants: f.participants()})
	require.NoError(t, err)
	assert.Equal(t, PhaseCollecting, cer.Phase)
	assert.Equal(t, ContextID(authority, cer.ID), cer.Context())

	var crossings []bool
	for _, d := range []*device{f.parts[0], f.parts[0], f.parts[1], f.parts[1], f.parts[2]} {
		crossed, err := f.c.RecordResponse(ctx, cer.ID, d.p.Device)
		require.NoError(t, err)
		crossings = append(crossings, crossed)
	}
	assert.Equal(t, []bool{false, false, true, false, false}, crossings)

	commit, err := f.c.Commit(ctx, cer.ID, map[string]string{"note": "first"})
	require.NoError(t, err)
	again, err := f.c.Commit(ctx, cer.ID, map[string]string{"note": "second"})
	require.NoError(t, err)
	assert.Same(t, commit, again)
	assert.Len(t, commit.Responders, 3)

	crossed, err := f.c.RecordResponse(ctx, cer.ID, f.parts[2].p.Device)
	require.NoError(t, err)
	assert.False(t, crossed)

	got, ok := f.c.Get(cer.ID)
	require.True(t, ok)
	assert.Equal(t, PhaseCommitted, got.Phase)
	assert.Empty(t, f.c.Active())
	rec := f.journal.State().Ceremonies[cer.ID]
	require.NotNil(t, rec)
	assert.Equal(t, journal.CeremonyCommitted, rec.Status)
}

func TestRecordResponse_RejectsStrangers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	cer, err := f.c.Start(ctx, Spec{Kind: KindKeygen, Epoch: 1, Threshold: 2, Participants: f.participants()})
	require.NoError(t, err)

	_, err = f.c.RecordResponse(ctx, cer.ID, ids.DeviceID{0xEE})
	assert.True(t, errs.IsCode(err, errs.CodeUnknownDevice))
	_, err = f.c.RecordResponse(ctx, ids.CeremonyID{0xEE}, f.parts[0].p.Device)
	assert.True(t, errs.IsCode(err, errs.CodeCeremonyNotFound))

	_, err = f.c.Commit(ctx, cer.ID, nil)
	assert.True(t, errs.IsCode(err, errs.CodeThresholdNotReached))
}

func TestStart_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	_, err := f.c.Start(ctx, Spec{Kind: KindKeygen, Epoch: 1, Threshold: 3, Participants: f.participants()})
	assert.True(t, errs.IsCode(err, errs.CodeInvalidThreshold))
	_, err = f.c.Start(ctx, Spec{Kind: KindKeygen, Epoch: 1, Threshold: 1, Participants: f.participants(f.parts[0], f.parts[0])})
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, _, err = f.c.RunKeygen(ctx, Spec{Epoch: 1, Threshold: 1, Participants: []Participant{f.coord.p}})
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestTick_FailsExpiredCeremonies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	slow, err := f.c.Start(ctx, Spec{Kind: KindSigning, Epoch: 1, Threshold: 2, Participants: f.participants()})
	require.NoError(t, err)
	fast, err := f.c.Start(ctx, Spec{Kind: KindSigning, Epoch: 1, Threshold: 2, Participants: f.participants(), Timeout: time.Second})
	require.NoError(t, err)
	assert.Len(t, f.c.Active(), 2)

	f.coord.clock.Advance(2 * time.Second)
	assert.Equal(t, []ids.CeremonyID{fast.ID}, f.c.Tick(ctx))
	assert.Empty(t, f.c.Tick(ctx))

	_, err = f.c.Wait(ctx, fast.ID)
	assert.True(t, errs.IsCode(err, errs.CodeCeremonyTimeout))
	_, err = f.c.RecordResponse(ctx, fast.ID, f.parts[0].p.Device)
	assert.True(t, errs.IsCode(err, errs.CodeCeremonyClosed))
	assert.Equal(t, journal.CeremonyFailed, f.journal.State().Ceremonies[fast.ID].Status)

	// A response after the deadline fails the ceremony even before a tick.
	f.coord.clock.Advance(10 * time.Second)
	_, err = f.c.RecordResponse(ctx, slow.ID, f.parts[0].p.Device)
	assert.True(t, errs.IsCode(err, errs.CodeCeremonyTimeout))
	got, _ := f.c.Get(slow.ID)
	assert.Equal(t, PhaseFailed, got.Phase)
	assert.NoError(t, f.c.Fail(ctx, slow.ID, nil), "failing twice is a no-op")
}

func TestWait_Cancelled(t *testing.T) {
	f := newFixture(t, 2)
	cer, err := f.c.Start(context.Background(), Spec{Kind: KindKeygen, Epoch: 1, Threshold: 2, Participants: f.participants()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.c.Wait(ctx, cer.ID)
	assert.True(t, errs.IsCode(err, errs.CodeCancelled))
}

func TestStart_ReshareConflictsWithSigning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sign, err := f.c.Start(ctx, Spec{Kind: KindSigning, Epoch: 1, Threshold: 2, Participants: f.participants()})
	require.NoError(t, err)

	_, err = f.c.Start(ctx, Spec{Kind: KindReshare, Epoch: 2, Threshold: 2, Participants: f.participants()})
	assert.True(t, errs.IsCode(err, errs.CodeCeremonyConflict))
	_, err = f.c.Start(ctx, Spec{Kind: KindReshare, Epoch: 3, Threshold: 2, Participants: f.participants()})
	assert.NoError(t, err, "only the epoch being signed is locked")

	require.NoError(t, f.c.Fail(ctx, sign.ID, nil))
	_, err = f.c.Start(ctx, Spec{Kind: KindReshare, Epoch: 2, Threshold: 2, Participants: f.participants()})
	assert.NoError(t, err)
}

func TestVerifyCommit(t *testing.T) {
	f := newFixture(t, 1)
	c := &Commit{
		Ceremony:   ids.CeremonyID{7},
		Kind:       KindKeygen,
		Epoch:      1,
		Initiator:  f.coord.p.Device,
		Responders: []ids.DeviceID{f.parts[0].p.Device},
	}
	require.NoError(t, c.Sign(authority, f.coord.priv))
	require.NoError(t, VerifyCommit(c, authority, f.dir))

	wire, err := EncodeCommit(c)
	require.NoError(t, err)
	decoded, err := DecodeCommit(wire)
	require.NoError(t, err)
	require.NoError(t, VerifyCommit(decoded, authority, f.dir))

	other := ids.AuthorityID{0xB0}
	assert.True(t, errs.IsCode(VerifyCommit(c, other, f.dir), errs.CodeUnknownDevice))

	decoded.Epoch = 2
	assert.True(t, errs.IsCode(VerifyCommit(decoded, authority, f.dir), errs.CodeBadSignature))

	forged := *c
	forged.Initiator = f.parts[0].p.Device
	require.NoError(t, forged.Sign(authority, f.coord.priv))
	assert.True(t, errs.IsCode(VerifyCommit(&forged, authority, f.dir), errs.CodeBadSignature))
}

func TestHandleEnvelope_DropsMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	cer, err := f.c.Start(ctx, Spec{Kind: KindSigning, Epoch: 1, Threshold: 2, Participants: f.participants()})
	require.NoError(t, err)

	response := func(from *device) effects.Envelope {
		env := NewEnvelope(authority, f.coord.p.Address, Headers{
			ContentType:  TypeResponse,
			Ceremony:     cer.ID,
			PendingEpoch: 1,
			Initiator:    f.coord.p.Device,
			Acceptor:     from.p.Device,
		}, nil)
		env.Source = from.p.Address
		return env
	}
	cases := map[string]func(effects.Envelope) effects.Envelope{
		"wrong content type": func(e effects.Envelope) effects.Envelope {
			e.Metadata[MetaContentType] = "text/plain"
			return e
		},
		"invite instead of response": func(e effects.Envelope) effects.Envelope {
			e.Metadata[MetaContentType] = TypeInvite
			return e
		},
		"missing ceremony id": func(e effects.Envelope) effects.Envelope {
			delete(e.Metadata, MetaCeremonyID)
			return e
		},
		"unparseable acceptor": func(e effects.Envelope) effects.Envelope {
			e.Metadata[MetaAcceptor] = "not-a-device"
			return e
		},
		"missing acceptor": func(e effects.Envelope) effects.Envelope {
			delete(e.Metadata, MetaAcceptor)
			return e
		},
		"destination mismatch": func(e effects.Envelope) effects.Envelope {
			e.Destination = ids.AuthorityID{0xEE}
			return e
		},
		"wrong context": func(e effects.Envelope) effects.Envelope {
			e.Context = ids.ContextID{0xEE}
			return e
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			crossed, err := f.c.HandleEnvelope(ctx, mutate(response(f.parts[0])))
			assert.NoError(t, err)
			assert.False(t, crossed)
		})
	}
	assert.Equal(t, int64(len(cases)), f.c.Dropped())

	crossed, err := f.c.HandleEnvelope(ctx, response(f.parts[0]))
	require.NoError(t, err)
	assert.False(t, crossed)
	crossed, err = f.c.HandleEnvelope(ctx, response(f.parts[0]))
	require.NoError(t, err)
	assert.False(t, crossed, "replayed response")
	crossed, err = f.c.HandleEnvelope(ctx, response(f.parts[1]))
	require.NoError(t, err)
	assert.True(t, crossed)
}

func TestHandleEnvelope_RejectsSpoofedAcceptor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	cer, err := f.c.Start(ctx, Spec{Kind: KindSigning, Epoch: 1, Threshold: 2, Participants: f.participants()})
	require.NoError(t, err)

	response := func(from, claimed *device) effects.Envelope {
		env := NewEnvelope(authority, f.coord.p.Address, Headers{
			ContentType:  TypeResponse,
			Ceremony:     cer.ID,
			PendingEpoch: 1,
			Initiator:    f.coord.p.Device,
			Acceptor:     claimed.p.Device,
		}, nil)
		env.Source = from.p.Address
		return env
	}

	crossed, err := f.c.HandleEnvelope(ctx, response(f.parts[0], f.parts[0]))
	require.NoError(t, err)
	assert.False(t, crossed)

	crossed, err = f.c.HandleEnvelope(ctx, response(f.parts[0], f.parts[1]))
	require.NoError(t, err)
	assert.False(t, crossed)
	assert.Equal(t, int64(1), f.c.Dropped())

	got, ok := f.c.Get(cer.ID)
	require.True(t, ok)
	assert.Equal(t, []ids.DeviceID{f.parts[0].p.Device}, got.Responses)

	crossed, err = f.c.HandleEnvelope(ctx, response(f.parts[1], f.parts[1]))
	require.NoError(t, err)
	assert.True(t, crossed)
}

func TestKeygen_TwoOfThree(t *testing.T) {
	f := newFixture(t, 3)
	f.serve(t)
	groupKey, commit := f.keygen(t, 2)

	assert.Len(t, groupKey, ed25519.PublicKeySize)
	assert.Len(t, commit.Responders, 2, "responses beyond the threshold are not needed")
	assert.Equal(t, uint64(1), commit.Epoch)
	require.NoError(t, VerifyCommit(commit, authority, f.dir))

	ctx := context.Background()
	for _, d := range f.parts {
		kp, err := d.engine.LoadShare(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, groupKey, kp.GroupPublicKey)
	}
	tk := f.journal.State().ThresholdKeys[1]
	require.NotNil(t, tk)
	assert.Equal(t, groupKey, tk.GroupKey)
	assert.Equal(t, uint16(2), tk.Threshold)
}

func TestSigning_TwoOfThreeIgnoresThirdShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.serve(t)
	groupKey, _ := f.keygen(t, 2)

	msg := []byte("rotate guardian set")
	commit, sig, err := f.c.RunSigning(ctx, Spec{Epoch: 1, Participants: f.participants()}, msg)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(groupKey, msg, sig))
	require.Len(t, commit.Responders, 2)

	for i, o := range f.outcomes(t, 3) {
		require.NoError(t, o.Err, "responder %d", i)
		assert.Equal(t, sig, o.Signature)
		require.NotNil(t, o.Commit)
		assert.Equal(t, commit.Ceremony, o.Commit.Ceremony)
	}

	var late ids.DeviceID
	for _, d := range f.parts {
		if !slices.Contains(commit.Responders, d.p.Device) {
			late = d.p.Device
		}
	}
	crossed, err := f.c.RecordResponse(ctx, commit.Ceremony, late)
	require.NoError(t, err)
	assert.False(t, crossed)
	got, _ := f.c.Get(commit.Ceremony)
	assert.Len(t, got.Responses, 2)
}

func TestSigning_ExcludesHolderWithBadShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.serve(t)
	groupKey, _ := f.keygen(t, 2)

	bad := f.parts[0]
	kp, err := bad.engine.LoadShare(ctx, 1)
	require.NoError(t, err)
	kp.SigningShare[0] ^= 0x01
	require.NoError(t, bad.engine.StoreShare(ctx, 1, kp))

	// Whether or not the bad holder lands in the first package, every run
	// commits with honest signers only.
	for i := 0; i < 3; i++ {
		msg := []byte{'m', byte(i)}
		commit, sig, err := f.c.RunSigning(ctx, Spec{Epoch: 1, Participants: f.participants(), Timeout: 3 * time.Second}, msg)
		require.NoError(t, err, "run %d", i)
		assert.True(t, ed25519.Verify(groupKey, msg, sig))
		assert.NotContains(t, commit.Responders, bad.p.Device)
		for _, r := range f.responders[1:] {
			select {
			case o := <-r.Outcomes():
				require.NoError(t, o.Err)
				assert.Equal(t, sig, o.Signature)
			case <-time.After(10 * time.Second):
				t.Fatal("honest holder reported no outcome")
			}
		}
	}
}

func TestSignEvent_AppendsThresholdWitnessedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.serve(t)
	f.keygen(t, 2)

	ev, commit, err := f.c.SignEvent(ctx, Spec{Epoch: 1, Participants: f.participants()},
		journal.NewRecordFact("guardian.policy", journal.StringValue("2-of-3")))
	require.NoError(t, err)
	f.outcomes(t, 3)

	assert.Equal(t, journal.WitnessThreshold, ev.Witness.Kind)
	assert.True(t, f.journal.Contains(ev.Hash))
	assert.Equal(t, journal.CeremonyCommitted, f.journal.State().Ceremonies[commit.Ceremony].Status)
	assert.NotEmpty(t, f.journal.FactsByPredicate("guardian.policy"))
}

func TestReshare_KeepsGroupKeyAndRetiresOldShares(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	f.serve(t)
	old, newcomer := f.parts[:3], f.parts[3]
	commit, pub, err := f.c.RunKeygen(ctx, Spec{Epoch: 1, Threshold: 2, Participants: f.participants(old...)})
	require.NoError(t, err)
	for _, o := range f.outcomes(t, 3) {
		require.NoError(t, o.Err)
		assert.Equal(t, commit.Ceremony, o.Commit.Ceremony)
	}

	holders := []*device{old[1], old[2], newcomer}
	rc, next, err := f.c.RunReshare(ctx, ReshareSpec{
		Epoch:      1,
		Threshold:  2,
		OldHolders: f.participants(old...),
		NewHolders: f.participants(holders...),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rc.Epoch)
	assert.Equal(t, pub.GroupPublicKey, next.GroupPublicKey)
	for i, o := range f.outcomes(t, 4) {
		require.NoError(t, o.Err, "responder %d", i)
		assert.Equal(t, rc.Ceremony, o.Commit.Ceremony)
	}

	// old[0] and old[1] contributed and retired their epoch 1 shares.
	for _, d := range old[:2] {
		_, err := d.engine.LoadShare(ctx, 1)
		assert.True(t, errs.IsCode(err, errs.CodeNotFound))
	}
	for _, d := range holders {
		kp, err := d.engine.LoadShare(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, pub.GroupPublicKey, kp.GroupPublicKey)
	}
	st := f.journal.State()
	assert.Equal(t, pub.GroupPublicKey, st.ThresholdKeys[2].GroupKey)
	require.Contains(t, st.ThresholdKeys, uint64(1))
	assert.Contains(t, st.Tombstones, st.ThresholdKeys[1].Event(), "epoch 1 record is tombstoned")
	assert.NotContains(t, st.Tombstones, st.ThresholdKeys[2].Event())

	msg := []byte("signed by the new set")
	_, sig, err := f.c.RunSigning(ctx, Spec{Epoch: 2, Participants: f.participants(holders...)}, msg)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub.GroupPublicKey, msg, sig))
	for _, r := range f.responders[1:] {
		select {
		case o := <-r.Outcomes():
			assert.NoError(t, o.Err)
		case <-time.After(10 * time.Second):
			t.Fatal("new holder reported no outcome")
		}
	}
}

func TestRunSigning_RefusesNonHolders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	f.serve(t)
	_, _, err := f.c.RunKeygen(ctx, Spec{Epoch: 1, Threshold: 2, Participants: f.participants(f.parts[:3]...)})
	require.NoError(t, err)
	f.outcomes(t, 3)

	_, _, err = f.c.RunSigning(ctx, Spec{Epoch: 1, Participants: f.participants(f.parts[3])}, []byte("x"))
	assert.True(t, errs.IsCode(err, errs.CodeInsufficient))
}
