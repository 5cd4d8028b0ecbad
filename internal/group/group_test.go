package group

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

var groupID = ids.ContextID{0x6A}

func keyFromSeed(b byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{b}, ed25519.SeedSize))
}

func testRuntime(t *testing.T, seed uint64) *effects.Runtime {
	t.Helper()
	rt, _, err := effects.ForTesting(seed, 1_000, effects.NewMemoryBus(8), ids.AuthorityID{byte(seed)})
	require.NoError(t, err)
	return rt
}

type member struct {
	Member
	priv ed25519.PrivateKey
	ring *Keyring
}

func newMember(rt *effects.Runtime, seed byte) member {
	priv := keyFromSeed(seed)
	return member{
		Member: Member{Device: ids.DeviceID{seed}, Key: priv.Public().(ed25519.PublicKey)},
		priv:   priv,
		ring:   NewKeyring(ids.DeviceID{seed}, priv, rt.Crypto),
	}
}

func newGroup(t *testing.T, seed uint64) (*Group, ed25519.PrivateKey) {
	t.Helper()
	admin := keyFromSeed(0xAD)
	return New(groupID, admin.Public().(ed25519.PublicKey), testRuntime(t, seed), WithSigner(KeySigner(admin))), admin
}

func TestTree_CommitmentIgnoresChildOrder(t *testing.T) {
	a, b := ids.NodeID{1}, ids.NodeID{2}
	build := func(children ...ids.NodeID) *Tree {
		tr := NewTree(HashBlake3V1, 3, ids.NodeID{9})
		tr.Put(Node{ID: a, Kind: NodeDevice, Member: ids.DeviceID{1}})
		tr.Put(Node{ID: b, Kind: NodeDevice, Member: ids.DeviceID{2}})
		tr.Put(Node{ID: tr.Root, Kind: NodeGroup, Policy: Threshold(1), Children: children})
		return tr
	}
	c1, err := build(a, b).RootCommitment()
	require.NoError(t, err)
	c2, err := build(b, a).RootCommitment()
	require.NoError(t, err)
	assert.Equal(t, c1, c2)

	later := build(a, b)
	later.Epoch = 4
	c3, err := later.RootCommitment()
	require.NoError(t, err)
	assert.NotEqual(t, c1, c3, "epoch is committed")

	unknown := build(a, b)
	unknown.Hash = HashAlgorithm(99)
	_, err = unknown.RootCommitment()
	assert.True(t, errs.IsCode(err, errs.CodeHashMismatch))
}

func TestTree_SharedChildrenAreAllowed(t *testing.T) {
	tr := NewTree(HashBlake3V1, 1, ids.NodeID{9})
	shared := ids.NodeID{5}
	tr.Put(Node{ID: shared, Kind: NodeDevice, Member: ids.DeviceID{5}})
	tr.Put(Node{ID: ids.NodeID{6}, Kind: NodeDevice, Member: ids.DeviceID{6}})
	tr.Put(Node{ID: ids.NodeID{7}, Kind: NodeIdentity, Policy: Policy{Kind: PolicyAny}, Children: []ids.NodeID{shared, {6}}})
	tr.Put(Node{ID: tr.Root, Kind: NodeGroup, Policy: Policy{Kind: PolicyAll}, Children: []ids.NodeID{shared, {7}}})
	require.NoError(t, tr.Validate())
	assert.Equal(t, []ids.DeviceID{{5}, {6}}, tr.Leaves(tr.Root))
}

func TestTree_Validate(t *testing.T) {
	cases := map[string]func(*Tree){
		"missing root": func(tr *Tree) { tr.Root = ids.NodeID{0xEE} },
		"missing child": func(tr *Tree) {
			tr.Put(Node{ID: tr.Root, Kind: NodeGroup, Policy: Policy{Kind: PolicyAll}, Children: []ids.NodeID{{0xEE}}})
		},
		"leaf with children": func(tr *Tree) {
			tr.Put(Node{ID: ids.NodeID{1}, Kind: NodeDevice, Member: ids.DeviceID{1}, Children: []ids.NodeID{tr.Root}})
		},
		"anonymous leaf": func(tr *Tree) { tr.Put(Node{ID: ids.NodeID{1}, Kind: NodeDevice}) },
		"unsatisfiable threshold": func(tr *Tree) {
			tr.Put(Node{ID: tr.Root, Kind: NodeGroup, Policy: Threshold(2), Children: []ids.NodeID{{1}}})
		},
		"cycle": func(tr *Tree) {
			tr.Put(Node{ID: ids.NodeID{2}, Kind: NodeGroup, Policy: Policy{Kind: PolicyAny}, Children: []ids.NodeID{{3}}})
			tr.Put(Node{ID: ids.NodeID{3}, Kind: NodeGroup, Policy: Policy{Kind: PolicyAny}, Children: []ids.NodeID{{2}}})
		},
		"self loop": func(tr *Tree) {
			tr.Put(Node{ID: ids.NodeID{2}, Kind: NodeGroup, Policy: Policy{Kind: PolicyAny}, Children: []ids.NodeID{{2}}})
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tr := NewTree(HashBlake3V1, 1, ids.NodeID{9})
			tr.Put(Node{ID: ids.NodeID{1}, Kind: NodeDevice, Member: ids.DeviceID{1}})
			tr.Put(Node{ID: tr.Root, Kind: NodeGroup, Policy: Policy{Kind: PolicyAll}, Children: []ids.NodeID{{1}}})
			require.NoError(t, tr.Validate())
			mutate(tr)
			assert.True(t, errs.IsKind(tr.Validate(), errs.KindValidation))
		})
	}
}

func TestGroup_MembershipRotatesKeys(t *testing.T) {
	ctx := context.Background()
	g, _ := newGroup(t, 1)
	rt := testRuntime(t, 2)
	alice, bob, carol := newMember(rt, 1), newMember(rt, 2), newMember(rt, 3)

	var last *EpochKeys
	for _, m := range []member{alice, bob, carol} {
		op, keys, err := g.Add(ctx, m.Member)
		require.NoError(t, err)
		assert.Equal(t, OpAdd, op.Kind)
		last = keys
	}
	assert.Equal(t, uint64(3), g.Epoch())
	assert.Equal(t, []ids.DeviceID{alice.Device, bob.Device, carol.Device}, g.Members())
	c, err := g.Commitment()
	require.NoError(t, err)
	assert.Equal(t, c, last.Commitment)

	for _, m := range []member{alice, bob, carol} {
		require.NoError(t, m.ring.Accept(last))
	}
	msg, err := alice.ring.Encrypt(groupID, []byte("hello group"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), msg.Epoch)
	pt, err := carol.ring.Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello group"), pt)

	_, removal, err := g.Remove(ctx, carol.Device)
	require.NoError(t, err)
	assert.True(t, errs.IsCode(carol.ring.Accept(removal), errs.CodeInsufficient))
	require.NoError(t, alice.ring.Accept(removal))
	require.NoError(t, bob.ring.Accept(removal))

	after, err := alice.ring.Encrypt(groupID, []byte("carol is gone"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), after.Epoch)
	_, err = carol.ring.Decrypt(after)
	assert.True(t, errs.IsCode(err, errs.CodeDecrypt))
	pt, err = bob.ring.Decrypt(after)
	require.NoError(t, err)
	assert.Equal(t, []byte("carol is gone"), pt)

	tampered := *after
	tampered.Sender = carol.Device
	_, err = bob.ring.Decrypt(&tampered)
	assert.True(t, errs.IsCode(err, errs.CodeDecrypt))

	bob.ring.Forget(groupID, 4)
	_, err = bob.ring.Decrypt(msg)
	assert.True(t, errs.IsCode(err, errs.CodeDecrypt))
}

func TestGroup_RejectsInvalidChanges(t *testing.T) {
	ctx := context.Background()
	g, _ := newGroup(t, 1)
	alice := newMember(testRuntime(t, 2), 1)
	_, _, err := g.Add(ctx, alice.Member)
	require.NoError(t, err)

	_, _, err = g.Add(ctx, alice.Member)
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, _, err = g.Remove(ctx, ids.DeviceID{0xEE})
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, _, err = g.UpdatePolicy(ctx, Threshold(2))
	assert.True(t, errs.IsCode(err, errs.CodeInvalidThreshold))
	assert.Equal(t, uint64(1), g.Epoch(), "rejected changes leave the epoch alone")

	_, _, err = New(groupID, nil, testRuntime(t, 3)).Rotate(ctx)
	assert.True(t, errs.IsCode(err, errs.CodeMissingField))
}

func TestGroup_ReplicasConverge(t *testing.T) {
	ctx := context.Background()
	g, admin := newGroup(t, 1)
	replica := New(groupID, admin.Public().(ed25519.PublicKey), testRuntime(t, 9))
	rt := testRuntime(t, 2)

	_, _, err := g.Add(ctx, newMember(rt, 1).Member)
	require.NoError(t, err)
	_, _, err = g.Add(ctx, newMember(rt, 2).Member)
	require.NoError(t, err)
	_, _, err = g.UpdatePolicy(ctx, Threshold(2))
	require.NoError(t, err)
	_, _, err = g.Rotate(ctx)
	require.NoError(t, err)

	for _, op := range g.Log() {
		wire, err := EncodeOperation(op)
		require.NoError(t, err)
		decoded, err := DecodeOperation(wire)
		require.NoError(t, err)
		require.NoError(t, replica.Apply(decoded))
	}
	assert.Equal(t, g.Members(), replica.Members())
	assert.Equal(t, Threshold(2), replica.Policy())
	want, err := g.Commitment()
	require.NoError(t, err)
	got, err := replica.Commitment()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	stale := g.Log()[0]
	assert.True(t, errs.IsCode(replica.Apply(stale), errs.CodeUnexpectedState))
}

func TestGroup_ApplyChecksSignatureAndCommitment(t *testing.T) {
	ctx := context.Background()
	g, admin := newGroup(t, 1)
	op, _, err := g.Add(ctx, newMember(testRuntime(t, 2), 1).Member)
	require.NoError(t, err)

	forged := *op
	forged.Signature = ed25519.Sign(keyFromSeed(0x66), []byte("x"))
	replica := New(groupID, admin.Public().(ed25519.PublicKey), testRuntime(t, 3))
	assert.True(t, errs.IsCode(replica.Apply(&forged), errs.CodeBadSignature))

	wrong := *op
	wrong.Commitment = ids.Hash{1}
	msg, err := wrong.SigningBytes()
	require.NoError(t, err)
	wrong.Signature = ed25519.Sign(admin, msg)
	assert.True(t, errs.IsCode(replica.Apply(&wrong), errs.CodeHashMismatch))

	require.NoError(t, replica.Apply(op))
}

func TestRecord_UpdatesJournalRoster(t *testing.T) {
	ctx := context.Background()
	g, _ := newGroup(t, 1)
	rt := testRuntime(t, 2)
	author := keyFromSeed(0x77)
	device := ids.DeviceID{0x77}

	j := journal.New(ids.AuthorityID{0xA0})
	genesis := j.Prepare(device, journal.NewAddDevice(journal.AddDevice{Device: device, PublicKey: author.Public().(ed25519.PublicKey), AddedAt: 1}))
	require.NoError(t, genesis.SignWithDevice(author))
	require.NoError(t, j.Append(ctx, genesis))

	alice, bob := newMember(rt, 1), newMember(rt, 2)
	for _, step := range []func() (*Operation, *EpochKeys, error){
		func() (*Operation, *EpochKeys, error) { return g.Add(ctx, alice.Member) },
		func() (*Operation, *EpochKeys, error) { return g.Add(ctx, bob.Member) },
		func() (*Operation, *EpochKeys, error) { return g.Remove(ctx, alice.Device) },
		func() (*Operation, *EpochKeys, error) { return g.UpdatePolicy(ctx, Policy{Kind: PolicyAny}) },
	} {
		op, _, err := step()
		require.NoError(t, err)
		require.NoError(t, Record(ctx, j, device, author, op))
	}

	roster := j.State().Groups[groupID]
	require.NotNil(t, roster)
	assert.Equal(t, g.Members(), roster.Members())
	assert.Equal(t, g.Epoch(), roster.Epoch)
	assert.Len(t, j.FactsByPredicate("group.policy"), 1)
}

func TestEpochKeys_WireForm(t *testing.T) {
	g, _ := newGroup(t, 1)
	rt := testRuntime(t, 2)
	alice := newMember(rt, 1)
	_, keys, err := g.Add(context.Background(), alice.Member)
	require.NoError(t, err)

	wire, err := EncodeEpochKeys(keys)
	require.NoError(t, err)
	decoded, err := DecodeEpochKeys(wire)
	require.NoError(t, err)
	require.NoError(t, alice.ring.Accept(decoded))
	epoch, ok := alice.ring.Epoch(groupID)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), epoch)

	decoded.Commitment = ids.Hash{1}
	assert.Error(t, newMember(rt, 1).ring.Accept(decoded), "the KEK is bound to the commitment")
}

// fabric is a group containing an identity of two devices and a guardian.
// The guardian also sits directly under the identity, and the first device
// grants a capability to the group.
func fabric() *Tree {
	tr := NewTree(HashBlake3V1, 2, ids.NodeID{0x10})
	tr.Put(Node{ID: ids.NodeID{1}, Kind: NodeDevice, Member: ids.DeviceID{1}, Grants: []ids.NodeID{{0x10}}})
	tr.Put(Node{ID: ids.NodeID{2}, Kind: NodeDevice, Member: ids.DeviceID{2}})
	tr.Put(Node{ID: ids.NodeID{3}, Kind: NodeGuardian, Member: ids.DeviceID{3}})
	tr.Put(Node{ID: ids.NodeID{4}, Kind: NodeIdentity, Policy: Threshold(1), Children: []ids.NodeID{{1}, {2}, {3}}})
	tr.Put(Node{ID: tr.Root, Kind: NodeGroup, Policy: Policy{Kind: PolicyAll}, Children: []ids.NodeID{{4}, {3}}})
	return tr
}

func TestTree_KindsAndTypedEdges(t *testing.T) {
	tr := fabric()
	require.NoError(t, tr.Validate(), "a grant back up to the group is not a contains cycle")
	assert.Equal(t, []ids.DeviceID{{1}, {2}, {3}}, tr.Leaves(tr.Root))

	var contains, grants int
	for _, e := range tr.Edges() {
		switch e.Kind {
		case EdgeContains:
			contains++
		case EdgeGrants:
			grants++
			assert.Equal(t, ids.NodeID{1}, e.From)
			assert.Equal(t, ids.NodeID{0x10}, e.To)
		}
	}
	assert.Equal(t, 5, contains)
	assert.Equal(t, 1, grants)
	assert.Equal(t, "grants-capability", EdgeGrants.String())
	assert.Equal(t, "guardian", NodeGuardian.String())

	before, err := tr.RootCommitment()
	require.NoError(t, err)
	n, _ := tr.Node(ids.NodeID{2})
	n.Grants = []ids.NodeID{{4}}
	tr.Put(n)
	after, err := tr.RootCommitment()
	require.NoError(t, err)
	assert.Equal(t, before, after, "grant edges stay out of the commitment")

	for name, mutate := range map[string]func(*Tree){
		"grant to missing node": func(tr *Tree) {
			tr.Put(Node{ID: ids.NodeID{2}, Kind: NodeDevice, Member: ids.DeviceID{2}, Grants: []ids.NodeID{{0xEE}}})
		},
		"self grant": func(tr *Tree) {
			tr.Put(Node{ID: ids.NodeID{2}, Kind: NodeDevice, Member: ids.DeviceID{2}, Grants: []ids.NodeID{{2}}})
		},
		"guardian with children": func(tr *Tree) {
			tr.Put(Node{ID: ids.NodeID{3}, Kind: NodeGuardian, Member: ids.DeviceID{3}, Children: []ids.NodeID{{1}}})
		},
		"messaging key off a group node": func(tr *Tree) {
			tr.Put(Node{ID: ids.NodeID{4}, Kind: NodeIdentity, Policy: Threshold(1), Children: []ids.NodeID{{1}}, MessagingKey: []byte{1}})
		},
	} {
		t.Run(name, func(t *testing.T) {
			tr := fabric()
			mutate(tr)
			assert.True(t, errs.IsKind(tr.Validate(), errs.KindValidation))
		})
	}
}

func TestTree_SealedSecretsOpenDownThePath(t *testing.T) {
	rt := testRuntime(t, 4)
	tr := fabric()
	secret := bytes.Repeat([]byte{0x5E}, secretSize)
	mk := bytes.Repeat([]byte{0x4B}, secretSize)
	require.NoError(t, tr.seal(rt.Crypto, rt.Random, groupID, secret, mk))

	root, _ := tr.Node(tr.Root)
	assert.Empty(t, root.Secret, "the root secret is the epoch secret")
	require.Len(t, root.Shares, 2)
	for i, h := range root.Shares {
		c, err := tr.Commitment(root.Children[i])
		require.NoError(t, err)
		assert.Equal(t, uint16(i), h.Index)
		assert.Equal(t, c, h.Commitment)
	}
	identity, _ := tr.Node(ids.NodeID{4})
	assert.NotEmpty(t, identity.Secret)
	assert.Empty(t, identity.MessagingKey)

	got, err := tr.MessagingKey(rt.Crypto, groupID, secret, tr.Root)
	require.NoError(t, err)
	assert.Equal(t, mk, got)

	device, err := tr.OpenNode(rt.Crypto, groupID, secret, ids.NodeID{2})
	require.NoError(t, err)
	assert.Len(t, device, secretSize)
	again, err := tr.OpenNode(rt.Crypto, groupID, secret, ids.NodeID{2})
	require.NoError(t, err)
	assert.Equal(t, device, again)
	guardian, err := tr.OpenNode(rt.Crypto, groupID, secret, ids.NodeID{3})
	require.NoError(t, err)
	assert.NotEqual(t, device, guardian)

	_, err = tr.OpenNode(rt.Crypto, groupID, bytes.Repeat([]byte{0x01}, secretSize), ids.NodeID{2})
	assert.True(t, errs.IsCode(err, errs.CodeHashMismatch), "a wrong secret fails the first share proof")

	identity.Shares[1].Proof[0] ^= 0x01
	tr.Put(identity)
	_, err = tr.OpenNode(rt.Crypto, groupID, secret, ids.NodeID{2})
	assert.True(t, errs.IsCode(err, errs.CodeHashMismatch))
	_, err = tr.OpenNode(rt.Crypto, groupID, secret, ids.NodeID{1})
	assert.NoError(t, err, "other children keep their headers")
}

func TestEpochKeys_CarryKeyedTree(t *testing.T) {
	ctx := context.Background()
	g, _ := newGroup(t, 1)
	rt := testRuntime(t, 2)
	alice, bob := newMember(rt, 1), newMember(rt, 2)
	_, _, err := g.Add(ctx, alice.Member)
	require.NoError(t, err)
	_, keys, err := g.Add(ctx, bob.Member)
	require.NoError(t, err)

	tr := keys.Tree()
	root, ok := tr.Node(tr.Root)
	require.True(t, ok)
	assert.Equal(t, NodeGroup, root.Kind)
	assert.Equal(t, keys.Wrapped, root.MessagingKey)
	c, err := tr.RootCommitment()
	require.NoError(t, err)
	assert.Equal(t, keys.Commitment, c)

	wire, err := EncodeEpochKeys(keys)
	require.NoError(t, err)
	decoded, err := DecodeEpochKeys(wire)
	require.NoError(t, err)
	leaf := nodeID(groupID, bob.Device)
	fromAlice, err := alice.ring.NodeSecret(decoded, leaf)
	require.NoError(t, err)
	fromBob, err := bob.ring.NodeSecret(decoded, leaf)
	require.NoError(t, err)
	assert.Equal(t, fromAlice, fromBob)

	_, err = newMember(rt, 9).ring.NodeSecret(decoded, leaf)
	assert.True(t, errs.IsCode(err, errs.CodeInsufficient))
}
