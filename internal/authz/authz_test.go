package authz

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

var account = ids.AuthorityID{0xA0}

type device struct {
	id   ids.DeviceID
	priv ed25519.PrivateKey
}

func newDevice(seed byte) device {
	return device{id: ids.DeviceID{seed}, priv: ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, 32))}
}

func (d device) pub() ed25519.PublicKey { return d.priv.Public().(ed25519.PublicKey) }

type env struct {
	root, alice, bob device
	group            ed25519.PrivateKey
	reg              *capability.Registry
	auth             AuthContext
}

func newEnv() *env {
	e := &env{root: newDevice(1), alice: newDevice(2), bob: newDevice(3), group: newDevice(0x99).priv}
	dir := capability.NewDirectory()
	for _, d := range []device{e.root, e.alice, e.bob} {
		dir.Add(d.id, account, d.pub())
	}
	e.reg = capability.NewRegistry(dir)
	e.auth = AuthContext{Authority: account, Keys: dir, GroupKey: e.group.Public().(ed25519.PublicKey)}
	return e
}

func (e *env) issue(t *testing.T, holder device, perms ...capability.Permission) *capability.Token {
	t.Helper()
	tok, err := capability.Issue(e.root.priv, account, e.root.id, holder.id, perms, 0, 0)
	require.NoError(t, err)
	e.reg.Register(tok)
	return tok
}

func request(d device, p capability.Permission, ts int64, toks ...*capability.Token) *Request {
	r := &Request{Subject: Subject{Device: d.id}, Permission: p, Capabilities: toks, Timestamp: ts}
	r.Sign(d.priv)
	return r
}

func TestDecide_CapabilityBasis(t *testing.T) {
	e := newEnv()
	tok := e.issue(t, e.alice, capability.Storage("write", "/docs/**"))
	dec := NewDecider().Decide(request(e.alice, capability.Storage("read", "/docs/a"), 10, tok), e.auth, PolicyContext{Now: 10, Registry: e.reg})
	require.True(t, dec.Allowed(), dec.Reason)
	assert.Equal(t, BasisCapability, dec.Basis.Kind)
	assert.Equal(t, tok.ID(), dec.Basis.Capability)
	assert.Equal(t, 1, dec.Basis.ChainLength)

	dec = NewDecider().Decide(request(e.alice, capability.Storage("write", "/photos/a"), 10, tok), e.auth, PolicyContext{Now: 10, Registry: e.reg})
	assert.Equal(t, Deny, dec.Outcome)
	assert.True(t, errs.IsCode(dec.Err, errs.CodeInsufficient))
}

func TestDecide_RevokedChain(t *testing.T) {
	e := newEnv()
	c1 := e.issue(t, e.alice, capability.Storage("write", "/docs/**"))
	c2, err := capability.Delegate(c1, e.alice.priv, e.bob.id, []capability.Permission{capability.Storage("read", "/docs/**")}, 5, 0)
	require.NoError(t, err)
	e.reg.Register(c2)

	d := NewDecider()
	pol := PolicyContext{Now: 20, Registry: e.reg}
	dec := d.Decide(request(e.bob, capability.Storage("read", "/docs/x"), 20, c2), e.auth, pol)
	require.True(t, dec.Allowed(), dec.Reason)
	assert.Equal(t, 2, dec.Basis.ChainLength)

	e.reg.Revoke(c1.ID())
	dec = d.Decide(request(e.bob, capability.Storage("read", "/docs/x"), 30, c2), e.auth, pol)
	assert.Equal(t, Deny, dec.Outcome)
	assert.True(t, errs.IsCode(dec.Err, errs.CodeRevoked))

	dec = d.Decide(request(e.alice, capability.Storage("read", "/docs/x"), 30, c2), e.auth, pol)
	assert.True(t, errs.IsCode(dec.Err, errs.CodeInsufficient), "alice does not hold c2")
}

func TestDecide_VerifiesAtRequestTime(t *testing.T) {
	e := newEnv()
	tok, err := capability.Issue(e.root.priv, account, e.root.id, e.alice.id, []capability.Permission{capability.Storage("read", "/tmp/**")}, 0, 5_000)
	require.NoError(t, err)
	e.reg.Register(tok)
	pol := PolicyContext{Now: 10_000, Registry: e.reg}

	dec := NewDecider().Decide(request(e.alice, capability.Storage("read", "/tmp/a"), 4_000, tok), e.auth, pol)
	assert.True(t, dec.Allowed())
	dec = NewDecider().Decide(request(e.alice, capability.Storage("read", "/tmp/a"), 6_000, tok), e.auth, pol)
	assert.True(t, errs.IsCode(dec.Err, errs.CodeExpired))
}

func TestDecide_Authentication(t *testing.T) {
	e := newEnv()
	p := capability.Storage("read", "/a")
	d := NewDecider()

	stranger := request(newDevice(0x55), p, 1)
	assert.True(t, errs.IsCode(d.Decide(stranger, e.auth, PolicyContext{}).Err, errs.CodeUnknownDevice))

	forged := request(e.alice, p, 1)
	forged.Timestamp = 2
	assert.True(t, errs.IsCode(d.Decide(forged, e.auth, PolicyContext{}).Err, errs.CodeBadSignature))

	other := e.auth
	other.Authority = ids.AuthorityID{0xB0}
	assert.True(t, errs.IsCode(d.Decide(request(e.alice, p, 1), other, PolicyContext{}).Err, errs.CodeUnknownDevice))

	assert.True(t, errs.IsCode(d.Decide(request(e.alice, p, 1), AuthContext{}, PolicyContext{}).Err, errs.CodeMissingField))
}

func TestDecide_ThresholdSubject(t *testing.T) {
	e := newEnv()
	d := NewDecider()
	p := capability.DeviceAuth()
	signed := func(s Subject) *Request {
		r := &Request{Subject: s, Permission: p, Timestamp: 1}
		r.Sign(e.group)
		return r
	}
	members := []ids.DeviceID{e.root.id, e.alice.id, e.bob.id}

	dec := d.Decide(signed(Subject{Participants: members, Threshold: 2}), e.auth, PolicyContext{})
	require.True(t, dec.Allowed(), dec.Reason)
	assert.Equal(t, Basis{Kind: BasisThreshold, M: 2, N: 3}, *dec.Basis)

	cases := map[string]struct {
		subject Subject
		code    errs.Code
	}{
		"threshold above participants": {Subject{Participants: members, Threshold: 4}, errs.CodeInvalidThreshold},
		"zero threshold":               {Subject{Participants: members}, errs.CodeInvalidThreshold},
		"duplicate participant":        {Subject{Participants: []ids.DeviceID{e.alice.id, e.alice.id}, Threshold: 1}, errs.CodeInvalid},
		"unknown participant":          {Subject{Participants: []ids.DeviceID{e.alice.id, {0x55}}, Threshold: 1}, errs.CodeUnknownDevice},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dec := d.Decide(signed(tc.subject), e.auth, PolicyContext{})
			assert.Equal(t, Deny, dec.Outcome)
			assert.True(t, errs.IsCode(dec.Err, tc.code), "got %v", dec.Err)
		})
	}

	bad := signed(Subject{Participants: members, Threshold: 2})
	bad.Sign(e.alice.priv)
	assert.True(t, errs.IsCode(d.Decide(bad, e.auth, PolicyContext{}).Err, errs.CodeBadSignature))
}

func TestDecide_DirectAuthorityAndOverride(t *testing.T) {
	e := newEnv()
	g := capability.NewGraph()
	g.Contain(capability.AuthoritySubject(account), capability.DeviceSubject(e.alice.id))
	d := NewDecider()
	p := capability.Storage("admin", "/settings")

	dec := d.Decide(request(e.alice, p, 1), e.auth, PolicyContext{Graph: g})
	require.True(t, dec.Allowed(), dec.Reason)
	assert.Equal(t, BasisDirectAuthority, dec.Basis.Kind)

	dec = d.Decide(request(e.bob, p, 1), e.auth, PolicyContext{Graph: g})
	assert.Equal(t, Deny, dec.Outcome)

	override := &Request{Subject: Subject{Device: e.bob.id}, Permission: p, Timestamp: 1, Context: map[string]string{ContextOverride: "admin"}}
	override.Sign(e.bob.priv)
	dec = d.Decide(override, e.auth, PolicyContext{Graph: g, Admins: []ids.DeviceID{e.bob.id}})
	require.True(t, dec.Allowed())
	assert.Equal(t, BasisAdminOverride, dec.Basis.Kind)
}

func TestDecide_Rules(t *testing.T) {
	e := newEnv()
	tok := e.issue(t, e.alice, capability.Storage("write", "/**"), capability.Communication("send", "*"))
	vault := Rule{
		Name:   "vault",
		Kind:   capability.PermStorage,
		Target: "/vault/**",
		Effect: EffectRequire,
		Requirements: []Requirement{
			{Kind: ChallengeThresholdSignature, Count: 2},
			{Kind: ChallengeCapability, Name: "storage:admin:/vault/**"},
			{Kind: ChallengeGuardianApproval, Count: 2},
			{Kind: ChallengeTimeDelay, Hours: 24},
		},
	}
	recovery := Rule{
		Name:   "recovery",
		Kind:   capability.PermStorage,
		Target: "/recovery/**",
		Effect: EffectRequire,
		Requirements: []Requirement{
			{Kind: ChallengeGuardianApproval, Count: 2},
			{Kind: ChallengeTimeDelay, Hours: 24},
		},
	}
	noChat := Rule{Name: "no-chat", Kind: capability.PermCommunication, Effect: EffectDeny}
	d := NewDecider(WithRules(vault, recovery, noChat))

	now := int64(100 * hourMs)
	withContext := func(p capability.Permission, ctx map[string]string) *Request {
		r := &Request{Subject: Subject{Device: e.alice.id}, Permission: p, Capabilities: []*capability.Token{tok}, Context: ctx, Timestamp: now}
		r.Sign(e.alice.priv)
		return r
	}
	pol := PolicyContext{Now: now, Registry: e.reg}

	dec := d.Decide(withContext(capability.Storage("read", "/vault/keys"), map[string]string{
		ContextGuardianApprovals: "1",
		ContextRequestedAt:       "351000000", // two and a half hours ago
	}), e.auth, pol)
	require.Equal(t, RequiresVerification, dec.Outcome)
	assert.Equal(t, []Challenge{
		{Kind: ChallengeThresholdSignature, Required: 2, Current: 0},
		{Kind: ChallengeCapability, Name: "storage:admin:/vault/**"},
		{Kind: ChallengeGuardianApproval, Required: 2, Current: 1},
		{Kind: ChallengeTimeDelay, Hours: 22},
	}, dec.Challenges)

	dec = d.Decide(withContext(capability.Storage("read", "/recovery/blob"), map[string]string{
		ContextGuardianApprovals: "2",
		ContextRequestedAt:       "0",
	}), e.auth, pol)
	require.True(t, dec.Allowed(), dec.Reason)
	assert.Equal(t, BasisCapability, dec.Basis.Kind)

	dec = d.Decide(withContext(capability.Storage("read", "/recovery/blob"), nil), e.auth,
		PolicyContext{Now: now, Registry: e.reg, Data: map[string]string{ContextGuardianApprovals: "3", ContextRequestedAt: "0"}})
	assert.True(t, dec.Allowed(), "policy data satisfies requirements too")

	dec = d.Decide(withContext(capability.Communication("send", "friend"), nil), e.auth, pol)
	assert.Equal(t, Deny, dec.Outcome)
	assert.Contains(t, dec.Reason, "no-chat")
}

func TestGuardedStorage(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	tok := e.issue(t, e.alice, capability.Storage("write", "/docs/**"))
	inner := effects.NewMemoryStorage(0)
	require.NoError(t, inner.Put(ctx, "/photos/cat", []byte("meow")))
	budget := choreo.NewFlowBudget(4)
	s := NewGuardedStorage(inner, e.reg, tok, effects.NewMockClock(1), WithBudget(budget, ids.ContextID{1}, account))

	require.NoError(t, s.Put(ctx, "/docs/a", []byte("a")))
	got, err := s.Get(ctx, "/docs/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	_, err = s.Get(ctx, "/photos/cat")
	assert.True(t, errs.IsCode(err, errs.CodeInsufficient))
	assert.True(t, errs.IsCode(s.Delete(ctx, "/docs/a"), errs.CodeInsufficient), "write does not imply delete")
	assert.True(t, errs.IsCode(s.Clear(ctx), errs.CodeInsufficient))

	keys, err := s.List(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs/a"}, keys)

	assert.Equal(t, uint64(3), budget.Spent(ids.ContextID{1}, account))
	require.NoError(t, s.Put(ctx, "/docs/b", []byte("b")))
	assert.True(t, choreo.IsBudgetExhausted(s.Put(ctx, "/docs/c", []byte("c"))))

	e.reg.Revoke(tok.ID())
	_, err = s.List(ctx, "/")
	assert.True(t, errs.IsCode(err, errs.CodeRevoked))
}
