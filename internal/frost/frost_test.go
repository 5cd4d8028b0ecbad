package frost

import (
	"crypto/ed25519"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/errs"
)

func testRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func signWith(t *testing.T, r *rand.Rand, set *KeySet, signers []Identifier, msg []byte) (*SigningPackage, []SignatureShare) {
	t.Helper()
	nonces := make(map[Identifier]*SigningNonces)
	var comms []Commitment
	for _, id := range signers {
		kp, ok := set.Package(id)
		require.True(t, ok)
		n, err := Commit(r, kp)
		require.NoError(t, err)
		nonces[id] = n
		comms = append(comms, n.Commitment)
	}
	pkg, err := NewSigningPackage(msg, comms)
	require.NoError(t, err)

	shares := make([]SignatureShare, 0, len(signers))
	for _, id := range signers {
		kp, _ := set.Package(id)
		s, err := Sign(pkg, nonces[id], kp)
		require.NoError(t, err)
		shares = append(shares, s)
	}
	return pkg, shares
}

func TestDealerShares_MatchCommitments(t *testing.T) {
	set, err := GenerateWithDealer(testRand(1), 2, 3)
	require.NoError(t, err)
	require.Len(t, set.Packages, 3)
	for i := range set.Packages {
		require.NoError(t, VerifyShareCommitment(&set.Packages[i], set.Commitments))
		require.NoError(t, set.Packages[i].Validate())
	}
}

func TestThresholdSign_AnyQuorumVerifies(t *testing.T) {
	r := testRand(2)
	set, err := GenerateWithDealer(r, 2, 3)
	require.NoError(t, err)
	msg := []byte("tree operation")

	for _, signers := range [][]Identifier{{1, 2}, {1, 3}, {2, 3}, {1, 2, 3}} {
		pkg, shares := signWith(t, r, set, signers, msg)
		sig, err := Aggregate(pkg, shares, &set.Public)
		require.NoError(t, err, "signers %v", signers)
		assert.True(t, ed25519.Verify(set.Public.GroupPublicKey, msg, sig))
		assert.NoError(t, Verify(&set.Public, msg, sig))
	}
}

func TestAggregate_NamesCulprit(t *testing.T) {
	r := testRand(3)
	set, err := GenerateWithDealer(r, 2, 3)
	require.NoError(t, err)

	pkg, shares := signWith(t, r, set, []Identifier{1, 3}, []byte("m"))
	shares[1].Z = scalarOne().Bytes()

	_, err = Aggregate(pkg, shares, &set.Public)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidShare))
	id, ok := Culprit(err)
	require.True(t, ok)
	assert.Equal(t, Identifier(3), id)
}

func TestAggregate_BelowThreshold(t *testing.T) {
	r := testRand(4)
	set, err := GenerateWithDealer(r, 3, 3)
	require.NoError(t, err)
	pkg, shares := signWith(t, r, set, []Identifier{1, 2}, []byte("m"))

	_, err = Aggregate(pkg, shares, &set.Public)
	assert.True(t, errs.IsCode(err, errs.CodeThresholdNotReached), "got %v", err)
}

func TestNewSigningPackage_RejectsDuplicates(t *testing.T) {
	r := testRand(5)
	set, err := GenerateWithDealer(r, 2, 2)
	require.NoError(t, err)
	n, err := Commit(r, &set.Packages[0])
	require.NoError(t, err)

	_, err = NewSigningPackage([]byte("m"), []Commitment{n.Commitment, n.Commitment})
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestGenerateSigningKeys_Modes(t *testing.T) {
	r := testRand(6)

	single, err := GenerateSigningKeys(r, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, ModeSingleSigner, single.Mode)
	sig, err := SignSingle(&single.Packages[0], []byte("hi"))
	require.NoError(t, err)
	assert.NoError(t, Verify(&single.Public, []byte("hi"), sig))
	assert.True(t, errs.IsCode(Verify(&single.Public, []byte("bye"), sig), errs.CodeBadSignature))

	multi, err := GenerateSigningKeys(r, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, ModeThreshold, multi.Mode)
	assert.Equal(t, []Identifier{1, 2, 3, 4}, multi.Public.Signers())

	_, err = GenerateSigningKeys(r, 3, 2)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidThreshold))
	_, err = GenerateSigningKeys(r, 0, 2)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidThreshold))
}

func TestReshare_PreservesGroupKey(t *testing.T) {
	r := testRand(7)
	old, err := GenerateWithDealer(r, 2, 3)
	require.NoError(t, err)
	oldSigners := []Identifier{1, 3}

	var contributions []*ReshareContribution
	for _, id := range oldSigners {
		kp, _ := old.Package(id)
		c, err := ReshareContribute(r, kp, oldSigners, 3, 4)
		require.NoError(t, err)
		require.NoError(t, ReshareVerify(c, &old.Public, oldSigners))
		contributions = append(contributions, c)
	}

	pub, err := ResharePublic(contributions, 3, 4)
	require.NoError(t, err)
	assert.True(t, SameGroupKey(pub, &old.Public))

	next := &KeySet{Mode: ModeThreshold, Public: *pub}
	for j := 1; j <= 4; j++ {
		kp, err := ReshareCombine(Identifier(j), contributions, 3)
		require.NoError(t, err)
		assert.Equal(t, pub.VerifyingShares[Identifier(j)], kp.VerifyingShare)
		next.Packages = append(next.Packages, *kp)
	}

	msg := []byte("after reshare")
	pkg, shares := signWith(t, r, next, []Identifier{2, 3, 4}, msg)
	sig, err := Aggregate(pkg, shares, pub)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(old.Public.GroupPublicKey, msg, sig))
}

func TestReshareVerify_RejectsUnboundContribution(t *testing.T) {
	r := testRand(8)
	old, err := GenerateWithDealer(r, 2, 3)
	require.NoError(t, err)
	kp, _ := old.Package(1)
	c, err := ReshareContribute(r, kp, []Identifier{1, 2}, 2, 3)
	require.NoError(t, err)

	err = ReshareVerify(c, &old.Public, []Identifier{1, 3})
	assert.True(t, errs.IsCode(err, errs.CodeInvalidShare))
}

func TestDerive_AnyQuorumSameKey(t *testing.T) {
	r := testRand(9)
	set, err := GenerateWithDealer(r, 2, 3)
	require.NoError(t, err)
	ctx := []byte("context:storage")

	derive := func(ids ...Identifier) []byte {
		var evals []*Evaluation
		for _, id := range ids {
			kp, _ := set.Package(id)
			ev, err := Evaluate(r, kp, ctx)
			require.NoError(t, err)
			evals = append(evals, ev)
		}
		key, err := CombineEvaluations(&set.Public, ctx, evals)
		require.NoError(t, err)
		return key
	}

	k12 := derive(1, 2)
	assert.Len(t, k12, 32)
	assert.Equal(t, k12, derive(2, 3))
	assert.Equal(t, k12, derive(3, 1, 2))

	var other []*Evaluation
	for _, id := range []Identifier{1, 2} {
		kp, _ := set.Package(id)
		ev, err := Evaluate(r, kp, []byte("context:other"))
		require.NoError(t, err)
		other = append(other, ev)
	}
	k2, err := CombineEvaluations(&set.Public, []byte("context:other"), other)
	require.NoError(t, err)
	assert.NotEqual(t, k12, k2)
}

func TestVerifyEvaluation_RejectsWrongShare(t *testing.T) {
	r := testRand(10)
	set, err := GenerateWithDealer(r, 2, 3)
	require.NoError(t, err)
	kp, _ := set.Package(1)
	ev, err := Evaluate(r, kp, []byte("c"))
	require.NoError(t, err)

	err = VerifyEvaluation(ev, set.Public.VerifyingShares[2], []byte("c"))
	assert.True(t, errs.IsCode(err, errs.CodeInvalidShare))
}
