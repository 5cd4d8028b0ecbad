package cli

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/errs"
)

func keygenJSON(t *testing.T, args ...string) KeygenResult {
	t.Helper()
	out, err := execute(t, append([]string{"keygen", "--format", "json"}, args...)...)
	require.NoError(t, err)
	var resp struct {
		Status string       `json:"status"`
		Data   KeygenResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestKeygen_Threshold(t *testing.T) {
	res := keygenJSON(t, "-m", "3", "-n", "5", "--seed", "42")
	assert.Equal(t, "threshold", res.Mode)
	assert.Equal(t, 3, res.Threshold)
	assert.Equal(t, 5, res.Participants)
	assert.Len(t, res.VerifyingShares, 5)
	assert.Len(t, res.Commitments, 3)

	key, err := hex.DecodeString(res.GroupPublicKey)
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestKeygen_SeedIsDeterministic(t *testing.T) {
	a := keygenJSON(t, "--seed", "7")
	b := keygenJSON(t, "--seed", "7")
	c := keygenJSON(t, "--seed", "8")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a.GroupPublicKey, c.GroupPublicKey)
}

func TestKeygen_SingleSigner(t *testing.T) {
	res := keygenJSON(t, "-m", "1", "-n", "1")
	assert.Equal(t, "single-signer", res.Mode)
	assert.Equal(t, res.GroupPublicKey, res.VerifyingShares["1"])
	assert.Empty(t, res.Commitments)
}

func TestKeygen_Text(t *testing.T) {
	out, err := execute(t, "keygen", "--seed", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Mode: threshold (2-of-3)")
	assert.Contains(t, out, "Group public key: ")
	assert.Contains(t, out, "  3: ")
}

func TestKeygen_InvalidThreshold(t *testing.T) {
	_, err := execute(t, "keygen", "-m", "4", "-n", "3")
	require.Error(t, err)
	assert.Equal(t, errs.ExitValidation, GetExitCode(err))
}
