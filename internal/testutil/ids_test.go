package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedIDs_SameSequenceEveryRun(t *testing.T) {
	a, b := NewFixedIDs(1), NewFixedIDs(1)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Device(), b.Device())
	}
	assert.Equal(t, a.Authority(), b.Authority())
	assert.Equal(t, a.Context(), b.Context())
}

func TestFixedIDs_Distinct(t *testing.T) {
	gen := NewFixedIDs(1)
	seen := make(map[string]bool)
	for i := 0; i < 300; i++ {
		s := gen.Device().String()
		require.False(t, seen[s], "duplicate id %s", s)
		seen[s] = true
	}
}

func TestFixedIDs_TagSeparatesSources(t *testing.T) {
	a, b := NewFixedIDs(1), NewFixedIDs(2)
	assert.NotEqual(t, a.Authority(), b.Authority())
	assert.Equal(t, byte(2), b.Session()[0])
}

func TestFixedIDs_ShortRead(t *testing.T) {
	gen := NewFixedIDs(7)
	p := make([]byte, 3)
	n, err := gen.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{7, 0, 1}, p)
}
