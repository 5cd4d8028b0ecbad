package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysByUTF16(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) which sorts before
	// U+FF61 in UTF-16 but after it in UTF-8.
	obj := Object{
		"\uff61":      Int(1),
		"\U0001F600": Int(2),
		"a":          Int(3),
	}
	got, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":3,\"\U0001F600\":2,\"\uff61\":1}", string(got))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	got, err := Marshal(String("<a&b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(got))
}

func TestMarshal_LineSeparatorsLiteral(t *testing.T) {
	got, err := Marshal(String("x\u2028y"))
	require.NoError(t, err)
	assert.Equal(t, "\"x\u2028y\"", string(got))

	// A literal backslash followed by the text u2028 stays escaped.
	got, err = Marshal(String(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got))
}

func TestMarshal_NFCNormalisation(t *testing.T) {
	composed, err := Marshal(String("\u00e9"))
	require.NoError(t, err)
	decomposed, err := Marshal(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshal_RejectsFloatAndNull(t *testing.T) {
	_, err := Marshal(map[string]any{"x": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = Marshal([]any{nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null is forbidden")
}

func TestMarshal_BytesAsBase64URL(t *testing.T) {
	got, err := Marshal(Object{"k": Bytes{0xfb, 0xff}})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"-_8"}`, string(got))
}

func TestHashWithDomain_SeparatesDomains(t *testing.T) {
	data := []byte("payload")
	a := HashWithDomain(DomainEvent, data)
	b := HashWithDomain(DomainFact, data)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, HashWithDomain(DomainEvent, data))
}

func TestHashParts_LengthPrefixed(t *testing.T) {
	a := HashParts(DomainCeremony, []byte("ab"), []byte("c"))
	b := HashParts(DomainCeremony, []byte("a"), []byte("bc"))
	assert.NotEqual(t, a, b)
}
