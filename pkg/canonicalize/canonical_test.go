package canonicalize_test

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/agenc-core/pkg/canonicalize"
)

func TestStableString_SortsKeys(t *testing.T) {
	s, err := canonicalize.StableString(map[string]any{
		"zulu":  1,
		"alpha": 2,
		"mike":  map[string]any{"b": true, "a": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":{"a":null,"b":true},"zulu":1}`, s)
}

func TestStableString_PreservesArrayOrder(t *testing.T) {
	s, err := canonicalize.StableString([]any{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, s)
}

func TestStableString_NoHTMLEscaping(t *testing.T) {
	s, err := canonicalize.StableString(map[string]any{"k": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"<a>&</a>"}`, s)
}

func TestStableString_NonFiniteNumbers(t *testing.T) {
	s, err := canonicalize.StableString(map[string]any{
		"nan":    math.NaN(),
		"posInf": math.Inf(1),
		"negInf": math.Inf(-1),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"nan":"NaN","negInf":"-Infinity","posInf":"Infinity"}`, s)
}

func TestStableString_BigIntsAsDecimalStrings(t *testing.T) {
	v, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)

	s, err := canonicalize.StableString([]any{v})
	require.NoError(t, err)
	assert.Equal(t, `["115792089237316195423570985008687907853269984665640564039457584007913129639935"]`, s)
}

func TestStableString_ByteSlicesAsOctets(t *testing.T) {
	s, err := canonicalize.StableString(map[string]any{"sig": []byte{0, 127, 255}})
	require.NoError(t, err)
	assert.Equal(t, `{"sig":[0,127,255]}`, s)
}

func TestStableString_StructsFollowJSONTags(t *testing.T) {
	type record struct {
		Slot      uint64 `json:"slot"`
		Signature string `json:"signature"`
		Skipped   string `json:"-"`
	}
	s, err := canonicalize.StableString(record{Slot: 7, Signature: "A", Skipped: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"signature":"A","slot":7}`, s)
}

func TestCanonicalize_Idempotent(t *testing.T) {
	in := map[string]any{
		"nested": []any{map[string]any{"z": 1.5, "a": []byte{9}}},
		"n":      math.Inf(1),
	}
	once, err := canonicalize.Canonicalize(in)
	require.NoError(t, err)
	twice, err := canonicalize.Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	s1, err := canonicalize.StableString(once)
	require.NoError(t, err)
	s2, err := canonicalize.StableString(twice)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestSHA256Hex_StableAcrossKeyOrder(t *testing.T) {
	h1, err := canonicalize.SHA256Hex(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := canonicalize.SHA256Hex(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSHA256HexOfString(t *testing.T) {
	// sha256("") is a well-known vector.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		canonicalize.SHA256HexOfString(""))
}

func TestTransformRaw_MatchesStableString(t *testing.T) {
	raw := []byte(`{"z": 1, "a": {"c": [2, 1], "b": "x"}}`)
	out, err := canonicalize.TransformRaw(raw)
	require.NoError(t, err)

	var v any
	require.NoError(t, json.Unmarshal(raw, &v))
	s, err := canonicalize.StableString(v)
	require.NoError(t, err)
	assert.Equal(t, s, string(out))
}
