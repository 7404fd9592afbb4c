package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Deterministic(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}}
	b := map[string]any{"c": []any{"x", "y"}, "a": 1, "b": 2}

	encodedA, err := Marshal(a)
	require.NoError(t, err)
	encodedB, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, encodedA, encodedB)
}

func TestUnmarshal_AnyMapsAreStringKeyed(t *testing.T) {
	encoded, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	var decoded any
	require.NoError(t, Unmarshal(encoded, &decoded))

	top, ok := decoded.(map[string]any)
	require.True(t, ok)
	_, ok = top["nested"].(map[string]any)
	assert.True(t, ok)
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode("first"))
	require.NoError(t, enc.Encode(uint64(2)))

	dec := NewDecoder(&buf)
	var first string
	var second uint64
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "first", first)
	assert.Equal(t, uint64(2), second)
}
