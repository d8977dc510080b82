package tapehash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalHashIsKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1.0, "a": 2.0}
	b := map[string]any{"a": 2.0, "b": 1.0}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalHashDiffersOnDifferentContent(t *testing.T) {
	ha, err := CanonicalHash(map[string]any{"x": 1.0})
	require.NoError(t, err)
	hb, err := CanonicalHash(map[string]any{"x": 2.0})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestFastHashDeterministic(t *testing.T) {
	v := map[string]any{"k": "v", "n": 3.0}
	a, err := FastHash(v)
	require.NoError(t, err)
	b, err := FastHash(v)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}

func TestHashBytesKnownValue(t *testing.T) {
	// sha256("") per RFC test vector
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashBytes(nil))
}
