package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStable(t *testing.T) {
	in := map[string]any{
		"name": "web",
		"tags": map[string]any{"b": "2", "a": "1"},
		"list": []any{"x", "y"},
	}
	h1, err := Hash(in)
	require.NoError(t, err)
	for range 10 {
		h2, err := Hash(in)
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
	}
}

func TestHashNumericNormalization(t *testing.T) {
	a, err := Hash(map[string]any{"size": 2})
	require.NoError(t, err)
	b, err := Hash(map[string]any{"size": 2.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashDetectsChange(t *testing.T) {
	a, _ := Hash(map[string]any{"replicas": 1})
	b, _ := Hash(map[string]any{"replicas": 2})
	assert.NotEqual(t, a, b)
}

func TestHashIgnoresKeys(t *testing.T) {
	a, _ := Hash(map[string]any{"image": "v1", "tags": map[string]any{"x": "1"}}, "tags")
	b, _ := Hash(map[string]any{"image": "v1", "tags": map[string]any{"x": "2"}}, "tags")
	assert.Equal(t, a, b)
}
