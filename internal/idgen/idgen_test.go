package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), parsed.Version())
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestHex(t *testing.T) {
	tok := Hex(32)
	assert.Len(t, tok, 64)
	assert.NotEqual(t, tok, Hex(32))
	assert.Empty(t, Hex(0))
}
