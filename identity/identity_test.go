package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocumentID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewDocumentID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate document id %s", id)
		seen[id] = true
	}
}

func TestChunkID(t *testing.T) {
	assert.Equal(t, "doc-1:0", ChunkID("doc-1", 0))
	assert.Equal(t, "doc-1:42", ChunkID("doc-1", 42))

	// Deterministic: same inputs, same id.
	assert.Equal(t, ChunkID("doc-1", 7), ChunkID("doc-1", 7))
}

func TestChunkOrdinal(t *testing.T) {
	assert.Equal(t, 42, ChunkOrdinal(ChunkID("doc-1", 42)))
	assert.Equal(t, 3, ChunkOrdinal("blob/doc-1/doc-1:3"))
	assert.Equal(t, -1, ChunkOrdinal("no-ordinal-here"))
	assert.Equal(t, -1, ChunkOrdinal("doc:notanumber"))
}

func TestStepKey(t *testing.T) {
	assert.Equal(t, "doc-1:vector_write", StepKey("doc-1", "vector_write"))
}

func TestRelationID(t *testing.T) {
	id := RelationID("a", "b", "cites")
	assert.Len(t, id, 64) // hex sha-256

	assert.Equal(t, id, RelationID("a", "b", "cites"))
	assert.NotEqual(t, id, RelationID("b", "a", "cites"), "direction must matter")
	assert.NotEqual(t, id, RelationID("a", "b", "mentions"))

	// Concatenation ambiguity: ("ab","c") vs ("a","bc") must differ.
	assert.NotEqual(t, RelationID("ab", "c", "t"), RelationID("a", "bc", "t"))
}
