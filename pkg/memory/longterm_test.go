package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLongTerm(t *testing.T, cfg LongTermConfig) (*LongTermMemory, *Store) {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "long_term.db")
	}
	store := NewStore(NewInMemoryBackend(), zerolog.Nop())
	lt, err := NewLongTermMemory(store, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { lt.Close() })
	return lt, store
}

func TestLongTermAdd(t *testing.T) {
	lt, store := createTestLongTerm(t, LongTermConfig{})
	ctx := context.Background()

	id, err := lt.Add(ctx, "durable knowledge", "docs", 0.8, nil)
	require.NoError(t, err)

	assert.True(t, lt.Contains(ctx, id))

	item, ok := store.Peek(ctx, id)
	require.True(t, ok)
	assert.Equal(t, MemoryTypeLongTerm, item.MemoryType)
	assert.Equal(t, "docs", item.Metadata["source"])
	assert.Equal(t, "long_term", item.Metadata["tier"])
}

func TestLongTermImportanceFloor(t *testing.T) {
	lt, store := createTestLongTerm(t, LongTermConfig{MinImportance: 0.4})
	ctx := context.Background()

	id, err := lt.Add(ctx, "weak but kept", "test", 0.1, nil)
	require.NoError(t, err)

	item, ok := store.Peek(ctx, id)
	require.True(t, ok)
	assert.Equal(t, 0.4, item.Importance)
}

func TestLongTermStoreFloorsExistingItem(t *testing.T) {
	lt, store := createTestLongTerm(t, LongTermConfig{})
	ctx := context.Background()

	id, err := store.Add(ctx, "promoted", MemoryTypeGeneric, 0.1, nil)
	require.NoError(t, err)
	item, _ := store.Peek(ctx, id)

	require.NoError(t, lt.Store(ctx, item, "consolidation"))

	got, ok := store.Peek(ctx, id)
	require.True(t, ok)
	assert.Equal(t, 0.3, got.Importance)
	assert.Equal(t, "long_term", got.Metadata["tier"])
	assert.True(t, lt.Contains(ctx, id))
}

func TestLongTermStoreIsIdempotent(t *testing.T) {
	lt, store := createTestLongTerm(t, LongTermConfig{})
	ctx := context.Background()

	id, err := store.Add(ctx, "x", MemoryTypeGeneric, 0.9, nil)
	require.NoError(t, err)
	item, _ := store.Peek(ctx, id)

	require.NoError(t, lt.Store(ctx, item, "run1"))
	require.NoError(t, lt.Store(ctx, item, "run1"))

	stats, err := lt.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestLongTermRemoveKeepsBaseItem(t *testing.T) {
	lt, store := createTestLongTerm(t, LongTermConfig{})
	ctx := context.Background()

	id, err := lt.Add(ctx, "x", "test", 0.5, nil)
	require.NoError(t, err)

	assert.True(t, lt.Remove(ctx, id))
	assert.False(t, lt.Remove(ctx, id))
	assert.False(t, lt.Contains(ctx, id))

	_, ok := store.Peek(ctx, id)
	assert.True(t, ok)
}

func TestLongTermSearch(t *testing.T) {
	lt, _ := createTestLongTerm(t, LongTermConfig{})
	ctx := context.Background()

	_, err := lt.Add(ctx, "The capital of France is Paris", "geo", 0.6, nil)
	require.NoError(t, err)
	_, err = lt.Add(ctx, "Water boils at 100C", "physics", 0.9, nil)
	require.NoError(t, err)

	items, err := lt.Search(ctx, "paris", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Content, "Paris")

	// Empty text matches everything, importance descending.
	items, err = lt.Search(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 0.9, items[0].Importance)

	items, err = lt.Search(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestLongTermCountBySource(t *testing.T) {
	lt, _ := createTestLongTerm(t, LongTermConfig{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := lt.Add(ctx, "x", "docs", 0.5, nil)
		require.NoError(t, err)
	}
	_, err := lt.Add(ctx, "y", "chat", 0.5, nil)
	require.NoError(t, err)

	counts, err := lt.CountBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["docs"])
	assert.Equal(t, 1, counts["chat"])

	stats, err := lt.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
}
