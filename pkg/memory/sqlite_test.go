package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSQLiteBackend(t *testing.T, dimension int) *SQLiteBackend {
	t.Helper()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "memories.db"), dimension, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestSQLiteStoreRetrieve(t *testing.T) {
	backend := createTestSQLiteBackend(t, 0)
	ctx := context.Background()

	item := NewMemoryItem("persisted", MemoryTypeFact, 0.7, map[string]interface{}{"source": "test"})
	require.NoError(t, backend.Store(ctx, item))

	got, ok := backend.Retrieve(ctx, item.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Content)
	assert.Equal(t, MemoryTypeFact, got.MemoryType)
	assert.Equal(t, 0.7, got.Importance)
	assert.Equal(t, "test", got.Metadata["source"])
	assert.WithinDuration(t, item.CreatedAt, got.CreatedAt, time.Millisecond)

	_, ok = backend.Retrieve(ctx, "missing")
	assert.False(t, ok)
}

func TestSQLiteStoreUpsert(t *testing.T) {
	backend := createTestSQLiteBackend(t, 0)
	ctx := context.Background()

	item := NewMemoryItem("v1", MemoryTypeGeneric, 0.5, nil)
	require.NoError(t, backend.Store(ctx, item))

	item.Content = "v2"
	item.AccessCount = 3
	require.NoError(t, backend.Store(ctx, item))

	got, ok := backend.Retrieve(ctx, item.ID)
	require.True(t, ok)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, 3, got.AccessCount)
	assert.Equal(t, 1, backend.Count(ctx))
}

func TestSQLiteStructuredContent(t *testing.T) {
	backend := createTestSQLiteBackend(t, 0)
	ctx := context.Background()

	item := NewMemoryItem(map[string]interface{}{"key": "value"}, MemoryTypeGeneric, 0.5, nil)
	require.NoError(t, backend.Store(ctx, item))

	got, ok := backend.Retrieve(ctx, item.ID)
	require.True(t, ok)
	content, ok := got.Content.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "value", content["key"])
}

func TestSQLiteQuery(t *testing.T) {
	backend := createTestSQLiteBackend(t, 0)
	ctx := context.Background()

	low := NewMemoryItem("low", MemoryTypeGeneric, 0.2, nil)
	high := NewMemoryItem("high", MemoryTypeFact, 0.9, map[string]interface{}{"source": "user"})
	require.NoError(t, backend.Store(ctx, low))
	require.NoError(t, backend.Store(ctx, high))

	min := 0.5
	items, err := backend.Query(ctx, Query{MinImportance: &min})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, high.ID, items[0].ID)

	items, err = backend.Query(ctx, Query{MemoryType: MemoryTypeFact})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = backend.Query(ctx, Query{Metadata: map[string]interface{}{"source": "user"}})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// Descending importance.
	items, err = backend.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, high.ID, items[0].ID)
}

func TestSQLiteQueryTimeWindow(t *testing.T) {
	backend := createTestSQLiteBackend(t, 0)
	ctx := context.Background()

	old := NewMemoryItem("old", MemoryTypeGeneric, 0.5, nil)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	recent := NewMemoryItem("recent", MemoryTypeGeneric, 0.5, nil)
	require.NoError(t, backend.Store(ctx, old))
	require.NoError(t, backend.Store(ctx, recent))

	cutoff := time.Now().Add(-time.Hour)
	items, err := backend.Query(ctx, Query{CreatedAfter: &cutoff})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, recent.ID, items[0].ID)

	items, err = backend.Query(ctx, Query{CreatedBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, old.ID, items[0].ID)
}

func TestSQLiteDeleteClear(t *testing.T) {
	backend := createTestSQLiteBackend(t, 0)
	ctx := context.Background()

	item := NewMemoryItem("x", MemoryTypeGeneric, 0.5, nil)
	require.NoError(t, backend.Store(ctx, item))

	assert.True(t, backend.Delete(ctx, item.ID))
	assert.False(t, backend.Delete(ctx, item.ID))

	require.NoError(t, backend.Store(ctx, NewMemoryItem("y", MemoryTypeGeneric, 0.5, nil)))
	require.NoError(t, backend.Clear(ctx))
	assert.Equal(t, 0, backend.Count(ctx))
}

func TestSQLiteVectorIndex(t *testing.T) {
	backend := createTestSQLiteBackend(t, 3)
	ctx := context.Background()

	a := NewMemoryItem("a", MemoryTypeGeneric, 0.5, nil)
	b := NewMemoryItem("b", MemoryTypeGeneric, 0.5, nil)
	require.NoError(t, backend.Store(ctx, a))
	require.NoError(t, backend.Store(ctx, b))

	require.NoError(t, backend.IndexVector(ctx, a.ID, []float32{1, 0, 0}))
	require.NoError(t, backend.IndexVector(ctx, b.ID, []float32{0, 1, 0}))

	ids, err := backend.SimilarIDs(ctx, []float32{0.9, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, a.ID, ids[0])

	// Re-indexing replaces the stored vector.
	require.NoError(t, backend.IndexVector(ctx, a.ID, []float32{0, 0, 1}))
	ids, err = backend.SimilarIDs(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, b.ID, ids[0])

	require.NoError(t, backend.RemoveVector(ctx, b.ID))
	ids, err = backend.SimilarIDs(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}
