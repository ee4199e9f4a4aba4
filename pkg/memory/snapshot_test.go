package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")

	item := NewMemoryItem("payload", MemoryTypeFact, 0.8, map[string]interface{}{"source": "test"})
	item.AccessCount = 2
	links := map[string]map[string][]string{
		item.ID: {"related": {"other-id"}},
	}

	snap := snapshotFromItems([]*MemoryItem{item}, links)
	require.Equal(t, SnapshotVersion, snap.Version)
	require.NoError(t, writeSnapshot(path, snap))

	got, err := readSnapshot(path)
	require.NoError(t, err)
	require.Len(t, got.Memories, 1)

	restored := got.Memories[0].toMemoryItem()
	assert.Equal(t, item.ID, restored.ID)
	assert.Equal(t, "payload", restored.Content)
	assert.Equal(t, MemoryTypeFact, restored.MemoryType)
	assert.Equal(t, 0.8, restored.Importance)
	assert.Equal(t, "test", restored.Metadata["source"])
	assert.Equal(t, 2, restored.AccessCount)
	assert.WithinDuration(t, item.CreatedAt, restored.CreatedAt, time.Second)
	assert.Equal(t, links, got.Links)
}

func TestReadSnapshotRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"memories": [], "version": "2.0"}`), 0644))

	_, err := readSnapshot(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported snapshot version")
}

func TestReadSnapshotRejectsMalformedDocument(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"missing memories", `{"version": "1.0"}`},
		{"memories not array", `{"memories": {}, "version": "1.0"}`},
		{"item missing id", `{"memories": [{"memory_type": "fact", "importance": 0.5, "created_at": "2026-01-01T00:00:00Z"}], "version": "1.0"}`},
		{"not json", `{{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := readSnapshot(path)
			assert.Error(t, err)
		})
	}
}

func TestReadSnapshotMissingFile(t *testing.T) {
	_, err := readSnapshot(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestSnapshotItemClampsImportance(t *testing.T) {
	si := SnapshotItem{ID: "x", MemoryType: MemoryTypeGeneric, Importance: 7}
	assert.Equal(t, 1.0, si.toMemoryItem().Importance)
}
