package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// SnapshotVersion is the only snapshot format version this engine reads and
// writes.
const SnapshotVersion = "1.0"

// snapshotSchema validates a snapshot document before any of it touches the
// store.
const snapshotSchema = `{
	"type": "object",
	"required": ["memories", "version"],
	"properties": {
		"version": {"type": "string"},
		"timestamp": {"type": "string"},
		"memories": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "memory_type", "importance", "created_at"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"memory_type": {"type": "string"},
					"importance": {"type": "number"},
					"metadata": {"type": "object"},
					"created_at": {"type": "string"},
					"last_accessed": {"type": "string"},
					"access_count": {"type": "integer", "minimum": 0}
				}
			}
		},
		"links": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"additionalProperties": {
					"type": "array",
					"items": {"type": "string"}
				}
			}
		}
	}
}`

// Snapshot is the versioned persistence format for the engine's base-store
// state. Tier-internal bookkeeping is not serialized.
type Snapshot struct {
	Memories  []SnapshotItem                 `json:"memories"`
	Links     map[string]map[string][]string `json:"links,omitempty"`
	Timestamp string                         `json:"timestamp"`
	Version   string                         `json:"version"`
}

// SnapshotItem is the wire form of a memory item, snake_case keyed.
type SnapshotItem struct {
	ID           string                 `json:"id"`
	Content      interface{}            `json:"content"`
	MemoryType   string                 `json:"memory_type"`
	Importance   float64                `json:"importance"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	AccessCount  int                    `json:"access_count"`
}

func snapshotFromItems(items []*MemoryItem, links map[string]map[string][]string) *Snapshot {
	snap := &Snapshot{
		Memories:  make([]SnapshotItem, 0, len(items)),
		Links:     links,
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   SnapshotVersion,
	}
	for _, item := range items {
		snap.Memories = append(snap.Memories, SnapshotItem{
			ID:           item.ID,
			Content:      item.Content,
			MemoryType:   item.MemoryType,
			Importance:   item.Importance,
			Metadata:     item.Metadata,
			CreatedAt:    item.CreatedAt,
			LastAccessed: item.LastAccessed,
			AccessCount:  item.AccessCount,
		})
	}
	return snap
}

func (si SnapshotItem) toMemoryItem() *MemoryItem {
	return &MemoryItem{
		ID:           si.ID,
		Content:      si.Content,
		MemoryType:   si.MemoryType,
		Importance:   clampUnit(si.Importance),
		Metadata:     si.Metadata,
		CreatedAt:    si.CreatedAt,
		LastAccessed: si.LastAccessed,
		AccessCount:  si.AccessCount,
	}
}

// writeSnapshot persists the snapshot atomically: tmp file, fsync, rename.
func writeSnapshot(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename snapshot into place: %w", err)
	}
	return nil
}

// readSnapshot loads and validates a snapshot file. Schema validation runs
// before unmarshalling so a malformed document never partially applies.
func readSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(snapshotSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot schema validation error: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for i, verr := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += verr.String()
		}
		return nil, fmt.Errorf("snapshot schema validation errors: %s", errMsg)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %q", snap.Version)
	}
	return &snap, nil
}
