package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Closeable is the shutdown capability every backend implements. Callers
// close backends explicitly instead of probing for a connection at runtime.
type Closeable interface {
	Close() error
}

// Backend is the storage capability behind the base store and the tiers.
// Absence is reported through bool results, never through errors.
type Backend interface {
	// Store upserts an item by id.
	Store(ctx context.Context, item *MemoryItem) error
	// Retrieve returns a copy of the item, or false when absent.
	Retrieve(ctx context.Context, id string) (*MemoryItem, bool)
	// Delete removes the item, reporting whether it existed.
	Delete(ctx context.Context, id string) bool
	// Query returns items matching the filter, descending importance.
	Query(ctx context.Context, q Query) ([]*MemoryItem, error)
	// List returns every stored item.
	List(ctx context.Context) ([]*MemoryItem, error)
	// Count returns the number of stored items.
	Count(ctx context.Context) int
	// Clear removes all items.
	Clear(ctx context.Context) error

	Closeable
}

// VectorIndex is the optional candidate-recall capability a backend may
// provide for semantic search. Exact scoring stays in the Embedder.
type VectorIndex interface {
	IndexVector(ctx context.Context, id string, vec []float32) error
	SimilarIDs(ctx context.Context, vec []float32, limit int) ([]string, error)
	RemoveVector(ctx context.Context, id string) error
}

// Query filters items. All set fields are ANDed; results are ordered by
// descending importance.
type Query struct {
	MemoryType    string
	MinImportance *float64
	MaxImportance *float64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Metadata      map[string]interface{}
	Limit         int
	Offset        int
}

// Matches reports whether the item satisfies every set filter field.
func (q Query) Matches(item *MemoryItem) bool {
	if q.MemoryType != "" && item.MemoryType != q.MemoryType {
		return false
	}
	if q.MinImportance != nil && item.Importance < *q.MinImportance {
		return false
	}
	if q.MaxImportance != nil && item.Importance > *q.MaxImportance {
		return false
	}
	if q.CreatedAfter != nil && item.CreatedAt.Before(*q.CreatedAfter) {
		return false
	}
	if q.CreatedBefore != nil && item.CreatedAt.After(*q.CreatedBefore) {
		return false
	}
	for k, want := range q.Metadata {
		got, ok := item.Metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func sortByImportance(items []*MemoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Importance > items[j].Importance
	})
}

func applyWindow(items []*MemoryItem, limit, offset int) []*MemoryItem {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// InMemoryBackend stores items in a mutex-guarded map. Items are copied on
// the way in and out so callers never share mutable state with the backend.
type InMemoryBackend struct {
	mu    sync.RWMutex
	items map[string]*MemoryItem
}

// NewInMemoryBackend creates an empty in-process backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		items: make(map[string]*MemoryItem),
	}
}

func (b *InMemoryBackend) Store(ctx context.Context, item *MemoryItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[item.ID] = item.Clone()
	return nil
}

func (b *InMemoryBackend) Retrieve(ctx context.Context, id string) (*MemoryItem, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item, ok := b.items[id]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

func (b *InMemoryBackend) Delete(ctx context.Context, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[id]; !ok {
		return false
	}
	delete(b.items, id)
	return true
}

func (b *InMemoryBackend) Query(ctx context.Context, q Query) ([]*MemoryItem, error) {
	b.mu.RLock()
	var matched []*MemoryItem
	for _, item := range b.items {
		if q.Matches(item) {
			matched = append(matched, item.Clone())
		}
	}
	b.mu.RUnlock()

	sortByImportance(matched)
	return applyWindow(matched, q.Limit, q.Offset), nil
}

func (b *InMemoryBackend) List(ctx context.Context) ([]*MemoryItem, error) {
	b.mu.RLock()
	items := make([]*MemoryItem, 0, len(b.items))
	for _, item := range b.items {
		items = append(items, item.Clone())
	}
	b.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (b *InMemoryBackend) Count(ctx context.Context) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

func (b *InMemoryBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]*MemoryItem)
	return nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}
