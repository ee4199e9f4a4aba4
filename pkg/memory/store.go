package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/mnemo/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the base memory store. It owns item identity, deletion authority,
// and the link graph. Specialized tiers hold references into it and never
// mutate its internals directly.
type Store struct {
	backend Backend
	logger  zerolog.Logger

	// links: source id -> link type -> set of target ids
	mu    sync.RWMutex
	links map[string]map[string]map[string]struct{}
}

// StoreStats summarizes the base store.
type StoreStats struct {
	Count             int            `json:"count"`
	CountsByType      map[string]int `json:"counts_by_type"`
	TotalLinks        int            `json:"total_links"`
	AverageImportance float64        `json:"average_importance"`
}

// ItemUpdate carries a partial update. Zero-valued fields are left unchanged;
// metadata entries are merged key by key.
type ItemUpdate struct {
	Content    interface{}
	MemoryType string
	Importance *float64
	Metadata   map[string]interface{}
}

// NewStore creates a base store over the given backend.
func NewStore(backend Backend, logger zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger.With().Str("component", "store").Logger(),
		links:   make(map[string]map[string]map[string]struct{}),
	}
}

// Add creates and persists a new item, returning its id.
func (s *Store) Add(ctx context.Context, content interface{}, memoryType string, importance float64, metadata map[string]interface{}) (string, error) {
	item := NewMemoryItem(content, memoryType, importance, metadata)
	if err := s.backend.Store(ctx, item); err != nil {
		return "", fmt.Errorf("failed to add item: %w", err)
	}
	return item.ID, nil
}

// AddItem inserts an item preserving the caller's id. Snapshot load path.
func (s *Store) AddItem(ctx context.Context, item *MemoryItem) error {
	item.Importance = clampUnit(item.Importance)
	if err := s.backend.Store(ctx, item); err != nil {
		return fmt.Errorf("failed to add item: %w", err)
	}
	return nil
}

// Get retrieves an item and records the access (bumps access count and
// last-accessed) before returning it. Absence is not an error.
func (s *Store) Get(ctx context.Context, id string) (*MemoryItem, bool) {
	item, ok := s.backend.Retrieve(ctx, id)
	if !ok {
		return nil, false
	}
	item.Access()
	if err := s.backend.Store(ctx, item); err != nil {
		s.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to persist access bookkeeping")
	}
	return item, true
}

// Peek retrieves an item without access bookkeeping. Maintenance paths
// (sweeps, consolidation, snapshots) use this so reads never inflate
// access counts.
func (s *Store) Peek(ctx context.Context, id string) (*MemoryItem, bool) {
	return s.backend.Retrieve(ctx, id)
}

// Update merges the provided fields into the item. Returns false when the id
// is absent. Importance is clamped.
func (s *Store) Update(ctx context.Context, id string, update ItemUpdate) bool {
	item, ok := s.backend.Retrieve(ctx, id)
	if !ok {
		return false
	}

	if update.Content != nil {
		item.Content = update.Content
		item.Embedding = nil
	}
	if update.MemoryType != "" {
		item.MemoryType = update.MemoryType
	}
	if update.Importance != nil {
		item.Importance = clampUnit(*update.Importance)
	}
	if len(update.Metadata) > 0 {
		if item.Metadata == nil {
			item.Metadata = make(map[string]interface{}, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			item.Metadata[k] = v
		}
	}

	if err := s.backend.Store(ctx, item); err != nil {
		s.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to persist update")
		return false
	}
	return true
}

// Delete removes the item and severs all graph edges touching it, in both
// directions.
func (s *Store) Delete(ctx context.Context, id string) bool {
	if !s.backend.Delete(ctx, id) {
		return false
	}

	s.mu.Lock()
	delete(s.links, id)
	for _, byType := range s.links {
		for _, targets := range byType {
			delete(targets, id)
		}
	}
	s.mu.Unlock()

	return true
}

// Link adds a directed, typed edge. Returns false when either id is absent.
// Adding the same edge twice is a no-op, not an error.
func (s *Store) Link(ctx context.Context, sourceID, targetID, linkType string) bool {
	if linkType == "" {
		linkType = "related"
	}
	if _, ok := s.backend.Retrieve(ctx, sourceID); !ok {
		return false
	}
	if _, ok := s.backend.Retrieve(ctx, targetID); !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byType, ok := s.links[sourceID]
	if !ok {
		byType = make(map[string]map[string]struct{})
		s.links[sourceID] = byType
	}
	targets, ok := byType[linkType]
	if !ok {
		targets = make(map[string]struct{})
		byType[linkType] = targets
	}
	targets[targetID] = struct{}{}
	return true
}

// Unlink removes a single edge. Returns false when the edge does not exist.
func (s *Store) Unlink(ctx context.Context, sourceID, targetID, linkType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets, ok := s.links[sourceID][linkType]
	if !ok {
		return false
	}
	if _, ok := targets[targetID]; !ok {
		return false
	}
	delete(targets, targetID)
	return true
}

// Related resolves the item's outgoing edges to live items. An empty linkType
// matches all edge types. Dangling references are silently skipped. Returned
// items are retrieved, so access bookkeeping applies.
func (s *Store) Related(ctx context.Context, id, linkType string) []*MemoryItem {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.related",
		attribute.String("item_id", id))
	defer span.End()

	s.mu.RLock()
	var targetIDs []string
	seen := make(map[string]struct{})
	byType := s.links[id]

	linkTypes := make([]string, 0, len(byType))
	for lt := range byType {
		if linkType == "" || lt == linkType {
			linkTypes = append(linkTypes, lt)
		}
	}
	sort.Strings(linkTypes)
	for _, lt := range linkTypes {
		ids := make([]string, 0, len(byType[lt]))
		for tid := range byType[lt] {
			ids = append(ids, tid)
		}
		sort.Strings(ids)
		for _, tid := range ids {
			if _, dup := seen[tid]; dup {
				continue
			}
			seen[tid] = struct{}{}
			targetIDs = append(targetIDs, tid)
		}
	}
	s.mu.RUnlock()

	items := make([]*MemoryItem, 0, len(targetIDs))
	for _, tid := range targetIDs {
		if item, ok := s.Get(ctx, tid); ok {
			items = append(items, item)
		}
	}
	return items
}

// Query returns items matching the filter, ordered by descending importance.
func (s *Store) Query(ctx context.Context, q Query) ([]*MemoryItem, error) {
	return s.backend.Query(ctx, q)
}

// List returns every item without access bookkeeping.
func (s *Store) List(ctx context.Context) ([]*MemoryItem, error) {
	return s.backend.List(ctx)
}

// Contains reports whether the id is present, without bookkeeping.
func (s *Store) Contains(ctx context.Context, id string) bool {
	_, ok := s.backend.Retrieve(ctx, id)
	return ok
}

// Statistics summarizes the store contents and link graph.
func (s *Store) Statistics(ctx context.Context) (StoreStats, error) {
	items, err := s.backend.List(ctx)
	if err != nil {
		return StoreStats{}, fmt.Errorf("failed to list items: %w", err)
	}

	stats := StoreStats{
		Count:        len(items),
		CountsByType: make(map[string]int),
	}
	var totalImportance float64
	for _, item := range items {
		stats.CountsByType[item.MemoryType]++
		totalImportance += item.Importance
	}
	if len(items) > 0 {
		stats.AverageImportance = totalImportance / float64(len(items))
	}

	s.mu.RLock()
	for _, byType := range s.links {
		for _, targets := range byType {
			stats.TotalLinks += len(targets)
		}
	}
	s.mu.RUnlock()

	return stats, nil
}

// LinkSnapshot exports the link graph for the snapshot format.
func (s *Store) LinkSnapshot() map[string]map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string][]string, len(s.links))
	for source, byType := range s.links {
		typed := make(map[string][]string, len(byType))
		empty := true
		for lt, targets := range byType {
			if len(targets) == 0 {
				continue
			}
			ids := make([]string, 0, len(targets))
			for tid := range targets {
				ids = append(ids, tid)
			}
			sort.Strings(ids)
			typed[lt] = ids
			empty = false
		}
		if !empty {
			out[source] = typed
		}
	}
	return out
}

// RestoreLinks replays an exported link graph. Edges referencing absent items
// are skipped.
func (s *Store) RestoreLinks(ctx context.Context, links map[string]map[string][]string) {
	for source, byType := range links {
		for linkType, targets := range byType {
			for _, target := range targets {
				s.Link(ctx, source, target, linkType)
			}
		}
	}
}

// Clear removes every item and all links.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.links = make(map[string]map[string]map[string]struct{})
	s.mu.Unlock()
	return nil
}

// Backend exposes the underlying backend, e.g. to check for VectorIndex.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backing storage.
func (s *Store) Close() error {
	return s.backend.Close()
}
