package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ShortTermConfig bounds the working-memory tier.
type ShortTermConfig struct {
	RetentionMinutes       int `json:"retention_minutes" mapstructure:"retention_minutes"`
	Capacity               int `json:"capacity" mapstructure:"capacity"`
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds" mapstructure:"cleanup_interval_seconds"`
}

func (c *ShortTermConfig) applyDefaults() {
	if c.RetentionMinutes <= 0 {
		c.RetentionMinutes = 60
	}
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = 300
	}
}

// ShortTermStats summarizes the tier.
type ShortTermStats struct {
	Tracked          int `json:"tracked"`
	Capacity         int `json:"capacity"`
	RetentionMinutes int `json:"retention_minutes"`
}

// ShortTermMemory tracks recently added items by id over the base store. A
// background sweep removes items older than the retention window and, if
// still over capacity, evicts the least-recently-accessed remainder. The
// tier tracks membership only; the base store stays the owner of the items.
type ShortTermMemory struct {
	store  *Store
	cfg    ShortTermConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	tracked map[string]struct{}

	sweepMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewShortTermMemory creates the tier over the given base store.
func NewShortTermMemory(store *Store, cfg ShortTermConfig, logger zerolog.Logger) *ShortTermMemory {
	cfg.applyDefaults()
	return &ShortTermMemory{
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "short-term").Logger(),
		tracked: make(map[string]struct{}),
	}
}

// Add creates a base item typed short_term with source metadata and tracks it.
func (st *ShortTermMemory) Add(ctx context.Context, content interface{}, source string, importance float64, metadata map[string]interface{}) (string, error) {
	meta := copyMetadata(metadata)
	if meta == nil {
		meta = make(map[string]interface{}, 1)
	}
	if source != "" {
		meta["source"] = source
	}

	id, err := st.store.Add(ctx, content, MemoryTypeShortTerm, importance, meta)
	if err != nil {
		return "", err
	}
	st.Track(id)
	observability.RecordMemoryAdd("short_term")
	return id, nil
}

// Track adds an existing base-store item to the tier's membership.
func (st *ShortTermMemory) Track(id string) {
	st.mu.Lock()
	st.tracked[id] = struct{}{}
	observability.SetShortTermTracked(len(st.tracked))
	st.mu.Unlock()
}

// Untrack drops the id from the tier without touching the base store.
func (st *ShortTermMemory) Untrack(id string) {
	st.mu.Lock()
	delete(st.tracked, id)
	observability.SetShortTermTracked(len(st.tracked))
	st.mu.Unlock()
}

// Contains reports tier membership.
func (st *ShortTermMemory) Contains(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.tracked[id]
	return ok
}

// TrackedIDs returns a copy of the current membership.
func (st *ShortTermMemory) TrackedIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.tracked))
	for id := range st.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove untracks the id and deletes the item from the base store.
func (st *ShortTermMemory) Remove(ctx context.Context, id string) bool {
	st.Untrack(id)
	return st.store.Delete(ctx, id)
}

// GetRecent returns up to n tracked items, newest first. Reads do not bump
// access counts; recency listings are queries, not retrievals.
func (st *ShortTermMemory) GetRecent(ctx context.Context, n int) []*MemoryItem {
	items := st.resolveTracked(ctx)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return items
}

// GetBySource returns tracked items whose source metadata matches, newest
// first.
func (st *ShortTermMemory) GetBySource(ctx context.Context, source string) []*MemoryItem {
	var matched []*MemoryItem
	for _, item := range st.resolveTracked(ctx) {
		if metadataSource(item.Metadata) == source {
			matched = append(matched, item)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched
}

func (st *ShortTermMemory) resolveTracked(ctx context.Context) []*MemoryItem {
	ids := st.TrackedIDs()
	items := make([]*MemoryItem, 0, len(ids))
	for _, id := range ids {
		item, ok := st.store.Peek(ctx, id)
		if !ok {
			// The underlying item was forgotten; drop the dangling reference.
			st.Untrack(id)
			continue
		}
		items = append(items, item)
	}
	return items
}

// Cleanup runs one sweep: items older than the retention window are removed,
// then the least-recently-accessed items are evicted until the tier is at or
// under capacity. Returns (expired, evicted) counts.
func (st *ShortTermMemory) Cleanup(ctx context.Context) (int, int) {
	st.sweepMu.Lock()
	defer st.sweepMu.Unlock()

	runID, _ := gonanoid.New()
	ctx = tracing.NewMaintenanceContext(ctx, runID)
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.shortterm_sweep")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, st.logger)

	retention := time.Duration(st.cfg.RetentionMinutes) * time.Minute
	cutoff := time.Now().Add(-retention)

	live := st.resolveTracked(ctx)

	expired := 0
	var remaining []*MemoryItem
	for _, item := range live {
		if item.CreatedAt.Before(cutoff) {
			st.Untrack(item.ID)
			st.store.Delete(ctx, item.ID)
			expired++
			continue
		}
		remaining = append(remaining, item)
	}

	evicted := 0
	if len(remaining) > st.cfg.Capacity {
		sort.SliceStable(remaining, func(i, j int) bool {
			return remaining[i].LastAccessed.Before(remaining[j].LastAccessed)
		})
		over := len(remaining) - st.cfg.Capacity
		for _, item := range remaining[:over] {
			st.Untrack(item.ID)
			st.store.Delete(ctx, item.ID)
			evicted++
		}
	}

	observability.RecordShortTermEviction("expired", expired)
	observability.RecordShortTermEviction("capacity", evicted)

	if expired > 0 || evicted > 0 {
		logger.Debug().
			Int("expired", expired).
			Int("evicted", evicted).
			Msg("Short-term sweep completed")
	}
	return expired, evicted
}

// Start launches the background sweep loop. It runs until the context is
// cancelled or Stop is called; a failing iteration never terminates the loop.
func (st *ShortTermMemory) Start(ctx context.Context) {
	st.sweepMu.Lock()
	if st.cancel != nil {
		st.sweepMu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.done = make(chan struct{})
	done := st.done
	st.sweepMu.Unlock()

	interval := time.Duration(st.cfg.CleanupIntervalSeconds) * time.Second
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		st.logger.Info().Dur("interval", interval).Msg("Short-term sweeper started")
		for {
			select {
			case <-loopCtx.Done():
				st.logger.Info().Msg("Short-term sweeper stopped")
				return
			case <-ticker.C:
				st.Cleanup(context.Background())
			}
		}
	}()
}

// Stop cancels the sweep loop and joins it with a bounded timeout.
func (st *ShortTermMemory) Stop() {
	st.sweepMu.Lock()
	cancel := st.cancel
	done := st.done
	st.cancel = nil
	st.done = nil
	st.sweepMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		st.logger.Warn().Msg("Short-term sweeper did not stop within timeout")
	}
}

// Stats summarizes the tier.
func (st *ShortTermMemory) Stats() ShortTermStats {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return ShortTermStats{
		Tracked:          len(st.tracked),
		Capacity:         st.cfg.Capacity,
		RetentionMinutes: st.cfg.RetentionMinutes,
	}
}

// Clear drops all tier membership without deleting base-store items.
func (st *ShortTermMemory) Clear() {
	st.mu.Lock()
	st.tracked = make(map[string]struct{})
	observability.SetShortTermTracked(0)
	st.mu.Unlock()
}
