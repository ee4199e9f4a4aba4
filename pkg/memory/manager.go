package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Tier names accepted by AddParams.Tiers and QueryParams.Tier.
const (
	TierShortTerm = "short_term"
	TierLongTerm  = "long_term"
	TierEpisodic  = "episodic"
	TierSemantic  = "semantic"
)

// Consolidation policy thresholds: a short-term item is promoted when its
// importance reaches promoteImportance, its access count reaches
// promoteAccessCount, or it is older than promoteAge with importance at
// least promoteAgedImportance.
const (
	promoteImportance     = 0.7
	promoteAccessCount    = 3
	promoteAgedImportance = 0.4
	promoteAge            = 24 * time.Hour
)

// Config holds the engine configuration. DataDir is the only required field;
// tier store paths default to files inside it.
type Config struct {
	DataDir string
	Logger  zerolog.Logger

	// Backend overrides the default sqlite base-store backend.
	Backend Backend

	// EmbeddingProvider is optional; nil degrades semantic search to
	// substring matching.
	EmbeddingProvider EmbeddingProvider
	// SummaryProvider is optional; nil degrades summaries to extractive
	// truncation.
	SummaryProvider SummaryProvider

	ShortTerm  ShortTermConfig
	LongTerm   LongTermConfig
	Episodic   EpisodicConfig
	Semantic   SemanticConfig
	Embedder   EmbedderConfig
	Summarizer SummarizerConfig

	// Consolidation schedules the background promotion loop.
	Consolidation Schedule

	// SnapshotPath enables the snapshot watcher and is the default path for
	// SaveState/LoadState.
	SnapshotPath string

	// DisableEmbeddingCache skips the durable embedding cache.
	DisableEmbeddingCache bool
}

// AddParams carries the parameters for Manager.Add. When Tiers is empty the
// manager routes by heuristics.
type AddParams struct {
	Content    interface{}
	MemoryType string
	Importance float64
	Metadata   map[string]interface{}
	Tiers      []string
}

// QueryParams carries the filter vocabulary for Manager.Query. Tier routes to
// a specialized tier; Text matches a lower-cased substring of the flattened
// content; Semantic requests embedder ranking on top of the filters.
type QueryParams struct {
	Tier          string
	MemoryType    string
	MinImportance *float64
	MaxImportance *float64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Metadata      map[string]interface{}
	Text          string
	Semantic      bool
	Limit         int
	Offset        int
}

// Statistics aggregates per-tier stats.
type Statistics struct {
	Store     StoreStats     `json:"store"`
	ShortTerm ShortTermStats `json:"short_term"`
	LongTerm  LongTermStats  `json:"long_term"`
	Episodic  EpisodicStats  `json:"episodic"`
	Semantic  SemanticStats  `json:"semantic"`
}

// EngineStatus is the manager's runtime state.
type EngineStatus struct {
	Items             int        `json:"items"`
	StateDirty        bool       `json:"state_dirty"`
	IsConsolidating   bool       `json:"is_consolidating"`
	LastConsolidation *time.Time `json:"last_consolidation,omitempty"`
	ConsolidationRuns int        `json:"consolidation_runs"`
	CacheHitRate      *float64   `json:"cache_hit_rate,omitempty"`
}

// Manager is the engine's single entry point. It owns the base store, the
// four tiers, the embedder, and the summarizer, fans writes out to the
// applicable tiers, and runs the consolidation policy. It is explicitly
// constructed and passed by reference; there is no process-wide instance.
type Manager struct {
	cfg        Config
	store      *Store
	shortTerm  *ShortTermMemory
	longTerm   *LongTermMemory
	episodic   *EpisodicMemory
	semantic   *SemanticMemory
	embedder   *Embedder
	summarizer *Summarizer
	cache      *EmbeddingCache
	watcher    *SnapshotWatcher
	logger     zerolog.Logger

	mu                sync.RWMutex
	stateDirty        bool
	isConsolidating   bool
	lastConsolidation *time.Time
	consolidationRuns int

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewManager builds the engine from config.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg.Consolidation.applyDefaults()
	if err := cfg.Consolidation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consolidation schedule: %w", err)
	}

	logger := cfg.Logger.With().Str("component", "memory-manager").Logger()

	m := &Manager{
		cfg:    cfg,
		logger: logger,
	}

	var cache *EmbeddingCache
	if !cfg.DisableEmbeddingCache {
		var err error
		cache, err = NewEmbeddingCache(filepath.Join(cfg.DataDir, "embedding_cache.db"), cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open embedding cache: %w", err)
		}
	}
	m.cache = cache

	backend := cfg.Backend
	if backend == nil {
		dimension := 0
		if cfg.EmbeddingProvider != nil {
			dimension = cfg.EmbeddingProvider.Dimension()
		}
		var err error
		backend, err = NewSQLiteBackend(filepath.Join(cfg.DataDir, "memories.db"), dimension, cfg.Logger)
		if err != nil {
			m.closePartial()
			return nil, fmt.Errorf("failed to open base store backend: %w", err)
		}
	}
	m.store = NewStore(backend, cfg.Logger)

	m.shortTerm = NewShortTermMemory(m.store, cfg.ShortTerm, cfg.Logger)

	longTermCfg := cfg.LongTerm
	if longTermCfg.Path == "" {
		longTermCfg.Path = filepath.Join(cfg.DataDir, "long_term.db")
	}
	longTerm, err := NewLongTermMemory(m.store, longTermCfg, cfg.Logger)
	if err != nil {
		m.closePartial()
		return nil, err
	}
	m.longTerm = longTerm

	episodicCfg := cfg.Episodic
	if episodicCfg.Path == "" {
		episodicCfg.Path = filepath.Join(cfg.DataDir, "episodic.db")
	}
	episodic, err := NewEpisodicMemory(m.store, episodicCfg, cfg.Logger)
	if err != nil {
		m.closePartial()
		return nil, err
	}
	m.episodic = episodic

	semanticCfg := cfg.Semantic
	if semanticCfg.Path == "" {
		semanticCfg.Path = filepath.Join(cfg.DataDir, "semantic.db")
	}
	semantic, err := NewSemanticMemory(m.store, semanticCfg, cfg.Logger)
	if err != nil {
		m.closePartial()
		return nil, err
	}
	m.semantic = semantic

	m.embedder = NewEmbedder(cfg.EmbeddingProvider, cache, cfg.Embedder, cfg.Logger)
	m.summarizer = NewSummarizer(cfg.SummaryProvider, cfg.Summarizer, cfg.Logger)

	if cfg.SnapshotPath != "" {
		watcher, err := NewSnapshotWatcher(cfg.Logger, m.markStateDirty)
		if err != nil {
			m.closePartial()
			return nil, fmt.Errorf("failed to create snapshot watcher: %w", err)
		}
		if err := watcher.Watch(cfg.SnapshotPath); err != nil {
			watcher.Stop()
			m.closePartial()
			return nil, fmt.Errorf("failed to watch snapshot path: %w", err)
		}
		m.watcher = watcher
	}

	m.logger.Info().Str("data_dir", cfg.DataDir).Msg("Memory manager initialized")
	return m, nil
}

func (m *Manager) closePartial() {
	if m.semantic != nil {
		m.semantic.Close()
	}
	if m.episodic != nil {
		m.episodic.Close()
	}
	if m.longTerm != nil {
		m.longTerm.Close()
	}
	if m.store != nil {
		m.store.Close()
	}
	if m.cache != nil {
		m.cache.Close()
	}
}

// Add writes the memory to the base store once, then routes it to the target
// tiers: the caller's explicit Tiers, or heuristics keyed on importance and
// memory type. Tier-routing failures are isolated; the base write survives.
func (m *Manager) Add(ctx context.Context, params AddParams) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.add",
		attribute.String("memory_type", params.MemoryType))
	defer span.End()

	item := NewMemoryItem(params.Content, params.MemoryType, params.Importance, params.Metadata)
	ctx = tracing.WithItemID(ctx, item.ID)
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if err := m.store.AddItem(ctx, item); err != nil {
		tracing.FailSpan(span, err)
		return "", err
	}
	observability.RecordMemoryAdd("base")

	tiers := params.Tiers
	if len(tiers) == 0 {
		tiers = routeTiers(item)
	}

	for _, tier := range tiers {
		switch tier {
		case TierShortTerm:
			m.shortTerm.Track(item.ID)
			observability.RecordMemoryAdd(TierShortTerm)
		case TierLongTerm:
			if err := m.longTerm.Store(ctx, item, metadataSource(item.Metadata)); err != nil {
				logger.Warn().Err(err).Msg("Failed to route memory to long-term tier")
			}
		case TierEpisodic:
			m.routeEpisodic(ctx, item, logger)
		case TierSemantic:
			m.routeSemantic(ctx, item, logger)
		default:
			logger.Warn().Str("tier", tier).Msg("Unknown target tier, skipped")
		}
	}

	m.indexEmbedding(ctx, item)
	m.markStateDirty()

	logger.Debug().Str("memory_type", item.MemoryType).Strs("tiers", tiers).Msg("Memory added")
	return item.ID, nil
}

// routeTiers applies the default tier heuristics: always short-term;
// long-term from importance 0.3; semantic for fact/concept types; episodic
// for conversational types.
func routeTiers(item *MemoryItem) []string {
	tiers := []string{TierShortTerm}
	if item.Importance >= 0.3 {
		tiers = append(tiers, TierLongTerm)
	}
	switch item.MemoryType {
	case MemoryTypeFact, MemoryTypeConcept:
		tiers = append(tiers, TierSemantic)
	case MemoryTypeConversation, MemoryTypeInteraction, MemoryTypeEvent:
		tiers = append(tiers, TierEpisodic)
	}
	return tiers
}

func (m *Manager) routeEpisodic(ctx context.Context, item *MemoryItem, logger zerolog.Logger) {
	active := m.episodic.ActiveEpisodes(ctx)
	var episodeID string
	if len(active) > 0 {
		episodeID = active[0].ID
	} else {
		title := fmt.Sprintf("%s on %s", item.MemoryType, item.CreatedAt.Format("2006-01-02"))
		episode, err := m.episodic.CreateEpisode(ctx, title, "", item.Importance)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to create episode for memory")
			return
		}
		episodeID = episode.ID
	}
	if !m.episodic.AddMemoryToEpisode(ctx, episodeID, item.ID) {
		logger.Warn().Str("episode_id", episodeID).Msg("Failed to attach memory to episode")
	}
	observability.RecordMemoryAdd(TierEpisodic)
}

// routeSemantic extracts a fact triple from the item. FactPayload content is
// stored as-is; plain string content typed fact/concept gets the auto
// extraction: subject from the first sentence (truncated to 50 chars),
// predicate "contains", confidence 0.8.
func (m *Manager) routeSemantic(ctx context.Context, item *MemoryItem, logger zerolog.Logger) {
	var input FactInput
	switch content := item.Content.(type) {
	case FactPayload:
		input = FactInput{
			Subject:    content.Subject,
			Predicate:  content.Predicate,
			Object:     content.Object,
			Confidence: content.Confidence,
			Source:     content.Source,
			MemoryID:   item.ID,
		}
	case *FactPayload:
		input = FactInput{
			Subject:    content.Subject,
			Predicate:  content.Predicate,
			Object:     content.Object,
			Confidence: content.Confidence,
			Source:     content.Source,
			MemoryID:   item.ID,
		}
	case string:
		input = FactInput{
			Subject:    firstSentence(content, 50),
			Predicate:  "contains",
			Object:     content,
			Confidence: 0.8,
			Source:     metadataSource(item.Metadata),
			MemoryID:   item.ID,
		}
	default:
		return
	}

	if _, err := m.semantic.AddFact(ctx, input); err != nil {
		logger.Warn().Err(err).Msg("Failed to route memory to semantic tier")
	}
}

func firstSentence(text string, max int) string {
	if idx := strings.IndexAny(text, ".!?\n"); idx > 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	// Truncate on rune boundaries; byte slicing can split a multi-byte rune.
	if utf8.RuneCountInString(text) > max {
		text = string([]rune(text)[:max])
	}
	return text
}

// indexEmbedding computes and indexes the item's vector when both an
// embedding provider and a vector-indexing backend are available.
func (m *Manager) indexEmbedding(ctx context.Context, item *MemoryItem) {
	if !m.embedder.Enabled() {
		return
	}
	vi, ok := m.store.Backend().(VectorIndex)
	if !ok {
		return
	}
	vec := m.embedder.Embed(ctx, item)
	if isZeroVector(vec) {
		return
	}
	if err := vi.IndexVector(ctx, item.ID, vec); err != nil {
		m.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to index embedding")
	}
}

// Get retrieves an item with access bookkeeping. Absence is not an error.
func (m *Manager) Get(ctx context.Context, id string) (*MemoryItem, bool) {
	item, ok := m.store.Get(ctx, id)
	if !ok {
		return nil, false
	}
	if m.longTerm.Contains(ctx, id) {
		m.longTerm.touchAccess(ctx, id, item.LastAccessed, item.AccessCount)
	}
	return item, true
}

// Update merges the provided fields into the item. Returns false when absent.
func (m *Manager) Update(ctx context.Context, id string, update ItemUpdate) bool {
	if !m.store.Update(ctx, id, update) {
		return false
	}
	if item, ok := m.store.Peek(ctx, id); ok {
		if m.longTerm.Contains(ctx, id) {
			if err := m.longTerm.upsert(ctx, item, metadataSource(item.Metadata)); err != nil {
				m.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to mirror update into long-term tier")
			}
		}
		m.indexEmbedding(ctx, item)
	}
	m.markStateDirty()
	return true
}

// Query routes to the named tier when given, else filters the base store.
// Free text matches a lower-cased substring of the flattened content; with
// Semantic set and a provider configured, results are ranked by similarity
// instead.
func (m *Manager) Query(ctx context.Context, params QueryParams) ([]*MemoryItem, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.query",
		attribute.String("tier", params.Tier))
	defer span.End()

	start := time.Now()
	items, err := m.queryRouted(ctx, params)
	observability.RecordQuery(tierLabel(params.Tier), time.Since(start), err == nil)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	return items, nil
}

func tierLabel(tier string) string {
	if tier == "" {
		return "base"
	}
	return tier
}

// storeQuery maps the structured filter fields onto the base-store filter.
// Limit and offset stay with the caller; they apply after text matching.
func (p QueryParams) storeQuery() Query {
	return Query{
		MemoryType:    p.MemoryType,
		MinImportance: p.MinImportance,
		MaxImportance: p.MaxImportance,
		CreatedAfter:  p.CreatedAfter,
		CreatedBefore: p.CreatedBefore,
		Metadata:      p.Metadata,
	}
}

// filterMatching keeps the items satisfying every set field of q. The
// structured filter vocabulary applies to every tier route, not just the
// base store.
func filterMatching(items []*MemoryItem, q Query) []*MemoryItem {
	var matched []*MemoryItem
	for _, item := range items {
		if q.Matches(item) {
			matched = append(matched, item)
		}
	}
	return matched
}

func (m *Manager) queryRouted(ctx context.Context, params QueryParams) ([]*MemoryItem, error) {
	switch params.Tier {
	case TierShortTerm:
		items := m.shortTerm.GetRecent(ctx, 0)
		items = filterMatching(items, params.storeQuery())
		items = filterByText(items, params.Text)
		return applyWindow(items, params.Limit, params.Offset), nil

	case TierLongTerm:
		items, err := m.longTerm.Search(ctx, params.Text, 0)
		if err != nil {
			return nil, err
		}
		items = filterMatching(items, params.storeQuery())
		return applyWindow(items, params.Limit, params.Offset), nil

	case TierEpisodic:
		episodes := m.episodic.SearchEpisodes(ctx, params.Text)
		var items []*MemoryItem
		seen := make(map[string]struct{})
		for _, episode := range episodes {
			for _, item := range m.episodic.EpisodeMemories(ctx, episode.ID) {
				if _, dup := seen[item.ID]; dup {
					continue
				}
				seen[item.ID] = struct{}{}
				items = append(items, item)
			}
		}
		items = filterMatching(items, params.storeQuery())
		return applyWindow(items, params.Limit, params.Offset), nil

	case TierSemantic:
		facts, err := m.semantic.SearchFacts(ctx, params.Text)
		if err != nil {
			return nil, err
		}
		var items []*MemoryItem
		seen := make(map[string]struct{})
		for _, fact := range facts {
			if fact.MemoryID == "" {
				continue
			}
			if _, dup := seen[fact.MemoryID]; dup {
				continue
			}
			seen[fact.MemoryID] = struct{}{}
			if item, ok := m.store.Peek(ctx, fact.MemoryID); ok {
				items = append(items, item)
			}
		}
		items = filterMatching(items, params.storeQuery())
		return applyWindow(items, params.Limit, params.Offset), nil

	case "":
		items, err := m.store.Query(ctx, params.storeQuery())
		if err != nil {
			return nil, err
		}

		if params.Text != "" {
			if params.Semantic && m.embedder.Enabled() {
				topK := len(items)
				if params.Limit > 0 {
					topK = params.Limit + params.Offset
				}
				scored := m.embedder.FindSimilar(ctx, params.Text, items, topK, 0)
				ranked := make([]*MemoryItem, 0, len(scored))
				for _, s := range scored {
					ranked = append(ranked, s.Item)
				}
				return applyWindow(ranked, params.Limit, params.Offset), nil
			}
			items = filterByText(items, params.Text)
		}
		return applyWindow(items, params.Limit, params.Offset), nil

	default:
		return nil, fmt.Errorf("unknown tier: %s", params.Tier)
	}
}

func filterByText(items []*MemoryItem, text string) []*MemoryItem {
	if text == "" {
		return items
	}
	needle := strings.ToLower(text)
	var matched []*MemoryItem
	for _, item := range items {
		if strings.Contains(strings.ToLower(FlattenContent(item.Content)), needle) {
			matched = append(matched, item)
		}
	}
	return matched
}

// Similar retrieves the items most similar to text. With a vector-indexing
// backend, candidates come from the index and are re-scored exactly; without
// an embedding provider the search degrades to substring matching with zero
// scores.
func (m *Manager) Similar(ctx context.Context, text string, topK int, threshold float64) ([]ScoredItem, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.similar")
	defer span.End()

	if !m.embedder.Enabled() {
		items, err := m.store.List(ctx)
		if err != nil {
			return nil, err
		}
		matched := filterByText(items, text)
		if topK > 0 && len(matched) > topK {
			matched = matched[:topK]
		}
		scored := make([]ScoredItem, 0, len(matched))
		for _, item := range matched {
			scored = append(scored, ScoredItem{Item: item})
		}
		return scored, nil
	}

	var candidates []*MemoryItem
	if vi, ok := m.store.Backend().(VectorIndex); ok {
		queryVec := m.embedder.EmbedText(ctx, text)
		if !isZeroVector(queryVec) {
			recall := topK * 4
			if recall < 20 {
				recall = 20
			}
			ids, err := vi.SimilarIDs(ctx, queryVec, recall)
			if err != nil {
				m.logger.Warn().Err(err).Msg("Vector index recall failed, scanning all items")
			} else {
				for _, id := range ids {
					if item, ok := m.store.Peek(ctx, id); ok {
						candidates = append(candidates, item)
					}
				}
			}
		}
	}
	if candidates == nil {
		items, err := m.store.List(ctx)
		if err != nil {
			return nil, err
		}
		candidates = items
	}

	scored := m.embedder.FindSimilar(ctx, text, candidates, topK, threshold)

	// Newly computed embeddings feed the index for the next recall.
	if vi, ok := m.store.Backend().(VectorIndex); ok {
		for _, s := range scored {
			if !isZeroVector(s.Item.Embedding) {
				if err := vi.IndexVector(ctx, s.Item.ID, s.Item.Embedding); err != nil {
					m.logger.Warn().Err(err).Str("item_id", s.Item.ID).Msg("Failed to backfill vector index")
				}
			}
		}
	}
	return scored, nil
}

// Link adds a directed, typed edge between two memories.
func (m *Manager) Link(ctx context.Context, sourceID, targetID, linkType string) bool {
	ok := m.store.Link(ctx, sourceID, targetID, linkType)
	if ok {
		m.markStateDirty()
	}
	return ok
}

// Related returns the memories linked from id, optionally filtered by type.
func (m *Manager) Related(ctx context.Context, id, linkType string) []*MemoryItem {
	return m.store.Related(ctx, id, linkType)
}

// Consolidate runs one promotion sweep: every short-term-tracked item
// meeting the policy moves to long-term and leaves short-term. Evaluated
// independently per item; re-running is a no-op for already-promoted items.
// Returns the number of promotions.
func (m *Manager) Consolidate(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.isConsolidating {
		m.mu.Unlock()
		return 0, errors.New("consolidation already in progress")
	}
	m.isConsolidating = true
	m.mu.Unlock()

	defer func() {
		now := time.Now()
		m.mu.Lock()
		m.isConsolidating = false
		m.lastConsolidation = &now
		m.consolidationRuns++
		m.mu.Unlock()
	}()

	runID, _ := gonanoid.New()
	ctx = tracing.NewMaintenanceContext(ctx, runID)
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.consolidate",
		attribute.String("run_id", runID))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	start := time.Now()
	now := time.Now()
	promoted := 0
	failures := 0

	for _, id := range m.shortTerm.TrackedIDs() {
		item, ok := m.store.Peek(ctx, id)
		if !ok {
			// Forgotten underneath the tier; drop the dangling reference.
			m.shortTerm.Untrack(id)
			continue
		}
		if !shouldPromote(item, now) {
			continue
		}

		if err := m.longTerm.Store(ctx, item, metadataSource(item.Metadata)); err != nil {
			logger.Warn().Err(err).Str("item_id", id).Msg("Failed to promote item to long-term")
			failures++
			continue
		}
		m.shortTerm.Untrack(id)
		promoted++
	}

	observability.RecordConsolidation(time.Since(start), promoted, failures == 0)
	observability.RecordConsolidationAudit(ctx, runID, consolidationStatus(failures), map[string]interface{}{
		"promoted": promoted,
		"failures": failures,
	})

	logger.Info().
		Int("promoted", promoted).
		Int("failures", failures).
		Dur("duration", time.Since(start)).
		Msg("Consolidation run completed")
	return promoted, nil
}

func consolidationStatus(failures int) string {
	if failures > 0 {
		return "failure"
	}
	return "success"
}

func shouldPromote(item *MemoryItem, now time.Time) bool {
	if item.Importance >= promoteImportance {
		return true
	}
	if item.AccessCount >= promoteAccessCount {
		return true
	}
	return item.Importance >= promoteAgedImportance && now.Sub(item.CreatedAt) > promoteAge
}

// Forget removes the memory from every specialized tier, best-effort, then
// deletes it from the base store. A tier failure never blocks the remaining
// removals.
func (m *Manager) Forget(ctx context.Context, id string) bool {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.forget",
		attribute.String("item_id", id))
	defer span.End()
	ctx = tracing.WithItemID(ctx, id)

	m.shortTerm.Untrack(id)
	m.longTerm.Remove(ctx, id)
	m.episodic.RemoveMemory(ctx, id)
	m.semantic.RemoveByMemoryID(ctx, id)

	if vi, ok := m.store.Backend().(VectorIndex); ok {
		if err := vi.RemoveVector(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to remove vector")
		}
	}

	deleted := m.store.Delete(ctx, id)
	if deleted {
		m.markStateDirty()
	}
	observability.RecordMemoryAudit(ctx, "memory_forgotten", id, forgetStatus(deleted), nil)
	return deleted
}

func forgetStatus(deleted bool) string {
	if deleted {
		return "success"
	}
	return "not_found"
}

// Summarize digests the given memories. Unknown ids are skipped.
func (m *Manager) Summarize(ctx context.Context, ids []string) string {
	items := make([]*MemoryItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := m.Get(ctx, id); ok {
			items = append(items, item)
		}
	}
	return m.summarizer.SummarizeItems(ctx, items, 0)
}

// SummarizeQuery digests the results of a query within a character budget.
func (m *Manager) SummarizeQuery(ctx context.Context, params QueryParams, budget int) (string, error) {
	items, err := m.Query(ctx, params)
	if err != nil {
		return "", err
	}
	return m.summarizer.SummarizeItems(ctx, items, budget), nil
}

// SummarizeTopic digests the stored memories most relevant to a topic.
func (m *Manager) SummarizeTopic(ctx context.Context, topic string) (string, error) {
	items, err := m.store.List(ctx)
	if err != nil {
		return "", err
	}
	return m.summarizer.SummarizeTopic(ctx, items, topic), nil
}

// SaveState serializes every base-store item and the link graph to a
// versioned snapshot at path (or the configured snapshot path when empty).
func (m *Manager) SaveState(ctx context.Context, path string) error {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.save_state")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if path == "" {
		path = m.cfg.SnapshotPath
	}
	if path == "" {
		return errors.New("snapshot path is required")
	}

	start := time.Now()
	items, err := m.store.List(ctx)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to list items for snapshot: %w", err)
	}

	snap := snapshotFromItems(items, m.store.LinkSnapshot())
	if m.watcher != nil {
		m.watcher.SuppressOwnWrite()
	}
	if err := writeSnapshot(path, snap); err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	m.mu.Lock()
	m.stateDirty = false
	m.mu.Unlock()

	observability.RecordSnapshotSave(time.Since(start))
	observability.RecordSnapshotAudit(ctx, "snapshot_saved", path, map[string]interface{}{
		"items": len(items),
	})
	logger.Info().Str("path", path).Int("items", len(items)).Msg("State saved")
	return nil
}

// LoadState validates the snapshot, clears the base store, and replays items
// with their original ids, then links. Tier bookkeeping is untouched; stale
// tier references become dangling ids, which readers tolerate.
func (m *Manager) LoadState(ctx context.Context, path string) error {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.load_state")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if path == "" {
		path = m.cfg.SnapshotPath
	}
	if path == "" {
		return errors.New("snapshot path is required")
	}

	start := time.Now()
	snap, err := readSnapshot(path)
	if err != nil {
		tracing.FailSpan(span, err)
		return err
	}

	if err := m.store.Clear(ctx); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to clear store for load: %w", err)
	}

	for i := range snap.Memories {
		item := snap.Memories[i].toMemoryItem()
		if err := m.store.AddItem(ctx, item); err != nil {
			logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to replay item from snapshot")
		}
	}
	if snap.Links != nil {
		m.store.RestoreLinks(ctx, snap.Links)
	}

	m.mu.Lock()
	m.stateDirty = false
	m.mu.Unlock()

	observability.RecordSnapshotLoad(time.Since(start))
	observability.RecordSnapshotAudit(ctx, "snapshot_loaded", path, map[string]interface{}{
		"items": len(snap.Memories),
	})
	logger.Info().Str("path", path).Int("items", len(snap.Memories)).Msg("State loaded")
	return nil
}

// Statistics gathers per-tier stats and mirrors the headline gauges.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	var err error

	if stats.Store, err = m.store.Statistics(ctx); err != nil {
		return stats, err
	}
	stats.ShortTerm = m.shortTerm.Stats()
	if stats.LongTerm, err = m.longTerm.Stats(ctx); err != nil {
		return stats, err
	}
	if stats.Episodic, err = m.episodic.Stats(ctx); err != nil {
		return stats, err
	}
	if stats.Semantic, err = m.semantic.Stats(ctx); err != nil {
		return stats, err
	}

	observability.SetMemoryItems(stats.Store.Count)
	observability.SetShortTermTracked(stats.ShortTerm.Tracked)
	observability.SetActiveEpisodes(stats.Episodic.ActiveEpisodes)
	observability.SetFactCount(stats.Semantic.TotalFacts)
	return stats, nil
}

// Status reports the manager's runtime state.
func (m *Manager) Status() EngineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := EngineStatus{
		Items:             m.store.Backend().Count(context.Background()),
		StateDirty:        m.stateDirty,
		IsConsolidating:   m.isConsolidating,
		LastConsolidation: m.lastConsolidation,
		ConsolidationRuns: m.consolidationRuns,
	}
	if m.cache != nil {
		status.CacheHitRate = m.cache.HitRate()
	}
	return status
}

// Start launches the short-term sweeper and the consolidation loop.
func (m *Manager) Start(ctx context.Context) {
	m.shortTerm.Start(ctx)

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loopCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	go m.consolidationLoop(loopCtx, m.loopDone)
}

func (m *Manager) consolidationLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	schedule := m.cfg.Consolidation
	m.logger.Info().
		Str("kind", string(schedule.Kind)).
		Msg("Consolidation loop started")

	for {
		next, err := schedule.NextRun(time.Now())
		if err != nil {
			// Validated at construction; a failure here means a bad timezone
			// database at runtime. Fall back to the default interval.
			m.logger.Error().Err(err).Msg("Failed to compute next consolidation run")
			next = time.Now().Add(5 * time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info().Msg("Consolidation loop stopped")
			return
		case <-timer.C:
			if _, err := m.Consolidate(context.Background()); err != nil {
				m.logger.Warn().Err(err).Msg("Consolidation run failed")
			}
		}
	}
}

// Stop cancels the background loops and joins them with bounded timeouts.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel := m.loopCancel
	done := m.loopDone
	m.loopCancel = nil
	m.loopDone = nil
	m.loopMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			m.logger.Warn().Msg("Consolidation loop did not stop within timeout")
		}
	}

	m.shortTerm.Stop()
}

// Close stops background work and closes every tier, the cache, and the base
// store through their Closeable capability.
func (m *Manager) Close() error {
	m.logger.Info().Msg("Closing memory manager")
	m.Stop()

	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to stop snapshot watcher")
		}
	}

	closers := []Closeable{m.semantic, m.episodic, m.longTerm, m.store}
	if m.cache != nil {
		closers = append(closers, m.cache)
	}

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ShortTerm exposes the short-term tier.
func (m *Manager) ShortTerm() *ShortTermMemory { return m.shortTerm }

// LongTerm exposes the long-term tier.
func (m *Manager) LongTerm() *LongTermMemory { return m.longTerm }

// Episodic exposes the episodic tier.
func (m *Manager) Episodic() *EpisodicMemory { return m.episodic }

// Semantic exposes the semantic tier.
func (m *Manager) Semantic() *SemanticMemory { return m.semantic }

// Embedder exposes the embedder.
func (m *Manager) Embedder() *Embedder { return m.embedder }

// Summarizer exposes the summarizer.
func (m *Manager) Summarizer() *Summarizer { return m.summarizer }

// Store exposes the base store.
func (m *Manager) Store() *Store { return m.store }

func (m *Manager) markStateDirty() {
	m.mu.Lock()
	m.stateDirty = true
	m.mu.Unlock()
}
