package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestManager(t *testing.T, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		DataDir: t.TempDir(),
		Logger:  zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	mgr, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestNewManagerRequiresDataDir(t *testing.T) {
	_, err := NewManager(Config{Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data directory")
}

func TestNewManagerRejectsBadSchedule(t *testing.T) {
	_, err := NewManager(Config{
		DataDir:       t.TempDir(),
		Logger:        zerolog.Nop(),
		Consolidation: Schedule{Kind: ScheduleKindCron, Expr: "bogus"},
	})
	assert.Error(t, err)
}

func TestManagerAddRoutesByHeuristics(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	// Important fact: short-term, long-term, and semantic.
	factID, err := mgr.Add(ctx, AddParams{
		Content:    "Go compiles to native code",
		MemoryType: MemoryTypeFact,
		Importance: 0.8,
	})
	require.NoError(t, err)

	assert.True(t, mgr.ShortTerm().Contains(factID))
	assert.True(t, mgr.LongTerm().Contains(ctx, factID))

	facts, err := mgr.Semantic().SearchFacts(ctx, "native code")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, factID, facts[0].MemoryID)
	assert.Equal(t, "contains", facts[0].Predicate)

	// Unimportant conversation: short-term and episodic only.
	convID, err := mgr.Add(ctx, AddParams{
		Content:    "we talked about lunch",
		MemoryType: MemoryTypeConversation,
		Importance: 0.1,
	})
	require.NoError(t, err)

	assert.True(t, mgr.ShortTerm().Contains(convID))
	assert.False(t, mgr.LongTerm().Contains(ctx, convID))

	active := mgr.Episodic().ActiveEpisodes(ctx)
	require.Len(t, active, 1)
	members := mgr.Episodic().EpisodeMemories(ctx, active[0].ID)
	require.Len(t, members, 1)
	assert.Equal(t, convID, members[0].ID)

	// A second conversation joins the existing active episode.
	conv2, err := mgr.Add(ctx, AddParams{
		Content:    "and about dinner",
		MemoryType: MemoryTypeConversation,
		Importance: 0.1,
	})
	require.NoError(t, err)
	assert.Len(t, mgr.Episodic().ActiveEpisodes(ctx), 1)
	assert.Len(t, mgr.Episodic().EpisodeMemories(ctx, active[0].ID), 2)
	_ = conv2
}

func TestManagerAddExplicitTiers(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, AddParams{
		Content:    "straight to long-term",
		MemoryType: MemoryTypeFact,
		Importance: 0.9,
		Tiers:      []string{TierLongTerm},
	})
	require.NoError(t, err)

	assert.False(t, mgr.ShortTerm().Contains(id))
	assert.True(t, mgr.LongTerm().Contains(ctx, id))

	// Explicit tiers bypass the semantic heuristic too.
	facts, err := mgr.Semantic().SearchFacts(ctx, "straight")
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestManagerAddFactPayload(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, AddParams{
		Content: FactPayload{
			Subject:    "Earth",
			Predicate:  "age",
			Object:     "4.54 billion years",
			Confidence: 0.95,
		},
		MemoryType: MemoryTypeFact,
		Importance: 0.7,
	})
	require.NoError(t, err)

	value, ok := mgr.Semantic().FactValue(ctx, "Earth", "age")
	require.True(t, ok)
	assert.Equal(t, "4.54 billion years", value)

	facts, err := mgr.Semantic().FactsFor(ctx, "Earth", "age")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, id, facts[0].MemoryID)
}

func TestManagerGetBumpsAccess(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, AddParams{Content: "x", Importance: 0.5})
	require.NoError(t, err)

	_, ok := mgr.Get(ctx, id)
	require.True(t, ok)
	item, ok := mgr.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, 2, item.AccessCount)

	_, ok = mgr.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestManagerUpdate(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, AddParams{Content: "draft", Importance: 0.5})
	require.NoError(t, err)

	imp := 0.9
	require.True(t, mgr.Update(ctx, id, ItemUpdate{Content: "final", Importance: &imp}))

	item, ok := mgr.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "final", item.Content)
	assert.Equal(t, 0.9, item.Importance)

	assert.False(t, mgr.Update(ctx, "missing", ItemUpdate{Content: "x"}))
}

func TestManagerQuery(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	_, err := mgr.Add(ctx, AddParams{Content: "kubernetes upgrade notes", MemoryType: MemoryTypeFact, Importance: 0.8})
	require.NoError(t, err)
	_, err = mgr.Add(ctx, AddParams{Content: "grocery list", Importance: 0.2})
	require.NoError(t, err)

	items, err := mgr.Query(ctx, QueryParams{Text: "kubernetes"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "kubernetes upgrade notes", items[0].Content)

	min := 0.5
	items, err = mgr.Query(ctx, QueryParams{MinImportance: &min})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = mgr.Query(ctx, QueryParams{Tier: TierShortTerm})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = mgr.Query(ctx, QueryParams{Tier: TierLongTerm, Text: "kubernetes"})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = mgr.Query(ctx, QueryParams{Tier: "holographic"})
	assert.Error(t, err)
}

func TestManagerQueryTierAppliesFilters(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	factID, err := mgr.Add(ctx, AddParams{
		Content:    "Postgres uses MVCC",
		MemoryType: MemoryTypeFact,
		Importance: 0.9,
		Metadata:   map[string]interface{}{"source": "docs"},
	})
	require.NoError(t, err)
	_, err = mgr.Add(ctx, AddParams{
		Content:    "deploy finished",
		MemoryType: MemoryTypeEvent,
		Importance: 0.6,
	})
	require.NoError(t, err)

	// The structured filter vocabulary applies on every tier route.
	items, err := mgr.Query(ctx, QueryParams{Tier: TierShortTerm, MemoryType: MemoryTypeFact})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, factID, items[0].ID)

	min := 0.8
	items, err = mgr.Query(ctx, QueryParams{Tier: TierShortTerm, MinImportance: &min})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, factID, items[0].ID)

	items, err = mgr.Query(ctx, QueryParams{
		Tier:     TierShortTerm,
		Metadata: map[string]interface{}{"source": "docs"},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, factID, items[0].ID)

	items, err = mgr.Query(ctx, QueryParams{Tier: TierLongTerm, MinImportance: &min})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, factID, items[0].ID)

	max := 0.1
	items, err = mgr.Query(ctx, QueryParams{Tier: TierSemantic, MaxImportance: &max})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestManagerConsolidatePromotesImportant(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	important, err := mgr.Add(ctx, AddParams{
		Content:    "production credentials rotated",
		Importance: 0.9,
		Tiers:      []string{TierShortTerm},
	})
	require.NoError(t, err)
	trivial, err := mgr.Add(ctx, AddParams{
		Content:    "weather was nice",
		Importance: 0.1,
		Tiers:      []string{TierShortTerm},
	})
	require.NoError(t, err)

	promoted, err := mgr.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	assert.False(t, mgr.ShortTerm().Contains(important))
	assert.True(t, mgr.LongTerm().Contains(ctx, important))
	assert.True(t, mgr.ShortTerm().Contains(trivial))
	assert.False(t, mgr.LongTerm().Contains(ctx, trivial))

	// Promotion is idempotent per item.
	promoted, err = mgr.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
}

func TestManagerConsolidatePromotesFrequentlyAccessed(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, AddParams{
		Content:    "low importance but hot",
		Importance: 0.1,
		Tiers:      []string{TierShortTerm},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, ok := mgr.Get(ctx, id)
		require.True(t, ok)
	}

	promoted, err := mgr.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.True(t, mgr.LongTerm().Contains(ctx, id))

	// The long-term floor raised the importance.
	item, ok := mgr.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, 0.3, item.Importance)
}

func TestManagerForget(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	id, err := mgr.Add(ctx, AddParams{
		Content:    "Pluto is a planet",
		MemoryType: MemoryTypeFact,
		Importance: 0.8,
	})
	require.NoError(t, err)

	require.True(t, mgr.Forget(ctx, id))

	_, ok := mgr.Get(ctx, id)
	assert.False(t, ok)
	assert.False(t, mgr.ShortTerm().Contains(id))
	assert.False(t, mgr.LongTerm().Contains(ctx, id))

	facts, err := mgr.Semantic().SearchFacts(ctx, "pluto")
	require.NoError(t, err)
	assert.Empty(t, facts)

	assert.False(t, mgr.Forget(ctx, id))
}

func TestManagerLinkRelated(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	a, err := mgr.Add(ctx, AddParams{Content: "cause", Importance: 0.5})
	require.NoError(t, err)
	b, err := mgr.Add(ctx, AddParams{Content: "effect", Importance: 0.5})
	require.NoError(t, err)

	require.True(t, mgr.Link(ctx, a, b, "causes"))

	related := mgr.Related(ctx, a, "causes")
	require.Len(t, related, 1)
	assert.Equal(t, b, related[0].ID)
}

func TestManagerSaveLoadState(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "snapshot.json")
	mgr := createTestManager(t, func(cfg *Config) {
		cfg.DataDir = dir
		cfg.SnapshotPath = snapshotPath
	})
	ctx := context.Background()

	a, err := mgr.Add(ctx, AddParams{Content: "first", MemoryType: MemoryTypeFact, Importance: 0.8})
	require.NoError(t, err)
	b, err := mgr.Add(ctx, AddParams{Content: "second", Importance: 0.5})
	require.NoError(t, err)
	require.True(t, mgr.Link(ctx, a, b, "related"))

	require.NoError(t, mgr.SaveState(ctx, ""))
	assert.False(t, mgr.Status().StateDirty)

	// Lose an item, then replay the snapshot.
	require.True(t, mgr.Store().Delete(ctx, b))
	require.NoError(t, mgr.LoadState(ctx, ""))

	itemA, ok := mgr.Get(ctx, a)
	require.True(t, ok)
	assert.Equal(t, "first", itemA.Content)
	_, ok = mgr.Get(ctx, b)
	assert.True(t, ok)

	related := mgr.Related(ctx, a, "related")
	require.Len(t, related, 1)
	assert.Equal(t, b, related[0].ID)
}

func TestManagerSaveStateStaysCleanPastDebounce(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "snapshot.json")
	mgr := createTestManager(t, func(cfg *Config) {
		cfg.DataDir = dir
		cfg.SnapshotPath = snapshotPath
	})
	ctx := context.Background()

	_, err := mgr.Add(ctx, AddParams{Content: "durable", Importance: 0.5})
	require.NoError(t, err)

	require.NoError(t, mgr.SaveState(ctx, ""))
	assert.False(t, mgr.Status().StateDirty)

	// The watcher must not re-dirty the state from the engine's own write.
	time.Sleep(800 * time.Millisecond)
	assert.False(t, mgr.Status().StateDirty)

	// An external write still marks the state dirty.
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"version":"1.0","memories":[]}`), 0644))
	assert.Eventually(t, func() bool {
		return mgr.Status().StateDirty
	}, 3*time.Second, 50*time.Millisecond)
}

func TestManagerSaveStateRequiresPath(t *testing.T) {
	mgr := createTestManager(t)
	assert.Error(t, mgr.SaveState(context.Background(), ""))
	assert.Error(t, mgr.LoadState(context.Background(), ""))
}

func TestManagerSimilarSubstringFallback(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	_, err := mgr.Add(ctx, AddParams{Content: "database migration plan", Importance: 0.5})
	require.NoError(t, err)
	_, err = mgr.Add(ctx, AddParams{Content: "holiday schedule", Importance: 0.5})
	require.NoError(t, err)

	// No embedding provider: substring matching, zero scores, no error.
	scored, err := mgr.Similar(ctx, "migration", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "database migration plan", scored[0].Item.Content)
	assert.Equal(t, 0.0, scored[0].Score)
}

func TestManagerSimilarWithProvider(t *testing.T) {
	mgr := createTestManager(t, func(cfg *Config) {
		cfg.Backend = NewInMemoryBackend()
		cfg.EmbeddingProvider = NewMockEmbeddingProvider(8)
	})
	ctx := context.Background()

	target, err := mgr.Add(ctx, AddParams{Content: "release checklist", Importance: 0.5})
	require.NoError(t, err)
	_, err = mgr.Add(ctx, AddParams{Content: "a very different note about gardening", Importance: 0.5})
	require.NoError(t, err)

	scored, err := mgr.Similar(ctx, "release checklist", 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, scored)

	// Identical text embeds to the identical vector; the target scores 1.
	found := false
	for _, s := range scored {
		if s.Item.ID == target {
			found = true
			assert.InDelta(t, 1.0, s.Score, 1e-6)
		}
	}
	assert.True(t, found)
}

func TestManagerQuerySemanticHonorsWindow(t *testing.T) {
	mgr := createTestManager(t, func(cfg *Config) {
		cfg.Backend = NewInMemoryBackend()
		cfg.EmbeddingProvider = NewMockEmbeddingProvider(8)
	})
	ctx := context.Background()

	for _, content := range []string{"release checklist", "deploy checklist", "rollback checklist"} {
		_, err := mgr.Add(ctx, AddParams{Content: content, Importance: 0.5})
		require.NoError(t, err)
	}

	items, err := mgr.Query(ctx, QueryParams{Text: "checklist", Semantic: true})
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Offset applies to the ranked results like every other route.
	items, err = mgr.Query(ctx, QueryParams{Text: "checklist", Semantic: true, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = mgr.Query(ctx, QueryParams{Text: "checklist", Semantic: true, Limit: 1, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFirstSentence(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{"stops at delimiter", "Earth is round. More detail follows.", 50, "Earth is round"},
		{"trims whitespace", "  short note\nsecond line", 50, "short note"},
		{"truncates long text", "abcdefghij", 4, "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, firstSentence(tt.text, tt.max))
		})
	}

	t.Run("multi-byte runes stay intact", func(t *testing.T) {
		got := firstSentence(strings.Repeat("é", 60), 50)
		assert.True(t, utf8.ValidString(got))
		assert.Equal(t, 50, utf8.RuneCountInString(got))
	})
}

func TestManagerSummarize(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	a, err := mgr.Add(ctx, AddParams{Content: "shipped the release", Importance: 0.9})
	require.NoError(t, err)
	b, err := mgr.Add(ctx, AddParams{Content: "fixed a flaky test", Importance: 0.3})
	require.NoError(t, err)

	summary := mgr.Summarize(ctx, []string{a, b, "missing"})
	assert.Contains(t, summary, "shipped the release")
	assert.Contains(t, summary, "fixed a flaky test")

	summary, err = mgr.SummarizeQuery(ctx, QueryParams{Text: "release"}, 0)
	require.NoError(t, err)
	assert.Contains(t, summary, "shipped the release")
	assert.NotContains(t, summary, "flaky")
}

func TestManagerStatistics(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	_, err := mgr.Add(ctx, AddParams{Content: "x", MemoryType: MemoryTypeFact, Importance: 0.8})
	require.NoError(t, err)
	_, err = mgr.Add(ctx, AddParams{Content: "y", MemoryType: MemoryTypeConversation, Importance: 0.1})
	require.NoError(t, err)

	stats, err := mgr.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Store.Count)
	assert.Equal(t, 2, stats.ShortTerm.Tracked)
	assert.Equal(t, 1, stats.LongTerm.Total)
	assert.Equal(t, 1, stats.Episodic.ActiveEpisodes)
	assert.Equal(t, 1, stats.Semantic.TotalFacts)
}

func TestManagerStatus(t *testing.T) {
	mgr := createTestManager(t)
	ctx := context.Background()

	_, err := mgr.Add(ctx, AddParams{Content: "x", Importance: 0.5})
	require.NoError(t, err)

	status := mgr.Status()
	assert.Equal(t, 1, status.Items)
	assert.True(t, status.StateDirty)
	assert.False(t, status.IsConsolidating)
	assert.Equal(t, 0, status.ConsolidationRuns)
	assert.Nil(t, status.LastConsolidation)

	_, err = mgr.Consolidate(ctx)
	require.NoError(t, err)

	status = mgr.Status()
	assert.Equal(t, 1, status.ConsolidationRuns)
	assert.NotNil(t, status.LastConsolidation)
}

func TestManagerStartStop(t *testing.T) {
	mgr := createTestManager(t)

	mgr.Start(context.Background())
	// Starting twice must not spawn a second loop or panic.
	mgr.Start(context.Background())
	mgr.Stop()
	mgr.Stop()
}
