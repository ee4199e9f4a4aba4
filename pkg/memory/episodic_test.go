package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestEpisodic(t *testing.T, cfg EpisodicConfig) (*EpisodicMemory, *Store) {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "episodic.db")
	}
	store := NewStore(NewInMemoryBackend(), zerolog.Nop())
	ep, err := NewEpisodicMemory(store, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep, store
}

func TestCreateEpisode(t *testing.T) {
	ep, _ := createTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	episode, err := ep.CreateEpisode(ctx, "Morning standup", "daily sync", 0.6)
	require.NoError(t, err)
	assert.NotEmpty(t, episode.ID)
	assert.True(t, episode.IsActive)
	assert.Empty(t, episode.MemoryIDs)

	got, ok := ep.GetEpisode(ctx, episode.ID)
	require.True(t, ok)
	assert.Equal(t, "Morning standup", got.Title)
	assert.Equal(t, 1, got.AccessCount)

	_, ok = ep.GetEpisode(ctx, "missing")
	assert.False(t, ok)
}

func TestActiveEpisodeLimit(t *testing.T) {
	ep, _ := createTestEpisodic(t, EpisodicConfig{MaxActiveEpisodes: 2})
	ctx := context.Background()

	var episodes []*Episode
	for i := 0; i < 3; i++ {
		episode, err := ep.CreateEpisode(ctx, fmt.Sprintf("episode %d", i), "", 0.5)
		require.NoError(t, err)
		episodes = append(episodes, episode)
	}

	// Third episode is created inactive, not rejected.
	assert.True(t, episodes[0].IsActive)
	assert.True(t, episodes[1].IsActive)
	assert.False(t, episodes[2].IsActive)
	assert.Len(t, ep.ActiveEpisodes(ctx), 2)

	// Activation at the limit fails.
	assert.False(t, ep.SetEpisodeActive(ctx, episodes[2].ID, true))

	// Ending one frees a slot.
	assert.True(t, ep.EndEpisode(ctx, episodes[0].ID))
	assert.True(t, ep.SetEpisodeActive(ctx, episodes[2].ID, true))
	assert.Len(t, ep.ActiveEpisodes(ctx), 2)
}

func TestAddMemoryToEpisode(t *testing.T) {
	ep, store := createTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	episode, err := ep.CreateEpisode(ctx, "session", "", 0.5)
	require.NoError(t, err)

	first, _ := store.Add(ctx, "first", MemoryTypeConversation, 0.5, nil)
	second, _ := store.Add(ctx, "second", MemoryTypeConversation, 0.5, nil)

	assert.True(t, ep.AddMemoryToEpisode(ctx, episode.ID, first))
	assert.True(t, ep.AddMemoryToEpisode(ctx, episode.ID, second))
	// Re-adding a member is a no-op, not an error.
	assert.True(t, ep.AddMemoryToEpisode(ctx, episode.ID, first))

	// Either side missing fails.
	assert.False(t, ep.AddMemoryToEpisode(ctx, episode.ID, "missing"))
	assert.False(t, ep.AddMemoryToEpisode(ctx, "missing", first))

	items := ep.EpisodeMemories(ctx, episode.ID)
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].ID)
	assert.Equal(t, second, items[1].ID)
}

func TestEpisodeMemoriesSkipForgotten(t *testing.T) {
	ep, store := createTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	episode, err := ep.CreateEpisode(ctx, "session", "", 0.5)
	require.NoError(t, err)

	keep, _ := store.Add(ctx, "keep", MemoryTypeConversation, 0.5, nil)
	gone, _ := store.Add(ctx, "gone", MemoryTypeConversation, 0.5, nil)
	require.True(t, ep.AddMemoryToEpisode(ctx, episode.ID, keep))
	require.True(t, ep.AddMemoryToEpisode(ctx, episode.ID, gone))

	require.True(t, store.Delete(ctx, gone))

	items := ep.EpisodeMemories(ctx, episode.ID)
	require.Len(t, items, 1)
	assert.Equal(t, keep, items[0].ID)
}

func TestSearchEpisodes(t *testing.T) {
	ep, _ := createTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	_, err := ep.CreateEpisode(ctx, "Deploy review", "rollout of v2", 0.5)
	require.NoError(t, err)
	_, err = ep.CreateEpisode(ctx, "Lunch chat", "", 0.5)
	require.NoError(t, err)

	found := ep.SearchEpisodes(ctx, "deploy")
	require.Len(t, found, 1)
	assert.Equal(t, "Deploy review", found[0].Title)

	// Description matches too.
	found = ep.SearchEpisodes(ctx, "rollout")
	assert.Len(t, found, 1)

	assert.Empty(t, ep.SearchEpisodes(ctx, "retro"))
}

func TestEpisodicRemoveMemory(t *testing.T) {
	ep, store := createTestEpisodic(t, EpisodicConfig{})
	ctx := context.Background()

	a, err := ep.CreateEpisode(ctx, "a", "", 0.5)
	require.NoError(t, err)
	b, err := ep.CreateEpisode(ctx, "b", "", 0.5)
	require.NoError(t, err)

	id, _ := store.Add(ctx, "shared", MemoryTypeConversation, 0.5, nil)
	require.True(t, ep.AddMemoryToEpisode(ctx, a.ID, id))
	require.True(t, ep.AddMemoryToEpisode(ctx, b.ID, id))

	assert.Equal(t, 2, ep.RemoveMemory(ctx, id))
	assert.Empty(t, ep.EpisodeMemories(ctx, a.ID))
	assert.Empty(t, ep.EpisodeMemories(ctx, b.ID))
}

func TestEpisodicStats(t *testing.T) {
	ep, store := createTestEpisodic(t, EpisodicConfig{MaxActiveEpisodes: 1})
	ctx := context.Background()

	a, err := ep.CreateEpisode(ctx, "a", "", 0.5)
	require.NoError(t, err)
	_, err = ep.CreateEpisode(ctx, "b", "", 0.5)
	require.NoError(t, err)

	id, _ := store.Add(ctx, "x", MemoryTypeConversation, 0.5, nil)
	require.True(t, ep.AddMemoryToEpisode(ctx, a.ID, id))

	stats, err := ep.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEpisodes)
	assert.Equal(t, 1, stats.ActiveEpisodes)
	assert.Equal(t, 1, stats.TrackedMemories)
}
