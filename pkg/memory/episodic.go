package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/mnemo/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// EpisodicConfig configures the episode-grouped tier.
type EpisodicConfig struct {
	Path              string `json:"path" mapstructure:"path"`
	MaxActiveEpisodes int    `json:"max_active_episodes" mapstructure:"max_active_episodes"`
}

func (c *EpisodicConfig) applyDefaults() {
	if c.MaxActiveEpisodes <= 0 {
		c.MaxActiveEpisodes = 5
	}
}

// EpisodicStats summarizes the tier.
type EpisodicStats struct {
	TotalEpisodes   int `json:"total_episodes"`
	ActiveEpisodes  int `json:"active_episodes"`
	TrackedMemories int `json:"tracked_memories"`
}

// EpisodicMemory groups memories into episodes backed by a private sqlite
// store. At most MaxActiveEpisodes episodes are active at once; creating past
// the limit yields an inactive episode, and reactivation at the limit fails.
type EpisodicMemory struct {
	store  *Store
	db     *sql.DB
	cfg    EpisodicConfig
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewEpisodicMemory opens the tier's private store at cfg.Path.
func NewEpisodicMemory(store *Store, cfg EpisodicConfig, logger zerolog.Logger) (*EpisodicMemory, error) {
	cfg.applyDefaults()
	if cfg.Path == "" {
		return nil, errors.New("episodic store path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ep := &EpisodicMemory{
		store:  store,
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "episodic").Logger(),
	}
	if err := ep.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize episodic schema: %w", err)
	}
	return ep, nil
}

func (ep *EpisodicMemory) initSchema() error {
	tx, err := ep.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
		CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			importance REAL NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_episodes_active ON episodes(is_active);

		CREATE TABLE IF NOT EXISTS episode_memories (
			episode_id TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (episode_id, memory_id),
			FOREIGN KEY (episode_id) REFERENCES episodes(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_episode_memories_memory ON episode_memories(memory_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateEpisode creates an episode. When the active limit is already reached
// the episode is created inactive, not rejected.
func (ep *EpisodicMemory) CreateEpisode(ctx context.Context, title, description string, importance float64) (*Episode, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	active, err := ep.countActive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	episode := &Episode{
		ID:           uuid.New().String(),
		Title:        title,
		Description:  description,
		MemoryIDs:    []string{},
		Importance:   clampUnit(importance),
		CreatedAt:    now,
		LastAccessed: now,
		IsActive:     active < ep.cfg.MaxActiveEpisodes,
	}

	_, err = ep.db.ExecContext(ctx, `
		INSERT INTO episodes (id, title, description, importance, created_at, last_accessed, access_count, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, episode.ID, episode.Title, episode.Description, episode.Importance,
		episode.CreatedAt.UnixNano(), episode.LastAccessed.UnixNano(), boolToInt(episode.IsActive))
	if err != nil {
		return nil, fmt.Errorf("failed to create episode: %w", err)
	}

	if !episode.IsActive {
		ep.logger.Debug().Str("episode_id", episode.ID).Msg("Active episode limit reached, created inactive")
	}
	ep.updateActiveMetric(ctx)
	return episode, nil
}

// GetEpisode retrieves an episode and records the access.
func (ep *EpisodicMemory) GetEpisode(ctx context.Context, id string) (*Episode, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	episode, err := ep.fetchEpisode(ctx, id)
	if err != nil {
		return nil, false
	}

	episode.AccessCount++
	episode.LastAccessed = time.Now()
	if _, err := ep.db.ExecContext(ctx,
		"UPDATE episodes SET last_accessed = ?, access_count = ? WHERE id = ?",
		episode.LastAccessed.UnixNano(), episode.AccessCount, id); err != nil {
		ep.logger.Warn().Err(err).Str("episode_id", id).Msg("Failed to persist episode access")
	}
	return episode, true
}

// AddMemoryToEpisode appends a memory id to the episode's ordered list.
// Returns false when either the episode or the memory is absent. Adding an
// already-member id is a no-op returning true.
func (ep *EpisodicMemory) AddMemoryToEpisode(ctx context.Context, episodeID, memoryID string) bool {
	if !ep.store.Contains(ctx, memoryID) {
		return false
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, err := ep.fetchEpisode(ctx, episodeID); err != nil {
		return false
	}

	var exists int
	err := ep.db.QueryRowContext(ctx,
		"SELECT 1 FROM episode_memories WHERE episode_id = ? AND memory_id = ?",
		episodeID, memoryID).Scan(&exists)
	if err == nil {
		return true
	}

	var next int
	if err := ep.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), -1) + 1 FROM episode_memories WHERE episode_id = ?",
		episodeID).Scan(&next); err != nil {
		ep.logger.Warn().Err(err).Str("episode_id", episodeID).Msg("Failed to compute position")
		return false
	}

	if _, err := ep.db.ExecContext(ctx,
		"INSERT INTO episode_memories (episode_id, memory_id, position) VALUES (?, ?, ?)",
		episodeID, memoryID, next); err != nil {
		ep.logger.Warn().Err(err).Str("episode_id", episodeID).Msg("Failed to add memory to episode")
		return false
	}
	return true
}

// EpisodeMemories resolves the episode's member ids to live items in order.
// Ids whose underlying item was forgotten are silently skipped.
func (ep *EpisodicMemory) EpisodeMemories(ctx context.Context, episodeID string) []*MemoryItem {
	ids := ep.memoryIDs(ctx, episodeID)
	items := make([]*MemoryItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := ep.store.Peek(ctx, id); ok {
			items = append(items, item)
		}
	}
	return items
}

func (ep *EpisodicMemory) memoryIDs(ctx context.Context, episodeID string) []string {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	rows, err := ep.db.QueryContext(ctx,
		"SELECT memory_id FROM episode_memories WHERE episode_id = ? ORDER BY position ASC",
		episodeID)
	if err != nil {
		ep.logger.Warn().Err(err).Str("episode_id", episodeID).Msg("Failed to list episode memories")
		return nil
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids
		}
		ids = append(ids, id)
	}
	return ids
}

// ActiveEpisodes returns the currently active episodes, newest first.
func (ep *EpisodicMemory) ActiveEpisodes(ctx context.Context) []*Episode {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	episodes, err := ep.queryEpisodes(ctx, "WHERE is_active = 1 ORDER BY created_at DESC")
	if err != nil {
		ep.logger.Warn().Err(err).Msg("Failed to list active episodes")
		return nil
	}
	return episodes
}

// SetEpisodeActive toggles the active flag. Activation fails (returns false)
// when it would exceed the active limit.
func (ep *EpisodicMemory) SetEpisodeActive(ctx context.Context, id string, active bool) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	episode, err := ep.fetchEpisode(ctx, id)
	if err != nil {
		return false
	}
	if episode.IsActive == active {
		return true
	}

	if active {
		count, err := ep.countActive(ctx)
		if err != nil || count >= ep.cfg.MaxActiveEpisodes {
			return false
		}
	}

	if _, err := ep.db.ExecContext(ctx,
		"UPDATE episodes SET is_active = ? WHERE id = ?", boolToInt(active), id); err != nil {
		ep.logger.Warn().Err(err).Str("episode_id", id).Msg("Failed to update episode state")
		return false
	}
	ep.updateActiveMetric(ctx)
	return true
}

// EndEpisode deactivates an episode.
func (ep *EpisodicMemory) EndEpisode(ctx context.Context, id string) bool {
	return ep.SetEpisodeActive(ctx, id, false)
}

// SearchEpisodes returns episodes whose title or description contains text,
// case-insensitively.
func (ep *EpisodicMemory) SearchEpisodes(ctx context.Context, text string) []*Episode {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	pattern := "%" + strings.ToLower(text) + "%"
	rows, err := ep.db.QueryContext(ctx, `
		SELECT id, title, description, importance, created_at, last_accessed, access_count, is_active
		FROM episodes
		WHERE LOWER(title) LIKE ? OR LOWER(COALESCE(description, '')) LIKE ?
		ORDER BY created_at DESC
	`, pattern, pattern)
	if err != nil {
		ep.logger.Warn().Err(err).Msg("Failed to search episodes")
		return nil
	}
	defer rows.Close()

	return ep.collectEpisodes(ctx, rows)
}

// RemoveMemory drops the memory id from every episode. Forget path.
func (ep *EpisodicMemory) RemoveMemory(ctx context.Context, memoryID string) int {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	res, err := ep.db.ExecContext(ctx,
		"DELETE FROM episode_memories WHERE memory_id = ?", memoryID)
	if err != nil {
		ep.logger.Warn().Err(err).Str("item_id", memoryID).Msg("Failed to remove memory from episodes")
		return 0
	}
	affected, _ := res.RowsAffected()
	return int(affected)
}

// Stats summarizes the tier.
func (ep *EpisodicMemory) Stats(ctx context.Context) (EpisodicStats, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	var stats EpisodicStats
	if err := ep.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM episodes").Scan(&stats.TotalEpisodes); err != nil {
		return stats, fmt.Errorf("failed to count episodes: %w", err)
	}
	active, err := ep.countActive(ctx)
	if err != nil {
		return stats, err
	}
	stats.ActiveEpisodes = active
	if err := ep.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM episode_memories").Scan(&stats.TrackedMemories); err != nil {
		return stats, fmt.Errorf("failed to count episode memories: %w", err)
	}
	return stats, nil
}

// Close closes the private store.
func (ep *EpisodicMemory) Close() error {
	return ep.db.Close()
}

func (ep *EpisodicMemory) fetchEpisode(ctx context.Context, id string) (*Episode, error) {
	row := ep.db.QueryRowContext(ctx, `
		SELECT id, title, description, importance, created_at, last_accessed, access_count, is_active
		FROM episodes WHERE id = ?
	`, id)
	return scanEpisodeRow(ctx, ep.db, row)
}

func (ep *EpisodicMemory) queryEpisodes(ctx context.Context, clause string, args ...interface{}) ([]*Episode, error) {
	rows, err := ep.db.QueryContext(ctx, `
		SELECT id, title, description, importance, created_at, last_accessed, access_count, is_active
		FROM episodes `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ep.collectEpisodes(ctx, rows), nil
}

func (ep *EpisodicMemory) collectEpisodes(ctx context.Context, rows *sql.Rows) []*Episode {
	var episodes []*Episode
	for rows.Next() {
		episode, err := scanEpisodeRow(ctx, ep.db, rows)
		if err != nil {
			ep.logger.Warn().Err(err).Msg("Failed to scan episode row")
			continue
		}
		episodes = append(episodes, episode)
	}
	return episodes
}

func (ep *EpisodicMemory) countActive(ctx context.Context) (int, error) {
	var count int
	if err := ep.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM episodes WHERE is_active = 1").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active episodes: %w", err)
	}
	return count, nil
}

func (ep *EpisodicMemory) updateActiveMetric(ctx context.Context) {
	if count, err := ep.countActive(ctx); err == nil {
		observability.SetActiveEpisodes(count)
	}
}

func scanEpisodeRow(ctx context.Context, db *sql.DB, row rowScanner) (*Episode, error) {
	var episode Episode
	var description sql.NullString
	var createdAt, lastAccessed int64
	var isActive int

	if err := row.Scan(&episode.ID, &episode.Title, &description, &episode.Importance,
		&createdAt, &lastAccessed, &episode.AccessCount, &isActive); err != nil {
		return nil, err
	}
	episode.Description = description.String
	episode.CreatedAt = time.Unix(0, createdAt)
	episode.LastAccessed = time.Unix(0, lastAccessed)
	episode.IsActive = isActive != 0

	rows, err := db.QueryContext(ctx,
		"SELECT memory_id FROM episode_memories WHERE episode_id = ? ORDER BY position ASC",
		episode.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	episode.MemoryIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		episode.MemoryIDs = append(episode.MemoryIDs, id)
	}
	return &episode, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
