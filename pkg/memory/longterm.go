package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// LongTermConfig configures the durable tier.
type LongTermConfig struct {
	Path          string  `json:"path" mapstructure:"path"`
	MinImportance float64 `json:"min_importance" mapstructure:"min_importance"`
}

func (c *LongTermConfig) applyDefaults() {
	if c.MinImportance <= 0 {
		c.MinImportance = 0.3
	}
}

// LongTermStats summarizes the tier.
type LongTermStats struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
}

// LongTermMemory is the durable tier. It owns a private sqlite store (never
// shared with other tiers) mirroring its rows for tier-specific statistics
// and queries, while the canonical item stays in the base store. Writes below
// MinImportance are silently floored, never rejected.
type LongTermMemory struct {
	store  *Store
	db     *sql.DB
	cfg    LongTermConfig
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewLongTermMemory opens the tier's private store at cfg.Path.
func NewLongTermMemory(store *Store, cfg LongTermConfig, logger zerolog.Logger) (*LongTermMemory, error) {
	cfg.applyDefaults()
	if cfg.Path == "" {
		return nil, errors.New("long-term store path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open long-term store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	lt := &LongTermMemory{
		store:  store,
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "long-term").Logger(),
	}
	if err := lt.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize long-term schema: %w", err)
	}
	return lt, nil
}

func (lt *LongTermMemory) initSchema() error {
	tx, err := lt.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
		CREATE TABLE IF NOT EXISTS long_term_memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT,
			memory_type TEXT NOT NULL,
			importance REAL NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_lt_type ON long_term_memories(memory_type);
		CREATE INDEX IF NOT EXISTS idx_lt_source ON long_term_memories(source);
		CREATE INDEX IF NOT EXISTS idx_lt_importance ON long_term_memories(importance);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	return tx.Commit()
}

// Add creates a base item typed long_term and mirrors it into the tier store.
// Importance below MinImportance is raised to MinImportance.
func (lt *LongTermMemory) Add(ctx context.Context, content interface{}, source string, importance float64, metadata map[string]interface{}) (string, error) {
	importance = clampUnit(importance)
	if importance < lt.cfg.MinImportance {
		importance = lt.cfg.MinImportance
	}

	meta := copyMetadata(metadata)
	if meta == nil {
		meta = make(map[string]interface{}, 2)
	}
	if source != "" {
		meta["source"] = source
	}
	meta["tier"] = "long_term"

	id, err := lt.store.Add(ctx, content, MemoryTypeLongTerm, importance, meta)
	if err != nil {
		return "", err
	}

	item, ok := lt.store.Peek(ctx, id)
	if !ok {
		return "", fmt.Errorf("item %s vanished after add", id)
	}
	if err := lt.upsert(ctx, item, source); err != nil {
		return "", err
	}
	observability.RecordMemoryAdd("long_term")
	return id, nil
}

// Store is the consolidation path: it floors the base item's importance to
// the tier minimum and upserts the tier row. The base item keeps its identity.
func (lt *LongTermMemory) Store(ctx context.Context, item *MemoryItem, source string) error {
	if item.Importance < lt.cfg.MinImportance {
		floor := lt.cfg.MinImportance
		lt.store.Update(ctx, item.ID, ItemUpdate{Importance: &floor})
		item.Importance = floor
	}
	lt.store.Update(ctx, item.ID, ItemUpdate{
		Metadata: map[string]interface{}{"tier": "long_term"},
	})
	if err := lt.upsert(ctx, item, source); err != nil {
		return err
	}
	observability.RecordMemoryAdd("long_term")
	return nil
}

func (lt *LongTermMemory) upsert(ctx context.Context, item *MemoryItem, source string) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	contentJSON, err := json.Marshal(item.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	var metadataJSON []byte
	if item.Metadata != nil {
		metadataJSON, err = json.Marshal(item.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	if source == "" {
		source = metadataSource(item.Metadata)
	}

	_, err = lt.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO long_term_memories
			(id, content, source, memory_type, importance, metadata, created_at, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, string(contentJSON), source, item.MemoryType, item.Importance,
		nullableString(metadataJSON), item.CreatedAt.UnixNano(), item.LastAccessed.UnixNano(), item.AccessCount)
	if err != nil {
		return fmt.Errorf("failed to upsert long-term row: %w", err)
	}
	return nil
}

// Contains reports whether the tier tracks the id.
func (lt *LongTermMemory) Contains(ctx context.Context, id string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	var one int
	err := lt.db.QueryRowContext(ctx, "SELECT 1 FROM long_term_memories WHERE id = ?", id).Scan(&one)
	return err == nil
}

// Remove drops the tier row. The base-store item is untouched; deleting it is
// a Forget decision.
func (lt *LongTermMemory) Remove(ctx context.Context, id string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	res, err := lt.db.ExecContext(ctx, "DELETE FROM long_term_memories WHERE id = ?", id)
	if err != nil {
		lt.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to remove long-term row")
		return false
	}
	affected, _ := res.RowsAffected()
	return affected > 0
}

// Search returns tier items whose flattened content contains text
// (case-insensitive). The tier forces its own view: results carry the rows it
// mirrors, not fresh base-store reads.
func (lt *LongTermMemory) Search(ctx context.Context, text string, limit int) ([]*MemoryItem, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	query := `
		SELECT id, content, memory_type, importance, metadata, created_at, last_accessed, access_count
		FROM long_term_memories
		WHERE LOWER(content) LIKE ?
		ORDER BY importance DESC
	`
	args := []interface{}{"%" + strings.ToLower(text) + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := lt.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search long-term store: %w", err)
	}
	defer rows.Close()

	var items []*MemoryItem
	for rows.Next() {
		item, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountBySource returns row counts grouped by source.
func (lt *LongTermMemory) CountBySource(ctx context.Context) (map[string]int, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	rows, err := lt.db.QueryContext(ctx, `
		SELECT COALESCE(source, ''), COUNT(*) FROM long_term_memories GROUP BY source
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, err
		}
		counts[source] = count
	}
	return counts, rows.Err()
}

// Stats summarizes the tier.
func (lt *LongTermMemory) Stats(ctx context.Context) (LongTermStats, error) {
	bySource, err := lt.CountBySource(ctx)
	if err != nil {
		return LongTermStats{}, err
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()
	var total int
	if err := lt.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM long_term_memories").Scan(&total); err != nil {
		return LongTermStats{}, fmt.Errorf("failed to count long-term rows: %w", err)
	}
	return LongTermStats{Total: total, BySource: bySource}, nil
}

// Close closes the private store.
func (lt *LongTermMemory) Close() error {
	return lt.db.Close()
}

// touchAccess mirrors access bookkeeping into the tier row; best-effort.
func (lt *LongTermMemory) touchAccess(ctx context.Context, id string, at time.Time, count int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if _, err := lt.db.ExecContext(ctx,
		"UPDATE long_term_memories SET last_accessed = ?, access_count = ? WHERE id = ?",
		at.UnixNano(), count, id); err != nil {
		lt.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to mirror access bookkeeping")
	}
}
