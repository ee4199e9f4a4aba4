package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// EmbeddingCache persists generated vectors keyed by a content hash so
// re-embedding identical text never hits the provider twice.
type EmbeddingCache struct {
	db     *sql.DB
	logger zerolog.Logger

	mu     sync.Mutex
	hits   int
	misses int
}

// NewEmbeddingCache opens (or creates) the cache database at path.
func NewEmbeddingCache(path string, logger zerolog.Logger) (*EmbeddingCache, error) {
	if path == "" {
		return nil, errors.New("embedding cache path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_created ON embedding_cache(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize embedding cache schema: %w", err)
	}

	return &EmbeddingCache{
		db:     db,
		logger: logger.With().Str("component", "embedding-cache").Logger(),
	}, nil
}

// Get returns the cached vector for text, recording a hit or miss.
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, bool) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT embedding FROM embedding_cache WHERE content_hash = ?",
		contentHash(text)).Scan(&data)
	if err != nil {
		c.recordLookup(false)
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to unmarshal cached embedding")
		c.recordLookup(false)
		return nil, false
	}
	c.recordLookup(true)
	return vec, true
}

// Put stores the vector for text, replacing any previous entry.
func (c *EmbeddingCache) Put(ctx context.Context, text string, vec []float32) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at)
		VALUES (?, ?, ?, ?)
	`, contentHash(text), data, len(vec), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// HitRate returns the hit ratio of lookups so far, or nil before any lookup.
func (c *EmbeddingCache) HitRate() *float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return nil
	}
	rate := float64(c.hits) / float64(total)
	return &rate
}

// Close closes the cache database.
func (c *EmbeddingCache) Close() error {
	return c.db.Close()
}

func (c *EmbeddingCache) recordLookup(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	observability.RecordEmbeddingCache(hit)
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
