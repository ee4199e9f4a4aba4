package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// SQLiteBackend is the durable Backend implementation. When constructed with
// a vector dimension it also implements VectorIndex through a vec0 virtual
// table, used for candidate recall in semantic search.
type SQLiteBackend struct {
	db        *sql.DB
	dimension int
	logger    zerolog.Logger
}

// NewSQLiteBackend opens (or creates) the database at path. A dimension > 0
// enables the vector index.
func NewSQLiteBackend(path string, dimension int, logger zerolog.Logger) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	b := &SQLiteBackend{
		db:        db,
		dimension: dimension,
		logger:    logger.With().Str("component", "sqlite-backend").Logger(),
	}

	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			source TEXT,
			importance REAL NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
		CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source);
		CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Create vector table outside the transaction; virtual table DDL does not
	// participate in sqlite transactions.
	if b.dimension > 0 {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
				item_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, b.dimension)

		if _, err := b.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

func (b *SQLiteBackend) Store(ctx context.Context, item *MemoryItem) error {
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

	source := metadataSource(item.Metadata)

	_, err = b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memories
			(id, content, memory_type, source, importance, metadata, created_at, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, string(contentJSON), item.MemoryType, source, item.Importance,
		nullableString(metadataJSON), item.CreatedAt.UnixNano(), item.LastAccessed.UnixNano(), item.AccessCount)
	if err != nil {
		return fmt.Errorf("failed to store item: %w", err)
	}

	return nil
}

func (b *SQLiteBackend) Retrieve(ctx context.Context, id string) (*MemoryItem, bool) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, content, memory_type, importance, metadata, created_at, last_accessed, access_count
		FROM memories WHERE id = ?
	`, id)

	item, err := scanMemoryRow(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			b.logger.Warn().Err(err).Str("id", id).Msg("Failed to retrieve item")
		}
		return nil, false
	}
	return item, true
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) bool {
	res, err := b.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		b.logger.Warn().Err(err).Str("id", id).Msg("Failed to delete item")
		return false
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false
	}

	if b.dimension > 0 {
		if err := b.RemoveVector(ctx, id); err != nil {
			b.logger.Warn().Err(err).Str("id", id).Msg("Failed to remove vector")
		}
	}
	return true
}

func (b *SQLiteBackend) Query(ctx context.Context, q Query) ([]*MemoryItem, error) {
	var conditions []string
	var args []interface{}

	if q.MemoryType != "" {
		conditions = append(conditions, "memory_type = ?")
		args = append(args, q.MemoryType)
	}
	if q.MinImportance != nil {
		conditions = append(conditions, "importance >= ?")
		args = append(args, *q.MinImportance)
	}
	if q.MaxImportance != nil {
		conditions = append(conditions, "importance <= ?")
		args = append(args, *q.MaxImportance)
	}
	if q.CreatedAfter != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, q.CreatedAfter.UnixNano())
	}
	if q.CreatedBefore != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, q.CreatedBefore.UnixNano())
	}

	query := `
		SELECT id, content, memory_type, importance, metadata, created_at, last_accessed, access_count
		FROM memories
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY importance DESC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*MemoryItem
	for rows.Next() {
		item, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		// Metadata equality is matched in-process; metadata is an open
		// key/value bag, not a SQL schema.
		if len(q.Metadata) > 0 && !(Query{Metadata: q.Metadata}).Matches(item) {
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return applyWindow(items, q.Limit, q.Offset), nil
}

func (b *SQLiteBackend) List(ctx context.Context) ([]*MemoryItem, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, content, memory_type, importance, metadata, created_at, last_accessed, access_count
		FROM memories ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
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

func (b *SQLiteBackend) Count(ctx context.Context) int {
	var count int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to count items")
		return 0
	}
	return count
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM memories"); err != nil {
		return fmt.Errorf("failed to clear items: %w", err)
	}
	if b.dimension > 0 {
		if _, err := b.db.ExecContext(ctx, "DELETE FROM memory_vectors"); err != nil {
			return fmt.Errorf("failed to clear vectors: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// IndexVector stores the embedding for an item in the vec0 table.
func (b *SQLiteBackend) IndexVector(ctx context.Context, id string, vec []float32) error {
	if b.dimension == 0 {
		return errors.New("vector index not enabled")
	}
	if len(vec) != b.dimension {
		return fmt.Errorf("vector dimension mismatch: got %d, want %d", len(vec), b.dimension)
	}

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	// vec0 virtual tables do not support INSERT OR REPLACE; delete first.
	if _, err := b.db.ExecContext(ctx, "DELETE FROM memory_vectors WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("failed to replace vector: %w", err)
	}
	if _, err := b.db.ExecContext(ctx,
		"INSERT INTO memory_vectors (item_id, embedding) VALUES (?, ?)",
		id, string(vecJSON)); err != nil {
		return fmt.Errorf("failed to index vector: %w", err)
	}
	return nil
}

// SimilarIDs returns up to limit item ids ordered by cosine distance to vec.
func (b *SQLiteBackend) SimilarIDs(ctx context.Context, vec []float32, limit int) ([]string, error) {
	if b.dimension == 0 {
		return nil, errors.New("vector index not enabled")
	}

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query embedding: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT item_id, vec_distance_cosine(embedding, ?) AS distance
		FROM memory_vectors
		ORDER BY distance ASC
		LIMIT ?
	`, string(vecJSON), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveVector drops the embedding for an item.
func (b *SQLiteBackend) RemoveVector(ctx context.Context, id string) error {
	if b.dimension == 0 {
		return nil
	}
	_, err := b.db.ExecContext(ctx, "DELETE FROM memory_vectors WHERE item_id = ?", id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemoryRow(row rowScanner) (*MemoryItem, error) {
	var item MemoryItem
	var contentJSON string
	var metadataJSON sql.NullString
	var createdAt, lastAccessed int64

	if err := row.Scan(&item.ID, &contentJSON, &item.MemoryType, &item.Importance,
		&metadataJSON, &createdAt, &lastAccessed, &item.AccessCount); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(contentJSON), &item.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	item.CreatedAt = time.Unix(0, createdAt)
	item.LastAccessed = time.Unix(0, lastAccessed)

	return &item, nil
}

func metadataSource(metadata map[string]interface{}) string {
	if metadata == nil {
		return ""
	}
	if source, ok := metadata["source"].(string); ok {
		return source
	}
	return ""
}

func nullableString(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
