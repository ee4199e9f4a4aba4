package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/mnemo/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SemanticConfig configures the fact-triple tier.
type SemanticConfig struct {
	Path              string  `json:"path" mapstructure:"path"`
	ConflictThreshold float64 `json:"conflict_threshold" mapstructure:"conflict_threshold"`
}

func (c *SemanticConfig) applyDefaults() {
	if c.ConflictThreshold <= 0 {
		c.ConflictThreshold = 0.5
	}
}

// SemanticStats summarizes the tier.
type SemanticStats struct {
	TotalFacts        int     `json:"total_facts"`
	Subjects          int     `json:"subjects"`
	AverageConfidence float64 `json:"average_confidence"`
}

// FactInput carries the parameters for AddFact. When CreateMemory is set the
// tier also creates a backing base-store item whose content is the
// FactPayload, so general queries find the fact as a memory. MemoryID links
// the fact to an already existing item instead.
type FactInput struct {
	Subject      string
	Predicate    string
	Object       interface{}
	Confidence   float64
	Source       string
	MemoryID     string
	CreateMemory bool
}

// FactConflict is a pair of facts sharing subject+predicate with differing
// objects. Detection only; callers decide how to merge.
type FactConflict struct {
	A *Fact `json:"a"`
	B *Fact `json:"b"`
}

// SemanticMemory stores subject/predicate/object triples in a private sqlite
// store. Conflicting facts coexist; CheckConflicts surfaces them.
type SemanticMemory struct {
	store  *Store
	db     *sql.DB
	cfg    SemanticConfig
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewSemanticMemory opens the tier's private store at cfg.Path.
func NewSemanticMemory(store *Store, cfg SemanticConfig, logger zerolog.Logger) (*SemanticMemory, error) {
	cfg.applyDefaults()
	if cfg.Path == "" {
		return nil, errors.New("semantic store path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open semantic store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	sm := &SemanticMemory{
		store:  store,
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("component", "semantic").Logger(),
	}
	if err := sm.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize semantic schema: %w", err)
	}
	return sm, nil
}

func (sm *SemanticMemory) initSchema() error {
	tx, err := sm.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			object_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			source TEXT,
			memory_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_facts_subject ON facts(subject);
		CREATE INDEX IF NOT EXISTS idx_facts_predicate ON facts(predicate);
		CREATE INDEX IF NOT EXISTS idx_facts_subject_predicate ON facts(subject, predicate);
		CREATE INDEX IF NOT EXISTS idx_facts_memory ON facts(memory_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	return tx.Commit()
}

// AddFact stores a triple. Confidence is clamped to [0,1]. A conflicting
// triple for the same subject+predicate is stored alongside, never rejected.
func (sm *SemanticMemory) AddFact(ctx context.Context, input FactInput) (*Fact, error) {
	if input.Subject == "" || input.Predicate == "" {
		return nil, errors.New("fact subject and predicate are required")
	}

	now := time.Now()
	fact := &Fact{
		ID:         uuid.New().String(),
		Subject:    input.Subject,
		Predicate:  input.Predicate,
		Object:     input.Object,
		Confidence: clampUnit(input.Confidence),
		Source:     input.Source,
		MemoryID:   input.MemoryID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if input.CreateMemory && fact.MemoryID == "" {
		meta := map[string]interface{}{"confidence": fact.Confidence}
		if fact.Source != "" {
			meta["source"] = fact.Source
		}
		memoryID, err := sm.store.Add(ctx, fact.Payload(), MemoryTypeFact, 0.7, meta)
		if err != nil {
			sm.logger.Warn().Err(err).Msg("Failed to create backing memory for fact")
		} else {
			fact.MemoryID = memoryID
		}
	}

	objectText, objectType, err := encodeObject(fact.Object)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO facts (id, subject, predicate, object, object_type, confidence, source, memory_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, fact.ID, fact.Subject, fact.Predicate, objectText, objectType, fact.Confidence,
		fact.Source, fact.MemoryID, fact.CreatedAt.UnixNano(), fact.UpdatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to store fact: %w", err)
	}

	observability.RecordMemoryAdd("semantic")
	return fact, nil
}

// GetFact retrieves a fact by id.
func (sm *SemanticMemory) GetFact(ctx context.Context, id string) (*Fact, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	row := sm.db.QueryRowContext(ctx, factSelect+" WHERE id = ?", id)
	fact, err := scanFactRow(row)
	if err != nil {
		return nil, false
	}
	return fact, true
}

// FactsAbout returns all facts for a subject, highest confidence first.
func (sm *SemanticMemory) FactsAbout(ctx context.Context, subject string) ([]*Fact, error) {
	return sm.queryFacts(ctx, " WHERE subject = ? ORDER BY confidence DESC", subject)
}

// FactsFor returns all facts for a subject+predicate, highest confidence
// first.
func (sm *SemanticMemory) FactsFor(ctx context.Context, subject, predicate string) ([]*Fact, error) {
	return sm.queryFacts(ctx, " WHERE subject = ? AND predicate = ? ORDER BY confidence DESC", subject, predicate)
}

// SearchFacts returns facts whose subject, predicate, or object contains
// text, case-insensitively.
func (sm *SemanticMemory) SearchFacts(ctx context.Context, text string) ([]*Fact, error) {
	pattern := "%" + strings.ToLower(text) + "%"
	return sm.queryFacts(ctx, `
		WHERE LOWER(subject) LIKE ? OR LOWER(predicate) LIKE ? OR LOWER(object) LIKE ?
		ORDER BY confidence DESC
	`, pattern, pattern, pattern)
}

// CheckConflicts returns every pair of facts for subject+predicate whose
// objects differ and whose confidences are both at or above the conflict
// threshold. Detection only, no resolution.
func (sm *SemanticMemory) CheckConflicts(ctx context.Context, subject, predicate string) ([]FactConflict, error) {
	facts, err := sm.FactsFor(ctx, subject, predicate)
	if err != nil {
		return nil, err
	}

	var eligible []*Fact
	for _, f := range facts {
		if f.Confidence >= sm.cfg.ConflictThreshold {
			eligible = append(eligible, f)
		}
	}

	var conflicts []FactConflict
	for i := 0; i < len(eligible); i++ {
		for j := i + 1; j < len(eligible); j++ {
			if !sameObject(eligible[i].Object, eligible[j].Object) {
				conflicts = append(conflicts, FactConflict{A: eligible[i], B: eligible[j]})
			}
		}
	}
	return conflicts, nil
}

// MergeFacts keeps one of the given facts and deletes the rest. With
// keepHighestConfidence the survivor is the most confident one, else the
// first id.
func (sm *SemanticMemory) MergeFacts(ctx context.Context, ids []string, keepHighestConfidence bool) (*Fact, error) {
	if len(ids) == 0 {
		return nil, errors.New("no fact ids to merge")
	}

	var facts []*Fact
	for _, id := range ids {
		if fact, ok := sm.GetFact(ctx, id); ok {
			facts = append(facts, fact)
		}
	}
	if len(facts) == 0 {
		return nil, errors.New("none of the facts exist")
	}

	keeper := facts[0]
	if keepHighestConfidence {
		for _, f := range facts[1:] {
			if f.Confidence > keeper.Confidence {
				keeper = f
			}
		}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, f := range facts {
		if f.ID == keeper.ID {
			continue
		}
		if _, err := sm.db.ExecContext(ctx, "DELETE FROM facts WHERE id = ?", f.ID); err != nil {
			return nil, fmt.Errorf("failed to delete merged fact: %w", err)
		}
	}
	return keeper, nil
}

// UpdateFactConfidence sets a fact's confidence (clamped) and syncs the
// backing memory's confidence metadata when one exists.
func (sm *SemanticMemory) UpdateFactConfidence(ctx context.Context, id string, confidence float64) bool {
	confidence = clampUnit(confidence)

	fact, ok := sm.GetFact(ctx, id)
	if !ok {
		return false
	}

	sm.mu.Lock()
	_, err := sm.db.ExecContext(ctx,
		"UPDATE facts SET confidence = ?, updated_at = ? WHERE id = ?",
		confidence, time.Now().UnixNano(), id)
	sm.mu.Unlock()
	if err != nil {
		sm.logger.Warn().Err(err).Str("fact_id", id).Msg("Failed to update confidence")
		return false
	}

	if fact.MemoryID != "" {
		sm.store.Update(ctx, fact.MemoryID, ItemUpdate{
			Metadata: map[string]interface{}{"confidence": confidence},
		})
	}
	return true
}

// FactValue returns the highest-confidence object for subject+predicate.
func (sm *SemanticMemory) FactValue(ctx context.Context, subject, predicate string) (interface{}, bool) {
	facts, err := sm.FactsFor(ctx, subject, predicate)
	if err != nil || len(facts) == 0 {
		return nil, false
	}
	return facts[0].Object, true
}

// RemoveByMemoryID deletes every fact backed by the memory id. Forget path.
func (sm *SemanticMemory) RemoveByMemoryID(ctx context.Context, memoryID string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	res, err := sm.db.ExecContext(ctx, "DELETE FROM facts WHERE memory_id = ?", memoryID)
	if err != nil {
		sm.logger.Warn().Err(err).Str("item_id", memoryID).Msg("Failed to remove facts by memory id")
		return 0
	}
	affected, _ := res.RowsAffected()
	return int(affected)
}

// Stats summarizes the tier.
func (sm *SemanticMemory) Stats(ctx context.Context) (SemanticStats, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var stats SemanticStats
	row := sm.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT subject), COALESCE(AVG(confidence), 0) FROM facts")
	if err := row.Scan(&stats.TotalFacts, &stats.Subjects, &stats.AverageConfidence); err != nil {
		return stats, fmt.Errorf("failed to compute semantic stats: %w", err)
	}
	observability.SetFactCount(stats.TotalFacts)
	return stats, nil
}

// Close closes the private store.
func (sm *SemanticMemory) Close() error {
	return sm.db.Close()
}

const factSelect = `
	SELECT id, subject, predicate, object, object_type, confidence, source, memory_id, created_at, updated_at
	FROM facts`

func (sm *SemanticMemory) queryFacts(ctx context.Context, clause string, args ...interface{}) ([]*Fact, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rows, err := sm.db.QueryContext(ctx, factSelect+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		fact, err := scanFactRow(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func scanFactRow(row rowScanner) (*Fact, error) {
	var fact Fact
	var objectText, objectType string
	var source, memoryID sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&fact.ID, &fact.Subject, &fact.Predicate, &objectText, &objectType,
		&fact.Confidence, &source, &memoryID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	object, err := decodeObject(objectText, objectType)
	if err != nil {
		return nil, err
	}
	fact.Object = object
	fact.Source = source.String
	fact.MemoryID = memoryID.String
	fact.CreatedAt = time.Unix(0, createdAt)
	fact.UpdatedAt = time.Unix(0, updatedAt)
	return &fact, nil
}

// encodeObject serializes a fact object preserving its dynamic type across
// the SQL boundary.
func encodeObject(object interface{}) (string, string, error) {
	switch v := object.(type) {
	case nil:
		return "", "string", nil
	case string:
		return v, "string", nil
	case bool:
		return strconv.FormatBool(v), "bool", nil
	case int:
		return strconv.FormatInt(int64(v), 10), "int", nil
	case int64:
		return strconv.FormatInt(v, 10), "int", nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 64), "float", nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), "float", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode fact object: %w", err)
		}
		return string(data), "json", nil
	}
}

func decodeObject(text, objectType string) (interface{}, error) {
	switch objectType {
	case "string":
		return text, nil
	case "bool":
		return strconv.ParseBool(text)
	case "int":
		return strconv.ParseInt(text, 10, 64)
	case "float":
		return strconv.ParseFloat(text, 64)
	case "json":
		var v interface{}
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("failed to decode fact object: %w", err)
		}
		return v, nil
	default:
		return text, nil
	}
}

func sameObject(a, b interface{}) bool {
	if a == b {
		return true
	}
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aJSON) == string(bJSON)
}
