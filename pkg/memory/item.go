package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known memory type tags. MemoryType is an open string; these are the
// values the manager's tier-routing heuristics recognize.
const (
	MemoryTypeFact         = "fact"
	MemoryTypeConcept      = "concept"
	MemoryTypeConversation = "conversation"
	MemoryTypeInteraction  = "interaction"
	MemoryTypeEvent        = "event"
	MemoryTypeShortTerm    = "short_term"
	MemoryTypeLongTerm     = "long_term"
	MemoryTypeGeneric      = "generic"
)

// MemoryItem is the atomic unit of the engine. Importance is always clamped
// to [0,1] and AccessCount only increases.
type MemoryItem struct {
	ID           string                 `json:"id"`
	Content      interface{}            `json:"content"`
	MemoryType   string                 `json:"memory_type"`
	Importance   float64                `json:"importance"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	AccessCount  int                    `json:"access_count"`

	// Embedding is a per-item cache of the content vector. It is never
	// serialized; the embedding cache is the durable home for vectors.
	Embedding []float32 `json:"-"`
}

// NewMemoryItem creates an item with a generated id and clamped importance.
func NewMemoryItem(content interface{}, memoryType string, importance float64, metadata map[string]interface{}) *MemoryItem {
	if memoryType == "" {
		memoryType = MemoryTypeGeneric
	}
	now := time.Now()
	return &MemoryItem{
		ID:           uuid.New().String(),
		Content:      content,
		MemoryType:   memoryType,
		Importance:   clampUnit(importance),
		Metadata:     copyMetadata(metadata),
		CreatedAt:    now,
		LastAccessed: now,
	}
}

// Access records a retrieval: bumps the access counter and the last-accessed
// timestamp.
func (m *MemoryItem) Access() {
	m.AccessCount++
	m.LastAccessed = time.Now()
}

// Clone returns a copy with its own metadata map and embedding slice.
func (m *MemoryItem) Clone() *MemoryItem {
	c := *m
	c.Metadata = copyMetadata(m.Metadata)
	if m.Embedding != nil {
		c.Embedding = make([]float32, len(m.Embedding))
		copy(c.Embedding, m.Embedding)
	}
	return &c
}

// FactPayload is the tagged content variant carried by memory items backing
// semantic facts. The triple is explicit, not inferred from metadata keys.
type FactPayload struct {
	Subject    string      `json:"subject"`
	Predicate  string      `json:"predicate"`
	Object     interface{} `json:"object"`
	Confidence float64     `json:"confidence"`
	Source     string      `json:"source,omitempty"`
}

// Sentence renders the triple as "subject predicate object".
func (f FactPayload) Sentence() string {
	return fmt.Sprintf("%s %s %s", f.Subject, f.Predicate, flattenValue(f.Object))
}

// Episode groups an ordered list of memory item ids. Member ids must exist at
// insertion time; readers tolerate dangling references afterward.
type Episode struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	MemoryIDs    []string  `json:"memory_ids"`
	Importance   float64   `json:"importance"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
	IsActive     bool      `json:"is_active"`
}

// Fact is a subject/predicate/object triple with confidence in [0,1]. Two
// facts with the same subject+predicate but different objects are a conflict
// surfaced by CheckConflicts, never a write-time rejection.
type Fact struct {
	ID         string      `json:"id"`
	Subject    string      `json:"subject"`
	Predicate  string      `json:"predicate"`
	Object     interface{} `json:"object"`
	Confidence float64     `json:"confidence"`
	Source     string      `json:"source,omitempty"`
	MemoryID   string      `json:"memory_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Payload returns the fact as a tagged content variant.
func (f *Fact) Payload() FactPayload {
	return FactPayload{
		Subject:    f.Subject,
		Predicate:  f.Predicate,
		Object:     f.Object,
		Confidence: f.Confidence,
		Source:     f.Source,
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func copyMetadata(metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	c := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		c[k] = v
	}
	return c
}

// FlattenContent derives the textual form of arbitrary item content: strings
// as-is, fact payloads as a sentence, maps as sorted "key: value" lines,
// slices joined by newlines, everything else through JSON.
func FlattenContent(content interface{}) string {
	return flattenValue(content)
}

func flattenValue(v interface{}) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case FactPayload:
		return c.Sentence()
	case *FactPayload:
		return c.Sentence()
	case map[string]interface{}:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %s", k, flattenValue(c[k])))
		}
		return strings.Join(lines, "\n")
	case []string:
		return strings.Join(c, "\n")
	case []interface{}:
		lines := make([]string, 0, len(c))
		for _, e := range c {
			lines = append(lines, flattenValue(e))
		}
		return strings.Join(lines, "\n")
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(data)
	}
}
