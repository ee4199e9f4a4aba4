package memory

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

// EmbedderConfig tunes similarity retrieval.
type EmbedderConfig struct {
	Dimension        int     `json:"dimension" mapstructure:"dimension"`
	DefaultTopK      int     `json:"default_top_k" mapstructure:"default_top_k"`
	DefaultThreshold float64 `json:"default_threshold" mapstructure:"default_threshold"`
}

func (c *EmbedderConfig) applyDefaults() {
	if c.Dimension <= 0 {
		c.Dimension = 768
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 5
	}
	if c.DefaultThreshold <= 0 {
		c.DefaultThreshold = 0.7
	}
}

// ScoredItem pairs an item with its similarity score.
type ScoredItem struct {
	Item  *MemoryItem `json:"item"`
	Score float64     `json:"score"`
}

// Embedder wraps an injected embedding provider with flattening, caching,
// similarity scoring, and clustering. Provider failures yield a zero vector,
// never an error: a zero vector means "no signal", not a valid match.
type Embedder struct {
	provider EmbeddingProvider
	cache    *EmbeddingCache
	cfg      EmbedderConfig
	logger   zerolog.Logger
}

// NewEmbedder creates an embedder. Both provider and cache may be nil; a nil
// provider degrades every semantic feature to "no signal" without errors.
func NewEmbedder(provider EmbeddingProvider, cache *EmbeddingCache, cfg EmbedderConfig, logger zerolog.Logger) *Embedder {
	cfg.applyDefaults()
	return &Embedder{
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.With().Str("component", "embedder").Logger(),
	}
}

// Enabled reports whether an embedding provider is configured.
func (e *Embedder) Enabled() bool {
	return e.provider != nil
}

// Dimension returns the vector dimension in effect.
func (e *Embedder) Dimension() int {
	if e.provider != nil {
		return e.provider.Dimension()
	}
	return e.cfg.Dimension
}

// Embed returns the vector for an item's flattened content, consulting the
// item's own cache field, then the durable cache, then the provider. The
// result is cached on the item.
func (e *Embedder) Embed(ctx context.Context, item *MemoryItem) []float32 {
	if len(item.Embedding) > 0 {
		return item.Embedding
	}
	vec := e.EmbedText(ctx, FlattenContent(item.Content))
	item.Embedding = vec
	return vec
}

// EmbedText returns the vector for raw text, or a zero vector on provider
// absence or failure.
func (e *Embedder) EmbedText(ctx context.Context, text string) []float32 {
	if e.cache != nil {
		if vec, ok := e.cache.Get(ctx, text); ok {
			return vec
		}
	}

	if e.provider == nil {
		return make([]float32, e.Dimension())
	}

	start := time.Now()
	vec, err := e.provider.GenerateEmbedding(ctx, text)
	observability.RecordEmbedding(time.Since(start))
	if err != nil {
		e.logger.Warn().Err(err).Msg("Embedding generation failed, using zero vector")
		return make([]float32, e.Dimension())
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, text, vec); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to cache embedding")
		}
	}
	return vec
}

// Similarity returns the cosine similarity of two vectors clamped to [0,1].
// Zero-norm or mismatched-length inputs score 0; there is never a division
// by zero.
func (e *Embedder) Similarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}

// FindSimilar scores candidates against the query text, keeps those at or
// above threshold, and returns the top K by descending score. Ties keep input
// order (stable sort). Non-positive topK/threshold fall back to the defaults.
func (e *Embedder) FindSimilar(ctx context.Context, query string, candidates []*MemoryItem, topK int, threshold float64) []ScoredItem {
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	if threshold < 0 {
		threshold = e.cfg.DefaultThreshold
	}

	queryVec := e.EmbedText(ctx, query)
	if isZeroVector(queryVec) {
		return nil
	}

	var scored []ScoredItem
	for _, item := range candidates {
		score := cosineSimilarity(queryVec, e.Embed(ctx, item))
		if score >= threshold {
			scored = append(scored, ScoredItem{Item: item, Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// Cluster groups items by greedy single-pass assignment: up to targetCount
// random seeds become centers, each remaining item joins its most similar
// center when similarity is at least minSimilarity, else opens a new cluster
// (up to the target) or falls back to the best existing one. Approximate by
// design.
func (e *Embedder) Cluster(ctx context.Context, items []*MemoryItem, targetCount int, minSimilarity float64) [][]*MemoryItem {
	if len(items) == 0 {
		return nil
	}
	if targetCount <= 0 {
		targetCount = 5
	}
	if minSimilarity <= 0 {
		minSimilarity = 0.7
	}
	if targetCount > len(items) {
		targetCount = len(items)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	order := rng.Perm(len(items))

	type cluster struct {
		center  []float32
		members []*MemoryItem
	}

	seeds := order[:targetCount]
	seedSet := make(map[int]struct{}, len(seeds))
	clusters := make([]*cluster, 0, targetCount)
	for _, idx := range seeds {
		seedSet[idx] = struct{}{}
		item := items[idx]
		clusters = append(clusters, &cluster{
			center:  e.Embed(ctx, item),
			members: []*MemoryItem{item},
		})
	}

	for i, item := range items {
		if _, isSeed := seedSet[i]; isSeed {
			continue
		}
		vec := e.Embed(ctx, item)

		bestIdx := -1
		bestScore := -1.0
		for ci, cl := range clusters {
			score := cosineSimilarity(vec, cl.center)
			if score > bestScore {
				bestScore = score
				bestIdx = ci
			}
		}

		switch {
		case bestIdx >= 0 && bestScore >= minSimilarity:
			clusters[bestIdx].members = append(clusters[bestIdx].members, item)
		case len(clusters) < targetCount:
			clusters = append(clusters, &cluster{center: vec, members: []*MemoryItem{item}})
		case bestIdx >= 0:
			clusters[bestIdx].members = append(clusters[bestIdx].members, item)
		}
	}

	result := make([][]*MemoryItem, 0, len(clusters))
	for _, cl := range clusters {
		result = append(result, cl.members)
	}
	return result
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clampUnit(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
