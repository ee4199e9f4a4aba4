package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// SummaryProvider produces a bounded-length digest of text. Provider failures
// fall back to the extractive path and are never propagated.
type SummaryProvider interface {
	Summarize(ctx context.Context, text string, maxLength int) (string, error)
	Provider() string
}

// SummarizerConfig bounds digest length.
type SummarizerConfig struct {
	MaxLength int `json:"max_length" mapstructure:"max_length"`
}

func (c *SummarizerConfig) applyDefaults() {
	if c.MaxLength <= 0 {
		c.MaxLength = 200
	}
}

// Summarizer produces textual digests of one or many items. With no provider
// configured it truncates extractively at a word boundary.
type Summarizer struct {
	provider SummaryProvider
	cfg      SummarizerConfig
	logger   zerolog.Logger
}

// NewSummarizer creates a summarizer. The provider may be nil.
func NewSummarizer(provider SummaryProvider, cfg SummarizerConfig, logger zerolog.Logger) *Summarizer {
	cfg.applyDefaults()
	return &Summarizer{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Str("component", "summarizer").Logger(),
	}
}

// SummarizeText digests raw text to at most maxLength characters. A
// non-positive maxLength uses the configured default.
func (s *Summarizer) SummarizeText(ctx context.Context, text string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = s.cfg.MaxLength
	}
	if len(text) <= maxLength {
		return text
	}

	if s.provider != nil {
		summary, err := s.provider.Summarize(ctx, text, maxLength)
		if err != nil {
			s.logger.Warn().Err(err).Str("provider", s.provider.Provider()).
				Msg("Summary provider failed, falling back to extractive summary")
		} else if summary != "" {
			return truncateAtWord(summary, maxLength)
		}
	}
	return truncateAtWord(text, maxLength)
}

// SummarizeItem digests a single item's content.
func (s *Summarizer) SummarizeItem(ctx context.Context, item *MemoryItem) string {
	return s.SummarizeText(ctx, FlattenContent(item.Content), 0)
}

// SummarizeItems digests many items within a character budget: items are
// taken by descending importance, one line each, until the budget runs out.
func (s *Summarizer) SummarizeItems(ctx context.Context, items []*MemoryItem, budget int) string {
	if len(items) == 0 {
		return ""
	}
	if budget <= 0 {
		budget = s.cfg.MaxLength * 4
	}

	ordered := make([]*MemoryItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Importance > ordered[j].Importance
	})

	perItem := budget / len(ordered)
	if perItem < 40 {
		perItem = 40
	}

	var b strings.Builder
	for _, item := range ordered {
		line := fmt.Sprintf("- %s", s.SummarizeText(ctx, FlattenContent(item.Content), perItem))
		if b.Len()+len(line)+1 > budget && b.Len() > 0 {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// SummarizeTopic digests the items most relevant to a topic, scored by
// keyword occurrences over the lowered flattened text.
func (s *Summarizer) SummarizeTopic(ctx context.Context, items []*MemoryItem, topic string) string {
	keywords := strings.Fields(strings.ToLower(topic))
	if len(keywords) == 0 {
		return s.SummarizeItems(ctx, items, 0)
	}

	type scored struct {
		item  *MemoryItem
		score int
	}
	var matches []scored
	for _, item := range items {
		text := strings.ToLower(FlattenContent(item.Content))
		score := 0
		for _, kw := range keywords {
			score += strings.Count(text, kw)
		}
		if score > 0 {
			matches = append(matches, scored{item: item, score: score})
		}
	}
	if len(matches) == 0 {
		return ""
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > 5 {
		matches = matches[:5]
	}

	top := make([]*MemoryItem, 0, len(matches))
	for _, m := range matches {
		top = append(top, m.item)
	}
	return s.SummarizeItems(ctx, top, 0)
}

// truncateAtWord cuts text to at most max characters at a word boundary,
// appending "..." when anything was dropped.
func truncateAtWord(text string, max int) string {
	if len(text) <= max {
		return text
	}
	if max <= 3 {
		return text[:max]
	}

	cut := text[:max-3]
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n") + "..."
}
