package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for maintenance run ID (consolidation, sweep)
	RunIDKey ContextKey = "run_id"
	// ItemIDKey is the context key for the memory item ID being operated on
	ItemIDKey ContextKey = "item_id"
	// EpisodeIDKey is the context key for the episode ID being operated on
	EpisodeIDKey ContextKey = "episode_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RunID     string
	ItemID    string
	EpisodeID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithItemID adds a memory item ID to the context
func WithItemID(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, ItemIDKey, itemID)
}

// WithEpisodeID adds an episode ID to the context
func WithEpisodeID(ctx context.Context, episodeID string) context.Context {
	return context.WithValue(ctx, EpisodeIDKey, episodeID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetItemID retrieves the memory item ID from the context
func GetItemID(ctx context.Context) string {
	if itemID, ok := ctx.Value(ItemIDKey).(string); ok {
		return itemID
	}
	return ""
}

// GetEpisodeID retrieves the episode ID from the context
func GetEpisodeID(ctx context.Context) string {
	if episodeID, ok := ctx.Value(EpisodeIDKey).(string); ok {
		return episodeID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		ItemID:    GetItemID(ctx),
		EpisodeID: GetEpisodeID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.ItemID != "" {
		ctx = WithItemID(ctx, tc.ItemID)
	}
	if tc.EpisodeID != "" {
		ctx = WithEpisodeID(ctx, tc.EpisodeID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	traceID := NewTraceID()
	return WithTraceID(ctx, traceID)
}

// NewMaintenanceContext creates a context for a background maintenance run
// (consolidation or sweep) with a new run ID, keeping the parent trace ID
func NewMaintenanceContext(ctx context.Context, runID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}
	ctx = WithTraceID(ctx, traceID)
	return WithRunID(ctx, runID)
}
