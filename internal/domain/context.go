package domain

import (
	"context"
	"time"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyRunID is the key for the pipeline run ID in context
	ContextKeyRunID ContextKey = "run_id"
	// ContextKeyOperation is the key for the operation name in context
	ContextKeyOperation ContextKey = "operation"
)

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// RunID retrieves the run ID from context
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyRunID).(string); ok {
		return id
	}
	return ""
}

// WithOperation adds the operation name to the context
func WithOperation(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, name)
}

// Operation retrieves the operation name from context
func Operation(ctx context.Context) string {
	if name, ok := ctx.Value(ContextKeyOperation).(string); ok {
		return name
	}
	return ""
}

// WithTimeout bounds ctx by d. A non-positive d leaves ctx unbounded.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
