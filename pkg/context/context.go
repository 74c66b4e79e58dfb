// Package context carries the run-scoped logger through call chains that
// only pass a context.Context.
package context

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext retrieves the logger from context, or fallback when none is set.
// A nil fallback yields a no-op logger.
func LoggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return zap.NewNop()
}
