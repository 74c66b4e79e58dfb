package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLoggerFromContext(t *testing.T) {
	fallback := zap.NewExample()
	assert.Same(t, fallback, LoggerFromContext(context.Background(), fallback))
	assert.NotNil(t, LoggerFromContext(context.Background(), nil))

	runLogger := zap.NewExample().Named("run")
	ctx := WithLogger(context.Background(), runLogger)
	assert.Same(t, runLogger, LoggerFromContext(ctx, fallback))

	ctx = WithLogger(context.Background(), nil)
	assert.Same(t, fallback, LoggerFromContext(ctx, fallback))
}
