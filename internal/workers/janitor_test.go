package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/services"
)

type fakePruner struct {
	mu    sync.Mutex
	calls []services.PruneOptions
}

func (f *fakePruner) Prune(ctx context.Context, opts services.PruneOptions) (*services.PruneReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	return &services.PruneReport{Errors: []string{"networks: in use"}}, nil
}

func (f *fakePruner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNewJanitorClampsAge(t *testing.T) {
	j := NewJanitor(&fakePruner{}, 0, time.Minute, zap.NewNop())
	assert.Equal(t, time.Hour, j.interval)
	assert.Equal(t, 2*time.Hour, j.olderThan)
	assert.Equal(t, "janitor", j.Name())
}

func TestJanitorPrunesOnEveryTick(t *testing.T) {
	pruner := &fakePruner{}
	j := NewJanitor(pruner, time.Hour, 3*time.Hour, zap.NewNop())
	j.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()

	require.Eventually(t, func() bool { return pruner.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	pruner.mu.Lock()
	defer pruner.mu.Unlock()
	assert.Equal(t, 3*time.Hour, pruner.calls[0].OlderThan)
	assert.False(t, pruner.calls[0].Volumes)
}
