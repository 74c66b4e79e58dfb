package graceful

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeService struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.rec.add("stop " + s.name)
	return s.stopErr
}

func TestRunStopsInReverseOrderOnCancel(t *testing.T) {
	rec := &recorder{}
	h := NewShutdownHandler(zap.NewNop(), time.Second)
	h.Register(&fakeService{name: "queue", rec: rec})
	h.Register(&fakeService{name: "monitor", rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{"stop monitor", "stop queue"}, rec.list())
}

func TestRunReturnsStartFailure(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("redis unreachable")
	h := NewShutdownHandler(zap.NewNop(), time.Second)
	h.Register(&fakeService{name: "queue", rec: rec, startErr: boom})
	h.Register(&fakeService{name: "monitor", rec: rec, stopErr: errors.New("close failed")})

	err := h.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stop monitor: close failed")
	assert.ElementsMatch(t, []string{"stop queue", "stop monitor"}, rec.list())
}
