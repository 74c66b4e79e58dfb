package workers

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Worker is a long-running component of the worker process. It satisfies
// graceful.Shutdownable.
type Worker interface {
	// Start runs until ctx is cancelled
	Start(ctx context.Context) error
	// Stop releases resources once Start has been asked to return
	Stop(ctx context.Context) error
	Name() string
}

// BaseWorker provides the logger, name and periodic loop shared by the
// background workers
type BaseWorker struct {
	Logger *zap.Logger
	name   string
}

// NewBaseWorker creates a new base worker whose logger is named after it
func NewBaseWorker(name string, logger *zap.Logger) *BaseWorker {
	return &BaseWorker{
		Logger: logger.Named(name),
		name:   name,
	}
}

// Name returns the worker's name
func (w *BaseWorker) Name() string {
	return w.name
}

// RunEvery calls fn every interval until ctx is cancelled. With immediate
// set, fn also runs once before the first tick.
func (w *BaseWorker) RunEvery(ctx context.Context, interval time.Duration, immediate bool, fn func(ctx context.Context)) error {
	if immediate {
		fn(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
