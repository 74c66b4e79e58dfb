package graceful

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ShutdownHandler runs long-lived components and shuts them down together
type ShutdownHandler struct {
	logger   *zap.Logger
	services []Shutdownable
	timeout  time.Duration
}

// Shutdownable is a component that runs until its context ends and can be
// stopped gracefully. workers.Worker satisfies it.
type Shutdownable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(logger *zap.Logger, timeout time.Duration) *ShutdownHandler {
	return &ShutdownHandler{
		logger:  logger,
		timeout: timeout,
	}
}

// Register registers a service for graceful shutdown
func (h *ShutdownHandler) Register(service Shutdownable) {
	h.services = append(h.services, service)
}

// Run starts every registered service and blocks until ctx is cancelled or
// one of them fails, then stops all of them in reverse order. The returned
// error is the first start failure joined with any stop errors.
func (h *ShutdownHandler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		startErr error
	)
	firstErr := func() error {
		mu.Lock()
		defer mu.Unlock()
		return startErr
	}
	for _, service := range h.services {
		wg.Add(1)
		go func(s Shutdownable) {
			defer wg.Done()
			h.logger.Info("Starting service", zap.String("service", s.Name()))
			if err := s.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				if startErr == nil {
					startErr = fmt.Errorf("%s: %w", s.Name(), err)
				}
				mu.Unlock()
				cancel()
			}
		}(service)
	}

	<-runCtx.Done()
	if firstErr() == nil {
		h.logger.Info("Shutdown signal received, starting graceful shutdown...")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), h.timeout)
	defer stopCancel()

	var stopErrs []error
	for i := len(h.services) - 1; i >= 0; i-- {
		service := h.services[i]
		if err := service.Stop(stopCtx); err != nil {
			h.logger.Error("Service shutdown error", zap.String("service", service.Name()), zap.Error(err))
			stopErrs = append(stopErrs, fmt.Errorf("stop %s: %w", service.Name(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("Graceful shutdown completed")
	case <-stopCtx.Done():
		h.logger.Warn("Services forced to shutdown due to timeout")
	}

	return errors.Join(append([]error{firstErr()}, stopErrs...)...)
}
