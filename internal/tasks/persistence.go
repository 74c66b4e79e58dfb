package tasks

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RunStateRepository records the lifecycle of pipeline runs
type RunStateRepository interface {
	MarkRunning(ctx context.Context, runID string) error
	MarkSucceeded(ctx context.Context, runID, output string) error
	MarkFailed(ctx context.Context, runID, errorCode, errorMessage string) error
}

// RunStatePersistence handles persisting run states. A nil repository
// turns every call into a no-op, so workers run without a history store.
type RunStatePersistence struct {
	repo   RunStateRepository
	logger *zap.Logger
}

// NewRunStatePersistence creates a new run state persistence handler
func NewRunStatePersistence(repo RunStateRepository, logger *zap.Logger) *RunStatePersistence {
	return &RunStatePersistence{
		repo:   repo,
		logger: logger,
	}
}

// OnRunStarted marks a run as running
func (p *RunStatePersistence) OnRunStarted(ctx context.Context, runID string) error {
	if p == nil || p.repo == nil {
		return nil
	}
	if err := p.repo.MarkRunning(ctx, runID); err != nil {
		return fmt.Errorf("failed to mark run %s running: %w", runID, err)
	}
	return nil
}

// OnRunCompleted stores the output of a successful run
func (p *RunStatePersistence) OnRunCompleted(ctx context.Context, runID, output string) error {
	if p == nil || p.repo == nil {
		return nil
	}
	if err := p.repo.MarkSucceeded(ctx, runID, output); err != nil {
		return fmt.Errorf("failed to mark run %s succeeded: %w", runID, err)
	}
	p.logger.Info("Run state persisted", zap.String("run_id", runID), zap.String("status", "succeeded"))
	return nil
}

// OnRunFailed stores the error code and message of a failed run
func (p *RunStatePersistence) OnRunFailed(ctx context.Context, runID, errorCode, errorMessage string) error {
	if p == nil || p.repo == nil {
		return nil
	}
	if err := p.repo.MarkFailed(ctx, runID, errorCode, errorMessage); err != nil {
		return fmt.Errorf("failed to mark run %s failed: %w", runID, err)
	}
	p.logger.Info("Run state persisted",
		zap.String("run_id", runID),
		zap.String("status", "failed"),
		zap.String("error_code", errorCode),
	)
	return nil
}
