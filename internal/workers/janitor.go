package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stackyn/pipeline/internal/services"
)

// Pruner removes leftover backend resources
type Pruner interface {
	Prune(ctx context.Context, opts services.PruneOptions) (*services.PruneReport, error)
}

// Janitor periodically prunes resources left behind by interrupted runs
type Janitor struct {
	*BaseWorker
	pruner    Pruner
	interval  time.Duration
	olderThan time.Duration
}

// NewJanitor creates a janitor that prunes every interval. Only resources
// older than olderThan are touched, so runs in flight are left alone.
func NewJanitor(pruner Pruner, interval, olderThan time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	olderThan = max(olderThan, services.MinPruneAge)
	return &Janitor{
		BaseWorker: NewBaseWorker("janitor", logger),
		pruner:     pruner,
		interval:   interval,
		olderThan:  olderThan,
	}
}

// Start prunes every interval until ctx is cancelled
func (j *Janitor) Start(ctx context.Context) error {
	j.Logger.Info("Janitor enabled",
		zap.Duration("interval", j.interval),
		zap.Duration("older_than", j.olderThan),
	)
	return j.RunEvery(ctx, j.interval, false, j.prune)
}

// Stop is a no-op; Start returns once its context ends
func (j *Janitor) Stop(ctx context.Context) error {
	return nil
}

func (j *Janitor) prune(ctx context.Context) {
	report, err := j.pruner.Prune(ctx, services.PruneOptions{OlderThan: j.olderThan})
	if err != nil {
		j.Logger.Warn("Prune failed", zap.Error(err))
		return
	}
	for _, msg := range report.Errors {
		j.Logger.Warn("Prune step failed", zap.String("error", msg))
	}
}
