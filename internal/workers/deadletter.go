package workers

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/tasks"
)

// QueueInspector is the part of asynq.Inspector the monitor reads
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// ArchiveMonitor periodically reports pipeline runs that ended up in the
// archive. Runs are never retried, so every failed run lands there.
type ArchiveMonitor struct {
	*BaseWorker
	inspector QueueInspector
	interval  time.Duration
	seen      map[string]struct{}
}

// NewArchiveMonitor creates a monitor over the pipelines queue
func NewArchiveMonitor(inspector QueueInspector, interval time.Duration, logger *zap.Logger) *ArchiveMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ArchiveMonitor{
		BaseWorker: NewBaseWorker("archive-monitor", logger),
		inspector:  inspector,
		interval:   interval,
		seen:       make(map[string]struct{}),
	}
}

// NewRedisArchiveMonitor creates a monitor backed by an asynq inspector
func NewRedisArchiveMonitor(redisOpt asynq.RedisClientOpt, logger *zap.Logger) *ArchiveMonitor {
	return NewArchiveMonitor(asynq.NewInspector(redisOpt), time.Minute, logger)
}

// Start checks the archive every interval until ctx is cancelled
func (m *ArchiveMonitor) Start(ctx context.Context) error {
	m.Logger.Info("Archive monitoring enabled", zap.Duration("interval", m.interval))
	return m.RunEvery(ctx, m.interval, true, func(context.Context) { m.check() })
}

// Stop closes the inspector
func (m *ArchiveMonitor) Stop(ctx context.Context) error {
	return m.inspector.Close()
}

func (m *ArchiveMonitor) check() {
	info, err := m.inspector.GetQueueInfo(tasks.QueuePipelines)
	if err != nil {
		m.Logger.Warn("Failed to get queue info", zap.String("queue", tasks.QueuePipelines), zap.Error(err))
		return
	}

	if info.Pending > 0 || info.Active > 0 || info.Archived > 0 {
		m.Logger.Info("Queue status",
			zap.String("queue", tasks.QueuePipelines),
			zap.Int("pending", info.Pending),
			zap.Int("active", info.Active),
			zap.Int("archived", info.Archived),
		)
	}
	if info.Archived == 0 {
		return
	}

	archived, err := m.inspector.ListArchivedTasks(tasks.QueuePipelines, asynq.PageSize(50))
	if err != nil {
		m.Logger.Warn("Failed to list archived tasks", zap.Error(err))
		return
	}
	for _, task := range archived {
		if _, ok := m.seen[task.ID]; ok {
			continue
		}
		m.seen[task.ID] = struct{}{}
		m.Logger.Error("Pipeline run archived",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.Type),
			zap.String("last_error", task.LastErr),
			zap.Time("failed_at", task.LastFailedAt),
		)
	}
}
