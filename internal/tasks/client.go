package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// PipelineRunTimeout bounds a single queued run
const PipelineRunTimeout = time.Hour

// TaskClient wraps Asynq client for task enqueueing
type TaskClient struct {
	client *asynq.Client
	logger *zap.Logger
}

// NewTaskClient creates a new task client
func NewTaskClient(redisOpt asynq.RedisClientOpt, logger *zap.Logger) *TaskClient {
	return &TaskClient{
		client: asynq.NewClient(redisOpt),
		logger: logger,
	}
}

// Close closes the task client
func (c *TaskClient) Close() error {
	return c.client.Close()
}

// NewPipelineRunTask builds the task for payload. The run id doubles as the
// task id so a run can never be enqueued twice.
func NewPipelineRunTask(payload PipelineRunPayload) (*asynq.Task, []asynq.Option, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal pipeline run payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(0), // Runs are never retried
		asynq.Timeout(PipelineRunTimeout),
		asynq.Queue(QueuePipelines),
		asynq.TaskID(payload.RunID),
	}
	return asynq.NewTask(TypePipelineRun, payloadBytes), opts, nil
}

// EnqueuePipelineRun enqueues a pipeline run and returns the task id
func (c *TaskClient) EnqueuePipelineRun(ctx context.Context, payload PipelineRunPayload) (string, error) {
	task, opts, err := NewPipelineRunTask(payload)
	if err != nil {
		return "", err
	}

	taskInfo, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue pipeline run: %w", err)
	}

	c.logger.Info("Pipeline run enqueued",
		zap.String("task_id", taskInfo.ID),
		zap.String("run_id", payload.RunID),
		zap.String("operation", payload.Operation),
	)
	return taskInfo.ID, nil
}
