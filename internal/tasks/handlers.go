package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	pipelineerrors "stackyn/pipeline/internal/errors"
	"stackyn/pipeline/internal/operations"
	pkgcontext "stackyn/pipeline/pkg/context"
)

// OperationInvoker runs registered operations
type OperationInvoker interface {
	Lookup(name string) (operations.Operation, bool)
	Invoke(ctx context.Context, env operations.Env, name string, raw json.RawMessage) (string, error)
}

// TaskHandler handles task processing
type TaskHandler struct {
	logger   *zap.Logger
	registry OperationInvoker
	env      operations.Env
	persist  *RunStatePersistence
}

// NewTaskHandler creates a new task handler. persist may be nil.
func NewTaskHandler(logger *zap.Logger, registry OperationInvoker, env operations.Env, persist *RunStatePersistence) *TaskHandler {
	return &TaskHandler{
		logger:   logger,
		registry: registry,
		env:      env,
		persist:  persist,
	}
}

// HandlePipelineRun runs one queued operation. Every failure is final:
// errors are marked with asynq.SkipRetry so the task is archived at once.
func (h *TaskHandler) HandlePipelineRun(ctx context.Context, t *asynq.Task) error {
	var payload PipelineRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("Failed to unmarshal pipeline run payload", zap.Error(err))
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := h.logger.With(
		zap.String("run_id", payload.RunID),
		zap.String("operation", payload.Operation),
	)
	ctx = domain.WithRunID(ctx, payload.RunID)
	ctx = pkgcontext.WithLogger(ctx, logger)

	if op, ok := h.registry.Lookup(payload.Operation); ok && !op.Queueable {
		err := pipelineerrors.New(pipelineerrors.ErrorCodeInvalidArguments, payload.Operation+" cannot run from the queue")
		h.recordFailure(ctx, logger, payload.RunID, err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	if err := h.persist.OnRunStarted(ctx, payload.RunID); err != nil {
		logger.Warn("Failed to persist run start", zap.Error(err))
	}

	env := h.env
	env.Logger = logger
	logger.Info("Processing pipeline run")

	output, err := h.registry.Invoke(ctx, env, payload.Operation, payload.Args)
	if err != nil {
		logger.Error("Pipeline run failed",
			zap.String("error_code", string(pipelineerrors.CodeOf(err))),
			zap.Error(err),
		)
		h.recordFailure(ctx, logger, payload.RunID, err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	if err := h.persist.OnRunCompleted(ctx, payload.RunID, output); err != nil {
		logger.Warn("Failed to persist run result", zap.Error(err))
	}
	logger.Info("Pipeline run succeeded")
	return nil
}

func (h *TaskHandler) recordFailure(ctx context.Context, logger *zap.Logger, runID string, runErr error) {
	message := runErr.Error()
	if pipelineErr, ok := pipelineerrors.AsPipelineError(runErr); ok {
		message = pipelineErr.Message
		if pipelineErr.Details != "" {
			message += " " + pipelineErr.Details
		}
	}
	if err := h.persist.OnRunFailed(context.WithoutCancel(ctx), runID, string(pipelineerrors.CodeOf(runErr)), message); err != nil {
		logger.Warn("Failed to persist run failure", zap.Error(err))
	}
}
