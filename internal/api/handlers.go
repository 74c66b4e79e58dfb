package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/db"
	pipelineerrors "stackyn/pipeline/internal/errors"
	"stackyn/pipeline/internal/operations"
	"stackyn/pipeline/internal/tasks"
)

// maxArgsBytes bounds a run request body
const maxArgsBytes = 1 << 20

// OperationCatalog is the part of the operation registry the API needs
type OperationCatalog interface {
	Lookup(name string) (operations.Operation, bool)
	Decode(name string, raw json.RawMessage) (any, error)
	Describe() []operations.Descriptor
}

// RunEnqueuer hands runs to the worker queue
type RunEnqueuer interface {
	EnqueuePipelineRun(ctx context.Context, payload tasks.PipelineRunPayload) (string, error)
}

// RunStore records queued runs and reads them back
type RunStore interface {
	CreateRun(ctx context.Context, id, operation string, args json.RawMessage) error
	MarkFailed(ctx context.Context, id, errorCode, errorMessage string) error
	GetRun(ctx context.Context, id string) (*db.Run, error)
}

// codeQueueUnavailable is recorded on runs the queue refused
const codeQueueUnavailable = "QUEUE_UNAVAILABLE"

// Handlers contains HTTP handlers
type Handlers struct {
	logger   *zap.Logger
	catalog  OperationCatalog
	enqueuer RunEnqueuer
	runs     RunStore
}

// NewHandlers creates a new handlers instance
func NewHandlers(logger *zap.Logger, catalog OperationCatalog, enqueuer RunEnqueuer, runs RunStore) *Handlers {
	return &Handlers{
		logger:   logger,
		catalog:  catalog,
		enqueuer: enqueuer,
		runs:     runs,
	}
}

// CreateRunResponse acknowledges a queued run
type CreateRunResponse struct {
	RunID     string `json:"run_id"`
	TaskID    string `json:"task_id"`
	Operation string `json:"operation"`
}

// HealthCheck handles GET /healthz
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListOperations handles GET /api/v1/operations
func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{"operations": h.catalog.Describe()})
}

// CreateRun handles POST /api/v1/operations/{name}/runs. Arguments are
// validated here so bad requests never reach the queue.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	op, ok := h.catalog.Lookup(name)
	if !ok {
		respondWithPipelineError(w, pipelineerrors.New(pipelineerrors.ErrorCodeUnknownOperation, name))
		return
	}
	if !op.Queueable {
		respondWithError(w, http.StatusConflict, "NOT_QUEUEABLE", "Operation cannot run on a worker", name)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArgsBytes))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large", "")
		return
	}
	if _, err := h.catalog.Decode(name, raw); err != nil {
		h.logger.Warn("Validation failed",
			zap.String("operation", name),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondWithPipelineError(w, err)
		return
	}

	runID := uuid.NewString()
	if h.runs != nil {
		if err := h.runs.CreateRun(r.Context(), runID, name, raw); err != nil {
			h.logger.Error("Failed to record run", zap.String("run_id", runID), zap.Error(err))
			respondWithPipelineError(w, err)
			return
		}
	}

	taskID, err := h.enqueuer.EnqueuePipelineRun(r.Context(), tasks.PipelineRunPayload{
		RunID:     runID,
		Operation: name,
		Args:      raw,
	})
	if err != nil {
		h.logger.Error("Failed to enqueue run", zap.String("run_id", runID), zap.Error(err))
		if h.runs != nil {
			// the row would otherwise stay queued for a run no worker will see
			if markErr := h.runs.MarkFailed(context.WithoutCancel(r.Context()), runID, codeQueueUnavailable, "Could not queue the run"); markErr != nil {
				h.logger.Error("Failed to record enqueue failure", zap.String("run_id", runID), zap.Error(markErr))
			}
		}
		respondWithError(w, http.StatusServiceUnavailable, codeQueueUnavailable, "Could not queue the run", "")
		return
	}

	h.logger.Info("Run queued",
		zap.String("run_id", runID),
		zap.String("operation", name),
		zap.String("subject", SubjectFromContext(r.Context())),
	)
	w.Header().Set("Location", "/api/v1/runs/"+runID)
	respondWithJSON(w, http.StatusAccepted, CreateRunResponse{RunID: runID, TaskID: taskID, Operation: name})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.runs == nil {
		respondWithError(w, http.StatusNotFound, "NOT_FOUND", "Run history is disabled", "")
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		respondWithError(w, http.StatusNotFound, "NOT_FOUND", "Run not found", id)
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, db.ErrRunNotFound) {
		respondWithError(w, http.StatusNotFound, "NOT_FOUND", "Run not found", id)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load run", zap.String("run_id", id), zap.Error(err))
		respondWithPipelineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}
