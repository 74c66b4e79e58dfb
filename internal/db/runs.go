package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run statuses
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// MaxOutputBytes caps stored run output; longer output keeps its tail
const MaxOutputBytes = 64 * 1024

// ErrRunNotFound is returned for unknown run ids
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded pipeline run
type Run struct {
	ID           string          `json:"id"`
	Operation    string          `json:"operation"`
	Args         json.RawMessage `json:"args"`
	Status       string          `json:"status"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Output       string          `json:"output,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RunRepo persists pipeline runs
type RunRepo struct {
	db querier
}

// NewRunRepo creates a run repository on pool
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{db: pool}
}

// TruncateOutput keeps at most the last MaxOutputBytes of output. The
// result is always valid UTF-8 since Postgres rejects anything else in a
// TEXT column.
func TruncateOutput(output string) string {
	if len(output) > MaxOutputBytes {
		start := len(output) - MaxOutputBytes
		for start < len(output) && !utf8.RuneStart(output[start]) {
			start++
		}
		output = output[start:]
	}
	return strings.ToValidUTF8(output, "")
}

// CreateRun records a queued run
func (r *RunRepo) CreateRun(ctx context.Context, id, operation string, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO pipeline_runs (id, operation, args, status) VALUES ($1, $2, $3, $4)`,
		id, operation, []byte(args), StatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// MarkRunning records that a worker picked the run up
func (r *RunRepo) MarkRunning(ctx context.Context, id string) error {
	return r.update(ctx,
		`UPDATE pipeline_runs SET status = $2, started_at = now() WHERE id = $1`,
		id, StatusRunning,
	)
}

// MarkSucceeded records the run's output
func (r *RunRepo) MarkSucceeded(ctx context.Context, id, output string) error {
	return r.update(ctx,
		`UPDATE pipeline_runs SET status = $2, output = $3, finished_at = now() WHERE id = $1`,
		id, StatusSucceeded, TruncateOutput(output),
	)
}

// MarkFailed records the run's error
func (r *RunRepo) MarkFailed(ctx context.Context, id, errorCode, errorMessage string) error {
	return r.update(ctx,
		`UPDATE pipeline_runs SET status = $2, error_code = $3, error_message = $4, finished_at = now() WHERE id = $1`,
		id, StatusFailed, errorCode, TruncateOutput(errorMessage),
	)
}

func (r *RunRepo) update(ctx context.Context, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun loads a run by id
func (r *RunRepo) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		run                             Run
		args                            []byte
		errorCode, errorMessage, output *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id::text, operation, args, status, error_code, error_message, output, created_at, started_at, finished_at
		 FROM pipeline_runs WHERE id = $1`,
		id,
	).Scan(&run.ID, &run.Operation, &args, &run.Status, &errorCode, &errorMessage, &output,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Args = args
	if errorCode != nil {
		run.ErrorCode = *errorCode
	}
	if errorMessage != nil {
		run.ErrorMessage = *errorMessage
	}
	if output != nil {
		run.Output = *output
	}
	return &run, nil
}
