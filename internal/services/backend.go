package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	pipelineerrors "stackyn/pipeline/internal/errors"
	"stackyn/pipeline/internal/pipeline"
)

// Backend kinds
const (
	BackendDagger = "dagger"
	BackendDocker = "docker"
)

// BackendOptions selects and configures a build backend
type BackendOptions struct {
	Kind string
	// DockerHost overrides DOCKER_HOST for the docker backend
	DockerHost          string
	ServiceReadyTimeout time.Duration
	// Progress receives engine or build progress; nil discards it
	Progress io.Writer
}

// NewBackend connects the backend named by opts.Kind. Connection failures
// are reported as BACKEND_UNAVAILABLE.
func NewBackend(ctx context.Context, opts BackendOptions, logger *zap.Logger) (pipeline.Backend, error) {
	switch opts.Kind {
	case BackendDagger:
		backend, err := NewDaggerBackend(ctx, opts.Progress, logger)
		if err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodeBackendUnavailable, err, BackendDagger)
		}
		return backend, nil
	case BackendDocker:
		backend, err := NewDockerBackend(ctx, DockerBackendOptions{
			Host:                opts.DockerHost,
			ServiceReadyTimeout: opts.ServiceReadyTimeout,
			Progress:            opts.Progress,
		}, logger)
		if err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodeBackendUnavailable, err, BackendDocker)
		}
		return backend, nil
	default:
		return nil, pipelineerrors.New(pipelineerrors.ErrorCodeBackendUnavailable, fmt.Sprintf("unknown backend %q", opts.Kind))
	}
}
