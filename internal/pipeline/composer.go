// Package pipeline composes named pipeline operations (build, smoke test,
// lint, database provisioning, integration smoke test, publish) out of
// calls to an injected build backend. A Composer keeps no state between
// calls; everything an operation needs arrives through its arguments.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	pipelineerrors "stackyn/pipeline/internal/errors"
	pkgcontext "stackyn/pipeline/pkg/context"
)

// Backend executes containerized build graphs
type Backend interface {
	Build(ctx context.Context, req domain.BuildRequest) (domain.Image, error)
	Exec(ctx context.Context, spec domain.ExecSpec) (string, error)
	StartService(ctx context.Context, spec domain.ServiceSpec) (domain.Service, error)
	StopService(ctx context.Context, svc domain.Service) error
	Publish(ctx context.Context, img domain.Image, ref string, auth domain.RegistryAuth) (string, error)
	Close() error
}

// CommitResolver reports the commit a source tree is checked out at
type CommitResolver interface {
	ResolveCommit(ctx context.Context, src domain.Source) (string, error)
}

// Config holds the fixed images, paths and time bounds operations use
type Config struct {
	RegistryHost   string
	ToolchainImage string
	DatabaseImage  string
	Workdir        string
	// SmokeTimeout bounds a whole integration smoke test
	SmokeTimeout time.Duration
	// ConnectTimeout is handed to the database client
	ConnectTimeout time.Duration
}

// DefaultConfig returns the settings the pipeline ships with
func DefaultConfig() Config {
	return Config{
		RegistryHost:   "ghcr.io",
		ToolchainImage: "rust:1.92.0",
		DatabaseImage:  "postgres:16",
		Workdir:        "/work",
		SmokeTimeout:   15 * time.Minute,
		ConnectTimeout: 10 * time.Second,
	}
}

// Composer exposes the pipeline operations
type Composer struct {
	backend Backend
	commits CommitResolver
	config  Config
	logger  *zap.Logger
}

// New creates a composer. Zero-valued config fields fall back to DefaultConfig.
func New(backend Backend, commits CommitResolver, config Config, logger *zap.Logger) *Composer {
	defaults := DefaultConfig()
	if config.RegistryHost == "" {
		config.RegistryHost = defaults.RegistryHost
	}
	if config.ToolchainImage == "" {
		config.ToolchainImage = defaults.ToolchainImage
	}
	if config.DatabaseImage == "" {
		config.DatabaseImage = defaults.DatabaseImage
	}
	if config.Workdir == "" {
		config.Workdir = defaults.Workdir
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		backend: backend,
		commits: commits,
		config:  config,
		logger:  logger,
	}
}

// Config returns the effective configuration
func (c *Composer) Config() Config {
	return c.config
}

func (c *Composer) log(ctx context.Context) *zap.Logger {
	logger := pkgcontext.LoggerFromContext(ctx, c.logger)
	if runID := domain.RunID(ctx); runID != "" {
		logger = logger.With(zap.String("run_id", runID))
	}
	if op := domain.Operation(ctx); op != "" {
		logger = logger.With(zap.String("operation", op))
	}
	return logger
}

// maxDetailBytes caps how much captured output is copied into an error
const maxDetailBytes = 4096

// tail keeps the end of s, cut on a rune boundary
func tail(s string) string {
	if len(s) <= maxDetailBytes {
		return strings.ToValidUTF8(s, "")
	}
	start := len(s) - maxDetailBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + strings.ToValidUTF8(s[start:], "")
}

// classifyExecError maps an Exec failure to a coded error. A non-zero exit
// of finalCmd gets finalCode; a non-zero exit of any earlier step is a
// plain command failure; anything else (engine, transport) gets finalCode.
func classifyExecError(err error, finalCmd []string, finalCode pipelineerrors.ErrorCode) error {
	if _, ok := pipelineerrors.AsPipelineError(err); ok {
		return err
	}
	var execErr *domain.ExecError
	if errors.As(err, &execErr) {
		code := pipelineerrors.ErrorCodeCommandFailed
		if slices.Equal(execErr.Cmd, finalCmd) {
			code = finalCode
		}
		pipelineErr := pipelineerrors.New(code, tail(execErr.Output()))
		pipelineErr.Err = err
		return pipelineErr
	}
	return pipelineerrors.Wrap(finalCode, err)
}
