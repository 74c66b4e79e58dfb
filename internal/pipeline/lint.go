package pipeline

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	pipelineerrors "stackyn/pipeline/internal/errors"
)

const cargoHome = "/cargo"

// InstallClippyCommand adds the linter component to the toolchain
var InstallClippyCommand = []string{"rustup", "component", "add", "clippy"}

// DenyWarningsFlags turn every lint warning into an error
var DenyWarningsFlags = []string{"-D", "warnings"}

// LintCommand builds the clippy invocation. Extra arguments are kept in
// order; when they already contain the "--" separator no second one is added.
func LintCommand(extraArgs []string, denyWarnings bool) []string {
	cmd := append([]string{"cargo", "clippy"}, extraArgs...)
	if !slices.Contains(extraArgs, "--") {
		cmd = append(cmd, "--")
	}
	if denyWarnings {
		cmd = append(cmd, DenyWarningsFlags...)
	}
	return cmd
}

// toolchainCaches are keyed by stable names so repeated runs share them
func (c *Composer) toolchainCaches() []domain.CacheHandle {
	return []domain.CacheHandle{
		{Name: "cargo-registry", Path: cargoHome + "/registry"},
		{Name: "cargo-git", Path: cargoHome + "/git"},
		{Name: "cargo-target", Path: c.config.Workdir + "/target"},
	}
}

// toolchain returns the base exec spec shared by lint and the integration smoke test
func (c *Composer) toolchain(src domain.Source) domain.ExecSpec {
	return domain.ExecSpec{
		BaseImage: c.config.ToolchainImage,
		Workdir:   c.config.Workdir,
		Mounts:    []domain.Mount{{Source: src, Path: c.config.Workdir}},
		Caches:    c.toolchainCaches(),
		Env:       map[string]string{"CARGO_HOME": cargoHome},
	}
}

// Lint runs clippy over src inside the toolchain image and returns its output
func (c *Composer) Lint(ctx context.Context, src domain.Source, extraArgs []string, denyWarnings bool) (string, error) {
	lintCmd := LintCommand(extraArgs, denyWarnings)

	spec := c.toolchain(src)
	spec.Commands = [][]string{InstallClippyCommand, lintCmd}

	c.log(ctx).Info("Running linter",
		zap.String("source", src.Path),
		zap.String("toolchain", spec.BaseImage),
		zap.Strings("command", lintCmd),
	)

	out, err := c.backend.Exec(ctx, spec)
	if err != nil {
		c.log(ctx).Warn("Linter failed", zap.Error(err))
		return "", classifyExecError(err, lintCmd, pipelineerrors.ErrorCodeLintFailed)
	}
	return out, nil
}
