package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	pipelineerrors "stackyn/pipeline/internal/errors"
	"stackyn/pipeline/internal/infra"
	"stackyn/pipeline/internal/operations"
	"stackyn/pipeline/internal/pipeline"
	"stackyn/pipeline/internal/secrets"
	"stackyn/pipeline/internal/services"
	pkgcontext "stackyn/pipeline/pkg/context"
)

const exitInterrupted = 130

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand(operations.NewRegistry()).ExecuteContext(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(exitInterrupted)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func newRootCommand(registry *operations.Registry) *cobra.Command {
	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Build, check and publish container images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	for _, desc := range registry.Describe() {
		root.AddCommand(newOperationCommand(registry, desc))
	}
	root.AddCommand(newTokenCommand())
	root.AddCommand(newPruneCommand())
	return root
}

// flagName turns a json field name into a flag name
func flagName(field string) string {
	return strings.ReplaceAll(field, "_", "-")
}

func newOperationCommand(registry *operations.Registry, desc operations.Descriptor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   desc.Name,
		Short: desc.Description,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := argsFromFlags(cmd.Flags(), desc.Fields)
			if err != nil {
				return err
			}
			return runOperation(cmd, registry, desc.Name, raw)
		},
	}

	flags := cmd.Flags()
	for _, field := range desc.Fields {
		name := flagName(field.Name)
		usage := field.Usage
		if field.Required && field.Default == "" {
			usage += " (required)"
		}
		switch field.Kind {
		case operations.KindBool:
			def, _ := strconv.ParseBool(field.Default)
			flags.Bool(name, def, usage)
		case operations.KindList:
			flags.StringArray(name, nil, usage+" (repeatable)")
		default:
			flags.String(name, field.Default, usage)
		}
	}
	return cmd
}

// argsFromFlags encodes the flags the user set as operation arguments.
// Unset flags are left out so the operation's own defaults apply.
func argsFromFlags(flags *pflag.FlagSet, fields []operations.Field) (json.RawMessage, error) {
	args := make(map[string]any)
	for _, field := range fields {
		name := flagName(field.Name)
		if !flags.Changed(name) {
			continue
		}

		var (
			value any
			err   error
		)
		switch field.Kind {
		case operations.KindBool:
			value, err = flags.GetBool(name)
		case operations.KindList:
			value, err = flags.GetStringArray(name)
		default:
			value, err = flags.GetString(name)
		}
		if err != nil {
			return nil, fmt.Errorf("flag --%s: %w", name, err)
		}
		args[field.Name] = value
	}
	return json.Marshal(args)
}

func runOperation(cmd *cobra.Command, registry *operations.Registry, name string, raw json.RawMessage) error {
	ctx := cmd.Context()

	// Arguments are checked before any backend is contacted
	if _, err := registry.Decode(name, raw); err != nil {
		return err
	}

	config, err := infra.LoadConfig(infra.RoleCLI)
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		config.LogLevel = level
	}
	logger, err := infra.NewLogger(config.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var progress io.Writer
	if config.Dagger.LogOutput || config.Backend.Kind == infra.BackendDocker {
		progress = cmd.ErrOrStderr()
	}
	backend, err := services.NewBackend(ctx, services.BackendOptions{
		Kind:                config.Backend.Kind,
		DockerHost:          config.Docker.Host,
		ServiceReadyTimeout: config.Pipeline.ServiceReadyTimeout,
		Progress:            progress,
	}, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	composer := pipeline.New(backend, services.NewGitService(logger), pipeline.Config{
		RegistryHost:   config.Registry.Host,
		ToolchainImage: config.Pipeline.ToolchainImage,
		DatabaseImage:  config.Pipeline.DatabaseImage,
		SmokeTimeout:   config.Pipeline.SmokeTimeout,
		ConnectTimeout: config.Pipeline.ConnectTimeout,
	}, logger)

	ctx = pkgcontext.WithLogger(ctx, logger.With(zap.String("operation", name)))
	output, err := registry.Invoke(ctx, operations.Env{
		Composer: composer,
		Secrets:  secrets.NewHostResolver(),
		Logger:   logger,
		Out:      cmd.OutOrStdout(),
	}, name, raw)
	if err != nil {
		logger.Debug("Operation failed",
			zap.String("operation", name),
			zap.String("code", string(pipelineerrors.CodeOf(err))),
		)
		return err
	}

	if output != "" {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(output, "\n"))
	}
	return nil
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the pipeline API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := infra.LoadConfig(infra.RoleAPI)
			if err != nil {
				return err
			}
			token, err := services.NewJWTService(config.JWT.Secret, zap.NewNop()).GenerateToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "ci", "Caller recorded on queued runs")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newPruneCommand() *cobra.Command {
	var opts services.PruneOptions
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove containers, images and networks left by interrupted runs (docker backend)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := infra.LoadConfig(infra.RoleCLI)
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(config.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			backend, err := services.NewDockerBackend(cmd.Context(), services.DockerBackendOptions{Host: config.Docker.Host}, logger)
			if err != nil {
				return pipelineerrors.Wrap(pipelineerrors.ErrorCodeBackendUnavailable, err, services.BackendDocker)
			}
			defer backend.Close()

			report, err := backend.Prune(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d containers, %d images, %d networks, %d volumes (%d MB)\n",
				report.ContainersRemoved, report.ImagesRemoved, report.NetworksRemoved, report.VolumesRemoved, report.SpaceFreedMB)
			for _, msg := range report.Errors {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", msg)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", services.MinPruneAge, "Keep resources created more recently (at least 2h)")
	cmd.Flags().BoolVar(&opts.Volumes, "volumes", false, "Also remove toolchain cache volumes")
	return cmd
}
