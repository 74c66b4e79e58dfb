package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/db"
	"stackyn/pipeline/internal/infra"
	"stackyn/pipeline/internal/operations"
	"stackyn/pipeline/internal/pipeline"
	"stackyn/pipeline/internal/secrets"
	"stackyn/pipeline/internal/services"
	"stackyn/pipeline/internal/tasks"
	"stackyn/pipeline/internal/workers"
	"stackyn/pipeline/pkg/graceful"
)

func main() {
	// Load configuration (fails fast on missing required configs)
	config, err := infra.LoadConfig(infra.RoleWorker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := infra.NewLogger(config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Error("Pipeline worker failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Pipeline worker exited")
}

func run(ctx context.Context, config *infra.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded successfully",
		zap.String("backend", config.Backend.Kind),
		zap.String("redis_addr", config.Redis.Addr),
		zap.Int("concurrency", config.WorkerConcurrency),
		zap.Bool("run_history", config.Postgres.DSN != ""),
	)

	backend, err := services.NewBackend(ctx, services.BackendOptions{
		Kind:                config.Backend.Kind,
		DockerHost:          config.Docker.Host,
		ServiceReadyTimeout: config.Pipeline.ServiceReadyTimeout,
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

	var repo tasks.RunStateRepository
	if config.Postgres.DSN != "" {
		if err := db.Migrate(config.Postgres.DSN, logger); err != nil {
			return err
		}
		pool, err := db.NewPool(ctx, config.Postgres.DSN, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		repo = db.NewRunRepo(pool)
	}

	handler := tasks.NewTaskHandler(
		logger,
		operations.NewRegistry(),
		operations.Env{
			Composer: composer,
			Secrets:  secrets.NewHostResolver(),
			Logger:   logger,
		},
		tasks.NewRunStatePersistence(repo, logger),
	)

	redisOpt := asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	}
	server := workers.NewAsynqServer(redisOpt, config.WorkerConcurrency, logger, handler)
	server.RegisterHandlers()

	shutdown := graceful.NewShutdownHandler(logger, 30*time.Second)
	shutdown.Register(server)
	shutdown.Register(workers.NewRedisArchiveMonitor(redisOpt, logger))
	if pruner, ok := backend.(workers.Pruner); ok {
		shutdown.Register(workers.NewJanitor(pruner, config.Pipeline.PruneInterval, config.Pipeline.PruneOlderThan, logger))
	}
	return shutdown.Run(ctx)
}
