package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/api"
	"stackyn/pipeline/internal/db"
	"stackyn/pipeline/internal/infra"
	"stackyn/pipeline/internal/operations"
	"stackyn/pipeline/internal/services"
	"stackyn/pipeline/internal/tasks"
	"stackyn/pipeline/pkg/graceful"
)

func main() {
	// Load configuration (fails fast on missing required configs)
	config, err := infra.LoadConfig(infra.RoleAPI)
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
		logger.Error("API server failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, config *infra.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded successfully",
		zap.String("server_addr", config.Server.Addr),
		zap.String("server_port", config.Server.Port),
		zap.String("redis_addr", config.Redis.Addr),
		zap.Bool("run_history", config.Postgres.DSN != ""),
	)

	taskClient := tasks.NewTaskClient(asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	}, logger)
	defer taskClient.Close()

	routerConfig := api.RouterConfig{
		Catalog:        operations.NewRegistry(),
		Enqueuer:       taskClient,
		JWT:            services.NewJWTService(config.JWT.Secret, logger),
		AllowedOrigins: config.CORS.AllowedOrigins,
	}
	if config.Postgres.DSN != "" {
		if err := db.Migrate(config.Postgres.DSN, logger); err != nil {
			return err
		}
		pool, err := db.NewPool(ctx, config.Postgres.DSN, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		routerConfig.Runs = db.NewRunRepo(pool)
	}

	server := &httpServer{
		server: &http.Server{
			Addr:              net.JoinHostPort(config.Server.Addr, config.Server.Port),
			Handler:           api.Router(logger, routerConfig),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      75 * time.Second,
		},
		logger: logger,
	}

	shutdown := graceful.NewShutdownHandler(logger, 30*time.Second)
	shutdown.Register(server)
	return shutdown.Run(ctx)
}

// httpServer adapts http.Server to the shutdown handler
type httpServer struct {
	server *http.Server
	logger *zap.Logger
}

func (s *httpServer) Name() string { return "http-server" }

func (s *httpServer) Start(ctx context.Context) error {
	s.logger.Info("Starting API server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *httpServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
