package workers

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/tasks"
)

// AsynqServer wraps Asynq server for task processing
type AsynqServer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	logger  *zap.Logger
	handler *tasks.TaskHandler
}

// NewAsynqServer creates a new Asynq server
func NewAsynqServer(redisOpt asynq.RedisClientOpt, concurrency int, logger *zap.Logger, handler *tasks.TaskHandler) *AsynqServer {
	config := asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.QueuePipelines: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("Task processing error",
				zap.String("task_type", task.Type()),
				zap.Error(err),
			)
		}),
		Logger:   newAsynqLogger(logger),
		LogLevel: asynq.InfoLevel,
	}

	return &AsynqServer{
		server:  asynq.NewServer(redisOpt, config),
		mux:     asynq.NewServeMux(),
		logger:  logger,
		handler: handler,
	}
}

// RegisterHandlers registers task handlers
func (s *AsynqServer) RegisterHandlers() {
	s.mux.HandleFunc(tasks.TypePipelineRun, s.handler.HandlePipelineRun)
}

// Start starts the Asynq server and blocks until ctx is cancelled
func (s *AsynqServer) Start(ctx context.Context) error {
	s.logger.Info("Starting Asynq server")

	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start Asynq server: %w", err)
	}

	<-ctx.Done()
	return nil
}

// Stop gracefully stops the Asynq server, waiting for active runs
func (s *AsynqServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Asynq server")
	s.server.Shutdown()
	return nil
}

// Name returns the server name
func (s *AsynqServer) Name() string {
	return "asynq-server"
}

// asynqLogger routes asynq's internal logging through zap
type asynqLogger struct {
	sugar *zap.SugaredLogger
}

func newAsynqLogger(logger *zap.Logger) *asynqLogger {
	return &asynqLogger{sugar: logger.Named("asynq").Sugar()}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *asynqLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l *asynqLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l *asynqLogger) Error(args ...interface{}) { l.sugar.Error(args...) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.sugar.Fatal(args...) }
