package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/services"
)

// RouterConfig carries the router's collaborators
type RouterConfig struct {
	Catalog  OperationCatalog
	Enqueuer RunEnqueuer
	// Runs is optional; without it run history endpoints answer 404
	Runs           RunStore
	JWT            *services.JWTService
	AllowedOrigins []string
}

// Router sets up the HTTP router with all routes and middleware
func Router(logger *zap.Logger, config RouterConfig) http.Handler {
	r := chi.NewRouter()

	if len(config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	handlers := NewHandlers(logger, config.Catalog, config.Enqueuer, config.Runs)

	// Health check
	r.Get("/healthz", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(config.JWT, logger))

		r.Get("/operations", handlers.ListOperations)
		r.Post("/operations/{name}/runs", handlers.CreateRun)
		r.Get("/runs/{id}", handlers.GetRun)
	})

	return r
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
