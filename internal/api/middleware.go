package api

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"stackyn/pipeline/internal/services"
)

type subjectKey struct{}

// SubjectFromContext returns the authenticated caller, if any
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}

// AuthMiddleware validates bearer tokens and adds the caller to the context
func AuthMiddleware(jwtService *services.JWTService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header required", "")
				return
			}

			// Extract token from "Bearer <token>"
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || token == "" {
				respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid authorization header format", "")
				return
			}

			claims, err := jwtService.ValidateToken(token)
			if err != nil {
				logger.Warn("Rejected bearer token", zap.String("path", r.URL.Path), zap.Error(err))
				respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", "")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
