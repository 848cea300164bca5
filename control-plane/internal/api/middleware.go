package api

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// AuthConfig controls operator authentication.
type AuthConfig struct {
	// KeyHash is the bcrypt hash of the operator API key. When empty,
	// credentials are checked but not required (grace mode).
	KeyHash string

	// Logger for authentication events.
	Logger *slog.Logger
}

// publicPaths skip authentication.
var publicPaths = map[string]bool{
	"/api/v1/health": true,
	"/metrics":       true,
}

// OperatorAuthMiddleware validates the bearer API key against a bcrypt hash.
func (s *Server) OperatorAuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if config.KeyHash == "" {
				// Grace mode: log but allow
				config.Logger.Debug("operator auth: no API key configured (grace mode)",
					"path", r.URL.Path,
					"has_auth_header", authHeader != "",
				)
				next.ServeHTTP(w, r)
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				config.Logger.Warn("operator auth failed: missing credentials",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}

			apiKey := strings.TrimPrefix(authHeader, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(config.KeyHash), []byte(apiKey)); err != nil {
				config.Logger.Warn("operator auth failed: invalid API key",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware rejects requests beyond the limiter's rate with 429.
func RateLimitMiddleware(limiter *rate.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Debug("request rate limited", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
