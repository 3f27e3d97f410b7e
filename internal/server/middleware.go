// ABOUTME: HTTP middleware for the control API
// ABOUTME: Panic recovery, request logging with IDs, and optional auth

package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// recoverMiddleware turns handler panics into a 500 JSON envelope. The
// panic detail goes to the log, not to the client.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				s.writeJSON(w, http.StatusInternalServerError, apiResponse{
					Success: false,
					Message: "internal server error",
					Error:   "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogMiddleware logs one line per request with a generated ID.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()[:8]

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("request",
			"id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// authMiddleware returns a wrapper requiring a valid bearer token on the
// endpoints it protects. With no secret configured it is a no-op, for
// vehicles where the control plane is only reachable on a trusted link.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	if s.cfg.JWTSecret == "" {
		return func(next http.Handler) http.Handler { return next }
	}

	verifier := NewTokenVerifier([]byte(s.cfg.JWTSecret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				s.writeJSON(w, http.StatusUnauthorized, apiResponse{Success: false, Error: errMsg})
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				s.logger.Warn("rejected api token", "error", err)
				s.writeJSON(w, http.StatusUnauthorized, apiResponse{Success: false, Error: "invalid token"})
				return
			}

			s.logger.Debug("authenticated request", "subject", subject)
			next.ServeHTTP(w, r)
		})
	}
}
