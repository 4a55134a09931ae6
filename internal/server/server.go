package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jonathan/robopost/internal/config"
	"github.com/jonathan/robopost/internal/feeds"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/server/middleware"
	"github.com/jonathan/robopost/internal/server/ratelimit"
	"github.com/jonathan/robopost/internal/signature"
	"github.com/jonathan/robopost/internal/types"
)

// DiscoverFunc names the feed at a URL.
type DiscoverFunc func(ctx context.Context, url string) (*feeds.Feed, error)

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	store       Store
	trigger     *runs.TriggerService
	callback    *runs.CallbackService
	notifier    *runs.Notifier
	rateLimiter *ratelimit.Limiter
	authHandler *AuthHandler
	discover    DiscoverFunc
	log         logrus.FieldLogger
}

// Config holds server dependencies.
type Config struct {
	Port      int
	Store     Store
	Trigger   *runs.TriggerService
	Callback  *runs.CallbackService
	Notifier  *runs.Notifier
	JWT       *config.JWTConfig
	Password  *config.PasswordConfig
	RateLimit *ratelimit.Config
	// Discover defaults to feeds.Discover with default fetch options.
	Discover DiscoverFunc
	Logger   logrus.FieldLogger
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("server: store is required")
	case cfg.Trigger == nil || cfg.Callback == nil || cfg.Notifier == nil:
		return nil, errors.New("server: run services are required")
	case cfg.JWT == nil || cfg.Password == nil:
		return nil, errors.New("server: auth configuration is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	discover := cfg.Discover
	if discover == nil {
		discover = func(ctx context.Context, url string) (*feeds.Feed, error) {
			return feeds.Discover(ctx, url, nil)
		}
	}

	jwtService := NewJWTService(cfg.JWT)
	s := &Server{
		store:       cfg.Store,
		trigger:     cfg.Trigger,
		callback:    cfg.Callback,
		notifier:    cfg.Notifier,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
		authHandler: NewAuthHandler(NewUserService(cfg.Store, cfg.Password), jwtService, log),
		discover:    discover,
		log:         log,
	}

	auth := middleware.AuthMiddleware(jwtService.AsTokenValidator())
	protected := func(h http.HandlerFunc) http.Handler { return auth(h) }
	adminOnly := middleware.RequireRole(types.RoleAdmin)
	admin := func(h http.HandlerFunc) http.Handler { return auth(adminOnly(s.requireAdmin(h))) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Accounts
	mux.HandleFunc("POST /api/auth/register", s.authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", s.authHandler.Login)
	mux.Handle("GET /api/users/me", protected(s.authHandler.Me))
	mux.Handle("PUT /api/users/me/password", protected(s.authHandler.UpdatePassword))
	mux.Handle("GET /api/users/me/profile", protected(s.handleGetProfile))
	mux.Handle("PATCH /api/users/me/profile", protected(s.handleUpdateProfile))

	// Runs
	mux.Handle("POST /api/runs/trigger", protected(s.handleTriggerRun))
	mux.Handle("GET /api/runs", protected(s.handleListRuns))
	mux.Handle("GET /api/runs/{id}", protected(s.handleGetRun))
	mux.Handle("GET /api/runs/{id}/stream", protected(s.handleStreamRun))

	// Engine callbacks authenticate with a body signature, not a token.
	mux.HandleFunc("POST "+runs.CallbackPath, s.handleCallback)

	// Sources
	mux.Handle("GET /api/sources", protected(s.handleListSources))
	mux.Handle("POST /api/sources", protected(s.handleCreateSource))
	mux.Handle("GET /api/sources/{id}", protected(s.handleGetSource))
	mux.Handle("PATCH /api/sources/{id}", protected(s.handleUpdateSource))
	mux.Handle("DELETE /api/sources/{id}", protected(s.handleDeleteSource))
	mux.HandleFunc("GET /api/industries", s.handleListIndustries)

	// Administration
	mux.Handle("GET /api/admin/users", admin(s.handleAdminListUsers))
	mux.Handle("GET /api/admin/users/{id}", admin(s.handleAdminGetUser))
	mux.Handle("PATCH /api/admin/users/{id}", admin(s.handleAdminUpdateUser))
	mux.Handle("DELETE /api/admin/users/{id}", admin(s.handleAdminDeleteUser))
	mux.Handle("PATCH /api/admin/users/{id}/role", admin(s.handleAdminSetRole))
	mux.Handle("POST /api/admin/users/{id}/password", admin(s.handleAdminResetPassword))
	mux.Handle("GET /api/admin/sources", admin(s.handleAdminListSources))
	mux.Handle("POST /api/admin/sources", admin(s.handleAdminCreateSource))
	mux.Handle("POST /api/admin/sources/import", admin(s.handleAdminImportSources))
	mux.Handle("GET /api/admin/sources/{id}", admin(s.handleAdminGetSource))
	mux.Handle("PATCH /api/admin/sources/{id}", admin(s.handleAdminUpdateSource))
	mux.Handle("DELETE /api/admin/sources/{id}", admin(s.handleAdminDeleteSource))

	s.handler = s.withRateLimit(s.withLogging(s.withCORS(mux)))
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // streams clear their own deadline
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	defer s.rateLimiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+strings.Join(signature.InboundHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := s.extractClientID(r)
		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)

		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, clientID, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush implements http.Flusher.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"status":      rec.status,
			"duration":    time.Since(start).String(),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request completed")
	})
}

// handleHealth reports whether the store is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("health check failed")
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

// serviceError renders err with the status its kind maps to. Server errors are
// logged and their details withheld, except dispatch failures whose message is
// safe to show.
func (s *Server) serviceError(w http.ResponseWriter, err error, msg string) {
	status := HTTPStatus(err)
	if status < http.StatusInternalServerError {
		s.errorResponse(w, status, err.Error())
		return
	}

	s.log.WithError(err).Error(msg)
	var dispatchErr *runs.DispatchError
	if errors.As(err, &dispatchErr) {
		s.jsonResponse(w, status, map[string]string{"error": msg, "details": dispatchErr.Message})
		return
	}
	s.errorResponse(w, status, "An unexpected error occurred")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr; forwarded headers are not trusted.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, clientID string, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		response["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}

	if info.RetryAfter > 0 {
		seconds := max(int(info.RetryAfter.Seconds()), 1)
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	s.log.WithFields(logrus.Fields{
		"client":    clientID,
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}).Warn("rate limit exceeded")

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
