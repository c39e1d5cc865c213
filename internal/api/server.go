// Package api is the internal HTTP surface: connection management, the
// token vault and operator endpoints. Every route except /health requires
// a scoped service token.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/relaygate/internal/auth"
	"github.com/mattjoyce/relaygate/internal/connect"
	"github.com/mattjoyce/relaygate/internal/pipeline"
	"github.com/mattjoyce/relaygate/internal/store"
)

// Connections is the connection lifecycle the API exposes.
type Connections interface {
	Authorize(ctx context.Context, provider string, req connect.AuthorizeRequest) (string, error)
	Status(ctx context.Context, installationID string) (connect.ConnectionStatus, error)
	AccessToken(ctx context.Context, installationID string) (connect.AccessToken, error)
	Teardown(ctx context.Context, installationID string) error
	LinkResource(ctx context.Context, installationID, resourceID, label string) (store.Resource, error)
	UnlinkResource(ctx context.Context, installationID, resourceID string) error
	RebuildRoutes(ctx context.Context) (int, error)
}

// DeadLetters lists dead-lettered deliveries.
type DeadLetters interface {
	ListDeadLetters(ctx context.Context, limit int) ([]store.Delivery, error)
}

// Replayer re-publishes a dead-lettered delivery.
type Replayer interface {
	Replay(ctx context.Context, deliveryRowID string) (pipeline.Envelope, error)
}

// QueueDepther reports the number of runs waiting to execute.
type QueueDepther interface {
	Depth(ctx context.Context) (int, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds API server configuration
type Config struct {
	Listen string
	Tokens []auth.TokenConfig
	// CallerSecret verifies caller assertions on authorize requests.
	CallerSecret string
	// Providers lists enabled providers for the OpenAPI document.
	Providers []string
}

// Deps are the components the handlers call into.
type Deps struct {
	Connections Connections
	DeadLetters DeadLetters
	Replayer    Replayer
	Queue       QueueDepther
	Checks      map[string]HealthCheck
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	callers   *auth.CallerVerifier
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		callers:   auth.NewCallerVerifier(config.CallerSecret),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/openapi.json", s.handleOpenAPI)

		r.With(s.requireScopes(auth.ScopeConnect), s.callerMiddleware).
			Get("/oauth/{provider}/authorize", s.handleAuthorize)

		r.Route("/installations/{id}", func(r chi.Router) {
			r.With(s.requireScopes(auth.ScopeConnect)).Get("/", s.handleStatus)
			r.With(s.requireScopes(auth.ScopeConnect)).Delete("/", s.handleTeardown)
			r.With(s.requireScopes(auth.ScopeVault)).Get("/token", s.handleToken)
			r.With(s.requireScopes(auth.ScopeConnect)).Post("/resources", s.handleLinkResource)
			r.With(s.requireScopes(auth.ScopeConnect)).Delete("/resources/{resourceID}", s.handleUnlinkResource)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopeAdmin))
			r.Post("/cache/rebuild", s.handleCacheRebuild)
			r.Get("/dlq", s.handleListDLQ)
			r.Post("/dlq/replay", s.handleReplayDLQ)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
