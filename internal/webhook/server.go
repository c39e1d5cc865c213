package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/relaygate/internal/connect"
	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/queue"
)

// Server is the public ingress HTTP server.
type Server struct {
	config      Config
	providers   *provider.Registry
	queue       RunQueuer
	connections Connections
	logger      *slog.Logger
	server      *http.Server
}

func New(config Config, providers *provider.Registry, q RunQueuer, connections Connections, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	return &Server{
		config:      config,
		providers:   providers,
		queue:       q,
		connections: connections,
		logger:      logger,
	}
}

// Start starts the ingress HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "providers", s.providers.Names())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Get("/oauth/{provider}/callback", s.handleCallback)

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads and query strings).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("ingress request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")

	p, err := s.providers.Get(name)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, ErrCodeUnknownProvider)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unreadable_body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge)
		return
	}

	secret, err := s.signingSecret(ctx, p, r.Header, body)
	if err != nil {
		s.logger.Warn("webhook signing secret unavailable", "provider", name, "error", err)
		s.respondError(w, http.StatusUnauthorized, ErrCodeInvalidSignature)
		return
	}
	if secret == "" || !p.VerifyWebhook(body, r.Header, secret) {
		s.logger.Warn("webhook signature verification failed", "provider", name)
		s.respondError(w, http.StatusUnauthorized, ErrCodeInvalidSignature)
		return
	}

	if !json.Valid(body) {
		s.respondError(w, http.StatusBadRequest, ErrCodeInvalidJSON)
		return
	}

	deliveryID := p.DeliveryID(r.Header, body)
	eventType := p.EventType(r.Header, body)
	if provider.IsFallbackDeliveryID(deliveryID) {
		s.logger.Warn("webhook has no delivery id; redeliveries will not be deduplicated",
			"provider", name, "delivery_id", deliveryID, "event_type", eventType)
	}
	runID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Provider:    name,
		DeliveryID:  deliveryID,
		EventType:   eventType,
		ResourceID:  p.ResourceID(r.Header, body),
		Payload:     json.RawMessage(body),
		MaxAttempts: s.config.MaxAttempts,
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		// Not acknowledged, so the provider retries.
		s.logger.Error("failed to enqueue webhook run", "provider", name, "delivery_id", deliveryID, "error", err)
		s.respondError(w, http.StatusInternalServerError, ErrCodeInternal)
		return
	}

	s.logger.Info("webhook accepted",
		"provider", name,
		"delivery_id", deliveryID,
		"event_type", eventType,
		"run_id", runID,
	)
	s.respondJSON(w, http.StatusOK, AcceptedResponse{Status: "accepted", DeliveryID: deliveryID})
}

// signingSecret picks the app secret or looks up the installation secret
// for the account the body names.
func (s *Server) signingSecret(ctx context.Context, p provider.Provider, headers http.Header, body []byte) (string, error) {
	if p.SecretScope() == provider.AppSecret {
		return p.WebhookSecret(), nil
	}
	return s.connections.SigningSecret(ctx, p.Name(), p.AccountID(headers, body))
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")

	res, err := s.connections.Callback(r.Context(), name, r.URL.Query())
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrUnknownProvider):
		s.respondError(w, http.StatusBadRequest, ErrCodeUnknownProvider)
		return
	case errors.Is(err, connect.ErrInvalidState):
		s.respondError(w, http.StatusBadRequest, ErrCodeInvalidState)
		return
	case errors.Is(err, connect.ErrAuthorizationDenied):
		s.respondError(w, http.StatusForbidden, ErrCodeDenied)
		return
	case errors.Is(err, connect.ErrInstallationClaimed):
		s.respondError(w, http.StatusConflict, ErrCodeClaimed)
		return
	default:
		s.logger.Error("oauth callback failed", "provider", name, "error", err)
		s.respondError(w, http.StatusBadGateway, ErrCodeExchangeFailed)
		return
	}

	if res.RedirectURL != "" {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}
	s.respondJSON(w, http.StatusOK, ConnectedResponse{Status: "connected", InstallationID: res.Installation.ID})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, code string) {
	s.respondJSON(w, status, ErrorResponse{Error: code})
}
