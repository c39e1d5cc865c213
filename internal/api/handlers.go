package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/relaygate/internal/auth"
	"github.com/mattjoyce/relaygate/internal/connect"
	"github.com/mattjoyce/relaygate/internal/pipeline"
	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/store"
)

const (
	defaultDLQLimit = 50
	maxDLQLimit     = 500
	maxReplayIDs    = 100
)

// handleHealth handles GET /health (no auth). Any failing check degrades
// the service and answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Checks:        make(map[string]string, len(s.deps.Checks)),
	}

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "error: " + err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	if s.deps.Queue != nil {
		depth, err := s.deps.Queue.Depth(ctx)
		if err != nil {
			s.logger.Error("failed to compute queue depth", "error", err)
			resp.Checks["queue"] = "error: " + err.Error()
			resp.Status = "degraded"
		}
		resp.QueueDepth = depth
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleAuthorize handles GET /oauth/{provider}/authorize.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())
	url, err := s.deps.Connections.Authorize(r.Context(), chi.URLParam(r, "provider"), connect.AuthorizeRequest{
		OrgID:          caller.OrgID,
		UserID:         caller.UserID,
		RedirectTarget: r.URL.Query().Get("redirect"),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, AuthorizeResponse{URL: url})
}

// handleStatus handles GET /installations/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Connections.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleToken handles GET /installations/{id}/token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tok, err := s.deps.Connections.AccessToken(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	s.logger.Info("access token issued", "installation_id", id, "principal", principal.Name)

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, tok)
}

// handleTeardown handles DELETE /installations/{id}.
func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Connections.Teardown(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLinkResource handles POST /installations/{id}/resources.
func (s *Server) handleLinkResource(w http.ResponseWriter, r *http.Request) {
	var req LinkResourceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	res, err := s.deps.Connections.LinkResource(r.Context(), chi.URLParam(r, "id"), req.ResourceID, req.Label)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ResourceResponse{
		ID:             res.ID,
		InstallationID: res.InstallationID,
		Provider:       res.Provider,
		ResourceID:     res.ProviderResourceID,
		Label:          res.Label,
		Status:         string(res.Status),
	})
}

// handleUnlinkResource handles DELETE /installations/{id}/resources/{resourceID}.
func (s *Server) handleUnlinkResource(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Connections.UnlinkResource(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "resourceID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCacheRebuild handles POST /cache/rebuild.
func (s *Server) handleCacheRebuild(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Connections.RebuildRoutes(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RebuildResponse{Routes: n})
}

// handleListDLQ handles GET /dlq?limit=N.
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := defaultDLQLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDLQLimit)
	}

	rows, err := s.deps.DeadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := DeadLetterList{Items: make([]DeadLetter, 0, len(rows))}
	for _, d := range rows {
		resp.Items = append(resp.Items, DeadLetter{
			ID:         d.ID,
			Provider:   d.Provider,
			DeliveryID: d.DeliveryID,
			EventType:  d.EventType,
			ResourceID: d.ResourceID,
			Reason:     d.DLQReason,
			Payload:    d.Payload,
			ReceivedAt: d.ReceivedAt,
			UpdatedAt:  d.UpdatedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleReplayDLQ handles POST /dlq/replay. Each id is replayed
// independently; the response is 200 with a result per id.
func (s *Server) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxReplayIDs {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "ids must name 1 to 100 deliveries")
		return
	}

	resp := ReplayResponse{Results: make([]ReplayResult, 0, len(req.IDs))}
	for _, id := range req.IDs {
		env, err := s.deps.Replayer.Replay(r.Context(), id)
		res := ReplayResult{ID: id}
		switch {
		case err == nil:
			res.Outcome = "replayed"
			res.InstallationID = env.InstallationID
		case errors.Is(err, pipeline.ErrUnresolved):
			res.Outcome = "unresolved"
		case errors.Is(err, pipeline.ErrNotDeadLettered):
			res.Outcome = "not_dead_lettered"
		case errors.Is(err, store.ErrNotFound):
			res.Outcome = "not_found"
		default:
			s.logger.Error("replay failed", "id", id, "error", err)
			res.Outcome = "failed"
			res.Error = err.Error()
		}
		resp.Results = append(resp.Results, res)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Providers))
}

// writeDomainError maps lifecycle and store errors onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		s.writeError(w, http.StatusBadRequest, ErrCodeUnknownProvider, err.Error())
	case errors.Is(err, connect.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, ErrCodeNotFound, "")
	case errors.Is(err, connect.ErrReauthorizationRequired):
		s.writeError(w, http.StatusConflict, ErrCodeReauthorizationRequired, "installation must be reconnected")
	case errors.Is(err, connect.ErrInstallationInactive):
		s.writeError(w, http.StatusConflict, ErrCodeInstallationInactive, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "")
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: code, Message: message})
}
