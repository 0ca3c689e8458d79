// Package server exposes the usage tracker as a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tokenmeter/tokenmeter/pkg/command"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"github.com/tokenmeter/tokenmeter/pkg/storage"
)

const maxBodyBytes = 1 << 20

// Tracker is the command surface served over HTTP.
type Tracker interface {
	ListProviders(ctx context.Context) ([]model.Provider, error)
	SaveProvider(ctx context.Context, p model.Provider) (*model.Provider, error)
	DeleteProvider(ctx context.Context, id string) error
	TestProvider(ctx context.Context, p model.Provider) model.ExecutionResult
	GetUsageSummary(ctx context.Context) (*model.UsageSummary, error)
	RefreshUsage(ctx context.Context) (*model.UsageSummary, error)
	GetAppConfig(ctx context.Context) (model.AppConfig, error)
	SaveAppConfig(ctx context.Context, cfg model.AppConfig) error
}

// Server provides the provider, usage and config endpoints.
type Server struct {
	tracker Tracker
	limiter *RateLimiter
	mux     *http.ServeMux
	logger  *slog.Logger
}

// NewServer creates an API server. limiter guards the endpoints that spawn
// processes; nil disables limiting.
func NewServer(t Tracker, limiter *RateLimiter, logger *slog.Logger) *Server {
	s := &Server{
		tracker: t,
		limiter: limiter,
		mux:     http.NewServeMux(),
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/providers", s.handleListProviders)
	s.mux.HandleFunc("PUT /api/v1/providers", s.handleSaveProvider)
	s.mux.HandleFunc("DELETE /api/v1/providers/{id}", s.handleDeleteProvider)
	s.mux.HandleFunc("POST /api/v1/providers/test", s.limited(s.handleTestProvider))
	s.mux.HandleFunc("GET /api/v1/usage", s.handleUsage)
	s.mux.HandleFunc("POST /api/v1/usage/refresh", s.limited(s.handleRefresh))
	s.mux.HandleFunc("GET /api/v1/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/v1/config", s.handleSaveConfig)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Wrap(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	providers, err := s.tracker.ListProviders(ctx)
	if err != nil {
		s.fail(w, "list providers", err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleSaveProvider(w http.ResponseWriter, r *http.Request) {
	var p model.Provider
	if !decodeBody(w, r, &p) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	saved, err := s.tracker.SaveProvider(ctx, p)
	if err != nil {
		s.fail(w, "save provider", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.tracker.DeleteProvider(ctx, r.PathValue("id")); err != nil {
		s.fail(w, "delete provider", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// The test and refresh handlers are bounded by the executor and sandbox
// limits, so they use the request context as is.
func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	var p model.Provider
	if !decodeBody(w, r, &p) {
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.TestProvider(r.Context(), p))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	summary, err := s.tracker.GetUsageSummary(r.Context())
	if err != nil {
		s.fail(w, "get usage summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	summary, err := s.tracker.RefreshUsage(r.Context())
	if err != nil {
		s.fail(w, "refresh usage", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	cfg, err := s.tracker.GetAppConfig(ctx)
	if err != nil {
		s.fail(w, "get app config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	cfg := model.DefaultAppConfig()
	if !decodeBody(w, r, &cfg) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.tracker.SaveAppConfig(ctx, cfg); err != nil {
		s.fail(w, "save app config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// fail maps err onto a status code and writes it as {"error": ...}.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	var rejection *command.RejectionError
	switch {
	case errors.As(err, &rejection), errors.Is(err, model.ErrInvalidAppConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
