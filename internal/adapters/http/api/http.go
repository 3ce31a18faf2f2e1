// Package api exposes client scores and session state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okian/vouch/internal/adapters/repository"
	"github.com/okian/vouch/internal/domain/model"
	"github.com/okian/vouch/internal/domain/types"
)

// Dependencies required by HTTP handlers.
type Dependencies interface {
	GetScore(ctx context.Context, clientID string) (model.ScoreRecord, error)
	GetSessionState(ctx context.Context, clientID string) (model.SessionInfo, error)
	ListScores(ctx context.Context, limit int) ([]model.ScoreRecord, error)
	MaxListLimit() int
}

// StatsProvider defines the interface for getting service statistics.
type StatsProvider interface {
	GetStats(ctx context.Context) types.Stats
}

// Server wires HTTP routes for the read API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	scoresHandler   *ScoresHandler
	sessionsHandler *SessionsHandler
	sessions        http.Handler
}

// ServerOption applies a configuration option to the Server.
type ServerOption func(*Server)

// WithSessionHandler mounts h at /ws for clients starting a measurement.
func WithSessionHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.sessions = h
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...ServerOption) *Server {
	s := &Server{
		healthHandler:   NewHealthHandler(),
		statsHandler:    NewStatsHandler(statsProvider),
		scoresHandler:   NewScoresHandler(deps),
		sessionsHandler: NewSessionsHandler(deps),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns a chi router with every route registered.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes attaches all HTTP routes to r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(MetricsMiddleware)
		r.Get("/healthz", s.healthHandler.HandleHealth)
		r.Get("/stats", s.statsHandler.HandleStats)
		r.Get("/scores", s.scoresHandler.HandleListScores)
		r.Get("/scores/{clientID}", s.scoresHandler.HandleGetScore)
		r.Get("/sessions/{clientID}", s.sessionsHandler.HandleGetSession)
	})
	if s.sessions != nil {
		r.Handle("/ws", s.sessions)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeLookupError maps registry errors to HTTP statuses.
func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", repository.ErrNotFound)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err)
}
