// Package server exposes the ops HTTP surface: health, status snapshot,
// conflict listing and resolution.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opsledger/forecast-sync/internal/config"
	"github.com/opsledger/forecast-sync/internal/model"
	"github.com/opsledger/forecast-sync/internal/monitoring"
	"github.com/opsledger/forecast-sync/internal/store"
	"github.com/opsledger/forecast-sync/internal/syncer"
)

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	store      store.Store
	collector  *monitoring.Collector
	resolver   *syncer.Resolver
	log        *zap.Logger
}

// New creates the ops server with its routes mounted.
func New(cfg config.ServerConfig, st store.Store, collector *monitoring.Collector, resolver *syncer.Resolver) *Server {
	s := &Server{
		store:     st,
		collector: collector,
		resolver:  resolver,
		log:       zap.L().With(zap.String("component", "server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/conflicts/{modID}", s.handleListConflicts)
	r.Post("/conflicts/{modID}/resolve", s.handleResolveConflict)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.Info("ops server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		s.writeError(w, http.StatusBadRequest, eris.New("org_id query parameter is required"))
		return
	}
	conflicts, err := s.store.ListConflicts(r.Context(), orgID, chi.URLParam(r, "modID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveRequest struct {
	OrgID       string                    `json:"org_id"`
	Resolutions []syncer.FieldResolution `json:"resolutions"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, eris.Wrap(err, "server: decode resolve request"))
		return
	}
	if req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, eris.New("org_id is required"))
		return
	}

	mod, err := s.resolver.Resolve(r.Context(), req.OrgID, chi.URLParam(r, "modID"), req.Resolutions)
	switch {
	case err == nil:
	case eris.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
		return
	default:
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if mod == nil {
		// Every field kept the remote value; nothing re-enters the queue.
		s.writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "requeued": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"resolved":     true,
		"requeued":     true,
		"modification": mod,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Warn("request failed", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
