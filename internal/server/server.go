// Package server exposes the admin HTTP API: health, stats, recent runs and
// on-demand run triggers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/dedup"
	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/pipeline"
	"github.com/ObiAU/alertrelay/internal/scheduler"
	"github.com/ObiAU/alertrelay/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second
	defaultRunLimit = 50
	maxRunLimit     = 500
)

type RunLister interface {
	ListRunLogs(ctx context.Context, limit int) ([]models.RunLog, error)
}

type TargetResolver interface {
	ResolveTarget(ctx context.Context, tenantSlug string, kind models.SourceKind, id int64) (pipeline.Target, error)
}

type Scheduler interface {
	Trigger(t pipeline.Target) error
	State() scheduler.State
}

type CacheStats interface {
	Stats() dedup.Stats
}

type Server struct {
	runs      RunLister
	targets   TargetResolver
	scheduler Scheduler
	cache     CacheStats
	logger    *zap.Logger
	addr      string
	server    *http.Server
}

func New(addr string, runs RunLister, targets TargetResolver, sched Scheduler, cache CacheStats, logger *zap.Logger) *Server {
	return &Server{
		runs:      runs,
		targets:   targets,
		scheduler: sched,
		cache:     cache,
		logger:    logger.Named("server"),
		addr:      addr,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.healthHandler)
	r.Get("/stats", s.statsHandler)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.runsHandler)
		r.Post("/{tenant}/{kind}/{id}", s.triggerHandler)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type statsResponse struct {
	Cache     dedup.Stats     `json:"cache_stats"`
	Scheduler scheduler.State `json:"scheduler"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if s.cache != nil {
		resp.Cache = s.cache.Stats()
	}
	if s.scheduler != nil {
		resp.Scheduler = s.scheduler.State()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	logs, err := s.runs.ListRunLogs(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list run logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run logs")
		return
	}
	if logs == nil {
		logs = []models.RunLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	kind := models.SourceKind(chi.URLParam(r, "kind"))
	if kind != models.SourceMailbox && kind != models.SourceMetric {
		writeError(w, http.StatusBadRequest, "kind must be mailbox or metric")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}

	target, err := s.targets.ResolveTarget(r.Context(), chi.URLParam(r, "tenant"), kind, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to resolve run target", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve target")
		return
	}

	switch err := s.scheduler.Trigger(target); {
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("run triggered", zap.String("target", target.String()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "target": target.String()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
