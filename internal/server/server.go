// Package server exposes the sync engine over a small JSON API, for the
// local web UI and for scripting against a long-running instance.
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
	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/apply"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/provider"
	"github.com/fitsync/fitsync/internal/review"
	"github.com/fitsync/fitsync/internal/scheduler"
	"github.com/fitsync/fitsync/internal/store"
)

// Server hosts the JSON API.
type Server struct {
	store   store.Store
	reg     *provider.Registry
	sched   *scheduler.Scheduler
	reviews *review.Service
	applier *apply.Applier
	log     *zap.Logger

	http *http.Server
}

// New wires the API around already-constructed collaborators.
func New(port int, st store.Store, reg *provider.Registry, sched *scheduler.Scheduler, reviews *review.Service, applier *apply.Applier) *Server {
	s := &Server{
		store:   st,
		reg:     reg,
		sched:   sched,
		reviews: reviews,
		applier: applier,
		log:     zap.L().With(zap.String("component", "server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/providers", s.handleProviders)
		r.Post("/sync/{month}", s.handleSyncMonth)
		r.Post("/sync/{month}/{provider}", s.handleSyncProvider)
		r.Get("/status/{month}", s.handleStatus)
		r.Get("/compare/{month}", s.handleCompare)
		r.Post("/apply/{month}", s.handleApply)
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type providerInfo struct {
	Name         model.ProviderName    `json:"name"`
	Capabilities provider.Capabilities `json:"capabilities"`
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	out := make([]providerInfo, 0)
	for _, p := range s.reg.All() {
		out = append(out, providerInfo{Name: p.Name(), Capabilities: p.Capabilities()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSyncMonth enqueues every provider for the month and drains the
// queue in the background; the response reports what was queued.
func (s *Server) handleSyncMonth(w http.ResponseWriter, r *http.Request) {
	month, ok := s.month(w, r)
	if !ok {
		return
	}

	tasks, err := s.sched.RequestMonth(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.drainAsync()
	writeJSON(w, http.StatusAccepted, tasks)
}

func (s *Server) handleSyncProvider(w http.ResponseWriter, r *http.Request) {
	month, ok := s.month(w, r)
	if !ok {
		return
	}
	name := model.ProviderName(chi.URLParam(r, "provider"))

	task, err := s.sched.Request(r.Context(), model.SyncKey{Provider: name, Month: month})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.drainAsync()
	writeJSON(w, http.StatusAccepted, task)
}

// drainAsync runs the scheduler off the request goroutine. Run is safe
// to invoke while another drain is in flight; the queue hands each task
// to exactly one worker.
func (s *Server) drainAsync() {
	go func() {
		if err := s.sched.Run(context.Background()); err != nil {
			s.log.Error("background drain failed", zap.Error(err))
		}
	}()
}

type statusResponse struct {
	Month  model.Month        `json:"month"`
	Review model.ReviewState  `json:"review"`
	Status []model.SyncStatus `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	month, ok := s.month(w, r)
	if !ok {
		return
	}

	statuses, err := s.store.ListMonthStatuses(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	state, err := s.reviews.CachedState(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Month: month, Review: state, Status: statuses})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	month, ok := s.month(w, r)
	if !ok {
		return
	}

	report, err := s.reviews.MonthReport(r.Context(), month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type applyRequest struct {
	Changes []apply.Change `json:"changes"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	month, ok := s.month(w, r)
	if !ok {
		return
	}

	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no changes submitted"))
		return
	}

	results := s.applier.Apply(r.Context(), month, req.Changes)

	// Applied values change the comparison; recompute the cached state.
	if _, err := s.reviews.MonthReport(r.Context(), month); err != nil {
		s.log.Warn("review refresh failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) month(w http.ResponseWriter, r *http.Request) (model.Month, bool) {
	month, err := model.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return month, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
