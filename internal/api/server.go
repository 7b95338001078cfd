package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"spend-enrichment-pipeline/internal/config"
	"spend-enrichment-pipeline/internal/linkscore"
	"spend-enrichment-pipeline/internal/models"
	"spend-enrichment-pipeline/internal/queue"
	"spend-enrichment-pipeline/internal/store"
	"spend-enrichment-pipeline/internal/telemetry"
)

// Store is the read and reset surface the API needs.
type Store interface {
	GetJob(ctx context.Context, stage, scope string) (models.Job, error)
	EnsureJob(ctx context.Context, stage, scope string) (models.Job, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	ResetJob(ctx context.Context, stage, scope string) error
	GetSpendSummary(ctx context.Context, buyerID string) (models.SpendSummary, error)
	ListSpendLinks(ctx context.Context, buyerID string) ([]models.SpendLink, error)
}

// Queue accepts and withdraws stage invocations.
type Queue interface {
	Enqueue(ctx context.Context, id, priority string, runAt time.Time) (bool, error)
	Cancel(ctx context.Context, id string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter throttles run triggers per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the pipeline control API.
type Server struct {
	cfg     config.Config
	store   Store
	queue   Queue
	limiter Limiter
	stages  map[string]bool
	log     *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, q Queue, limiter Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	stages := make(map[string]bool, len(cfg.Stages))
	for _, s := range cfg.Stages {
		stages[s] = true
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		stages:  stages,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Route("/jobs/{stage}/{scope}", func(r chi.Router) {
		r.Use(s.knownStage)
		r.Get("/", s.handleGetJob)
		r.Post("/run", s.handleRun)
		r.Delete("/run", s.handleCancelRun)
		r.Post("/reset", s.handleReset)
	})
	r.Get("/dlq", s.handleDLQ)
	r.Get("/buyers/{id}/spend-summary", s.handleSpendSummary)
	r.Get("/buyers/{id}/spend-links", s.handleSpendLinks)
	r.Post("/links/score", s.handleScoreLinks)
	return r
}

func (s *Server) knownStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.stages[chi.URLParam(r, "stage")] {
			http.Error(w, "unknown stage", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "stage"), chi.URLParam(r, "scope"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type runRequest struct {
	DelaySeconds int    `json:"delaySeconds"`
	Priority     string `json:"priority"`
}

type runResponse struct {
	Invocation string `json:"invocation"`
	Enqueued   bool   `json:"enqueued"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.DelaySeconds < 0 {
		http.Error(w, "delaySeconds must not be negative", http.StatusBadRequest)
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.internalError(w, "rate limit", err)
			return
		}
		if !allowed {
			telemetry.TriggerRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	stg, scope := chi.URLParam(r, "stage"), chi.URLParam(r, "scope")
	if _, err := s.store.EnsureJob(r.Context(), stg, scope); err != nil {
		s.internalError(w, "ensure job", err)
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = "manual"
	}
	id := queue.InvocationID(stg, scope)
	runAt := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	enqueued, err := s.queue.Enqueue(r.Context(), id, priority, runAt)
	if err != nil {
		s.internalError(w, "enqueue", err)
		return
	}
	s.log.Info("api: run requested", zap.String("invocation", id), zap.Bool("enqueued", enqueued))
	writeJSON(w, http.StatusAccepted, runResponse{Invocation: id, Enqueued: enqueued})
}

// handleCancelRun withdraws a queued or scheduled invocation. A run already
// in progress is not interrupted and finishes under its runner lease.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := queue.InvocationID(chi.URLParam(r, "stage"), chi.URLParam(r, "scope"))
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		s.internalError(w, "cancel", err)
		return
	}
	s.log.Info("api: run cancelled", zap.String("invocation", id))
	writeJSON(w, http.StatusOK, map[string]any{"invocation": id, "cancelled": true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	stg, scope := chi.URLParam(r, "stage"), chi.URLParam(r, "scope")
	job, err := s.store.EnsureJob(r.Context(), stg, scope)
	if err != nil {
		s.internalError(w, "ensure job", err)
		return
	}
	if job.Busy() && r.URL.Query().Get("force") != "true" {
		http.Error(w, "job is running; pass force=true to reset anyway", http.StatusConflict)
		return
	}
	if err := s.store.ResetJob(r.Context(), stg, scope); err != nil {
		s.internalError(w, "reset job", err)
		return
	}
	job, err = s.store.GetJob(r.Context(), stg, scope)
	if err != nil {
		s.internalError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns the DLQ contents (invocation ids only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		s.internalError(w, "read dlq", err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSpendSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.GetSpendSummary(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "spend summary not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "get spend summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSpendLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.store.ListSpendLinks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "list spend links", err)
		return
	}
	if links == nil {
		links = []models.SpendLink{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

type scoreRequest struct {
	Links []struct {
		URL        string `json:"url"`
		AnchorText string `json:"anchorText"`
	} `json:"links"`
	Limit int `json:"limit"`
}

// handleScoreLinks scores ad-hoc links without touching storage.
func (s *Server) handleScoreLinks(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Links) == 0 {
		http.Error(w, "links are required", http.StatusBadRequest)
		return
	}
	scored := make([]*linkscore.ScoredLink, 0, len(req.Links))
	for _, l := range req.Links {
		scored = append(scored, linkscore.ScoreLink(l.URL, l.AnchorText))
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": linkscore.Rank(scored, req.Limit)})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("api: "+op, zap.Error(err))
	http.Error(w, op+" failed", http.StatusInternalServerError)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
