package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"linewatch/internal/db"
	"linewatch/internal/models"
	"linewatch/internal/supervisor"
)

const defaultOperator = "operator"

type Store interface {
	Ping(ctx context.Context) error
	RecentAlarms(ctx context.Context, unacknowledgedOnly bool, limit int) ([]models.AlarmRecord, error)
	UnacknowledgedCount(ctx context.Context) (int, error)
	Acknowledge(ctx context.Context, id int64, by string) (models.AlarmRecord, error)
	AcknowledgeAll(ctx context.Context, by string) (int64, error)
	ListRules(ctx context.Context) ([]models.AlarmRule, error)
}

type Pipeline interface {
	Status() supervisor.Status
	Healthy() bool
}

type Server struct {
	repo     Store
	pipeline Pipeline
	ws       http.Handler
	metrics  http.Handler
	log      *slog.Logger
}

func NewServer(repo Store, pipeline Pipeline, ws, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{repo: repo, pipeline: pipeline, ws: ws, metrics: metrics, log: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logMiddleware(s.log))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/pipeline/status", s.handlePipelineStatus)
		r.Get("/pipeline/health", s.handlePipelineHealth)
		r.Get("/alarms", s.handleAlarms)
		r.Post("/alarms/acknowledge-all", s.handleAcknowledgeAll)
		r.Post("/alarms/{id}/acknowledge", s.handleAcknowledge)
		r.Get("/rules", s.handleRules)
	})
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	if !s.pipeline.Healthy() {
		http.Error(w, "pipeline not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) handlePipelineHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": s.pipeline.Healthy(),
		"status":  s.pipeline.Status(),
	})
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unack := q.Get("unacknowledged") == "1" || strings.EqualFold(q.Get("unacknowledged"), "true")
	limit := 100
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	alarms, err := s.repo.RecentAlarms(r.Context(), unack, limit)
	if err != nil {
		s.fail(w, "list alarms", err)
		return
	}
	open, err := s.repo.UnacknowledgedCount(r.Context())
	if err != nil {
		s.fail(w, "count alarms", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alarms": alarms, "unacknowledged_count": open})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid alarm id", http.StatusBadRequest)
		return
	}
	rec, err := s.repo.Acknowledge(r.Context(), id, operator(r))
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "alarm not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "acknowledge alarm", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.AcknowledgeAll(r.Context(), operator(r))
	if err != nil {
		s.fail(w, "acknowledge all alarms", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": n})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.repo.ListRules(r.Context())
	if err != nil {
		s.fail(w, "list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", "err", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func operator(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Operator")); v != "" {
		return v
	}
	return defaultOperator
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
