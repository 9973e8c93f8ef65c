// Package api exposes the operational HTTP surface for a running
// orchestrator: job inspection, cancellation, and validation reports.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/execution"
	"github.com/iamcos/labrunner/internal/models"
	"github.com/iamcos/labrunner/internal/queue"
	"github.com/iamcos/labrunner/internal/report"
	"github.com/iamcos/labrunner/internal/telemetry"
)

// Server wires the HTTP handlers.
type Server struct {
	mgr *queue.Manager
	svc execution.Service
	log *zap.Logger
}

// New constructs the API server.
func New(mgr *queue.Manager, svc execution.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{mgr: mgr, svc: svc, log: log.Named("api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/servers", s.handleServers)
	r.Get("/reports/validation", s.handleValidationReport)
	return r
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.mgr.Jobs()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.mgr.Job(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.mgr.Job(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Status.Terminal() {
		http.Error(w, "job already terminal", http.StatusConflict)
		return
	}
	if job.Status == models.StatusRunning && job.BacktestID != "" {
		if err := s.svc.Cancel(r.Context(), execution.Handle{
			Server:     job.Server,
			LabID:      job.LabID,
			BacktestID: job.BacktestID,
		}); err != nil {
			s.log.Warn("remote cancel failed",
				zap.String("job_id", id), zap.Error(err))
		}
	}
	if !s.mgr.MarkTerminal(id, models.StatusCancelled, "cancelled via API", nil, time.Now()) {
		http.Error(w, "cancel rejected", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type serverStatus struct {
	Server  string `json:"server"`
	Running int    `json:"running"`
	Pending int    `json:"pending"`
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	var out []serverStatus
	for _, server := range s.mgr.Servers() {
		out = append(out, serverStatus{
			Server:  server,
			Running: s.mgr.RunningCount(server),
			Pending: s.mgr.PendingCount(server),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleValidationReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report.Aggregate(s.mgr.Jobs(), time.Now()))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
