package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROBES
// ══════════════════════════════════════════════════════════════════════════════

// handleHealthz is the liveness probe. It never touches dependencies.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "progress-engine",
		"version": s.config.Version,
		"uptime":  s.Uptime().Round(time.Second).String(),
	})
}

// handleReadyz runs the registered checks and reports 503 when any fails.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	status := s.deps.Health.Check(r.Context())
	if !status.Ready {
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// JOBS
// ══════════════════════════════════════════════════════════════════════════════

// JobDTO is the wire form of a scheduled job.
type JobDTO struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"`
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	RunCount    int64      `json:"run_count"`
	FailCount   int64      `json:"fail_count"`
	LastResult  *RunDTO    `json:"last_result,omitempty"`
}

// RunDTO is the wire form of one job execution.
type RunDTO struct {
	Job       string    `json:"job"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Manual    bool      `json:"manual"`
}

// TotalsDTO summarizes every run since the worker started.
type TotalsDTO struct {
	Executions      int64   `json:"executions"`
	Successes       int64   `json:"successes"`
	Failures        int64   `json:"failures"`
	SuccessRate     float64 `json:"success_rate"`
	AverageDuration string  `json:"average_duration"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Jobs.ListJobs()
	out := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		out[i] = toJobDTO(j)
	}
	body := map[string]any{"jobs": out}
	if m := s.deps.Jobs.GetMetrics(); m != nil {
		snap := m.Snapshot()
		body["totals"] = TotalsDTO{
			Executions:      snap.TotalExecutions,
			Successes:       snap.TotalSuccesses,
			Failures:        snap.TotalFailures,
			SuccessRate:     snap.SuccessRate,
			AverageDuration: snap.AverageDuration.Round(time.Millisecond).String(),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, err := s.deps.Jobs.GetJobInfo(name)
	if err != nil {
		s.writeJobError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*info))
}

// handleJobHistory returns recent runs, oldest first. limit=0 or a missing
// limit returns everything the scheduler kept.
func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	history := s.deps.Jobs.GetHistory(limit)
	out := make([]*RunDTO, len(history))
	for i := range history {
		out[i] = toRunDTO(&history[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleToggleJob(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		toggle := s.deps.Jobs.DisableJob
		if enabled {
			toggle = s.deps.Jobs.EnableJob
		}
		if err := toggle(name); err != nil {
			s.writeJobError(w, name, err)
			return
		}
		s.logger.Info("job toggled", logger.String("job", name), logger.Bool("enabled", enabled))

		info, err := s.deps.Jobs.GetJobInfo(name)
		if err != nil {
			s.writeJobError(w, name, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobDTO(*info))
	}
}

func (s *Server) writeJobError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeJSONError(w, http.StatusNotFound, "job_not_found", "unknown job "+name)
		return
	}
	s.logger.Error("job request failed", logger.String("job", name), logger.Err(err))
	writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
}

// handleRunJob runs a job synchronously and reports the outcome. A job
// that fails still answers 200 with success=false; only an unknown job
// or one already in flight is an HTTP error.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	result, err := s.deps.Jobs.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		writeJSONError(w, http.StatusNotFound, "job_not_found", "unknown job "+name)
		return
	case errors.Is(err, scheduler.ErrJobRunning):
		writeJSONError(w, http.StatusConflict, "job_running", "job "+name+" is already running")
		return
	case err != nil && result == nil:
		s.logger.Error("manual job run failed", logger.String("job", name), logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "job_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(result))
}

func toJobDTO(j scheduler.JobInfo) JobDTO {
	return JobDTO{
		Name:        j.Name,
		Description: j.Description,
		Schedule:    j.Schedule,
		Enabled:     j.Enabled,
		Running:     j.Running,
		LastRun:     optionalTime(j.LastRun),
		NextRun:     optionalTime(j.NextRun),
		RunCount:    j.RunCount,
		FailCount:   j.FailCount,
		LastResult:  toRunDTO(j.LastResult),
	}
}

func toRunDTO(r *scheduler.JobResult) *RunDTO {
	if r == nil {
		return nil
	}
	dto := &RunDTO{
		Job:       r.JobName,
		StartedAt: r.StartedAt,
		Duration:  r.Duration.Round(time.Millisecond).String(),
		Success:   r.Success,
		Manual:    r.Manual,
	}
	if r.Error != nil {
		dto.Error = r.Error.Error()
	}
	return dto
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// APIError is the error body of every non-2xx answer.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]APIError{"error": {Code: code, Message: message}})
}
