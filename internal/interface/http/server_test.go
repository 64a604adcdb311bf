package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
)

type fakeJobs struct {
	infos   []scheduler.JobInfo
	history []scheduler.JobResult
	metrics *scheduler.SchedulerMetrics
	runs    []string
	err     error
}

func (f *fakeJobs) ListJobs() []scheduler.JobInfo { return f.infos }

func (f *fakeJobs) GetJobInfo(name string) (*scheduler.JobInfo, error) {
	for i := range f.infos {
		if f.infos[i].Name == name {
			info := f.infos[i]
			return &info, nil
		}
	}
	return nil, scheduler.ErrJobNotFound
}

func (f *fakeJobs) GetHistory(limit int) []scheduler.JobResult {
	if limit <= 0 || limit > len(f.history) {
		limit = len(f.history)
	}
	return f.history[len(f.history)-limit:]
}

func (f *fakeJobs) GetMetrics() *scheduler.SchedulerMetrics { return f.metrics }

func (f *fakeJobs) EnableJob(name string) error { return f.setEnabled(name, true) }
func (f *fakeJobs) DisableJob(name string) error { return f.setEnabled(name, false) }

func (f *fakeJobs) setEnabled(name string, enabled bool) error {
	for i := range f.infos {
		if f.infos[i].Name == name {
			f.infos[i].Enabled = enabled
			return nil
		}
	}
	return scheduler.ErrJobNotFound
}

func (f *fakeJobs) RunNow(ctx context.Context, name string) (*scheduler.JobResult, error) {
	f.runs = append(f.runs, name)
	if f.err != nil {
		return nil, f.err
	}
	now := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	return &scheduler.JobResult{JobName: name, StartedAt: now, CompletedAt: now.Add(time.Second), Duration: time.Second, Success: true, Manual: true}, nil
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = "1.2.3"
	s := NewServer(cfg, Dependencies{})

	rec := do(t, s.Handler(), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestServer_Readyz(t *testing.T) {
	health := handlers.NewCompositeHealthChecker("test")
	health.AddCheck("postgres", func(ctx context.Context) error { return nil })
	health.AddOptionalCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })

	s := NewServer(DefaultConfig(), Dependencies{Health: health})
	rec := do(t, s.Handler(), http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code, "optional failures only degrade")

	var status handlers.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Ready)
	assert.False(t, status.Healthy)
	assert.Equal(t, "degraded: redis", status.Message)

	health.AddCheck("postgres", func(ctx context.Context) error { return errors.New("down") })
	rec = do(t, s.Handler(), http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsMountedOnlyWhenGiven(t *testing.T) {
	s := NewServer(DefaultConfig(), Dependencies{})
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/metrics").Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("progress_events_processed_total 1\n"))
	})
	s = NewServer(DefaultConfig(), Dependencies{Metrics: metrics})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "progress_events_processed_total")
}

func TestServer_Jobs(t *testing.T) {
	last := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	jobs := &fakeJobs{infos: []scheduler.JobInfo{
		{Name: "expire_goals", Description: "fails overdue goals", Schedule: "every 1h0m0s", Enabled: true, LastRun: last, RunCount: 3,
			LastResult: &scheduler.JobResult{JobName: "expire_goals", StartedAt: last, Success: false, Error: errors.New("db down")}},
		{Name: "purge_celebrations", Enabled: false},
	}}
	s := NewServer(DefaultConfig(), Dependencies{Jobs: jobs})

	rec := do(t, s.Handler(), http.MethodGet, "/jobs/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs []JobDTO `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 2)
	assert.Equal(t, "expire_goals", body.Jobs[0].Name)
	require.NotNil(t, body.Jobs[0].LastRun)
	assert.Nil(t, body.Jobs[0].NextRun)
	require.NotNil(t, body.Jobs[0].LastResult)
	assert.Equal(t, "db down", body.Jobs[0].LastResult.Error)
	assert.Nil(t, body.Jobs[1].LastRun)

	rec = do(t, s.Handler(), http.MethodPost, "/jobs/expire_goals/run")
	require.Equal(t, http.StatusOK, rec.Code)
	var run RunDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.True(t, run.Success)
	assert.True(t, run.Manual)
	assert.Equal(t, []string{"expire_goals"}, jobs.runs)
}

func TestServer_JobDetailHistoryAndToggle(t *testing.T) {
	start := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	metrics := scheduler.NewSchedulerMetrics()
	metrics.RecordExecution("expire_goals", time.Second, true)
	metrics.RecordExecution("expire_goals", 3*time.Second, false)
	jobs := &fakeJobs{
		infos: []scheduler.JobInfo{{Name: "expire_goals", Enabled: true, RunCount: 2, FailCount: 1}},
		history: []scheduler.JobResult{
			{JobName: "expire_goals", StartedAt: start, Duration: time.Second, Success: true},
			{JobName: "expire_goals", StartedAt: start.Add(time.Hour), Duration: 3 * time.Second, Error: errors.New("db down")},
		},
		metrics: metrics,
	}
	h := NewServer(DefaultConfig(), Dependencies{Jobs: jobs}).Handler()

	rec := do(t, h, http.MethodGet, "/jobs/")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Totals TotalsDTO `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.EqualValues(t, 2, list.Totals.Executions)
	assert.EqualValues(t, 1, list.Totals.Failures)
	assert.Equal(t, 0.5, list.Totals.SuccessRate)
	assert.Equal(t, "2s", list.Totals.AverageDuration)

	rec = do(t, h, http.MethodGet, "/jobs/expire_goals")
	require.Equal(t, http.StatusOK, rec.Code)
	var job JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "expire_goals", job.Name)
	assert.EqualValues(t, 1, job.FailCount)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/jobs/nope").Code)

	rec = do(t, h, http.MethodGet, "/jobs/history?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Runs []RunDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Runs, 1)
	assert.Equal(t, "db down", hist.Runs[0].Error)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/jobs/history?limit=x").Code)

	rec = do(t, h, http.MethodPost, "/jobs/expire_goals/disable")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.False(t, job.Enabled)

	rec = do(t, h, http.MethodPost, "/jobs/expire_goals/enable")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.True(t, job.Enabled)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/jobs/nope/enable").Code)
}

func TestServer_RunJobErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{scheduler.ErrJobNotFound, http.StatusNotFound},
		{scheduler.ErrJobRunning, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := NewServer(DefaultConfig(), Dependencies{Jobs: &fakeJobs{err: tt.err}})
			rec := do(t, s.Handler(), http.MethodPost, "/jobs/x/run")
			assert.Equal(t, tt.want, rec.Code)

			var body map[string]APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"].Code)
		})
	}
}

func TestServer_RecoversPanics(t *testing.T) {
	s := NewServer(DefaultConfig(), Dependencies{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("scrape exploded") }),
	})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ShutdownWithoutStart(t *testing.T) {
	s := NewServer(DefaultConfig(), Dependencies{})
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.IsRunning())
	assert.Zero(t, s.Uptime())
}
