package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_Pipeline(t *testing.T) {
	c := New()

	c.EventProcessed("lesson_completed", "processed", 20*time.Millisecond)
	c.EventProcessed("lesson_completed", "processed", 10*time.Millisecond)
	c.EventProcessed("quiz_taken", "duplicate", time.Millisecond)
	c.PointsAwarded("lesson_completed", 12)
	c.PointsAwarded("lesson_completed", -12)
	c.ConflictRetried("profile")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.EventsProcessed.WithLabelValues("lesson_completed", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsProcessed.WithLabelValues("quiz_taken", "duplicate")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.PointsTotal.WithLabelValues("lesson_completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ConflictRetries.WithLabelValues("profile")))
}

func TestCollectors_LeaderboardRebuilt(t *testing.T) {
	c := New()

	c.LeaderboardRebuilt("weekly", 42, time.Second, nil)
	c.LeaderboardRebuilt("weekly", 0, time.Second, errors.New("scan failed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.LeaderboardBuilds.WithLabelValues("weekly", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.LeaderboardBuilds.WithLabelValues("weekly", "error")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.LeaderboardSize.WithLabelValues("weekly")))
}

func TestCollectors_HandlerExposesRegistry(t *testing.T) {
	c := New()
	c.JobCompleted("expire_goals", time.Millisecond, true)
	c.RegisterGauge("spool_pending", "Events waiting for redelivery", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `progress_job_runs_total{job="expire_goals",result="ok"} 1`))
	assert.True(t, strings.Contains(body, "progress_spool_pending 3"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
