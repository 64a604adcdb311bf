// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "progress"

// Collectors holds every engine metric. It implements the pipeline's
// command.Metrics and the rebuild job's observer.
type Collectors struct {
	registry *prometheus.Registry

	EventsProcessed   *prometheus.CounterVec
	EventLatency      *prometheus.HistogramVec
	ConflictRetries   *prometheus.CounterVec
	PointsTotal       *prometheus.CounterVec
	Achievements      *prometheus.CounterVec
	GoalsCompleted    *prometheus.CounterVec
	Celebrations      *prometheus.CounterVec
	LeaderboardBuilds *prometheus.CounterVec
	LeaderboardSize   *prometheus.GaugeVec
	LeaderboardTime   *prometheus.HistogramVec
	JobRuns           *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),

		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Activity events handled, by activity type and outcome",
		}, []string{"type", "outcome"}),

		EventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time to process one activity event",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"type"}),

		ConflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Optimistic concurrency retries, by record kind",
		}, []string{"record"}),

		PointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Activity points awarded, by activity type",
		}, []string{"type"}),

		Achievements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "achievements_completed_total",
			Help:      "Achievements completed, by achievement id",
		}, []string{"achievement"}),

		GoalsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goals_completed_total",
			Help:      "Goals completed, by category",
		}, []string{"category"}),

		Celebrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "celebrations_emitted_total",
			Help:      "Celebrations created, by type",
		}, []string{"type"}),

		LeaderboardBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaderboard_rebuilds_total",
			Help:      "Leaderboard rebuilds, by definition and result",
		}, []string{"leaderboard", "result"}),

		LeaderboardSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leaderboard_participants",
			Help:      "Participants in the latest snapshot, before truncation",
		}, []string{"leaderboard"}),

		LeaderboardTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leaderboard_rebuild_duration_seconds",
			Help:      "Time to aggregate and store one snapshot",
			Buckets:   prometheus.DefBuckets,
		}, []string{"leaderboard"}),

		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs, by job and result",
		}, []string{"job", "result"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.EventsProcessed,
		c.EventLatency,
		c.ConflictRetries,
		c.PointsTotal,
		c.Achievements,
		c.GoalsCompleted,
		c.Celebrations,
		c.LeaderboardBuilds,
		c.LeaderboardSize,
		c.LeaderboardTime,
		c.JobRuns,
		c.JobDuration,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RegisterGauge exposes a value read at scrape time, such as a queue depth.
func (c *Collectors) RegisterGauge(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// ════ pipeline ════

// EventProcessed records one handled event.
func (c *Collectors) EventProcessed(activityType, outcome string, latency time.Duration) {
	c.EventsProcessed.WithLabelValues(activityType, outcome).Inc()
	c.EventLatency.WithLabelValues(activityType).Observe(latency.Seconds())
}

// ConflictRetried records an optimistic concurrency retry.
func (c *Collectors) ConflictRetried(record string) {
	c.ConflictRetries.WithLabelValues(record).Inc()
}

// AchievementCompleted records a completion.
func (c *Collectors) AchievementCompleted(achievementID string) {
	c.Achievements.WithLabelValues(achievementID).Inc()
}

// GoalCompleted records a completed goal.
func (c *Collectors) GoalCompleted(category string) {
	c.GoalsCompleted.WithLabelValues(category).Inc()
}

// CelebrationEmitted records a created celebration.
func (c *Collectors) CelebrationEmitted(celebrationType string) {
	c.Celebrations.WithLabelValues(celebrationType).Inc()
}

// PointsAwarded adds the event's total. Compensations are not counted.
func (c *Collectors) PointsAwarded(activityType string, total int) {
	if total > 0 {
		c.PointsTotal.WithLabelValues(activityType).Add(float64(total))
	}
}

// ════ jobs ════

// LeaderboardRebuilt records one definition rebuild.
func (c *Collectors) LeaderboardRebuilt(definitionID string, participants int, duration time.Duration, err error) {
	if err != nil {
		c.LeaderboardBuilds.WithLabelValues(definitionID, "error").Inc()
		return
	}
	c.LeaderboardBuilds.WithLabelValues(definitionID, "ok").Inc()
	c.LeaderboardSize.WithLabelValues(definitionID).Set(float64(participants))
	c.LeaderboardTime.WithLabelValues(definitionID).Observe(duration.Seconds())
}

// JobCompleted records a scheduled job run.
func (c *Collectors) JobCompleted(job string, duration time.Duration, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	c.JobRuns.WithLabelValues(job, result).Inc()
	c.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}
