package leaderboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/points"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var now = time.Date(2024, 5, 15, 18, 0, 0, 0, time.UTC)

func rec(user string, typ activity.Type, total int, at time.Time) *progress.Record {
	return &progress.Record{
		ID:           user + at.String(),
		UserID:       user,
		Kind:         progress.KindActivity,
		ActivityType: typ,
		Points:       points.Breakdown{Base: total, Total: total},
		OccurredAt:   at,
	}
}

func pointsBoard(tf Timeframe, max int) *Definition {
	return &Definition{
		ID:        "points-" + string(tf),
		Metric:    MetricTotalPoints,
		Timeframe: tf,
		Settings:  Settings{MaxParticipants: max, IsActive: true},
	}
}

func userIDs(s *Snapshot) []string {
	out := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.UserID
	}
	return out
}

func TestAggregate_TieBreakByUserID(t *testing.T) {
	records := []*progress.Record{
		rec("carol", activity.TypeQuizTaken, 30, now),
		rec("bob", activity.TypeQuizTaken, 30, now),
		rec("alice", activity.TypeQuizTaken, 30, now),
		rec("dave", activity.TypeQuizTaken, 50, now),
	}
	reversed := []*progress.Record{records[3], records[2], records[1], records[0]}

	a, err := Aggregate(pointsBoard(TimeframeAllTime, 10), records, nil, now, timeutil.UTC)
	require.NoError(t, err)
	b, err := Aggregate(pointsBoard(TimeframeAllTime, 10), reversed, nil, now, timeutil.UTC)
	require.NoError(t, err)

	want := []string{"dave", "alice", "bob", "carol"}
	assert.Equal(t, want, userIDs(a))
	assert.Equal(t, want, userIDs(b))
	for i, e := range a.Entries {
		assert.Equal(t, i+1, e.Rank)
		assert.Equal(t, TrendNew, e.Trend)
	}
}

func TestAggregate_TruncatesAfterSorting(t *testing.T) {
	var records []*progress.Record
	for i, u := range []string{"u1", "u2", "u3", "u4", "u5"} {
		records = append(records, rec(u, activity.TypeLessonCompleted, (i+1)*10, now))
	}

	s, err := Aggregate(pointsBoard(TimeframeAllTime, 3), records, nil, now, timeutil.UTC)
	require.NoError(t, err)

	assert.Equal(t, []string{"u5", "u4", "u3"}, userIDs(s))
	assert.Equal(t, 5, s.TotalParticipants)
}

func TestAggregate_WindowAndFilters(t *testing.T) {
	lastWeek := now.AddDate(0, 0, -7)
	records := []*progress.Record{
		rec("u1", activity.TypeLessonCompleted, 10, now),
		rec("u2", activity.TypeLessonCompleted, 100, lastWeek),
	}
	physics := rec("u3", activity.TypeLessonCompleted, 40, now)
	physics.Subject = "physics"
	records = append(records, physics)

	weekly, err := Aggregate(pointsBoard(TimeframeWeekly, 10), records, nil, now, timeutil.UTC)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3", "u1"}, userIDs(weekly))

	def := pointsBoard(TimeframeAllTime, 10)
	def.Filters.Subject = "physics"
	filtered, err := Aggregate(def, records, nil, now, timeutil.UTC)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, userIDs(filtered))
}

func TestAggregate_Metrics(t *testing.T) {
	quiz := func(user string, score float64, spent time.Duration) *progress.Record {
		r := rec(user, activity.TypeQuizTaken, 15, now)
		r.Performance = activity.Performance{Score: activity.Score(score), TimeSpent: spent}
		return r
	}
	records := []*progress.Record{
		quiz("u1", 100, 10*time.Minute),
		quiz("u1", 60, 5*time.Minute),
		quiz("u2", 90, 30*time.Minute),
		rec("u3", activity.TypeLessonCompleted, 10, now),
	}

	avg, err := Aggregate(&Definition{ID: "avg", Metric: MetricAverageScore, Timeframe: TimeframeAllTime}, records, nil, now, timeutil.UTC)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u1"}, userIDs(avg))
	assert.InDelta(t, 80.0, avg.Get("u1").Score, 0.0001)

	study, err := Aggregate(&Definition{ID: "time", Metric: MetricStudyTime, Timeframe: TimeframeAllTime}, records, nil, now, timeutil.UTC)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u1"}, userIDs(study))
	assert.Equal(t, 15.0, study.Get("u1").Score)

	lessons, err := Aggregate(&Definition{ID: "lessons", Metric: MetricLessonsCompleted, Timeframe: TimeframeAllTime}, records, nil, now, timeutil.UTC)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, userIDs(lessons))

	count, err := Aggregate(&Definition{ID: "count", Metric: MetricActivitiesCount, Timeframe: TimeframeAllTime}, records, nil, now, timeutil.UTC)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, userIDs(count))
}

func TestAggregate_CompensationsReducePoints(t *testing.T) {
	orig := rec("u1", activity.TypeBookRead, 25, now)
	comp, err := progress.NewCompensation(orig, "revoked", now)
	require.NoError(t, err)
	records := []*progress.Record{orig, comp, rec("u2", activity.TypeVideoWatched, 5, now)}

	s, err := Aggregate(pointsBoard(TimeframeAllTime, 10), records, nil, now, timeutil.UTC)
	require.NoError(t, err)

	assert.Equal(t, []string{"u2", "u1"}, userIDs(s))
	assert.Equal(t, 0.0, s.Get("u1").Score)
}

func TestAggregate_Trends(t *testing.T) {
	def := pointsBoard(TimeframeAllTime, 10)
	first, err := Aggregate(def, []*progress.Record{
		rec("a", activity.TypeQuizTaken, 30, now),
		rec("b", activity.TypeQuizTaken, 20, now),
		rec("c", activity.TypeQuizTaken, 10, now),
	}, nil, now, timeutil.UTC)
	require.NoError(t, err)

	second, err := Aggregate(def, []*progress.Record{
		rec("a", activity.TypeQuizTaken, 30, now),
		rec("b", activity.TypeQuizTaken, 5, now),
		rec("c", activity.TypeQuizTaken, 40, now),
		rec("d", activity.TypeQuizTaken, 1, now),
	}, first, now.Add(time.Hour), timeutil.UTC)
	require.NoError(t, err)

	assert.Equal(t, TrendUp, second.Get("c").Trend)
	assert.Equal(t, 3, second.Get("c").PreviousRank)
	assert.Equal(t, 2, second.Get("c").RankChange())
	assert.Equal(t, TrendSame, second.Get("a").Trend)
	assert.Equal(t, TrendDown, second.Get("b").Trend)
	assert.Equal(t, TrendNew, second.Get("d").Trend)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDefinition_Validate(t *testing.T) {
	bad := &Definition{ID: "x", Metric: "karma", Timeframe: TimeframeDaily}
	assert.ErrorIs(t, bad.Validate(), shared.ErrUnknownMetric)

	bad = &Definition{ID: "x", Metric: MetricTotalPoints, Timeframe: "fortnightly"}
	assert.ErrorIs(t, bad.Validate(), shared.ErrUnknownTimeframe)

	ok := &Definition{ID: "x", Metric: MetricTotalPoints, Timeframe: TimeframeMonthly}
	assert.NoError(t, ok.Validate())
	assert.Equal(t, DefaultMaxParticipants, ok.Limit())
}

func TestTimeframe_Window(t *testing.T) {
	w, err := TimeframeMonthly.Window(now, timeutil.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), w.From)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), w.To)

	all, err := TimeframeAllTime.Window(now, timeutil.UTC)
	require.NoError(t, err)
	assert.True(t, all.IsUnbounded())

	assert.Equal(t, time.Minute, FrequencyRealtime.Interval())
	assert.Equal(t, time.Hour, UpdateFrequency("").Interval())
}
