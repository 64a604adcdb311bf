package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/points"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/internal/infrastructure/spool"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var day0 = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

// ════ rebuild_leaderboards ════

func appendLesson(t *testing.T, store *memory.Store, user string, pts int, at time.Time) {
	t.Helper()
	evt := &activity.Event{UserID: user, Type: activity.TypeLessonCompleted, Subject: "math", OccurredAt: at}
	r := progress.NewRecord(evt, points.Breakdown{Base: pts, Total: pts}, 0, at)
	require.NoError(t, store.Ledger().Append(context.Background(), r))
}

func board(id string, freq leaderboard.UpdateFrequency, auto bool) *leaderboard.Definition {
	return &leaderboard.Definition{
		ID: id, Name: id,
		Metric: leaderboard.MetricTotalPoints, Timeframe: leaderboard.TimeframeAllTime,
		Settings: leaderboard.Settings{IsActive: true, AutoUpdate: auto, UpdateFrequency: freq},
	}
}

type recordingCache struct {
	mu  sync.Mutex
	set map[string]*leaderboard.Snapshot
}

func (c *recordingCache) Get(ctx context.Context, id string) (*leaderboard.Snapshot, error) {
	return nil, errors.New("miss")
}

func (c *recordingCache) Set(ctx context.Context, s *leaderboard.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set == nil {
		c.set = map[string]*leaderboard.Snapshot{}
	}
	c.set[s.DefinitionID] = s
	return nil
}

func (c *recordingCache) Invalidate(ctx context.Context, id string) error { return nil }

type observed struct {
	mu  sync.Mutex
	ids []string
}

func (o *observed) LeaderboardRebuilt(id string, participants int, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, id)
}

type denyLocker struct{}

func (denyLocker) Acquire(ctx context.Context, resource string, ttl time.Duration) (func(context.Context) error, error) {
	return nil, errors.New("lock held")
}

func TestRebuildLeaderboards_BuildsDueBoards(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	clock := shared.NewFixedClock(day0)
	appendLesson(t, store, "ana", 30, day0.Add(-time.Hour))
	appendLesson(t, store, "bo", 10, day0.Add(-time.Hour))
	appendLesson(t, store, "bo", 25, day0.Add(-30*time.Minute))

	require.NoError(t, store.Leaderboards().UpsertDefinitions(ctx, []*leaderboard.Definition{
		board("hourly", leaderboard.FrequencyHourly, true),
		board("manual", leaderboard.FrequencyHourly, false),
	}))

	cache := &recordingCache{}
	obs := &observed{}
	job := NewRebuildLeaderboardsJob(RebuildDeps{
		Ledger: store.Ledger(), Boards: store.Leaderboards(), Cache: cache, Observer: obs,
		Clock: clock, Calendar: timeutil.UTC,
	}, DefaultRebuildLeaderboardsConfig())

	require.NoError(t, job.Run(ctx))

	snap, err := store.Leaderboards().LatestSnapshot(ctx, "hourly")
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "bo", snap.Entries[0].UserID)
	assert.Equal(t, 35.0, snap.Entries[0].Score)
	assert.Equal(t, "ana", snap.Entries[1].UserID)

	_, err = store.Leaderboards().LatestSnapshot(ctx, "manual")
	assert.ErrorIs(t, err, shared.ErrSnapshotNotFound)

	assert.Contains(t, cache.set, "hourly")
	assert.Equal(t, []string{"hourly"}, obs.ids)

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Considered)
	assert.Equal(t, []string{"hourly"}, stats.Rebuilt)
}

func TestRebuildLeaderboards_RespectsFrequencyAndComputesTrends(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	clock := shared.NewFixedClock(day0)
	appendLesson(t, store, "ana", 30, day0.Add(-time.Hour))
	appendLesson(t, store, "bo", 20, day0.Add(-time.Hour))
	require.NoError(t, store.Leaderboards().UpsertDefinitions(ctx, []*leaderboard.Definition{
		board("hourly", leaderboard.FrequencyHourly, true),
	}))

	job := NewRebuildLeaderboardsJob(RebuildDeps{
		Ledger: store.Ledger(), Boards: store.Leaderboards(), Clock: clock, Calendar: timeutil.UTC,
	}, DefaultRebuildLeaderboardsConfig())
	require.NoError(t, job.Run(ctx))
	first, err := store.Leaderboards().LatestSnapshot(ctx, "hourly")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	appendLesson(t, store, "bo", 50, day0.Add(5*time.Minute))
	require.NoError(t, job.Run(ctx))
	unchanged, err := store.Leaderboards().LatestSnapshot(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, first.ID, unchanged.ID)

	clock.Advance(time.Hour)
	require.NoError(t, job.Run(ctx))
	next, err := store.Leaderboards().LatestSnapshot(ctx, "hourly")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, next.ID)

	bo := next.Get("bo")
	require.NotNil(t, bo)
	assert.Equal(t, 1, bo.Rank)
	assert.Equal(t, 2, bo.PreviousRank)
	assert.Equal(t, leaderboard.TrendUp, bo.Trend)
}

func TestRebuildLeaderboards_ForceAndLocking(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	appendLesson(t, store, "ana", 30, day0.Add(-time.Hour))
	require.NoError(t, store.Leaderboards().UpsertDefinitions(ctx, []*leaderboard.Definition{
		board("manual", leaderboard.FrequencyDaily, false),
	}))

	locked := NewRebuildLeaderboardsJob(RebuildDeps{
		Ledger: store.Ledger(), Boards: store.Leaderboards(), Locker: denyLocker{},
		Clock: shared.NewFixedClock(day0), Calendar: timeutil.UTC,
	}, DefaultRebuildLeaderboardsConfig())
	stats, err := locked.Rebuild(ctx, true, "manual")
	require.NoError(t, err)
	assert.Equal(t, []string{"manual"}, stats.Skipped)

	job := NewRebuildLeaderboardsJob(RebuildDeps{
		Ledger: store.Ledger(), Boards: store.Leaderboards(),
		Clock: shared.NewFixedClock(day0), Calendar: timeutil.UTC,
	}, DefaultRebuildLeaderboardsConfig())
	stats, err = job.Rebuild(ctx, true, "manual")
	require.NoError(t, err)
	assert.Equal(t, []string{"manual"}, stats.Rebuilt)

	_, err = job.Rebuild(ctx, true, "missing")
	assert.ErrorIs(t, err, shared.ErrLeaderboardNotFound)
}

func TestRebuildLeaderboards_InactiveBoardIsRejectedWhenNamed(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	def := board("off", leaderboard.FrequencyHourly, true)
	def.Settings.IsActive = false
	require.NoError(t, store.Leaderboards().UpsertDefinitions(ctx, []*leaderboard.Definition{def}))

	job := NewRebuildLeaderboardsJob(RebuildDeps{
		Ledger: store.Ledger(), Boards: store.Leaderboards(), Calendar: timeutil.UTC,
	}, DefaultRebuildLeaderboardsConfig())

	stats, err := job.Rebuild(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, stats.Considered)

	_, err = job.Rebuild(ctx, true, "off")
	assert.ErrorIs(t, err, shared.ErrLeaderboardInactive)
}

// ════ expire_goals ════

func newGoal(t *testing.T, user string, end time.Time) *goal.Goal {
	t.Helper()
	g, err := goal.New(goal.Params{
		UserID: user, Title: "ten lessons", Category: goal.CategoryLessonsCompleted,
		Target: 10, Start: end.AddDate(0, 0, -7), End: end,
	}, end.AddDate(0, 0, -7))
	require.NoError(t, err)
	return g
}

func TestExpireGoals_FailsOverdueGoalsOnly(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	overdue := newGoal(t, "u1", day0.AddDate(0, 0, -1))
	running := newGoal(t, "u1", day0.AddDate(0, 0, 3))
	other := newGoal(t, "u2", day0.Add(-time.Minute))
	for _, g := range []*goal.Goal{overdue, running, other} {
		require.NoError(t, store.Goals().Save(ctx, g))
	}

	job := NewExpireGoalsJob(store.Goals(), shared.NewFixedClock(day0), nil, 1)
	require.NoError(t, job.Run(ctx))

	got, err := store.Goals().Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.StatusFailed, got.Status)

	got, err = store.Goals().Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.StatusFailed, got.Status)

	got, err = store.Goals().Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.StatusActive, got.Status)

	require.NoError(t, job.Run(ctx))
}

type stubbornGoals struct {
	goal.Repository
}

func (stubbornGoals) Save(ctx context.Context, g *goal.Goal) error {
	return errors.New("disk full")
}

func TestExpireGoals_SaveFailureDoesNotLoop(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Goals().Save(ctx, newGoal(t, "u1", day0.AddDate(0, 0, -1))))
	require.NoError(t, store.Goals().Save(ctx, newGoal(t, "u2", day0.AddDate(0, 0, -1))))

	job := NewExpireGoalsJob(stubbornGoals{store.Goals()}, shared.NewFixedClock(day0), nil, 1)
	err := job.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// ════ purge_celebrations ════

func TestPurgeCelebrations(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	old := celebration.LevelUp("u1", 2, day0.Add(-celebration.DefaultTTL-time.Hour))
	fresh := celebration.LevelUp("u1", 3, day0)
	require.NoError(t, store.Celebrations().Create(ctx, old))
	require.NoError(t, store.Celebrations().Create(ctx, fresh))

	job := NewPurgeCelebrationsJob(store.Celebrations(), shared.NewFixedClock(day0), nil)
	require.NoError(t, job.Run(ctx))

	_, err := store.Celebrations().Get(ctx, old.ID)
	assert.ErrorIs(t, err, shared.ErrCelebrationNotFound)
	_, err = store.Celebrations().Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

// ════ redeliver_spool ════

type fakeSpool struct {
	entries []spool.Entry
	acked   []string
	buried  []string
}

func (f *fakeSpool) Pending(ctx context.Context, limit int) ([]spool.Entry, error) {
	return f.entries, nil
}

func (f *fakeSpool) Ack(ctx context.Context, key string) error {
	f.acked = append(f.acked, key)
	return nil
}

func (f *fakeSpool) Bury(ctx context.Context, key string, cause error) error {
	f.buried = append(f.buried, key)
	return nil
}

func TestRedeliverSpool_SortsOutcomes(t *testing.T) {
	fs := &fakeSpool{entries: []spool.Entry{
		{Key: "ok", Event: activity.Event{UserID: "ok"}},
		{Key: "flaky", Event: activity.Event{UserID: "flaky"}},
		{Key: "broken", Event: activity.Event{UserID: "broken"}},
	}}
	redeliver := func(ctx context.Context, evt activity.Event) error {
		switch evt.UserID {
		case "flaky":
			return shared.WrapError("test", "Redeliver", shared.ErrServiceUnavailable, "db down", nil)
		case "broken":
			return shared.ErrInvalidEvent
		}
		return nil
	}

	job := NewRedeliverSpoolJob(fs, redeliver, nil, 10)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"ok"}, fs.acked)
	assert.Equal(t, []string{"broken"}, fs.buried)
}

func TestRedeliverSpool_StopsWhenDispatcherClosed(t *testing.T) {
	fs := &fakeSpool{entries: []spool.Entry{{Key: "a"}, {Key: "b"}}}
	calls := 0
	redeliver := func(ctx context.Context, evt activity.Event) error {
		calls++
		return messaging.ErrDispatcherClosed
	}

	job := NewRedeliverSpoolJob(fs, redeliver, nil, 10)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 1, calls)
	assert.Empty(t, fs.acked)
	assert.Empty(t, fs.buried)
}
