package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
)

var day0 = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	clock   *shared.FixedClock
	repos   Repositories
	handler *RecordActivityHandler
}

func newFixture(t *testing.T, defs ...*achievement.Definition) *fixture {
	t.Helper()
	store := memory.New()
	if len(defs) > 0 {
		require.NoError(t, store.Achievements().UpsertDefinitions(context.Background(), defs))
	}
	f := &fixture{
		store: store,
		clock: shared.NewFixedClock(day0),
		repos: Repositories{
			Ledger:       store.Ledger(),
			Profiles:     store.Profiles(),
			Achievements: store.Achievements(),
			Goals:        store.Goals(),
			Celebrations: store.Celebrations(),
		},
	}
	f.rebuild()
	return f
}

func (f *fixture) rebuild() {
	f.handler = NewRecordActivityHandler(f.repos, RecordActivityHandlerConfig{Clock: f.clock})
}

func firstLessonDef() *achievement.Definition {
	return &achievement.Definition{
		ID:       "first_lesson",
		Name:     "First Lesson",
		Category: achievement.CategoryLearning,
		Tier:     achievement.TierBronze,
		Criteria: achievement.Criteria{Action: achievement.ActionFor(activity.TypeLessonCompleted), Threshold: 1},
		Rewards:  achievement.Rewards{Badge: "first_steps"},
		Active:   true,
	}
}

func lessonAt(id string, at time.Time) activity.Event {
	return activity.Event{
		ID:         id,
		UserID:     "student-1",
		Type:       activity.TypeLessonCompleted,
		Subject:    "Math",
		Perf:       activity.Performance{Score: activity.Score(100), Attempts: 1, TimeSpent: 20 * time.Minute},
		OccurredAt: at,
	}
}

func pending(t *testing.T, f *fixture) []*celebration.Celebration {
	t.Helper()
	cs, err := f.store.Celebrations().ListPending(context.Background(), "student-1", f.clock.Now())
	require.NoError(t, err)
	return cs
}

func TestRecordActivity_FirstLessonEndToEnd(t *testing.T) {
	f := newFixture(t, firstLessonDef())
	ctx := context.Background()

	res, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.Equal(t, 10, res.Points.Base)
	assert.Equal(t, 6, res.Points.Bonus)
	assert.Equal(t, 16, res.Points.Total)
	assert.Equal(t, 1, res.Streak.Current)
	assert.Equal(t, []string{"first_lesson"}, res.CompletedAchievements)
	assert.Empty(t, res.Failures)

	require.NotNil(t, res.Record)
	assert.Equal(t, 0, res.Record.StreakAtWrite)
	assert.Equal(t, "math", res.Record.Subject)

	prof, err := f.store.Profiles().Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 16, prof.Points.Total)
	assert.Equal(t, 16, prof.Points.Available)
	assert.Equal(t, 1, prof.Streaks.Current)
	assert.Equal(t, 1, prof.Stats.LessonsCompleted)
	assert.Equal(t, 1, prof.Stats.AchievementsEarned)
	assert.Equal(t, []string{"first_steps"}, prof.Badges)
	assert.Equal(t, 20, prof.Level.XPCurrent)

	p, err := f.store.Achievements().GetProgress(ctx, "student-1", "first_lesson")
	require.NoError(t, err)
	assert.Equal(t, achievement.StatusCompleted, p.Status())

	def, err := f.store.Achievements().GetDefinition(ctx, "first_lesson")
	require.NoError(t, err)
	assert.Equal(t, int64(1), def.TotalEarned)

	cs := pending(t, f)
	require.Len(t, cs, 1)
	assert.Equal(t, celebration.TypeAchievementEarned, cs[0].Type)
	assert.Equal(t, day0.Add(celebration.DefaultTTL), cs[0].ExpiresAt)
}

func TestRecordActivity_RedeliveryIsSkipped(t *testing.T) {
	f := newFixture(t, firstLessonDef())
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)

	res, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Record)

	prof, err := f.store.Profiles().Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 16, prof.Points.Total)
	assert.Equal(t, 1, prof.Stats.TotalActivities)
	assert.Len(t, pending(t, f), 1)
}

func TestRecordActivity_CompletedAchievementIsNotReawarded(t *testing.T) {
	f := newFixture(t, firstLessonDef())
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	res, err := f.handler.Handle(ctx, lessonAt("evt-2", day0.Add(time.Hour)))
	require.NoError(t, err)

	assert.Empty(t, res.CompletedAchievements)
	assert.Empty(t, res.Celebrations)

	p, err := f.store.Achievements().GetProgress(ctx, "student-1", "first_lesson")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Current)
	assert.Equal(t, p.Target, p.Current)

	def, err := f.store.Achievements().GetDefinition(ctx, "first_lesson")
	require.NoError(t, err)
	assert.Equal(t, int64(1), def.TotalEarned)
	assert.Len(t, pending(t, f), 1)
}

func TestRecordActivity_PrerequisiteUnlocksInSameEvent(t *testing.T) {
	followUp := &achievement.Definition{
		ID:           "a_follow_up",
		Criteria:     achievement.Criteria{Action: achievement.ActionAnyActivity, Threshold: 1},
		Rewards:      achievement.Rewards{Points: 5},
		Prerequisite: "first_lesson",
		Active:       true,
	}
	// Sorts before its prerequisite by id; evaluation must still run
	// "first_lesson" first.
	f := newFixture(t, followUp, firstLessonDef())

	res, err := f.handler.Handle(context.Background(), lessonAt("evt-1", day0))
	require.NoError(t, err)

	assert.Equal(t, []string{"first_lesson", "a_follow_up"}, res.CompletedAchievements)
	assert.Equal(t, 21, res.Profile.Points.Total)
}

func TestRecordActivity_StreakAcrossDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []struct {
		offset     int
		wantStreak int
	}{
		{0, 1},
		{1, 2},
		{2, 3},
		{5, 1},
	}
	for i, step := range steps {
		at := day0.AddDate(0, 0, step.offset)
		f.clock.Set(at)
		res, err := f.handler.Handle(ctx, lessonAt("evt-"+string(rune('a'+i)), at))
		require.NoError(t, err)
		assert.Equal(t, step.wantStreak, res.Streak.Current, "day +%d", step.offset)
	}

	prof, err := f.store.Profiles().Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 3, prof.Streaks.Longest)

	var streakCelebrations int
	for _, c := range pending(t, f) {
		if c.Type == celebration.TypeStreakMilestone {
			streakCelebrations++
		}
	}
	assert.Equal(t, 1, streakCelebrations)
}

func TestRecordActivity_GoalMilestoneFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	goals := NewGoalHandler(f.store.Goals(), f.clock, nil)
	g, err := goals.Create(ctx, CreateGoalCommand{
		UserID:   "student-1",
		Title:    "Five lessons",
		Category: goal.CategoryLessonsCompleted,
		Target:   5,
		End:      day0.AddDate(0, 0, 7),
		Milestones: []MilestoneInput{
			{Percentage: 25, Reward: 1},
			{Percentage: 50, Reward: 2},
			{Percentage: 75, Reward: 3},
			{Percentage: 100, Reward: 4},
		},
		Reward: 10,
	})
	require.NoError(t, err)

	fired := map[float64]int{}
	for i := 0; i < 5; i++ {
		at := day0.Add(time.Duration(i) * time.Minute)
		f.clock.Set(at)
		res, err := f.handler.Handle(ctx, lessonAt("lesson-"+string(rune('a'+i)), at))
		require.NoError(t, err)
		for _, c := range res.Celebrations {
			if c.Type == celebration.TypeMilestoneReached {
				fired[c.Data["percentage"].(float64)]++
			}
		}
		if i == 2 {
			// 40% -> 60% crosses only the 50% milestone.
			stored, err := f.store.Goals().Get(ctx, g.ID)
			require.NoError(t, err)
			assert.InDelta(t, 60.0, stored.Current.Percentage, 0.001)
			assert.Equal(t, 1, fired[50])
		}
	}

	assert.Equal(t, map[float64]int{25: 1, 50: 1, 75: 1, 100: 1}, fired)

	stored, err := f.store.Goals().Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.StatusCompleted, stored.Status)

	prof, err := f.store.Profiles().Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 1, prof.Stats.GoalsCompleted)
	assert.Equal(t, 5*16+1+2+3+4+10, prof.Points.Total)
}

type panickingAchievements struct {
	achievement.Repository
	failFor string
}

func (p panickingAchievements) SaveProgress(ctx context.Context, pr *achievement.Progress) error {
	if pr.AchievementID == p.failFor {
		panic("storage exploded")
	}
	return p.Repository.SaveProgress(ctx, pr)
}

func TestRecordActivity_AchievementFailureIsIsolated(t *testing.T) {
	broken := &achievement.Definition{
		ID:       "broken",
		Criteria: achievement.Criteria{Action: achievement.ActionAnyActivity, Threshold: 1},
		Active:   true,
	}
	f := newFixture(t, broken, firstLessonDef())
	f.repos.Achievements = panickingAchievements{Repository: f.store.Achievements(), failFor: "broken"}
	f.rebuild()

	res, err := f.handler.Handle(context.Background(), lessonAt("evt-1", day0))
	require.NoError(t, err)

	assert.Len(t, res.Failures, 1)
	assert.Equal(t, []string{"first_lesson"}, res.CompletedAchievements)
	assert.Equal(t, 16, res.Profile.Points.Total)
	assert.Equal(t, 1, res.Streak.Current)
}

type conflictingProfiles struct {
	profile.Repository
	conflicts int
}

func (c *conflictingProfiles) Save(ctx context.Context, p *profile.Profile) error {
	if c.conflicts > 0 {
		c.conflicts--
		// Someone else wrote in between.
		if stored, err := c.Repository.Get(ctx, p.UserID); err == nil {
			stored.Stats.TotalActivities += 100
			if err := c.Repository.Save(ctx, stored); err != nil {
				return err
			}
		}
		return shared.ConflictError("profile", p.UserID, p.Version)
	}
	return c.Repository.Save(ctx, p)
}

func TestRecordActivity_ProfileConflictRetriesWithReread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)

	f.repos.Profiles = &conflictingProfiles{Repository: f.store.Profiles(), conflicts: 2}
	f.rebuild()
	f.clock.Advance(time.Minute)
	res, err := f.handler.Handle(ctx, lessonAt("evt-2", day0.Add(time.Minute)))
	require.NoError(t, err)

	// Both concurrent writes survive.
	assert.Equal(t, 1+200+1, res.Profile.Stats.TotalActivities)
	assert.Equal(t, 32, res.Profile.Points.Total)
}

func TestRecordActivity_ConflictExhaustionSurfaces(t *testing.T) {
	f := newFixture(t)
	f.repos.Profiles = &conflictingProfiles{Repository: f.store.Profiles(), conflicts: 100}
	f.rebuild()

	_, err := f.handler.Handle(context.Background(), lessonAt("evt-1", day0))
	require.Error(t, err)
	assert.True(t, shared.IsConflict(err))
}

func countType(cs []*celebration.Celebration, typ celebration.Type) int {
	n := 0
	for _, c := range cs {
		if c.Type == typ {
			n++
		}
	}
	return n
}

func TestRecordActivity_RedeliveryAfterConflictExhaustionResumes(t *testing.T) {
	f := newFixture(t, firstLessonDef())
	ctx := context.Background()

	f.repos.Profiles = &conflictingProfiles{Repository: f.store.Profiles(), conflicts: 100}
	f.rebuild()
	_, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.True(t, shared.IsConflict(err))

	f.repos.Profiles = f.store.Profiles()
	f.rebuild()
	res, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Record)
	assert.Equal(t, []string{"first_lesson"}, res.CompletedAchievements)

	prof, err := f.store.Profiles().Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 16, prof.Points.Total)
	assert.Equal(t, 1, prof.Streaks.Current)
	assert.Equal(t, 1, prof.Stats.TotalActivities)
	assert.Equal(t, 1, prof.Stats.AchievementsEarned)
	assert.Equal(t, []string{"first_steps"}, prof.Badges)

	cs := pending(t, f)
	assert.Len(t, cs, 1)
	assert.Equal(t, 1, countType(cs, celebration.TypeAchievementEarned))

	p, err := f.store.Achievements().GetProgress(ctx, "student-1", "first_lesson")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Current)
	def, err := f.store.Achievements().GetDefinition(ctx, "first_lesson")
	require.NoError(t, err)
	assert.Equal(t, int64(1), def.TotalEarned, "the counter is bumped once")

	again, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	prof, err = f.store.Profiles().Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 16, prof.Points.Total)
}

func TestRecordActivity_RedeliveryPaysGoalCompletedByFailedPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	goals := NewGoalHandler(f.store.Goals(), f.clock, nil)
	g, err := goals.Create(ctx, CreateGoalCommand{
		UserID:   "student-1",
		Title:    "One lesson",
		Category: goal.CategoryLessonsCompleted,
		Target:   1,
		End:      day0.AddDate(0, 0, 7),
		Reward:   10,
	})
	require.NoError(t, err)

	f.repos.Profiles = &conflictingProfiles{Repository: f.store.Profiles(), conflicts: 100}
	f.rebuild()
	_, err = f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.Error(t, err)

	f.repos.Profiles = f.store.Profiles()
	f.rebuild()
	res, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	assert.Equal(t, []string{g.ID}, res.CompletedGoals)

	stored, err := f.store.Goals().Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.StatusCompleted, stored.Status)
	assert.Equal(t, 1.0, stored.Current.Value)

	prof, err := f.store.Profiles().Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 16+10, prof.Points.Total)
	assert.Equal(t, 1, prof.Stats.GoalsCompleted)
	assert.Equal(t, 1, countType(pending(t, f), celebration.TypeGoalCompleted))
}

func TestRecordActivity_OneLevelUpCelebrationPerLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Experience carried over from an import: 210 + 20 crosses 100 and 120.
	seed := profile.New("student-1", day0)
	seed.Level.XPCurrent = 210
	seed.Level.XPTotal = 210
	require.NoError(t, f.store.Profiles().Save(ctx, seed))

	res, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	require.Len(t, res.LevelUps, 2)
	assert.Equal(t, 3, res.Profile.Level.Current)
	assert.Equal(t, 2, countType(res.Celebrations, celebration.TypeLevelUp))

	levels := map[int]bool{}
	for _, c := range pending(t, f) {
		if c.Type == celebration.TypeLevelUp {
			levels[c.Data["level"].(int)] = true
		}
	}
	assert.Equal(t, map[int]bool{2: true, 3: true}, levels)

	again, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Empty(t, again.Celebrations)
	assert.Equal(t, 2, countType(pending(t, f), celebration.TypeLevelUp))
}

func TestRecordActivity_UnknownTypeStillRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evt := lessonAt("evt-1", day0)
	evt.Type = "podcast_listened"
	res, err := f.handler.Handle(ctx, evt)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Points.Total)
	assert.Equal(t, 1, res.Streak.Current)

	var n int
	require.NoError(t, f.store.Ledger().Scan(ctx, progress.Filter{UserID: "student-1"}, func(*progress.Record) error {
		n++
		return nil
	}))
	assert.Equal(t, 1, n)
}

func TestRecordActivity_RejectsInvalidEvents(t *testing.T) {
	f := newFixture(t)

	missingUser := lessonAt("evt-1", day0)
	missingUser.UserID = " "
	_, err := f.handler.Handle(context.Background(), missingUser)
	assert.True(t, shared.IsValidation(err))

	future := lessonAt("evt-2", day0.Add(time.Hour))
	_, err = f.handler.Handle(context.Background(), future)
	assert.True(t, shared.IsValidation(err))

	badScore := lessonAt("evt-3", day0)
	badScore.Perf.Score = activity.Score(140)
	_, err = f.handler.Handle(context.Background(), badScore)
	assert.True(t, shared.IsValidation(err))
}
