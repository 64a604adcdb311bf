package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func createLessonGoal(t *testing.T, h *GoalHandler) *goal.Goal {
	t.Helper()
	g, err := h.Create(context.Background(), CreateGoalCommand{
		UserID:   "student-1",
		Title:    "Ten lessons",
		Category: goal.CategoryLessonsCompleted,
		Target:   10,
		End:      day0.AddDate(0, 0, 7),
		Milestones: []MilestoneInput{
			{Percentage: 100, Reward: 50},
			{Percentage: 50, Reward: 10},
		},
	})
	require.NoError(t, err)
	return g
}

func TestGoalHandler_Create(t *testing.T) {
	f := newFixture(t)
	h := NewGoalHandler(f.store.Goals(), f.clock, nil)

	g := createLessonGoal(t, h)
	assert.Equal(t, goal.StatusActive, g.Status)
	assert.Equal(t, "lessons", g.Target.Unit)
	assert.Equal(t, day0, g.Timeframe.From, "zero start means now")
	require.Len(t, g.Milestones, 2)
	assert.Equal(t, 50.0, g.Milestones[0].Percentage)

	stored, err := f.store.Goals().Get(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestGoalHandler_CreateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	h := NewGoalHandler(f.store.Goals(), f.clock, nil)
	ctx := context.Background()

	_, err := h.Create(ctx, CreateGoalCommand{UserID: "student-1", Category: goal.CategoryStudyTime, Target: 0, End: day0.Add(time.Hour)})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Create(ctx, CreateGoalCommand{UserID: "student-1", Category: goal.CategoryStudyTime, Target: 60,
		End: day0.Add(time.Hour), Milestones: []MilestoneInput{{Percentage: 150}}})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Create(ctx, CreateGoalCommand{UserID: "student-1", Category: "sleeping", Target: 8, End: day0.Add(time.Hour)})
	assert.Error(t, err)

	_, err = h.Create(ctx, CreateGoalCommand{UserID: "student-1", Category: goal.CategoryStudyTime, Target: 60,
		Start: day0, End: day0.Add(-time.Hour)})
	assert.ErrorIs(t, err, shared.ErrInvalidTimeframe)
}

func TestGoalHandler_Lifecycle(t *testing.T) {
	f := newFixture(t)
	h := NewGoalHandler(f.store.Goals(), f.clock, nil)
	ctx := context.Background()
	g := createLessonGoal(t, h)

	paused, err := h.Pause(ctx, "student-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.StatusPaused, paused.Status)

	_, err = h.Pause(ctx, "student-1", g.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidGoalStatus)

	resumed, err := h.Resume(ctx, "student-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.StatusActive, resumed.Status)

	cancelled, err := h.Cancel(ctx, "student-1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.StatusCancelled, cancelled.Status)

	_, err = h.Resume(ctx, "student-1", g.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidGoalStatus)
}

func TestGoalHandler_ResumeAfterTimeframeEnded(t *testing.T) {
	f := newFixture(t)
	h := NewGoalHandler(f.store.Goals(), f.clock, nil)
	ctx := context.Background()
	g := createLessonGoal(t, h)

	_, err := h.Pause(ctx, "student-1", g.ID)
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	_, err = h.Resume(ctx, "student-1", g.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidGoalStatus)
}

func TestGoalHandler_OtherUsersGoalIsNotFound(t *testing.T) {
	f := newFixture(t)
	h := NewGoalHandler(f.store.Goals(), f.clock, nil)
	g := createLessonGoal(t, h)

	_, err := h.Cancel(context.Background(), "student-2", g.ID)
	assert.True(t, shared.IsNotFound(err))
}

func TestCompensate_DebitsAvailableOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	earned := res.Points.Total

	h := NewCompensateHandler(f.store.Ledger(), f.store.Profiles(), f.clock, nil)
	comp, err := h.Handle(ctx, res.Record.ID, "duplicate submission upstream")
	require.NoError(t, err)
	assert.Equal(t, progress.KindCompensation, comp.Kind)
	assert.Equal(t, -earned, comp.Points.Total)
	assert.Equal(t, res.Record.ID, comp.CompensatesID)

	prof, err := f.store.Profiles().Get(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, 0, prof.Points.Available)
	assert.Equal(t, earned, prof.Points.Total, "lifetime totals stay as earned")

	_, err = h.Handle(ctx, res.Record.ID, "again")
	assert.ErrorIs(t, err, shared.ErrDuplicateEvent)

	_, err = h.Handle(ctx, comp.ID, "compensating a compensation")
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, "missing", "nothing to correct")
	assert.True(t, shared.IsNotFound(err))
}

func TestMarkShown(t *testing.T) {
	f := newFixture(t, firstLessonDef())
	ctx := context.Background()

	_, err := f.handler.Handle(ctx, lessonAt("evt-1", day0))
	require.NoError(t, err)
	cs := pending(t, f)
	require.Len(t, cs, 1)

	h := NewMarkShownHandler(f.store.Celebrations(), f.clock)

	err = h.Handle(ctx, "student-2", cs[0].ID)
	assert.ErrorIs(t, err, shared.ErrCelebrationNotFound)

	require.NoError(t, h.Handle(ctx, "student-1", cs[0].ID))
	require.NoError(t, h.Handle(ctx, "student-1", cs[0].ID), "marking twice is a no-op")
	assert.Empty(t, pending(t, f))

	shown, err := f.store.Celebrations().Get(ctx, cs[0].ID)
	require.NoError(t, err)
	assert.True(t, shown.IsShown)
	assert.Equal(t, celebration.TypeAchievementEarned, shown.Type)
}
