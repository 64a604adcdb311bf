package achievement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func lessonDef(id string, threshold int) *Definition {
	return &Definition{
		ID:       id,
		Category: CategoryLearning,
		Tier:     TierBronze,
		Criteria: Criteria{Action: ActionFor(activity.TypeLessonCompleted), Threshold: threshold},
		Rewards:  Rewards{Points: 50, Badge: id},
		Active:   true,
	}
}

func lesson(user string) Signal {
	return Signal{Event: &activity.Event{UserID: user, Type: activity.TypeLessonCompleted, Subject: "math", OccurredAt: now}}
}

func noneCompleted(string) bool { return false }

func TestEvaluate_CompletesOnThreshold(t *testing.T) {
	def := lessonDef("first_lesson", 1)

	out := Evaluate(def, nil, lesson("u1"), noneCompleted, now)

	assert.True(t, out.Changed)
	assert.True(t, out.JustCompleted)
	assert.Equal(t, StatusCompleted, out.Progress.Status())
	assert.Equal(t, 100.0, out.Progress.Percentage)
	require.NotNil(t, out.Progress.CompletedAt)
	assert.Equal(t, now, *out.Progress.CompletedAt)
}

func TestEvaluate_CompletedIsTerminal(t *testing.T) {
	def := lessonDef("first_lesson", 1)
	first := Evaluate(def, nil, lesson("u1"), noneCompleted, now)

	replay := Evaluate(def, first.Progress, lesson("u1"), noneCompleted, now.Add(time.Hour))

	assert.False(t, replay.Changed)
	assert.False(t, replay.JustCompleted)
	assert.Equal(t, SkipCompleted, replay.Skipped)
	assert.Equal(t, 1, replay.Progress.Current)
	assert.Equal(t, now, *replay.Progress.CompletedAt)
}

func TestEvaluate_CountsTowardTarget(t *testing.T) {
	def := lessonDef("ten_lessons", 10)
	var p *Progress
	for i := 0; i < 4; i++ {
		out := Evaluate(def, p, lesson("u1"), noneCompleted, now)
		require.True(t, out.Changed)
		p = out.Progress
	}

	assert.Equal(t, 4, p.Current)
	assert.Equal(t, 40.0, p.Percentage)
	assert.Equal(t, StatusInProgress, p.Status())
	assert.False(t, p.Completed)
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	def := lessonDef("ten_lessons", 10)
	p := &Progress{UserID: "u1", AchievementID: def.ID, Current: 2, Target: 10, Version: 3}

	out := Evaluate(def, p, lesson("u1"), noneCompleted, now)

	assert.Equal(t, 2, p.Current)
	assert.Equal(t, 3, out.Progress.Current)
	assert.Equal(t, int64(3), out.Progress.Version)
}

func TestEvaluate_Skips(t *testing.T) {
	inactive := lessonDef("inactive", 1)
	inactive.Active = false

	gated := lessonDef("gated", 1)
	gated.Prerequisite = "first_lesson"

	physics := lessonDef("physics", 1)
	physics.Criteria.Subject = "physics"

	expired := lessonDef("expired", 1)
	expired.Criteria.Window = shared.TimeRange{From: now.AddDate(0, -1, 0), To: now.AddDate(0, 0, -1)}

	quiz := lessonDef("quiz", 1)
	quiz.Criteria.Action = ActionFor(activity.TypeQuizTaken)

	tests := []struct {
		def  *Definition
		want SkipReason
	}{
		{inactive, SkipInactive},
		{gated, SkipPrerequisite},
		{physics, SkipFilter},
		{expired, SkipFilter},
		{quiz, SkipNotQualifying},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.def.ID, func(t *testing.T) {
			out := Evaluate(tt.def, nil, lesson("u1"), noneCompleted, now)
			assert.False(t, out.Changed)
			assert.Equal(t, tt.want, out.Skipped)
		})
	}
}

func TestEvaluate_PrerequisiteSatisfied(t *testing.T) {
	gated := lessonDef("gated", 1)
	gated.Prerequisite = "first_lesson"

	out := Evaluate(gated, nil, lesson("u1"), func(id string) bool { return id == "first_lesson" }, now)

	assert.True(t, out.JustCompleted)
}

func TestEvaluate_StudyStreakTracksMaximum(t *testing.T) {
	def := &Definition{
		ID:       "week_streak",
		Criteria: Criteria{Action: ActionStudyStreak, Threshold: 7},
		Active:   true,
	}
	sig := lesson("u1")

	sig.Streak = 3
	out := Evaluate(def, nil, sig, noneCompleted, now)
	assert.Equal(t, 3, out.Progress.Current)

	// A broken streak does not lower progress.
	sig.Streak = 1
	again := Evaluate(def, out.Progress, sig, noneCompleted, now)
	assert.False(t, again.Changed)
	assert.Equal(t, 3, again.Progress.Current)

	sig.Streak = 7
	done := Evaluate(def, again.Progress, sig, noneCompleted, now)
	assert.True(t, done.JustCompleted)
}

func TestEvaluate_AnyActivity(t *testing.T) {
	def := &Definition{ID: "busy", Criteria: Criteria{Action: ActionAnyActivity, Threshold: 2}, Active: true}
	sig := Signal{Event: &activity.Event{UserID: "u1", Type: activity.TypeHelpGiven, OccurredAt: now}}

	out := Evaluate(def, nil, sig, noneCompleted, now)
	out = Evaluate(def, out.Progress, sig, noneCompleted, now)

	assert.True(t, out.JustCompleted)
}

func TestEvaluate_ReplayOfAppliedEvent(t *testing.T) {
	def := lessonDef("two_lessons", 2)
	sig := lesson("u1")
	sig.Fingerprint = "fp-1"

	first := Evaluate(def, nil, sig, noneCompleted, now)
	require.True(t, first.Changed)
	assert.True(t, first.Progress.Applied.Contains("fp-1"))

	again := Evaluate(def, first.Progress, sig, noneCompleted, now)
	assert.False(t, again.Changed)
	assert.True(t, again.Replayed)
	assert.False(t, again.JustCompleted)
	assert.Equal(t, SkipReplayed, again.Skipped)
	assert.Equal(t, 1, again.Progress.Current, "a replay never counts twice")

	sig.Fingerprint = "fp-2"
	done := Evaluate(def, again.Progress, sig, noneCompleted, now)
	require.True(t, done.JustCompleted)
	assert.Equal(t, "fp-2", done.Progress.CompletedBy)

	// The completing event replayed still reports its completion so the
	// reward can be granted.
	replay := Evaluate(def, done.Progress, sig, noneCompleted, now.Add(time.Hour))
	assert.True(t, replay.Replayed)
	assert.True(t, replay.JustCompleted)
	assert.False(t, replay.Changed)
}
