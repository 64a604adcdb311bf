package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestType_IsKnown(t *testing.T) {
	for _, typ := range AllTypes {
		assert.True(t, typ.IsKnown(), typ)
	}
	assert.False(t, Type("juggling").IsKnown())
}

func TestEvent_NormalizeAndValidate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &Event{
		UserID:     "  u1 ",
		Type:       " Lesson_Completed ",
		Subject:    " Math ",
		OccurredAt: now,
	}
	e.Normalize()

	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, TypeLessonCompleted, e.Type)
	assert.Equal(t, "math", e.Subject)
	assert.NoError(t, e.Validate(now))
}

func TestEvent_ValidateRejects(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event Event
	}{
		{"missing user", Event{Type: TypeQuizTaken, OccurredAt: now}},
		{"missing type", Event{UserID: "u1", OccurredAt: now}},
		{"missing time", Event{UserID: "u1", Type: TypeQuizTaken}},
		{"future", Event{UserID: "u1", Type: TypeQuizTaken, OccurredAt: now.Add(time.Hour)}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate(now)
			assert.Error(t, err)
			assert.True(t, shared.IsValidation(err), err)
		})
	}
}

func TestPerformance_Score(t *testing.T) {
	var p Performance
	assert.False(t, p.HasScore())
	assert.Equal(t, 0.0, p.ScoreValue())

	p.Score = Score(87.5)
	assert.True(t, p.HasScore())
	assert.Equal(t, 87.5, p.ScoreValue())
}
