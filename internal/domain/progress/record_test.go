package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/points"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func sampleEvent() *activity.Event {
	return &activity.Event{
		UserID:     "u1",
		Type:       activity.TypeLessonCompleted,
		Subject:    "math",
		OccurredAt: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestFingerprint(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.OccurredAt = b.OccurredAt.Add(time.Second)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	// Upstream ids override content.
	a.ID, b.ID = "evt-1", "evt-1"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := sampleEvent()
	c.UserID = "u2"
	c.ID = "evt-1"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestNewRecord(t *testing.T) {
	evt := sampleEvent()
	bd := points.Breakdown{Base: 10, Bonus: 6, Total: 16}
	now := evt.OccurredAt.Add(time.Minute)

	r := NewRecord(evt, bd, 4, now)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, KindActivity, r.Kind)
	assert.Equal(t, 4, r.StreakAtWrite)
	assert.Equal(t, bd, r.Points)
	assert.Equal(t, Fingerprint(evt), r.Fingerprint)
	assert.Equal(t, now, r.RecordedAt)
}

func TestNewCompensation(t *testing.T) {
	evt := sampleEvent()
	orig := NewRecord(evt, points.Breakdown{Base: 10, Bonus: 5, Total: 15}, 0, evt.OccurredAt)

	comp, err := NewCompensation(orig, "duplicate upstream", evt.OccurredAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, KindCompensation, comp.Kind)
	assert.Equal(t, -15, comp.Points.Total)
	assert.Equal(t, orig.ID, comp.CompensatesID)
	assert.NotEqual(t, orig.Fingerprint, comp.Fingerprint)

	again, err := NewCompensation(orig, "retry", evt.OccurredAt)
	require.NoError(t, err)
	assert.Equal(t, comp.Fingerprint, again.Fingerprint)

	_, err = NewCompensation(comp, "nested", evt.OccurredAt)
	assert.True(t, shared.IsValidation(err))
}

func TestFilter_Matches(t *testing.T) {
	evt := sampleEvent()
	r := NewRecord(evt, points.Breakdown{}, 0, evt.OccurredAt)

	assert.True(t, Filter{}.Matches(r))
	assert.True(t, Filter{UserID: "u1", Subject: "math"}.Matches(r))
	assert.False(t, Filter{Subject: "physics"}.Matches(r))
	assert.False(t, Filter{Kinds: []Kind{KindCompensation}}.Matches(r))

	window := shared.TimeRange{From: evt.OccurredAt.Add(time.Hour)}
	assert.False(t, Filter{Window: window}.Matches(r))
}
