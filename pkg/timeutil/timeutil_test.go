package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendar_DaysBetween(t *testing.T) {
	cal := UTC
	d := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, 0, cal.DaysBetween(d, d.Add(20*time.Minute).Add(-time.Hour)))
	assert.Equal(t, 1, cal.DaysBetween(d, d.Add(time.Hour)))
	assert.Equal(t, 3, cal.DaysBetween(d, d.AddDate(0, 0, 3)))
	assert.Equal(t, -2, cal.DaysBetween(d, d.AddDate(0, 0, -2)))
}

func TestCalendar_TimezoneChangesDayBoundary(t *testing.T) {
	almaty := NewCalendar(time.FixedZone("Asia/Almaty", 5*60*60))
	// 20:00 UTC is already the next day in UTC+5.
	a := time.Date(2024, 3, 10, 18, 0, 0, 0, time.UTC)
	b := time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)

	assert.True(t, UTC.IsSameDay(a, b))
	assert.False(t, almaty.IsSameDay(a, b))
	assert.Equal(t, "2024-03-11", almaty.FormatDay(b))
}

func TestCalendar_Boundaries(t *testing.T) {
	cal := UTC
	// Thursday
	ts := time.Date(2024, 5, 16, 14, 5, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC), cal.StartOfDay(ts))
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), cal.StartOfWeek(ts))
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), cal.StartOfMonth(ts))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), cal.StartOfYear(ts))

	sunday := time.Date(2024, 5, 19, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), cal.StartOfWeek(sunday))
}

func TestLoadCalendar(t *testing.T) {
	cal, err := LoadCalendar("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cal.Location())

	_, err = LoadCalendar("Not/AZone")
	assert.Error(t, err)
}
