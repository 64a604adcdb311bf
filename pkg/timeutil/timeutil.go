// Package timeutil provides calendar arithmetic in a configurable timezone.
// Streak days, goal windows and leaderboard timeframes are all computed
// through a Calendar so that "today" means the same thing everywhere.
package timeutil

import (
	"fmt"
	"time"
)

// FormatDate is the canonical date layout (YYYY-MM-DD).
const FormatDate = "2006-01-02"

// Calendar performs day/week/month boundary calculations in one location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a Calendar for loc. A nil loc means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// LoadCalendar resolves an IANA zone name ("UTC", "Asia/Almaty", ...).
func LoadCalendar(name string) (Calendar, error) {
	if name == "" {
		return NewCalendar(time.UTC), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Calendar{}, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return NewCalendar(loc), nil
}

// UTC is the default calendar.
var UTC = NewCalendar(time.UTC)

// Location returns the calendar's timezone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// In converts t into the calendar's timezone.
func (c Calendar) In(t time.Time) time.Time {
	return t.In(c.Location())
}

// StartOfDay returns local midnight of t's day.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	l := c.In(t)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.Location())
}

// StartOfWeek returns Monday 00:00 of t's week.
func (c Calendar) StartOfWeek(t time.Time) time.Time {
	l := c.In(t)
	weekday := int(l.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return c.StartOfDay(l.AddDate(0, 0, -(weekday - 1)))
}

// StartOfMonth returns the first day of t's month at 00:00.
func (c Calendar) StartOfMonth(t time.Time) time.Time {
	l := c.In(t)
	return time.Date(l.Year(), l.Month(), 1, 0, 0, 0, 0, c.Location())
}

// StartOfYear returns January 1st of t's year at 00:00.
func (c Calendar) StartOfYear(t time.Time) time.Time {
	l := c.In(t)
	return time.Date(l.Year(), time.January, 1, 0, 0, 0, 0, c.Location())
}

// DaysBetween returns the number of calendar days from a to b.
// It is negative when b is before a and ignores DST length changes.
func (c Calendar) DaysBetween(a, b time.Time) int {
	la, lb := c.In(a), c.In(b)
	da := time.Date(la.Year(), la.Month(), la.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(lb.Year(), lb.Month(), lb.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// IsSameDay reports whether a and b fall on the same calendar day.
func (c Calendar) IsSameDay(a, b time.Time) bool {
	return c.DaysBetween(a, b) == 0
}

// FormatDay formats t as YYYY-MM-DD in the calendar's timezone.
func (c Calendar) FormatDay(t time.Time) string {
	return c.In(t).Format(FormatDate)
}

// ParseDay parses YYYY-MM-DD as local midnight.
func (c Calendar) ParseDay(value string) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, c.Location())
}
