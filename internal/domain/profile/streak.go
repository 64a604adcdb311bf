package profile

import (
	"time"

	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Streaks tracks consecutive active days.
type Streaks struct {
	Current          int       `json:"current"`
	Longest          int       `json:"longest"`
	LastActivityDate time.Time `json:"last_activity_date"`
}

// StreakChange describes what Record did.
type StreakChange struct {
	Previous int
	Current  int
	// Changed is false for a second activity on the same day.
	Changed bool
	// Broken is true when a gap reset a running streak.
	Broken bool
}

// Record applies an activity on day (interpreted in cal's timezone).
// Same day: no change. Next day: extend. Any gap: restart at 1.
// Activities dated before the last active day are ignored so late
// deliveries cannot rewind the streak.
func (s *Streaks) Record(day time.Time, cal timeutil.Calendar) StreakChange {
	change := StreakChange{Previous: s.Current, Current: s.Current}
	date := cal.StartOfDay(day)

	if s.LastActivityDate.IsZero() {
		s.Current = 1
		s.Longest = max(s.Longest, 1)
		s.LastActivityDate = date
		change.Current, change.Changed = 1, true
		return change
	}

	switch diff := cal.DaysBetween(s.LastActivityDate, date); {
	case diff <= 0:
		return change
	case diff == 1:
		s.Current++
	default:
		change.Broken = s.Current > 0
		s.Current = 1
	}
	if s.Current > s.Longest {
		s.Longest = s.Current
	}
	s.LastActivityDate = date
	change.Current, change.Changed = s.Current, true
	return change
}

// IsAtRisk reports whether the streak breaks unless the user is active on now's day.
func (s *Streaks) IsAtRisk(now time.Time, cal timeutil.Calendar) bool {
	if s.Current == 0 || s.LastActivityDate.IsZero() {
		return false
	}
	return cal.DaysBetween(s.LastActivityDate, now) == 1
}

// StreakMilestones are the streak lengths that earn a celebration.
var StreakMilestones = []int{3, 7, 14, 30, 60, 100, 365}

// CrossedMilestone returns the milestone reached by change, if any.
func (c StreakChange) CrossedMilestone() (int, bool) {
	if !c.Changed {
		return 0, false
	}
	for _, m := range StreakMilestones {
		if c.Current == m {
			return m, true
		}
	}
	return 0, false
}
