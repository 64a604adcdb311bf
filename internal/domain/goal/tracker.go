package goal

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Update reports what Apply or Expire changed.
type Update struct {
	Changed    bool
	Milestones []Milestone
	Completed  bool
	Failed     bool
	// Replayed is set when the goal already absorbed the event; the
	// milestones and completion are the ones that event earned.
	Replayed bool
}

// RewardPoints is the total reward earned by this update.
func (u Update) RewardPoints(g *Goal) int {
	total := 0
	for _, m := range u.Milestones {
		total += m.Reward
	}
	if u.Completed {
		total += g.Reward
	}
	return total
}

// Apply feeds one event into the goal. streak is the user's streak after
// the event. Terminal and paused goals never change. An event outside the
// timeframe only matters if the goal has expired, in which case it fails.
func (g *Goal) Apply(evt *activity.Event, streak int, now time.Time) Update {
	if g.Status != StatusActive {
		return Update{}
	}
	if !g.Timeframe.Covers(evt.OccurredAt) {
		return g.Expire(now)
	}
	if g.Subject != "" && g.Subject != evt.Subject {
		return g.Expire(now)
	}
	if !contributes(g.Category, evt) {
		return g.Expire(now)
	}

	before := g.Current
	switch g.Category {
	case CategoryStudyTime:
		g.Current.Value += evt.Perf.TimeSpent.Minutes()
		g.Current.Samples++
	case CategoryLessonsCompleted:
		g.Current.Value++
		g.Current.Samples++
	case CategoryQuizScore:
		g.Current.Samples++
		g.Current.Value += (evt.Perf.ScoreValue() - g.Current.Value) / float64(g.Current.Samples)
	case CategoryStreakMaintenance:
		if float64(streak) > g.Current.Value {
			g.Current.Value = float64(streak)
			g.Current.Samples++
		}
	}
	g.Current.Percentage = min(g.Current.Value/g.Target.Value*100, 100)

	if g.Current == before {
		return g.Expire(now)
	}

	u := Update{Changed: true}
	g.UpdatedAt = now
	for i := range g.Milestones {
		m := &g.Milestones[i]
		if !m.Achieved && g.Current.Percentage >= m.Percentage {
			at := now
			m.Achieved = true
			m.AchievedAt = &at
			u.Milestones = append(u.Milestones, *m)
		}
	}
	if g.Current.Percentage >= 100 {
		at := now
		g.Status = StatusCompleted
		g.CompletedAt = &at
		u.Completed = true
		return u
	}
	if exp := g.Expire(now); exp.Failed {
		u.Failed = true
	}
	return u
}

// Absorb is Apply guarded by the event fingerprint. An event the goal
// already absorbed changes nothing and reports what it earned then.
func (g *Goal) Absorb(fingerprint string, evt *activity.Event, streak int, now time.Time) Update {
	if g.Applied.Contains(fingerprint) {
		u := Update{Replayed: true}
		for _, m := range g.Milestones {
			if m.Achieved && m.AchievedBy == fingerprint {
				u.Milestones = append(u.Milestones, m)
			}
		}
		u.Completed = g.Status == StatusCompleted && g.CompletedBy == fingerprint
		return u
	}

	u := g.Apply(evt, streak, now)
	if !u.Changed {
		return u
	}
	g.Applied = g.Applied.Add(fingerprint)
	for i := range u.Milestones {
		u.Milestones[i].AchievedBy = fingerprint
		for j := range g.Milestones {
			if g.Milestones[j].Percentage == u.Milestones[i].Percentage {
				g.Milestones[j].AchievedBy = fingerprint
			}
		}
	}
	if u.Completed {
		g.CompletedBy = fingerprint
	}
	return u
}

// Expire fails an active goal once now is past the end of its timeframe
// short of 100 percent.
func (g *Goal) Expire(now time.Time) Update {
	if g.Status != StatusActive || g.Timeframe.To.IsZero() || !now.After(g.Timeframe.To) {
		return Update{}
	}
	if g.Current.Percentage >= 100 {
		return Update{}
	}
	g.Status = StatusFailed
	g.UpdatedAt = now
	return Update{Changed: true, Failed: true}
}

// Pause suspends an active goal.
func (g *Goal) Pause(now time.Time) error {
	return g.transition(StatusActive, StatusPaused, now)
}

// Resume reactivates a paused goal whose timeframe has not ended.
func (g *Goal) Resume(now time.Time) error {
	if g.Status == StatusPaused && !g.Timeframe.To.IsZero() && now.After(g.Timeframe.To) {
		return shared.WrapError("goal", "Resume", shared.ErrStateTransition, "timeframe already ended", shared.ErrInvalidGoalStatus)
	}
	return g.transition(StatusPaused, StatusActive, now)
}

// Cancel abandons an active or paused goal.
func (g *Goal) Cancel(now time.Time) error {
	if g.Status == StatusPaused {
		return g.transition(StatusPaused, StatusCancelled, now)
	}
	return g.transition(StatusActive, StatusCancelled, now)
}

func (g *Goal) transition(from, to Status, now time.Time) error {
	if g.Status != from {
		return shared.WrapError("goal", "Transition", shared.ErrStateTransition,
			string(g.Status)+" -> "+string(to), shared.ErrInvalidGoalStatus)
	}
	g.Status = to
	g.UpdatedAt = now
	return nil
}
