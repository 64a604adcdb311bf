package achievement

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
)

// Signal is everything a rule may look at for one processed event.
type Signal struct {
	Event *activity.Event
	// Streak is the user's current streak after this event was applied.
	Streak int
	// Fingerprint identifies the event; see progress.Fingerprint.
	Fingerprint string
}

// rule computes the next Current value, or ok=false when the event does
// not qualify for the action.
type rule func(s Signal, current int) (next int, ok bool)

func countType(t activity.Type) rule {
	return func(s Signal, current int) (int, bool) {
		if s.Event.Type != t {
			return current, false
		}
		return current + 1, true
	}
}

// rules is the dispatch table keyed by action.
var rules = map[Action]rule{
	ActionAnyActivity: func(s Signal, current int) (int, bool) {
		return current + 1, true
	},
	ActionStudyStreak: func(s Signal, current int) (int, bool) {
		return max(current, s.Streak), s.Streak > current
	},
}

func init() {
	for _, t := range activity.AllTypes {
		rules[ActionFor(t)] = countType(t)
	}
}

// SkipReason explains why an evaluation did nothing.
type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipInactive      SkipReason = "inactive"
	SkipCompleted     SkipReason = "already_completed"
	SkipPrerequisite  SkipReason = "prerequisite_incomplete"
	SkipFilter        SkipReason = "filter_mismatch"
	SkipNotQualifying SkipReason = "not_qualifying"
	SkipUnknownAction SkipReason = "unknown_action"
	SkipReplayed      SkipReason = "already_applied"
)

// Outcome is the result of evaluating one definition for one event.
type Outcome struct {
	Progress      *Progress
	Changed       bool
	JustCompleted bool
	// Replayed is set when the progress already absorbed this event.
	// JustCompleted then reports whether that earlier pass completed it.
	Replayed bool
	Skipped  SkipReason
}

// Evaluate advances progress for def against sig. progress may be nil for
// a user who never touched the achievement. completed reports whether an
// achievement id is already completed for this user and is consulted for
// the prerequisite. The returned Outcome.Progress is a fresh copy.
func Evaluate(def *Definition, progress *Progress, sig Signal, completed func(id string) bool, now time.Time) Outcome {
	var p *Progress
	if progress == nil {
		p = NewProgress(sig.Event.UserID, def)
	} else {
		p = progress.Clone()
	}
	out := Outcome{Progress: p}

	if p.Applied.Contains(sig.Fingerprint) {
		out.Replayed = true
		out.JustCompleted = p.Completed && p.CompletedBy == sig.Fingerprint
		out.Skipped = SkipReplayed
		return out
	}

	switch {
	case !def.Active:
		out.Skipped = SkipInactive
		return out
	case p.Completed:
		out.Skipped = SkipCompleted
		return out
	case def.Prerequisite != "" && (completed == nil || !completed(def.Prerequisite)):
		out.Skipped = SkipPrerequisite
		return out
	case !matchesFilters(def.Criteria, sig.Event):
		out.Skipped = SkipFilter
		return out
	}

	r, ok := rules[def.Criteria.Action]
	if !ok {
		out.Skipped = SkipUnknownAction
		return out
	}
	next, ok := r(sig, p.Current)
	if !ok {
		out.Skipped = SkipNotQualifying
		return out
	}

	// Target follows the definition in case it was edited before completion.
	p.Target = def.Criteria.Threshold
	out.Changed, out.JustCompleted = p.advance(next, now)
	if !out.Changed {
		out.Skipped = SkipNotQualifying
		return out
	}
	p.Applied = p.Applied.Add(sig.Fingerprint)
	if out.JustCompleted {
		p.CompletedBy = sig.Fingerprint
	}
	return out
}

func matchesFilters(c Criteria, evt *activity.Event) bool {
	if c.Subject != "" && c.Subject != evt.Subject {
		return false
	}
	if c.Grade != "" && c.Grade != evt.Grade {
		return false
	}
	return c.Window.Contains(evt.OccurredAt)
}
