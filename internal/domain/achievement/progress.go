package achievement

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Status is derived from progress; it is never stored separately.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Progress is one user's state for one achievement.
// Current never decreases and a completed record never changes again.
// CompletedBy is the fingerprint of the event that completed it.
type Progress struct {
	UserID        string
	AchievementID string
	Current       int
	Target        int
	Percentage    float64
	Completed     bool
	CompletedAt   *time.Time
	CompletedBy   string
	Applied       shared.AppliedEvents
	Version       int64
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// NewProgress returns an untouched progress record for def.
func NewProgress(userID string, def *Definition) *Progress {
	return &Progress{
		UserID:        userID,
		AchievementID: def.ID,
		Target:        def.Criteria.Threshold,
	}
}

// Status reports the state machine position.
func (p *Progress) Status() Status {
	switch {
	case p.Completed:
		return StatusCompleted
	case p.Current > 0:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// advance moves Current forward and completes when the target is reached.
// It reports whether the record changed and whether it just completed.
func (p *Progress) advance(next int, now time.Time) (changed, completed bool) {
	if p.Completed || next <= p.Current {
		return false, false
	}
	if p.Current == 0 {
		p.StartedAt = now
	}
	p.Current = next
	p.Percentage = percentage(p.Current, p.Target)
	p.UpdatedAt = now
	if p.Current >= p.Target {
		p.Completed = true
		at := now
		p.CompletedAt = &at
		return true, true
	}
	return true, false
}

func percentage(current, target int) float64 {
	if target <= 0 {
		return 0
	}
	pct := float64(current) / float64(target) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Clone returns a copy safe to mutate.
func (p *Progress) Clone() *Progress {
	c := *p
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
