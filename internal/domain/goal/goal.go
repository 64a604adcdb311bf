// Package goal contains user study goals, their milestones and the
// status state machine.
package goal

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Category selects how activities contribute to a goal.
type Category string

const (
	CategoryStudyTime         Category = "study_time"
	CategoryLessonsCompleted  Category = "lessons_completed"
	CategoryQuizScore         Category = "quiz_score"
	CategoryStreakMaintenance Category = "streak_maintenance"
)

// DefaultUnit returns the unit a category measures in.
func (c Category) DefaultUnit() string {
	switch c {
	case CategoryStudyTime:
		return "minutes"
	case CategoryLessonsCompleted:
		return "lessons"
	case CategoryQuizScore:
		return "percent"
	case CategoryStreakMaintenance:
		return "days"
	default:
		return ""
	}
}

// IsKnown reports whether c is a supported category.
func (c Category) IsKnown() bool {
	return c.DefaultUnit() != ""
}

// Status is the goal lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Target is what the user is aiming for.
type Target struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Current is the measured progress.
type Current struct {
	Value      float64 `json:"value"`
	Percentage float64 `json:"percentage"`
	// Samples counts contributing events; used for running averages.
	Samples int `json:"samples"`
}

// Milestone is a partial-progress checkpoint.
type Milestone struct {
	Percentage float64    `json:"percentage"`
	Reward     int        `json:"reward"`
	Achieved   bool       `json:"achieved"`
	AchievedAt *time.Time `json:"achieved_at,omitempty"`
	AchievedBy string     `json:"achieved_by,omitempty"`
}

// Goal is a user-defined objective over a time window. The window is
// closed: an event stamped exactly at the end still counts.
// CompletedBy is the fingerprint of the event that completed the goal.
type Goal struct {
	ID          string
	UserID      string
	Title       string
	Category    Category
	Subject     string
	Target      Target
	Current     Current
	Timeframe   shared.TimeRange
	Milestones  []Milestone
	Reward      int
	Status      Status
	CompletedAt *time.Time
	CompletedBy string
	Applied     shared.AppliedEvents
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Params are the inputs for New.
type Params struct {
	UserID     string
	Title      string
	Category   Category
	Subject    string
	Target     float64
	Unit       string
	Start      time.Time
	End        time.Time
	Milestones []Milestone
	Reward     int
}

// New validates p and creates an active goal. Milestones are sorted by
// percentage and must be unique and in (0, 100].
func New(p Params, now time.Time) (*Goal, error) {
	userID, err := shared.ValidateID("goal", "user id", p.UserID)
	if err != nil {
		return nil, err
	}
	if !p.Category.IsKnown() {
		return nil, shared.WrapError("goal", "New", shared.ErrInvalidInput,
			fmt.Sprintf("category %q", p.Category), shared.ErrUnknownGoalCategory)
	}
	if p.Target <= 0 {
		return nil, shared.ErrInvalidGoalTarget
	}
	if p.End.IsZero() || !p.End.After(p.Start) {
		return nil, shared.ErrInvalidTimeframe
	}
	if p.Reward < 0 {
		return nil, shared.NewDomainError("goal", "New", shared.ErrNegativeValue, "reward cannot be negative")
	}

	milestones := slices.Clone(p.Milestones)
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].Percentage < milestones[j].Percentage })
	for i, m := range milestones {
		if m.Percentage <= 0 || m.Percentage > 100 || m.Reward < 0 {
			return nil, shared.ErrInvalidMilestone
		}
		if i > 0 && milestones[i-1].Percentage == m.Percentage {
			return nil, shared.WrapError("goal", "New", shared.ErrValueOutOfRange,
				fmt.Sprintf("duplicate milestone %.0f%%", m.Percentage), shared.ErrInvalidMilestone)
		}
		milestones[i].Achieved = false
		milestones[i].AchievedAt = nil
	}

	unit := p.Unit
	if unit == "" {
		unit = p.Category.DefaultUnit()
	}
	start := p.Start
	if start.IsZero() {
		start = now
	}

	return &Goal{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      p.Title,
		Category:   p.Category,
		Subject:    p.Subject,
		Target:     Target{Value: p.Target, Unit: unit},
		Timeframe:  shared.TimeRange{From: start, To: p.End},
		Milestones: milestones,
		Reward:     p.Reward,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Clone returns a deep copy.
func (g *Goal) Clone() *Goal {
	c := *g
	c.Milestones = make([]Milestone, len(g.Milestones))
	for i, m := range g.Milestones {
		c.Milestones[i] = m
		if m.AchievedAt != nil {
			at := *m.AchievedAt
			c.Milestones[i].AchievedAt = &at
		}
	}
	if g.CompletedAt != nil {
		at := *g.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Repository persists goals with optimistic concurrency.
type Repository interface {
	Get(ctx context.Context, id string) (*Goal, error)
	// ListByUser returns goals for a user, filtered by status when given.
	ListByUser(ctx context.Context, userID string, statuses ...Status) ([]*Goal, error)
	// ListActiveEndingBefore returns active goals whose timeframe ended before t.
	ListActiveEndingBefore(ctx context.Context, t time.Time, limit int) ([]*Goal, error)
	// Save inserts when Version is 0, otherwise compare-and-swaps on Version.
	Save(ctx context.Context, g *Goal) error
}

func contributes(c Category, evt *activity.Event) bool {
	switch c {
	case CategoryStudyTime:
		return evt.Perf.TimeSpent > 0
	case CategoryLessonsCompleted:
		return evt.IsLesson()
	case CategoryQuizScore:
		return evt.IsQuiz() && evt.Perf.HasScore()
	case CategoryStreakMaintenance:
		return true
	default:
		return false
	}
}
