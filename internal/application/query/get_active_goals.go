package query

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ACTIVE GOALS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GoalDTO is the read model of a study goal.
type GoalDTO struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Category   goal.Category    `json:"category"`
	Subject    string           `json:"subject,omitempty"`
	Target     goal.Target      `json:"target"`
	Current    goal.Current     `json:"current"`
	Milestones []goal.Milestone `json:"milestones"`
	Reward     int              `json:"reward"`
	Status     goal.Status      `json:"status"`
	StartsAt   time.Time        `json:"starts_at"`
	EndsAt     time.Time        `json:"ends_at"`
	// DaysLeft counts whole days until EndsAt, never negative.
	DaysLeft int `json:"days_left"`
	// NextMilestone is the lowest unachieved milestone percentage, 0 if none.
	NextMilestone float64 `json:"next_milestone,omitempty"`
}

// GetActiveGoalsHandler serves GetActiveGoals.
type GetActiveGoalsHandler struct {
	goals goal.Repository
	clock shared.Clock
}

// NewGetActiveGoalsHandler creates a new GetActiveGoalsHandler.
func NewGetActiveGoalsHandler(goals goal.Repository, clock shared.Clock) *GetActiveGoalsHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &GetActiveGoalsHandler{goals: goals, clock: clock}
}

// Handle returns the user's active goals ordered as the store lists them.
// Goals past their end that the expiry job has not failed yet are left out.
func (h *GetActiveGoalsHandler) Handle(ctx context.Context, userID string) ([]GoalDTO, error) {
	userID, err := shared.ValidateID("query", "user id", userID)
	if err != nil {
		return nil, err
	}

	goals, err := h.goals.ListByUser(ctx, userID, goal.StatusActive)
	if err != nil {
		return nil, shared.WrapError("query", "GetActiveGoals", shared.ErrServiceUnavailable, "failed to list goals", err)
	}

	now := h.clock.Now()
	out := make([]GoalDTO, 0, len(goals))
	for _, g := range goals {
		if !g.Timeframe.To.IsZero() && now.After(g.Timeframe.To) {
			continue
		}
		out = append(out, toGoalDTO(g, now))
	}
	return out, nil
}

func toGoalDTO(g *goal.Goal, now time.Time) GoalDTO {
	dto := GoalDTO{
		ID:         g.ID,
		Title:      g.Title,
		Category:   g.Category,
		Subject:    g.Subject,
		Target:     g.Target,
		Current:    g.Current,
		Milestones: g.Milestones,
		Reward:     g.Reward,
		Status:     g.Status,
		StartsAt:   g.Timeframe.From,
		EndsAt:     g.Timeframe.To,
	}
	if left := g.Timeframe.To.Sub(now); left > 0 {
		dto.DaysLeft = int(left.Hours() / 24)
	}
	for _, m := range g.Milestones {
		if !m.Achieved {
			dto.NextMilestone = m.Percentage
			break
		}
	}
	return dto
}
