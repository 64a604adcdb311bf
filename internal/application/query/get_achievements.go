package query

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ACHIEVEMENTS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetAchievementsQuery selects a user's achievements.
type GetAchievementsQuery struct {
	UserID string
	// Status filters by state; empty returns every achievement.
	Status achievement.Status
}

// Validate normalizes and checks the query.
func (q *GetAchievementsQuery) Validate() error {
	id, err := shared.ValidateID("query", "user id", q.UserID)
	if err != nil {
		return err
	}
	q.UserID = id
	switch q.Status {
	case "", achievement.StatusNotStarted, achievement.StatusInProgress, achievement.StatusCompleted:
		return nil
	default:
		return shared.NewDomainError("query", "GetAchievements", shared.ErrInvalidInput,
			fmt.Sprintf("unknown status %q", q.Status))
	}
}

// AchievementDTO joins a definition with the user's progress on it.
type AchievementDTO struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Icon        string               `json:"icon"`
	Category    achievement.Category `json:"category"`
	Tier        achievement.Tier     `json:"tier"`
	Rewards     achievement.Rewards  `json:"rewards"`

	Status      achievement.Status `json:"status"`
	Current     int                `json:"current"`
	Target      int                `json:"target"`
	Percentage  float64            `json:"percentage"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`

	// Locked is true while the prerequisite is not completed.
	Locked       bool   `json:"locked"`
	Prerequisite string `json:"prerequisite,omitempty"`

	// TotalEarned is how many users completed it.
	TotalEarned int64 `json:"total_earned"`
}

// GetAchievementsHandler serves GetAchievements.
type GetAchievementsHandler struct {
	achievements achievement.Repository
}

// NewGetAchievementsHandler creates a new GetAchievementsHandler.
func NewGetAchievementsHandler(achievements achievement.Repository) *GetAchievementsHandler {
	return &GetAchievementsHandler{achievements: achievements}
}

// Handle lists active achievements with the user's progress. Completed
// achievements whose definition was later deactivated are still listed.
func (h *GetAchievementsHandler) Handle(ctx context.Context, q GetAchievementsQuery) ([]AchievementDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	defs, err := h.achievements.ListDefinitions(ctx, false)
	if err != nil {
		return nil, shared.WrapError("query", "GetAchievements", shared.ErrServiceUnavailable, "failed to list definitions", err)
	}
	progress, err := h.achievements.ListProgress(ctx, q.UserID)
	if err != nil {
		return nil, shared.WrapError("query", "GetAchievements", shared.ErrServiceUnavailable, "failed to list progress", err)
	}

	byID := make(map[string]*achievement.Progress, len(progress))
	for _, p := range progress {
		byID[p.AchievementID] = p
	}

	out := make([]AchievementDTO, 0, len(defs))
	for _, def := range defs {
		p, ok := byID[def.ID]
		if !ok {
			p = achievement.NewProgress(q.UserID, def)
		}
		if !def.Active && !p.Completed {
			continue
		}
		status := p.Status()
		if q.Status != "" && status != q.Status {
			continue
		}

		dto := AchievementDTO{
			ID:           def.ID,
			Name:         def.Name,
			Description:  def.Description,
			Icon:         def.Icon,
			Category:     def.Category,
			Tier:         def.Tier,
			Rewards:      def.Rewards,
			Status:       status,
			Current:      p.Current,
			Target:       def.Criteria.Threshold,
			Percentage:   p.Percentage,
			CompletedAt:  p.CompletedAt,
			Prerequisite: def.Prerequisite,
			TotalEarned:  def.TotalEarned,
		}
		if def.Prerequisite != "" {
			pre, ok := byID[def.Prerequisite]
			dto.Locked = !ok || !pre.Completed
		}
		out = append(out, dto)
	}
	return out, nil
}
