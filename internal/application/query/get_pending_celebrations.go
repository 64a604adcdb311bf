package query

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// CelebrationDTO is a celebration waiting to be shown.
type CelebrationDTO struct {
	ID        string           `json:"id"`
	Type      celebration.Type `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Icon      string           `json:"icon"`
	Priority  string           `json:"priority"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// GetPendingCelebrationsHandler lists unshown, unexpired celebrations.
type GetPendingCelebrationsHandler struct {
	celebrations celebration.Repository
	clock        shared.Clock
}

// NewGetPendingCelebrationsHandler creates a new GetPendingCelebrationsHandler.
func NewGetPendingCelebrationsHandler(celebrations celebration.Repository, clock shared.Clock) *GetPendingCelebrationsHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &GetPendingCelebrationsHandler{celebrations: celebrations, clock: clock}
}

// Handle returns pending celebrations, highest priority first.
func (h *GetPendingCelebrationsHandler) Handle(ctx context.Context, userID string) ([]CelebrationDTO, error) {
	userID, err := shared.ValidateID("query", "user id", userID)
	if err != nil {
		return nil, err
	}
	pending, err := h.celebrations.ListPending(ctx, userID, h.clock.Now())
	if err != nil {
		return nil, shared.WrapError("query", "GetPendingCelebrations", shared.ErrServiceUnavailable, "failed to list celebrations", err)
	}

	out := make([]CelebrationDTO, len(pending))
	for i, c := range pending {
		out[i] = CelebrationDTO{
			ID:        c.ID,
			Type:      c.Type,
			Title:     c.Title,
			Message:   c.Message,
			Icon:      c.Icon,
			Priority:  c.Priority.String(),
			Data:      c.Data,
			CreatedAt: c.CreatedAt,
			ExpiresAt: c.ExpiresAt,
		}
	}
	return out, nil
}
