package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// MarkShownHandler flags a celebration as displayed for its owner.
type MarkShownHandler struct {
	celebrations celebration.Repository
	clock        shared.Clock
}

// NewMarkShownHandler creates a new MarkShownHandler.
func NewMarkShownHandler(celebrations celebration.Repository, clock shared.Clock) *MarkShownHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &MarkShownHandler{celebrations: celebrations, clock: clock}
}

// Handle marks celebrationID as shown. Marking twice is a no-op.
func (h *MarkShownHandler) Handle(ctx context.Context, userID, celebrationID string) error {
	c, err := h.celebrations.Get(ctx, celebrationID)
	if err != nil {
		return fmt.Errorf("mark_shown: %w", err)
	}
	if c.UserID != userID {
		return fmt.Errorf("mark_shown: %w", shared.ErrCelebrationNotFound)
	}
	if c.IsShown {
		return nil
	}
	if err := h.celebrations.MarkShown(ctx, celebrationID, h.clock.Now()); err != nil {
		return fmt.Errorf("mark_shown: %w", err)
	}
	return nil
}
