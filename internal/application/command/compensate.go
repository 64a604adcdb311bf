package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// CompensateHandler corrects a ledger record by appending its negation.
// History is never edited. The compensation lowers the spendable balance
// and every leaderboard that sums points; lifetime totals stay as earned.
type CompensateHandler struct {
	ledger    progress.Ledger
	profiles  profile.Repository
	clock     shared.Clock
	conflicts *retry.Retrier
	log       *logger.Logger
}

// NewCompensateHandler creates a new CompensateHandler.
func NewCompensateHandler(ledger progress.Ledger, profiles profile.Repository, clock shared.Clock, log *logger.Logger) *CompensateHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &CompensateHandler{
		ledger:    ledger,
		profiles:  profiles,
		clock:     clock,
		conflicts: retry.ConflictRetrier(5, shared.IsConflict),
		log:       log.Named("compensate"),
	}
}

// Handle appends a compensation for recordID. Compensating the same
// record twice returns shared.ErrDuplicateEvent.
func (h *CompensateHandler) Handle(ctx context.Context, recordID, reason string) (*progress.Record, error) {
	original, err := h.ledger.Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("compensate: %w", err)
	}
	now := h.clock.Now()
	comp, err := progress.NewCompensation(original, reason, now)
	if err != nil {
		return nil, err
	}
	if err := h.ledger.Append(ctx, comp); err != nil {
		return nil, fmt.Errorf("compensate: append: %w", err)
	}

	amount := -comp.Points.Total
	err = h.conflicts.Do(ctx, func(ctx context.Context) error {
		p, err := h.profiles.Get(ctx, comp.UserID)
		if err != nil {
			return err
		}
		p.Debit(amount)
		p.UpdatedAt = now
		return h.profiles.Save(ctx, p)
	})
	if err != nil && !errors.Is(err, shared.ErrProfileNotFound) {
		return comp, fmt.Errorf("compensate: debit profile: %w", err)
	}

	h.log.Info("record compensated",
		logger.UserID(comp.UserID),
		logger.String("record_id", original.ID),
		logger.PointsAmount(comp.Points.Total),
		logger.String("reason", reason),
	)
	return comp, nil
}
