package command

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// GOAL COMMANDS
// Create, pause, resume and cancel study goals. Progress itself is only
// ever driven by RecordActivityHandler.
// ══════════════════════════════════════════════════════════════════════════════

// MilestoneInput is one requested milestone.
type MilestoneInput struct {
	Percentage float64 `validate:"gt=0,lte=100"`
	Reward     int     `validate:"gte=0"`
}

// CreateGoalCommand contains the data to create a goal.
type CreateGoalCommand struct {
	UserID     string           `validate:"required,max=128"`
	Title      string           `validate:"max=200"`
	Category   goal.Category    `validate:"required"`
	Subject    string           `validate:"max=64"`
	Target     float64          `validate:"gt=0"`
	Unit       string           `validate:"max=32"`
	Start      time.Time        // zero means now
	End        time.Time        `validate:"required"`
	Milestones []MilestoneInput `validate:"dive"`
	Reward     int              `validate:"gte=0"`
}

// GoalHandler handles goal lifecycle commands.
type GoalHandler struct {
	goals     goal.Repository
	clock     shared.Clock
	conflicts *retry.Retrier
	validate  *validator.Validate
	log       *logger.Logger
}

// NewGoalHandler creates a new GoalHandler.
func NewGoalHandler(goals goal.Repository, clock shared.Clock, log *logger.Logger) *GoalHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &GoalHandler{
		goals:     goals,
		clock:     clock,
		conflicts: retry.ConflictRetrier(5, shared.IsConflict),
		validate:  validator.New(),
		log:       log.Named("goals"),
	}
}

// Create validates cmd and stores an active goal. Bad thresholds are
// rejected here so evaluation never sees them.
func (h *GoalHandler) Create(ctx context.Context, cmd CreateGoalCommand) (*goal.Goal, error) {
	if err := h.validate.Struct(cmd); err != nil {
		return nil, shared.WrapError("goal", "Create", shared.ErrValidation, "invalid goal", err)
	}

	milestones := make([]goal.Milestone, 0, len(cmd.Milestones))
	for _, m := range cmd.Milestones {
		milestones = append(milestones, goal.Milestone{Percentage: m.Percentage, Reward: m.Reward})
	}

	g, err := goal.New(goal.Params{
		UserID:     cmd.UserID,
		Title:      cmd.Title,
		Category:   cmd.Category,
		Subject:    cmd.Subject,
		Target:     cmd.Target,
		Unit:       cmd.Unit,
		Start:      cmd.Start,
		End:        cmd.End,
		Milestones: milestones,
		Reward:     cmd.Reward,
	}, h.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := h.goals.Save(ctx, g); err != nil {
		return nil, fmt.Errorf("create_goal: save: %w", err)
	}
	h.log.Info("goal created", logger.UserID(g.UserID), logger.GoalID(g.ID), logger.String("category", string(g.Category)))
	return g, nil
}

// Pause suspends an active goal owned by userID.
func (h *GoalHandler) Pause(ctx context.Context, userID, goalID string) (*goal.Goal, error) {
	return h.transition(ctx, "pause", userID, goalID, (*goal.Goal).Pause)
}

// Resume reactivates a paused goal owned by userID.
func (h *GoalHandler) Resume(ctx context.Context, userID, goalID string) (*goal.Goal, error) {
	return h.transition(ctx, "resume", userID, goalID, (*goal.Goal).Resume)
}

// Cancel abandons a goal owned by userID.
func (h *GoalHandler) Cancel(ctx context.Context, userID, goalID string) (*goal.Goal, error) {
	return h.transition(ctx, "cancel", userID, goalID, (*goal.Goal).Cancel)
}

func (h *GoalHandler) transition(
	ctx context.Context,
	op, userID, goalID string,
	apply func(*goal.Goal, time.Time) error,
) (*goal.Goal, error) {
	var out *goal.Goal
	err := h.conflicts.Do(ctx, func(ctx context.Context) error {
		g, err := h.goals.Get(ctx, goalID)
		if err != nil {
			return err
		}
		// Another user's goal is reported as missing.
		if g.UserID != userID {
			return shared.ErrGoalNotFound
		}
		if err := apply(g, h.clock.Now()); err != nil {
			return err
		}
		if err := h.goals.Save(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s_goal: %w", op, err)
	}
	h.log.Info("goal "+op, logger.UserID(userID), logger.GoalID(goalID), logger.String("status", string(out.Status)))
	return out, nil
}
