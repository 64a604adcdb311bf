package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// EXPIRE GOALS JOB
// ══════════════════════════════════════════════════════════════════════════════

// ExpireGoalsJob fails active goals whose timeframe ended short of the
// target. Goals with no activity after their end date are never touched
// by the event pipeline, so this job closes them.
type ExpireGoalsJob struct {
	goals     goal.Repository
	clock     shared.Clock
	logger    *logger.Logger
	batchSize int
}

// NewExpireGoalsJob creates a new expire goals job.
func NewExpireGoalsJob(goals goal.Repository, clock shared.Clock, log *logger.Logger, batchSize int) *ExpireGoalsJob {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ExpireGoalsJob{goals: goals, clock: clock, logger: log.Named("job.expire_goals"), batchSize: batchSize}
}

// Name returns the job name.
func (j *ExpireGoalsJob) Name() string {
	return "expire_goals"
}

// Description returns a human-readable description.
func (j *ExpireGoalsJob) Description() string {
	return "Marks overdue active goals as failed"
}

// Run pages through overdue goals until none are left. A goal that
// could not be saved is retried on the next run, not in this one.
func (j *ExpireGoalsJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	started := time.Now()
	attempted := make(map[string]struct{})
	expired := 0
	var errs []error

	for {
		batch, err := j.goals.ListActiveEndingBefore(ctx, now, j.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list overdue goals: %w", err)
		}

		progressed := false
		for _, g := range batch {
			if _, seen := attempted[g.ID]; seen {
				continue
			}
			attempted[g.ID] = struct{}{}
			progressed = true

			ok, err := j.expire(ctx, g, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("goal %s: %w", g.ID, err))
				j.logger.Warn("failed to expire goal", logger.GoalID(g.ID), logger.UserID(g.UserID), logger.Err(err))
				continue
			}
			if ok {
				expired++
			}
		}

		if !progressed || len(batch) < j.batchSize {
			break
		}
	}

	j.logger.Info("expire_goals completed",
		logger.Int("expired", expired),
		logger.Int("errors", len(errs)),
		logger.Duration("duration", time.Since(started)),
	)
	return errors.Join(errs...)
}

// expire applies the transition, re-reading once on a version conflict.
func (j *ExpireGoalsJob) expire(ctx context.Context, g *goal.Goal, now time.Time) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if !g.Expire(now).Changed {
			return false, nil
		}
		err := j.goals.Save(ctx, g)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, shared.ErrConcurrentModification) {
			return false, err
		}
		if g, err = j.goals.Get(ctx, g.ID); err != nil {
			return false, err
		}
	}
	return false, shared.ErrConcurrentModification
}
