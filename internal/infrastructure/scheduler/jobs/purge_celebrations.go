package jobs

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// PurgeCelebrationsJob deletes celebrations past their expiry.
type PurgeCelebrationsJob struct {
	celebrations celebration.Repository
	clock        shared.Clock
	logger       *logger.Logger
}

// NewPurgeCelebrationsJob creates a new purge job.
func NewPurgeCelebrationsJob(celebrations celebration.Repository, clock shared.Clock, log *logger.Logger) *PurgeCelebrationsJob {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &PurgeCelebrationsJob{celebrations: celebrations, clock: clock, logger: log.Named("job.purge_celebrations")}
}

// Name returns the job name.
func (j *PurgeCelebrationsJob) Name() string {
	return "purge_celebrations"
}

// Description returns a human-readable description.
func (j *PurgeCelebrationsJob) Description() string {
	return "Deletes expired celebrations"
}

// Run executes the purge.
func (j *PurgeCelebrationsJob) Run(ctx context.Context) error {
	n, err := j.celebrations.DeleteExpired(ctx, j.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to purge celebrations: %w", err)
	}
	if n > 0 {
		j.logger.Info("expired celebrations purged", logger.Int("count", n))
	}
	return nil
}
