package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/spool"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REDELIVER SPOOL JOB
// ══════════════════════════════════════════════════════════════════════════════

// SpoolStore is the part of the spool the job drives.
type SpoolStore interface {
	Pending(ctx context.Context, limit int) ([]spool.Entry, error)
	Ack(ctx context.Context, key string) error
	Bury(ctx context.Context, key string, cause error) error
}

// RedeliverFunc resubmits one event and waits for the outcome. A
// transient failure must be dead-lettered back into the same spool, as
// the messaging Dispatcher does, so the entry's attempt count grows.
type RedeliverFunc func(ctx context.Context, evt activity.Event) error

// RedeliverSpoolJob feeds spooled events back through the pipeline.
// Delivered entries are acked, permanently failing ones are buried.
type RedeliverSpoolJob struct {
	spool     SpoolStore
	redeliver RedeliverFunc
	logger    *logger.Logger
	batchSize int
}

// NewRedeliverSpoolJob creates a new redelivery job.
func NewRedeliverSpoolJob(store SpoolStore, redeliver RedeliverFunc, log *logger.Logger, batchSize int) *RedeliverSpoolJob {
	if log == nil {
		log = logger.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RedeliverSpoolJob{spool: store, redeliver: redeliver, logger: log.Named("job.redeliver_spool"), batchSize: batchSize}
}

// Name returns the job name.
func (j *RedeliverSpoolJob) Name() string {
	return "redeliver_spool"
}

// Description returns a human-readable description.
func (j *RedeliverSpoolJob) Description() string {
	return "Redelivers events that failed with transient errors"
}

// Run processes one batch, oldest failure first.
func (j *RedeliverSpoolJob) Run(ctx context.Context) error {
	entries, err := j.spool.Pending(ctx, j.batchSize)
	if err != nil {
		return fmt.Errorf("failed to read spool: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	var delivered, buried, retrying int
	var errs []error
loop:
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		err := j.redeliver(ctx, e.Event)
		switch {
		case err == nil:
			if ackErr := j.spool.Ack(ctx, e.Key); ackErr != nil {
				errs = append(errs, ackErr)
				continue
			}
			delivered++
		case ctx.Err() != nil, errors.Is(err, messaging.ErrDispatcherClosed):
			// Shutting down; the entry stays pending untouched.
			break loop
		case shared.IsRetryable(err):
			retrying++
		default:
			if buryErr := j.spool.Bury(ctx, e.Key, err); buryErr != nil && !errors.Is(buryErr, spool.ErrEntryNotFound) {
				errs = append(errs, buryErr)
				continue
			}
			buried++
			j.logger.Warn("spooled event failed permanently",
				logger.UserID(e.Event.UserID),
				logger.String("key", e.Key),
				logger.Err(err),
			)
		}
	}

	j.logger.Info("redeliver_spool completed",
		logger.Int("delivered", delivered),
		logger.Int("retrying", retrying),
		logger.Int("buried", buried),
	)
	return errors.Join(errs...)
}
