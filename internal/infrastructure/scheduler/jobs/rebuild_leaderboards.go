// Package jobs contains the scheduled jobs of the progress engine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARDS JOB
// ══════════════════════════════════════════════════════════════════════════════

// Locker guards a rebuild across engine instances. The returned release
// func frees the lock; an error means another holder has it.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RebuildObserver is told about every finished definition rebuild.
type RebuildObserver interface {
	LeaderboardRebuilt(definitionID string, participants int, duration time.Duration, err error)
}

// RebuildLeaderboardsJob aggregates the ledger into a fresh snapshot for
// every active definition that is due. Definitions are rebuilt in
// parallel and a failure in one never blocks the others.
type RebuildLeaderboardsJob struct {
	ledger   progress.Ledger
	boards   leaderboard.Repository
	cache    leaderboard.SnapshotCache
	locker   Locker
	observer RebuildObserver
	clock    shared.Clock
	calendar timeutil.Calendar
	logger   *logger.Logger

	config RebuildLeaderboardsConfig

	lastStats atomic.Pointer[RebuildStats]
}

// RebuildLeaderboardsConfig contains configuration for the rebuild job.
type RebuildLeaderboardsConfig struct {
	// Concurrency bounds how many definitions are aggregated at once.
	Concurrency int

	// Timeout is the maximum duration of one run.
	Timeout time.Duration

	// LockTTL is how long a per-definition lock is held at most.
	LockTTL time.Duration
}

// DefaultRebuildLeaderboardsConfig returns sensible defaults.
func DefaultRebuildLeaderboardsConfig() RebuildLeaderboardsConfig {
	return RebuildLeaderboardsConfig{
		Concurrency: 4,
		Timeout:     5 * time.Minute,
		LockTTL:     2 * time.Minute,
	}
}

// RebuildDeps groups the collaborators of the job. Cache, Locker and
// Observer are optional.
type RebuildDeps struct {
	Ledger   progress.Ledger
	Boards   leaderboard.Repository
	Cache    leaderboard.SnapshotCache
	Locker   Locker
	Observer RebuildObserver
	Clock    shared.Clock
	Calendar timeutil.Calendar
	Logger   *logger.Logger
}

// RebuildStats contains statistics from a rebuild run.
type RebuildStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Considered  int
	Rebuilt     []string
	Skipped     []string
	Errors      []error
}

// NewRebuildLeaderboardsJob creates a new rebuild job.
func NewRebuildLeaderboardsJob(deps RebuildDeps, config RebuildLeaderboardsConfig) *RebuildLeaderboardsJob {
	if deps.Clock == nil {
		deps.Clock = shared.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	defaults := DefaultRebuildLeaderboardsConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}

	return &RebuildLeaderboardsJob{
		ledger:   deps.Ledger,
		boards:   deps.Boards,
		cache:    deps.Cache,
		locker:   deps.Locker,
		observer: deps.Observer,
		clock:    deps.Clock,
		calendar: deps.Calendar,
		logger:   deps.Logger.Named("job.rebuild_leaderboards"),
		config:   config,
	}
}

// Name returns the job name.
func (j *RebuildLeaderboardsJob) Name() string {
	return "rebuild_leaderboards"
}

// Description returns a human-readable description.
func (j *RebuildLeaderboardsJob) Description() string {
	return "Aggregates the progress ledger into fresh leaderboard snapshots"
}

// Run rebuilds every active, auto-updating definition whose last
// snapshot is older than its update frequency.
func (j *RebuildLeaderboardsJob) Run(ctx context.Context) error {
	_, err := j.Rebuild(ctx, false)
	return err
}

// Rebuild runs one pass over the given definitions, or all active ones
// when ids is empty. With force, the due check and AutoUpdate are ignored.
func (j *RebuildLeaderboardsJob) Rebuild(ctx context.Context, force bool, ids ...string) (*RebuildStats, error) {
	stats := &RebuildStats{StartedAt: j.clock.Now()}

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	defs, err := j.definitions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaderboard definitions: %w", err)
	}
	stats.Considered = len(defs)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(j.config.Concurrency)

	for _, def := range defs {
		def := def
		g.Go(func() error {
			rebuilt, err := j.rebuildOne(ctx, def, force)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Errors = append(stats.Errors, fmt.Errorf("%s: %w", def.ID, err))
			case rebuilt:
				stats.Rebuilt = append(stats.Rebuilt, def.ID)
			default:
				stats.Skipped = append(stats.Skipped, def.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.CompletedAt = j.clock.Now()
	stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
	j.lastStats.Store(stats)

	j.logger.Info("rebuild_leaderboards completed",
		logger.Int("considered", stats.Considered),
		logger.Int("rebuilt", len(stats.Rebuilt)),
		logger.Int("skipped", len(stats.Skipped)),
		logger.Int("errors", len(stats.Errors)),
		logger.Duration("duration", stats.Duration),
	)

	return stats, errors.Join(stats.Errors...)
}

// LastStats returns the statistics of the latest run, or nil.
func (j *RebuildLeaderboardsJob) LastStats() *RebuildStats {
	return j.lastStats.Load()
}

func (j *RebuildLeaderboardsJob) definitions(ctx context.Context, ids []string) ([]*leaderboard.Definition, error) {
	if len(ids) == 0 {
		return j.boards.ListDefinitions(ctx, true)
	}
	defs := make([]*leaderboard.Definition, 0, len(ids))
	for _, id := range ids {
		def, err := j.boards.GetDefinition(ctx, id)
		if err != nil {
			return nil, err
		}
		if !def.Settings.IsActive {
			return nil, fmt.Errorf("%s: %w", id, shared.ErrLeaderboardInactive)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// rebuildOne reports whether a new snapshot was written.
func (j *RebuildLeaderboardsJob) rebuildOne(ctx context.Context, def *leaderboard.Definition, force bool) (rebuilt bool, err error) {
	if !force && !def.Settings.AutoUpdate {
		return false, nil
	}

	previous, err := j.boards.LatestSnapshot(ctx, def.ID)
	if err != nil && !errors.Is(err, shared.ErrSnapshotNotFound) {
		return false, err
	}
	if errors.Is(err, shared.ErrSnapshotNotFound) {
		previous = nil
	}

	now := j.clock.Now()
	if !force && previous != nil && now.Sub(previous.GeneratedAt) < def.Settings.UpdateFrequency.Interval() {
		return false, nil
	}

	if j.locker != nil {
		release, lockErr := j.locker.Acquire(ctx, "leaderboard:"+def.ID, j.config.LockTTL)
		if lockErr != nil {
			j.logger.Debug("rebuild skipped, lock held elsewhere", logger.LeaderboardID(def.ID), logger.Err(lockErr))
			return false, nil
		}
		defer func() {
			if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
				j.logger.Warn("failed to release rebuild lock", logger.LeaderboardID(def.ID), logger.Err(relErr))
			}
		}()
	}

	started := time.Now()
	snap, err := j.aggregate(ctx, def, previous, now)
	if j.observer != nil {
		participants := 0
		if snap != nil {
			participants = snap.TotalParticipants
		}
		j.observer.LeaderboardRebuilt(def.ID, participants, time.Since(started), err)
	}
	if err != nil {
		return false, err
	}

	j.logger.Debug("leaderboard rebuilt",
		logger.LeaderboardID(def.ID),
		logger.Int("entries", snap.Count()),
		logger.Int("participants", snap.TotalParticipants),
	)
	return true, nil
}

func (j *RebuildLeaderboardsJob) aggregate(ctx context.Context, def *leaderboard.Definition, previous *leaderboard.Snapshot, now time.Time) (*leaderboard.Snapshot, error) {
	agg, err := leaderboard.NewAggregation(def, now, j.calendar)
	if err != nil {
		return nil, err
	}

	err = j.ledger.Scan(ctx, agg.Filter(), func(r *progress.Record) error {
		agg.Add(r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger scan failed: %w", err)
	}

	snap := agg.Build(previous, now)
	if err := j.boards.ReplaceSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	if j.cache != nil {
		if err := j.cache.Set(ctx, snap); err != nil {
			j.logger.Warn("failed to refresh snapshot cache", logger.LeaderboardID(def.ID), logger.Err(err))
			if err := j.cache.Invalidate(ctx, def.ID); err != nil {
				j.logger.Warn("failed to invalidate snapshot cache", logger.LeaderboardID(def.ID), logger.Err(err))
			}
		}
	}
	return snap, nil
}
