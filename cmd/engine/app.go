package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ══════════════════════════════════════════════════════════════════════════════

// stores is implemented by both the Postgres and the in-memory store.
type stores interface {
	Ledger() progress.Ledger
	Profiles() profile.Repository
	Achievements() achievement.Repository
	Goals() goal.Repository
	Leaderboards() leaderboard.Repository
	Celebrations() celebration.Repository
}

// app holds what every command needs. Optional parts are nil.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	clock    shared.Clock
	calendar timeutil.Calendar
	store    stores

	db        *postgres.Connection
	cache     *redis.Cache
	snapshots *redis.LeaderboardCache

	closers []func()
}

type bootstrapOptions struct {
	// needRedis connects Redis when REDIS_ENABLED is set.
	needRedis bool
}

// bootstrap loads configuration and opens the store. Postgres start-up
// is retried so the worker survives a database that comes up late.
func bootstrap(cmd *cobra.Command, opts bootstrapOptions) (*app, error) {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if useMemory, _ := cmd.Flags().GetBool("memory"); useMemory {
		cfg.Database.Driver = "memory"
	}

	level := cfg.Observability.LogLevel
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	log, err := logger.New(logger.Options{
		Level:     logger.ParseLevel(level),
		Mode:      cfg.Observability.LogMode,
		AddCaller: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log.With(logger.String("service", cfg.App.Name), logger.String("env", string(cfg.App.Environment))),
		clock:    shared.SystemClock{},
		calendar: timeutil.NewCalendar(cfg.App.Location),
	}
	a.closers = append(a.closers, log.Sync)

	if cfg.UsesMemoryStore() {
		a.log.Warn("using in-memory store; state is lost on exit")
		a.store = memory.New()
	} else {
		conn, err := a.connectPostgres(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = conn
		a.store = postgres.NewStore(conn)
		a.closers = append(a.closers, conn.Close)
	}

	if opts.needRedis && cfg.Redis.Enabled {
		redisCfg := redis.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		if cfg.Redis.PoolSize > 0 {
			redisCfg.PoolSize = cfg.Redis.PoolSize
		}
		cache, err := redis.NewCache(redisCfg)
		if err != nil {
			// Redis only accelerates reads and fans out celebrations.
			a.log.Warn("redis unavailable, continuing without cache", logger.Err(err))
		} else {
			a.cache = cache
			a.snapshots = redis.NewLeaderboardCache(cache, cfg.Redis.SnapshotTTL,
				circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
					a.log.Warn("circuit breaker state changed",
						logger.String("breaker", name),
						logger.String("from", from.String()),
						logger.String("to", to.String()))
				}))
			a.closers = append(a.closers, func() { _ = cache.Close() })
			a.log.Info("redis connection established", logger.String("host", cfg.Redis.Host))
		}
	}

	return a, nil
}

func (a *app) connectPostgres(ctx context.Context) (*postgres.Connection, error) {
	pgCfg := postgres.DefaultConfig()
	db := a.cfg.Database
	pgCfg.URL = db.URL
	pgCfg.Host = db.Host
	pgCfg.Port = db.Port
	pgCfg.Database = db.Name
	pgCfg.User = db.User
	pgCfg.Password = db.Password
	pgCfg.SSLMode = db.SSLMode
	pgCfg.MaxConns = db.MaxConns
	pgCfg.MinConns = db.MinConns
	pgCfg.MaxConnLifetime = db.MaxConnLifetime
	pgCfg.MaxConnIdleTime = db.MaxConnIdleTime
	pgCfg.ConnectTimeout = db.ConnectTimeout

	r := retry.DatabaseRetrier(
		retry.WithInitialDelay(time.Second),
		retry.WithMaxDelay(10*time.Second),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			a.log.Warn("postgres not reachable, retrying",
				logger.Int("attempt", attempt),
				logger.Duration("backoff", delay),
				logger.Err(err),
			)
		}),
	)
	conn, err := retry.DoWithData(ctx, r, func(ctx context.Context) (*postgres.Connection, error) {
		// A malformed DSN will not fix itself.
		if _, err := pgCfg.PoolConfig(); err != nil {
			return nil, retry.Permanent(err)
		}
		return postgres.NewConnection(ctx, pgCfg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.log.Info("database connection established")
	return conn, nil
}

// snapshotCache returns the Redis snapshot cache or a nil interface.
func (a *app) snapshotCache() leaderboard.SnapshotCache {
	if a.snapshots == nil {
		return nil
	}
	return a.snapshots
}

// locker returns the Redis lock or a nil interface.
func (a *app) locker() jobs.Locker {
	if a.cache == nil {
		return nil
	}
	return a.cache
}

// rebuildJob builds the aggregation job. observer may be nil.
func (a *app) rebuildJob(observer jobs.RebuildObserver) *jobs.RebuildLeaderboardsJob {
	return jobs.NewRebuildLeaderboardsJob(jobs.RebuildDeps{
		Ledger:   a.store.Ledger(),
		Boards:   a.store.Leaderboards(),
		Cache:    a.snapshotCache(),
		Locker:   a.locker(),
		Observer: observer,
		Clock:    a.clock,
		Calendar: a.calendar,
		Logger:   a.log,
	}, jobs.RebuildLeaderboardsConfig{
		Concurrency: a.cfg.Leaderboard.Concurrency,
		Timeout:     a.cfg.Leaderboard.Timeout,
		LockTTL:     a.cfg.Leaderboard.LockTTL,
	})
}

// recordHandler builds the event pipeline. pub and m may be nil.
func (a *app) recordHandler(pub celebration.Publisher, m command.Metrics) *command.RecordActivityHandler {
	return command.NewRecordActivityHandler(command.Repositories{
		Ledger:       a.store.Ledger(),
		Profiles:     a.store.Profiles(),
		Achievements: a.store.Achievements(),
		Goals:        a.store.Goals(),
		Celebrations: a.store.Celebrations(),
	}, command.RecordActivityHandlerConfig{
		Clock:              a.clock,
		Calendar:           a.calendar,
		MaxConflictRetries: a.cfg.Engine.MaxConflictRetries,
		Publisher:          pub,
		Metrics:            m,
		Logger:             a.log,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

var errNeedsPostgres = errors.New("this command needs Postgres; unset DB_DRIVER=memory and drop --memory")

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
