package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/metrics"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progress-engine/internal/infrastructure/spool"
	httpserver "github.com/alem-hub/progress-engine/internal/interface/http"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the event pipeline, scheduled jobs and the ops server",
	Long: `Run the long-running engine process:

  - activity events from Redis Pub/Sub are processed per user, in order
  - transiently failed events are spooled and redelivered
  - leaderboards are rebuilt when their update frequency is due
  - overdue goals are failed and expired celebrations purged
  - /healthz, /readyz, /metrics and /jobs are served on HTTP_PORT`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	a, err := bootstrap(cmd, bootstrapOptions{needRedis: true})
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	log.Info("starting progress engine worker",
		logger.String("version", Version),
		logger.String("timezone", a.calendar.Location().String()),
		logger.Bool("redis", a.cache != nil),
		logger.Bool("postgres", a.db != nil),
	)

	// ─── schema and definitions ───
	if a.db != nil && a.cfg.Database.AutoMigrate {
		applied, err := postgres.NewMigrator(a.db).Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date", logger.Int("applied", len(applied)))
	}
	if path := a.cfg.Engine.DefinitionsFile; path != "" {
		set, err := syncDefinitions(ctx, a, path)
		if err != nil {
			return err
		}
		log.Info("definitions loaded",
			logger.String("file", path),
			logger.Int("achievements", len(set.Achievements)),
			logger.Int("leaderboards", len(set.Leaderboards)),
		)
	}

	// ─── metrics ───
	collectors := metrics.New()

	// ─── celebration fan-out ───
	publisher, closePublisher, err := newPublisher(a)
	if err != nil {
		return err
	}
	defer closePublisher()

	// ─── pipeline ───
	sp, err := spool.Open(spool.Config{
		Path:        a.cfg.Spool.Path,
		MaxAttempts: a.cfg.Spool.MaxAttempts,
		Clock:       a.clock,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer sp.Close()

	pipeline := a.recordHandler(publisher, collectors)
	retryCfg := messaging.DefaultRetryConfig()
	retryCfg.MaxRetries = a.cfg.Engine.MaxRetries
	dispatcher := messaging.NewDispatcher(func(ctx context.Context, evt activity.Event) error {
		_, err := pipeline.Handle(ctx, evt)
		return err
	}, messaging.DispatcherConfig{
		QueueSize:      a.cfg.Engine.QueueSize,
		IdleTimeout:    a.cfg.Engine.IdleTimeout,
		HandlerTimeout: a.cfg.Engine.HandlerTimeout,
		RetryConfig:    retryCfg,
		DeadLetter:     sp,
		Logger:         log,
	})

	collectors.RegisterGauge("dispatcher_active_users", "Users with a live dispatcher worker.", func() float64 {
		return float64(dispatcher.ActiveUsers())
	})
	collectors.RegisterGauge("spool_pending_events", "Events waiting for redelivery.", func() float64 {
		pending, _, _ := sp.Stats()
		return float64(pending)
	})
	if a.snapshots != nil {
		breaker := a.snapshots.Breaker()
		collectors.RegisterGauge("snapshot_cache_breaker_open", "1 while the Redis snapshot cache circuit is open.", func() float64 {
			if breaker.State() == circuitbreaker.StateOpen {
				return 1
			}
			return 0
		})
	}
	collectors.RegisterGauge("spool_dead_events", "Events that exhausted their redelivery attempts.", func() float64 {
		_, dead, _ := sp.Stats()
		return float64(dead)
	})

	// ─── scheduler ───
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:       log,
		Timezone:     a.calendar.Location(),
		TickInterval: a.cfg.Scheduler.TickInterval,
		RunOnStart:   a.cfg.Scheduler.RunOnStart,
	})
	sched.OnJobComplete(func(r scheduler.JobResult) {
		collectors.JobCompleted(r.JobName, r.Duration, r.Success)
	})
	if err := registerJobs(a, sched, sp, dispatcher, collectors); err != nil {
		return err
	}

	// ─── inbound events ───
	var consumer *messaging.ActivityConsumer
	if a.cache != nil {
		consumer, err = messaging.NewActivityConsumer(messaging.ActivityConsumerConfig{
			Client:    messaging.NewGoRedisClient(a.cache.Client()),
			Submitter: dispatcher,
			Logger:    log,
		})
		if err != nil {
			return err
		}
	} else {
		log.Warn("redis disabled: no inbound activity stream, use 'engine ingest' to feed events")
	}

	// ─── ops server ───
	health := handlers.NewCompositeHealthChecker(Version)
	if a.db != nil {
		health.AddCheck("postgres", handlers.NewPingCheck(a.db))
	}
	if a.cache != nil {
		health.AddOptionalCheck("redis", handlers.NewPingCheck(a.cache))
	}
	health.AddOptionalCheck("spool", func(ctx context.Context) error {
		_, _, err := sp.Stats()
		return err
	})

	httpCfg := httpserver.DefaultConfig()
	httpCfg.Host = a.cfg.HTTP.Host
	httpCfg.Port = a.cfg.HTTP.Port
	httpCfg.Version = Version
	deps := httpserver.Dependencies{Logger: log, Health: health, Jobs: sched}
	if a.cfg.Observability.MetricsEnabled {
		deps.Metrics = collectors.Handler()
	}
	server := httpserver.NewServer(httpCfg, deps)

	// ─── run ───
	if a.cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	} else {
		log.Warn("scheduler disabled; jobs only run through POST /jobs/{name}/run")
	}
	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to activity events: %w", err)
		}
	}
	var serverErr <-chan error
	if a.cfg.HTTP.Enabled {
		serverErr = server.StartAsync()
	}

	log.Info("progress engine worker is running")

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("ops server failed", logger.Err(err))
			stop()
		}
	}

	// ─── graceful shutdown ───
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownTimeout)
	defer cancel()
	log.Info("starting graceful shutdown", logger.Duration("timeout", a.cfg.App.ShutdownTimeout))

	var errs []error
	if consumer != nil {
		consumer.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("ops server: %w", err))
	}
	if sched.IsRunning() {
		if err := sched.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		log.Error("shutdown completed with errors", logger.Err(err))
		return err
	}
	log.Info("shutdown completed successfully")
	return nil
}

// newPublisher returns the Redis Pub/Sub bus when Redis is up and a
// process-local bus otherwise.
func newPublisher(a *app) (celebration.Publisher, func(), error) {
	local := messaging.InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 4, Logger: a.log}

	if a.cache == nil {
		bus := messaging.NewInMemoryEventBus(local)
		return bus, func() { _ = bus.Close() }, nil
	}

	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         messaging.NewGoRedisClient(a.cache.Client()),
		ChannelName:    a.cfg.Redis.CelebrationChannel,
		LocalBusConfig: local,
		Logger:         a.log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create celebration bus: %w", err)
	}
	return bus, func() { _ = bus.Close() }, nil
}

func registerJobs(a *app, sched *scheduler.Scheduler, sp *spool.Spool, dispatcher *messaging.Dispatcher, collectors *metrics.Collectors) error {
	sc := a.cfg.Scheduler

	rebuildSchedule, err := schedule(sc.RebuildInterval, sc.RebuildCron)
	if err != nil {
		return fmt.Errorf("SCHEDULER_REBUILD_CRON: %w", err)
	}
	purgeSchedule, err := schedule(sc.PurgeInterval, sc.PurgeCron)
	if err != nil {
		return fmt.Errorf("SCHEDULER_PURGE_CRON: %w", err)
	}

	entries := []struct {
		job      scheduler.Job
		schedule scheduler.Schedule
	}{
		{a.rebuildJob(collectors), rebuildSchedule},
		{jobs.NewExpireGoalsJob(a.store.Goals(), a.clock, a.log, sc.BatchSize), scheduler.NewIntervalSchedule(sc.ExpireGoalsInterval)},
		{jobs.NewPurgeCelebrationsJob(a.store.Celebrations(), a.clock, a.log), purgeSchedule},
		{jobs.NewRedeliverSpoolJob(sp, dispatcher.Dispatch, a.log, sc.BatchSize), scheduler.NewIntervalSchedule(sc.RedeliverInterval)},
	}
	for _, e := range entries {
		if err := sched.Register(e.job, e.schedule); err != nil {
			return fmt.Errorf("failed to register %s: %w", e.job.Name(), err)
		}
	}
	return nil
}

// schedule prefers a cron expression over the interval.
func schedule(interval time.Duration, cron string) (scheduler.Schedule, error) {
	if cron == "" {
		return scheduler.NewIntervalSchedule(interval), nil
	}
	return scheduler.ParseCron(cron)
}
