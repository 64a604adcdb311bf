// Package messaging moves activity events into the engine and celebrations
// out of it.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// ErrDispatcherClosed is returned by Submit after Stop.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Handler processes one activity event.
type Handler func(ctx context.Context, evt activity.Event) error

// DeadLetter receives events that kept failing with transient errors so
// they can be redelivered later.
type DeadLetter interface {
	Put(ctx context.Context, evt activity.Event, cause error) error
}

// Dispatcher runs a handler with per-user ordering:
// - events of one user are processed one at a time, in arrival order
// - different users never wait on each other
// - a user's worker goroutine exits after IdleTimeout without events
// - transient failures are retried with backoff, then dead-lettered
type Dispatcher struct {
	handler     Handler
	retryConfig RetryConfig
	deadLetter  DeadLetter
	queueSize   int
	idleTimeout time.Duration
	timeout     time.Duration
	logger      *logger.Logger
	metrics     *DispatcherMetrics

	mu      sync.Mutex
	workers map[string]*userQueue
	closed  bool
	stopped chan struct{}
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type envelope struct {
	evt  activity.Event
	done chan error // nil for fire-and-forget
}

type userQueue struct {
	ch chan envelope
	// pending counts envelopes promised to ch; guarded by Dispatcher.mu.
	// A worker is only reaped at zero so no sender is left blocked.
	pending int
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// QueueSize is the per-user buffer; Submit blocks when it is full.
	QueueSize int

	// IdleTimeout reaps a user's worker after this long without events.
	IdleTimeout time.Duration

	// HandlerTimeout bounds a single handler attempt.
	HandlerTimeout time.Duration

	// RetryConfig configures retry behavior
	RetryConfig RetryConfig

	// DeadLetter is optional.
	DeadLetter DeadLetter

	Middlewares []Middleware

	// Logger for structured logging
	Logger *logger.Logger
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// InitialBackoff is the initial wait between retries
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait between retries
	MaxBackoff time.Duration

	// BackoffMultiplier is the factor for exponential backoff
	BackoffMultiplier float64
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      64,
		IdleTimeout:    time.Minute,
		HandlerTimeout: 30 * time.Second,
		RetryConfig:    DefaultRetryConfig(),
	}
}

// NewDispatcher creates a new dispatcher around handler.
func NewDispatcher(handler Handler, config DispatcherConfig) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaults.HandlerTimeout
	}
	if config.RetryConfig.BackoffMultiplier < 1 {
		config.RetryConfig.BackoffMultiplier = defaults.RetryConfig.BackoffMultiplier
	}

	log := config.Logger.Named("dispatcher")
	metrics := NewDispatcherMetrics()

	// Recovery is innermost so the other middlewares see a panic as an error.
	chain := []Middleware{LoggingMiddleware(log), MetricsMiddleware(metrics)}
	chain = append(chain, config.Middlewares...)
	chain = append(chain, RecoveryMiddleware(log))
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler:     handler,
		retryConfig: config.RetryConfig,
		deadLetter:  config.DeadLetter,
		queueSize:   config.QueueSize,
		idleTimeout: config.IdleTimeout,
		timeout:     config.HandlerTimeout,
		logger:      log,
		metrics:     metrics,
		workers:     make(map[string]*userQueue),
		stopped:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps handler execution.
type Middleware func(Handler) Handler

// RecoveryMiddleware turns a handler panic into an error.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt activity.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic recovered",
						logger.UserID(evt.UserID),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, evt)
		}
	}
}

// LoggingMiddleware logs handler execution.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt activity.Event) error {
			start := time.Now()
			err := next(ctx, evt)
			fields := []logger.Field{
				logger.UserID(evt.UserID),
				logger.ActivityType(string(evt.Type)),
				logger.Latency(time.Since(start)),
			}
			if err != nil {
				log.Warn("handler failed", append(fields, logger.Err(err))...)
			} else {
				log.Debug("handler completed", fields...)
			}
			return err
		}
	}
}

// MetricsMiddleware collects handler metrics.
func MetricsMiddleware(metrics *DispatcherMetrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt activity.Event) error {
			start := time.Now()
			err := next(ctx, evt)
			metrics.RecordExecution(time.Since(start), err == nil)
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT DISPATCHING
// ══════════════════════════════════════════════════════════════════════════════

// Submit queues evt behind earlier events of the same user and returns.
// It blocks while that user's queue is full.
func (d *Dispatcher) Submit(ctx context.Context, evt activity.Event) error {
	return d.enqueue(ctx, envelope{evt: evt})
}

// Dispatch queues evt and waits for its final result.
func (d *Dispatcher) Dispatch(ctx context.Context, evt activity.Event) error {
	done := make(chan error, 1)
	if err := d.enqueue(ctx, envelope{evt: evt, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, env envelope) error {
	key := env.evt.UserID

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	q, ok := d.workers[key]
	if !ok {
		q = &userQueue{ch: make(chan envelope, d.queueSize)}
		d.workers[key] = q
		d.wg.Add(1)
		go d.work(key, q)
	}
	q.pending++
	d.mu.Unlock()

	d.metrics.RecordDispatch()
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		q.pending--
		d.mu.Unlock()
		return ctx.Err()
	}
}

// work is the single goroutine owning one user's queue.
func (d *Dispatcher) work(key string, q *userQueue) {
	defer d.wg.Done()
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case env := <-q.ch:
			d.process(env)
			d.mu.Lock()
			q.pending--
			d.mu.Unlock()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTimeout)

		case <-idle.C:
			if d.reap(key, q) {
				return
			}
			idle.Reset(d.idleTimeout)

		case <-d.stopped:
			// Drain whatever was promised before Stop, then exit.
			for !d.reap(key, q) {
				select {
				case env := <-q.ch:
					d.process(env)
					d.mu.Lock()
					q.pending--
					d.mu.Unlock()
				case <-time.After(10 * time.Millisecond):
					// A sender gave up; re-check pending.
				}
			}
			return
		}
	}
}

// reap removes q when nothing more is coming.
func (d *Dispatcher) reap(key string, q *userQueue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q.pending > 0 {
		return false
	}
	delete(d.workers, key)
	return true
}

func (d *Dispatcher) process(env envelope) {
	err := d.executeHandler(env.evt)
	if env.done != nil {
		env.done <- err
	}
}

func (d *Dispatcher) executeHandler(evt activity.Event) error {
	cfg := d.retryConfig
	r := retry.New(
		retry.WithMaxAttempts(cfg.MaxRetries+1),
		retry.WithInitialDelay(cfg.InitialBackoff),
		retry.WithMaxDelay(cfg.MaxBackoff),
		retry.WithMultiplier(cfg.BackoffMultiplier),
		retry.WithRetryIf(shared.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			d.metrics.RecordRetry()
			d.logger.Debug("retrying handler",
				logger.UserID(evt.UserID),
				logger.Int("attempt", attempt),
				logger.Duration("backoff", delay),
				logger.Err(err),
			)
		}),
	)

	err := r.Do(d.ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return d.handler(ctx, evt)
	})
	if err == nil {
		return nil
	}

	d.metrics.RecordFailure()
	if !shared.IsRetryable(err) || d.deadLetter == nil {
		d.logger.Error("event dropped", logger.UserID(evt.UserID), logger.Err(err))
		return err
	}

	// Stop cancels d.ctx; the spool write must still happen.
	dlCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if dlErr := d.deadLetter.Put(dlCtx, evt, err); dlErr != nil {
		d.logger.Error("dead letter write failed", logger.UserID(evt.UserID), logger.Err(dlErr), logger.F("cause", err.Error()))
		return errors.Join(err, dlErr)
	}
	d.metrics.RecordDeadLetter()
	d.logger.Warn("event dead-lettered", logger.UserID(evt.UserID), logger.Err(err))
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Stop rejects new events, lets workers finish what was queued and waits
// for them until ctx expires. Pending retries are abandoned on expiry.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stopped)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// ActiveUsers returns the number of live per-user workers.
func (d *Dispatcher) ActiveUsers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Metrics returns dispatcher metrics.
func (d *Dispatcher) Metrics() *DispatcherMetrics {
	return d.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER METRICS
// ══════════════════════════════════════════════════════════════════════════════

// DispatcherMetrics tracks dispatcher performance.
type DispatcherMetrics struct {
	mu sync.RWMutex

	DispatchedTotal   int64
	ExecutionsTotal   int64
	SuccessTotal      int64
	FailuresTotal     int64
	RetriesTotal      int64
	DeadLetteredTotal int64
	TotalDuration     time.Duration
	LastReset         time.Time
}

// NewDispatcherMetrics creates new dispatcher metrics.
func NewDispatcherMetrics() *DispatcherMetrics {
	return &DispatcherMetrics{LastReset: time.Now()}
}

// RecordDispatch records an accepted event.
func (m *DispatcherMetrics) RecordDispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DispatchedTotal++
}

// RecordExecution records a handler attempt.
func (m *DispatcherMetrics) RecordExecution(duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ExecutionsTotal++
	m.TotalDuration += duration
	if success {
		m.SuccessTotal++
	}
}

// RecordRetry records a retry after a transient failure.
func (m *DispatcherMetrics) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetriesTotal++
}

// RecordFailure records an event that failed after all retries.
func (m *DispatcherMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailuresTotal++
}

// RecordDeadLetter records an event handed to the dead letter.
func (m *DispatcherMetrics) RecordDeadLetter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeadLetteredTotal++
}

// Snapshot returns a point-in-time snapshot.
func (m *DispatcherMetrics) Snapshot() DispatcherMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avgDuration := time.Duration(0)
	if m.ExecutionsTotal > 0 {
		avgDuration = m.TotalDuration / time.Duration(m.ExecutionsTotal)
	}
	successRate := 1.0
	if m.ExecutionsTotal > 0 {
		successRate = float64(m.SuccessTotal) / float64(m.ExecutionsTotal)
	}

	return DispatcherMetricsSnapshot{
		TotalDispatched:   m.DispatchedTotal,
		TotalExecutions:   m.ExecutionsTotal,
		TotalFailures:     m.FailuresTotal,
		TotalRetries:      m.RetriesTotal,
		TotalDeadLettered: m.DeadLetteredTotal,
		SuccessRate:       successRate,
		AverageDuration:   avgDuration,
		LastReset:         m.LastReset,
	}
}

// DispatcherMetricsSnapshot is a point-in-time snapshot.
type DispatcherMetricsSnapshot struct {
	TotalDispatched   int64
	TotalExecutions   int64
	TotalFailures     int64
	TotalRetries      int64
	TotalDeadLettered int64
	SuccessRate       float64
	AverageDuration   time.Duration
	LastReset         time.Time
}
