package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func event(user, id string) activity.Event {
	return activity.Event{ID: id, UserID: user, Type: activity.TypeLessonCompleted, OccurredAt: time.Now()}
}

type recordingDeadLetter struct {
	mu     sync.Mutex
	events []activity.Event
}

func (r *recordingDeadLetter) Put(ctx context.Context, evt activity.Event, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingDeadLetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}
}

func TestDispatcher_PreservesPerUserOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	d := NewDispatcher(func(ctx context.Context, evt activity.Event) error {
		mu.Lock()
		seen[evt.UserID] = append(seen[evt.UserID], evt.ID)
		mu.Unlock()
		return nil
	}, DispatcherConfig{QueueSize: 4})

	ctx := context.Background()
	var want []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("e%02d", i)
		want = append(want, id)
		require.NoError(t, d.Submit(ctx, event("u1", id)))
		require.NoError(t, d.Submit(ctx, event("u2", id)))
	}
	require.NoError(t, d.Stop(ctx))

	assert.Equal(t, want, seen["u1"])
	assert.Equal(t, want, seen["u2"])
	assert.Equal(t, int64(100), d.Metrics().Snapshot().TotalExecutions)
}

func TestDispatcher_UsersDoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(func(ctx context.Context, evt activity.Event) error {
		if evt.UserID == "slow" {
			<-release
		}
		return nil
	}, DispatcherConfig{})
	defer func() {
		close(release)
		_ = d.Stop(context.Background())
	}()

	require.NoError(t, d.Submit(context.Background(), event("slow", "1")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, d.Dispatch(ctx, event("fast", "1")))
}

func TestDispatcher_TransientFailureIsDeadLettered(t *testing.T) {
	dl := &recordingDeadLetter{}
	calls := 0
	d := NewDispatcher(func(ctx context.Context, evt activity.Event) error {
		calls++
		return shared.ErrServiceUnavailable
	}, DispatcherConfig{RetryConfig: fastRetry(), DeadLetter: dl})
	defer d.Stop(context.Background())

	err := d.Dispatch(context.Background(), event("u1", "1"))

	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, dl.count())
	assert.Equal(t, int64(2), d.Metrics().Snapshot().TotalRetries)
	assert.Equal(t, int64(1), d.Metrics().Snapshot().TotalDeadLettered)
}

func TestDispatcher_PermanentFailureIsNotRetried(t *testing.T) {
	dl := &recordingDeadLetter{}
	calls := 0
	invalid := shared.NewDomainError("activity", "Validate", shared.ErrValidation, "bad")
	d := NewDispatcher(func(ctx context.Context, evt activity.Event) error {
		calls++
		return invalid
	}, DispatcherConfig{RetryConfig: fastRetry(), DeadLetter: dl})
	defer d.Stop(context.Background())

	err := d.Dispatch(context.Background(), event("u1", "1"))

	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Equal(t, 1, calls)
	assert.Zero(t, dl.count())
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher(func(ctx context.Context, evt activity.Event) error {
		if evt.ID == "boom" {
			panic("boom")
		}
		return nil
	}, DispatcherConfig{RetryConfig: fastRetry()})
	defer d.Stop(context.Background())

	err := d.Dispatch(context.Background(), event("u1", "boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	// The user's worker survived.
	assert.NoError(t, d.Dispatch(context.Background(), event("u1", "ok")))
}

func TestDispatcher_ReapsIdleWorkers(t *testing.T) {
	d := NewDispatcher(func(ctx context.Context, evt activity.Event) error { return nil },
		DispatcherConfig{IdleTimeout: 20 * time.Millisecond})
	defer d.Stop(context.Background())

	require.NoError(t, d.Dispatch(context.Background(), event("u1", "1")))
	require.NoError(t, d.Dispatch(context.Background(), event("u2", "1")))

	assert.Eventually(t, func() bool { return d.ActiveUsers() == 0 }, time.Second, 5*time.Millisecond)

	// A reaped user gets a fresh worker.
	assert.NoError(t, d.Dispatch(context.Background(), event("u1", "2")))
}

func TestDispatcher_StopRejectsNewEvents(t *testing.T) {
	d := NewDispatcher(func(ctx context.Context, evt activity.Event) error { return nil }, DispatcherConfig{})
	require.NoError(t, d.Stop(context.Background()))

	err := d.Submit(context.Background(), event("u1", "1"))
	assert.True(t, errors.Is(err, ErrDispatcherClosed))
	assert.NoError(t, d.Stop(context.Background()))
}
