package spool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var t0 = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

func openSpool(t *testing.T, maxAttempts int) (*Spool, *shared.FixedClock) {
	t.Helper()
	clock := shared.NewFixedClock(t0)
	s, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "spool.db"),
		MaxAttempts: maxAttempts,
		Clock:       clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func event(user string, at time.Time) activity.Event {
	return activity.Event{UserID: user, Type: activity.TypeLessonCompleted, Subject: "math", OccurredAt: at}
}

func TestSpool_PutAndAck(t *testing.T) {
	s, _ := openSpool(t, 5)
	ctx := context.Background()
	evt := event("u1", t0)

	require.NoError(t, s.Put(ctx, evt, errors.New("db down")))

	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, progress.Fingerprint(&evt), pending[0].Key)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "db down", pending[0].LastError)
	assert.Equal(t, "u1", pending[0].Event.UserID)
	assert.True(t, pending[0].Event.OccurredAt.Equal(t0))

	require.NoError(t, s.Ack(ctx, pending[0].Key))
	p, d, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, p)
	assert.Zero(t, d)
}

func TestSpool_RepeatedFailureIsBuried(t *testing.T) {
	s, clock := openSpool(t, 3)
	ctx := context.Background()
	evt := event("u1", t0)

	require.NoError(t, s.Put(ctx, evt, errors.New("first")))
	clock.Advance(time.Minute)
	require.NoError(t, s.Put(ctx, evt, errors.New("second")))

	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.True(t, pending[0].FirstFailedAt.Equal(t0))

	require.NoError(t, s.Put(ctx, evt, errors.New("third")))

	p, d, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, p)
	assert.Equal(t, 1, d)

	dead, err := s.Dead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "third", dead[0].LastError)

	require.NoError(t, s.Requeue(ctx, dead[0].Key))
	pending, err = s.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempts)
}

func TestSpool_BuryAndOrdering(t *testing.T) {
	s, clock := openSpool(t, 10)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, event("u1", t0), nil))
	clock.Advance(time.Second)
	require.NoError(t, s.Put(ctx, event("u2", t0), nil))
	clock.Advance(time.Second)
	require.NoError(t, s.Put(ctx, event("u3", t0), nil))

	pending, err := s.Pending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "u1", pending[0].Event.UserID)
	assert.Equal(t, "u2", pending[1].Event.UserID)

	require.NoError(t, s.Bury(ctx, pending[0].Key, errors.New("invalid")))
	assert.ErrorIs(t, s.Bury(ctx, pending[0].Key, nil), ErrEntryNotFound)

	p, d, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, p)
	assert.Equal(t, 1, d)
}

func TestSpool_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "spool.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, event("u1", t0), errors.New("x")))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
