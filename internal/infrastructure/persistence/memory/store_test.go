package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func record(id, user, fingerprint string, at time.Time) *progress.Record {
	return &progress.Record{
		ID:          id,
		UserID:      user,
		Kind:        progress.KindActivity,
		Fingerprint: fingerprint,
		OccurredAt:  at,
		RecordedAt:  at,
	}
}

func TestLedger_AppendRejectsDuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	l := New().Ledger()

	require.NoError(t, l.Append(ctx, record("r1", "u1", "fp", t0)))
	err := l.Append(ctx, record("r2", "u1", "fp", t0))
	assert.True(t, errors.Is(err, shared.ErrDuplicateEvent))

	// the same fingerprint for another user is a different event
	require.NoError(t, l.Append(ctx, record("r3", "u2", "fp", t0)))

	_, err = l.Get(ctx, "r2")
	assert.True(t, shared.IsNotFound(err))

	seen, err := l.HasFingerprint(ctx, "u1", "fp")
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = l.HasFingerprint(ctx, "u3", "fp")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestLedger_ScanInOccurrenceOrder(t *testing.T) {
	ctx := context.Background()
	l := New().Ledger()

	require.NoError(t, l.Append(ctx, record("late", "u1", "a", t0.Add(time.Hour))))
	require.NoError(t, l.Append(ctx, record("early", "u1", "b", t0)))
	require.NoError(t, l.Append(ctx, record("other", "u2", "c", t0)))

	var ids []string
	require.NoError(t, l.Scan(ctx, progress.Filter{UserID: "u1"}, func(r *progress.Record) error {
		ids = append(ids, r.ID)
		return nil
	}))
	assert.Equal(t, []string{"early", "late"}, ids)

	stop := errors.New("stop")
	calls := 0
	err := l.Scan(ctx, progress.Filter{}, func(*progress.Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestLedger_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l := New().Ledger()
	require.NoError(t, l.Append(ctx, record("r1", "u1", "fp", t0)))

	got, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	got.UserID = "mutated"

	again, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "u1", again.UserID)
}

func TestProfiles_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := New().Profiles()

	_, err := repo.Get(ctx, "u1")
	assert.True(t, shared.IsNotFound(err))

	p := profile.New("u1", t0)
	require.NoError(t, repo.Save(ctx, p))
	assert.Equal(t, int64(1), p.Version)

	// a second insert of the same user loses
	assert.True(t, shared.IsConflict(repo.Save(ctx, profile.New("u1", t0))))

	a, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, a))
	assert.True(t, shared.IsConflict(repo.Save(ctx, b)), "stale version must be rejected")

	latest, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
}

func TestProfiles_ListPages(t *testing.T) {
	ctx := context.Background()
	repo := New().Profiles()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, repo.Save(ctx, profile.New(id, t0)))
	}

	first, err := repo.List(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].UserID)
	assert.Equal(t, "b", first[1].UserID)

	rest, err := repo.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].UserID)

	none, err := repo.List(ctx, 5, 2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func newCelebration(id, user, source string, prio celebration.Priority, created time.Time) *celebration.Celebration {
	return &celebration.Celebration{
		ID:        id,
		UserID:    user,
		Type:      celebration.TypeAchievementEarned,
		Priority:  prio,
		SourceKey: source,
		Data:      map[string]any{"id": source},
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}
}

func TestCelebrations_UniqueSourceAndPendingOrder(t *testing.T) {
	ctx := context.Background()
	repo := New().Celebrations()

	require.NoError(t, repo.Create(ctx, newCelebration("c1", "u1", "level:2", celebration.PriorityNormal, t0)))
	require.NoError(t, repo.Create(ctx, newCelebration("c2", "u1", "achievement:first", celebration.PriorityHigh, t0.Add(time.Minute))))
	require.NoError(t, repo.Create(ctx, newCelebration("c3", "u1", "streak:7", celebration.PriorityNormal, t0.Add(-time.Minute))))

	err := repo.Create(ctx, newCelebration("c4", "u1", "level:2", celebration.PriorityLow, t0))
	assert.True(t, errors.Is(err, shared.ErrDuplicateCelebration))

	pending, err := repo.ListPending(ctx, "u1", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "c2", pending[0].ID)
	assert.Equal(t, "c3", pending[1].ID)
	assert.Equal(t, "c1", pending[2].ID)

	require.NoError(t, repo.MarkShown(ctx, "c2", t0.Add(time.Hour)))
	pending, err = repo.ListPending(ctx, "u1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	shown, err := repo.Get(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, shown.IsShown)
	require.NotNil(t, shown.ShownAt)
}

func TestCelebrations_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := New().Celebrations()

	require.NoError(t, repo.Create(ctx, newCelebration("old", "u1", "level:2", celebration.PriorityNormal, t0)))
	require.NoError(t, repo.Create(ctx, newCelebration("new", "u1", "level:3", celebration.PriorityNormal, t0.Add(12*time.Hour))))

	n, err := repo.DeleteExpired(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, "old")
	assert.True(t, shared.IsNotFound(err))
	_, err = repo.Get(ctx, "new")
	assert.NoError(t, err)

	assert.True(t, shared.IsNotFound(repo.MarkShown(ctx, "old", t0)))
}
