package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD CACHE
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardCache keeps the latest snapshot of each definition in Redis
// as one JSON document under "progress:leaderboard:snapshot:{id}".
//
// Every call goes through a circuit breaker. Misses and decode errors
// do not trip it; connection errors do, after which calls fail fast with
// circuitbreaker.ErrCircuitOpen and callers fall back to Postgres.
type LeaderboardCache struct {
	cache   *Cache
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// NewLeaderboardCache creates a new LeaderboardCache. A zero ttl uses
// TTLSnapshotCache.
func NewLeaderboardCache(cache *Cache, ttl time.Duration, opts ...circuitbreaker.Option) *LeaderboardCache {
	if ttl <= 0 {
		ttl = TTLSnapshotCache
	}
	base := []circuitbreaker.Option{
		circuitbreaker.WithFailureThreshold(3),
		circuitbreaker.WithSuccessThreshold(1),
		circuitbreaker.WithTimeout(15 * time.Second),
		circuitbreaker.WithIsFailure(isOutage),
	}
	return &LeaderboardCache{
		cache:   cache,
		ttl:     ttl,
		breaker: circuitbreaker.New("redis-snapshots", append(base, opts...)...),
	}
}

// isOutage reports whether err says something about Redis health.
func isOutage(err error) bool {
	return !errors.Is(err, ErrCacheMiss) &&
		!errors.Is(err, ErrCacheSerialization) &&
		!errors.Is(err, ErrCacheNilValue) &&
		!errors.Is(err, context.Canceled)
}

// Breaker exposes the breaker state for metrics.
func (l *LeaderboardCache) Breaker() *circuitbreaker.CircuitBreaker {
	return l.breaker
}

var _ leaderboard.SnapshotCache = (*LeaderboardCache)(nil)

// Get returns the cached snapshot or ErrCacheMiss.
func (l *LeaderboardCache) Get(ctx context.Context, definitionID string) (*leaderboard.Snapshot, error) {
	var doc snapshotDoc
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		return l.cache.Get(ctx, SnapshotKey(definitionID), &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc.toDomain(), nil
}

// Set replaces the cached snapshot of s.DefinitionID.
func (l *LeaderboardCache) Set(ctx context.Context, s *leaderboard.Snapshot) error {
	if s == nil {
		return ErrCacheNilValue
	}
	data, err := json.Marshal(fromDomain(s))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	return l.breaker.Execute(ctx, func(ctx context.Context) error {
		return l.cache.client.Set(ctx, SnapshotKey(s.DefinitionID), data, l.ttl).Err()
	})
}

// Invalidate drops the cached snapshot of definitionID. It bypasses the
// breaker: a stale snapshot must be removed whenever Redis answers.
func (l *LeaderboardCache) Invalidate(ctx context.Context, definitionID string) error {
	return l.cache.Delete(ctx, SnapshotKey(definitionID))
}

// ══════════════════════════════════════════════════════════════════════════════
// SERIALIZATION
// ══════════════════════════════════════════════════════════════════════════════

type snapshotDoc struct {
	ID                string               `json:"id"`
	DefinitionID      string               `json:"definition_id"`
	Metric            leaderboard.Metric   `json:"metric"`
	WindowFrom        time.Time            `json:"window_from"`
	WindowTo          time.Time            `json:"window_to"`
	TotalParticipants int                  `json:"total_participants"`
	Entries           []*leaderboard.Entry `json:"entries"`
	GeneratedAt       time.Time            `json:"generated_at"`
}

func fromDomain(s *leaderboard.Snapshot) snapshotDoc {
	return snapshotDoc{
		ID:                s.ID,
		DefinitionID:      s.DefinitionID,
		Metric:            s.Metric,
		WindowFrom:        s.Window.From,
		WindowTo:          s.Window.To,
		TotalParticipants: s.TotalParticipants,
		Entries:           s.Entries,
		GeneratedAt:       s.GeneratedAt,
	}
}

func (d snapshotDoc) toDomain() *leaderboard.Snapshot {
	s := &leaderboard.Snapshot{
		ID:                d.ID,
		DefinitionID:      d.DefinitionID,
		Metric:            d.Metric,
		Window:            shared.TimeRange{From: d.WindowFrom, To: d.WindowTo},
		TotalParticipants: d.TotalParticipants,
		Entries:           d.Entries,
		GeneratedAt:       d.GeneratedAt,
	}
	if s.Entries == nil {
		s.Entries = []*leaderboard.Entry{}
	}
	s.RebuildIndex()
	return s
}
