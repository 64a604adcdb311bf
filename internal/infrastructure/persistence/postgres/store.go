package postgres

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
)

// Store groups the repositories over one connection pool.
type Store struct {
	conn *Connection
}

// NewStore wraps conn.
func NewStore(conn *Connection) *Store {
	return &Store{conn: conn}
}

func (s *Store) Ledger() progress.Ledger              { return NewLedgerRepository(s.conn) }
func (s *Store) Profiles() profile.Repository         { return NewProfileRepository(s.conn) }
func (s *Store) Achievements() achievement.Repository { return NewAchievementRepository(s.conn) }
func (s *Store) Goals() goal.Repository               { return NewGoalRepository(s.conn) }
func (s *Store) Leaderboards() leaderboard.Repository { return NewLeaderboardRepository(s.conn) }
func (s *Store) Celebrations() celebration.Repository { return NewCelebrationRepository(s.conn) }

// Connection returns the underlying pool wrapper.
func (s *Store) Connection() *Connection { return s.conn }

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
