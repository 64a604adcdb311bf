package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTRIES & TRENDS
// ══════════════════════════════════════════════════════════════════════════════

// Trend is the movement of a user relative to the previous snapshot.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendSame Trend = "same"
	TrendNew  Trend = "new"
)

// Entry is one ranked user.
type Entry struct {
	UserID string  `json:"user_id"`
	Rank   int     `json:"rank"`
	Score  float64 `json:"score"`
	// PreviousRank is 0 when the user was not on the previous snapshot.
	PreviousRank int   `json:"previous_rank"`
	Trend        Trend `json:"trend"`
}

// RankChange is positive when the user climbed.
func (e *Entry) RankChange() int {
	if e.PreviousRank == 0 {
		return 0
	}
	return e.PreviousRank - e.Rank
}

func applyTrends(previous *Snapshot, entries []*Entry) {
	for _, e := range entries {
		old := previous.Get(e.UserID)
		switch {
		case old == nil:
			e.PreviousRank, e.Trend = 0, TrendNew
		case e.Rank < old.Rank:
			e.PreviousRank, e.Trend = old.Rank, TrendUp
		case e.Rank > old.Rank:
			e.PreviousRank, e.Trend = old.Rank, TrendDown
		default:
			e.PreviousRank, e.Trend = old.Rank, TrendSame
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot is a complete ranked list produced by one aggregation run.
// Snapshots are replaced wholesale and never patched.
type Snapshot struct {
	ID           string
	DefinitionID string
	Metric       Metric
	Window       shared.TimeRange
	// TotalParticipants counts users before truncation.
	TotalParticipants int
	Entries           []*Entry
	GeneratedAt       time.Time

	byID map[string]*Entry
}

// Get returns the entry for userID or nil. Safe on a nil snapshot.
func (s *Snapshot) Get(userID string) *Entry {
	if s == nil {
		return nil
	}
	if s.byID == nil {
		s.RebuildIndex()
	}
	return s.byID[userID]
}

// Top returns the first n entries; n <= 0 returns all of them.
func (s *Snapshot) Top(n int) []*Entry {
	if n <= 0 || n > len(s.Entries) {
		n = len(s.Entries)
	}
	out := make([]*Entry, n)
	copy(out, s.Entries[:n])
	return out
}

// Count returns the number of ranked entries.
func (s *Snapshot) Count() int {
	return len(s.Entries)
}

// RebuildIndex rebuilds the lookup index after deserialization.
func (s *Snapshot) RebuildIndex() {
	s.byID = make(map[string]*Entry, len(s.Entries))
	for _, e := range s.Entries {
		s.byID[e.UserID] = e
	}
}

// String returns a summary for logging.
func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{ID: %s, Board: %s, Entries: %d/%d, At: %s}",
		s.ID, s.DefinitionID, len(s.Entries), s.TotalParticipants, s.GeneratedAt.Format(time.RFC3339))
}

// Repository stores definitions and the latest snapshot per definition.
type Repository interface {
	ListDefinitions(ctx context.Context, activeOnly bool) ([]*Definition, error)
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	UpsertDefinitions(ctx context.Context, defs []*Definition) error

	// LatestSnapshot returns shared.ErrSnapshotNotFound before the first run.
	LatestSnapshot(ctx context.Context, definitionID string) (*Snapshot, error)

	// ReplaceSnapshot atomically makes s the latest snapshot of its
	// definition. Readers see either the old or the new list, never a mix.
	ReplaceSnapshot(ctx context.Context, s *Snapshot) error
}

// SnapshotCache is an optional read-through cache in front of Repository.
type SnapshotCache interface {
	Get(ctx context.Context, definitionID string) (*Snapshot, error)
	Set(ctx context.Context, s *Snapshot) error
	Invalidate(ctx context.Context, definitionID string) error
}
