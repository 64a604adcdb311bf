package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Reads the latest snapshot of a definition, through the cache when one
// is configured. Snapshots are immutable, so a cached copy is either the
// current list or an older complete list; never a mix.
// ══════════════════════════════════════════════════════════════════════════════

const (
	defaultLeaderboardLimit = 20
	maxLeaderboardLimit     = 100
)

// GetLeaderboardQuery selects the top of one leaderboard.
type GetLeaderboardQuery struct {
	DefinitionID string
	// Limit defaults to 20 and is capped at 100.
	Limit int
}

// Validate normalizes and checks the query.
func (q *GetLeaderboardQuery) Validate() error {
	id, err := shared.ValidateID("query", "leaderboard id", q.DefinitionID)
	if err != nil {
		return err
	}
	q.DefinitionID = id
	if q.Limit < 0 {
		return shared.NewDomainError("query", "GetLeaderboard", shared.ErrNegativeValue, "limit cannot be negative")
	}
	if q.Limit == 0 {
		q.Limit = defaultLeaderboardLimit
	}
	if q.Limit > maxLeaderboardLimit {
		q.Limit = maxLeaderboardLimit
	}
	return nil
}

// LeaderboardEntryDTO is one ranked row.
type LeaderboardEntryDTO struct {
	Rank         int               `json:"rank"`
	UserID       string            `json:"user_id"`
	Score        float64           `json:"score"`
	PreviousRank int               `json:"previous_rank,omitempty"`
	RankChange   int               `json:"rank_change"`
	Trend        leaderboard.Trend `json:"trend"`
}

// GetLeaderboardResult is the read model of a leaderboard.
type GetLeaderboardResult struct {
	DefinitionID string                `json:"definition_id"`
	Name         string                `json:"name"`
	Metric       leaderboard.Metric    `json:"metric"`
	Timeframe    leaderboard.Timeframe `json:"timeframe"`
	Entries      []LeaderboardEntryDTO `json:"entries"`
	// TotalParticipants counts users before truncation to MaxParticipants.
	TotalParticipants int       `json:"total_participants"`
	WindowFrom        time.Time `json:"window_from,omitempty"`
	WindowTo          time.Time `json:"window_to,omitempty"`
	// GeneratedAt is zero until the first aggregation run.
	GeneratedAt time.Time `json:"generated_at"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
}

// UserRankResult is one user's position on a leaderboard.
type UserRankResult struct {
	DefinitionID      string               `json:"definition_id"`
	UserID            string               `json:"user_id"`
	Ranked            bool                 `json:"ranked"`
	Entry             *LeaderboardEntryDTO `json:"entry,omitempty"`
	TotalParticipants int                  `json:"total_participants"`
	// Percentile is the share of participants ranked below the user.
	Percentile  float64   `json:"percentile"`
	GeneratedAt time.Time `json:"generated_at"`
}

// GetLeaderboardHandler serves GetLeaderboard and GetUserRank.
type GetLeaderboardHandler struct {
	boards leaderboard.Repository
	cache  leaderboard.SnapshotCache
	log    *logger.Logger
}

// NewGetLeaderboardHandler creates a new GetLeaderboardHandler. cache may be nil.
func NewGetLeaderboardHandler(boards leaderboard.Repository, cache leaderboard.SnapshotCache, log *logger.Logger) *GetLeaderboardHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &GetLeaderboardHandler{boards: boards, cache: cache, log: log.Named("query.leaderboard")}
}

// Handle returns the top q.Limit entries of the latest snapshot.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, q GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	def, err := h.boards.GetDefinition(ctx, q.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	result := &GetLeaderboardResult{
		DefinitionID: def.ID,
		Name:         def.Name,
		Metric:       def.Metric,
		Timeframe:    def.Timeframe,
		Entries:      []LeaderboardEntryDTO{},
	}

	snap, err := h.snapshot(ctx, def.ID)
	if errors.Is(err, shared.ErrSnapshotNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	for _, e := range snap.Top(q.Limit) {
		result.Entries = append(result.Entries, toEntryDTO(e))
	}
	result.TotalParticipants = snap.TotalParticipants
	result.WindowFrom = snap.Window.From
	result.WindowTo = snap.Window.To
	result.GeneratedAt = snap.GeneratedAt
	result.SnapshotID = snap.ID
	return result, nil
}

// UserRank returns userID's position on definitionID. A user outside the
// snapshot is reported with Ranked false.
func (h *GetLeaderboardHandler) UserRank(ctx context.Context, definitionID, userID string) (*UserRankResult, error) {
	definitionID, err := shared.ValidateID("query", "leaderboard id", definitionID)
	if err != nil {
		return nil, err
	}
	userID, err = shared.ValidateID("query", "user id", userID)
	if err != nil {
		return nil, err
	}

	if _, err := h.boards.GetDefinition(ctx, definitionID); err != nil {
		return nil, fmt.Errorf("get user rank: %w", err)
	}

	result := &UserRankResult{DefinitionID: definitionID, UserID: userID}
	snap, err := h.snapshot(ctx, definitionID)
	if errors.Is(err, shared.ErrSnapshotNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.TotalParticipants = snap.TotalParticipants
	result.GeneratedAt = snap.GeneratedAt
	if e := snap.Get(userID); e != nil {
		dto := toEntryDTO(e)
		result.Ranked = true
		result.Entry = &dto
		if snap.TotalParticipants > 0 {
			result.Percentile = float64(snap.TotalParticipants-e.Rank) / float64(snap.TotalParticipants) * 100
		}
	}
	return result, nil
}

// snapshot reads through the cache. Cache failures are logged and fall
// back to the repository.
func (h *GetLeaderboardHandler) snapshot(ctx context.Context, definitionID string) (*leaderboard.Snapshot, error) {
	if h.cache != nil {
		snap, err := h.cache.Get(ctx, definitionID)
		if err == nil {
			return snap, nil
		}
		h.log.Debug("snapshot cache miss", logger.LeaderboardID(definitionID), logger.Err(err))
	}

	snap, err := h.boards.LatestSnapshot(ctx, definitionID)
	if err != nil {
		if errors.Is(err, shared.ErrSnapshotNotFound) {
			return nil, err
		}
		return nil, shared.WrapError("query", "GetLeaderboard", shared.ErrServiceUnavailable, "failed to load snapshot", err)
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, snap); err != nil {
			h.log.Warn("failed to cache snapshot", logger.LeaderboardID(definitionID), logger.Err(err))
		}
	}
	return snap, nil
}

func toEntryDTO(e *leaderboard.Entry) LeaderboardEntryDTO {
	return LeaderboardEntryDTO{
		Rank:         e.Rank,
		UserID:       e.UserID,
		Score:        e.Score,
		PreviousRank: e.PreviousRank,
		RankChange:   e.RankChange(),
		Trend:        e.Trend,
	}
}
