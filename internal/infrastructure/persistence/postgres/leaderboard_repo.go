package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardRepository implements leaderboard.Repository. Each
// definition owns at most one snapshot row, and replacing it is a single
// upsert so readers never see a partial list.
type LeaderboardRepository struct {
	conn *Connection
}

// NewLeaderboardRepository creates a new LeaderboardRepository.
func NewLeaderboardRepository(conn *Connection) *LeaderboardRepository {
	return &LeaderboardRepository{conn: conn}
}

// ─────────────────────────────────────────────────────────────────────────────
// DEFINITIONS
// ─────────────────────────────────────────────────────────────────────────────

const boardColumns = `id, name, description, metric, timeframe, filters, settings, created_at, updated_at`

// ListDefinitions returns definitions ordered by id.
func (r *LeaderboardRepository) ListDefinitions(ctx context.Context, activeOnly bool) ([]*leaderboard.Definition, error) {
	query := `SELECT ` + boardColumns + ` FROM leaderboard_definitions`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY id`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaderboards: %w", err)
	}
	defer rows.Close()

	out := make([]*leaderboard.Definition, 0)
	for rows.Next() {
		d, err := scanBoard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read leaderboard: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDefinition returns shared.ErrLeaderboardNotFound for an unknown id.
func (r *LeaderboardRepository) GetDefinition(ctx context.Context, id string) (*leaderboard.Definition, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+boardColumns+` FROM leaderboard_definitions WHERE id = $1`, id)
	d, err := scanBoard(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrLeaderboardNotFound
		}
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}
	return d, nil
}

// UpsertDefinitions writes all definitions in one transaction.
func (r *LeaderboardRepository) UpsertDefinitions(ctx context.Context, defs []*leaderboard.Definition) error {
	if len(defs) == 0 {
		return nil
	}

	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, d := range defs {
			filters, err := json.Marshal(d.Filters)
			if err != nil {
				return fmt.Errorf("failed to encode filters of %s: %w", d.ID, err)
			}
			settings, err := json.Marshal(d.Settings)
			if err != nil {
				return fmt.Errorf("failed to encode settings of %s: %w", d.ID, err)
			}
			batch.Queue(`
				INSERT INTO leaderboard_definitions
				(id, name, description, metric, timeframe, filters, settings, is_active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					description = EXCLUDED.description,
					metric = EXCLUDED.metric,
					timeframe = EXCLUDED.timeframe,
					filters = EXCLUDED.filters,
					settings = EXCLUDED.settings,
					is_active = EXCLUDED.is_active,
					updated_at = NOW()
			`,
				d.ID,
				d.Name,
				d.Description,
				string(d.Metric),
				string(d.Timeframe),
				filters,
				settings,
				d.Settings.IsActive,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for _, d := range defs {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("failed to upsert leaderboard %s: %w", d.ID, err)
			}
		}
		return br.Close()
	})
}

func scanBoard(row pgx.Row) (*leaderboard.Definition, error) {
	var (
		d                 leaderboard.Definition
		metric, timeframe string
		filters, settings []byte
	)
	err := row.Scan(&d.ID, &d.Name, &d.Description, &metric, &timeframe, &filters, &settings, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Metric = leaderboard.Metric(metric)
	d.Timeframe = leaderboard.Timeframe(timeframe)
	if err := json.Unmarshal(filters, &d.Filters); err != nil {
		return nil, fmt.Errorf("failed to decode filters of %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(settings, &d.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings of %s: %w", d.ID, err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SNAPSHOTS
// ─────────────────────────────────────────────────────────────────────────────

// LatestSnapshot returns shared.ErrSnapshotNotFound before the first run.
func (r *LeaderboardRepository) LatestSnapshot(ctx context.Context, definitionID string) (*leaderboard.Snapshot, error) {
	var (
		s                    leaderboard.Snapshot
		metric               string
		windowFrom, windowTo *time.Time
		entries              []byte
	)
	err := r.conn.QueryRow(ctx, `
		SELECT id, definition_id, metric, window_from, window_to, total_participants, entries, generated_at
		FROM leaderboard_snapshots
		WHERE definition_id = $1
	`, definitionID).Scan(&s.ID, &s.DefinitionID, &metric, &windowFrom, &windowTo, &s.TotalParticipants, &entries, &s.GeneratedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	s.Metric = leaderboard.Metric(metric)
	s.Window = shared.TimeRange{From: timeOrZero(windowFrom), To: timeOrZero(windowTo)}
	s.GeneratedAt = s.GeneratedAt.UTC()
	if err := json.Unmarshal(entries, &s.Entries); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot entries: %w", err)
	}
	s.RebuildIndex()
	return &s, nil
}

// ReplaceSnapshot upserts the single snapshot row of the definition.
func (r *LeaderboardRepository) ReplaceSnapshot(ctx context.Context, s *leaderboard.Snapshot) error {
	entries := s.Entries
	if entries == nil {
		entries = []*leaderboard.Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot entries: %w", err)
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO leaderboard_snapshots
		(definition_id, id, metric, window_from, window_to, total_participants, entries, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (definition_id) DO UPDATE SET
			id = EXCLUDED.id,
			metric = EXCLUDED.metric,
			window_from = EXCLUDED.window_from,
			window_to = EXCLUDED.window_to,
			total_participants = EXCLUDED.total_participants,
			entries = EXCLUDED.entries,
			generated_at = EXCLUDED.generated_at
	`,
		s.DefinitionID,
		s.ID,
		string(s.Metric),
		nullTime(s.Window.From),
		nullTime(s.Window.To),
		s.TotalParticipants,
		raw,
		s.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to replace snapshot of %s: %w", s.DefinitionID, err)
	}
	s.RebuildIndex()
	return nil
}
