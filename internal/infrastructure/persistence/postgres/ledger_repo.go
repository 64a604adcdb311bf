package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository implements progress.Ledger. The table rejects updates
// and deletes with a trigger; a record is corrected by a compensation.
type LedgerRepository struct {
	conn *Connection
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(conn *Connection) *LedgerRepository {
	return &LedgerRepository{conn: conn}
}

const recordColumns = `id, user_id, kind, fingerprint, activity_type, subject, topic, grade,
	performance, points_base, points_bonus, points_total, streak_at_write,
	compensates_id, reason, occurred_at, recorded_at`

// Append inserts r. The (user_id, fingerprint) constraint makes a second
// append of the same event a no-op reported as shared.ErrDuplicateEvent.
func (r *LedgerRepository) Append(ctx context.Context, rec *progress.Record) error {
	perf, err := json.Marshal(rec.Performance)
	if err != nil {
		return fmt.Errorf("failed to encode performance: %w", err)
	}

	var compensates *string
	if rec.CompensatesID != "" {
		compensates = &rec.CompensatesID
	}

	tag, err := r.conn.Exec(ctx, `
		INSERT INTO progress_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (user_id, fingerprint) DO NOTHING
	`,
		rec.ID,
		rec.UserID,
		string(rec.Kind),
		rec.Fingerprint,
		string(rec.ActivityType),
		rec.Subject,
		rec.Topic,
		rec.Grade,
		perf,
		rec.Points.Base,
		rec.Points.Bonus,
		rec.Points.Total,
		rec.StreakAtWrite,
		compensates,
		rec.Reason,
		rec.OccurredAt,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrDuplicateEvent
	}
	return nil
}

// Get returns a record by id.
func (r *LedgerRepository) Get(ctx context.Context, id string) (*progress.Record, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+recordColumns+` FROM progress_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.NewDomainError("progress", "Get", shared.ErrNotFound, "record "+id+" not found")
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// HasFingerprint uses the (user_id, fingerprint) unique index.
func (r *LedgerRepository) HasFingerprint(ctx context.Context, userID, fingerprint string) (bool, error) {
	var exists bool
	err := r.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM progress_records WHERE user_id = $1 AND fingerprint = $2)`,
		userID, fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up fingerprint: %w", err)
	}
	return exists, nil
}

// Scan streams matching records ordered by occurrence. Ties keep insert
// order through recorded_at and id.
func (r *LedgerRepository) Scan(ctx context.Context, f progress.Filter, fn func(*progress.Record) error) error {
	where, args := filterSQL(f)
	rows, err := r.conn.Query(ctx,
		`SELECT `+recordColumns+` FROM progress_records`+where+` ORDER BY occurred_at, recorded_at, id`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to scan ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// filterSQL renders f as a WHERE clause with positional arguments.
func filterSQL(f progress.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Subject != "" {
		add("subject = $%d", f.Subject)
	}
	if f.Grade != "" {
		add("grade = $%d", f.Grade)
	}
	if !f.Window.From.IsZero() {
		add("occurred_at >= $%d", f.Window.From)
	}
	if !f.Window.To.IsZero() {
		add("occurred_at < $%d", f.Window.To)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d)", kinds)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRecord(row pgx.Row) (*progress.Record, error) {
	var (
		rec         progress.Record
		kind, typ   string
		perf        []byte
		compensates *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&kind,
		&rec.Fingerprint,
		&typ,
		&rec.Subject,
		&rec.Topic,
		&rec.Grade,
		&perf,
		&rec.Points.Base,
		&rec.Points.Bonus,
		&rec.Points.Total,
		&rec.StreakAtWrite,
		&compensates,
		&rec.Reason,
		&rec.OccurredAt,
		&rec.RecordedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = progress.Kind(kind)
	rec.ActivityType = activity.Type(typ)
	if compensates != nil {
		rec.CompensatesID = *compensates
	}
	if len(perf) > 0 {
		if err := json.Unmarshal(perf, &rec.Performance); err != nil {
			return nil, fmt.Errorf("failed to decode performance: %w", err)
		}
	}
	rec.OccurredAt = rec.OccurredAt.UTC()
	rec.RecordedAt = rec.RecordedAt.UTC()
	return &rec, nil
}
