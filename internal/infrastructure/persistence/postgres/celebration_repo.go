package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/celebration"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CELEBRATION REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// CelebrationRepository implements celebration.Repository.
type CelebrationRepository struct {
	conn *Connection
}

// NewCelebrationRepository creates a new CelebrationRepository.
func NewCelebrationRepository(conn *Connection) *CelebrationRepository {
	return &CelebrationRepository{conn: conn}
}

const celebrationColumns = `id, user_id, type, title, message, icon, priority, source_key, data,
	is_shown, shown_at, created_at, expires_at`

// Create stores c once per (user, source key).
func (r *CelebrationRepository) Create(ctx context.Context, c *celebration.Celebration) error {
	data := c.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode celebration data: %w", err)
	}

	tag, err := r.conn.Exec(ctx, `
		INSERT INTO celebrations (`+celebrationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, source_key) DO NOTHING
	`,
		c.ID,
		c.UserID,
		string(c.Type),
		c.Title,
		c.Message,
		c.Icon,
		int(c.Priority),
		c.SourceKey,
		raw,
		c.IsShown,
		c.ShownAt,
		c.CreatedAt,
		c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert celebration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrDuplicateCelebration
	}
	return nil
}

// Get returns shared.ErrCelebrationNotFound for an unknown id.
func (r *CelebrationRepository) Get(ctx context.Context, id string) (*celebration.Celebration, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+celebrationColumns+` FROM celebrations WHERE id = $1`, id)
	c, err := scanCelebration(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrCelebrationNotFound
		}
		return nil, fmt.Errorf("failed to get celebration: %w", err)
	}
	return c, nil
}

// ListPending returns unshown, unexpired celebrations, highest priority first.
func (r *CelebrationRepository) ListPending(ctx context.Context, userID string, now time.Time) ([]*celebration.Celebration, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+celebrationColumns+`
		FROM celebrations
		WHERE user_id = $1 AND NOT is_shown AND expires_at > $2
		ORDER BY priority DESC, created_at, id
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list celebrations: %w", err)
	}
	defer rows.Close()

	out := make([]*celebration.Celebration, 0)
	for rows.Next() {
		c, err := scanCelebration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read celebration: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkShown flags the celebration. Marking it twice keeps the first time.
func (r *CelebrationRepository) MarkShown(ctx context.Context, id string, at time.Time) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE celebrations
		SET is_shown = TRUE, shown_at = COALESCE(shown_at, $2)
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark celebration shown: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrCelebrationNotFound
	}
	return nil
}

// DeleteExpired removes celebrations whose expiry is not after now.
func (r *CelebrationRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.conn.Exec(ctx, `DELETE FROM celebrations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired celebrations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanCelebration(row pgx.Row) (*celebration.Celebration, error) {
	var (
		c        celebration.Celebration
		typ      string
		priority int
		data     []byte
	)
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&typ,
		&c.Title,
		&c.Message,
		&c.Icon,
		&priority,
		&c.SourceKey,
		&data,
		&c.IsShown,
		&c.ShownAt,
		&c.CreatedAt,
		&c.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	c.Type = celebration.Type(typ)
	c.Priority = celebration.Priority(priority)
	if err := json.Unmarshal(data, &c.Data); err != nil {
		return nil, fmt.Errorf("failed to decode celebration data: %w", err)
	}
	if c.ShownAt != nil {
		at := c.ShownAt.UTC()
		c.ShownAt = &at
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	return &c, nil
}
