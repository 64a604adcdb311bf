package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/profile"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// ProfileRepository implements profile.Repository. The nested value
// objects are stored as jsonb; the version column carries the CAS.
type ProfileRepository struct {
	conn *Connection
}

// NewProfileRepository creates a new ProfileRepository.
func NewProfileRepository(conn *Connection) *ProfileRepository {
	return &ProfileRepository{conn: conn}
}

const profileColumns = `user_id, level, points, streaks, statistics, badges, titles, applied_events,
	version, created_at, updated_at`

// Get returns shared.ErrProfileNotFound when the user has no profile.
func (r *ProfileRepository) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// Save inserts a new profile when p.Version is 0 and otherwise updates
// the row only if its version still matches.
func (r *ProfileRepository) Save(ctx context.Context, p *profile.Profile) error {
	level, points, streaks, stats, err := encodeProfile(p)
	if err != nil {
		return err
	}
	badges, titles := nonNil(p.Badges), nonNil(p.Titles)
	applied := nonNil(p.Applied)

	if p.Version == 0 {
		tag, err := r.conn.Exec(ctx, `
			INSERT INTO profiles (`+profileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)
			ON CONFLICT (user_id) DO NOTHING
		`, p.UserID, level, points, streaks, stats, badges, titles, applied, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert profile: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return shared.ConflictError("profile", p.UserID, p.Version)
		}
		p.Version = 1
		return nil
	}

	tag, err := r.conn.Exec(ctx, `
		UPDATE profiles
		SET level = $2, points = $3, streaks = $4, statistics = $5,
		    badges = $6, titles = $7, applied_events = $8, updated_at = $9, version = version + 1
		WHERE user_id = $1 AND version = $10
	`, p.UserID, level, points, streaks, stats, badges, titles, applied, p.UpdatedAt, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ConflictError("profile", p.UserID, p.Version)
	}
	p.Version++
	return nil
}

// List returns profiles ordered by user id.
func (r *ProfileRepository) List(ctx context.Context, offset, limit int) ([]*profile.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles ORDER BY user_id OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]*profile.Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeProfile(p *profile.Profile) (level, points, streaks, stats []byte, err error) {
	if level, err = json.Marshal(p.Level); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode level: %w", err)
	}
	if points, err = json.Marshal(p.Points); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode points: %w", err)
	}
	if streaks, err = json.Marshal(p.Streaks); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode streaks: %w", err)
	}
	if stats, err = json.Marshal(p.Stats); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode statistics: %w", err)
	}
	return level, points, streaks, stats, nil
}

func scanProfile(row pgx.Row) (*profile.Profile, error) {
	var (
		p                             profile.Profile
		level, points, streaks, stats []byte
		applied                       []string
	)
	err := row.Scan(&p.UserID, &level, &points, &streaks, &stats, &p.Badges, &p.Titles, &applied,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Applied = applied

	for _, part := range []struct {
		raw []byte
		dst any
	}{
		{level, &p.Level},
		{points, &p.Points},
		{streaks, &p.Streaks},
		{stats, &p.Stats},
	} {
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, fmt.Errorf("failed to decode profile %s: %w", p.UserID, err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func nonNil[S ~[]string](s S) []string {
	if s == nil {
		return []string{}
	}
	return []string(s)
}
