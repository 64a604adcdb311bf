package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// AchievementRepository implements achievement.Repository.
type AchievementRepository struct {
	conn *Connection
}

// NewAchievementRepository creates a new AchievementRepository.
func NewAchievementRepository(conn *Connection) *AchievementRepository {
	return &AchievementRepository{conn: conn}
}

// ─────────────────────────────────────────────────────────────────────────────
// DEFINITIONS
// ─────────────────────────────────────────────────────────────────────────────

const achievementColumns = `id, name, description, icon, category, tier, criteria, rewards,
	prerequisite, active, total_earned, created_at, updated_at`

// ListDefinitions returns definitions ordered by id.
func (r *AchievementRepository) ListDefinitions(ctx context.Context, activeOnly bool) ([]*achievement.Definition, error) {
	query := `SELECT ` + achievementColumns + ` FROM achievement_definitions`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list achievements: %w", err)
	}
	defer rows.Close()

	out := make([]*achievement.Definition, 0)
	for rows.Next() {
		d, err := scanAchievement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read achievement: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDefinition returns shared.ErrAchievementNotFound for an unknown id.
func (r *AchievementRepository) GetDefinition(ctx context.Context, id string) (*achievement.Definition, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+achievementColumns+` FROM achievement_definitions WHERE id = $1`, id)
	d, err := scanAchievement(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrAchievementNotFound
		}
		return nil, fmt.Errorf("failed to get achievement: %w", err)
	}
	return d, nil
}

// UpsertDefinitions writes all definitions in one transaction. The
// earned counter and creation time of existing rows are left alone.
func (r *AchievementRepository) UpsertDefinitions(ctx context.Context, defs []*achievement.Definition) error {
	if len(defs) == 0 {
		return nil
	}

	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, d := range defs {
			criteria, err := json.Marshal(d.Criteria)
			if err != nil {
				return fmt.Errorf("failed to encode criteria of %s: %w", d.ID, err)
			}
			rewards, err := json.Marshal(d.Rewards)
			if err != nil {
				return fmt.Errorf("failed to encode rewards of %s: %w", d.ID, err)
			}
			batch.Queue(`
				INSERT INTO achievement_definitions
				(id, name, description, icon, category, tier, criteria, rewards, prerequisite, active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					description = EXCLUDED.description,
					icon = EXCLUDED.icon,
					category = EXCLUDED.category,
					tier = EXCLUDED.tier,
					criteria = EXCLUDED.criteria,
					rewards = EXCLUDED.rewards,
					prerequisite = EXCLUDED.prerequisite,
					active = EXCLUDED.active,
					updated_at = NOW()
			`,
				d.ID,
				d.Name,
				d.Description,
				d.Icon,
				string(d.Category),
				string(d.Tier),
				criteria,
				rewards,
				d.Prerequisite,
				d.Active,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for _, d := range defs {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("failed to upsert achievement %s: %w", d.ID, err)
			}
		}
		return br.Close()
	})
}

// IncrementEarned bumps the shared counter in a single statement.
func (r *AchievementRepository) IncrementEarned(ctx context.Context, id string) (int64, error) {
	var n int64
	err := r.conn.QueryRow(ctx, `
		UPDATE achievement_definitions SET total_earned = total_earned + 1
		WHERE id = $1
		RETURNING total_earned
	`, id).Scan(&n)
	if err != nil {
		if IsNoRows(err) {
			return 0, shared.ErrAchievementNotFound
		}
		return 0, fmt.Errorf("failed to increment earned count: %w", err)
	}
	return n, nil
}

func scanAchievement(row pgx.Row) (*achievement.Definition, error) {
	var (
		d                 achievement.Definition
		category, tier    string
		criteria, rewards []byte
	)
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Description,
		&d.Icon,
		&category,
		&tier,
		&criteria,
		&rewards,
		&d.Prerequisite,
		&d.Active,
		&d.TotalEarned,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Category = achievement.Category(category)
	d.Tier = achievement.Tier(tier)
	if err := json.Unmarshal(criteria, &d.Criteria); err != nil {
		return nil, fmt.Errorf("failed to decode criteria of %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(rewards, &d.Rewards); err != nil {
		return nil, fmt.Errorf("failed to decode rewards of %s: %w", d.ID, err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PROGRESS
// ─────────────────────────────────────────────────────────────────────────────

const progressColumns = `user_id, achievement_id, current, target, percentage, completed,
	completed_at, completed_by, applied_events, version, started_at, updated_at`

// GetProgress returns shared.ErrNotFound when the user never touched id.
func (r *AchievementRepository) GetProgress(ctx context.Context, userID, id string) (*achievement.Progress, error) {
	row := r.conn.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM achievement_progress WHERE user_id = $1 AND achievement_id = $2`,
		userID, id)
	p, err := scanProgress(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.NewDomainError("achievement", "GetProgress", shared.ErrNotFound,
				fmt.Sprintf("no progress for %s/%s", userID, id))
		}
		return nil, fmt.Errorf("failed to get achievement progress: %w", err)
	}
	return p, nil
}

// ListProgress returns the user's progress ordered by achievement id.
func (r *AchievementRepository) ListProgress(ctx context.Context, userID string) ([]*achievement.Progress, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT `+progressColumns+` FROM achievement_progress WHERE user_id = $1 ORDER BY achievement_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list achievement progress: %w", err)
	}
	defer rows.Close()

	out := make([]*achievement.Progress, 0)
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read achievement progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveProgress is a compare-and-swap on the version column.
func (r *AchievementRepository) SaveProgress(ctx context.Context, p *achievement.Progress) error {
	key := p.UserID + "/" + p.AchievementID

	var (
		tagRows int64
		err     error
	)
	if p.Version == 0 {
		tag, execErr := r.conn.Exec(ctx, `
			INSERT INTO achievement_progress (`+progressColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)
			ON CONFLICT (user_id, achievement_id) DO NOTHING
		`, p.UserID, p.AchievementID, p.Current, p.Target, p.Percentage, p.Completed,
			p.CompletedAt, p.CompletedBy, nonNil(p.Applied), p.StartedAt, p.UpdatedAt)
		tagRows, err = tag.RowsAffected(), execErr
	} else {
		tag, execErr := r.conn.Exec(ctx, `
			UPDATE achievement_progress
			SET current = $3, target = $4, percentage = $5, completed = $6, completed_at = $7,
			    completed_by = $8, applied_events = $9, started_at = $10, updated_at = $11,
			    version = version + 1
			WHERE user_id = $1 AND achievement_id = $2 AND version = $12
		`, p.UserID, p.AchievementID, p.Current, p.Target, p.Percentage, p.Completed,
			p.CompletedAt, p.CompletedBy, nonNil(p.Applied), p.StartedAt, p.UpdatedAt, p.Version)
		tagRows, err = tag.RowsAffected(), execErr
	}
	if err != nil {
		return fmt.Errorf("failed to save achievement progress %s: %w", key, err)
	}
	if tagRows == 0 {
		return shared.ConflictError("achievement progress", key, p.Version)
	}
	p.Version++
	return nil
}

func scanProgress(row pgx.Row) (*achievement.Progress, error) {
	var (
		p       achievement.Progress
		applied []string
	)
	err := row.Scan(
		&p.UserID,
		&p.AchievementID,
		&p.Current,
		&p.Target,
		&p.Percentage,
		&p.Completed,
		&p.CompletedAt,
		&p.CompletedBy,
		&applied,
		&p.Version,
		&p.StartedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Applied = applied
	if p.CompletedAt != nil {
		at := p.CompletedAt.UTC()
		p.CompletedAt = &at
	}
	p.StartedAt = p.StartedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
