package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/goal"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GOAL REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// GoalRepository implements goal.Repository.
type GoalRepository struct {
	conn *Connection
}

// NewGoalRepository creates a new GoalRepository.
func NewGoalRepository(conn *Connection) *GoalRepository {
	return &GoalRepository{conn: conn}
}

const goalColumns = `id, user_id, title, category, subject, target, current, starts_at, ends_at,
	milestones, reward, status, completed_at, completed_by, applied_events, version, created_at, updated_at`

// Get returns shared.ErrGoalNotFound for an unknown id.
func (r *GoalRepository) Get(ctx context.Context, id string) (*goal.Goal, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = $1`, id)
	g, err := scanGoal(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrGoalNotFound
		}
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	return g, nil
}

// ListByUser returns the user's goals in creation order.
func (r *GoalRepository) ListByUser(ctx context.Context, userID string, statuses ...goal.Status) ([]*goal.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE user_id = $1`
	args := []any{userID}
	if len(statuses) > 0 {
		s := make([]string, len(statuses))
		for i, st := range statuses {
			s[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, s)
	}
	query += ` ORDER BY created_at, id`
	return r.list(ctx, query, args...)
}

// ListActiveEndingBefore returns active goals whose end is before t.
func (r *GoalRepository) ListActiveEndingBefore(ctx context.Context, t time.Time, limit int) ([]*goal.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals
		WHERE status = 'active' AND ends_at IS NOT NULL AND ends_at < $1
		ORDER BY created_at, id`
	args := []any{t}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

// Save inserts when Version is 0, otherwise compare-and-swaps on version.
func (r *GoalRepository) Save(ctx context.Context, g *goal.Goal) error {
	target, err := json.Marshal(g.Target)
	if err != nil {
		return fmt.Errorf("failed to encode goal target: %w", err)
	}
	current, err := json.Marshal(g.Current)
	if err != nil {
		return fmt.Errorf("failed to encode goal progress: %w", err)
	}
	milestones := g.Milestones
	if milestones == nil {
		milestones = []goal.Milestone{}
	}
	ms, err := json.Marshal(milestones)
	if err != nil {
		return fmt.Errorf("failed to encode milestones: %w", err)
	}

	var rows int64
	if g.Version == 0 {
		tag, err := r.conn.Exec(ctx, `
			INSERT INTO goals (`+goalColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $17)
			ON CONFLICT (id) DO NOTHING
		`,
			g.ID, g.UserID, g.Title, string(g.Category), g.Subject, target, current,
			nullTime(g.Timeframe.From), nullTime(g.Timeframe.To),
			ms, g.Reward, string(g.Status), g.CompletedAt, g.CompletedBy, nonNil(g.Applied),
			g.CreatedAt, g.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert goal: %w", err)
		}
		rows = tag.RowsAffected()
	} else {
		tag, err := r.conn.Exec(ctx, `
			UPDATE goals
			SET title = $2, target = $3, current = $4, starts_at = $5, ends_at = $6,
			    milestones = $7, reward = $8, status = $9, completed_at = $10,
			    completed_by = $11, applied_events = $12, updated_at = $13, version = version + 1
			WHERE id = $1 AND version = $14
		`,
			g.ID, g.Title, target, current,
			nullTime(g.Timeframe.From), nullTime(g.Timeframe.To),
			ms, g.Reward, string(g.Status), g.CompletedAt, g.CompletedBy, nonNil(g.Applied),
			g.UpdatedAt, g.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update goal: %w", err)
		}
		rows = tag.RowsAffected()
	}

	if rows == 0 {
		return shared.ConflictError("goal", g.ID, g.Version)
	}
	g.Version++
	return nil
}

func (r *GoalRepository) list(ctx context.Context, query string, args ...any) ([]*goal.Goal, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	defer rows.Close()

	out := make([]*goal.Goal, 0)
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read goal: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGoal(row pgx.Row) (*goal.Goal, error) {
	var (
		g                           goal.Goal
		category, status            string
		target, current, milestones []byte
		startsAt, endsAt            *time.Time
		applied                     []string
	)
	err := row.Scan(
		&g.ID,
		&g.UserID,
		&g.Title,
		&category,
		&g.Subject,
		&target,
		&current,
		&startsAt,
		&endsAt,
		&milestones,
		&g.Reward,
		&status,
		&g.CompletedAt,
		&g.CompletedBy,
		&applied,
		&g.Version,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	g.Applied = applied
	g.Category = goal.Category(category)
	g.Status = goal.Status(status)
	g.Timeframe = shared.TimeRange{From: timeOrZero(startsAt), To: timeOrZero(endsAt)}
	if err := json.Unmarshal(target, &g.Target); err != nil {
		return nil, fmt.Errorf("failed to decode goal target: %w", err)
	}
	if err := json.Unmarshal(current, &g.Current); err != nil {
		return nil, fmt.Errorf("failed to decode goal progress: %w", err)
	}
	if err := json.Unmarshal(milestones, &g.Milestones); err != nil {
		return nil, fmt.Errorf("failed to decode milestones: %w", err)
	}
	if g.CompletedAt != nil {
		at := g.CompletedAt.UTC()
		g.CompletedAt = &at
	}
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return &g, nil
}
