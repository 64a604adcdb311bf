package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies the embedded schema in version order.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return NewMigratorWithMigrations(conn, GetMigrations())
}

// NewMigratorWithMigrations creates a migrator with custom migrations.
func NewMigratorWithMigrations(conn *Connection, migrations []Migration) *Migrator {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{
		conn:       conn,
		migrations: sorted,
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns applied versions with their timestamps.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
// It returns the versions it applied.
func (m *Migrator) Migrate(ctx context.Context) ([]int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	var done []int
	for _, mig := range pending(m.migrations, applied) {
		mig := mig
		if mig.UpSQL == "" {
			return done, fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			insertQuery := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName)
			_, err := tx.Exec(ctx, insertQuery, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return done, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		done = append(done, mig.Version)
	}
	return done, nil
}

// Rollback rolls back the last applied migration. It returns 0 when
// nothing was applied.
func (m *Migrator) Rollback(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	lastVersion := 0
	for v := range applied {
		if v > lastVersion {
			lastVersion = v
		}
	}
	if lastVersion == 0 {
		return 0, nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == lastVersion {
			migration = &m.migrations[i]
			break
		}
	}
	if migration == nil || migration.DownSQL == "" {
		return 0, fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, lastVersion)
	}

	err = m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", lastVersion, err)
		}
		deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName)
		_, err := tx.Exec(ctx, deleteQuery, lastVersion)
		return err
	})
	if err != nil {
		return 0, err
	}
	return lastVersion, nil
}

// Status returns every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	return markApplied(m.migrations, applied), nil
}

func pending(migrations []Migration, applied map[int]time.Time) []Migration {
	out := make([]Migration, 0, len(migrations))
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; !ok {
			out = append(out, mig)
		}
	}
	return out
}

func markApplied(migrations []Migration, applied map[int]time.Time) []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)
	for i := range result {
		if at, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = at
		}
	}
	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_ledger", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_profiles_and_achievements", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_goals", UpSQL: migration003Up, DownSQL: migration003Down},
		{Version: 4, Name: "create_leaderboards", UpSQL: migration004Up, DownSQL: migration004Down},
		{Version: 5, Name: "create_celebrations", UpSQL: migration005Up, DownSQL: migration005Down},
		{Version: 6, Name: "track_applied_events", UpSQL: migration006Up, DownSQL: migration006Down},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// 001: LEDGER
// ─────────────────────────────────────────────────────────────────────────────

const migration001Up = `
CREATE TABLE IF NOT EXISTS progress_records (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    kind VARCHAR(20) NOT NULL,
    fingerprint CHAR(64) NOT NULL,
    activity_type VARCHAR(40) NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    topic TEXT NOT NULL DEFAULT '',
    grade TEXT NOT NULL DEFAULT '',
    performance JSONB NOT NULL DEFAULT '{}'::jsonb,
    points_base INTEGER NOT NULL DEFAULT 0,
    points_bonus INTEGER NOT NULL DEFAULT 0,
    points_total INTEGER NOT NULL DEFAULT 0,
    streak_at_write INTEGER NOT NULL DEFAULT 0,
    compensates_id TEXT REFERENCES progress_records(id),
    reason TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT uq_progress_records_fingerprint UNIQUE (user_id, fingerprint),
    CONSTRAINT valid_kind CHECK (kind IN ('activity', 'compensation'))
);

CREATE INDEX IF NOT EXISTS idx_progress_records_user_occurred ON progress_records(user_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_progress_records_occurred ON progress_records(occurred_at);

-- The ledger is append-only.
CREATE OR REPLACE FUNCTION progress_records_immutable()
RETURNS TRIGGER AS $$
BEGIN
    RAISE EXCEPTION 'progress_records is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_progress_records_immutable ON progress_records;
CREATE TRIGGER trg_progress_records_immutable
    BEFORE UPDATE OR DELETE ON progress_records
    FOR EACH ROW EXECUTE FUNCTION progress_records_immutable();
`

const migration001Down = `
DROP TRIGGER IF EXISTS trg_progress_records_immutable ON progress_records;
DROP FUNCTION IF EXISTS progress_records_immutable();
DROP TABLE IF EXISTS progress_records;
`

// ─────────────────────────────────────────────────────────────────────────────
// 002: PROFILES AND ACHIEVEMENTS
// ─────────────────────────────────────────────────────────────────────────────

const migration002Up = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id TEXT PRIMARY KEY,
    level JSONB NOT NULL,
    points JSONB NOT NULL,
    streaks JSONB NOT NULL,
    statistics JSONB NOT NULL,
    badges TEXT[] NOT NULL DEFAULT '{}',
    titles TEXT[] NOT NULL DEFAULT '{}',
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS achievement_definitions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    icon TEXT NOT NULL DEFAULT '',
    category VARCHAR(40) NOT NULL,
    tier VARCHAR(20) NOT NULL,
    criteria JSONB NOT NULL,
    rewards JSONB NOT NULL,
    prerequisite TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    total_earned BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS achievement_progress (
    user_id TEXT NOT NULL,
    achievement_id TEXT NOT NULL REFERENCES achievement_definitions(id),
    current INTEGER NOT NULL DEFAULT 0,
    target INTEGER NOT NULL,
    percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
    completed BOOLEAN NOT NULL DEFAULT FALSE,
    completed_at TIMESTAMP WITH TIME ZONE,
    version BIGINT NOT NULL DEFAULT 1,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,

    PRIMARY KEY (user_id, achievement_id)
);
`

const migration002Down = `
DROP TABLE IF EXISTS achievement_progress;
DROP TABLE IF EXISTS achievement_definitions;
DROP TABLE IF EXISTS profiles;
`

// ─────────────────────────────────────────────────────────────────────────────
// 003: GOALS
// ─────────────────────────────────────────────────────────────────────────────

const migration003Up = `
CREATE TABLE IF NOT EXISTS goals (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    category VARCHAR(40) NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    target JSONB NOT NULL,
    current JSONB NOT NULL,
    starts_at TIMESTAMP WITH TIME ZONE,
    ends_at TIMESTAMP WITH TIME ZONE,
    milestones JSONB NOT NULL DEFAULT '[]'::jsonb,
    reward INTEGER NOT NULL DEFAULT 0,
    status VARCHAR(20) NOT NULL,
    completed_at TIMESTAMP WITH TIME ZONE,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_goal_status CHECK (status IN ('active', 'paused', 'completed', 'failed', 'cancelled'))
);

CREATE INDEX IF NOT EXISTS idx_goals_user ON goals(user_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_goals_active_end ON goals(ends_at) WHERE status = 'active';
`

const migration003Down = `
DROP TABLE IF EXISTS goals;
`

// ─────────────────────────────────────────────────────────────────────────────
// 004: LEADERBOARDS
// ─────────────────────────────────────────────────────────────────────────────

const migration004Up = `
CREATE TABLE IF NOT EXISTS leaderboard_definitions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    metric VARCHAR(40) NOT NULL,
    timeframe VARCHAR(20) NOT NULL,
    filters JSONB NOT NULL DEFAULT '{}'::jsonb,
    settings JSONB NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

-- One row per definition: replacing the row swaps the whole list at once.
CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
    definition_id TEXT PRIMARY KEY REFERENCES leaderboard_definitions(id) ON DELETE CASCADE,
    id TEXT NOT NULL,
    metric VARCHAR(40) NOT NULL,
    window_from TIMESTAMP WITH TIME ZONE,
    window_to TIMESTAMP WITH TIME ZONE,
    total_participants INTEGER NOT NULL DEFAULT 0,
    entries JSONB NOT NULL DEFAULT '[]'::jsonb,
    generated_at TIMESTAMP WITH TIME ZONE NOT NULL
);
`

const migration004Down = `
DROP TABLE IF EXISTS leaderboard_snapshots;
DROP TABLE IF EXISTS leaderboard_definitions;
`

// ─────────────────────────────────────────────────────────────────────────────
// 005: CELEBRATIONS
// ─────────────────────────────────────────────────────────────────────────────

const migration005Up = `
CREATE TABLE IF NOT EXISTS celebrations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type VARCHAR(40) NOT NULL,
    title TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    icon TEXT NOT NULL DEFAULT '',
    priority SMALLINT NOT NULL DEFAULT 2,
    source_key TEXT NOT NULL,
    data JSONB NOT NULL DEFAULT '{}'::jsonb,
    is_shown BOOLEAN NOT NULL DEFAULT FALSE,
    shown_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT uq_celebrations_source UNIQUE (user_id, source_key)
);

CREATE INDEX IF NOT EXISTS idx_celebrations_pending ON celebrations(user_id, priority DESC, created_at) WHERE is_shown = FALSE;
CREATE INDEX IF NOT EXISTS idx_celebrations_expires ON celebrations(expires_at);
`

const migration005Down = `
DROP TABLE IF EXISTS celebrations;
`

// ─────────────────────────────────────────────────────────────────────────────
// 006: APPLIED EVENTS
// ─────────────────────────────────────────────────────────────────────────────

const migration006Up = `
ALTER TABLE profiles
    ADD COLUMN IF NOT EXISTS applied_events TEXT[] NOT NULL DEFAULT '{}';

ALTER TABLE achievement_progress
    ADD COLUMN IF NOT EXISTS completed_by TEXT NOT NULL DEFAULT '',
    ADD COLUMN IF NOT EXISTS applied_events TEXT[] NOT NULL DEFAULT '{}';

ALTER TABLE goals
    ADD COLUMN IF NOT EXISTS completed_by TEXT NOT NULL DEFAULT '',
    ADD COLUMN IF NOT EXISTS applied_events TEXT[] NOT NULL DEFAULT '{}';
`

const migration006Down = `
ALTER TABLE goals DROP COLUMN IF EXISTS applied_events, DROP COLUMN IF EXISTS completed_by;
ALTER TABLE achievement_progress DROP COLUMN IF EXISTS applied_events, DROP COLUMN IF EXISTS completed_by;
ALTER TABLE profiles DROP COLUMN IF EXISTS applied_events;
`
