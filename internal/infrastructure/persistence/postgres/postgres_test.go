package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestFilterSQL(t *testing.T) {
	from := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	tests := []struct {
		name      string
		filter    progress.Filter
		wantWhere string
		wantArgs  []any
	}{
		{
			name:      "empty filter scans everything",
			filter:    progress.Filter{},
			wantWhere: "",
		},
		{
			name:      "user only",
			filter:    progress.Filter{UserID: "u1"},
			wantWhere: " WHERE user_id = $1",
			wantArgs:  []any{"u1"},
		},
		{
			name: "every field",
			filter: progress.Filter{
				UserID:  "u1",
				Subject: "math",
				Grade:   "7",
				Window:  shared.TimeRange{From: from, To: to},
				Kinds:   []progress.Kind{progress.KindActivity, progress.KindCompensation},
			},
			wantWhere: " WHERE user_id = $1 AND subject = $2 AND grade = $3 AND occurred_at >= $4 AND occurred_at < $5 AND kind = ANY($6)",
			wantArgs:  []any{"u1", "math", "7", from, to, []string{"activity", "compensation"}},
		},
		{
			name:      "open ended window",
			filter:    progress.Filter{Window: shared.TimeRange{From: from}},
			wantWhere: " WHERE occurred_at >= $1",
			wantArgs:  []any{from},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			where, args := filterSQL(tt.filter)
			assert.Equal(t, tt.wantWhere, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestMigrations(t *testing.T) {
	migs := GetMigrations()
	require.NotEmpty(t, migs)

	seen := map[int]bool{}
	for i, m := range migs {
		assert.Equal(t, i+1, m.Version, "versions are contiguous")
		assert.False(t, seen[m.Version])
		seen[m.Version] = true
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, strings.TrimSpace(m.UpSQL))
		assert.NotEmpty(t, strings.TrimSpace(m.DownSQL))
	}

	all := ""
	for _, m := range migs {
		all += m.UpSQL
	}
	for _, table := range []string{
		"progress_records", "profiles", "achievement_definitions", "achievement_progress",
		"goals", "leaderboard_definitions", "leaderboard_snapshots", "celebrations",
	} {
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, all, "UNIQUE (user_id, fingerprint)")
	assert.Contains(t, all, "UNIQUE (user_id, source_key)")
}

func TestMigrator_SortsAndTracksPending(t *testing.T) {
	m := NewMigratorWithMigrations(nil, []Migration{
		{Version: 3, Name: "c"},
		{Version: 1, Name: "a"},
		{Version: 2, Name: "b"},
	})
	require.Len(t, m.migrations, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{m.migrations[0].Version, m.migrations[1].Version, m.migrations[2].Version})

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	todo := pending(m.migrations, applied)
	require.Len(t, todo, 2)
	assert.Equal(t, 2, todo[0].Version)

	status := markApplied(m.migrations, applied)
	assert.True(t, status[0].IsApplied)
	assert.Equal(t, at, status[0].AppliedAt)
	assert.False(t, status[1].IsApplied)
	assert.False(t, m.migrations[0].IsApplied, "status does not mutate the migrator")
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "secret"
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=progress")
	assert.Contains(t, dsn, "connect_timeout=10")

	cfg.URL = "postgres://u:p@db:5432/progress?sslmode=disable"
	assert.Equal(t, cfg.URL, cfg.DSN())

	pc, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(10), pc.MaxConns)
	assert.Equal(t, "db", pc.ConnConfig.Host)
}

func TestErrorHelpers(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsForeignKeyViolation(unique))
	assert.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)))
	assert.False(t, IsNoRows(errors.New("other")))
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))

	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	got := nullTime(at)
	require.NotNil(t, got)
	assert.True(t, at.Equal(*got))

	assert.True(t, timeOrZero(nil).IsZero())
	local := at.In(time.FixedZone("X", 3*3600))
	assert.Equal(t, time.UTC, timeOrZero(&local).Location())
}
