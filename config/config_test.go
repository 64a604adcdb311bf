package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, time.UTC, cfg.App.Location)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.UsesMemoryStore())
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 64, cfg.Engine.QueueSize)
	assert.Equal(t, time.Minute, cfg.Scheduler.RebuildInterval)
	assert.Equal(t, "data/spool.db", cfg.Spool.Path)
	assert.Equal(t, 10, cfg.Spool.MaxAttempts)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	t.Setenv("APP_TIMEZONE", "Asia/Almaty")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("ENGINE_MAX_CONFLICT_RETRIES", "9")
	t.Setenv("SCHEDULER_REBUILD_CRON", "*/5 * * * *")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.App.Environment)
	assert.Equal(t, "Asia/Almaty", cfg.App.Location.String())
	assert.True(t, cfg.UsesMemoryStore())
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, 9, cfg.Engine.MaxConflictRetries)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.RebuildCron)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("ENGINE_QUEUE_SIZE", "lots")
	t.Setenv("SCHEDULER_RUN_ON_START", "maybe")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Engine.QueueSize)
	assert.False(t, cfg.Scheduler.RunOnStart)
	assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
}

func TestLoad_InvalidTimezone(t *testing.T) {
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_TIMEZONE")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Setenv("APP_ENV", "qa")
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("ENGINE_QUEUE_SIZE", "0")
	t.Setenv("LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "configuration errors:")
	assert.Contains(t, msg, "App.Environment must be one of")
	assert.Contains(t, msg, "Database.Driver must be one of")
	assert.Contains(t, msg, "Engine.QueueSize must be greater than 0")
	assert.Contains(t, msg, "Observability.LogLevel must be one of")
}

func TestValidate_ProductionNeedsDatabaseURL(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required in production")

	t.Setenv("DATABASE_URL", "postgres://engine@db/progress")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidate_ConnBounds(t *testing.T) {
	t.Setenv("DB_MIN_CONNS", "20")
	t.Setenv("DB_MAX_CONNS", "5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_MIN_CONNS must not exceed DB_MAX_CONNS")
}
