// Package config loads engine configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment represents the application environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	App           AppConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Engine        EngineConfig
	Leaderboard   LeaderboardConfig
	Scheduler     SchedulerConfig
	Spool         SpoolConfig
	HTTP          HTTPConfig
	Observability ObservabilityConfig
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string      `validate:"required"`
	Environment Environment `validate:"oneof=development staging production"`
	Version     string

	// Timezone decides where a streak day starts (default: UTC).
	Timezone string
	Location *time.Location `validate:"required"`

	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// DatabaseConfig holds PostgreSQL settings. Driver "memory" runs the
// engine on the in-process store and ignores the rest.
type DatabaseConfig struct {
	Driver string `validate:"oneof=postgres memory"`

	// URL wins over the discrete fields when set.
	URL      string
	Host     string
	Port     int `validate:"gte=0,lte=65535"`
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxConns        int32 `validate:"gte=0"`
	MinConns        int32 `validate:"gte=0"`
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration

	// AutoMigrate applies pending migrations when the worker starts.
	AutoMigrate bool
}

// RedisConfig holds Redis settings. Redis is optional: without it the
// snapshot cache, rebuild locks and celebration fan-out are skipped.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int `validate:"gte=0,lte=65535"`
	Password string
	DB       int `validate:"gte=0"`
	PoolSize int `validate:"gte=0"`

	// SnapshotTTL is how long a cached leaderboard snapshot lives.
	SnapshotTTL time.Duration `validate:"gt=0"`

	// CelebrationChannel is the pub/sub channel celebrations go out on.
	CelebrationChannel string
}

// EngineConfig tunes the event pipeline.
type EngineConfig struct {
	// QueueSize is the per-user dispatcher buffer.
	QueueSize          int           `validate:"gt=0"`
	IdleTimeout        time.Duration `validate:"gt=0"`
	HandlerTimeout     time.Duration `validate:"gt=0"`
	MaxRetries         int           `validate:"gte=0"`
	MaxConflictRetries int           `validate:"gt=0"`

	// DefinitionsFile is loaded into the store on start when set.
	DefinitionsFile string
}

// LeaderboardConfig tunes the aggregation job.
type LeaderboardConfig struct {
	Concurrency int           `validate:"gt=0"`
	Timeout     time.Duration `validate:"gt=0"`
	LockTTL     time.Duration `validate:"gt=0"`
}

// SchedulerConfig holds job schedules. A cron expression, when set,
// replaces the matching interval.
type SchedulerConfig struct {
	Enabled      bool
	TickInterval time.Duration `validate:"gt=0"`
	RunOnStart   bool

	RebuildInterval     time.Duration `validate:"gt=0"`
	RebuildCron         string
	ExpireGoalsInterval time.Duration `validate:"gt=0"`
	PurgeInterval       time.Duration `validate:"gt=0"`
	PurgeCron           string
	RedeliverInterval   time.Duration `validate:"gt=0"`

	// BatchSize bounds rows handled per job run.
	BatchSize int `validate:"gt=0"`
}

// SpoolConfig holds the redelivery spool settings.
type SpoolConfig struct {
	Path        string `validate:"required"`
	MaxAttempts int    `validate:"gt=0"`
}

// HTTPConfig holds the ops server settings.
type HTTPConfig struct {
	Enabled bool
	Host    string
	Port    int `validate:"gte=0,lte=65535"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       string `validate:"oneof=debug info warn warning error"`
	LogMode        string `validate:"oneof=production development dev"`
	MetricsEnabled bool
}

var validate = validator.New()

// Load reads .env (when present) and then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		App:           loadAppConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Engine:        loadEngineConfig(),
		Leaderboard:   loadLeaderboardConfig(),
		Scheduler:     loadSchedulerConfig(),
		Spool:         loadSpoolConfig(),
		HTTP:          loadHTTPConfig(),
		Observability: loadObservabilityConfig(),
	}

	if cfg.App.Timezone != "" {
		loc, err := time.LoadLocation(cfg.App.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", cfg.App.Timezone, err)
		}
		cfg.App.Location = loc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAppConfig() AppConfig {
	return AppConfig{
		Name:            getEnv("APP_NAME", "progress-engine"),
		Environment:     Environment(getEnv("APP_ENV", string(EnvDevelopment))),
		Version:         getEnv("APP_VERSION", "dev"),
		Timezone:        getEnv("APP_TIMEZONE", "UTC"),
		Location:        time.UTC,
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", "postgres"),
		URL:             getEnv("DATABASE_URL", ""),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		Name:            getEnv("DB_NAME", "progress"),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 10)),
		MinConns:        int32(getEnvInt("DB_MIN_CONNS", 2)),
		MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
		MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		ConnectTimeout:  getEnvDuration("DB_CONNECT_TIMEOUT", 10*time.Second),
		AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", false),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:            getEnvBool("REDIS_ENABLED", false),
		Host:               getEnv("REDIS_HOST", "localhost"),
		Port:               getEnvInt("REDIS_PORT", 6379),
		Password:           getEnv("REDIS_PASSWORD", ""),
		DB:                 getEnvInt("REDIS_DB", 0),
		PoolSize:           getEnvInt("REDIS_POOL_SIZE", 10),
		SnapshotTTL:        getEnvDuration("REDIS_SNAPSHOT_TTL", 10*time.Minute),
		CelebrationChannel: getEnv("REDIS_CELEBRATION_CHANNEL", ""),
	}
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		QueueSize:          getEnvInt("ENGINE_QUEUE_SIZE", 64),
		IdleTimeout:        getEnvDuration("ENGINE_IDLE_TIMEOUT", time.Minute),
		HandlerTimeout:     getEnvDuration("ENGINE_HANDLER_TIMEOUT", 30*time.Second),
		MaxRetries:         getEnvInt("ENGINE_MAX_RETRIES", 3),
		MaxConflictRetries: getEnvInt("ENGINE_MAX_CONFLICT_RETRIES", 5),
		DefinitionsFile:    getEnv("ENGINE_DEFINITIONS_FILE", ""),
	}
}

func loadLeaderboardConfig() LeaderboardConfig {
	return LeaderboardConfig{
		Concurrency: getEnvInt("LEADERBOARD_CONCURRENCY", 4),
		Timeout:     getEnvDuration("LEADERBOARD_TIMEOUT", 5*time.Minute),
		LockTTL:     getEnvDuration("LEADERBOARD_LOCK_TTL", 2*time.Minute),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:             getEnvBool("SCHEDULER_ENABLED", true),
		TickInterval:        getEnvDuration("SCHEDULER_TICK_INTERVAL", time.Second),
		RunOnStart:          getEnvBool("SCHEDULER_RUN_ON_START", false),
		RebuildInterval:     getEnvDuration("SCHEDULER_REBUILD_INTERVAL", time.Minute),
		RebuildCron:         getEnv("SCHEDULER_REBUILD_CRON", ""),
		ExpireGoalsInterval: getEnvDuration("SCHEDULER_EXPIRE_GOALS_INTERVAL", 15*time.Minute),
		PurgeInterval:       getEnvDuration("SCHEDULER_PURGE_INTERVAL", time.Hour),
		PurgeCron:           getEnv("SCHEDULER_PURGE_CRON", ""),
		RedeliverInterval:   getEnvDuration("SCHEDULER_REDELIVER_INTERVAL", 30*time.Second),
		BatchSize:           getEnvInt("SCHEDULER_BATCH_SIZE", 500),
	}
}

func loadSpoolConfig() SpoolConfig {
	return SpoolConfig{
		Path:        getEnv("SPOOL_PATH", "data/spool.db"),
		MaxAttempts: getEnvInt("SPOOL_MAX_ATTEMPTS", 10),
	}
}

func loadHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Enabled: getEnvBool("HTTP_ENABLED", true),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvInt("HTTP_PORT", 9090),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogMode:        strings.ToLower(getEnv("LOG_MODE", "production")),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate configuration: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	if c.Database.Driver == "postgres" && c.App.Environment == EnvProduction && c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required in production")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, "DB_MIN_CONNS must not exceed DB_MAX_CONNS")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// UsesMemoryStore reports whether the engine runs without Postgres.
func (c *Config) UsesMemoryStore() bool {
	return c.Database.Driver == "memory"
}

// --- Helper functions for environment variable parsing ---

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
