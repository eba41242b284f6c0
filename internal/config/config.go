// Package config loads service configuration from YAML and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use "__",
// e.g. CONTEST_SYNC_DATABASE__URL.
const EnvPrefix = "CONTEST_SYNC_"

// State drivers.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	State    StateConfig    `koanf:"state"`
	Provider ProviderConfig `koanf:"provider"`
	Updater  UpdaterConfig  `koanf:"updater"`
	Worker   WorkerConfig   `koanf:"worker"`
	Log      LogConfig      `koanf:"log"`
	CORS     CORSConfig     `koanf:"cors"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the relational store holding accounts.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
	MigrationsDir   string        `koanf:"migrations_dir"`
}

// RedisConfig configures the Redis instance used by asynq and the redis state driver.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// StateConfig selects the key-value store that holds queue state.
type StateConfig struct {
	Driver     string `koanf:"driver"`
	SQLitePath string `koanf:"sqlite_path"`
}

// ProviderConfig configures the account data provider client.
type ProviderConfig struct {
	BaseURL        string        `koanf:"base_url"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	RateLimit      float64       `koanf:"rate_limit"`
	Burst          int           `koanf:"burst"`
}

// UpdaterConfig seeds the update engine. Timeout, batch size, default mode and
// the auto-update fields are only defaults for the runtime settings.
type UpdaterConfig struct {
	BatchSize            int           `koanf:"batch_size"`
	DefaultMode          string        `koanf:"default_mode"`
	Timeout              time.Duration `koanf:"timeout"`
	FirstBatchDelay      time.Duration `koanf:"first_batch_delay"`
	SequentialDelay      time.Duration `koanf:"sequential_delay"`
	StructuralRetryDelay time.Duration `koanf:"structural_retry_delay"`
	StallWindow          time.Duration `koanf:"stall_window"`
	HistoryLimit         int           `koanf:"history_limit"`
	ThrottleUnit         time.Duration `koanf:"throttle_unit"`
	ThrottleMaxDelay     time.Duration `koanf:"throttle_max_delay"`
	AutoUpdateEnabled    bool          `koanf:"auto_update_enabled"`
	AutoUpdateInterval   time.Duration `koanf:"auto_update_interval"`
}

// WorkerConfig configures the asynq task worker.
type WorkerConfig struct {
	Concurrency      int           `koanf:"concurrency"`
	Queue            string        `koanf:"queue"`
	AutoUpdateCron   string        `koanf:"auto_update_cron"`
	CleanupCron      string        `koanf:"cleanup_cron"`
	CleanupOlderThan time.Duration `koanf:"cleanup_older_than"`
	TaskTimeout      time.Duration `koanf:"task_timeout"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig lists origins allowed to call the admin API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnectAttempts: 5,
			ConnectTimeout:  time.Minute,
			MigrationsDir:   "migrations",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "contest-sync:",
		},
		State: StateConfig{
			Driver:     DriverPostgres,
			SQLitePath: "contest-sync.db",
		},
		Provider: ProviderConfig{
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
			RateLimit:      10,
			Burst:          5,
		},
		Updater: UpdaterConfig{
			BatchSize:            2,
			DefaultMode:          "batch",
			Timeout:              30 * time.Minute,
			FirstBatchDelay:      3 * time.Second,
			SequentialDelay:      time.Second,
			StructuralRetryDelay: 5 * time.Second,
			StallWindow:          5 * time.Minute,
			HistoryLimit:         50,
			ThrottleUnit:         time.Second,
			ThrottleMaxDelay:     3 * time.Second,
			AutoUpdateEnabled:    true,
			AutoUpdateInterval:   time.Hour,
		},
		Worker: WorkerConfig{
			Concurrency:      10,
			Queue:            "updates",
			AutoUpdateCron:   "*/5 * * * *",
			CleanupOlderThan: 24 * time.Hour,
			TaskTimeout:      time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps CONTEST_SYNC_UPDATER__BATCH_SIZE to updater.batch_size.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Updater.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("updater.batch_size must be at least 1, got %d", c.Updater.BatchSize))
	}
	switch c.Updater.DefaultMode {
	case "batch", "sequential":
	default:
		errs = append(errs, fmt.Errorf("updater.default_mode must be batch or sequential, got %q", c.Updater.DefaultMode))
	}
	if c.Updater.Timeout <= 0 {
		errs = append(errs, errors.New("updater.timeout must be positive"))
	}
	if c.Updater.StallWindow <= 0 {
		errs = append(errs, errors.New("updater.stall_window must be positive"))
	}
	if c.Updater.HistoryLimit < 1 {
		errs = append(errs, errors.New("updater.history_limit must be at least 1"))
	}

	switch c.State.Driver {
	case DriverPostgres, DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis state driver"))
		}
	case DriverSQLite:
		if c.State.SQLitePath == "" {
			errs = append(errs, errors.New("state.sqlite_path is required for the sqlite state driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.driver must be one of postgres, redis, sqlite, memory, got %q", c.State.Driver))
	}

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Provider.RateLimit < 0 {
		errs = append(errs, errors.New("provider.rate_limit must not be negative"))
	}
	if c.Worker.TaskTimeout < 0 {
		errs = append(errs, errors.New("worker.task_timeout must not be negative"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
