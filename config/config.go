/*
Package config loads server configuration.

PRIORITY (lowest to highest):
  defaults (NewDefaultConfig) -> TOML file -> environment -> CLI flags

  CLI flags are applied by cmd/server after Load returns.

ENVIRONMENT:
  OPS_SERVER_HOST, OPS_SERVER_PORT (or SERVER_PORT)
  OPS_STORAGE_DRIVER, OPS_STORAGE_DSN (or DB_SOURCE)
  OPS_SWEEP_SCHEDULE, OPS_HEARTBEAT_PERIOD, OPS_NEVER_HEARTBEAT_GRACE,
  OPS_SWEEP_BATCH_LIMIT, OPS_SWEEP_ENABLED
  OPS_LOCKS_PATH, OPS_LOCKS_TTL
  OPS_CRON_SECRET, OPS_ADMIN_TOKEN
  OPS_LOG_LEVEL

DURATIONS:
  Written as Go duration strings ("60s", "10m"). Validate rejects anything
  time.ParseDuration does not accept.

SEE ALSO:
  - cmd/server/main.go: Flag overrides and wiring
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Storage drivers understood by cmd/server.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Liveness LivenessConfig `toml:"liveness"`
	Locks    LocksConfig    `toml:"locks"`
	Security SecurityConfig `toml:"security"`
	Logging  LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type StorageConfig struct {
	Driver string `toml:"driver"` // sqlite, postgres or memory
	DSN    string `toml:"dsn"`    // file path for sqlite, connection string for postgres
}

type LivenessConfig struct {
	Enabled             bool   `toml:"enabled"`
	SweepSchedule       string `toml:"sweep_schedule"`
	HeartbeatPeriod     string `toml:"heartbeat_period"`
	NeverHeartbeatGrace string `toml:"never_heartbeat_grace"`
	BatchLimit          int    `toml:"batch_limit"`
}

type LocksConfig struct {
	Path string `toml:"path"` // empty keeps the lock store in memory
	TTL  string `toml:"ttl"`
}

type SecurityConfig struct {
	CronSecret string `toml:"cron_secret"`
	AdminToken string `toml:"admin_token"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// NewDefaultConfig returns the configuration used when nothing overrides it.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			DSN:    "operations.db",
		},
		Liveness: LivenessConfig{
			Enabled:             true,
			SweepSchedule:       "@every 10s",
			HeartbeatPeriod:     "60s",
			NeverHeartbeatGrace: "30s",
			BatchLimit:          200,
		},
		Locks: LocksConfig{
			TTL: "10m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads defaults, then path (if not empty), then the environment.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	// Server
	if host := os.Getenv("OPS_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	for _, key := range []string{"SERVER_PORT", "OPS_SERVER_PORT"} {
		if port := os.Getenv(key); port != "" {
			p, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("%s: invalid port %q", key, port)
			}
			cfg.Server.Port = p
		}
	}
	if origins := os.Getenv("OPS_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	// Storage. DB_SOURCE is a postgres connection string.
	if dsn := os.Getenv("DB_SOURCE"); dsn != "" {
		cfg.Storage.Driver = DriverPostgres
		cfg.Storage.DSN = dsn
	}
	if driver := os.Getenv("OPS_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dsn := os.Getenv("OPS_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}

	// Liveness
	if schedule := os.Getenv("OPS_SWEEP_SCHEDULE"); schedule != "" {
		cfg.Liveness.SweepSchedule = schedule
	}
	if period := os.Getenv("OPS_HEARTBEAT_PERIOD"); period != "" {
		cfg.Liveness.HeartbeatPeriod = period
	}
	if grace := os.Getenv("OPS_NEVER_HEARTBEAT_GRACE"); grace != "" {
		cfg.Liveness.NeverHeartbeatGrace = grace
	}
	if limit := os.Getenv("OPS_SWEEP_BATCH_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return fmt.Errorf("OPS_SWEEP_BATCH_LIMIT: invalid number %q", limit)
		}
		cfg.Liveness.BatchLimit = n
	}
	if enabled := os.Getenv("OPS_SWEEP_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("OPS_SWEEP_ENABLED: invalid boolean %q", enabled)
		}
		cfg.Liveness.Enabled = b
	}

	// Locks
	if path := os.Getenv("OPS_LOCKS_PATH"); path != "" {
		cfg.Locks.Path = path
	}
	if ttl := os.Getenv("OPS_LOCKS_TTL"); ttl != "" {
		cfg.Locks.TTL = ttl
	}

	// Security
	if secret := os.Getenv("OPS_CRON_SECRET"); secret != "" {
		cfg.Security.CronSecret = secret
	}
	if token := os.Getenv("OPS_ADMIN_TOKEN"); token != "" {
		cfg.Security.AdminToken = token
	}

	// Logging
	if level := os.Getenv("OPS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// VALIDATION & TYPED ACCESSORS
// =============================================================================

// Validate checks every value the server would otherwise fail on later.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: out of range: %d", c.Server.Port))
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for driver %q", c.Storage.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if _, err := c.HeartbeatPeriod(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.NeverHeartbeatGrace(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LockTTL(); err != nil {
		errs = append(errs, err)
	}
	if c.Liveness.BatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("liveness.batch_limit: must be positive, got %d", c.Liveness.BatchLimit))
	}
	if c.Liveness.Enabled {
		if err := ValidateSchedule(c.Liveness.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("liveness.sweep_schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) HeartbeatPeriod() (time.Duration, error) {
	return positiveDuration("liveness.heartbeat_period", c.Liveness.HeartbeatPeriod)
}

func (c *Config) NeverHeartbeatGrace() (time.Duration, error) {
	return positiveDuration("liveness.never_heartbeat_grace", c.Liveness.NeverHeartbeatGrace)
}

func (c *Config) LockTTL() (time.Duration, error) {
	return positiveDuration("locks.ttl", c.Locks.TTL)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func positiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", field, value)
	}
	return d, nil
}

// ValidateSchedule accepts standard five-field cron expressions and the
// @every/@hourly descriptors.
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
