// Package config loads and validates Tascade configuration from YAML with
// environment overrides. The loaded Config is immutable after startup;
// components receive the slices they need at construction.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Tascade configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Context   ContextConfig   `yaml:"context"`
	Gates     GatesConfig     `yaml:"gates"`
	Sweeps    SweepsConfig    `yaml:"sweeps"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig describes the SQLite connection and migration source.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	MigrationsDir string `yaml:"migrations_dir"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// AuthConfig controls principal resolution.
type AuthConfig struct {
	// Disabled skips API key checks and grants an admin principal.
	// Test-only; refuse in production entry points.
	Disabled bool `yaml:"disabled"`
}

// SchedulerConfig bounds leases and reservations.
type SchedulerConfig struct {
	DefaultLeaseTTL       time.Duration `yaml:"default_lease_ttl"`
	HeartbeatWindow       time.Duration `yaml:"heartbeat_window"`
	DefaultReservationTTL time.Duration `yaml:"default_reservation_ttl"`
}

// ContextConfig bounds subgraph retrieval and its cache.
type ContextConfig struct {
	MaxDepth              int           `yaml:"max_depth"`
	DefaultAncestorDepth  int           `yaml:"default_ancestor_depth"`
	DefaultDependentDepth int           `yaml:"default_dependent_depth"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
}

// GatesConfig carries per-project-overridable rule defaults.
type GatesConfig struct {
	ImplementedBacklogThreshold int           `yaml:"implemented_backlog_threshold"`
	ImplementedAgeThreshold     time.Duration `yaml:"implemented_age_threshold"`
	CheckpointSLA               time.Duration `yaml:"checkpoint_sla"`
}

// SweepsConfig paces the background loops.
type SweepsConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// LoggingConfig selects verbosity.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          "tascade.db",
			BusyTimeoutMS: 5000,
		},
		Scheduler: SchedulerConfig{
			DefaultLeaseTTL:       15 * time.Minute,
			HeartbeatWindow:       5 * time.Minute,
			DefaultReservationTTL: 30 * time.Minute,
		},
		Context: ContextConfig{
			MaxDepth:              5,
			DefaultAncestorDepth:  2,
			DefaultDependentDepth: 1,
			CacheTTL:              5 * time.Minute,
		},
		Gates: GatesConfig{
			ImplementedBacklogThreshold: 5,
			ImplementedAgeThreshold:     24 * time.Hour,
			CheckpointSLA:               48 * time.Hour,
		},
		Sweeps: SweepsConfig{
			Interval:  30 * time.Second,
			BatchSize: 100,
		},
	}
}

// Load reads YAML from path over the defaults, then applies environment
// overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps TASCADE_* variables over the loaded values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TASCADE_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TASCADE_MIGRATIONS_DIR"); v != "" {
		c.Database.MigrationsDir = v
	}
	if v := os.Getenv("TASCADE_AUTH_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.Disabled = b
		}
	}
	if v := os.Getenv("TASCADE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Debug = b
		}
	}
	if v := os.Getenv("TASCADE_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.DefaultLeaseTTL = d
		}
	}
	if v := os.Getenv("TASCADE_RESERVATION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.DefaultReservationTTL = d
		}
	}
}

// Reservation TTL bounds from the scheduling contract.
const (
	MinReservationTTL = 60 * time.Second
	MaxReservationTTL = 86400 * time.Second
)

// Validate rejects configurations the core cannot honor.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Scheduler.DefaultLeaseTTL <= 0 {
		return fmt.Errorf("scheduler.default_lease_ttl must be positive")
	}
	if c.Scheduler.DefaultReservationTTL < MinReservationTTL || c.Scheduler.DefaultReservationTTL > MaxReservationTTL {
		return fmt.Errorf("scheduler.default_reservation_ttl must be in [%s, %s]", MinReservationTTL, MaxReservationTTL)
	}
	if c.Context.MaxDepth < 1 || c.Context.MaxDepth > 5 {
		return fmt.Errorf("context.max_depth must be in [1, 5]")
	}
	if c.Context.DefaultAncestorDepth > c.Context.MaxDepth || c.Context.DefaultDependentDepth > c.Context.MaxDepth {
		return fmt.Errorf("context default depths must not exceed max_depth")
	}
	if c.Sweeps.BatchSize <= 0 {
		return fmt.Errorf("sweeps.batch_size must be positive")
	}
	return nil
}
