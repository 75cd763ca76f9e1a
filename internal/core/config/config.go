package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GROUPAGG_"

// Spill backends.
const (
	SpillBackendMemory   = "memory"
	SpillBackendPostgres = "postgres"
)

// Config represents the top-level application config.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

// DatabaseConfig is only consulted when the spill backend is postgres.
type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type AggregationConfig struct {
	WorkerCount         int    `koanf:"worker_count"`
	MemoryLimitBytes    int64  `koanf:"memory_limit_bytes"`
	SpillEnabled        bool   `koanf:"spill_enabled"`
	SpillBackend        string `koanf:"spill_backend"` // memory | postgres
	MaxGroupsPerRequest int    `koanf:"max_groups_per_request"`
	// Orphaned postgres spill runs older than SpillRetention are removed
	// every SpillSweepInterval.
	SpillSweepInterval string `koanf:"spill_sweep_interval"`
	SpillRetention     string `koanf:"spill_retention"`
}

// SweepSchedule parses the sweeper interval and retention.
func (c AggregationConfig) SweepSchedule() (interval, retention time.Duration, err error) {
	interval, err = time.ParseDuration(c.SpillSweepInterval)
	if err != nil || interval <= 0 {
		return 0, 0, fmt.Errorf("invalid aggregation.spill_sweep_interval %q", c.SpillSweepInterval)
	}
	retention, err = time.ParseDuration(c.SpillRetention)
	if err != nil || retention <= 0 {
		return 0, 0, fmt.Errorf("invalid aggregation.spill_retention %q", c.SpillRetention)
	}
	return interval, retention, nil
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// UsesPostgres reports whether a database connection is needed.
func (c *Config) UsesPostgres() bool {
	return c.Aggregation.SpillEnabled && c.Aggregation.SpillBackend == SpillBackendPostgres
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if c.Aggregation.WorkerCount <= 0 {
		return fmt.Errorf("aggregation.worker_count must be > 0")
	}
	if c.Aggregation.MemoryLimitBytes <= 0 {
		return fmt.Errorf("aggregation.memory_limit_bytes must be > 0")
	}
	if c.Aggregation.MaxGroupsPerRequest < 0 {
		return fmt.Errorf("aggregation.max_groups_per_request must be >= 0")
	}
	switch c.Aggregation.SpillBackend {
	case SpillBackendMemory, SpillBackendPostgres:
	default:
		return fmt.Errorf("unsupported aggregation.spill_backend %q (must be memory or postgres)", c.Aggregation.SpillBackend)
	}

	if c.UsesPostgres() {
		if _, _, err := c.Aggregation.SweepSchedule(); err != nil {
			return err
		}
		if c.Database.Type != "" && c.Database.Type != "postgres" {
			return fmt.Errorf("unsupported database.type %q", c.Database.Type)
		}
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres spill backend")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return nil
}

// Load parses config from defaults, an optional YAML file and GROUPAGG_*
// environment variables (in that order of precedence), then validates it.
// A double underscore in a variable name separates levels:
// GROUPAGG_AGGREGATION__WORKER_COUNT sets aggregation.worker_count.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                        8080,
		"server.host":                        "0.0.0.0",
		"server.max_body_size_mb":            16,
		"server.mode":                        "release",
		"database.type":                      "postgres",
		"database.dsn":                       "",
		"database.max_open_conns":            10,
		"database.max_idle_conns":            10,
		"database.auto_migrate":              true,
		"aggregation.worker_count":           4,
		"aggregation.memory_limit_bytes":     64 << 20,
		"aggregation.spill_enabled":          true,
		"aggregation.spill_backend":          SpillBackendMemory,
		"aggregation.max_groups_per_request": 1_000_000,
		"aggregation.spill_sweep_interval":   "10m",
		"aggregation.spill_retention":        "1h",
		"metrics.enabled":                    true,
		"metrics.path":                       "/metrics",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
