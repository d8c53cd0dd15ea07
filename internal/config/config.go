// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent liveness and upgrade timing configuration
type AgentsConfig struct {
	SweepInterval    time.Duration `yaml:"-"`
	OfflineThreshold time.Duration `yaml:"-"`
	DispatchInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw    string `yaml:"sweep_interval"`
	OfflineThresholdRaw string `yaml:"offline_threshold"`
	DispatchIntervalRaw string `yaml:"dispatch_interval"`
}

// MetricsConfig holds telemetry retention and query bounds
type MetricsConfig struct {
	RawRetentionDays       int           `yaml:"raw_retention_days"`
	AggregateRetentionDays int           `yaml:"aggregate_retention_days"`
	MaxRawQuerySpan        time.Duration `yaml:"-"`
	MaxHourlyQuerySpan     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MaxRawQuerySpanRaw    string `yaml:"max_raw_query_span"`
	MaxHourlyQuerySpanRaw string `yaml:"max_hourly_query_span"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RawRetention returns the raw metric retention as a duration.
func (m MetricsConfig) RawRetention() time.Duration {
	return time.Duration(m.RawRetentionDays) * 24 * time.Hour
}

// AggregateRetention returns the hourly aggregate retention as a duration.
func (m MetricsConfig) AggregateRetention() time.Duration {
	return time.Duration(m.AggregateRetentionDays) * 24 * time.Hour
}

// Default returns a configuration with working defaults for local use.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Path: defaultDBPath()},
		Agents: AgentsConfig{
			SweepInterval:    30 * time.Second,
			OfflineThreshold: 5 * time.Minute,
			DispatchInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			RawRetentionDays:       7,
			AggregateRetentionDays: 30,
			MaxRawQuerySpan:        7 * 24 * time.Hour,
			MaxHourlyQuerySpan:     30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fleet.db"
	}
	return filepath.Join(home, ".local", "share", "fleet-gateway", "fleet.db")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agents.SweepInterval <= 0 {
		return fmt.Errorf("agents.sweep_interval must be positive")
	}
	if c.Agents.OfflineThreshold <= 0 {
		return fmt.Errorf("agents.offline_threshold must be positive")
	}
	if c.Agents.DispatchInterval <= 0 {
		return fmt.Errorf("agents.dispatch_interval must be positive")
	}
	if c.Metrics.RawRetentionDays <= 0 {
		return fmt.Errorf("metrics.raw_retention_days must be positive")
	}
	if c.Metrics.AggregateRetentionDays <= 0 {
		return fmt.Errorf("metrics.aggregate_retention_days must be positive")
	}
	if c.Metrics.AggregateRetentionDays < c.Metrics.RawRetentionDays {
		return fmt.Errorf("metrics.aggregate_retention_days must be >= metrics.raw_retention_days")
	}
	if c.Metrics.MaxRawQuerySpan <= 0 {
		return fmt.Errorf("metrics.max_raw_query_span must be positive")
	}
	if c.Metrics.MaxHourlyQuerySpan <= 0 {
		return fmt.Errorf("metrics.max_hourly_query_span must be positive")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval, "sweep_interval"},
		{cfg.Agents.OfflineThresholdRaw, &cfg.Agents.OfflineThreshold, "offline_threshold"},
		{cfg.Agents.DispatchIntervalRaw, &cfg.Agents.DispatchInterval, "dispatch_interval"},
		{cfg.Metrics.MaxRawQuerySpanRaw, &cfg.Metrics.MaxRawQuerySpan, "max_raw_query_span"},
		{cfg.Metrics.MaxHourlyQuerySpanRaw, &cfg.Metrics.MaxHourlyQuerySpan, "max_hourly_query_span"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
