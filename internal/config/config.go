// Package config holds the runtime configuration for the session backend.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the full runtime configuration. Loaded once at startup; the
// tunable subset can be hot-reloaded through Watcher.
type Config struct {
	// ListenAddr is the gateway bind address.
	ListenAddr string `json:"listen_addr"`

	// LogPath is the log file location; empty disables file logging.
	LogPath string `json:"log_path"`
	// LogLevel is one of debug/info/warn/error/none.
	LogLevel string `json:"log_level"`

	// AuditDBPath is the sqlite file receiving session summaries.
	AuditDBPath string `json:"audit_db_path"`

	// MaxManagersPerUser caps live session managers per user.
	MaxManagersPerUser int `json:"max_managers_per_user"`
	// ManagerTTLSeconds is the idle time before a manager is swept.
	ManagerTTLSeconds int `json:"manager_ttl_seconds"`
	// SweepIntervalSeconds is the background sweep period.
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`

	// DegradedFailureRate is the fraction of sends dropped while a
	// connection is DEGRADED, in [0, 1]. A tunable, not a correctness
	// requirement.
	DegradedFailureRate float64 `json:"degraded_failure_rate"`

	// HandshakeTimeoutSeconds bounds each handshake phase (accept,
	// authenticate) individually.
	HandshakeTimeoutSeconds int `json:"handshake_timeout_seconds"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:              "localhost:8941",
		LogLevel:                "info",
		MaxManagersPerUser:      5,
		ManagerTTLSeconds:       300,
		SweepIntervalSeconds:    30,
		DegradedFailureRate:     0.25,
		HandshakeTimeoutSeconds: 10,
	}
}

// Load reads a config file, filling unset fields with defaults. A missing
// file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) validate() error {
	if c.MaxManagersPerUser < 1 {
		return fmt.Errorf("max_managers_per_user must be >= 1, got %d", c.MaxManagersPerUser)
	}
	if c.ManagerTTLSeconds < 1 {
		return fmt.Errorf("manager_ttl_seconds must be >= 1, got %d", c.ManagerTTLSeconds)
	}
	if c.DegradedFailureRate < 0 || c.DegradedFailureRate > 1 {
		return fmt.Errorf("degraded_failure_rate must be in [0,1], got %f", c.DegradedFailureRate)
	}
	return nil
}

// ManagerTTL returns the manager TTL as a duration.
func (c *Config) ManagerTTL() time.Duration {
	return time.Duration(c.ManagerTTLSeconds) * time.Second
}

// SweepInterval returns the sweep period as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// HandshakeTimeout returns the per-phase handshake bound as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}
