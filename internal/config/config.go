// Package config handles warden configuration loading and validation.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for warden.
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
	Agents AgentsConfig `yaml:"agents"`
	Retry  RetryConfig  `yaml:"retry"`
}

// DaemonConfig defines wardend settings.
type DaemonConfig struct {
	StateDir          string          `yaml:"state_dir"`
	Database          string          `yaml:"database"`
	LogFile           string          `yaml:"log_file"`
	LogLevel          string          `yaml:"log_level"`
	SentryDSN         string          `yaml:"sentry_dsn"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration   `yaml:"stale_after"`
	ShutdownDelay     time.Duration   `yaml:"shutdown_delay"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds request volume on the control API.
// The window is global per daemon, not per caller: the API is loopback-only
// and single-tenant.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// AgentsConfig defines how agent sessions are launched.
type AgentsConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	AutoCreateDirs bool          `yaml:"auto_create_dirs"`
	StopGrace      time.Duration `yaml:"stop_grace"`
}

// RetryConfig defines backoff parameters used by the CLI when polling
// the daemon.
type RetryConfig struct {
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxFailures int           `yaml:"max_failures"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".local/share/warden")

	return &Config{
		Daemon: DaemonConfig{
			StateDir:          stateDir,
			Database:          filepath.Join(stateDir, "warden.db"),
			LogFile:           filepath.Join(stateDir, "wardend.log"),
			LogLevel:          "info",
			HeartbeatInterval: 30 * time.Second,
			StaleAfter:        2 * time.Minute,
			ShutdownDelay:     250 * time.Millisecond,
			RateLimit: RateLimitConfig{
				Window:      time.Minute,
				MaxRequests: 300,
			},
		},
		Agents: AgentsConfig{
			Command:   "claude",
			StopGrace: 5 * time.Second,
		},
		Retry: RetryConfig{
			MinDelay:    50 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			MaxFailures: 50,
			MaxElapsed:  30 * time.Second,
		},
	}
}

// Load reads configuration from the default path or returns defaults when
// no config file exists.
func Load() (*Config, error) {
	configPath := DefaultConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Daemon.SentryDSN = os.ExpandEnv(cfg.Daemon.SentryDSN)
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("WARDEN_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/warden/config.yaml")
}
