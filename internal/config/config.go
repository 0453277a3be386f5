// Package config loads library settings from fable-config.json with
// environment overrides. Every field has a usable default, so a missing
// config file is not an error.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fable/internal/errors"
)

// Config carries every tunable of the library.
type Config struct {
	// APIBaseURL is the backend root for both the stream endpoint and the
	// status poll endpoint.
	APIBaseURL string `mapstructure:"api_base_url"`

	// HeartbeatTimeout is how long a connection may stay silent before it is
	// treated as dead; HeartbeatInterval is how often that is checked.
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Reconnect budget per outage.
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`

	// TaskTimeout bounds a task's total wall-clock time while tracked.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// StorageDir holds task snapshots. "~/" expands to the home directory.
	StorageDir string `mapstructure:"storage_dir"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		APIBaseURL:           "http://localhost:8080",
		HeartbeatTimeout:     45 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		ReconnectMaxAttempts: 10,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		TaskTimeout:          10 * time.Minute,
		StorageDir:           "~/.fable/tasks",
		LogLevel:             "info",
	}
}

// Load reads fable-config.json from $HOME or the working directory, applies
// FABLE_* environment overrides, and fills the rest with defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("fable-config")
	v.SetConfigType("json")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	defaults := Default()
	v.SetDefault("api_base_url", defaults.APIBaseURL)
	v.SetDefault("heartbeat_timeout", defaults.HeartbeatTimeout)
	v.SetDefault("heartbeat_interval", defaults.HeartbeatInterval)
	v.SetDefault("reconnect_max_attempts", defaults.ReconnectMaxAttempts)
	v.SetDefault("reconnect_base_delay", defaults.ReconnectBaseDelay)
	v.SetDefault("reconnect_max_delay", defaults.ReconnectMaxDelay)
	v.SetDefault("task_timeout", defaults.TaskTimeout)
	v.SetDefault("storage_dir", defaults.StorageDir)
	v.SetDefault("log_level", defaults.LogLevel)

	v.SetEnvPrefix("FABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file means defaults; anything else is a real problem.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("config: api_base_url is required")
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat timings must be positive")
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("config: heartbeat_interval must be shorter than heartbeat_timeout")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("config: reconnect_max_attempts must not be negative")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("config: task_timeout must be positive")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("config: storage_dir is required")
	}
	return nil
}

// Backoff translates the reconnect settings into a schedule.
func (c *Config) Backoff() errors.BackoffSchedule {
	schedule := errors.DefaultBackoffSchedule()
	schedule.MaxAttempts = c.ReconnectMaxAttempts
	schedule.BaseDelay = c.ReconnectBaseDelay
	schedule.MaxDelay = c.ReconnectMaxDelay
	return schedule
}
