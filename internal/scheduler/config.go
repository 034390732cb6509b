// Package scheduler computes next-fire instants for enabled tasks and
// dispatches due firings to the runner.
package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config defines the scheduler configuration.
type Config struct {
	// MaxWorkers caps concurrent task executions across all accounts.
	MaxWorkers int `yaml:"max_workers"`
	// DefaultIntervalSec spaces chats for tasks without their own
	// interval setting.
	DefaultIntervalSec int `yaml:"default_interval_sec"`
	// RetentionDays bounds how long run history is kept.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:         10,
		DefaultIntervalSec: 1,
		RetentionDays:      7,
	}
}

// LoadConfig loads configuration from a YAML file. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1")
	}
	if c.DefaultIntervalSec < 0 {
		return fmt.Errorf("default_interval_sec must be non-negative")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1")
	}
	return nil
}
