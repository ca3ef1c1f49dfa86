package reconcile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full sync-engine configuration.
type Config struct {
	BackendURL string `yaml:"backend_url"`
	OutboxPath string `yaml:"outbox_path"`

	// SuppressionWindow is how long after a local processing event a remote
	// event for the same element is dropped as a probable echo.
	SuppressionWindow time.Duration `yaml:"suppression_window"`
	// SettleDelay is how long the user-modifying flag stays set after a
	// gesture ends, absorbing the echo of the just-sent update.
	SettleDelay time.Duration `yaml:"settle_delay"`

	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	HistoryDepth  int           `yaml:"history_depth"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		BackendURL:        "http://localhost:8090",
		OutboxPath:        "slate-outbox.db",
		SuppressionWindow: 200 * time.Millisecond,
		SettleDelay:       500 * time.Millisecond,
		FlushInterval:     15 * time.Second,
		MaxAttempts:       25,
		HistoryDepth:      100,
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if c.OutboxPath == "" {
		return fmt.Errorf("outbox_path is required")
	}
	if c.SuppressionWindow < 0 {
		return fmt.Errorf("suppression_window must be >= 0")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must be >= 0")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be > 0")
	}
	if c.HistoryDepth < 0 {
		return fmt.Errorf("history_depth must be >= 0")
	}
	return nil
}
