package listener

import (
	"fmt"
	"time"
)

// Config controls how the listener (re)connects to the notification source.
type Config struct {
	// MaxRetries is the number of connection attempts before giving up.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is multiplied by the attempt number between attempts.
	BaseDelay time.Duration `yaml:"base_delay"`
	// ConnectTimeout bounds one shared connection attempt, retries included.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// HealthTimeout bounds a HealthCheck round trip.
	HealthTimeout time.Duration `yaml:"health_timeout"`
	// WatchInterval is how often the service re-checks a lost connection.
	// Zero disables the watch.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		BaseDelay:      time.Second,
		ConnectTimeout: 30 * time.Second,
		HealthTimeout:  5 * time.Second,
		WatchInterval:  15 * time.Second,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = defaults.HealthTimeout
	}
}

// ApplyEnvOverrides applies environment variable overrides.
// No env vars for listener config currently.
func (c *Config) ApplyEnvOverrides() { _ = c }

// ResolvePaths resolves relative paths using the given base directory.
// No paths to resolve in listener config.
func (c *Config) ResolvePaths(_ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("listener.max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("listener.base_delay must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("listener.connect_timeout must be positive")
	}
	if c.WatchInterval < 0 {
		return fmt.Errorf("listener.watch_interval cannot be negative")
	}
	return nil
}
