package client

import (
	"fmt"
	"time"
)

// Config controls client connection timing.
type Config struct {
	// ConnectTimeout bounds the wait for the stream to open.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// RetryDelay is the wait before a scheduled reconnect.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 60 * time.Second,
		RetryDelay:     5 * time.Second,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("client.connect_timeout must be positive")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("client.retry_delay must be positive")
	}
	return nil
}
