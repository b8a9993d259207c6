// Package ratelimit throttles how often a client may open requests, stream
// connections included.
package ratelimit

import (
	"errors"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	// Allow reports whether the request may proceed and consumes a token if so.
	Allow(key string) bool

	// Reset forgets the state kept for key.
	Reset(key string)
}

// Stoppable is a Limiter owning a background goroutine.
type Stoppable interface {
	Limiter
	Stop()
}

// Config holds the configuration for rate limiting.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Requests is the bucket capacity, refilled over Window.
	Requests int `yaml:"requests"`

	Window time.Duration `yaml:"window"`
}

// DefaultConfig allows a dashboard tab to reconnect its four streams many
// times a minute before being limited.
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Requests: 120,
		Window:   time.Minute,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Requests == 0 {
		c.Requests = defaults.Requests
	}
	if c.Window == 0 {
		c.Window = defaults.Window
	}
}

// Validate returns an error if an enabled limiter is misconfigured.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Requests <= 0 {
		return errors.New("rate_limit.requests must be positive")
	}
	if c.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	return nil
}
