package stream

import (
	"fmt"
	"time"
)

// Config holds the pacing policy of stream sessions.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DebounceDelay     time.Duration `yaml:"debounce_delay"`
	// MinInterval is the minimum spacing between two data messages. A data
	// message that would arrive sooner is dropped.
	MinInterval       time.Duration `yaml:"min_interval"`
	SubscribeAttempts int           `yaml:"subscribe_attempts"`
	SubscribeDelay    time.Duration `yaml:"subscribe_delay"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	// SendBuffer is the number of envelopes queued for a client. A client
	// that falls further behind is disconnected.
	SendBuffer int `yaml:"send_buffer"`
}

// DefaultConfig returns the production pacing policy.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		DebounceDelay:     500 * time.Millisecond,
		MinInterval:       100 * time.Millisecond,
		SubscribeAttempts: 3,
		SubscribeDelay:    time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
	}
}

// ApplyDefaults fills in zero values with defaults. MinInterval may be zero
// to disable throttling, so it is left alone.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.DebounceDelay == 0 {
		c.DebounceDelay = defaults.DebounceDelay
	}
	if c.SubscribeAttempts == 0 {
		c.SubscribeAttempts = defaults.SubscribeAttempts
	}
	if c.SubscribeDelay == 0 {
		c.SubscribeDelay = defaults.SubscribeDelay
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = defaults.SendBuffer
	}
}

// ApplyEnvOverrides applies environment variable overrides.
// No env vars for stream config currently.
func (c *Config) ApplyEnvOverrides() { _ = c }

// ResolvePaths resolves relative paths using the given base directory.
// No paths to resolve in stream config.
func (c *Config) ResolvePaths(_ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be positive")
	}
	if c.DebounceDelay <= 0 {
		return fmt.Errorf("stream.debounce_delay must be positive")
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("stream.min_interval cannot be negative")
	}
	if c.SubscribeAttempts < 1 {
		return fmt.Errorf("stream.subscribe_attempts must be at least 1")
	}
	if c.SubscribeDelay <= 0 {
		return fmt.Errorf("stream.subscribe_delay must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("stream.write_timeout must be positive")
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("stream.send_buffer must be at least 1")
	}
	return nil
}
