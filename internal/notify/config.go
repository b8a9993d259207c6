package notify

import (
	"fmt"
	"log/slog"
	"os"
)

// Source types accepted in configuration.
const (
	TypePostgres = "postgres"
	TypeNATS     = "nats"
	TypeMemory   = "memory"
)

// Config selects and configures the notification source.
type Config struct {
	Type string `yaml:"type"` // postgres, nats or memory

	// Postgres DSN. Empty means the database DSN is reused.
	DSN string `yaml:"dsn"`

	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns safe defaults for development.
func DefaultConfig() Config {
	return Config{
		Type:          TypePostgres,
		NATSURL:       "nats://localhost:4222",
		SubjectPrefix: "countwatch",
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Type == "" {
		c.Type = defaults.Type
	}
	if c.NATSURL == "" {
		c.NATSURL = defaults.NATSURL
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("COUNTWATCH_SOURCE_TYPE"); v != "" {
		c.Type = v
	}
	if v := os.Getenv("COUNTWATCH_NATS_URL"); v != "" {
		c.NATSURL = v
	}
}

// ResolvePaths resolves relative paths using the given base directory.
// No paths to resolve in source config.
func (c *Config) ResolvePaths(_ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	switch c.Type {
	case TypePostgres, TypeMemory:
	case TypeNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("source.nats_url is required for type %q", c.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSourceType, c.Type)
	}
	return nil
}

// New builds the configured source. fallbackDSN is used by the postgres
// source when cfg.DSN is empty.
func New(cfg Config, fallbackDSN string, logger *slog.Logger) (Source, error) {
	switch cfg.Type {
	case TypePostgres:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fallbackDSN
		}
		if dsn == "" {
			return nil, fmt.Errorf("postgres source requires a DSN")
		}
		return NewPostgres(dsn, logger), nil
	case TypeNATS:
		return NewNATS(cfg.NATSURL, cfg.SubjectPrefix, logger), nil
	case TypeMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, cfg.Type)
	}
}
