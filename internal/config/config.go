// Package config loads the countwatch configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/countwatch/countwatch/internal/listener"
	"github.com/countwatch/countwatch/internal/notify"
	"github.com/countwatch/countwatch/internal/server"
	"github.com/countwatch/countwatch/internal/storage/postgres"
	"github.com/countwatch/countwatch/internal/stream"
)

// DefaultDir is the config directory relative to the working directory.
const DefaultDir = "config"

// Config holds the application configuration
type Config struct {
	Server   server.Config   `yaml:"server"`
	Logging  LoggingConfig   `yaml:"logging"`
	Source   notify.Config   `yaml:"source"`
	Listener listener.Config `yaml:"listener"`
	Stream   stream.Config   `yaml:"stream"`
	Database postgres.Config `yaml:"database"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server:   server.DefaultConfig(),
		Logging:  DefaultLoggingConfig(),
		Source:   notify.DefaultConfig(),
		Listener: listener.DefaultConfig(),
		Stream:   stream.DefaultConfig(),
		Database: postgres.DefaultConfig(),
	}
}

// Load builds the configuration in this order:
// defaults -> config.yml -> config.local.yml -> ApplyDefaults -> ApplyEnvOverrides -> ResolvePaths -> Validate
func Load(configDir string) (*Config, error) {
	cfg := Default()

	loadFile(filepath.Join(configDir, "config.yml"), cfg)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	if err := ApplySectionConfigs(configDir,
		&cfg.Server,
		&cfg.Logging,
		&cfg.Source,
		&cfg.Listener,
		&cfg.Stream,
		&cfg.Database,
	); err != nil {
		return nil, err
	}
	if cfg.Source.Type == notify.TypePostgres && cfg.Source.DSN == "" && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("source.dsn or database.dsn is required for a postgres source")
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}
