package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Log formats understood by the logging package.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LoggingConfig configures the console and the rotating log files. Level and
// Format apply to every output that does not set its own.
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Dir      string         `yaml:"dir"`
	Rotation RotationConfig `yaml:"rotation"`
	Console  OutputConfig   `yaml:"console"`
	File     FileOutput     `yaml:"file"`
}

// RotationConfig is handed to lumberjack for both log files.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // MB
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"` // days
	Compress   bool `yaml:"compress"`
}

// OutputConfig is one log destination.
type OutputConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// FileOutput writes countwatch.log at Level and errors.log at ErrorLevel.
type FileOutput struct {
	OutputConfig `yaml:",inline"`
	ErrorLevel   string `yaml:"error_level"`
}

// DefaultLoggingConfig logs text at info to the console and to files under
// logs/. Output levels and formats are left empty so they follow the
// top-level settings.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: LogFormatText,
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console: OutputConfig{Enabled: true},
		File: FileOutput{
			OutputConfig: OutputConfig{Enabled: true},
			ErrorLevel:   "warn",
		},
	}
}

// ApplyDefaults fills empty fields from DefaultLoggingConfig and lets the
// outputs inherit the top-level level and format. Enabled flags are kept as
// configured.
func (c *LoggingConfig) ApplyDefaults() {
	def := DefaultLoggingConfig()
	if c.Level == "" {
		c.Level = def.Level
	}
	if c.Format == "" {
		c.Format = def.Format
	}
	if c.Dir == "" {
		c.Dir = def.Dir
	}
	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = def.Rotation.MaxSize
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = def.Rotation.MaxBackups
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = def.Rotation.MaxAge
	}
	if c.File.ErrorLevel == "" {
		c.File.ErrorLevel = def.File.ErrorLevel
	}
	c.Console.inherit(c.Level, c.Format)
	c.File.inherit(c.Level, c.Format)
}

func (o *OutputConfig) inherit(level, format string) {
	if o.Level == "" {
		o.Level = level
	}
	if o.Format == "" {
		o.Format = format
	}
}

// ApplyEnvOverrides forces COUNTWATCH_LOG_LEVEL onto the console and the
// main log file. errors.log keeps its own threshold.
func (c *LoggingConfig) ApplyEnvOverrides() {
	if v := os.Getenv("COUNTWATCH_LOG_LEVEL"); v != "" {
		c.Level = v
		c.Console.Level = v
		c.File.Level = v
	}
}

// ResolvePaths anchors a relative log directory at the deployment root, the
// parent of configDir.
func (c *LoggingConfig) ResolvePaths(configDir string) {
	if c.Dir == "" || filepath.IsAbs(c.Dir) {
		return
	}
	c.Dir = filepath.Join(filepath.Dir(configDir), c.Dir)
}

// Validate reports every invalid level or format at once.
func (c *LoggingConfig) Validate() error {
	var errs []error
	if c.Dir == "" {
		errs = append(errs, errors.New("logging.dir cannot be empty"))
	}
	errs = append(errs, checkLevel("logging.level", c.Level), checkFormat("logging.format", c.Format))
	if c.Console.Enabled {
		errs = append(errs,
			checkLevel("logging.console.level", c.Console.Level),
			checkFormat("logging.console.format", c.Console.Format))
	}
	if c.File.Enabled {
		errs = append(errs,
			checkLevel("logging.file.level", c.File.Level),
			checkFormat("logging.file.format", c.File.Format),
			checkLevel("logging.file.error_level", c.File.ErrorLevel))
	}
	return errors.Join(errs...)
}

// ParseLogLevel accepts the names slog understands, such as "debug" or
// "warn+2". Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return l, nil
}

func checkLevel(field, s string) error {
	if _, err := ParseLogLevel(s); err != nil {
		return fmt.Errorf("%s: invalid level %q", field, s)
	}
	return nil
}

func checkFormat(field, s string) error {
	switch s {
	case "", LogFormatText, LogFormatJSON:
		return nil
	}
	return fmt.Errorf("%s: invalid format %q (must be %s or %s)", field, s, LogFormatText, LogFormatJSON)
}
