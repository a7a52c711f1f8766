package config

import (
	"cmp"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pokt-network/poktroll/pkg/polylog"
	"github.com/pokt-network/poktroll/pkg/polylog/polyzero"
	"github.com/rs/zerolog"
)

/* --------------------------------- Logger Config Defaults -------------------------------- */

const (
	defaultLogLevel  = "info"
	defaultLogFormat = LogFormatJSON
)

const (
	// LogFormatJSON writes one JSON object per line.
	LogFormatJSON = "json"
	// LogFormatConsole writes human readable, colored lines.
	LogFormatConsole = "console"
)

/* --------------------------------- Logger Config Struct -------------------------------- */

// LoggerConfig contains logger configuration settings
type LoggerConfig struct {
	// Level sets the minimum log level. Valid values are:
	// "debug", "info", "warn", "error"
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// NewLogger returns a logger writing to output at the configured level and format.
// levelOverride, when set, replaces the configured level.
func (c LoggerConfig) NewLogger(output io.Writer, levelOverride string) polylog.Logger {
	level := cmp.Or(c.Level, defaultLogLevel)
	if levelOverride != "" {
		level = levelOverride
	}

	zerologLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		zerologLevel = zerolog.InfoLevel
	}

	opts := []polylog.LoggerOption{
		polyzero.WithOutput(output),
		polyzero.WithLevel(zerologLevel),
	}
	if c.Format == LogFormatConsole {
		opts = append(opts, polyzero.WithSetupFn(func(logger *zerolog.Logger) {
			*logger = logger.Output(zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly})
		}))
	}
	opts = append(opts, polyzero.WithSetupFn(func(logger *zerolog.Logger) {
		*logger = logger.With().Timestamp().Logger().Level(zerologLevel)
	}))

	return polyzero.NewLogger(opts...)
}

/* --------------------------------- Logger Config Private Helpers -------------------------------- */

// hydrateLoggerDefaults assigns default values to LoggerConfig fields if they are not set
func (c *LoggerConfig) hydrateLoggerDefaults() {
	if c.Level == "" {
		c.Level = defaultLogLevel
	}
	if c.Format == "" {
		c.Format = defaultLogFormat
	}
}

// Validate ensures the logger configuration is valid.
// Only the levels polylog supports are accepted, e.g. not "trace".
func (c LoggerConfig) Validate() error {
	if err := validateLogLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case LogFormatJSON, LogFormatConsole:
		return nil
	default:
		return fmt.Errorf("%w: unknown log format %q, expected %q or %q", ErrInvalidLoggerConfig, c.Format, LogFormatJSON, LogFormatConsole)
	}
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidLoggerConfig, level)
	}
}
