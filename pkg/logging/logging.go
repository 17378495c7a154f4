// Package logging builds the process-wide zerolog root logger.
// Components derive child loggers via logger.With().Str("component", ...).
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarehq/snare/pkg/config"
)

// New constructs the root logger from config. JSON output by default;
// console output for local development.
func New(cfg *config.Config) zerolog.Logger {
	level := parseLevel(cfg.LogLevel)

	var logger zerolog.Logger
	if cfg.LogConsole {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(level).With().Timestamp().Str("service", "snare").Logger()
}

// Nop returns a disabled logger for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func parseLevel(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
