// Package logging builds the root zerolog logger the binaries hand to their
// components. Components receive loggers by injection; nothing in this
// module reads the zerolog global.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log level and output format.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Unknown or empty
	// values fall back to info.
	Level string

	// Console switches from JSON lines to human-readable console output,
	// meant for local development.
	Console bool
}

// New constructs the root logger.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Console {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
