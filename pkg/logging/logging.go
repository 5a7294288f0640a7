// Package logging builds the zerolog root logger shared by firegrid processes
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New creates a logger at the given level. JSON output goes to w as-is;
// otherwise a console writer with RFC3339 timestamps is used. An unknown
// level falls back to info.
func New(w io.Writer, level string, json bool) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Setup builds the root logger for a service and installs it as the global
// zerolog logger
func Setup(service, level string, json bool) zerolog.Logger {
	logger := New(os.Stdout, level, json).With().Str("service", service).Logger()
	log.Logger = logger
	return logger
}
