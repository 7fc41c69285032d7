// Package logging wires up structured logging for the whole program.
// Terminal output gets zerolog's console writer; piped/CI output gets
// line-delimited JSON instead of ANSI color codes.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Level names accepted by New, matching zerolog's own vocabulary.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// New builds the process-wide logger. When w is a terminal (as judged by
// go-isatty), output is a human-readable console writer; otherwise it is
// line-delimited JSON suitable for log aggregation.
func New(w *os.File, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = w
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(out).With().Timestamp().Logger()
}
