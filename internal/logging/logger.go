package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a structured logger on stderr appropriate for the
// environment. Production uses JSON format, development uses
// human-readable text.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stderr, env, false)
}

// NewLoggerTo is NewLogger with an explicit destination. quiet raises the
// level to warnings so one-shot commands keep their output readable.
func NewLoggerTo(w io.Writer, env string, quiet bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		opts.Level = slog.LevelDebug
	}

	if quiet {
		opts.Level = slog.LevelWarn
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
