// Package log configures the process-wide slog logger.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default slog logger at the given level. Format is
// "text" or "json"; anything else falls back to text.
func Setup(logLevel, format string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// WithModule returns the default logger tagged with a module name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
