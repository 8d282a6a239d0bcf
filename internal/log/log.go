// Package log is a small factory for structured slog loggers.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// New creates a [slog.Logger] writing text lines to stdout at the given
// level ("debug", "info", "warn", "error"; anything else means info).
// Debug level also includes source locations.
func New(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
}
