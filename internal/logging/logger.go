package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates the daemon's structured logger. Production uses
// JSON at info level, everything else human-readable text at debug
// level. Logs go to stderr so stdout stays free for tooling, and every
// record carries the app attribute because a feed frontend typically
// aggregates the daemon's output with its own.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler).With(slog.String("app", "bufsync"))
}
