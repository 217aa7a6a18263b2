package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel parses DEBUG, INFO, WARN or ERROR. Anything else is INFO.
func LogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger builds the process logger and makes it the slog default.
// LOG_LEVEL and LOG_FORMAT override the configured level and format.
//
// format is "json" (the default) or "text".
func SetupLogger(w io.Writer, level, format string) *slog.Logger {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}

	if env := os.Getenv("LOG_FORMAT"); env != "" {
		format = env
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevel(level),
		AddSource: LogLevel(level) == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
