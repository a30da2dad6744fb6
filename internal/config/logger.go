package config

import (
	"io"
	"log/slog"
	"strings"

	"aeternum/internal/domain"
)

// ParseLogLevel maps debug, info, warn (or warning) and error to slog levels.
// Anything else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from infra.logFormat and infra.logLevel.
func NewLogger(w io.Writer, infra domain.InfraConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(infra.LogLevel)}
	if strings.EqualFold(infra.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
