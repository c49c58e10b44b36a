// Package logger builds the slog JSON loggers shared by the gateway
// services. Every component receives a *slog.Logger from its config and
// derives child loggers with With; only the cmd layer constructs them.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds the configuration for the logger.
type Config struct {
	// Output receives the JSON records. Defaults to os.Stdout.
	Output io.Writer
	// Level is the minimum level that produces output.
	Level slog.Level
	// AddSource attaches the file:line of the logging call.
	AddSource bool
}

// DefaultConfig returns the production defaults: info level to stdout,
// no source positions.
func DefaultConfig() *Config {
	return &Config{
		Output: os.Stdout,
		Level:  slog.LevelInfo,
	}
}

// New creates a JSON logger from cfg. A nil cfg or nil Output falls back
// to the defaults.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}))
}

// NewDefault creates a JSON logger with the default configuration.
func NewDefault() *slog.Logger {
	return New(nil)
}

// NewWithLevel creates a default logger filtered at the given level.
func NewWithLevel(level slog.Level) *slog.Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	return New(cfg)
}

// ParseLevel maps a level name to its slog.Level. Matching ignores case
// and surrounding whitespace; unrecognized names fall back to info so a
// typo in configuration never silences the service.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// WithContext returns a child logger carrying attrs on every record.
func WithContext(logger *slog.Logger, attrs ...slog.Attr) *slog.Logger {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return logger.With(args...)
}
