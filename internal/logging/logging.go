// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string    // "json" | "text"
	Level  string    // "debug" | "info" | "warn" | "error"
	Output io.Writer // defaults to stdout
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) {
	slog.SetDefault(New(cfg))
}

// New builds a logger without installing it as the default.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string level to slog.Level. Unknown levels map to
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// correlationIDKey is the context key for correlation IDs.
type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateCorrelationID creates a new unique poll-cycle id.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// CycleLogger creates a logger carrying the poll-cycle id.
func CycleLogger(cycleID string) *slog.Logger {
	return slog.With("cycle_id", cycleID)
}

// WithTest adds test identity to a cycle logger.
func WithTest(log *slog.Logger, testID int64, testName string) *slog.Logger {
	return log.With("test_id", testID, "test_name", testName)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return WithComponent(slog.Default(), name)
}

// WithComponent adds a component name to log.
func WithComponent(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}

// FromContext adds the context's correlation id to log, if it has one.
func FromContext(ctx context.Context, log *slog.Logger) *slog.Logger {
	if id := CorrelationID(ctx); id != "" {
		return log.With("cycle_id", id)
	}
	return log
}
