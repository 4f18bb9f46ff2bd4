package logger

import (
	"context"
	"log/slog"
	"os"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// DeviceIDKey is the context key for the calling device id
	DeviceIDKey ContextKey = "device_id"
	// SubmissionIDKey is the context key for the submission being processed
	SubmissionIDKey ContextKey = "submission_id"
	// TaskKey is the context key for the scheduler task key
	TaskKey ContextKey = "task_key"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Init initializes the global slog logger with the given configuration
func Init(cfg *Config) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// WithContext returns a logger with context values extracted
func WithContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if deviceID, ok := ctx.Value(DeviceIDKey).(string); ok && deviceID != "" {
		logger = logger.With("device_id", deviceID)
	}
	if submissionID, ok := ctx.Value(SubmissionIDKey).(string); ok && submissionID != "" {
		logger = logger.With("submission_id", submissionID)
	}
	if taskKey, ok := ctx.Value(TaskKey).(string); ok && taskKey != "" {
		logger = logger.With("task_key", taskKey)
	}

	return logger
}

// Info logs at info level with context
func Info(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// Debug logs at debug level with context
func Debug(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}

// Warn logs at warn level with context
func Warn(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// Error logs at error level with context
func Error(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}
