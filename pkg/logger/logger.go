// Package logger provides structured logging using slog with task context
// support.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// TaskIDKey is the context key for the build task ID.
	TaskIDKey contextKey = "task_id"
	// DerivationKey is the context key for the derivation store path.
	DerivationKey contextKey = "derivation"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified level and format.
func New(level slog.Level, json bool) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Default creates a logger with default settings (INFO level, JSON format).
func Default() *Logger {
	return New(slog.LevelInfo, true)
}

// WithContext returns a new Logger with fields extracted from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if taskID, ok := ctx.Value(TaskIDKey).(string); ok && taskID != "" {
		logger = logger.With("task_id", taskID)
	}

	if drv, ok := ctx.Value(DerivationKey).(string); ok && drv != "" {
		logger = logger.With("derivation", drv)
	}

	return &Logger{Logger: logger}
}

// WithTaskID returns a new Logger with the task ID field.
func (l *Logger) WithTaskID(taskID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("task_id", taskID),
	}
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// WithError returns a new Logger with the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// ContextWithTaskID adds a task ID to the context.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// ContextWithDerivation adds a derivation path to the context.
func ContextWithDerivation(ctx context.Context, drv string) context.Context {
	return context.WithValue(ctx, DerivationKey, drv)
}

// TaskIDFromContext extracts the task ID from context.
func TaskIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(TaskIDKey).(string); ok {
		return id
	}
	return ""
}
