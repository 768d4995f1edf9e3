package procsentry

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// traceIDKey is the context key for trace ID.
type traceIDKey struct{}

var traceIDCounter atomic.Uint64

// Logger wraps slog.Logger with trace ID propagation.
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// NewLogger creates a new logger with the specified configuration.
func NewLogger(cfg LoggingConfig) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
	}

	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger:       slog.New(handler),
		traceEnabled: cfg.TraceEnabled,
	}
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context) context.Context {
	traceID := traceIDCounter.Add(1)
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(traceIDKey{}).(uint64)
	return id, ok
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.withTrace(ctx, args)...)
}

func (l *Logger) withTrace(ctx context.Context, args []any) []any {
	if l.traceEnabled {
		if traceID, ok := GetTraceID(ctx); ok {
			return append([]any{"trace_id", traceID}, args...)
		}
	}
	return args
}

// WithConnection returns a logger with the connection's service name attached.
func (l *Logger) WithConnection(name ServiceName) *Logger {
	return &Logger{
		Logger:       l.Logger.With("service", name.String()),
		traceEnabled: l.traceEnabled,
	}
}

// WithPID returns a logger with a worker pid attached.
func (l *Logger) WithPID(pid PID) *Logger {
	return &Logger{
		Logger:       l.Logger.With("pid", int32(pid)),
		traceEnabled: l.traceEnabled,
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
