package events

import (
	"context"
	"os"
	"sync"
	"time"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	tableKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithTable tags the context, and its logger, with the table being synced.
func WithTable(ctx context.Context, table string) context.Context {
	logger := FromContext(ctx).WithField("table", table)
	ctx = context.WithValue(ctx, tableKey, table)
	return WithLogger(ctx, logger)
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetTable retrieves the table name from context.
func GetTable(ctx context.Context) string {
	if t, ok := ctx.Value(tableKey).(string); ok {
		return t
	}
	return ""
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = &Logger{
		mu:     &sync.Mutex{},
		level:  InfoLevel,
		format: "text",
		output: os.Stderr,
		fields: make(map[string]interface{}),
		now:    time.Now,
	}
)

// Default returns the process-wide fallback logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}
