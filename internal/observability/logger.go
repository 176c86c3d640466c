// Package observability provides the ambient logging, metrics, tracing and
// diagnostics stack shared by the HTTP surface and the retrain worker.
package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

// RequestIDKey is the context key under which the request ID is stored.
const RequestIDKey contextKey = "request_id"

// Logger wraps a zap.SugaredLogger with the component/error tagging shape
// exercised by the predict path and the HTTP handlers.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger builds a production-style zap logger at the given level.
func NewLogger(level string) *Logger {
	zapLevel := zapcore.InfoLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return &Logger{sugar: l.Sugar()}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{sugar: l.sugar.With("component", name)}
}

// WithError returns a logger carrying the given error as a field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{sugar: l.sugar.With("error", err.Error())}
}

// Info logs at info level with structured key/value pairs.
func (l *Logger) Info(msg string, kv ...interface{}) { l.sugar.Infow(msg, kv...) }

// Warn logs at warn level with structured key/value pairs.
func (l *Logger) Warn(msg string, kv ...interface{}) { l.sugar.Warnw(msg, kv...) }

// Error logs at error level with structured key/value pairs.
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

// Debug logs at debug level with structured key/value pairs.
func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }

// LogAPIRequest logs one completed HTTP request.
func (l *Logger) LogAPIRequest(ctx context.Context, method, path, userAgent string, status int, duration time.Duration) {
	fields := []interface{}{
		"method", method,
		"path", path,
		"user_agent", userAgent,
		"status_code", status,
		"duration_ms", duration.Milliseconds(),
	}
	if rid, ok := ctx.Value(RequestIDKey).(string); ok && rid != "" {
		fields = append(fields, "request_id", rid)
	}
	l.sugar.Infow("api_request", fields...)
}

// LogStartup logs process startup.
func (l *Logger) LogStartup(version, env, at string) {
	l.sugar.Infow("startup", "version", version, "environment", env, "at", at)
}

// LogShutdown logs a shutdown phase.
func (l *Logger) LogShutdown(phase string) {
	l.sugar.Infow("shutdown", "phase", phase)
}

// LogHealthCheck logs the result of a health check.
func (l *Logger) LogHealthCheck(component, status string, detail map[string]interface{}) {
	fields := []interface{}{"component", component, "status", status}
	for k, v := range detail {
		fields = append(fields, k, v)
	}
	l.sugar.Infow("health_check", fields...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.sugar.Sync() }

// Zap exposes the underlying *zap.Logger for collaborators (the analytics
// store) that take one directly rather than this package's wrapper.
func (l *Logger) Zap() *zap.Logger { return l.sugar.Desugar() }

// GenerateRequestID returns a request ID suitable for correlation.
func GenerateRequestID() string {
	return uuid.NewString()
}
