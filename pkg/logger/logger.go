// Package logger provides structured logging for poolkit
package logger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// contextKey is the type for context keys
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// PoolKey is the context key for the pool name
	PoolKey contextKey = "pool"
	// BackendKey is the context key for the pool backend kind
	BackendKey contextKey = "backend"
)

// WithPool returns a context that carries the pool name for WithContext.
func WithPool(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, PoolKey, name)
}

// WithResource returns a context carrying the pool name and backend kind of
// a checked out resource. Pools pass it to the callbacks of With and Observe.
func WithResource(ctx context.Context, pool, backend string) context.Context {
	if v, _ := ctx.Value(PoolKey).(string); v == pool {
		return ctx
	}
	ctx = context.WithValue(ctx, PoolKey, pool)
	return context.WithValue(ctx, BackendKey, backend)
}

// Config represents logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init installs the global logger built from cfg. Only the first call has an
// effect; it replaces a default logger created earlier by Get.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		var l *zap.Logger
		if l, err = newLogger(cfg); err == nil {
			globalLogger.Store(l)
		}
	})
	return err
}

// Replace swaps the global logger, typically with one built by observability
// initialization. It returns a function that restores the previous logger.
func Replace(l *zap.Logger) func() {
	prev := globalLogger.Swap(l)
	return func() { globalLogger.Store(prev) }
}

// newLogger creates a new zap logger
func newLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}
	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	l, err := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Development {
		l = l.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return l, nil
}

// Get returns the global logger, building an info-level JSON logger on
// first use when none was installed.
func Get() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	l, err := newLogger(Config{Level: "info", Encoding: "json"})
	if err != nil {
		// Fallback to basic logger
		l, _ = zap.NewProduction()
	}
	globalLogger.CompareAndSwap(nil, l)
	return globalLogger.Load()
}

// WithContext returns the global logger with the request, pool and backend
// fields carried by ctx.
func WithContext(ctx context.Context) *zap.Logger {
	l := Get()

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		l = l.With(zap.String("request_id", requestID))
	}
	if pool, ok := ctx.Value(PoolKey).(string); ok {
		l = l.With(zap.String("pool", pool))
	}
	if backend, ok := ctx.Value(BackendKey).(string); ok {
		l = l.With(zap.String("backend", backend))
	}
	return l
}
