package observability

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/poolkit/pkg/pool"
)

// PoolLogger logs on behalf of one pool.
type PoolLogger struct {
	logger  *zap.Logger
	pool    string
	backend string
}

// NewPoolLogger creates a logger carrying pool and backend fields. A nil base
// uses the global logger.
func NewPoolLogger(base *zap.Logger, poolName, backend string) *PoolLogger {
	if base == nil {
		base = GetLogger()
	}
	return &PoolLogger{
		logger: base.With(
			zap.String("pool", poolName),
			zap.String("backend", backend),
		),
		pool:    poolName,
		backend: backend,
	}
}

// Logger returns the underlying zap logger.
func (pl *PoolLogger) Logger() *zap.Logger { return pl.logger }

// WithContext adds the trace and span ids of ctx.
func (pl *PoolLogger) WithContext(ctx context.Context) *zap.Logger {
	return pl.logger.With(traceFields(ctx)...)
}

// WithOperation starts timing an operation.
func (pl *PoolLogger) WithOperation(ctx context.Context, operation string) *OperationLogger {
	return &OperationLogger{
		logger:    pl.WithContext(ctx).With(zap.String("operation", operation)),
		operation: operation,
		startTime: time.Now(),
	}
}

// LogSnapshot logs the state of a pool, at warn level when callers are
// waiting or the pool is at capacity.
func (pl *PoolLogger) LogSnapshot(s pool.Snapshot) {
	level := zapcore.DebugLevel
	status := "normal"
	switch {
	case s.Closed:
		status = "closed"
	case s.Stats.Waiting > 0:
		level = zapcore.WarnLevel
		status = "saturated"
	case s.Stats.Max > 0 && s.Stats.Active >= s.Stats.Max:
		level = zapcore.InfoLevel
		status = "at_capacity"
	}

	pl.logger.Log(level, "pool state",
		zap.String("status", status),
		zap.Int("active", s.Stats.Active),
		zap.Int("idle", s.Stats.Idle),
		zap.Int("waiting", s.Stats.Waiting),
		zap.Int("max", s.Stats.Max),
		zap.Int64("acquires", s.Counters.Acquires),
		zap.Int64("timeouts", s.Counters.Timeouts),
		zap.Int64("errors", s.Counters.Errors),
		zap.Int64("double_releases", s.Counters.DoubleReleases),
		zap.Int64("leaked", s.Counters.Leaked),
	)
}

// OperationLogger provides operation-specific logging
type OperationLogger struct {
	logger    *zap.Logger
	operation string
	startTime time.Time
}

// Debug logs a debug message for the operation
func (ol *OperationLogger) Debug(msg string, fields ...zap.Field) {
	ol.logger.Debug(msg, fields...)
}

// Info logs an info message for the operation
func (ol *OperationLogger) Info(msg string, fields ...zap.Field) {
	ol.logger.Info(msg, fields...)
}

// LogStart logs the start of an operation
func (ol *OperationLogger) LogStart(msg string, fields ...zap.Field) {
	allFields := append(fields, zap.String("phase", "start"))
	ol.logger.Info(msg, allFields...)
}

// LogComplete logs the completion of an operation
func (ol *OperationLogger) LogComplete(msg string, fields ...zap.Field) {
	allFields := append(fields,
		zap.String("phase", "complete"),
		zap.Duration("total_duration", time.Since(ol.startTime)),
	)
	ol.logger.Info(msg, allFields...)
}

// LogError logs an operation error
func (ol *OperationLogger) LogError(msg string, err error, fields ...zap.Field) {
	allFields := append(fields,
		zap.String("phase", "error"),
		zap.Duration("duration_before_error", time.Since(ol.startTime)),
		zap.Error(err),
	)
	ol.logger.Error(msg, allFields...)
}

// Elapsed returns the time since the operation started.
func (ol *OperationLogger) Elapsed() time.Duration {
	return time.Since(ol.startTime)
}
