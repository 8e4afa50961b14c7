// Package observability initializes tracing and logging for poolkit and
// serves pool telemetry over HTTP.
package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/ajitpratap0/poolkit"

var (
	// Global tracer instance
	tracer = otel.Tracer(instrumentationName)

	// Global logger instance
	logger *zap.Logger

	// Initialization lock
	initOnce sync.Once
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	ExporterType   string // "stdout" or "none"
	// Writer receives stdout exports; defaults to os.Stdout
	Writer         io.Writer
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       zapcore.Level
	Format      string // "json", "console"
	OutputPaths []string
	ErrorPaths  []string
	Sampling    *zap.SamplingConfig
	Development bool
}

// ObservabilityConfig contains all observability configuration
type ObservabilityConfig struct {
	Tracing TracingConfig
	Logging LoggingConfig
}

// Initialize sets up tracing and logging once per process. Pool metrics are
// carried by pkg/metrics.
func Initialize(config ObservabilityConfig) error {
	var err error

	initOnce.Do(func() {
		if config.Tracing.Enabled {
			err = initTracing(config.Tracing)
			if err != nil {
				return
			}
		}

		err = initLogging(config.Logging)
		if err != nil {
			return
		}

		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	})

	return err
}

// GetTracer returns the global tracer
func GetTracer() trace.Tracer {
	return tracer
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// TracingMiddleware starts a server span per request, continuing a trace
// propagated in the request headers.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			operationName := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
			ctx, span := tracer.Start(ctx, operationName, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.user_agent", r.UserAgent()),
				attribute.String("service.name", serviceName),
			)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// traceFields returns the trace and span ids of ctx as log fields.
func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
