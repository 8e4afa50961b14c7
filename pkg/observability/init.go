package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/poolkit/pkg/config"
	poollogger "github.com/ajitpratap0/poolkit/pkg/logger"
)

// initTracing initializes the tracing provider
func initTracing(config TracingConfig) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if config.SamplingRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else if config.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}

	switch config.ExporterType {
	case "none":
	default:
		exporterOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if config.Writer != nil {
			exporterOpts = append(exporterOpts, stdouttrace.WithWriter(config.Writer))
		}
		exporter, err := stdouttrace.New(exporterOpts...)
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(instrumentationName)

	return nil
}

// initLogging builds the process logger and installs it in pkg/logger and as
// the zap global.
func initLogging(config LoggingConfig) error {
	logConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(config.Level),
		Development: config.Development,
		Sampling:    config.Sampling,
		Encoding:    config.Format,
		EncoderConfig: zapcore.EncoderConfig{
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
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      config.OutputPaths,
		ErrorOutputPaths: config.ErrorPaths,
	}

	if logConfig.Encoding == "" {
		logConfig.Encoding = "json"
	}
	if len(logConfig.OutputPaths) == 0 {
		logConfig.OutputPaths = []string{"stdout"}
	}
	if len(logConfig.ErrorOutputPaths) == 0 {
		logConfig.ErrorOutputPaths = []string{"stderr"}
	}

	var err error
	logger, err = logConfig.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	poollogger.Replace(logger)

	return nil
}

// DefaultConfig returns a default observability configuration
func DefaultConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Tracing: TracingConfig{
			ServiceName:    "poolkit",
			ServiceVersion: "dev",
			Environment:    getEnv("ENVIRONMENT", "development"),
			SamplingRate:   0.1,
			ExporterType:   getEnv("TRACING_EXPORTER", "stdout"),
			BatchTimeout:   5 * time.Second,
			MaxExportBatch: 512,
			MaxQueueSize:   2048,
		},
		Logging: LoggingConfig{
			Level:       getLogLevel(getEnv("LOG_LEVEL", "info")),
			Format:      getEnv("LOG_FORMAT", "json"),
			OutputPaths: []string{"stdout"},
			ErrorPaths:  []string{"stderr"},
			Development: getEnv("ENVIRONMENT", "development") == "development",
		},
	}
}

// FromConfig derives the observability configuration from the service
// configuration.
func FromConfig(cfg *config.Config, version string) ObservabilityConfig {
	oc := DefaultConfig()

	oc.Tracing.Enabled = cfg.Observability.EnableTracing
	oc.Tracing.ServiceName = cfg.ServiceName
	oc.Tracing.ServiceVersion = version
	oc.Tracing.SamplingRate = cfg.Observability.TracingSampleRate

	oc.Logging.Level = getLogLevel(cfg.Logging.Level)
	oc.Logging.Format = cfg.Logging.Format
	oc.Logging.Development = cfg.Logging.Development
	return oc
}

// getEnv gets environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getLogLevel converts string to zap log level
func getLogLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Shutdown flushes pending spans and syncs the logger.
func Shutdown(ctx context.Context) error {
	var errs []error

	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
		}
	}

	if logger != nil {
		if err := logger.Sync(); err != nil {
			// Ignore sync errors for stdout/stderr/stdin
			// See: https://github.com/uber-go/zap/issues/328
			errStr := err.Error()
			if !strings.Contains(errStr, "bad file descriptor") &&
				!strings.Contains(errStr, "invalid argument") &&
				!strings.Contains(errStr, "/dev/stdout") &&
				!strings.Contains(errStr, "/dev/stderr") {
				errs = append(errs, fmt.Errorf("failed to sync logger: %w", err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	return nil
}
