package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/backends"
	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/metrics"
	"github.com/ajitpratap0/poolkit/pkg/observability"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/registry"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "poolkit",
		Short: "poolkit - instrumented resource pools",
		Long: `poolkit runs named resource pools over PostgreSQL, MySQL, TCP and in-process
backends and exposes their saturation as Prometheus metrics.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "poolkit.yaml", "Path to the configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "poolkit v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "backends",
		Short: "List supported backend kinds",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			for _, info := range backends.Describe() {
				fmt.Fprintf(out, "%-13s %s (resource %s)\n", info.Kind, info.Description, info.Resource)
				for _, opt := range info.Options {
					req := ""
					if opt.Required {
						req = " (required)"
					}
					fmt.Fprintf(out, "    %s%s: %s\n", opt.Name, req, opt.Description)
				}
			}
		},
	})

	var checkTimeout time.Duration
	var parallel int
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Build every configured pool and check out one resource from each",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runCheck(cmd.Context(), cmd.OutOrStdout(), cfg, checkTimeout, parallel)
		},
	}
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second, "Overall bound on building and checking pools")
	checkCmd.Flags().IntVar(&parallel, "parallel", 4, "Pools checked concurrently")
	root.AddCommand(checkCmd)

	var metricsAddr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the configured pools and serve their telemetry until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Observability.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Override the telemetry listen address")
	root.AddCommand(serveCmd)
	root.AddCommand(newBenchCmd(&configFile))

	return root
}

// newRegistry creates a pool registry whose metrics are gathered from a
// dedicated Prometheus registry.
func newRegistry(cfg *config.Config, l *zap.Logger) (*registry.Registry, *prometheus.Registry, error) {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink, err := metrics.NewSink(prom)
	if err != nil {
		return nil, nil, err
	}
	return registry.New(registry.WithLogger(l), registry.WithSink(sink)), prom, nil
}

func runCheck(ctx context.Context, out io.Writer, cfg *config.Config, timeout time.Duration, parallel int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// stdout carries the report
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	l := logger.Get()
	reg, _, err := newRegistry(cfg, l)
	if err != nil {
		return err
	}
	defer reg.CloseAll(context.Background(), cfg.DrainTimeout)

	if err := backends.BuildAll(ctx, cfg, reg, pool.WithProbeInterval(0)); err != nil {
		return err
	}

	type report struct {
		Pool     string        `json:"pool"`
		Backend  string        `json:"backend"`
		OK       bool          `json:"ok"`
		Duration string        `json:"duration"`
		Error    string        `json:"error,omitempty"`
		Snapshot pool.Snapshot `json:"snapshot"`
	}

	failed := 0
	var reports []report
	for _, res := range reg.CheckAll(ctx, parallel) {
		m, err := reg.Lookup(res.Name)
		if err != nil {
			return err
		}
		op := observability.NewPoolLogger(l, res.Name, res.Backend).WithOperation(ctx, "check")
		rep := report{Pool: res.Name, Backend: res.Backend, OK: res.Err == nil, Duration: res.Duration.String(), Snapshot: m.Snapshot()}
		if res.Err != nil {
			failed++
			rep.Error = res.Err.Error()
			op.LogError("pool check failed", res.Err)
		} else {
			op.Debug("pool check passed", zap.Duration("duration", res.Duration))
		}
		reports = append(reports, rep)
	}

	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode check report")
	}
	fmt.Fprintln(out, string(data))

	if failed > 0 {
		return errors.Newf(errors.ErrorTypeAdapter, "%d of %d pools failed their check", failed, len(reports))
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := observability.Initialize(observability.FromConfig(cfg, version)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize observability")
	}
	l := logger.Get().With(zap.String("service", cfg.ServiceName))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.Shutdown(sctx)
	}()

	reg, prom, err := newRegistry(cfg, l)
	if err != nil {
		return err
	}

	probe := cfg.Observability.ProbeInterval
	if err := backends.BuildAll(ctx, cfg, reg, pool.WithProbeInterval(probe)); err != nil {
		report := reg.CloseAll(context.Background(), cfg.DrainTimeout)
		l.Error("startup failed, closed built pools", zap.Error(err), zap.Int("closed", len(report.Succeeded)+len(report.Failed)))
		return err
	}

	exporter := observability.NewExporter(reg, cfg.Observability.ExportInterval, l)
	go exporter.Run(ctx)

	var serveErr error
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := observability.NewServer(addr, cfg.ServiceName, observability.NewHandler(reg, prom, l), l)
		serveErr = srv.ListenAndServe(ctx)
	} else {
		l.Info("telemetry server disabled")
		<-ctx.Done()
	}

	l.Info("shutting down, draining pools", zap.Duration("drain_timeout", cfg.DrainTimeout))
	report := reg.CloseAll(context.Background(), cfg.DrainTimeout)
	for _, res := range report.Failed {
		l.Warn("pool abandoned resources", zap.String("pool", res.Name), zap.Int("abandoned", res.Abandoned))
	}

	if serveErr != nil {
		return serveErr
	}
	return report.Err()
}
