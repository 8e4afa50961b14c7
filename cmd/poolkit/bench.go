package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/backends"
	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/registry"
)

// benchOptions configures a load run against one pool.
type benchOptions struct {
	Pool      string
	Workers   int
	Duration  time.Duration
	OutputDir string
}

// BenchResult summarizes a load run.
type BenchResult struct {
	Pool       string        `json:"pool"`
	Backend    string        `json:"backend"`
	Workers    int           `json:"workers"`
	Duration   time.Duration `json:"duration"`
	Cycles     int64         `json:"cycles"`
	Failures   int64         `json:"failures"`
	Timeouts   int64         `json:"timeouts"`
	PerSecond  float64       `json:"cycles_per_second"`
	P50        time.Duration `json:"p50"`
	P99        time.Duration `json:"p99"`
	Max        time.Duration `json:"max"`
	Final      pool.Snapshot `json:"final"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

func newBenchCmd(configFile *string) *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench <pool>",
		Short: "Drive acquire/release cycles against a configured pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			opts.Pool = args[0]
			res, err := runBench(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			printBenchSummary(cmd.OutOrStdout(), res)
			if opts.OutputDir == "" {
				return nil
			}
			path, err := saveBenchResult(opts.OutputDir, res)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nResults saved to: %s\n", path)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Workers, "workers", 16, "Concurrent callers")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 10*time.Second, "Run duration")
	cmd.Flags().StringVar(&opts.OutputDir, "output", "", "Directory for the JSON result; empty skips saving")
	return cmd
}

func runBench(ctx context.Context, cfg *config.Config, opts benchOptions) (*BenchResult, error) {
	pc, ok := cfg.Pool(opts.Pool)
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, "pool not configured").WithDetail("pool", opts.Pool)
	}
	if opts.Workers <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "workers must be positive")
	}

	l := logger.Get()
	reg, _, err := newRegistry(cfg, l)
	if err != nil {
		return nil, err
	}
	defer reg.CloseAll(context.Background(), pc.DrainTimeout)

	m, err := backends.Build(ctx, pc, reg)
	if err != nil {
		return nil, err
	}
	return drive(ctx, m, opts.Workers, opts.Duration, l), nil
}

// drive runs Check in a loop from workers goroutines until d elapses.
func drive(ctx context.Context, m registry.Managed, workers int, d time.Duration, l *zap.Logger) *BenchResult {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	res := &BenchResult{Pool: m.Name(), Backend: m.Kind(), Workers: workers, StartedAt: time.Now()}
	l.Info("starting bench", zap.String("pool", res.Pool), zap.Int("workers", workers), zap.Duration("duration", d))

	var (
		mu        sync.Mutex
		latencies []time.Duration
		wg        sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []time.Duration
			var failures, timeouts int64
			for ctx.Err() == nil {
				start := time.Now()
				err := m.Check(ctx)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					failures++
					if errors.IsType(err, errors.ErrorTypeTimeout) {
						timeouts++
					}
					continue
				}
				local = append(local, time.Since(start))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			res.Failures += failures
			res.Timeouts += timeouts
			mu.Unlock()
		}()
	}
	wg.Wait()

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Cycles = int64(len(latencies))
	if secs := res.Duration.Seconds(); secs > 0 {
		res.PerSecond = float64(res.Cycles) / secs
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		res.P50 = percentile(latencies, 0.50)
		res.P99 = percentile(latencies, 0.99)
		res.Max = latencies[len(latencies)-1]
	}
	res.Final = m.Snapshot()

	l.Info("bench finished",
		zap.String("pool", res.Pool),
		zap.Int64("cycles", res.Cycles),
		zap.Int64("failures", res.Failures),
		zap.Float64("cycles_per_second", res.PerSecond))
	return res
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func printBenchSummary(out io.Writer, res *BenchResult) {
	fmt.Fprintf(out, "=== %s (%s) ===\n", res.Pool, res.Backend)
	fmt.Fprintf(out, "  workers:    %d\n", res.Workers)
	fmt.Fprintf(out, "  duration:   %v\n", res.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  cycles:     %d (%.0f/sec)\n", res.Cycles, res.PerSecond)
	fmt.Fprintf(out, "  failures:   %d (timeouts %d)\n", res.Failures, res.Timeouts)
	fmt.Fprintf(out, "  p50 / p99:  %v / %v\n", res.P50, res.P99)
	fmt.Fprintf(out, "  max:        %v\n", res.Max)
	fmt.Fprintf(out, "  acquires:   %d\n", res.Final.Counters.Acquires)
}

func saveBenchResult(dir string, res *BenchResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to create output directory")
	}
	name := fmt.Sprintf("%s_%s.json", res.Pool, res.StartedAt.Format("20060102-150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode bench result")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to write bench result")
	}
	return path, nil
}
