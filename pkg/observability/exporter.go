package observability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/registry"
)

// Exporter periodically probes every pool of a registry into the metrics
// sink and logs pool state. It keeps the latest snapshots for readers that
// must not touch the pools.
type Exporter struct {
	reg      *registry.Registry
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	latest  []pool.Snapshot
	loggers map[string]*PoolLogger
	runs    int64
}

// NewExporter creates an exporter publishing every interval.
func NewExporter(reg *registry.Registry, interval time.Duration, l *zap.Logger) *Exporter {
	if l == nil {
		l = reg.Logger()
	}
	return &Exporter{
		reg:      reg,
		interval: interval,
		logger:   l.With(zap.String("component", "snapshot_exporter")),
		loggers:  make(map[string]*PoolLogger),
	}
}

// Run exports until ctx is done.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("snapshot exporter started", zap.Duration("interval", e.interval))
	e.Export(ctx)
	for {
		select {
		case <-ticker.C:
			e.Export(ctx)
		case <-ctx.Done():
			e.logger.Info("snapshot exporter stopped")
			return
		}
	}
}

// Export probes and snapshots every pool once.
func (e *Exporter) Export(ctx context.Context) []pool.Snapshot {
	e.reg.ProbeAll(ctx)
	snaps := e.reg.SnapshotAll()

	e.mu.Lock()
	e.latest = snaps
	e.runs++
	for _, s := range snaps {
		pl, ok := e.loggers[s.Name]
		if !ok {
			pl = NewPoolLogger(e.logger, s.Name, s.Backend)
			e.loggers[s.Name] = pl
		}
		pl.LogSnapshot(s)
	}
	e.mu.Unlock()

	return snaps
}

// Latest returns the snapshots of the last export.
func (e *Exporter) Latest() []pool.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]pool.Snapshot, len(e.latest))
	copy(out, e.latest)
	return out
}

// Runs returns how many exports have completed.
func (e *Exporter) Runs() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs
}
