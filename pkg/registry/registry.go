// Package registry holds the named pools of a process. A Registry is created
// explicitly and passed to whoever needs a pool; there is no global instance.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/metrics"
	"github.com/ajitpratap0/poolkit/pkg/pool"
)

// Managed is the resource-type independent view of a pool.
type Managed interface {
	Name() string
	Kind() string
	Closed() bool
	Stats() pool.Stats
	Snapshot() pool.Snapshot
	Probe(ctx context.Context)
	Check(ctx context.Context) error
	Close(ctx context.Context) pool.CloseResult
}

// CloseReport aggregates the results of CloseAll.
type CloseReport struct {
	Succeeded []pool.CloseResult `json:"succeeded"`
	Failed    []pool.CloseResult `json:"failed"`
	Duration  time.Duration      `json:"duration"`
}

// Err returns a timeout error naming the pools that did not drain, or nil.
func (r CloseReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, len(r.Failed))
	abandoned := 0
	for i, res := range r.Failed {
		names[i] = res.Name
		abandoned += res.Abandoned
	}
	return errors.Newf(errors.ErrorTypeTimeout, "%d of %d pools did not drain", len(r.Failed), len(r.Failed)+len(r.Succeeded)).
		WithDetail("pools", names).
		WithDetail("abandoned", abandoned)
}

// Registry manages named pools.
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]Managed
	closed bool

	logger *zap.Logger
	sink   *metrics.Sink
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and, through Register, by
// its pools.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSink sets the metrics sink handed to pools built by Register.
func WithSink(s *metrics.Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{pools: make(map[string]Managed)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get()
	}
	if r.sink == nil {
		r.sink = metrics.Default()
	}
	r.logger = r.logger.With(zap.String("component", "pool_registry"))
	return r
}

// Logger returns the registry logger.
func (r *Registry) Logger() *zap.Logger { return r.logger }

// Sink returns the metrics sink of the registry.
func (r *Registry) Sink() *metrics.Sink { return r.sink }

// Register builds a pool over adapter and adds it under cfg.Name. When the
// name is taken the adapter is closed and the existing pool is left untouched.
func Register[R any](r *Registry, cfg config.PoolConfig, adapter pool.Adapter[R], opts ...pool.Option) (*pool.Pool[R], error) {
	base := []pool.Option{pool.WithLogger(r.logger), pool.WithSink(r.sink)}

	r.mu.Lock()
	if err := r.checkLocked(cfg.Name); err != nil {
		r.mu.Unlock()
		closeAdapter(adapter)
		return nil, err
	}
	p, err := pool.New(cfg, adapter, append(base, opts...)...)
	if err != nil {
		r.mu.Unlock()
		closeAdapter(adapter)
		return nil, err
	}
	r.pools[cfg.Name] = p
	r.mu.Unlock()

	r.logger.Info("pool registered", zap.String("pool", cfg.Name), zap.String("backend", p.Kind()))
	return p, nil
}

func closeAdapter[R any](a pool.Adapter[R]) {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = a.Close(ctx)
}

func (r *Registry) checkLocked(name string) error {
	if r.closed {
		return errors.New(errors.ErrorTypeClosed, "registry is closed").WithDetail("pool", name)
	}
	if _, exists := r.pools[name]; exists {
		return errors.New(errors.ErrorTypeDuplicateName, fmt.Sprintf("pool %s already registered", name)).
			WithDetail("pool", name)
	}
	return nil
}

// Add registers an existing pool.
func (r *Registry) Add(p Managed) error {
	if p == nil {
		return errors.New(errors.ErrorTypeValidation, "pool is required")
	}
	name := p.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(name); err != nil {
		return err
	}
	r.pools[name] = p
	r.logger.Info("pool registered", zap.String("pool", name), zap.String("backend", p.Kind()))
	return nil
}

// Lookup returns the pool registered under name.
func (r *Registry) Lookup(name string) (Managed, error) {
	r.mu.RLock()
	p, exists := r.pools[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("pool %s not found", name)).
			WithDetail("pool", name)
	}
	return p, nil
}

// Get returns the pool registered under name with resource type R.
func Get[R any](r *Registry, name string) (*pool.Pool[R], error) {
	m, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	p, ok := m.(*pool.Pool[R])
	if !ok {
		var zero R
		return nil, errors.New(errors.ErrorTypeValidation, fmt.Sprintf("pool %s does not hold %T resources", name, zero)).
			WithDetail("pool", name).
			WithDetail("backend", m.Kind())
	}
	return p, nil
}

// Has reports whether a pool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.pools[name]
	return exists
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Names returns the registered pool names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *Registry) list() []Managed {
	r.mu.RLock()
	pools := make([]Managed, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })
	return pools
}

// SnapshotAll captures every pool, ordered by name. Pools are read without
// holding the registry lock and without waiting on in-flight acquires.
func (r *Registry) SnapshotAll() []pool.Snapshot {
	pools := r.list()
	snaps := make([]pool.Snapshot, len(pools))
	for i, p := range pools {
		snaps[i] = p.Snapshot()
	}
	return snaps
}

// ProbeAll pushes the state of every pool into the metrics sink.
func (r *Registry) ProbeAll(ctx context.Context) {
	for _, p := range r.list() {
		p.Probe(ctx)
	}
}

// CheckResult is the outcome of checking one pool.
type CheckResult struct {
	Name     string        `json:"name"`
	Backend  string        `json:"backend"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// CheckAll acquires and releases one resource from every pool, at most
// parallel pools at a time. Results are ordered by name.
func (r *Registry) CheckAll(ctx context.Context, parallel int) []CheckResult {
	pools := r.list()
	results := make([]CheckResult, len(pools))

	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, p := range pools {
		g.Go(func() error {
			start := time.Now()
			err := p.Check(gctx)
			results[i] = CheckResult{Name: p.Name(), Backend: p.Kind(), Duration: time.Since(start), Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CloseAll closes every pool concurrently. Each pool gets drainTimeout, or
// the deadline of ctx when drainTimeout is zero; a pool that cannot drain
// never delays the others. The registry is empty and closed afterwards.
func (r *Registry) CloseAll(ctx context.Context, drainTimeout time.Duration) CloseReport {
	r.mu.Lock()
	r.closed = true
	pools := make([]Managed, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	clear(r.pools)
	r.mu.Unlock()

	start := time.Now()
	results := make([]pool.CloseResult, len(pools))

	var g errgroup.Group
	for i, p := range pools {
		g.Go(func() error {
			pctx := ctx
			if drainTimeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, drainTimeout)
				defer cancel()
			}
			results[i] = p.Close(pctx)
			return nil
		})
	}
	_ = g.Wait()

	report := CloseReport{Duration: time.Since(start)}
	for _, res := range results {
		if res.Failed() {
			report.Failed = append(report.Failed, res)
			r.logger.Warn("pool did not drain", zap.String("pool", res.Name), zap.Int("abandoned", res.Abandoned), zap.Error(res.Err))
			continue
		}
		report.Succeeded = append(report.Succeeded, res)
	}
	sortResults(report.Succeeded)
	sortResults(report.Failed)

	r.logger.Info("registry closed",
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", report.Duration))
	return report
}

func sortResults(results []pool.CloseResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
}
