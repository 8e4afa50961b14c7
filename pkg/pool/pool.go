package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/metrics"
)

const tracerName = "github.com/ajitpratap0/poolkit/pkg/pool"

// Counters are the cumulative outcome counters of one pool.
type Counters struct {
	Acquires       int64 `json:"acquires"`
	Releases       int64 `json:"releases"`
	Timeouts       int64 `json:"timeouts"`
	Errors         int64 `json:"errors"`
	Canceled       int64 `json:"canceled"`
	DoubleReleases int64 `json:"double_releases"`
	Leaked         int64 `json:"leaked"`
}

// Snapshot is an immutable point-in-time view of one pool.
type Snapshot struct {
	Name       string    `json:"name"`
	Backend    string    `json:"backend"`
	Stats      Stats     `json:"stats"`
	Counters   Counters  `json:"counters"`
	Closed     bool      `json:"closed"`
	CapturedAt time.Time `json:"captured_at"`
}

// CloseResult reports how a pool drained.
type CloseResult struct {
	Name      string `json:"name"`
	Abandoned int    `json:"abandoned"`
	Drained   bool   `json:"drained"`
	Err       error  `json:"-"`
}

// Failed reports whether the pool could not drain cleanly.
func (r CloseResult) Failed() bool {
	return r.Err != nil
}

type options struct {
	logger        *zap.Logger
	sink          *metrics.Sink
	tracer        trace.Tracer
	probeInterval time.Duration
	now           func() time.Time
}

// Option configures a Pool.
type Option func(*options)

// WithLogger sets the logger; defaults to the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSink sets the metrics sink; defaults to metrics.Default().
func WithSink(s *metrics.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithTracer sets the tracer; defaults to the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithProbeInterval bounds how often acquires and releases push adapter state
// into the sink gauges. Zero pushes on every acquire and release.
func WithProbeInterval(d time.Duration) Option {
	return func(o *options) { o.probeInterval = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Pool is the instrumented facade over one Adapter. It is safe for concurrent
// use.
type Pool[R any] struct {
	name    string
	kind    string
	cfg     config.PoolConfig
	adapter Adapter[R]

	logger  *zap.Logger
	sink    *metrics.Sink
	metrics *metrics.PoolMetrics
	tracer  trace.Tracer
	now     func() time.Time

	probeInterval time.Duration
	lastProbe     atomic.Int64

	acquires       atomic.Int64
	releases       atomic.Int64
	timeouts       atomic.Int64
	errors         atomic.Int64
	canceled       atomic.Int64
	doubleReleases atomic.Int64
	leaked         atomic.Int64

	closed      atomic.Bool
	closeOnce   sync.Once
	closeResult CloseResult
}

// New wraps adapter in a Pool named cfg.Name. The pool takes ownership of the
// adapter.
func New[R any](cfg config.PoolConfig, adapter Adapter[R], opts ...Option) (*Pool[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "adapter is required").
			WithDetail("pool", cfg.Name)
	}

	o := options{
		probeInterval: config.DefaultProbeInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get()
	}
	if o.sink == nil {
		o.sink = metrics.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	kind := string(cfg.Backend)
	if d, ok := adapter.(Described); ok {
		kind = d.Kind()
	}

	p := &Pool[R]{
		name:          cfg.Name,
		kind:          kind,
		cfg:           cfg,
		adapter:       adapter,
		logger:        o.logger.With(zap.String("component", "pool"), zap.String("pool", cfg.Name), zap.String("backend", kind)),
		sink:          o.sink,
		metrics:       o.sink.Retain(cfg.Name),
		tracer:        o.tracer,
		now:           o.now,
		probeInterval: o.probeInterval,
	}
	p.Probe(context.Background())

	p.logger.Debug("pool created",
		zap.Int("max_size", cfg.MaxSize),
		zap.Int("min_idle", cfg.MinIdle),
		zap.Duration("acquire_timeout", cfg.AcquireTimeout))
	return p, nil
}

// Name returns the pool name.
func (p *Pool[R]) Name() string { return p.name }

// Kind returns the backend kind.
func (p *Pool[R]) Kind() string { return p.kind }

// Config returns the configuration snapshot the pool was created with.
func (p *Pool[R]) Config() config.PoolConfig { return p.cfg }

// Closed reports whether Close has been called.
func (p *Pool[R]) Closed() bool { return p.closed.Load() }

// Acquire checks out a resource, waiting at most the configured
// AcquireTimeout, or until ctx is done when no timeout is configured.
func (p *Pool[R]) Acquire(ctx context.Context) (*Guard[R], error) {
	return p.acquire(ctx, p.cfg.AcquireTimeout)
}

// AcquireTimeout checks out a resource waiting at most d. A zero d never waits
// and reports an exhausted pool as a timeout.
func (p *Pool[R]) AcquireTimeout(ctx context.Context, d time.Duration) (*Guard[R], error) {
	if d < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "negative acquire timeout").
			WithDetail("pool", p.name)
	}
	if d == 0 {
		return p.tryAcquire(ctx, true)
	}
	return p.acquire(ctx, d)
}

// TryAcquire checks out an idle resource without waiting. An exhausted pool
// yields an errors.ErrorTypeWouldBlock error.
func (p *Pool[R]) TryAcquire() (*Guard[R], error) {
	return p.tryAcquire(context.Background(), false)
}

func (p *Pool[R]) acquire(ctx context.Context, timeout time.Duration) (*Guard[R], error) {
	if p.closed.Load() {
		return nil, p.closedError()
	}

	ctx, span := p.tracer.Start(ctx, "pool.acquire", trace.WithAttributes(
		attribute.String(metrics.PoolAttribute, p.name),
		attribute.String("pool.backend", p.kind),
		attribute.Int64("pool.acquire_timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := p.now()
	r, err := p.adapter.Acquire(actx)
	wait := p.now().Sub(start)

	if err == nil {
		return p.succeed(ctx, span, r, wait), nil
	}

	outcome, err := p.classify(ctx, actx, err)
	return nil, p.fail(ctx, span, outcome, wait, err)
}

func (p *Pool[R]) tryAcquire(ctx context.Context, asTimeout bool) (*Guard[R], error) {
	if p.closed.Load() {
		return nil, p.closedError()
	}

	ctx, span := p.tracer.Start(ctx, "pool.try_acquire", trace.WithAttributes(
		attribute.String(metrics.PoolAttribute, p.name),
		attribute.String("pool.backend", p.kind),
	))
	defer span.End()

	start := p.now()
	r, err := p.adapter.TryAcquire()
	wait := p.now().Sub(start)

	if err == nil {
		return p.succeed(ctx, span, r, wait), nil
	}

	if errors.IsType(err, errors.ErrorTypeWouldBlock) {
		if !asTimeout {
			span.SetStatus(codes.Error, "would block")
			return nil, err
		}
		err = errors.WrapStackless(err, errors.ErrorTypeTimeout, "pool exhausted").
			WithDetail("pool", p.name).
			WithDetail("timeout", time.Duration(0))
		return nil, p.fail(ctx, span, metrics.OutcomeTimeout, wait, err)
	}

	outcome, err := p.classify(ctx, ctx, err)
	return nil, p.fail(ctx, span, outcome, wait, err)
}

// classify maps an adapter error onto the pool error taxonomy. ctx is the
// caller's context, actx the one handed to the adapter.
func (p *Pool[R]) classify(ctx, actx context.Context, err error) (metrics.Outcome, error) {
	switch {
	case errors.IsType(err, errors.ErrorTypeClosed):
		return metrics.OutcomeError, err
	case errors.IsType(err, errors.ErrorTypeCapacity):
		return metrics.OutcomeError, err
	case errors.Is(ctx.Err(), context.Canceled):
		return metrics.OutcomeCanceled, errors.WrapStackless(err, errors.ErrorTypeCanceled, "acquire canceled").
			WithDetail("pool", p.name)
	case actx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout, errors.WrapStackless(err, errors.ErrorTypeTimeout, "pool exhausted").
			WithDetail("pool", p.name)
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCanceled, errors.WrapStackless(err, errors.ErrorTypeCanceled, "acquire canceled").
			WithDetail("pool", p.name)
	default:
		return metrics.OutcomeError, errors.Wrap(err, errors.ErrorTypeAdapter, "acquire failed").
			WithDetail("pool", p.name)
	}
}

func (p *Pool[R]) succeed(ctx context.Context, span trace.Span, r R, wait time.Duration) *Guard[R] {
	p.acquires.Add(1)
	p.metrics.ObserveAcquire(ctx, metrics.OutcomeSuccess, wait)
	p.maybeProbe(ctx)
	span.SetAttributes(attribute.Float64("pool.wait_seconds", wait.Seconds()))
	return newGuard(p, r, p.now())
}

func (p *Pool[R]) fail(ctx context.Context, span trace.Span, outcome metrics.Outcome, wait time.Duration, err error) error {
	switch outcome {
	case metrics.OutcomeTimeout:
		p.timeouts.Add(1)
	case metrics.OutcomeCanceled:
		p.canceled.Add(1)
	default:
		p.errors.Add(1)
	}
	p.metrics.ObserveAcquire(ctx, outcome, wait)

	span.RecordError(err)
	span.SetStatus(codes.Error, string(outcome))

	if outcome == metrics.OutcomeError {
		p.logger.Warn("acquire failed", zap.Duration("wait", wait), zap.Error(err))
	} else if ce := p.logger.Check(zap.DebugLevel, "acquire did not complete"); ce != nil {
		ce.Write(zap.String("outcome", string(outcome)), zap.Duration("wait", wait))
	}
	return err
}

// release hands a checked out resource back to the adapter.
func (p *Pool[R]) release(c *checkout[R]) error {
	held := p.now().Sub(c.acquiredAt)
	ctx := context.Background()

	if err := p.adapter.Release(c.resource); err != nil {
		if errors.IsType(err, errors.ErrorTypeDoubleRelease) {
			p.recordDoubleRelease(err)
			return nil
		}
		p.errors.Add(1)
		p.logger.Warn("release failed", zap.Duration("held", held), zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeAdapter, "release failed").WithDetail("pool", p.name)
	}

	p.releases.Add(1)
	p.metrics.ObserveRelease(ctx, held)
	p.maybeProbe(ctx)
	return nil
}

func (p *Pool[R]) recordDoubleRelease(cause error) {
	p.doubleReleases.Add(1)
	p.metrics.RecordDoubleRelease()
	p.logger.Debug("release ignored: resource not checked out", zap.Error(cause))
}

// reclaim disposes of the resource of a guard that became unreachable
// without being released. The resource is never pooled again: whoever kept
// it past the guard may still be using it.
func (p *Pool[R]) reclaim(c *checkout[R]) {
	p.leaked.Add(1)
	p.metrics.RecordLeak()
	held := p.now().Sub(c.acquiredAt)

	d, ok := p.adapter.(Discarder[R])
	if !ok {
		p.logger.Warn("guard collected without release; adapter cannot discard, resource stays checked out",
			zap.Duration("held", held))
		return
	}
	p.logger.Warn("guard collected without release, discarding resource", zap.Duration("held", held))
	if err := d.Discard(c.resource); err != nil && !errors.IsType(err, errors.ErrorTypeDoubleRelease) {
		p.errors.Add(1)
		p.logger.Warn("failed to discard leaked resource", zap.Error(err))
	}
	p.maybeProbe(context.Background())
}

// With acquires a resource, runs fn with it and releases it on every exit
// path, including a panic in fn. The context passed to fn carries the pool
// name for logger.WithContext.
func (p *Pool[R]) With(ctx context.Context, fn func(ctx context.Context, r R) error) (err error) {
	g, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); err == nil {
			err = rerr
		}
	}()
	return fn(logger.WithResource(ctx, p.name, p.kind), g.Resource())
}

// Check acquires and releases one resource to verify the backend can serve.
func (p *Pool[R]) Check(ctx context.Context) error {
	g, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	return g.Release()
}

// Stats forwards the adapter statistics.
func (p *Pool[R]) Stats() Stats {
	return p.adapter.Stats()
}

// Counters returns the cumulative outcome counters.
func (p *Pool[R]) Counters() Counters {
	return Counters{
		Acquires:       p.acquires.Load(),
		Releases:       p.releases.Load(),
		Timeouts:       p.timeouts.Load(),
		Errors:         p.errors.Load(),
		Canceled:       p.canceled.Load(),
		DoubleReleases: p.doubleReleases.Load(),
		Leaked:         p.leaked.Load(),
	}
}

// Snapshot captures the pool state. It never waits on in-flight acquires.
func (p *Pool[R]) Snapshot() Snapshot {
	return Snapshot{
		Name:       p.name,
		Backend:    p.kind,
		Stats:      p.adapter.Stats(),
		Counters:   p.Counters(),
		Closed:     p.closed.Load(),
		CapturedAt: p.now(),
	}
}

// Probe pushes the adapter state into the sink gauges.
func (p *Pool[R]) Probe(ctx context.Context) {
	p.lastProbe.Store(p.now().UnixNano())
	s := p.adapter.Stats()
	p.metrics.SetState(ctx, metrics.State{
		Active:  s.Active,
		Idle:    s.Idle,
		Waiting: s.Waiting,
		Max:     s.Max,
		MinIdle: s.MinIdle,
		MaxIdle: s.MaxIdle,
	})
}

func (p *Pool[R]) maybeProbe(ctx context.Context) {
	if p.probeInterval <= 0 {
		p.Probe(ctx)
		return
	}
	last := p.lastProbe.Load()
	now := p.now().UnixNano()
	if now-last < int64(p.probeInterval) {
		return
	}
	if p.lastProbe.CompareAndSwap(last, now) {
		p.Probe(ctx)
	}
}

// Close refuses new acquires and drains the adapter until ctx is done; without
// a deadline on ctx the configured DrainTimeout applies. Resources still
// checked out at the deadline are force-closed and reported as abandoned.
// Subsequent calls return the first result.
func (p *Pool[R]) Close(ctx context.Context) CloseResult {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		if _, ok := ctx.Deadline(); !ok && p.cfg.DrainTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.DrainTimeout)
			defer cancel()
		}

		start := p.now()
		abandoned, err := p.adapter.Close(ctx)
		res := CloseResult{Name: p.name, Abandoned: abandoned}
		switch {
		case err != nil:
			res.Err = errors.Wrap(err, errors.ErrorTypeAdapter, "close failed").WithDetail("pool", p.name)
		case abandoned > 0:
			res.Err = errors.Newf(errors.ErrorTypeTimeout, "%d resources still checked out at drain deadline", abandoned).
				WithDetail("pool", p.name)
		default:
			res.Drained = true
		}
		p.closeResult = res

		p.sink.ForgetPool(p.name)

		fields := []zap.Field{
			zap.Int("abandoned", abandoned),
			zap.Duration("duration", p.now().Sub(start)),
		}
		if res.Err != nil {
			p.logger.Warn("pool closed without draining", append(fields, zap.Error(res.Err))...)
		} else {
			p.logger.Info("pool closed", fields...)
		}
	})
	return p.closeResult
}

// CloseTimeout is Close bounded by d.
func (p *Pool[R]) CloseTimeout(d time.Duration) CloseResult {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return p.Close(ctx)
}

func (p *Pool[R]) closedError() error {
	return errors.New(errors.ErrorTypeClosed, "pool is closed").WithDetail("pool", p.name)
}
