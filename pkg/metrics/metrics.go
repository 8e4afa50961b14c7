// Package metrics is the pool metrics sink: process-wide counters, gauges and
// histograms keyed by pool name, exported through Prometheus and mirrored into
// OpenTelemetry instruments.
//
// # Overview
//
// The sink provides:
//   - Prometheus vectors registered once per Registerer
//   - Pre-resolved per-pool children so the hot path is a plain atomic update
//   - OpenTelemetry instruments named after the database client conventions
//     (db.client.connection.*)
//
// # Basic Usage
//
//	sink := metrics.Default()
//	pm := sink.Pool("primary")
//
//	start := time.Now()
//	conn, err := acquire(ctx)
//	pm.ObserveAcquire(ctx, metrics.OutcomeSuccess, time.Since(start))
//
//	pm.SetState(ctx, metrics.State{Active: 3, Idle: 1, Max: 10})
//
// Registration is append-only: vectors are created with the sink and per-pool
// series appear on first use. Series are keyed by pool name only, so pools of
// the same name in two registries sharing a sink share their series; Retain
// counts those users and ForgetPool drops the series when the last one is
// gone.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Namespace prefixes every Prometheus metric of the sink
	Namespace = "poolkit"
	// Subsystem groups the pool metrics
	Subsystem = "pool"

	// PoolLabel is the Prometheus label carrying the pool name
	PoolLabel = "pool"
	// PoolAttribute is the OpenTelemetry attribute carrying the pool name
	PoolAttribute = "db.client.connection.pool.name"
	// StateAttribute splits db.client.connection.count into idle and used
	StateAttribute = "db.client.connection.state"

	meterName = "github.com/ajitpratap0/poolkit/pkg/metrics"
)

// Outcome tags how an acquire resolved.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeError    Outcome = "error"
	OutcomeCanceled Outcome = "canceled"
)

// Outcomes lists every outcome label value.
var Outcomes = []Outcome{OutcomeSuccess, OutcomeTimeout, OutcomeError, OutcomeCanceled}

// DefaultWaitBuckets are the acquire wait histogram buckets in seconds.
var DefaultWaitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// State is the adapter-reported occupancy of one pool.
type State struct {
	Active  int
	Idle    int
	Waiting int
	Max     int
	MinIdle int
	MaxIdle int
}

// Sink owns the metric vectors shared by every pool in a process.
type Sink struct {
	active  *prometheus.GaugeVec
	idle    *prometheus.GaugeVec
	waiting *prometheus.GaugeVec
	max     *prometheus.GaugeVec
	minIdle *prometheus.GaugeVec
	maxIdle *prometheus.GaugeVec

	acquires       *prometheus.CounterVec
	releases       *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	canceled       *prometheus.CounterVec
	doubleReleases *prometheus.CounterVec
	leaked         *prometheus.CounterVec

	acquireWait *prometheus.HistogramVec
	useTime     *prometheus.HistogramVec
	operation   *prometheus.HistogramVec

	otelWait     metric.Float64Histogram
	otelUse      metric.Float64Histogram
	otelCount    metric.Int64Gauge
	otelMax      metric.Int64Gauge
	otelIdleMin  metric.Int64Gauge
	otelIdleMax  metric.Int64Gauge
	otelPending  metric.Int64Gauge
	otelTimeouts metric.Int64Counter

	mu    sync.Mutex
	pools map[string]*PoolMetrics
	refs  map[string]int
}

type sinkOptions struct {
	meterProvider metric.MeterProvider
	waitBuckets   []float64
}

// Option configures NewSink.
type Option func(*sinkOptions)

// WithMeterProvider mirrors measurements into the given OpenTelemetry provider
// instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *sinkOptions) { o.meterProvider = mp }
}

// WithWaitBuckets overrides DefaultWaitBuckets.
func WithWaitBuckets(buckets []float64) Option {
	return func(o *sinkOptions) { o.waitBuckets = buckets }
}

var (
	defaultSink *Sink
	defaultOnce sync.Once
)

// Default returns the process-wide sink registered with
// prometheus.DefaultRegisterer and the global meter provider.
func Default() *Sink {
	defaultOnce.Do(func() {
		s, err := NewSink(prometheus.DefaultRegisterer)
		if err != nil {
			panic(fmt.Sprintf("metrics: default sink: %v", err))
		}
		defaultSink = s
	})
	return defaultSink
}

// NewSink registers the pool metric vectors with reg. Registering two sinks
// on the same Registerer panics, as promauto does.
func NewSink(reg prometheus.Registerer, opts ...Option) (*Sink, error) {
	o := sinkOptions{waitBuckets: DefaultWaitBuckets}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	f := promauto.With(reg)
	gauge := func(name, help string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      name,
			Help:      help,
		}, []string{PoolLabel})
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      name,
			Help:      help,
		}, []string{PoolLabel})
	}

	s := &Sink{
		active:  gauge("active", "Resources currently checked out"),
		idle:    gauge("idle", "Resources available for checkout"),
		waiting: gauge("waiting", "Callers suspended in acquire"),
		max:     gauge("max", "Configured maximum pool size"),
		minIdle: gauge("min_idle", "Configured minimum idle resources"),
		maxIdle: gauge("max_idle", "Configured maximum idle resources"),

		acquires:       counter("acquires_total", "Successful acquires"),
		releases:       counter("releases_total", "Resources returned to the pool"),
		timeouts:       counter("timeouts_total", "Acquires that exceeded their bound"),
		errors:         counter("errors_total", "Acquires that failed with an adapter error"),
		canceled:       counter("canceled_total", "Acquires abandoned by the caller"),
		doubleReleases: counter("double_releases_total", "Releases of resources not checked out"),
		leaked:         counter("leaked_total", "Guards collected without being released"),

		acquireWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting in acquire, by outcome",
			Buckets:   o.waitBuckets,
		}, []string{PoolLabel, "outcome"}),
		useTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "use_seconds",
			Help:      "Time between acquire and release",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		}, []string{PoolLabel}),
		operation: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "operation_seconds",
			Help:      "Duration of operations performed on checked out resources",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{PoolLabel, "operation", "status"}),

		pools: make(map[string]*PoolMetrics),
		refs:  make(map[string]int),
	}

	if err := s.initOtel(o.meterProvider.Meter(meterName)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) initOtel(meter metric.Meter) error {
	var err error
	if s.otelWait, err = meter.Float64Histogram("db.client.connection.wait_time",
		metric.WithUnit("s"),
		metric.WithDescription("The time it took to obtain an open connection from the pool")); err != nil {
		return err
	}
	if s.otelUse, err = meter.Float64Histogram("db.client.connection.use_time",
		metric.WithUnit("s"),
		metric.WithDescription("The time between borrowing a connection and returning it to the pool")); err != nil {
		return err
	}
	if s.otelCount, err = meter.Int64Gauge("db.client.connection.count",
		metric.WithUnit("{connection}"),
		metric.WithDescription("The number of connections that are currently in state described by the state attribute")); err != nil {
		return err
	}
	if s.otelMax, err = meter.Int64Gauge("db.client.connection.max",
		metric.WithUnit("{connection}"),
		metric.WithDescription("The maximum number of open connections allowed")); err != nil {
		return err
	}
	if s.otelIdleMin, err = meter.Int64Gauge("db.client.connection.idle.min",
		metric.WithUnit("{connection}"),
		metric.WithDescription("The minimum number of idle open connections allowed")); err != nil {
		return err
	}
	if s.otelIdleMax, err = meter.Int64Gauge("db.client.connection.idle.max",
		metric.WithUnit("{connection}"),
		metric.WithDescription("The maximum number of idle open connections allowed")); err != nil {
		return err
	}
	if s.otelPending, err = meter.Int64Gauge("db.client.connection.pending_requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("The number of current pending requests for an open connection")); err != nil {
		return err
	}
	if s.otelTimeouts, err = meter.Int64Counter("db.client.connection.timeouts",
		metric.WithUnit("{timeout}"),
		metric.WithDescription("The number of connection timeouts that have occurred trying to obtain a connection from the pool")); err != nil {
		return err
	}
	return nil
}

// Pool returns the metrics handle of the named pool, creating its series on
// first use.
func (s *Sink) Pool(name string) *PoolMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolLocked(name)
}

// Retain is Pool for an owner that will call ForgetPool once done with the
// handle.
func (s *Sink) Retain(name string) *PoolMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[name]++
	return s.poolLocked(name)
}

func (s *Sink) poolLocked(name string) *PoolMetrics {
	if pm, ok := s.pools[name]; ok {
		return pm
	}

	poolAttr := attribute.String(PoolAttribute, name)
	pm := &PoolMetrics{
		name: name,
		sink: s,

		active:  s.active.WithLabelValues(name),
		idle:    s.idle.WithLabelValues(name),
		waiting: s.waiting.WithLabelValues(name),
		max:     s.max.WithLabelValues(name),
		minIdle: s.minIdle.WithLabelValues(name),
		maxIdle: s.maxIdle.WithLabelValues(name),

		acquires:       s.acquires.WithLabelValues(name),
		releases:       s.releases.WithLabelValues(name),
		timeouts:       s.timeouts.WithLabelValues(name),
		errors:         s.errors.WithLabelValues(name),
		canceled:       s.canceled.WithLabelValues(name),
		doubleReleases: s.doubleReleases.WithLabelValues(name),
		leaked:         s.leaked.WithLabelValues(name),

		wait: make(map[Outcome]prometheus.Observer, len(Outcomes)),
		use:  s.useTime.WithLabelValues(name),

		attrs:     metric.WithAttributeSet(attribute.NewSet(poolAttr)),
		idleAttrs: metric.WithAttributeSet(attribute.NewSet(poolAttr, attribute.String(StateAttribute, "idle"))),
		usedAttrs: metric.WithAttributeSet(attribute.NewSet(poolAttr, attribute.String(StateAttribute, "used"))),
	}
	for _, o := range Outcomes {
		pm.wait[o] = s.acquireWait.WithLabelValues(name, string(o))
	}

	s.pools[name] = pm
	return pm
}

// ForgetPool releases one Retain of the pool name. When no owner is left it
// deletes every Prometheus series labeled with the name.
func (s *Sink) ForgetPool(name string) {
	s.mu.Lock()
	if s.refs[name] > 1 {
		s.refs[name]--
		s.mu.Unlock()
		return
	}
	delete(s.refs, name)
	delete(s.pools, name)
	s.mu.Unlock()

	labels := prometheus.Labels{PoolLabel: name}
	for _, g := range []*prometheus.GaugeVec{s.active, s.idle, s.waiting, s.max, s.minIdle, s.maxIdle} {
		g.DeletePartialMatch(labels)
	}
	for _, c := range []*prometheus.CounterVec{s.acquires, s.releases, s.timeouts, s.errors, s.canceled, s.doubleReleases, s.leaked} {
		c.DeletePartialMatch(labels)
	}
	for _, h := range []*prometheus.HistogramVec{s.acquireWait, s.useTime, s.operation} {
		h.DeletePartialMatch(labels)
	}
}

// PoolMetrics is the per-pool view of a Sink. All methods are safe for
// concurrent use.
type PoolMetrics struct {
	name string
	sink *Sink

	active, idle, waiting, max, minIdle, maxIdle                           prometheus.Gauge
	acquires, releases, timeouts, errors, canceled, doubleReleases, leaked prometheus.Counter

	// read-only after construction
	wait map[Outcome]prometheus.Observer
	use  prometheus.Observer

	attrs, idleAttrs, usedAttrs metric.MeasurementOption
}

// Name returns the pool name the handle is labeled with.
func (m *PoolMetrics) Name() string { return m.name }

// ObserveAcquire records the wait time of one acquire and counts its outcome.
func (m *PoolMetrics) ObserveAcquire(ctx context.Context, outcome Outcome, wait time.Duration) {
	obs, ok := m.wait[outcome]
	if !ok {
		obs = m.sink.acquireWait.WithLabelValues(m.name, string(outcome))
	}
	obs.Observe(wait.Seconds())
	m.sink.otelWait.Record(ctx, wait.Seconds(), m.attrs)

	switch outcome {
	case OutcomeSuccess:
		m.acquires.Inc()
	case OutcomeTimeout:
		m.timeouts.Inc()
		m.sink.otelTimeouts.Add(ctx, 1, m.attrs)
	case OutcomeCanceled:
		m.canceled.Inc()
	default:
		m.errors.Inc()
	}
}

// ObserveRelease records how long a resource was held.
func (m *PoolMetrics) ObserveRelease(ctx context.Context, held time.Duration) {
	m.releases.Inc()
	m.use.Observe(held.Seconds())
	m.sink.otelUse.Record(ctx, held.Seconds(), m.attrs)
}

// ObserveOperation records the duration of an operation performed with a
// checked out resource.
func (m *PoolMetrics) ObserveOperation(operation, status string, d time.Duration) {
	m.sink.operation.WithLabelValues(m.name, operation, status).Observe(d.Seconds())
}

// RecordDoubleRelease counts a release of a resource that was not checked out.
func (m *PoolMetrics) RecordDoubleRelease() { m.doubleReleases.Inc() }

// RecordLeak counts a guard reclaimed by the runtime.
func (m *PoolMetrics) RecordLeak() { m.leaked.Inc() }

// SetState publishes adapter-reported occupancy.
func (m *PoolMetrics) SetState(ctx context.Context, s State) {
	m.active.Set(float64(s.Active))
	m.idle.Set(float64(s.Idle))
	m.waiting.Set(float64(s.Waiting))
	m.max.Set(float64(s.Max))
	m.minIdle.Set(float64(s.MinIdle))
	m.maxIdle.Set(float64(s.MaxIdle))

	m.sink.otelCount.Record(ctx, int64(s.Idle), m.idleAttrs)
	m.sink.otelCount.Record(ctx, int64(s.Active), m.usedAttrs)
	m.sink.otelPending.Record(ctx, int64(s.Waiting), m.attrs)
	m.sink.otelMax.Record(ctx, int64(s.Max), m.attrs)
	m.sink.otelIdleMin.Record(ctx, int64(s.MinIdle), m.attrs)
	m.sink.otelIdleMax.Record(ctx, int64(s.MaxIdle), m.attrs)
}
