package observability

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/metrics"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/pool/adapters/chanpool"
	"github.com/ajitpratap0/poolkit/pkg/registry"
	"github.com/ajitpratap0/poolkit/pkg/testutil"
)

type env struct {
	reg     *registry.Registry
	prom    *prometheus.Registry
	factory *testutil.Factory
}

func newEnv(t *testing.T, names ...string) *env {
	t.Helper()
	prom := prometheus.NewRegistry()
	sink, err := metrics.NewSink(prom)
	require.NoError(t, err)

	reg := registry.New(registry.WithLogger(testutil.TestLogger(t)), registry.WithSink(sink))
	f := testutil.NewFactory()
	for _, name := range names {
		a, err := chanpool.New(context.Background(), chanpool.Config[*testutil.Resource]{
			MaxSize: 1,
			New:     f.New,
			Close:   f.Close,
			Logger:  testutil.TestLogger(t),
		})
		require.NoError(t, err)

		cfg := config.NewPoolConfig(name, config.BackendChannel)
		cfg.MaxSize = 1
		_, err = registry.Register[*testutil.Resource](reg, cfg, a, pool.WithProbeInterval(time.Hour))
		require.NoError(t, err)
	}
	t.Cleanup(func() { reg.CloseAll(context.Background(), time.Second) })
	return &env{reg: reg, prom: prom, factory: f}
}

func (e *env) pool(t *testing.T, name string) *pool.Pool[*testutil.Resource] {
	t.Helper()
	p, err := registry.Get[*testutil.Resource](e.reg, name)
	require.NoError(t, err)
	return p
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestPoolsEndpoint(t *testing.T) {
	e := newEnv(t, "b", "a")
	h := NewHandler(e.reg, e.prom, testutil.TestLogger(t))

	g, err := e.pool(t, "a").Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release()

	rec := get(t, h, "/pools")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snaps []pool.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, 1, snaps[0].Stats.Active)
	assert.EqualValues(t, 1, snaps[0].Counters.Acquires)
	assert.Equal(t, "b", snaps[1].Name)

	rec = get(t, h, "/pools/b")
	require.Equal(t, http.StatusOK, rec.Code)
	var one pool.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "b", one.Name)
	assert.Equal(t, chanpool.Kind, one.Backend)

	rec = get(t, h, "/pools/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, "cache")
	h := NewHandler(e.reg, e.prom, testutil.TestLogger(t))

	require.NoError(t, e.pool(t, "cache").With(context.Background(), func(context.Context, *testutil.Resource) error {
		return nil
	}))

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `poolkit_pool_acquires_total{pool="cache"} 1`)
	assert.Contains(t, body, `poolkit_pool_max{pool="cache"} 1`)
	assert.Contains(t, body, "poolkit_pool_acquire_wait_seconds_bucket")
}

func TestBackendsEndpoint(t *testing.T) {
	e := newEnv(t)
	rec := get(t, NewHandler(e.reg, e.prom, nil), "/backends")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"postgres"`)
	assert.Contains(t, rec.Body.String(), `"kind":"mysql"`)
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t, "a")
	h := NewHandler(e.reg, e.prom, testutil.TestLogger(t))

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var health Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Pools)

	e.pool(t, "a").Close(context.Background())
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, []string{"a"}, health.Closed)
}

func TestEvaluateHealth(t *testing.T) {
	health := evaluateHealth([]pool.Snapshot{
		{Name: "idle"},
		{Name: "busy", Stats: pool.Stats{Waiting: 3}},
	})
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, []string{"busy"}, health.Saturated)
	assert.Empty(t, health.Closed)
}

func TestExporter(t *testing.T) {
	e := newEnv(t, "a", "b")
	core, logs := observer.New(zapcore.DebugLevel)
	exp := NewExporter(e.reg, 10*time.Millisecond, zap.New(core))

	g, err := e.pool(t, "a").Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		exp.Run(ctx)
		close(done)
	}()

	testutil.AssertEventually(t, func() bool { return exp.Runs() >= 2 }, time.Second, "exporter should run periodically")
	cancel()
	<-done

	latest := exp.Latest()
	require.Len(t, latest, 2)
	assert.Equal(t, 1, latest[0].Stats.Active)

	// the probe interval is an hour, so only the exporter refreshed the gauge
	body := get(t, NewHandler(e.reg, e.prom, nil), "/metrics").Body.String()
	assert.Contains(t, body, `poolkit_pool_active{pool="a"} 1`)

	states := logs.FilterMessage("pool state").FilterField(zap.String("status", "at_capacity")).All()
	assert.NotEmpty(t, states)
}

func TestTracingMiddleware(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	prev := tracer
	tracer = tp.Tracer("test")
	defer func() { tracer = prev }()

	h := TracingMiddleware("poolkit-test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanContextFromContext(r.Context()).IsValid())
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := get(t, h, "/pools")
	assert.Equal(t, http.StatusTeapot, rec.Code)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "GET /pools", ended[0].Name())
	assert.Equal(t, trace.SpanKindServer, ended[0].SpanKind())
}

func TestPoolLoggerAddsTraceFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	pl := NewPoolLogger(zap.New(core), "db", "postgres")

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	op := pl.WithOperation(ctx, "check")
	op.LogStart("checking pool")
	op.LogComplete("pool checked")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[1].ContextMap()
	assert.Equal(t, "db", fields["pool"])
	assert.Equal(t, "postgres", fields["backend"])
	assert.Equal(t, "check", fields["operation"])
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, "complete", fields["phase"])
}

func TestServerServesAndStops(t *testing.T) {
	e := newEnv(t, "a")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), "poolkit-test", NewHandler(e.reg, e.prom, nil), testutil.TestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"status":"ok"`))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestInitializeWithStdoutTracing(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.SamplingRate = 1.0
	cfg.Tracing.Writer = &buf
	cfg.Tracing.BatchTimeout = 10 * time.Millisecond
	cfg.Logging.OutputPaths = []string{"stderr"}

	require.NoError(t, Initialize(cfg))
	assert.NotNil(t, GetTracer())
	assert.NotNil(t, GetLogger())

	_, span := GetTracer().Start(context.Background(), "pool.acquire")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Shutdown(ctx))
	assert.Contains(t, buf.String(), "pool.acquire")
}

func TestFromConfig(t *testing.T) {
	cfg := config.NewConfig()
	cfg.ServiceName = "edge"
	cfg.Logging.Level = "DEBUG"
	cfg.Observability.EnableTracing = true
	cfg.Observability.TracingSampleRate = 0.5

	oc := FromConfig(cfg, "1.2.3")
	assert.True(t, oc.Tracing.Enabled)
	assert.Equal(t, "edge", oc.Tracing.ServiceName)
	assert.Equal(t, "1.2.3", oc.Tracing.ServiceVersion)
	assert.Equal(t, 0.5, oc.Tracing.SamplingRate)
	assert.Equal(t, zapcore.DebugLevel, oc.Logging.Level)
}
