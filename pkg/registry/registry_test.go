package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/metrics"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/pool/adapters/chanpool"
	"github.com/ajitpratap0/poolkit/pkg/testutil"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	sink, err := metrics.NewSink(prometheus.NewRegistry())
	require.NoError(t, err)
	return New(WithLogger(testutil.TestLogger(t)), WithSink(sink))
}

func newAdapter(t *testing.T, maxSize int, f *testutil.Factory) *chanpool.Pool[*testutil.Resource] {
	t.Helper()
	a, err := chanpool.New(context.Background(), chanpool.Config[*testutil.Resource]{
		MaxSize: maxSize,
		New:     f.New,
		Close:   f.Close,
		Logger:  testutil.TestLogger(t),
	})
	require.NoError(t, err)
	return a
}

func register(t *testing.T, r *Registry, name string, f *testutil.Factory) *pool.Pool[*testutil.Resource] {
	t.Helper()
	cfg := config.NewPoolConfig(name, config.BackendChannel)
	cfg.MaxSize = 2
	p, err := Register[*testutil.Resource](r, cfg, newAdapter(t, 2, f))
	require.NoError(t, err)
	return p
}

func TestRegisterAndGet(t *testing.T) {
	r := newRegistry(t)
	p := register(t, r, "cache", testutil.NewFactory())

	got, err := Get[*testutil.Resource](r, "cache")
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.True(t, r.Has("cache"))
	assert.Equal(t, 1, r.Len())

	m, err := r.Lookup("cache")
	require.NoError(t, err)
	assert.Equal(t, chanpool.Kind, m.Kind())
}

func TestRegisterDuplicateKeepsFirst(t *testing.T) {
	r := newRegistry(t)
	f := testutil.NewFactory()
	first := register(t, r, "db", f)

	g, err := first.Acquire(context.Background())
	require.NoError(t, err)

	other := testutil.NewFactory()
	cfg := config.NewPoolConfig("db", config.BackendChannel)
	cfg.MaxSize = 5
	_, err = Register[*testutil.Resource](r, cfg, newAdapter(t, 5, other))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDuplicateName), "got %v", err)

	got, err := Get[*testutil.Resource](r, "db")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, 2, got.Stats().Max)
	assert.Equal(t, 1, got.Stats().Active)
	assert.False(t, got.Closed())

	require.NoError(t, g.Release())

	err = r.Add(first)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDuplicateName))
}

func TestRegisterInvalidConfigClosesAdapter(t *testing.T) {
	r := newRegistry(t)
	f := testutil.NewFactory()
	a := newAdapter(t, 2, f)

	cfg := config.NewPoolConfig("bad", config.BackendChannel)
	cfg.MaxSize = 0
	_, err := Register[*testutil.Resource](r, cfg, a)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.False(t, r.Has("bad"))

	_, err = a.Acquire(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeClosed))
}

func TestGetErrors(t *testing.T) {
	r := newRegistry(t)
	register(t, r, "cache", testutil.NewFactory())

	_, err := Get[*testutil.Resource](r, "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound), "got %v", err)

	_, err = r.Lookup("missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	_, err = Get[string](r, "cache")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), "got %v", err)
}

func TestNamesAndSnapshotsAreSorted(t *testing.T) {
	r := newRegistry(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		register(t, r, name, testutil.NewFactory())
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())

	p, err := Get[*testutil.Resource](r, "mid")
	require.NoError(t, err)
	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release()

	snaps := r.SnapshotAll()
	require.Len(t, snaps, 3)
	assert.Equal(t, "alpha", snaps[0].Name)
	assert.Equal(t, "mid", snaps[1].Name)
	assert.Equal(t, "zeta", snaps[2].Name)
	assert.Equal(t, 1, snaps[1].Stats.Active)
	assert.EqualValues(t, 1, snaps[1].Counters.Acquires)
	assert.Equal(t, chanpool.Kind, snaps[0].Backend)

	r.ProbeAll(context.Background())
}

func TestCheckAll(t *testing.T) {
	r := newRegistry(t)
	register(t, r, "ok", testutil.NewFactory())
	broken := testutil.NewFactory()
	broken.SetFail(true)
	register(t, r, "broken", broken)

	results := r.CheckAll(context.Background(), 1)
	require.Len(t, results, 2)
	assert.Equal(t, "broken", results[0].Name)
	assert.True(t, errors.IsType(results[0].Err, errors.ErrorTypeAdapter), "got %v", results[0].Err)
	assert.Equal(t, "ok", results[1].Name)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, chanpool.Kind, results[1].Backend)
}

func TestConcurrentRegisterOneWins(t *testing.T) {
	r := newRegistry(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := config.NewPoolConfig("shared", config.BackendChannel)
			cfg.MaxSize = 1
			a, err := chanpool.New(context.Background(), chanpool.Config[*testutil.Resource]{
				MaxSize: 1,
				New:     testutil.NewFactory().New,
				Logger:  testutil.TestLogger(t),
			})
			if err != nil {
				return
			}
			if _, err := Register[*testutil.Resource](r, cfg, a); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, []string{"shared"}, r.Names())
}

func TestCloseAllReportsFailures(t *testing.T) {
	r := newRegistry(t)
	factories := map[string]*testutil.Factory{}
	for _, name := range []string{"a", "b", "c", "d"} {
		factories[name] = testutil.NewFactory()
		register(t, r, name, factories[name])
	}

	var held []*pool.Guard[*testutil.Resource]
	for _, name := range []string{"b", "d"} {
		p, err := Get[*testutil.Resource](r, name)
		require.NoError(t, err)
		g, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, g)
	}

	start := time.Now()
	report := r.CloseAll(context.Background(), 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second, "pools must close concurrently")

	require.Len(t, report.Failed, 2)
	require.Len(t, report.Succeeded, 2)
	assert.Equal(t, "b", report.Failed[0].Name)
	assert.Equal(t, "d", report.Failed[1].Name)
	assert.Equal(t, 1, report.Failed[0].Abandoned)
	assert.Equal(t, "a", report.Succeeded[0].Name)
	assert.True(t, report.Succeeded[0].Drained)

	err := report.Err()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	assert.Equal(t, 0, r.Len())
	for name, f := range factories {
		assert.Zero(t, f.Live(), "pool %s leaked resources", name)
	}
	for _, g := range held {
		assert.NoError(t, g.Release())
	}

	cfg := config.NewPoolConfig("late", config.BackendChannel)
	_, err = Register[*testutil.Resource](r, cfg, newAdapter(t, 1, testutil.NewFactory()))
	assert.True(t, errors.IsType(err, errors.ErrorTypeClosed), "got %v", err)
}

func TestCloseAllEmpty(t *testing.T) {
	r := newRegistry(t)
	report := r.CloseAll(context.Background(), time.Second)
	assert.Empty(t, report.Failed)
	assert.Empty(t, report.Succeeded)
	assert.NoError(t, report.Err())
}

func TestRegistriesSharingSinkKeepSeries(t *testing.T) {
	prom := prometheus.NewRegistry()
	sink, err := metrics.NewSink(prom)
	require.NoError(t, err)
	first := New(WithLogger(testutil.TestLogger(t)), WithSink(sink))
	second := New(WithLogger(testutil.TestLogger(t)), WithSink(sink))

	for _, r := range []*Registry{first, second} {
		p := register(t, r, "db", testutil.NewFactory())
		g, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.NoError(t, g.Release())
	}
	const acquires = "poolkit_pool_acquires_total"

	require.NoError(t, first.CloseAll(context.Background(), time.Second).Err())
	count, err := promtest.GatherAndCount(prom, acquires)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "closing one registry must keep the series of the other")

	require.NoError(t, second.CloseAll(context.Background(), time.Second).Err())
	count, err = promtest.GatherAndCount(prom, acquires)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
