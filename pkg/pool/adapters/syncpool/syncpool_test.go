package syncpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/testutil"
)

func newTestAdapter(t *testing.T, maxSize int, f *testutil.Factory) *Adapter[*testutil.Resource] {
	t.Helper()
	a, err := New(Config[*testutil.Resource]{
		MaxSize: maxSize,
		New:     f.NewBlocking,
		Close:   f.Close,
		Logger:  testutil.TestLogger(t),
	})
	require.NoError(t, err)
	return a
}

func TestAdapterContract(t *testing.T) {
	testutil.RunAdapterSuite(t, func(t *testing.T, maxSize int, f *testutil.Factory) pool.Adapter[*testutil.Resource] {
		return newTestAdapter(t, maxSize, f)
	})
}

func TestBlockingGetWaitsForPut(t *testing.T) {
	f := testutil.NewFactory()
	bp, err := NewBlockingPool(Config[*testutil.Resource]{MaxSize: 1, New: f.NewBlocking, Close: f.Close, Logger: testutil.TestLogger(t)})
	require.NoError(t, err)
	defer bp.Close()

	r, err := bp.Get()
	require.NoError(t, err)

	got := make(chan *testutil.Resource, 1)
	go func() {
		w, err := bp.Get()
		if err == nil {
			got <- w
		}
	}()

	testutil.AssertEventually(t, func() bool { return bp.Stats().Waiters == 1 }, time.Second, "Get should block")
	bp.Put(r)

	select {
	case w := <-got:
		assert.Same(t, r, w)
	case <-time.After(time.Second):
		t.Fatal("blocked Get was not woken")
	}

	stats := bp.Stats()
	assert.EqualValues(t, 1, stats.TotalCreated)
	assert.EqualValues(t, 1, stats.TotalReused)
	assert.InDelta(t, 50.0, stats.ReuseRate, 0.001)
}

func TestBlockingCloseWakesGet(t *testing.T) {
	f := testutil.NewFactory()
	bp, err := NewBlockingPool(Config[*testutil.Resource]{MaxSize: 1, New: f.NewBlocking, Logger: testutil.TestLogger(t)})
	require.NoError(t, err)

	_, err = bp.Get()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := bp.Get()
		errCh <- err
	}()
	testutil.AssertEventually(t, func() bool { return bp.Stats().Waiters == 1 }, time.Second, "Get should block")

	require.NoError(t, bp.Close())
	select {
	case err := <-errCh:
		assert.True(t, errors.IsType(err, errors.ErrorTypeClosed))
	case <-time.After(time.Second):
		t.Fatal("close did not wake Get")
	}
}

func TestBlockingCleanupRemovesIdle(t *testing.T) {
	f := testutil.NewFactory()
	bp, err := NewBlockingPool(Config[*testutil.Resource]{
		MaxSize:         2,
		IdleTimeout:     10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		New:             f.NewBlocking,
		Close:           f.Close,
		Logger:          testutil.TestLogger(t),
	})
	require.NoError(t, err)
	defer bp.Close()

	r, err := bp.Get()
	require.NoError(t, err)
	bp.Put(r)

	testutil.AssertEventually(t, func() bool { return bp.Stats().Idle == 0 }, time.Second, "idle resource should be cleaned up")
	assert.True(t, r.Closed())
}

func TestLateResourceIsHandedBack(t *testing.T) {
	f := testutil.NewFactory()
	a := newTestAdapter(t, 1, f)
	defer a.Close(context.Background())

	r, err := a.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, a.Release(r))

	// the abandoned blocking Get receives r and must return it
	testutil.AssertEventually(t, func() bool { return a.Handbacks() == 1 }, time.Second, "late resource should be handed back")
	testutil.AssertEventually(t, func() bool { return a.bp.Stats().Active == 0 }, time.Second, "handed back resource should be idle")

	r, err = a.TryAcquire()
	require.NoError(t, err)
	require.NoError(t, a.Release(r))
}

func TestAcquireWithDoneContext(t *testing.T) {
	a := newTestAdapter(t, 1, testutil.NewFactory())
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Acquire(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCanceled))
	assert.Equal(t, 0, a.Stats().Active)
}

func TestCreateRacingCloseDisposesResource(t *testing.T) {
	f := testutil.NewFactory()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	a, err := New(Config[*testutil.Resource]{
		MaxSize: 1,
		New: func() (*testutil.Resource, error) {
			close(entered)
			<-unblock
			return f.NewBlocking()
		},
		Close:  f.Close,
		Logger: testutil.TestLogger(t),
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Acquire(context.Background())
		errCh <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	abandoned, err := a.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, abandoned)

	close(unblock)
	select {
	case err := <-errCh:
		assert.True(t, errors.IsType(err, errors.ErrorTypeClosed))
	case <-time.After(time.Second):
		t.Fatal("acquire did not return")
	}
	assert.EqualValues(t, 1, f.Created())
	assert.EqualValues(t, 0, f.Live(), "resource created during close must be closed")
	assert.Equal(t, 0, a.Stats().Active)
}

func TestCheckoutAfterCloseIsDiscarded(t *testing.T) {
	f := testutil.NewFactory()
	a := newTestAdapter(t, 1, f)

	r, err := a.bp.Get()
	require.NoError(t, err)
	_, err = a.Close(context.Background())
	require.NoError(t, err)

	// a Get that completed before Close but was recorded after it
	_, err = a.checkout(r)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClosed))
	assert.True(t, r.Closed())
	assert.Equal(t, 0, a.out.Len())
	assert.Equal(t, 0, a.bp.Stats().Active)
}

func TestMinIdleIsCreatedAndKept(t *testing.T) {
	f := testutil.NewFactory()
	a, err := New(Config[*testutil.Resource]{
		MaxSize:         4,
		MinIdle:         2,
		IdleTimeout:     10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		New:             f.NewBlocking,
		Close:           f.Close,
		Logger:          testutil.TestLogger(t),
	})
	require.NoError(t, err)
	defer a.Close(context.Background())

	stats := a.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 2, stats.MinIdle)
	assert.EqualValues(t, 2, f.Created())

	var held []*testutil.Resource
	for range 4 {
		r, err := a.TryAcquire()
		require.NoError(t, err)
		held = append(held, r)
	}
	for _, r := range held {
		require.NoError(t, a.Release(r))
	}
	require.Equal(t, 4, a.Stats().Idle)

	testutil.AssertEventually(t, func() bool { return f.ClosedCount() == 2 }, time.Second, "cleanup should close idle resources above min idle")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, a.Stats().Idle, "cleanup must keep min idle resources")
	assert.EqualValues(t, 2, f.Live())
}

func TestMinIdleAboveMaxIdleIsRejected(t *testing.T) {
	f := testutil.NewFactory()
	_, err := New(Config[*testutil.Resource]{
		MaxSize: 4,
		MinIdle: 3,
		MaxIdle: 2,
		New:     f.NewBlocking,
		Logger:  testutil.TestLogger(t),
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.EqualValues(t, 0, f.Created())
}

func TestWarmUpFailureClosesCreated(t *testing.T) {
	f := testutil.NewFactory()
	calls := 0
	_, err := New(Config[*testutil.Resource]{
		MaxSize: 4,
		MinIdle: 3,
		New: func() (*testutil.Resource, error) {
			calls++
			if calls == 3 {
				f.SetFail(true)
			}
			return f.NewBlocking()
		},
		Close:  f.Close,
		Logger: testutil.TestLogger(t),
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAdapter))
	assert.EqualValues(t, 2, f.Created())
	assert.EqualValues(t, 0, f.Live())
}

func TestDiscardFreesCapacity(t *testing.T) {
	f := testutil.NewFactory()
	a := newTestAdapter(t, 1, f)
	defer a.Close(context.Background())

	r, err := a.TryAcquire()
	require.NoError(t, err)
	require.NoError(t, a.Discard(r))
	assert.True(t, r.Closed())

	err = a.Discard(r)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDoubleRelease))

	again, err := a.TryAcquire()
	require.NoError(t, err)
	assert.NotSame(t, r, again)
	require.NoError(t, a.Release(again))
}
