package chanpool

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

func newTestPool(t *testing.T, cfg Config[*testutil.Resource]) *Pool[*testutil.Resource] {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testutil.TestLogger(t)
	}
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return p
}

func TestAdapterContract(t *testing.T) {
	testutil.RunAdapterSuite(t, func(t *testing.T, maxSize int, f *testutil.Factory) pool.Adapter[*testutil.Resource] {
		return newTestPool(t, Config[*testutil.Resource]{
			MaxSize: maxSize,
			New:     f.New,
			Close:   f.Close,
		})
	})
}

func TestNewValidates(t *testing.T) {
	_, err := New(context.Background(), Config[*testutil.Resource]{MaxSize: 0})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New(context.Background(), Config[*testutil.Resource]{MaxSize: 1})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestMinIdleCreatedUpFront(t *testing.T) {
	f := testutil.NewFactory()
	p := newTestPool(t, Config[*testutil.Resource]{MaxSize: 4, MinIdle: 2, New: f.New, Close: f.Close})
	defer p.Close(context.Background())

	assert.EqualValues(t, 2, f.Created())
	assert.Equal(t, 2, p.Stats().Idle)
	assert.Equal(t, 2, p.Stats().MinIdle)
}

func TestMinIdleFailureCleansUp(t *testing.T) {
	f := testutil.NewFactory()
	calls := 0
	_, err := New(context.Background(), Config[*testutil.Resource]{
		MaxSize: 4,
		MinIdle: 2,
		New: func(ctx context.Context) (*testutil.Resource, error) {
			calls++
			if calls == 2 {
				f.SetFail(true)
			}
			return f.New(ctx)
		},
		Close:  f.Close,
		Logger: testutil.TestLogger(t),
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAdapter))
	assert.EqualValues(t, 0, f.Live())
}

func TestCreateFailureReleasesCapacity(t *testing.T) {
	f := testutil.NewFactory()
	p := newTestPool(t, Config[*testutil.Resource]{MaxSize: 1, New: f.New, Close: f.Close})
	defer p.Close(context.Background())

	f.SetFail(true)
	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAdapter))

	f.SetFail(false)
	r, err := p.TryAcquire()
	require.NoError(t, err)
	require.NoError(t, p.Release(r))
}

func TestMaxIdleDisposesSurplus(t *testing.T) {
	f := testutil.NewFactory()
	p := newTestPool(t, Config[*testutil.Resource]{MaxSize: 3, MaxIdle: 1, New: f.New, Close: f.Close})
	defer p.Close(context.Background())

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	require.NoError(t, err)
	r2, err := p.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Release(r1))
	require.NoError(t, p.Release(r2))

	assert.Equal(t, 1, p.Stats().Idle)
	assert.True(t, r2.Closed())
	assert.EqualValues(t, 1, f.Live())
}

func TestIdleReaperKeepsMinIdle(t *testing.T) {
	f := testutil.NewFactory()
	p := newTestPool(t, Config[*testutil.Resource]{
		MaxSize:     4,
		MinIdle:     1,
		IdleTimeout: 20 * time.Millisecond,
		New:         f.New,
		Close:       f.Close,
	})
	defer p.Close(context.Background())

	ctx := context.Background()
	var held []*testutil.Resource
	for i := 0; i < 3; i++ {
		r, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, r)
	}
	for _, r := range held {
		require.NoError(t, p.Release(r))
	}

	testutil.AssertEventually(t, func() bool { return p.Stats().Idle == 1 }, time.Second, "reaper should keep min idle")
	assert.EqualValues(t, 1, f.Live())
}

func TestCloseWakesWaiters(t *testing.T) {
	f := testutil.NewFactory()
	p := newTestPool(t, Config[*testutil.Resource]{MaxSize: 1, New: f.New, Close: f.Close})

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	testutil.AssertEventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, "waiter should be queued")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Release(r)
	}()
	abandoned, err := p.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, abandoned)

	select {
	case err := <-errCh:
		assert.True(t, errors.IsType(err, errors.ErrorTypeClosed), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by close")
	}
}
