package pool_test

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/metrics"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/pool/adapters/chanpool"
	"github.com/ajitpratap0/poolkit/pkg/testutil"
)

func ExamplePool_Acquire() {
	f := testutil.NewFactory()
	adapter, _ := chanpool.New(context.Background(), chanpool.Config[*testutil.Resource]{
		MaxSize: 1,
		New:     f.New,
		Close:   f.Close,
		Logger:  zap.NewNop(),
	})
	sink, _ := metrics.NewSink(prometheus.NewRegistry())

	cfg := config.NewPoolConfig("workers", config.BackendChannel)
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 10 * time.Millisecond
	p, _ := pool.New[*testutil.Resource](cfg, adapter, pool.WithSink(sink), pool.WithLogger(zap.NewNop()))
	defer p.CloseTimeout(time.Second)

	g, err := p.Acquire(context.Background())
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("acquired", g.Resource())

	_, err = p.Acquire(context.Background())
	fmt.Println("exhausted:", errors.IsType(err, errors.ErrorTypeTimeout))

	_ = g.Release()
	fmt.Println("active:", p.Stats().Active)
	// Output:
	// acquired resource-1
	// exhausted: true
	// active: 0
}

func ExamplePool_With() {
	f := testutil.NewFactory()
	adapter, _ := chanpool.New(context.Background(), chanpool.Config[*testutil.Resource]{
		MaxSize: 2,
		New:     f.New,
		Close:   f.Close,
		Logger:  zap.NewNop(),
	})
	sink, _ := metrics.NewSink(prometheus.NewRegistry())

	cfg := config.NewPoolConfig("scoped", config.BackendChannel)
	cfg.MaxSize = 2
	p, _ := pool.New[*testutil.Resource](cfg, adapter, pool.WithSink(sink), pool.WithLogger(zap.NewNop()))

	_ = p.With(context.Background(), func(ctx context.Context, r *testutil.Resource) error {
		fmt.Println("using", r)
		return nil
	})

	res := p.Close(context.Background())
	fmt.Println("drained:", res.Drained, "releases:", p.Counters().Releases)
	// Output:
	// using resource-1
	// drained: true releases: 1
}
