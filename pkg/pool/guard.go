package pool

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/metrics"
)

// checkout is the state shared between a Guard and its runtime cleanup. It
// must never point back at the Guard.
type checkout[R any] struct {
	pool       *Pool[R]
	resource   R
	acquiredAt time.Time
	released   atomic.Bool
}

// Guard is exclusive ownership of one checked out resource. Release returns
// the resource exactly once; keep the Guard reachable for as long as the
// resource is used.
//
//	g, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer g.Release()
//	conn := g.Resource()
type Guard[R any] struct {
	c       *checkout[R]
	cleanup runtime.Cleanup
}

func newGuard[R any](p *Pool[R], r R, at time.Time) *Guard[R] {
	c := &checkout[R]{pool: p, resource: r, acquiredAt: at}
	g := &Guard[R]{c: c}
	g.cleanup = runtime.AddCleanup(g, func(c *checkout[R]) {
		if c.released.CompareAndSwap(false, true) {
			c.pool.reclaim(c)
		}
	}, c)
	return g
}

// Resource returns the checked out resource.
func (g *Guard[R]) Resource() R {
	return g.c.resource
}

// AcquiredAt returns when the resource was checked out.
func (g *Guard[R]) AcquiredAt() time.Time {
	return g.c.acquiredAt
}

// Released reports whether Release has been called.
func (g *Guard[R]) Released() bool {
	return g.c.released.Load()
}

// Release returns the resource to the pool. Only the first call has an
// effect; later calls are counted as double releases and return nil.
func (g *Guard[R]) Release() error {
	if !g.c.released.CompareAndSwap(false, true) {
		g.c.pool.recordDoubleRelease(errors.New(errors.ErrorTypeDoubleRelease, "guard already released"))
		return nil
	}
	g.cleanup.Stop()
	return g.c.pool.release(g.c)
}

// Observe runs fn with the resource, recording its duration in the operation
// histogram and a span named after op.
func (g *Guard[R]) Observe(ctx context.Context, op string, fn func(ctx context.Context, r R) error) error {
	if g.c.released.Load() {
		return errors.New(errors.ErrorTypeValidation, "guard already released").
			WithDetail("pool", g.c.pool.name).
			WithDetail("operation", op)
	}

	p := g.c.pool
	ctx, span := p.tracer.Start(ctx, "pool.operation", trace.WithAttributes(
		attribute.String(metrics.PoolAttribute, p.name),
		attribute.String("pool.operation", op),
	))
	defer span.End()

	start := p.now()
	err := fn(logger.WithResource(ctx, p.name, p.kind), g.c.resource)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.ObserveOperation(op, status, p.now().Sub(start))
	runtime.KeepAlive(g)
	return err
}
