// Package puddlepool adapts a github.com/jackc/puddle/v2 generic pool.
// Resources are *puddle.Resource[T]; use Value to reach the pooled value.
package puddlepool

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/pool"
)

// Kind is the backend kind reported by this adapter.
const Kind = "puddle"

// Config configures an Adapter.
type Config[T any] struct {
	MaxSize     int
	MinIdle     int
	IdleTimeout time.Duration

	// New creates a value. Required.
	New func(ctx context.Context) (T, error)
	// Close disposes of a value. Optional.
	Close func(T)

	Logger *zap.Logger
}

// Adapter implements pool.Adapter over a puddle pool.
type Adapter[T any] struct {
	cfg    Config[T]
	p      *puddle.Pool[T]
	out    *pool.Checkouts[*puddle.Resource[T]]
	logger *zap.Logger

	waiting atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	abandoned int
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates the puddle pool and creates MinIdle resources up front.
func New[T any](ctx context.Context, cfg Config[T]) (*Adapter[T], error) {
	if cfg.MaxSize <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "max size must be positive").WithDetail("backend", Kind)
	}
	if cfg.New == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "resource constructor is required").WithDetail("backend", Kind)
	}
	if cfg.MinIdle > cfg.MaxSize {
		cfg.MinIdle = cfg.MaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}

	destructor := func(T) {}
	if cfg.Close != nil {
		destructor = cfg.Close
	}
	p, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: cfg.New,
		Destructor:  destructor,
		MaxSize:     int32(cfg.MaxSize),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid puddle configuration").WithDetail("backend", Kind)
	}

	a := &Adapter[T]{
		cfg:    cfg,
		p:      p,
		out:    pool.NewCheckouts[*puddle.Resource[T]](),
		logger: cfg.Logger.With(zap.String("component", "puddlepool")),
		stopCh: make(chan struct{}),
	}

	if err := a.ensureMinIdle(ctx); err != nil {
		p.Close()
		return nil, err
	}

	if cfg.IdleTimeout > 0 {
		a.wg.Add(1)
		go a.maintainLoop()
	}
	return a, nil
}

// Kind implements pool.Described.
func (a *Adapter[T]) Kind() string { return Kind }

// Acquire implements pool.Adapter.
func (a *Adapter[T]) Acquire(ctx context.Context) (*puddle.Resource[T], error) {
	if a.closed.Load() {
		return nil, pool.ErrClosed(Kind)
	}

	a.waiting.Add(1)
	res, err := a.p.Acquire(ctx)
	a.waiting.Add(-1)
	if err != nil {
		return nil, a.mapErr(err)
	}
	a.out.Add(res)
	return res, nil
}

// TryAcquire implements pool.Adapter. When no idle resource exists puddle may
// start creating one in the background for a later call.
func (a *Adapter[T]) TryAcquire() (*puddle.Resource[T], error) {
	if a.closed.Load() {
		return nil, pool.ErrClosed(Kind)
	}

	res, err := a.p.TryAcquire(context.Background())
	if err != nil {
		if stderrors.Is(err, puddle.ErrNotAvailable) {
			return nil, pool.ErrWouldBlock(Kind)
		}
		return nil, a.mapErr(err)
	}
	a.out.Add(res)
	return res, nil
}

func (a *Adapter[T]) mapErr(err error) error {
	switch {
	case stderrors.Is(err, puddle.ErrClosedPool):
		return pool.ErrClosed(Kind)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return pool.WaitError(err)
	default:
		return errors.Wrap(err, errors.ErrorTypeAdapter, "puddle acquire failed").WithDetail("backend", Kind)
	}
}

// Release implements pool.Adapter.
func (a *Adapter[T]) Release(res *puddle.Resource[T]) error {
	if res == nil || !a.out.Remove(res) {
		return pool.ErrNotCheckedOut(Kind)
	}
	if a.closed.Load() {
		res.Destroy()
		return nil
	}
	res.Release()
	return nil
}

// Discard implements pool.Discarder.
func (a *Adapter[T]) Discard(res *puddle.Resource[T]) error {
	if res == nil || !a.out.Remove(res) {
		return pool.ErrNotCheckedOut(Kind)
	}
	res.Destroy()
	return nil
}

// Stats implements pool.Adapter.
func (a *Adapter[T]) Stats() pool.Stats {
	st := a.p.Stat()
	return pool.Stats{
		Active:  int(st.AcquiredResources()),
		Idle:    int(st.IdleResources()),
		Waiting: int(a.waiting.Load()),
		Max:     int(st.MaxResources()),
		MinIdle: a.cfg.MinIdle,
		MaxIdle: a.cfg.MaxSize,
	}
}

// Close implements pool.Adapter. Checked out resources still held when ctx
// is done are destroyed.
func (a *Adapter[T]) Close(ctx context.Context) (int, error) {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.stopCh)
		a.wg.Wait()

		// puddle's Close blocks until every resource is back
		done := make(chan struct{})
		go func() {
			a.p.Close()
			close(done)
		}()

		if err := a.out.Wait(ctx); err != nil {
			abandoned := a.out.Drain()
			a.abandoned = len(abandoned)
			for _, res := range abandoned {
				res.Destroy()
			}
			a.logger.Warn("destroyed checked out resources", zap.Int("abandoned", a.abandoned))
		}
		<-done
	})
	return a.abandoned, nil
}

func (a *Adapter[T]) ensureMinIdle(ctx context.Context) error {
	for {
		st := a.p.Stat()
		if int(st.IdleResources()) >= a.cfg.MinIdle || int(st.TotalResources()) >= a.cfg.MaxSize {
			return nil
		}
		if err := a.p.CreateResource(ctx); err != nil {
			if stderrors.Is(err, puddle.ErrClosedPool) {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeAdapter, "failed to create idle resource").WithDetail("backend", Kind)
		}
	}
}

// maintainLoop destroys resources idle for longer than IdleTimeout and tops
// the pool back up to MinIdle.
func (a *Adapter[T]) maintainLoop() {
	defer a.wg.Done()

	interval := a.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.reap()
		case <-a.stopCh:
			return
		}
	}
}

func (a *Adapter[T]) reap() {
	idle := a.p.AcquireAllIdle()
	keep := a.cfg.MinIdle
	destroyed := 0
	for _, res := range idle {
		if res.IdleDuration() > a.cfg.IdleTimeout && len(idle)-destroyed > keep {
			res.Destroy()
			destroyed++
			continue
		}
		res.ReleaseUnused()
	}
	if destroyed > 0 {
		a.logger.Debug("destroyed idle resources", zap.Int("count", destroyed))
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.IdleTimeout)
	defer cancel()
	if err := a.ensureMinIdle(ctx); err != nil {
		a.logger.Warn("failed to refill idle resources", zap.Error(err))
	}
}
