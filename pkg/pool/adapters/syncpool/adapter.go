package syncpool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/pool"
)

// Adapter implements pool.Adapter over a BlockingPool. Blocking waits run on
// a dedicated goroutine so the caller can give up on its context; a resource
// obtained after the caller gave up is put back automatically.
type Adapter[R comparable] struct {
	bp     *BlockingPool[R]
	out    *pool.Checkouts[R]
	logger *zap.Logger

	waiting atomic.Int64
	// handbacks counts resources obtained for callers that already gave up
	handbacks atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	abandoned int
	closeErr  error
}

type result[R any] struct {
	r   R
	err error
}

// NewAdapter takes ownership of bp.
func NewAdapter[R comparable](bp *BlockingPool[R]) *Adapter[R] {
	return &Adapter[R]{
		bp:     bp,
		out:    pool.NewCheckouts[R](),
		logger: bp.logger.With(zap.String("component", "blocking_adapter")),
	}
}

// New builds a BlockingPool from cfg and wraps it.
func New[R comparable](cfg Config[R]) (*Adapter[R], error) {
	bp, err := NewBlockingPool(cfg)
	if err != nil {
		return nil, err
	}
	return NewAdapter(bp), nil
}

// Kind implements pool.Described.
func (a *Adapter[R]) Kind() string { return Kind }

// Acquire implements pool.Adapter.
func (a *Adapter[R]) Acquire(ctx context.Context) (R, error) {
	var zero R
	if a.closed.Load() {
		return zero, pool.ErrClosed(Kind)
	}
	if err := ctx.Err(); err != nil {
		return zero, pool.WaitError(err)
	}

	a.waiting.Add(1)
	defer a.waiting.Add(-1)

	ch := make(chan result[R], 1)
	go func() {
		r, err := a.bp.Get()
		ch <- result[R]{r: r, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return zero, res.err
		}
		return a.checkout(res.r)
	case <-ctx.Done():
		go a.handBack(ch)
		return zero, pool.WaitError(ctx.Err())
	}
}

func (a *Adapter[R]) handBack(ch <-chan result[R]) {
	res := <-ch
	if res.err != nil {
		return
	}
	a.handbacks.Add(1)
	a.bp.Put(res.r)
	a.logger.Debug("returned resource obtained after caller gave up")
}

// TryAcquire implements pool.Adapter.
func (a *Adapter[R]) TryAcquire() (R, error) {
	var zero R
	if a.closed.Load() {
		return zero, pool.ErrClosed(Kind)
	}
	r, ok, err := a.bp.TryGet()
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, pool.ErrWouldBlock(Kind)
	}
	return a.checkout(r)
}

// checkout records r as handed out. Close may have started since the pool
// produced r; recording before checking lets either Close or this call
// dispose of it, never both.
func (a *Adapter[R]) checkout(r R) (R, error) {
	a.out.Add(r)
	if !a.closed.Load() {
		return r, nil
	}
	if a.out.Remove(r) {
		_ = a.bp.Discard(r)
	}
	var zero R
	return zero, pool.ErrClosed(Kind)
}

// Release implements pool.Adapter.
func (a *Adapter[R]) Release(r R) error {
	if !a.out.Remove(r) {
		return pool.ErrNotCheckedOut(Kind)
	}
	a.bp.Put(r)
	return nil
}

// Discard implements pool.Discarder.
func (a *Adapter[R]) Discard(r R) error {
	if !a.out.Remove(r) {
		return pool.ErrNotCheckedOut(Kind)
	}
	return a.bp.Discard(r)
}

// Stats implements pool.Adapter.
func (a *Adapter[R]) Stats() pool.Stats {
	s := a.bp.Stats()
	active := a.out.Len()
	if active > s.Active {
		active = s.Active
	}
	return pool.Stats{
		Active:  active,
		Idle:    s.Idle,
		Waiting: int(a.waiting.Load()),
		Max:     a.bp.cfg.MaxSize,
		MinIdle: a.bp.cfg.MinIdle,
		MaxIdle: a.bp.cfg.MaxIdle,
	}
}

// Handbacks returns how many resources were returned on behalf of callers
// that gave up waiting.
func (a *Adapter[R]) Handbacks() int64 {
	return a.handbacks.Load()
}

// Close implements pool.Adapter.
func (a *Adapter[R]) Close(ctx context.Context) (int, error) {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		if err := a.bp.Close(); err != nil {
			a.closeErr = errors.Wrap(err, errors.ErrorTypeAdapter, "failed to close idle resources")
		}

		if err := a.out.Wait(ctx); err != nil {
			abandoned := a.out.Drain()
			a.abandoned = len(abandoned)
			for _, r := range abandoned {
				if err := a.bp.Discard(r); err != nil && a.closeErr == nil {
					a.closeErr = err
				}
			}
			a.logger.Warn("force closed checked out resources", zap.Int("abandoned", a.abandoned))
		}
	})
	return a.abandoned, a.closeErr
}
