// Package chanpool is an in-process pool that waits on a context. Waiters are
// queued FIFO on a weighted semaphore; a canceled waiter leaves the queue
// without consuming capacity.
package chanpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/pool"
)

// Kind is the backend kind reported by this adapter.
const Kind = "channel"

// Config configures a Pool.
type Config[R any] struct {
	MaxSize     int
	MinIdle     int
	MaxIdle     int
	IdleTimeout time.Duration

	// New creates a resource. Required.
	New func(ctx context.Context) (R, error)
	// Close disposes of a resource. Optional.
	Close func(R) error

	Logger *zap.Logger
}

type idleResource[R any] struct {
	r       R
	idledAt time.Time
}

// Pool implements pool.Adapter over a semaphore and an idle stack.
type Pool[R comparable] struct {
	cfg    Config[R]
	logger *zap.Logger

	sem *semaphore.Weighted

	mu   sync.Mutex
	idle []idleResource[R]
	out  *pool.Checkouts[R]

	waiting atomic.Int64

	closed      atomic.Bool
	closing     context.Context
	cancelClose context.CancelFunc
	closeOnce   sync.Once
	abandoned   int
	closeErr    error
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates a pool and creates MinIdle resources up front.
func New[R comparable](ctx context.Context, cfg Config[R]) (*Pool[R], error) {
	if cfg.MaxSize <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "max size must be positive").WithDetail("backend", Kind)
	}
	if cfg.New == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "resource constructor is required").WithDetail("backend", Kind)
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.MaxSize {
		cfg.MaxIdle = cfg.MaxSize
	}
	if cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}

	closing, cancel := context.WithCancel(context.Background())
	p := &Pool[R]{
		cfg:         cfg,
		logger:      cfg.Logger.With(zap.String("component", "chanpool")),
		sem:         semaphore.NewWeighted(int64(cfg.MaxSize)),
		idle:        make([]idleResource[R], 0, cfg.MaxIdle),
		out:         pool.NewCheckouts[R](),
		closing:     closing,
		cancelClose: cancel,
		stopCh:      make(chan struct{}),
	}

	for i := 0; i < cfg.MinIdle; i++ {
		r, err := cfg.New(ctx)
		if err != nil {
			_, _ = p.Close(context.Background())
			return nil, errors.Wrap(err, errors.ErrorTypeAdapter, "failed to create initial resources").
				WithDetail("backend", Kind)
		}
		p.idle = append(p.idle, idleResource[R]{r: r, idledAt: time.Now()})
	}

	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return p, nil
}

// Kind implements pool.Described.
func (p *Pool[R]) Kind() string { return Kind }

// Acquire implements pool.Adapter.
func (p *Pool[R]) Acquire(ctx context.Context) (R, error) {
	var zero R
	if p.closed.Load() {
		return zero, pool.ErrClosed(Kind)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	p.waiting.Add(1)
	err := p.sem.Acquire(wctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		if p.closed.Load() && ctx.Err() == nil {
			return zero, pool.ErrClosed(Kind)
		}
		return zero, pool.WaitError(err)
	}
	return p.checkout(ctx)
}

// TryAcquire implements pool.Adapter. It creates a resource when no idle one
// exists but capacity remains.
func (p *Pool[R]) TryAcquire() (R, error) {
	var zero R
	if p.closed.Load() {
		return zero, pool.ErrClosed(Kind)
	}
	if !p.sem.TryAcquire(1) {
		return zero, pool.ErrWouldBlock(Kind)
	}
	return p.checkout(context.Background())
}

// checkout runs with one semaphore unit held.
func (p *Pool[R]) checkout(ctx context.Context) (R, error) {
	var zero R

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.sem.Release(1)
		return zero, pool.ErrClosed(Kind)
	}
	if n := len(p.idle); n > 0 {
		r := p.idle[n-1].r
		p.idle = p.idle[:n-1]
		p.out.Add(r)
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	r, err := p.cfg.New(ctx)
	if err != nil {
		p.sem.Release(1)
		return zero, errors.Wrap(err, errors.ErrorTypeAdapter, "failed to create resource").
			WithDetail("backend", Kind)
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		_ = p.dispose(r)
		p.sem.Release(1)
		return zero, pool.ErrClosed(Kind)
	}
	p.out.Add(r)
	p.mu.Unlock()
	return r, nil
}

// Release implements pool.Adapter.
func (p *Pool[R]) Release(r R) error {
	p.mu.Lock()
	if !p.out.Remove(r) {
		p.mu.Unlock()
		return pool.ErrNotCheckedOut(Kind)
	}
	keep := !p.closed.Load() && len(p.idle) < p.cfg.MaxIdle
	if keep {
		p.idle = append(p.idle, idleResource[R]{r: r, idledAt: time.Now()})
	}
	p.mu.Unlock()

	if !keep {
		_ = p.dispose(r)
	}
	p.sem.Release(1)
	return nil
}

// Discard implements pool.Discarder.
func (p *Pool[R]) Discard(r R) error {
	p.mu.Lock()
	if !p.out.Remove(r) {
		p.mu.Unlock()
		return pool.ErrNotCheckedOut(Kind)
	}
	p.mu.Unlock()

	err := p.dispose(r)
	p.sem.Release(1)
	return err
}

// Stats implements pool.Adapter.
func (p *Pool[R]) Stats() pool.Stats {
	p.mu.Lock()
	active, idle := p.out.Len(), len(p.idle)
	p.mu.Unlock()

	return pool.Stats{
		Active:  active,
		Idle:    idle,
		Waiting: int(p.waiting.Load()),
		Max:     p.cfg.MaxSize,
		MinIdle: p.cfg.MinIdle,
		MaxIdle: p.cfg.MaxIdle,
	}
}

// Close implements pool.Adapter.
func (p *Pool[R]) Close(ctx context.Context) (int, error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed.Store(true)
		idle := p.idle
		p.idle = nil
		p.mu.Unlock()

		p.cancelClose()
		close(p.stopCh)
		p.wg.Wait()

		for _, ir := range idle {
			if err := p.dispose(ir.r); err != nil && p.closeErr == nil {
				p.closeErr = err
			}
		}

		if err := p.out.Wait(ctx); err != nil {
			p.mu.Lock()
			abandoned := p.out.Drain()
			p.mu.Unlock()

			p.abandoned = len(abandoned)
			for _, r := range abandoned {
				if err := p.dispose(r); err != nil && p.closeErr == nil {
					p.closeErr = err
				}
			}
			p.logger.Warn("force closed checked out resources", zap.Int("abandoned", p.abandoned))
		}
	})
	return p.abandoned, p.closeErr
}

func (p *Pool[R]) dispose(r R) error {
	if p.cfg.Close == nil {
		return nil
	}
	err := p.cfg.Close(r)
	if err != nil {
		p.logger.Debug("failed to close resource", zap.Error(err))
	}
	return err
}

// reapLoop closes idle resources unused for longer than IdleTimeout, keeping
// MinIdle of them.
func (p *Pool[R]) reapLoop() {
	defer p.wg.Done()

	interval := p.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reap()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool[R]) reap() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var expired []R
	removable := len(p.idle) - p.cfg.MinIdle
	kept := p.idle[:0]
	// oldest entries sit at the bottom of the stack
	for _, ir := range p.idle {
		if removable > 0 && ir.idledAt.Before(cutoff) {
			expired = append(expired, ir.r)
			removable--
			continue
		}
		kept = append(kept, ir)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, r := range expired {
		_ = p.dispose(r)
	}
	if len(expired) > 0 {
		p.logger.Debug("closed idle resources", zap.Int("count", len(expired)))
	}
}
