// Package syncpool provides a blocking resource pool, whose Get parks the
// calling goroutine without a context, and an Adapter that exposes it to
// context-driven callers.
package syncpool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
)

// Kind is the backend kind reported by the Adapter.
const Kind = "blocking"

// Config configures a BlockingPool.
type Config[R any] struct {
	MaxSize int
	// MinIdle resources are created up front and kept through idle cleanup
	MinIdle     int
	MaxIdle     int
	IdleTimeout time.Duration
	// CleanupInterval is the idle reaper period; defaults to 30s
	CleanupInterval time.Duration

	// New creates a resource. Required.
	New func() (R, error)
	// Close disposes of a resource. Optional.
	Close func(R) error

	Logger *zap.Logger
}

type pooled[R any] struct {
	r         R
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// BlockingPool is a bounded pool whose Get blocks until a resource is
// returned or capacity frees up.
type BlockingPool[R comparable] struct {
	cfg    Config[R]
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*pooled[R]
	meta    map[R]*pooled[R]
	active  int
	waiters int
	closed  bool

	totalCreated int64
	totalReused  int64

	cleanupTicker *time.Ticker
	stopCh        chan struct{}
}

// PoolStats provides statistics about the pool's utilization.
type PoolStats struct {
	Active       int     `json:"active"`
	Idle         int     `json:"idle"`
	Waiters      int     `json:"waiters"`
	TotalCreated int64   `json:"total_created"`
	TotalReused  int64   `json:"total_reused"`
	ReuseRate    float64 `json:"reuse_rate"`
}

// NewBlockingPool creates a pool. It starts a background goroutine that
// removes resources idle for longer than IdleTimeout.
func NewBlockingPool[R comparable](cfg Config[R]) (*BlockingPool[R], error) {
	if cfg.MaxSize <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "max size must be positive").WithDetail("backend", Kind)
	}
	if cfg.New == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "resource constructor is required").WithDetail("backend", Kind)
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.MaxSize {
		cfg.MaxIdle = cfg.MaxSize
	}
	if cfg.MinIdle < 0 || cfg.MinIdle > cfg.MaxIdle {
		return nil, errors.New(errors.ErrorTypeConfig, "min idle must be between 0 and max idle").
			WithDetail("backend", Kind).
			WithDetail("min_idle", cfg.MinIdle)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}

	bp := &BlockingPool[R]{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "blocking_pool")),
		meta:   make(map[R]*pooled[R]),
		stopCh: make(chan struct{}),
	}
	bp.cond = sync.NewCond(&bp.mu)

	if err := bp.warmUp(); err != nil {
		return nil, err
	}

	if cfg.IdleTimeout > 0 {
		bp.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
		go bp.cleanupLoop()
	}
	return bp, nil
}

// Get returns an idle resource, creates one when capacity allows, or blocks
// until one is returned. It fails only when the pool is closed or creation
// fails.
func (bp *BlockingPool[R]) Get() (R, error) {
	var zero R

	bp.mu.Lock()
	for {
		if bp.closed {
			bp.mu.Unlock()
			return zero, errors.New(errors.ErrorTypeClosed, "pool is closed").WithDetail("backend", Kind)
		}
		if r, ok := bp.popIdleLocked(); ok {
			bp.mu.Unlock()
			return r, nil
		}
		if bp.active+len(bp.idle) < bp.cfg.MaxSize {
			bp.active++
			bp.mu.Unlock()
			return bp.create()
		}
		bp.waiters++
		bp.cond.Wait()
		bp.waiters--
	}
}

// TryGet is Get without blocking; ok is false when the pool is exhausted.
func (bp *BlockingPool[R]) TryGet() (r R, ok bool, err error) {
	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return r, false, errors.New(errors.ErrorTypeClosed, "pool is closed").WithDetail("backend", Kind)
	}
	if r, ok := bp.popIdleLocked(); ok {
		bp.mu.Unlock()
		return r, true, nil
	}
	if bp.active+len(bp.idle) >= bp.cfg.MaxSize {
		bp.mu.Unlock()
		return r, false, nil
	}
	bp.active++
	bp.mu.Unlock()

	r, err = bp.create()
	return r, err == nil, err
}

func (bp *BlockingPool[R]) popIdleLocked() (R, bool) {
	var zero R
	n := len(bp.idle)
	if n == 0 {
		return zero, false
	}
	// most recently used first
	pc := bp.idle[n-1]
	bp.idle = bp.idle[:n-1]
	bp.active++
	atomic.AddInt64(&bp.totalReused, 1)

	pc.lastUsed = time.Now()
	pc.useCount++
	return pc.r, true
}

// warmUp creates MinIdle idle resources, closing them all if one fails.
func (bp *BlockingPool[R]) warmUp() error {
	now := time.Now()
	for len(bp.idle) < bp.cfg.MinIdle {
		r, err := bp.cfg.New()
		if err != nil {
			for _, pc := range bp.idle {
				_ = bp.dispose(pc.r)
			}
			bp.idle = nil
			clear(bp.meta)
			return errors.Wrap(err, errors.ErrorTypeAdapter, "failed to create idle resource").WithDetail("backend", Kind)
		}
		pc := &pooled[R]{r: r, createdAt: now, lastUsed: now}
		bp.meta[r] = pc
		bp.idle = append(bp.idle, pc)
		atomic.AddInt64(&bp.totalCreated, 1)
	}
	return nil
}

// create runs with one unit of capacity reserved in active. A resource
// created while Close ran is closed instead of returned.
func (bp *BlockingPool[R]) create() (R, error) {
	var zero R
	r, err := bp.cfg.New()
	if err != nil {
		bp.mu.Lock()
		bp.active--
		bp.cond.Signal()
		bp.mu.Unlock()

		return zero, errors.Wrap(err, errors.ErrorTypeAdapter, "failed to create resource").WithDetail("backend", Kind)
	}

	now := time.Now()
	bp.mu.Lock()
	if bp.closed {
		bp.active--
		bp.cond.Signal()
		bp.mu.Unlock()

		_ = bp.dispose(r)
		return zero, errors.New(errors.ErrorTypeClosed, "pool is closed").WithDetail("backend", Kind)
	}
	bp.meta[r] = &pooled[R]{r: r, createdAt: now, lastUsed: now, useCount: 1}
	bp.mu.Unlock()
	atomic.AddInt64(&bp.totalCreated, 1)

	bp.logger.Debug("created new resource", zap.Int64("total_created", atomic.LoadInt64(&bp.totalCreated)))
	return r, nil
}

// Put returns a resource to the pool and wakes one waiter.
func (bp *BlockingPool[R]) Put(r R) {
	bp.mu.Lock()
	bp.active--
	pc, known := bp.meta[r]
	keep := known && !bp.closed && len(bp.idle) < bp.cfg.MaxIdle
	if keep {
		pc.lastUsed = time.Now()
		bp.idle = append(bp.idle, pc)
	} else {
		delete(bp.meta, r)
	}
	bp.cond.Signal()
	bp.mu.Unlock()

	if !keep {
		bp.dispose(r)
	}
}

// Discard closes a checked out resource instead of pooling it.
func (bp *BlockingPool[R]) Discard(r R) error {
	bp.mu.Lock()
	bp.active--
	delete(bp.meta, r)
	bp.cond.Signal()
	bp.mu.Unlock()

	return bp.dispose(r)
}

func (bp *BlockingPool[R]) dispose(r R) error {
	if bp.cfg.Close == nil {
		return nil
	}
	err := bp.cfg.Close(r)
	if err != nil {
		bp.logger.Debug("failed to close resource", zap.Error(err))
	}
	return err
}

// cleanupLoop periodically cleans up idle resources
func (bp *BlockingPool[R]) cleanupLoop() {
	for {
		select {
		case <-bp.cleanupTicker.C:
			bp.cleanup()
		case <-bp.stopCh:
			return
		}
	}
}

// cleanup removes resources idle for longer than IdleTimeout
func (bp *BlockingPool[R]) cleanup() {
	now := time.Now()

	bp.mu.Lock()
	remaining := make([]*pooled[R], 0, len(bp.idle))
	var expired []R
	for i, pc := range bp.idle {
		// idle is ordered oldest first; keep the newest MinIdle
		if len(bp.idle)-i > bp.cfg.MinIdle && now.Sub(pc.lastUsed) > bp.cfg.IdleTimeout {
			expired = append(expired, pc.r)
			delete(bp.meta, pc.r)
			continue
		}
		remaining = append(remaining, pc)
	}
	bp.idle = remaining
	if len(expired) > 0 {
		bp.cond.Broadcast()
	}
	idle := len(bp.idle)
	bp.mu.Unlock()

	for _, r := range expired {
		_ = bp.dispose(r)
	}
	if len(expired) > 0 {
		bp.logger.Info("cleaned up idle resources",
			zap.Int("cleaned", len(expired)),
			zap.Int("remaining_idle", idle))
	}
}

// Stats returns pool statistics
func (bp *BlockingPool[R]) Stats() PoolStats {
	bp.mu.Lock()
	stats := PoolStats{
		Active:  bp.active,
		Idle:    len(bp.idle),
		Waiters: bp.waiters,
	}
	bp.mu.Unlock()

	stats.TotalCreated = atomic.LoadInt64(&bp.totalCreated)
	stats.TotalReused = atomic.LoadInt64(&bp.totalReused)
	if total := stats.TotalCreated + stats.TotalReused; total > 0 {
		stats.ReuseRate = float64(stats.TotalReused) / float64(total) * 100
	}
	return stats
}

// Close wakes every blocked Get with a closed error and closes idle
// resources. Resources returned afterwards are closed by Put.
func (bp *BlockingPool[R]) Close() error {
	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return nil
	}
	bp.closed = true
	idle := bp.idle
	bp.idle = nil
	for _, pc := range idle {
		delete(bp.meta, pc.r)
	}
	bp.cond.Broadcast()
	bp.mu.Unlock()

	close(bp.stopCh)
	if bp.cleanupTicker != nil {
		bp.cleanupTicker.Stop()
	}

	var firstErr error
	for _, pc := range idle {
		if err := bp.dispose(pc.r); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	bp.logger.Info("blocking pool closed", zap.Int("closed_idle", len(idle)))
	return firstErr
}
