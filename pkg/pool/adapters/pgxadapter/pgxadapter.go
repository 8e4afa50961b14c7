// Package pgxadapter adapts a github.com/jackc/pgx/v5/pgxpool connection pool.
package pgxadapter

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/pool"
)

// Kind is the backend kind reported by this adapter.
const Kind = "postgres"

// destroyTimeout bounds the terminate message sent when a connection is
// destroyed.
const destroyTimeout = 5 * time.Second

// Adapter implements pool.Adapter over a *pgxpool.Pool.
type Adapter struct {
	p       *pgxpool.Pool
	minIdle int
	out     *pool.Checkouts[*pgxpool.Conn]
	logger  *zap.Logger

	waiting atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	abandoned int
}

// ParseConfig builds a pgxpool configuration from a pool configuration. The
// dsn option is required; health_check_period and max_conn_lifetime are
// honored when set.
func ParseConfig(cfg config.PoolConfig) (*pgxpool.Config, error) {
	dsn := cfg.Option("dsn", "")
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "dsn option is required").
			WithDetail("pool", cfg.Name).
			WithDetail("backend", Kind)
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres dsn").WithDetail("pool", cfg.Name)
	}

	pcfg.MaxConns = int32(cfg.MaxSize)
	pcfg.MinConns = int32(cfg.MinIdle)
	if cfg.IdleTimeout > 0 {
		pcfg.MaxConnIdleTime = cfg.IdleTimeout
	}
	if d, err := cfg.DurationOption("health_check_period", 0); err != nil {
		return nil, err
	} else if d > 0 {
		pcfg.HealthCheckPeriod = d
	}
	if d, err := cfg.DurationOption("max_conn_lifetime", 0); err != nil {
		return nil, err
	} else if d > 0 {
		pcfg.MaxConnLifetime = d
	}
	return pcfg, nil
}

// Connect opens a pgxpool for cfg and wraps it.
func Connect(ctx context.Context, cfg config.PoolConfig, l *zap.Logger) (*Adapter, error) {
	pcfg, err := ParseConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAdapter, "failed to create postgres pool").WithDetail("pool", cfg.Name)
	}
	return New(p, cfg.MinIdle, l), nil
}

// New takes ownership of p.
func New(p *pgxpool.Pool, minIdle int, l *zap.Logger) *Adapter {
	if l == nil {
		l = logger.Get()
	}
	return &Adapter{
		p:       p,
		minIdle: minIdle,
		out:     pool.NewCheckouts[*pgxpool.Conn](),
		logger:  l.With(zap.String("component", "pgxadapter")),
	}
}

// Kind implements pool.Described.
func (a *Adapter) Kind() string { return Kind }

// Pool returns the wrapped pgxpool.
func (a *Adapter) Pool() *pgxpool.Pool { return a.p }

// Acquire implements pool.Adapter.
func (a *Adapter) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if a.closed.Load() {
		return nil, pool.ErrClosed(Kind)
	}

	a.waiting.Add(1)
	conn, err := a.p.Acquire(ctx)
	a.waiting.Add(-1)
	if err != nil {
		return nil, a.mapErr(ctx, err)
	}
	a.out.Add(conn)
	return conn, nil
}

// TryAcquire implements pool.Adapter. Only idle connections are handed out;
// it never dials.
func (a *Adapter) TryAcquire() (*pgxpool.Conn, error) {
	if a.closed.Load() {
		return nil, pool.ErrClosed(Kind)
	}

	idle := a.p.AcquireAllIdle(context.Background())
	if len(idle) == 0 {
		return nil, pool.ErrWouldBlock(Kind)
	}
	for _, c := range idle[1:] {
		c.Release()
	}
	a.out.Add(idle[0])
	return idle[0], nil
}

func (a *Adapter) mapErr(ctx context.Context, err error) error {
	switch {
	case stderrors.Is(err, puddle.ErrClosedPool):
		return pool.ErrClosed(Kind)
	case ctx.Err() != nil:
		return pool.WaitError(ctx.Err())
	default:
		return errors.Wrap(err, errors.ErrorTypeAdapter, "postgres acquire failed").WithDetail("backend", Kind)
	}
}

// Release implements pool.Adapter.
func (a *Adapter) Release(conn *pgxpool.Conn) error {
	if conn == nil || !a.out.Remove(conn) {
		return pool.ErrNotCheckedOut(Kind)
	}
	conn.Release()
	return nil
}

// Discard implements pool.Discarder. The connection is closed and destroyed
// instead of returned to pgxpool.
func (a *Adapter) Discard(conn *pgxpool.Conn) error {
	if conn == nil || !a.out.Remove(conn) {
		return pool.ErrNotCheckedOut(Kind)
	}
	destroy(conn)
	return nil
}

// destroy closes the underlying connection so that Release makes pgxpool
// destroy it, running BeforeClose.
func destroy(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	_ = conn.Conn().Close(ctx)
	conn.Release()
}

// Stats implements pool.Adapter.
func (a *Adapter) Stats() pool.Stats {
	st := a.p.Stat()
	return pool.Stats{
		Active:  int(st.AcquiredConns()),
		Idle:    int(st.IdleConns()),
		Waiting: int(a.waiting.Load()),
		Max:     int(st.MaxConns()),
		MinIdle: a.minIdle,
		MaxIdle: int(st.MaxConns()),
	}
}

// Close implements pool.Adapter. pgxpool closes connections as they are
// returned; connections still checked out when ctx is done are destroyed
// from background goroutines and a later Release of one is refused.
func (a *Adapter) Close(ctx context.Context) (int, error) {
	a.closeOnce.Do(func() {
		a.closed.Store(true)

		done := make(chan struct{})
		go func() {
			a.p.Close()
			close(done)
		}()

		if err := a.out.Wait(ctx); err != nil {
			abandoned := a.out.Drain()
			a.abandoned = len(abandoned)
			for _, conn := range abandoned {
				go destroy(conn)
			}
			a.logger.Warn("destroying checked out postgres connections", zap.Int("abandoned", a.abandoned))
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
	return a.abandoned, nil
}
