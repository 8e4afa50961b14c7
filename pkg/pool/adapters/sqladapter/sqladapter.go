// Package sqladapter adapts a database/sql handle. Resources are dedicated
// *sql.Conn values taken from the handle's own pool.
package sqladapter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/logger"
	"github.com/ajitpratap0/poolkit/pkg/pool"
)

// tryGrace bounds TryAcquire when an idle connection is reported but taken by
// a concurrent caller before ours.
const tryGrace = 5 * time.Millisecond

// Adapter implements pool.Adapter over a *sql.DB.
type Adapter struct {
	db      *sql.DB
	kind    string
	minIdle int
	maxIdle int
	out     *pool.Checkouts[*sql.Conn]
	logger  *zap.Logger

	waiting atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	abandoned int
	closeErr  error
}

// New takes ownership of db and applies the size limits and the
// max_conn_lifetime option of cfg to it. db is closed when cfg is invalid.
func New(db *sql.DB, kind string, cfg config.PoolConfig, l *zap.Logger) (*Adapter, error) {
	if l == nil {
		l = logger.Get()
	}
	lifetime, err := cfg.DurationOption("max_conn_lifetime", 0)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}
	maxIdle := cfg.EffectiveMaxIdle()
	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(maxIdle)
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}

	return &Adapter{
		db:      db,
		kind:    kind,
		minIdle: cfg.MinIdle,
		maxIdle: maxIdle,
		out:     pool.NewCheckouts[*sql.Conn](),
		logger:  l.With(zap.String("component", "sqladapter"), zap.String("backend", kind)),
	}, nil
}

// Kind implements pool.Described.
func (a *Adapter) Kind() string { return a.kind }

// DB returns the wrapped handle.
func (a *Adapter) DB() *sql.DB { return a.db }

// Acquire implements pool.Adapter.
func (a *Adapter) Acquire(ctx context.Context) (*sql.Conn, error) {
	if a.closed.Load() {
		return nil, pool.ErrClosed(a.kind)
	}

	a.waiting.Add(1)
	conn, err := a.db.Conn(ctx)
	a.waiting.Add(-1)
	if err != nil {
		return nil, a.mapErr(ctx, err)
	}
	a.out.Add(conn)
	return conn, nil
}

// TryAcquire implements pool.Adapter. It only takes idle connections.
func (a *Adapter) TryAcquire() (*sql.Conn, error) {
	if a.closed.Load() {
		return nil, pool.ErrClosed(a.kind)
	}
	if a.db.Stats().Idle == 0 {
		return nil, pool.ErrWouldBlock(a.kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tryGrace)
	defer cancel()
	conn, err := a.db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pool.ErrWouldBlock(a.kind)
		}
		return nil, a.mapErr(ctx, err)
	}
	a.out.Add(conn)
	return conn, nil
}

func (a *Adapter) mapErr(ctx context.Context, err error) error {
	switch {
	case stderrors.Is(err, sql.ErrConnDone), a.closed.Load():
		return pool.ErrClosed(a.kind)
	case ctx.Err() != nil:
		return pool.WaitError(ctx.Err())
	default:
		return errors.Wrap(err, errors.ErrorTypeAdapter, "database connection failed").WithDetail("backend", a.kind)
	}
}

// Release implements pool.Adapter. Closing a *sql.Conn returns it to the
// handle's pool.
func (a *Adapter) Release(conn *sql.Conn) error {
	if conn == nil || !a.out.Remove(conn) {
		return pool.ErrNotCheckedOut(a.kind)
	}
	if err := conn.Close(); err != nil && !stderrors.Is(err, sql.ErrConnDone) {
		return errors.Wrap(err, errors.ErrorTypeAdapter, "failed to return connection").WithDetail("backend", a.kind)
	}
	return nil
}

// Discard implements pool.Discarder. The driver connection is closed
// instead of returned to the handle's pool.
func (a *Adapter) Discard(conn *sql.Conn) error {
	if conn == nil || !a.out.Remove(conn) {
		return pool.ErrNotCheckedOut(a.kind)
	}
	discard(conn)
	return nil
}

// discard makes database/sql drop the driver connection by reporting it bad.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
}

// Stats implements pool.Adapter.
func (a *Adapter) Stats() pool.Stats {
	st := a.db.Stats()
	return pool.Stats{
		Active:  st.InUse,
		Idle:    st.Idle,
		Waiting: int(a.waiting.Load()),
		Max:     st.MaxOpenConnections,
		MinIdle: a.minIdle,
		MaxIdle: a.maxIdle,
	}
}

// Close implements pool.Adapter. Connections still checked out when ctx is
// done are discarded from background goroutines, since closing a *sql.Conn
// waits for its running statement.
func (a *Adapter) Close(ctx context.Context) (int, error) {
	a.closeOnce.Do(func() {
		a.closed.Store(true)

		if err := a.out.Wait(ctx); err != nil {
			abandoned := a.out.Drain()
			a.abandoned = len(abandoned)
			for _, conn := range abandoned {
				go discard(conn)
			}
			a.logger.Warn("closing database with checked out connections", zap.Int("abandoned", a.abandoned))
		}
		if err := a.db.Close(); err != nil {
			a.closeErr = errors.Wrap(err, errors.ErrorTypeAdapter, "failed to close database").WithDetail("backend", a.kind)
		}
	})
	return a.abandoned, a.closeErr
}
