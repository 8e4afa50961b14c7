package backends

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/pool/adapters/chanpool"
	"github.com/ajitpratap0/poolkit/pkg/pool/adapters/puddlepool"
	"github.com/ajitpratap0/poolkit/pkg/pool/adapters/syncpool"
	"github.com/ajitpratap0/poolkit/pkg/registry"
)

const defaultDialTimeout = 5 * time.Second

// Slot is the resource of a channel pool: a numbered permit that bounds how
// many callers run a section concurrently.
type Slot struct {
	ID        int64
	CreatedAt time.Time
}

var addressOptions = []OptionInfo{
	{Name: "address", Required: true, Description: "host:port to dial"},
	{Name: "network", Default: "tcp", Description: "network passed to the dialer"},
	{Name: "dial_timeout", Default: defaultDialTimeout.String(), Description: "bound on establishing one connection"},
	{Name: "keep_alive", Description: "TCP keep-alive period"},
}

func init() {
	mustRegister(Info{
		Kind:        config.BackendChannel,
		Description: "In-process permits with FIFO waiters",
		Resource:    "*backends.Slot",
	}, buildChannel)

	mustRegister(Info{
		Kind:        config.BackendTCP,
		Description: "Pooled TCP connections with FIFO waiters",
		Resource:    "net.Conn",
		Options:     addressOptions,
	}, buildTCP)

	mustRegister(Info{
		Kind:        config.BackendBlocking,
		Description: "Pooled connections behind a blocking pool",
		Resource:    "net.Conn",
		Options: append(addressOptions, OptionInfo{
			Name:        "cleanup_interval",
			Default:     "30s",
			Description: "idle reaper period",
		}),
	}, buildBlocking)

	mustRegister(Info{
		Kind:        config.BackendPuddle,
		Description: "Pooled connections behind a puddle pool",
		Resource:    "*puddle.Resource[net.Conn]",
		Options:     addressOptions,
	}, buildPuddle)
}

func buildChannel(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error) {
	var next atomic.Int64
	a, err := chanpool.New(ctx, chanpool.Config[*Slot]{
		MaxSize:     cfg.MaxSize,
		MinIdle:     cfg.MinIdle,
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: cfg.IdleTimeout,
		New: func(context.Context) (*Slot, error) {
			return &Slot{ID: next.Add(1), CreatedAt: time.Now()}, nil
		},
		Logger: reg.Logger(),
	})
	if err != nil {
		return nil, err
	}
	return managed(registry.Register[*Slot](reg, cfg, a, opts...))
}

type dialer struct {
	network string
	address string
	d       net.Dialer
	logger  *zap.Logger
}

func newDialer(cfg config.PoolConfig, l *zap.Logger) (*dialer, error) {
	timeout, err := cfg.DurationOption("dial_timeout", defaultDialTimeout)
	if err != nil {
		return nil, err
	}
	keepAlive, err := cfg.DurationOption("keep_alive", 0)
	if err != nil {
		return nil, err
	}
	return &dialer{
		network: cfg.Option("network", "tcp"),
		address: cfg.Option("address", ""),
		d:       net.Dialer{Timeout: timeout, KeepAlive: keepAlive},
		logger:  l.With(zap.String("pool", cfg.Name), zap.String("address", cfg.Option("address", ""))),
	}, nil
}

func (d *dialer) dial(ctx context.Context) (net.Conn, error) {
	conn, err := d.d.DialContext(ctx, d.network, d.address)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAdapter, "dial failed").WithDetail("address", d.address)
	}
	d.logger.Debug("connection established", zap.String("local", conn.LocalAddr().String()))
	return conn, nil
}

func (d *dialer) dialBlocking() (net.Conn, error) {
	return d.dial(context.Background())
}

func closeConn(c net.Conn) error {
	return c.Close()
}

func buildTCP(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error) {
	d, err := newDialer(cfg, reg.Logger())
	if err != nil {
		return nil, err
	}
	a, err := chanpool.New(ctx, chanpool.Config[net.Conn]{
		MaxSize:     cfg.MaxSize,
		MinIdle:     cfg.MinIdle,
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: cfg.IdleTimeout,
		New:         d.dial,
		Close:       closeConn,
		Logger:      reg.Logger(),
	})
	if err != nil {
		return nil, err
	}
	return managed(registry.Register[net.Conn](reg, cfg, a, opts...))
}

func buildBlocking(_ context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error) {
	d, err := newDialer(cfg, reg.Logger())
	if err != nil {
		return nil, err
	}
	interval, err := cfg.DurationOption("cleanup_interval", 0)
	if err != nil {
		return nil, err
	}
	a, err := syncpool.New(syncpool.Config[net.Conn]{
		MaxSize:         cfg.MaxSize,
		MinIdle:         cfg.MinIdle,
		MaxIdle:         cfg.MaxIdle,
		IdleTimeout:     cfg.IdleTimeout,
		CleanupInterval: interval,
		New:             d.dialBlocking,
		Close:           closeConn,
		Logger:          reg.Logger(),
	})
	if err != nil {
		return nil, err
	}
	return managed(registry.Register[net.Conn](reg, cfg, a, opts...))
}

func buildPuddle(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error) {
	d, err := newDialer(cfg, reg.Logger())
	if err != nil {
		return nil, err
	}
	a, err := puddlepool.New(ctx, puddlepool.Config[net.Conn]{
		MaxSize:     cfg.MaxSize,
		MinIdle:     cfg.MinIdle,
		IdleTimeout: cfg.IdleTimeout,
		New:         d.dial,
		Close:       func(c net.Conn) { _ = c.Close() },
		Logger:      reg.Logger(),
	})
	if err != nil {
		return nil, err
	}
	return managed(registry.Register[*puddle.Resource[net.Conn]](reg, cfg, a, opts...))
}
