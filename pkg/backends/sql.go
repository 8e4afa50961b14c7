package backends

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/pool/adapters/sqladapter"
	"github.com/ajitpratap0/poolkit/pkg/registry"
)

var sqlOptions = []OptionInfo{
	{Name: "dsn", Required: true, Description: "driver data source name"},
	{Name: "max_conn_lifetime", Description: "maximum connection lifetime"},
	{Name: "dial_timeout", Description: "bound on establishing one connection"},
}

func init() {
	mustRegister(Info{
		Kind:        config.BackendPostgresSQL,
		Description: "PostgreSQL connections from database/sql with the pgx driver",
		Resource:    "*sql.Conn",
		Options:     sqlOptions,
	}, buildPostgresSQL)

	mustRegister(Info{
		Kind:        config.BackendMySQL,
		Description: "MySQL connections from database/sql",
		Resource:    "*sql.Conn",
		Options:     sqlOptions,
	}, buildMySQL)
}

func buildPostgresSQL(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error) {
	connCfg, err := pgx.ParseConfig(cfg.Option("dsn", ""))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres dsn").WithDetail("pool", cfg.Name)
	}
	timeout, err := cfg.DurationOption("dial_timeout", 0)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		connCfg.ConnectTimeout = timeout
	}

	a, err := openSQL(ctx, cfg, reg, stdlib.OpenDB(*connCfg))
	if err != nil {
		return nil, err
	}
	return managed(registry.Register[*sql.Conn](reg, cfg, a, opts...))
}

func buildMySQL(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error) {
	myCfg, err := mysql.ParseDSN(cfg.Option("dsn", ""))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql dsn").WithDetail("pool", cfg.Name)
	}
	timeout, err := cfg.DurationOption("dial_timeout", 0)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		myCfg.Timeout = timeout
	}
	myCfg.ParseTime = true

	connector, err := mysql.NewConnector(myCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql configuration").WithDetail("pool", cfg.Name)
	}

	a, err := openSQL(ctx, cfg, reg, sql.OpenDB(connector))
	if err != nil {
		return nil, err
	}
	return managed(registry.Register[*sql.Conn](reg, cfg, a, opts...))
}

// openSQL wraps db and verifies the server is reachable.
func openSQL(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, db *sql.DB) (*sqladapter.Adapter, error) {
	a, err := sqladapter.New(db, string(cfg.Backend), cfg, reg.Logger())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_, _ = a.Close(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeAdapter, "database unreachable").
			WithDetail("pool", cfg.Name).
			WithDetail("backend", string(cfg.Backend))
	}
	return a, nil
}
