package backends

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/pool/adapters/pgxadapter"
	"github.com/ajitpratap0/poolkit/pkg/registry"
)

func init() {
	mustRegister(Info{
		Kind:        config.BackendPostgres,
		Description: "PostgreSQL connections from a pgxpool",
		Resource:    "*pgxpool.Conn",
		Options: []OptionInfo{
			{Name: "dsn", Required: true, Description: "PostgreSQL connection string"},
			{Name: "health_check_period", Description: "pgxpool health check period"},
			{Name: "max_conn_lifetime", Description: "maximum connection lifetime"},
		},
	}, buildPostgres)
}

func buildPostgres(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error) {
	a, err := pgxadapter.Connect(ctx, cfg, reg.Logger())
	if err != nil {
		return nil, err
	}
	return managed(registry.Register[*pgxpool.Conn](reg, cfg, a, opts...))
}
