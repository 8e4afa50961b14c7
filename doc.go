// Package poolkit provides instrumented resource pools: a uniform facade
// over database connection pools, network connection pools and in-process
// pools that reports saturation through Prometheus and OpenTelemetry.
//
// # Architecture
//
// Every pool is made of two layers:
//
//  1. An adapter (pool.Adapter[R]) that owns the resources. Adapters exist for
//     pgxpool, database/sql (pgx stdlib and go-sql-driver/mysql),
//     jackc/puddle, a channel-based suspending pool and a blocking pool.
//
//  2. The facade (pool.Pool[R]) that enforces acquire timeouts, hands out
//     single-release guards, classifies failures and records metrics.
//
// Pools are registered by name in a registry.Registry, which also closes
// them together on shutdown.
//
// # Quick Start
//
//	import (
//	    "context"
//	    "github.com/ajitpratap0/poolkit/pkg/backends"
//	    "github.com/ajitpratap0/poolkit/pkg/config"
//	    "github.com/ajitpratap0/poolkit/pkg/registry"
//	)
//
//	cfg := config.NewPoolConfig("orders-db", config.BackendPostgres)
//	cfg.MaxSize = 20
//	cfg.Options["dsn"] = "postgres://localhost:5432/orders"
//
//	reg := registry.New()
//	if _, err := backends.Build(ctx, cfg, reg); err != nil {
//	    return err
//	}
//
//	db, _ := registry.Get[*pgxpool.Conn](reg, "orders-db")
//	err := db.With(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
//	    _, err := conn.Exec(ctx, "SELECT 1")
//	    return err
//	})
//
//	report := reg.CloseAll(ctx, 30*time.Second)
//
// # Key Packages
//
//	pkg/pool          - Adapter contract, facade and guards
//	pkg/pool/adapters - chanpool, syncpool, puddlepool, pgxadapter, sqladapter
//	pkg/backends      - Builds pools from configuration by backend kind
//	pkg/registry      - Named pools and coordinated shutdown
//	pkg/metrics       - Prometheus and OpenTelemetry metrics sink
//	pkg/observability - Tracing, logging setup and the telemetry HTTP server
//	pkg/config        - Configuration loading (YAML, env overrides)
//	pkg/errors        - Structured error handling
//	pkg/logger        - Structured logging
//
// # Metrics
//
// Each pool exports, labeled by pool name:
//   - poolkit_pool_active, poolkit_pool_idle, poolkit_pool_waiting
//   - poolkit_pool_max, poolkit_pool_min_idle, poolkit_pool_max_idle
//   - poolkit_pool_acquires_total, poolkit_pool_timeouts_total and friends
//   - poolkit_pool_acquire_wait_seconds, poolkit_pool_use_seconds
//
// # Command Line
//
//	poolkit serve -c poolkit.yaml      # run pools and serve /metrics
//	poolkit check -c poolkit.yaml      # verify every pool can hand out a resource
//	poolkit bench orders-db -c poolkit.yaml --workers 32
//	poolkit backends                   # list backend kinds and options
//
// Environment variables are supported with ${VAR_NAME} syntax in
// configuration files and as POOLKIT_* overrides.
package poolkit
