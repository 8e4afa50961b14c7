// Package config provides the configuration surface for poolkit services.
//
// A Config describes one service: how it logs, where it exposes metrics and
// which named pools it declares. Every pool is described by a PoolConfig, the
// immutable snapshot handed to the pool at registration time.
//
// # Pool Configuration
//
//	cfg := config.NewPoolConfig("primary", config.BackendPostgres)
//	cfg.MaxSize = 20
//	cfg.AcquireTimeout = 2 * time.Second
//	cfg.Options["dsn"] = "postgres://localhost/app"
//
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Backend specific settings live in Options and are read by the backend
// factories with Option, IntOption and DurationOption.
//
// # Loading
//
// Parse decodes YAML with ${VAR_NAME} substitution:
//
//	pools:
//	  - name: primary
//	    backend: postgres
//	    max_size: 20
//	    acquire_timeout: 2s
//	    options:
//	      dsn: ${DATABASE_URL}
//
// Load reads yaml, json or toml files through viper and applies POOLKIT_*
// environment overrides for scalar settings, e.g. POOLKIT_LOGGING_LEVEL=debug.
// Both apply defaults and validate the result; duplicate pool names are
// rejected with errors.ErrorTypeDuplicateName.
package config
