package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/poolkit/pkg/errors"
)

func TestPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PoolConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*PoolConfig) {}},
		{name: "empty name", mutate: func(c *PoolConfig) { c.Name = "" }, wantErr: true},
		{name: "zero max size", mutate: func(c *PoolConfig) { c.MaxSize = 0 }, wantErr: true},
		{name: "min idle above max", mutate: func(c *PoolConfig) { c.MinIdle = 11 }, wantErr: true},
		{name: "max idle above max", mutate: func(c *PoolConfig) { c.MaxIdle = 11 }, wantErr: true},
		{name: "min idle above max idle", mutate: func(c *PoolConfig) { c.MinIdle = 4; c.MaxIdle = 2 }, wantErr: true},
		{name: "negative timeout", mutate: func(c *PoolConfig) { c.AcquireTimeout = -time.Second }, wantErr: true},
		{name: "zero acquire timeout", mutate: func(c *PoolConfig) { c.AcquireTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewPoolConfig("primary", BackendChannel)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPoolConfigOptions(t *testing.T) {
	cfg := NewPoolConfig("tcp", BackendTCP)
	cfg.Options["address"] = "localhost:6379"
	cfg.Options["dial_timeout"] = "250ms"
	cfg.Options["retries"] = "three"

	assert.Equal(t, "localhost:6379", cfg.Option("address", ""))
	assert.Equal(t, "fallback", cfg.Option("missing", "fallback"))

	d, err := cfg.DurationOption("dial_timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = cfg.DurationOption("missing", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = cfg.IntOption("retries", 1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	assert.Equal(t, 10, cfg.EffectiveMaxIdle())
	cfg.MaxIdle = 3
	assert.Equal(t, 3, cfg.EffectiveMaxIdle())
}

func TestParseSubstitutesEnv(t *testing.T) {
	t.Setenv("POOLKIT_TEST_DSN", "postgres://db/app")

	cfg, err := Parse([]byte(`
pools:
  - name: primary
    backend: postgres
    max_size: 4
    options:
      dsn: ${POOLKIT_TEST_DSN}
`))
	require.NoError(t, err)

	p, ok := cfg.Pool("primary")
	require.True(t, ok)
	assert.Equal(t, "postgres://db/app", p.Option("dsn", ""))
	assert.Equal(t, DefaultIdleTimeout, p.IdleTimeout)
	assert.Equal(t, "poolkit", cfg.ServiceName)
	assert.Equal(t, DefaultProbeInterval, cfg.Observability.ProbeInterval)
}

func TestParseRejectsDuplicatePools(t *testing.T) {
	_, err := Parse([]byte(`
pools:
  - name: a
    backend: channel
  - name: a
    backend: blocking
`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDuplicateName))
}

func TestParseRequiresBackend(t *testing.T) {
	_, err := Parse([]byte(`
pools:
  - name: a
`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestLoadWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poolkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_name: orders
logging:
  level: info
pools:
  - name: cache
    backend: tcp
    max_size: 2
    acquire_timeout: 50ms
    options:
      address: localhost:6379
`), 0o600))

	t.Setenv("POOLKIT_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.ServiceName)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Observability.MetricsAddr)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, BackendTCP, cfg.Pools[0].Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.Pools[0].AcquireTimeout)
	assert.Equal(t, "localhost:6379", cfg.Pools[0].Option("address", ""))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
