package config

import (
	"strconv"
	"time"

	"github.com/ajitpratap0/poolkit/pkg/errors"
)

// BackendKind selects the pooling technology behind a pool.
type BackendKind string

const (
	// BackendChannel is the in-process suspending pool (chanpool).
	BackendChannel BackendKind = "channel"
	// BackendBlocking is the in-process blocking pool (syncpool).
	BackendBlocking BackendKind = "blocking"
	// BackendPuddle is a jackc/puddle generic pool.
	BackendPuddle BackendKind = "puddle"
	// BackendPostgres is a pgxpool connection pool.
	BackendPostgres BackendKind = "postgres"
	// BackendPostgresSQL is database/sql over the pgx stdlib driver.
	BackendPostgresSQL BackendKind = "postgres-sql"
	// BackendMySQL is database/sql over go-sql-driver/mysql.
	BackendMySQL BackendKind = "mysql"
	// BackendTCP pools raw TCP connections to one address.
	BackendTCP BackendKind = "tcp"
)

// Default values applied by NewPoolConfig and Config.ApplyDefaults.
const (
	DefaultMaxSize        = 10
	DefaultAcquireTimeout = 5 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultDrainTimeout   = 30 * time.Second
	DefaultProbeInterval  = 15 * time.Second
	DefaultExportInterval = 10 * time.Second
)

// PoolConfig is the per-pool configuration snapshot.
type PoolConfig struct {
	// Name identifies the pool; unique within a registry
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	// Backend selects the adapter used to build the pool
	Backend BackendKind `yaml:"backend" json:"backend" mapstructure:"backend"`
	// MaxSize bounds active + idle resources
	MaxSize int `yaml:"max_size" json:"max_size" mapstructure:"max_size"`
	// MinIdle is the number of idle resources the backend tries to keep warm
	MinIdle int `yaml:"min_idle" json:"min_idle" mapstructure:"min_idle"`
	// MaxIdle caps idle resources; 0 means MaxSize
	MaxIdle int `yaml:"max_idle" json:"max_idle" mapstructure:"max_idle"`
	// AcquireTimeout bounds Acquire when the caller gives no explicit timeout; 0 waits on the context only
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" mapstructure:"acquire_timeout"`
	// IdleTimeout closes idle resources unused for longer than this
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`
	// DrainTimeout bounds Close when no explicit deadline is given
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout" mapstructure:"drain_timeout"`
	// Options holds backend-specific settings (dsn, address, ...)
	Options map[string]string `yaml:"options" json:"options" mapstructure:"options"`
}

// NewPoolConfig creates a PoolConfig with defaults.
func NewPoolConfig(name string, backend BackendKind) PoolConfig {
	return PoolConfig{
		Name:           name,
		Backend:        backend,
		MaxSize:        DefaultMaxSize,
		AcquireTimeout: DefaultAcquireTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		DrainTimeout:   DefaultDrainTimeout,
		Options:        make(map[string]string),
	}
}

// Validate checks the pool configuration for correctness.
func (c PoolConfig) Validate() error {
	if c.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "pool name is required")
	}
	if c.MaxSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "max_size must be positive").
			WithDetail("pool", c.Name).
			WithDetail("max_size", c.MaxSize)
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxSize {
		return errors.New(errors.ErrorTypeConfig, "min_idle must be between 0 and max_size").
			WithDetail("pool", c.Name).
			WithDetail("min_idle", c.MinIdle)
	}
	if c.MaxIdle < 0 || c.MaxIdle > c.MaxSize {
		return errors.New(errors.ErrorTypeConfig, "max_idle must be between 0 and max_size").
			WithDetail("pool", c.Name).
			WithDetail("max_idle", c.MaxIdle)
	}
	if c.MaxIdle > 0 && c.MinIdle > c.MaxIdle {
		return errors.New(errors.ErrorTypeConfig, "min_idle cannot exceed max_idle").
			WithDetail("pool", c.Name)
	}
	if c.AcquireTimeout < 0 || c.IdleTimeout < 0 || c.DrainTimeout < 0 {
		return errors.New(errors.ErrorTypeConfig, "timeouts cannot be negative").
			WithDetail("pool", c.Name)
	}
	return nil
}

// EffectiveMaxIdle returns MaxIdle, or MaxSize when unset.
func (c PoolConfig) EffectiveMaxIdle() int {
	if c.MaxIdle <= 0 {
		return c.MaxSize
	}
	return c.MaxIdle
}

// Option returns a backend option or def when unset.
func (c PoolConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// DurationOption parses a backend option as a duration.
func (c PoolConfig) DurationOption(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "invalid duration option").
			WithDetail("pool", c.Name).
			WithDetail("option", key)
	}
	return d, nil
}

// IntOption parses a backend option as an integer.
func (c PoolConfig) IntOption(key string, def int) (int, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "invalid integer option").
			WithDetail("pool", c.Name).
			WithDetail("option", key)
	}
	return n, nil
}

// LoggingConfig controls the global zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" json:"level" mapstructure:"level"`
	// Format is json or console
	Format string `yaml:"format" json:"format" mapstructure:"format"`
	// Development enables colored levels and error stack traces
	Development bool `yaml:"development" json:"development" mapstructure:"development"`
}

// ObservabilityConfig controls metrics export and tracing.
type ObservabilityConfig struct {
	// MetricsAddr is the listen address of the /metrics endpoint; empty disables it
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// ProbeInterval bounds how often an acquire refreshes pool state gauges
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval" mapstructure:"probe_interval"`
	// ExportInterval is the period of registry-wide snapshot export
	ExportInterval time.Duration `yaml:"export_interval" json:"export_interval" mapstructure:"export_interval"`
	// EnableTracing installs a stdout span exporter
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
}

// Config is the service-level configuration.
type Config struct {
	ServiceName   string              `yaml:"service_name" json:"service_name" mapstructure:"service_name"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging" mapstructure:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
	// DrainTimeout bounds the coordinated shutdown of all pools
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout" mapstructure:"drain_timeout"`
	Pools        []PoolConfig  `yaml:"pools" json:"pools" mapstructure:"pools"`
}

// NewConfig returns a service configuration with defaults and no pools.
func NewConfig() *Config {
	return &Config{
		ServiceName: "poolkit",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			MetricsAddr:       ":9090",
			ProbeInterval:     DefaultProbeInterval,
			ExportInterval:    DefaultExportInterval,
			TracingSampleRate: 0.1,
		},
		DrainTimeout: DefaultDrainTimeout,
	}
}

// ApplyDefaults fills zero values left by partial configuration files.
func (c *Config) ApplyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "poolkit"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Observability.ProbeInterval <= 0 {
		c.Observability.ProbeInterval = DefaultProbeInterval
	}
	if c.Observability.ExportInterval <= 0 {
		c.Observability.ExportInterval = DefaultExportInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	for i := range c.Pools {
		p := &c.Pools[i]
		if p.MaxSize == 0 {
			p.MaxSize = DefaultMaxSize
		}
		if p.IdleTimeout == 0 {
			p.IdleTimeout = DefaultIdleTimeout
		}
		if p.DrainTimeout == 0 {
			p.DrainTimeout = c.DrainTimeout
		}
		if p.Options == nil {
			p.Options = make(map[string]string)
		}
	}
}

// Validate checks every pool and rejects duplicate pool names.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Pools))
	for _, p := range c.Pools {
		if err := p.Validate(); err != nil {
			return err
		}
		if p.Backend == "" {
			return errors.New(errors.ErrorTypeConfig, "pool backend is required").
				WithDetail("pool", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return errors.New(errors.ErrorTypeDuplicateName, "pool declared twice").
				WithDetail("pool", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return errors.New(errors.ErrorTypeConfig, "tracing_sample_rate must be within [0, 1]")
	}
	return nil
}

// Pool returns the configuration of the named pool.
func (c *Config) Pool(name string) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}
