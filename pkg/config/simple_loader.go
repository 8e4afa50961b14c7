package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides read by Load (POOLKIT_LOGGING_LEVEL, ...).
const EnvPrefix = "POOLKIT"

// Load reads a configuration file (yaml, json or toml, by extension) with
// viper, applies POOLKIT_* environment overrides and defaults, and validates.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := NewConfig()
	v.SetDefault("service_name", defaults.ServiceName)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.development", defaults.Logging.Development)
	v.SetDefault("observability.metrics_addr", defaults.Observability.MetricsAddr)
	v.SetDefault("observability.probe_interval", defaults.Observability.ProbeInterval)
	v.SetDefault("observability.export_interval", defaults.Observability.ExportInterval)
	v.SetDefault("observability.enable_tracing", defaults.Observability.EnableTracing)
	v.SetDefault("observability.tracing_sample_rate", defaults.Observability.TracingSampleRate)
	v.SetDefault("drain_timeout", defaults.DrainTimeout)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	for i := range cfg.Pools {
		cfg.Pools[i].Options = expandOptions(cfg.Pools[i].Options)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes a YAML document after ${VAR_NAME} substitution, applies
// defaults and validates.
func Parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandOptions substitutes ${VAR_NAME} in option values; viper does not.
func expandOptions(opts map[string]string) map[string]string {
	for k, v := range opts {
		opts[k] = substituteEnvVars(v)
	}
	return opts
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
