package config_test

import (
	"fmt"
	"log"
	"time"

	"github.com/ajitpratap0/poolkit/pkg/config"
)

// ExampleNewPoolConfig demonstrates creating a pool configuration
// with default values.
func ExampleNewPoolConfig() {
	cfg := config.NewPoolConfig("primary", config.BackendPostgres)

	fmt.Printf("Max Size: %d\n", cfg.MaxSize)
	fmt.Printf("Acquire Timeout: %s\n", cfg.AcquireTimeout)
	fmt.Printf("Idle Timeout: %s\n", cfg.IdleTimeout)

	// Output:
	// Max Size: 10
	// Acquire Timeout: 5s
	// Idle Timeout: 5m0s
}

// ExamplePoolConfig_Validate shows how to validate a configuration
// before registering a pool.
func ExamplePoolConfig_Validate() {
	cfg := config.NewPoolConfig("cache", config.BackendTCP)
	cfg.MaxSize = 4
	cfg.MinIdle = 1
	cfg.AcquireTimeout = 50 * time.Millisecond

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	fmt.Println("Configuration is valid!")

	cfg.MinIdle = 8
	fmt.Println(cfg.Validate())

	// Output:
	// Configuration is valid!
	// config: min_idle must be between 0 and max_size
}

// ExampleParse demonstrates decoding a service configuration.
func ExampleParse() {
	doc := []byte(`
service_name: orders
pools:
  - name: primary
    backend: channel
    max_size: 2
    acquire_timeout: 50ms
`)

	cfg, err := config.Parse(doc)
	if err != nil {
		log.Fatal(err)
	}

	p, _ := cfg.Pool("primary")
	fmt.Printf("Service: %s\n", cfg.ServiceName)
	fmt.Printf("Pool: %s (%s) max=%d timeout=%s\n", p.Name, p.Backend, p.MaxSize, p.AcquireTimeout)
	fmt.Printf("Drain: %s\n", p.DrainTimeout)

	// Output:
	// Service: orders
	// Pool: primary (channel) max=2 timeout=50ms
	// Drain: 30s
}
