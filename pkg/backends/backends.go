// Package backends builds registered pools from configuration. Each backend
// kind registers a factory from an init function; Build looks the factory up
// by the Backend field of a pool configuration.
package backends

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/poolkit/pkg/config"
	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/pool"
	"github.com/ajitpratap0/poolkit/pkg/registry"
)

// Factory creates the adapter for cfg and registers the resulting pool in reg.
type Factory func(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error)

// OptionInfo describes one backend option.
type OptionInfo struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description"`
}

// Info describes a backend kind.
type Info struct {
	Kind        config.BackendKind `json:"kind"`
	Description string             `json:"description"`
	// Resource is the type to pass to registry.Get for pools of this kind
	Resource string       `json:"resource"`
	Options  []OptionInfo `json:"options,omitempty"`
}

type entry struct {
	factory Factory
	info    Info
}

var (
	mu      sync.RWMutex
	entries = make(map[config.BackendKind]entry)
)

// Register adds a backend kind. It fails when the kind is already registered.
func Register(info Info, factory Factory) error {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := entries[info.Kind]; exists {
		return errors.New(errors.ErrorTypeDuplicateName, fmt.Sprintf("backend %s already registered", info.Kind))
	}
	entries[info.Kind] = entry{factory: factory, info: info}
	return nil
}

func mustRegister(info Info, factory Factory) {
	if err := Register(info, factory); err != nil {
		panic(err)
	}
}

// Kinds returns the registered backend kinds in order.
func Kinds() []config.BackendKind {
	mu.RLock()
	kinds := make([]config.BackendKind, 0, len(entries))
	for k := range entries {
		kinds = append(kinds, k)
	}
	mu.RUnlock()

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Describe returns the description of every registered backend kind.
func Describe() []Info {
	kinds := Kinds()
	infos := make([]Info, 0, len(kinds))

	mu.RLock()
	defer mu.RUnlock()
	for _, k := range kinds {
		infos = append(infos, entries[k].info)
	}
	return infos
}

// Lookup returns the description of kind.
func Lookup(kind config.BackendKind) (Info, bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := entries[kind]
	return e.info, ok
}

// Build creates the pool described by cfg and registers it in reg.
func Build(ctx context.Context, cfg config.PoolConfig, reg *registry.Registry, opts ...pool.Option) (registry.Managed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.RLock()
	e, ok := entries[cfg.Backend]
	mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.ErrorTypeCapability, fmt.Sprintf("unsupported backend %q", cfg.Backend)).
			WithDetail("pool", cfg.Name)
	}
	for _, opt := range e.info.Options {
		if opt.Required && cfg.Option(opt.Name, "") == "" {
			return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("option %s is required", opt.Name)).
				WithDetail("pool", cfg.Name).
				WithDetail("backend", string(cfg.Backend))
		}
	}

	return e.factory(ctx, cfg, reg, opts...)
}

// BuildAll builds every pool of cfg. On the first failure the pools already
// built stay registered; the caller closes them through the registry.
func BuildAll(ctx context.Context, cfg *config.Config, reg *registry.Registry, opts ...pool.Option) error {
	log := reg.Logger()
	for _, pc := range cfg.Pools {
		if _, err := Build(ctx, pc, reg, opts...); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), fmt.Sprintf("failed to build pool %s", pc.Name)).
				WithDetail("pool", pc.Name)
		}
		log.Info("pool ready",
			zap.String("pool", pc.Name),
			zap.String("backend", string(pc.Backend)),
			zap.Int("max_size", pc.MaxSize))
	}
	return nil
}

func managed[R any](p *pool.Pool[R], err error) (registry.Managed, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}
