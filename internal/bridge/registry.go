package bridge

import (
	"sort"
	"sync"
)

// ChainRegistry holds per-chain configuration.
type ChainRegistry struct {
	mu     sync.RWMutex
	chains map[string]ChainConfig
}

func NewChainRegistry() *ChainRegistry {
	return &ChainRegistry{chains: make(map[string]ChainConfig)}
}

// Register inserts or replaces the configuration for name.
func (r *ChainRegistry) Register(name string, cfg ChainConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[name] = cloneConfig(cfg)
}

func (r *ChainRegistry) Get(name string) (ChainConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.chains[name]
	if !ok {
		return ChainConfig{}, false
	}
	return cloneConfig(cfg), true
}

func (r *ChainRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chains[name]
	return ok
}

// Names returns the registered chain names in sorted order.
func (r *ChainRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the registry contents.
func (r *ChainRegistry) Snapshot() map[string]ChainConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ChainConfig, len(r.chains))
	for name, cfg := range r.chains {
		out[name] = cloneConfig(cfg)
	}
	return out
}

func cloneConfig(cfg ChainConfig) ChainConfig {
	if cfg.Params != nil {
		params := make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			params[k] = v
		}
		cfg.Params = params
	}
	return cfg
}
