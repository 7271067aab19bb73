package providers

import (
	"sync"
)

// Credentials maps an inference provider name to its adapter config.
type Credentials map[string]Config

// Registry builds adapters on demand and caches them per provider and
// endpoint pair.
type Registry struct {
	mu    sync.Mutex
	creds Credentials
	cache map[string]Adapter
}

// NewRegistry creates an adapter registry.
func NewRegistry(creds Credentials) *Registry {
	if creds == nil {
		creds = Credentials{}
	}
	return &Registry{
		creds: creds,
		cache: make(map[string]Adapter),
	}
}

// Adapter returns the adapter for a provider, building it on first use.
// An endpoint override (the proxy provider's base URL) takes precedence
// over the configured one.
func (r *Registry) Adapter(provider, endpoint string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := provider + "|" + endpoint
	if adapter, ok := r.cache[key]; ok {
		return adapter, nil
	}

	cfg := r.creds[provider]
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}

	adapter, err := New(provider, cfg)
	if err != nil {
		return nil, err
	}
	r.cache[key] = adapter
	return adapter, nil
}
