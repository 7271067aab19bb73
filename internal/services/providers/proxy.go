package providers

import (
	"fmt"
)

// NewProxyAdapter forwards requests unchanged to any OpenAI-compatible
// endpoint. The endpoint must be configured explicitly.
func NewProxyAdapter(cfg Config) (Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("proxy provider requires an endpoint")
	}
	return &proxyAdapter{OpenAIAdapter: NewOpenAIAdapter(cfg)}, nil
}

type proxyAdapter struct {
	*OpenAIAdapter
}

func (a *proxyAdapter) Name() string { return "proxy" }
