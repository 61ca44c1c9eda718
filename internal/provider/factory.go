package provider

import (
	"fmt"
	"sync"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/domain"
)

// Factory resolves a Client for a host. Selection is a pure function of
// the host enum; an unconfigured or unregistered host is a hard
// configuration error, never retried.
type Factory struct {
	mu       sync.Mutex
	backends map[domain.Host]config.BackendConfig
	clients  map[domain.Host]Client
}

// NewFactory creates a factory over the configured backends.
func NewFactory(backends []config.BackendConfig) *Factory {
	byHost := make(map[domain.Host]config.BackendConfig, len(backends))
	for _, b := range backends {
		byHost[domain.Host(b.Host)] = b
	}
	return &Factory{
		backends: byHost,
		clients:  make(map[domain.Host]Client),
	}
}

// ClientFor returns the client for a host, creating it on first use.
func (f *Factory) ClientFor(host domain.Host) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[host]; ok {
		return c, nil
	}

	cfg, ok := f.backends[host]
	if !ok {
		return nil, fmt.Errorf("no backend configured for host %q", host)
	}

	c, err := create(host, cfg)
	if err != nil {
		return nil, err
	}
	f.clients[host] = c
	return c, nil
}
