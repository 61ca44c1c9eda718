package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/domain"
)

// CreateFunc builds a client variant from its backend configuration.
type CreateFunc func(cfg config.BackendConfig) (Client, error)

// Each variant package exposes an explicit RegisterClientFactory function
// that calls Register; cmd/gateway (or tests) wire those registrations so
// we avoid init() side effects.
var (
	registryMu sync.RWMutex
	registry   = make(map[domain.Host]CreateFunc)
)

// Register registers a client factory for a host. Panics on duplicate
// registration since that is always a programming error.
func Register(host domain.Host, create CreateFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if create == nil {
		panic(fmt.Sprintf("provider factory for %q must not be nil", host))
	}
	if _, exists := registry[host]; exists {
		panic(fmt.Sprintf("provider factory %q already registered", host))
	}
	registry[host] = create
}

// IsRegistered returns true if a host has a registered factory.
func IsRegistered(host domain.Host) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()

	_, ok := registry[host]
	return ok
}

// RegisteredHosts returns all registered hosts, sorted.
func RegisteredHosts() []domain.Host {
	registryMu.RLock()
	defer registryMu.RUnlock()

	hosts := make([]domain.Host, 0, len(registry))
	for h := range registry {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i] < hosts[j] })
	return hosts
}

// ClearRegistry removes all registered factories (for testing only).
func ClearRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry = make(map[domain.Host]CreateFunc)
}

func create(host domain.Host, cfg config.BackendConfig) (Client, error) {
	registryMu.RLock()
	createFn, ok := registry[host]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown host %q (registered hosts: %v)", host, RegisteredHosts())
	}
	return createFn(cfg)
}
