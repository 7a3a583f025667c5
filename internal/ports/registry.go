// Package ports maintains the set of exposed user ports and forwards HTTP
// and WebSocket traffic addressed to them.
package ports

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sandboxd/internal/config"
	"sandboxd/internal/sberrors"
)

// ExposedPort is one routing-table entry.
type ExposedPort struct {
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url"`
	ExposedAt time.Time `json:"exposedAt"`
}

// Registry is the sandbox's exposed-port table. At most one entry per port;
// the control-plane port is never exposable.
type Registry struct {
	mu          sync.RWMutex
	ports       map[int]ExposedPort
	controlPort int
	sandboxID   string
	baseURL     string
	devBase     string
	devMode     bool
}

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	ControlPort int
	SandboxID   string
	BaseURL     string // e.g. "https://sandbox.example.com"; empty selects dev URLs
	DevBaseURL  string // router origin for /preview URLs; empty yields root-relative paths
	DevMode     bool
}

// NewRegistry builds an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.ControlPort == 0 {
		opts.ControlPort = config.ControlPort
	}
	return &Registry{
		ports:       make(map[int]ExposedPort),
		controlPort: opts.ControlPort,
		sandboxID:   opts.SandboxID,
		baseURL:     opts.BaseURL,
		devBase:     opts.DevBaseURL,
		devMode:     opts.DevMode,
	}
}

// Expose adds a port to the table.
func (r *Registry) Expose(port int, name string) (ExposedPort, error) {
	if port < 1024 || port > 65535 {
		return ExposedPort{}, sberrors.E(sberrors.InvalidPort, "port must be between 1024 and 65535, got %d", port).
			WithDetail("port", port)
	}
	if port == r.controlPort {
		return ExposedPort{}, sberrors.E(sberrors.PortReserved, "port %d is reserved for the control plane", port).
			WithDetail("port", port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ports[port]; exists {
		return ExposedPort{}, sberrors.E(sberrors.PortAlreadyExposed, "port %d is already exposed", port).
			WithDetail("port", port)
	}
	entry := ExposedPort{
		Port:      port,
		Name:      name,
		URL:       r.buildURL(port),
		ExposedAt: time.Now(),
	}
	r.ports[port] = entry
	return entry, nil
}

// Unexpose removes a port from the table.
func (r *Registry) Unexpose(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ports[port]; !exists {
		return sberrors.E(sberrors.PortNotExposed, "port %d is not exposed", port).
			WithDetail("port", port)
	}
	delete(r.ports, port)
	return nil
}

// IsExposed reports membership.
func (r *Registry) IsExposed(port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ports[port]
	return ok
}

// List snapshots the table ordered by port.
func (r *Registry) List() []ExposedPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExposedPort, 0, len(r.ports))
	for _, p := range r.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// buildURL constructs the externally addressable URL for a port: the
// subdomain form when a base URL is configured, the /preview dev form
// otherwise.
func (r *Registry) buildURL(port int) string {
	if r.baseURL != "" && !r.devMode {
		scheme := "https"
		host := r.baseURL
		if i := strings.Index(host, "://"); i >= 0 {
			scheme = host[:i]
			host = host[i+3:]
		}
		return fmt.Sprintf("%s://%d-%s.%s/", scheme, port, r.sandboxID, host)
	}
	base := r.baseURL
	if base == "" {
		base = r.devBase
	}
	return fmt.Sprintf("%s/preview/%d/%s/", strings.TrimSuffix(base, "/"), port, r.sandboxID)
}
