// Package tool registers callable tools and bridges model-requested
// invocations to their hosting servers over HTTP.
package tool

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

// ServerRef points at the server hosting one or more tools.
type ServerRef struct {
	URL   string
	Token string // optional bearer credential
}

type registration struct {
	spec   contractx.ToolSpec
	server ServerRef
}

// Registry holds the process-wide tool set. Registration happens once at
// startup; afterwards the registry is read-only and safe to share.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

func (r *Registry) Register(spec contractx.ToolSpec, server ServerRef) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	base := strings.TrimRight(strings.TrimSpace(server.URL), "/")
	if base == "" {
		return fmt.Errorf("tool %s: server url is required", name)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return fmt.Errorf("tool %s: invalid server url: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	spec.Name = name
	r.tools[name] = registration{spec: spec, server: ServerRef{URL: base, Token: strings.TrimSpace(server.Token)}}
	return nil
}

// Specs returns the registered tool specs sorted by name.
func (r *Registry) Specs() []contractx.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]contractx.ToolSpec, 0, len(r.tools))
	for _, reg := range r.tools {
		specs = append(specs, reg.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (r *Registry) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}
