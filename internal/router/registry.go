package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/provider"
)

// Registry holds the configured providers and the model routing table. It is
// swapped wholesale on config reload.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	models    *config.ModelsConfig
	fallback  string
}

func NewRegistry(models *config.ModelsConfig) *Registry {
	return &Registry{
		providers: make(map[string]provider.Provider),
		models:    models,
	}
}

func (r *Registry) Register(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetLastResort names the provider appended to every chain that does not
// already contain it.
func (r *Registry) SetLastResort(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

func (r *Registry) Get(name string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildFromConfig builds providers from the providers config. The first mock
// provider, by name order, becomes the last resort of every chain.
func BuildFromConfig(provCfg *config.ProvidersConfig, models *config.ModelsConfig) (*Registry, error) {
	registry := NewRegistry(models)

	names := make([]string, 0, len(provCfg.Providers))
	for name := range provCfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := provCfg.Providers[name]
		p, err := provider.New(name, cfg)
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		if cfg.Type == config.ProviderMock && registry.fallback == "" {
			registry.fallback = name
		}
	}
	return registry, nil
}

// Candidate is one step of a provider chain.
type Candidate struct {
	Provider provider.Provider
	// Model is the provider-side model name.
	Model string
	// LastResort marks the always-available mock at the end of the chain. It is
	// not subject to circuit breaking.
	LastResort bool
}

// Candidates returns the ordered provider chain for a requested model.
// Routes naming unregistered providers are skipped; duplicates are collapsed.
func (r *Registry) Candidates(model string) ([]Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mapping, ok := r.models.Lookup(model)
	if !ok && r.fallback == "" {
		return nil, fmt.Errorf("unknown model: %s", model)
	}

	seen := make(map[string]bool)
	var out []Candidate
	for _, route := range mapping.Routes() {
		p, ok := r.providers[route.Provider]
		if !ok || seen[route.Provider] {
			continue
		}
		seen[route.Provider] = true
		target := route.Model
		if target == "" {
			target = model
		}
		out = append(out, Candidate{
			Provider:   p,
			Model:      target,
			LastResort: route.Provider == r.fallback,
		})
	}

	if r.fallback != "" && !seen[r.fallback] {
		out = append(out, Candidate{Provider: r.providers[r.fallback], Model: model, LastResort: true})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no available provider for model: %s", model)
	}
	return out, nil
}
