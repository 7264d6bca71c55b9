package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownProvider is returned when a model reference names no registered
// provider and no default exists.
var ErrUnknownProvider = errors.New("unknown model provider")

// Registry routes model references of the form "provider/model" to
// registered providers. A reference without a slash names either a provider
// or, failing that, a model of the default provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Model
	fallback  string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Model{}}
}

// Register adds or replaces a provider. The first provider registered becomes
// the default.
func (r *Registry) Register(provider string, m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	provider = strings.ToLower(provider)
	r.providers[provider] = m
	if r.fallback == "" {
		r.fallback = provider
	}
}

// SetDefault selects the provider used for references that name none.
func (r *Registry) SetDefault(provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	provider = strings.ToLower(provider)
	if _, ok := r.providers[provider]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	r.fallback = provider
	return nil
}

// Providers returns the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the provider for ref and the model name to request from it.
func (r *Registry) Resolve(ref string) (Model, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref = strings.TrimSpace(ref)
	if provider, name, ok := strings.Cut(ref, "/"); ok {
		if m, found := r.providers[strings.ToLower(provider)]; found {
			return m, name, nil
		}
	} else if m, found := r.providers[strings.ToLower(ref)]; found {
		return m, "", nil
	}

	m, ok := r.providers[r.fallback]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, ref)
	}
	return m, ref, nil
}
