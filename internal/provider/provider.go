// Package provider defines the upstream LLM abstraction and the registry
// the gateway routes through.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// Provider is an upstream LLM API.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error)
	Stream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, error)
}

// Registry holds the configured providers. The first registered provider
// becomes the default unless SetDefault overrides it.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

// SetDefault marks the provider used when neither a rule nor the model name
// selects one.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = name
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// ForModel picks a provider for a model name. An explicit name wins; then
// the model's family prefix; then the default.
func (r *Registry) ForModel(name, model string) (Provider, error) {
	if name != "" {
		return r.Get(name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.HasPrefix(model, "claude") {
		if p, ok := r.providers["anthropic"]; ok {
			return p, nil
		}
	}
	if p, ok := r.providers[r.defaultName]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no provider configured for model %q", model)
}
