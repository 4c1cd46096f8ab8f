package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"airelay/internal/models"
)

// Provider defines the behaviour required to serve relayed requests. A
// provider that cannot fulfill an operation returns an error wrapping
// ErrUnsupportedOperation so the failover chain can move on.
type Provider interface {
	Name() string
	Describe() models.ProviderInfo
	Models(ctx context.Context) ([]models.ModelInfo, error)
	Complete(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
	OpenStream(ctx context.Context, req models.ChatCompletionRequest) (Stream, error)
	GenerateImage(ctx context.Context, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error)
}

// Registry maintains the configured providers in registration order. That
// order is the default failover chain.
type Registry struct {
	mu     sync.RWMutex
	order  []Provider
	byName map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
	}
}

// Register adds the provider to the registry. Names are matched
// case-insensitively.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	key := strings.ToLower(p.Name())
	if key == "" {
		return errors.New("provider name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	r.byName[key] = p
	r.order = append(r.order, p)
	return nil
}

// Get returns the provider registered under name, matched case-insensitively.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// All returns the registered providers in registration order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Resolve maps a requested provider name to the failover chain to attempt.
// Empty and the auto sentinel select the whole chain; a known name selects
// that provider alone; an unknown name falls back to the whole chain rather
// than failing the request.
func (r *Registry) Resolve(name string) ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return nil, ErrNoProviders
	}

	trimmed := strings.TrimSpace(name)
	if trimmed != "" && !strings.EqualFold(trimmed, "auto") {
		if p, ok := r.byName[strings.ToLower(trimmed)]; ok {
			return []Provider{p}, nil
		}
	}

	out := make([]Provider, len(r.order))
	copy(out, r.order)
	return out, nil
}
