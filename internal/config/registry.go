package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/voxmood/pkg/provider/model"
)

// ErrProviderNotRegistered is returned by [Registry.CreateModel] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ModelFactory turns a model config block into a loader. It should not touch
// the artifact; loading happens when the engine calls the loader.
type ModelFactory func(ModelConfig) (model.Loader, error)

// Registry maps model provider names to their factories. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]ModelFactory)}
}

// RegisterModel registers a model provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterModel(name string, factory ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = factory
}

// CreateModel returns a loader using the factory registered under cfg.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateModel(cfg ModelConfig) (model.Loader, error) {
	r.mu.RLock()
	factory, ok := r.models[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Models returns the registered provider names in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
