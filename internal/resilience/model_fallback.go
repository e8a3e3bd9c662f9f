package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voxmood/pkg/provider/model"
)

// ModelFallback loads the first model artifact that succeeds out of a
// primary and its fallbacks. Each candidate keeps its own circuit breaker,
// so a repeatedly broken artifact is skipped on later reloads until its
// reset timeout passes.
type ModelFallback struct {
	group *FallbackGroup[model.Loader]
}

// NewModelFallback creates a [ModelFallback] with primary as the preferred
// loader.
func NewModelFallback(primary model.Loader, primaryName string, cfg FallbackConfig) *ModelFallback {
	return &ModelFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional loader.
func (f *ModelFallback) AddFallback(name string, loader model.Loader) {
	f.group.AddFallback(name, loader)
}

// Names returns the candidate names in try order.
func (f *ModelFallback) Names() []string { return f.group.Names() }

// Load implements [model.Loader].
func (f *ModelFallback) Load(ctx context.Context) (model.Model, error) {
	m, name, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, l model.Loader) (model.Model, error) {
		return l(ctx)
	})
	if err != nil {
		return nil, err
	}
	if name != f.group.entries[0].name {
		slog.Warn("loaded fallback model", "candidate", name)
	}
	return m, nil
}

// Loader returns f as a [model.Loader].
func (f *ModelFallback) Loader() model.Loader { return f.Load }
