// Package provider implements the Provider Registry: a static map from
// model identifier to provider binding, seeded at startup and immutable
// thereafter. The registry knows nothing about HTTP.
package provider

import (
	"fmt"
	"slices"

	gateway "github.com/koval-dev/llmgate/internal"
)

// ErrUnknownModel is wrapped into the error returned by Resolve for any
// model identifier not present in the registry.
var ErrUnknownModel = fmt.Errorf("%w", gateway.ErrInvalidModel)

// Registry resolves model identifiers to provider bindings. It is built
// once at startup from configuration and never mutated afterward, so reads
// require no locking.
type Registry struct {
	bindings map[string]gateway.ProviderBinding
}

// NewRegistry returns a Registry seeded with bindings, keyed by the model
// identifier clients send in Request.Model.
func NewRegistry(bindings map[string]gateway.ProviderBinding) *Registry {
	cp := make(map[string]gateway.ProviderBinding, len(bindings))
	for k, v := range bindings {
		cp[k] = v
	}
	return &Registry{bindings: cp}
}

// Resolve returns the binding for model, or ErrUnknownModel if unregistered.
func (r *Registry) Resolve(model string) (gateway.ProviderBinding, error) {
	b, ok := r.bindings[model]
	if !ok {
		return gateway.ProviderBinding{}, fmt.Errorf("model %q: %w", model, ErrUnknownModel)
	}
	return b, nil
}

// Models returns every registered model as a ModelInfo, sorted by name, for
// the /v1/models listing.
func (r *Registry) Models() []gateway.ModelInfo {
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]gateway.ModelInfo, 0, len(names))
	for _, name := range names {
		b := r.bindings[name]
		out = append(out, gateway.ModelInfo{
			Name:             name,
			Provider:         b.ProviderTag,
			PricePerTokenUSD: b.PricePerTokenUSD,
		})
	}
	return out
}

// Len reports how many models are registered, used by the liveness probe's
// "at least one provider binding is configured" check.
func (r *Registry) Len() int { return len(r.bindings) }
