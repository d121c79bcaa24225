package llmexec

import "fmt"

// Registry resolves a provider name to its Provider implementation and
// exposes the default model for each when a run doesn't pin one explicitly.
type Registry struct {
	providers map[string]Provider
	defaults  map[string]string
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider), defaults: make(map[string]string)}
}

// Register adds a provider under its own Name(), with the given default model.
func (r *Registry) Register(p Provider, defaultModel string) {
	r.providers[p.Name()] = p
	r.defaults[p.Name()] = defaultModel
}

// Resolve returns the provider for name and the model id to use: requestedModel if
// non-empty, else that provider's configured default.
func (r *Registry) Resolve(providerName, requestedModel string) (Provider, string, error) {
	p, ok := r.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("llmexec: unknown provider %q", providerName)
	}
	model := requestedModel
	if model == "" {
		model = r.defaults[providerName]
	}
	if model == "" {
		return nil, "", fmt.Errorf("llmexec: no model specified and no default for provider %q", providerName)
	}
	return p, model, nil
}

// Names returns every registered provider name, for diagnostics.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
