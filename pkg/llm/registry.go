// Package llm wires configured LLM providers behind the neutral hibari
// contracts.
package llm

import (
	"fmt"
	"strings"

	"hibari/pkg/hibari"
)

// Registry resolves configured LLM providers by stable profile name.
//
// The provider map is copied on construction and immutable afterward, so
// Resolve is safe from concurrent event workers.
type Registry struct {
	providers map[string]hibari.LLMProvider
}

// NewRegistry constructs one immutable provider registry.
func NewRegistry(providers map[string]hibari.LLMProvider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("new llm registry: empty providers")
	}

	cloned := make(map[string]hibari.LLMProvider, len(providers))
	for name, provider := range providers {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil, fmt.Errorf("new llm registry: empty provider name")
		}
		if provider == nil {
			return nil, fmt.Errorf("new llm registry: provider %s is nil", trimmed)
		}
		if _, exists := cloned[trimmed]; exists {
			return nil, fmt.Errorf("new llm registry: duplicate provider name %s", trimmed)
		}
		cloned[trimmed] = provider
	}

	return &Registry{providers: cloned}, nil
}

// Resolve returns one configured provider by name.
func (r *Registry) Resolve(provider string) (hibari.LLMProvider, error) {
	if r == nil {
		return nil, fmt.Errorf("resolve llm provider: nil registry")
	}

	trimmed := strings.TrimSpace(provider)
	if trimmed == "" {
		return nil, fmt.Errorf("resolve llm provider: empty provider name")
	}
	resolved, exists := r.providers[trimmed]
	if !exists {
		return nil, fmt.Errorf("resolve llm provider: provider %s is not configured", trimmed)
	}

	return resolved, nil
}

var _ hibari.LLMProviderRegistry = (*Registry)(nil)
