// Package provider defines the adapter contract for upstream LLM vendors and
// the registry the gateway resolves adapters from.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

// Adapter invokes one upstream vendor. Implementations translate the unified
// request into the vendor's wire format and back. Invoke returns an error on
// any failure; the gateway owns retry-via-fallback semantics.
type Adapter interface {
	Name() domain.Provider
	Invoke(ctx context.Context, req *domain.Request, model string) (*domain.Response, error)
}

// Registry holds the adapters configured at startup. The set is fixed after
// wiring, so reads take no lock in the hot path worth optimizing; the mutex
// exists for test convenience.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Provider]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Provider]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[p]
	if !ok {
		return nil, domain.NewConfigurationError("no adapter registered for provider %q", p)
	}
	return a, nil
}

func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// BuildPrompt folds the optional context into the prompt for vendors without
// a separate system slot.
func BuildPrompt(req *domain.Request) string {
	if req.Context == "" {
		return req.Prompt
	}
	return fmt.Sprintf("%s\n\n%s", req.Context, req.Prompt)
}
