// Package provider defines how the loop invokes tools.
//
// A Provider executes one resolved tool call. Providers are looked up by the
// tool's provider_type in a Registry; the loop is agnostic to how many
// provider types exist. Implementations live in subpackages (httpprovider,
// function, retrieval, mcp) and in engine (the delegate provider).
//
// Tool failures are reported as *core.Error with one of the recoverable kinds
// KindTransport, KindUpstream or KindShape. The loop hands those back to the
// reasoning agent as context; any other error kind ends the run.
package provider

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
)

// Result is the outcome of a successful tool call.
type Result struct {
	// Status is the provider specific status, e.g. the HTTP status code.
	Status int `json:"status,omitempty"`
	// Body is the part of the response surfaced to the agent.
	Body     any           `json:"body"`
	Duration time.Duration `json:"duration"`
	// Attempts counts the underlying calls; zero is reported as one.
	Attempts int `json:"attempts,omitempty"`
}

// Provider invokes a tool with fully resolved parameters.
type Provider interface {
	Invoke(ctx context.Context, tool *graph.Tool, params map[string]any) (*Result, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, tool *graph.Tool, params map[string]any) (*Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, tool *graph.Tool, params map[string]any) (*Result, error) {
	return f(ctx, tool, params)
}

// Registry maps provider types to providers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds providerType to p, replacing any previous binding.
func (r *Registry) Register(providerType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[providerType] = p
}

// Lookup returns the provider for providerType. An unknown type is a
// configuration error.
func (r *Registry) Lookup(providerType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerType]
	if !ok {
		return nil, core.NewError(core.KindConfiguration, "no provider registered for type %q", providerType)
	}

	return p, nil
}

// Types returns the registered provider types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	slices.Sort(types)

	return types
}

// Invoke looks up the tool's provider and calls it, filling in Duration and
// Attempts when the provider left them unset. Errors that are not *core.Error
// are reported as upstream failures of the tool.
func (r *Registry) Invoke(ctx context.Context, tool *graph.Tool, params map[string]any) (*Result, error) {
	p, err := r.Lookup(tool.ProviderType)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := p.Invoke(ctx, tool, params)
	if err != nil {
		return nil, Normalize(tool.Key, err)
	}
	if res == nil {
		res = &Result{}
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if res.Attempts == 0 {
		res.Attempts = 1
	}

	return res, nil
}

// Normalize converts err into a *core.Error attributed to tool.
func Normalize(tool string, err error) *core.Error {
	if e, ok := core.AsError(err); ok {
		if e.Tool == "" {
			e.Tool = tool
		}
		return e
	}

	return core.WrapError(core.KindUpstream, err, "tool call failed").WithTool(tool)
}
