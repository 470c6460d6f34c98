// Package function exposes plain Go functions as tools.
//
// A Provider holds one function per tool key. The function receives the
// resolved parameters; its return value becomes the tool result body.
//
// Error Semantics:
//
//	*core.Error (returned directly)  -> forwarded unchanged
//	other error                      -> core.KindUpstream (recoverable)
//	unknown tool key                 -> core.KindConfiguration (fatal)
//
// A Provider has no internal mutable state after registration and is safe for
// concurrent use by multiple goroutines.
package function

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/internal/util"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/provider"
)

// ProviderType is the conventional provider_type for function tools.
const ProviderType = "function"

// Fn is the signature of a function tool.
type Fn func(ctx context.Context, args map[string]any) (any, error)

// Options configure the provider.
type Options struct {
	Logger logging.Logger
}

// Provider dispatches tool calls to registered functions.
type Provider struct {
	mu     sync.RWMutex
	fns    map[string]Fn
	logger logging.Logger
}

// New creates an empty function provider.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Provider{fns: make(map[string]Fn), logger: opts.Logger}
}

var _ provider.Provider = (*Provider)(nil)

// Register binds fn to toolKey and returns p for chaining.
//
// Example:
//
//	fp := function.New().
//	  Register("calculate_sum", func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  })
func (p *Provider) Register(toolKey string, fn Fn) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fns[toolKey] = fn

	return p
}

// Invoke calls the function registered for tool.Key.
func (p *Provider) Invoke(ctx context.Context, tool *graph.Tool, params map[string]any) (*provider.Result, error) {
	p.mu.RLock()
	fn, ok := p.fns[tool.Key]
	p.mu.RUnlock()

	if !ok {
		return nil, core.NewError(core.KindConfiguration, "no function registered").WithTool(tool.Key)
	}

	start := time.Now()

	p.logger.Debug("tool.call.start", "tool", tool.Key)

	result, err := fn(ctx, params)
	if err != nil {
		p.logger.Warn("tool.call.error", "tool", tool.Key, "error", err.Error())

		if e, ok := core.AsError(err); ok {
			return nil, e.WithTool(tool.Key)
		}

		return nil, core.WrapError(core.KindUpstream, err, "function failed").WithTool(tool.Key)
	}

	return &provider.Result{Body: result, Duration: time.Since(start), Attempts: 1}, nil
}

// ParamsFromStruct derives agent-sourced parameter specs from a struct using
// reflection, so a function tool's argument container doubles as its
// parameter schema.
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a" description:"First addend"`
//	  B float64 `json:"b" description:"Second addend"`
//	}
//
//	params := function.ParamsFromStruct(SumArgs{})
func ParamsFromStruct(structType any) []graph.ParamSpec {
	fields := util.StructFields(structType)
	params := make([]graph.ParamSpec, 0, len(fields))

	for _, f := range fields {
		params = append(params, graph.ParamSpec{
			Name:        f.Name,
			Source:      graph.SourceAgent,
			Required:    f.Required,
			Type:        f.Type,
			Description: f.Description,
		})
	}

	return params
}
