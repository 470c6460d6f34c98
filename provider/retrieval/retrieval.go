// Package retrieval searches a memory corpus on behalf of an agent.
//
// Tools bound to this provider take a required "query" parameter and an
// optional "limit". The corpus namespace is the tool's "namespace" option,
// defaulting to the tool key.
package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/memory"
	"github.com/hupe1980/agentgraph/provider"
)

// ProviderType is the conventional provider_type for retrieval tools.
const ProviderType = "retrieval"

// DefaultLimit applies when the call carries no limit.
const DefaultLimit = 5

// Provider answers queries from a memory.Store.
type Provider struct {
	store memory.Store
}

// New creates a retrieval provider over store.
func New(store memory.Store) *Provider {
	return &Provider{store: store}
}

var _ provider.Provider = (*Provider)(nil)

// Invoke runs the search and returns the ranked hits.
func (p *Provider) Invoke(_ context.Context, tool *graph.Tool, params map[string]any) (*provider.Result, error) {
	query, ok := params["query"].(string)
	if !ok {
		return nil, core.NewError(core.KindInvalidParameter, "query must be a string, got %T", params["query"]).WithTool(tool.Key)
	}

	limit, err := toLimit(params["limit"])
	if err != nil {
		return nil, core.WrapError(core.KindInvalidParameter, err, "invalid limit").WithTool(tool.Key)
	}

	start := time.Now()
	hits, err := p.store.Search(tool.Option("namespace", tool.Key), query, limit)
	if err != nil {
		return nil, core.WrapError(core.KindUpstream, err, "search failed").WithTool(tool.Key)
	}

	return &provider.Result{
		Body:     map[string]any{"query": query, "results": hits},
		Duration: time.Since(start),
		Attempts: 1,
	}, nil
}

func toLimit(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return DefaultLimit, nil
	case int:
		return t, nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
