// Package agentgraph provides a high-level façade over the orchestration
// engine and the built-in tool providers. Most applications interact with
// this package by:
//  1. Creating an AgentGraph via New() with a decider (scripted or LLM backed)
//  2. Registering function tools, seeding the retrieval corpus or connecting
//     MCP servers
//  3. Publishing snapshots and running requests against them
//
// The façade delegates orchestration to engine.Engine and wires the default
// providers (http, function, retrieval, mcp and delegate) into one registry.
// All defaults are safe for local development and testing; production
// deployments typically supply a durable trace sink and a structured logger.
package agentgraph

import (
	"context"
	"errors"

	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/memory"
	"github.com/hupe1980/agentgraph/provider"
	"github.com/hupe1980/agentgraph/provider/function"
	"github.com/hupe1980/agentgraph/provider/httpprovider"
	"github.com/hupe1980/agentgraph/provider/mcpprovider"
	"github.com/hupe1980/agentgraph/provider/retrieval"
	"github.com/hupe1980/agentgraph/trace"
)

// Options configures the AgentGraph instance.
type Options struct {
	// Engine configuration (budgets, fan-out, system defaults)
	EngineConfig engine.Config

	// HTTP tunes the HTTP provider; nil keeps its defaults.
	HTTP func(o *httpprovider.Options)

	// MCP tunes the MCP provider; nil keeps its defaults.
	MCP func(o *mcpprovider.Options)

	// MemoryStore backs retrieval tools (defaults to an in-memory store).
	MemoryStore memory.Store

	// RegistrySize bounds the number of published snapshot versions.
	RegistrySize int

	// Sink receives the trace entries of every run.
	Sink trace.Sink

	// Shaper is applied to entries before they reach Sink.
	Shaper trace.Shaper

	Callbacks *engine.CallbackManager

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// AgentGraph is the high-level façade aggregating the engine, the provider
// registry and the snapshot registry.
type AgentGraph struct {
	opts      Options
	engine    *engine.Engine
	snapshots *graph.Registry
	functions *function.Provider
	mcp       *mcpprovider.Provider
}

// New creates a new AgentGraph driven by decider. Unset services are
// initialized with in-memory implementations.
func New(decider engine.Decider, optFns ...func(o *Options)) (*AgentGraph, error) {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		MemoryStore:  memory.NewInMemoryStore(),
		RegistrySize: graph.DefaultRegistrySize,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	snapshots, err := graph.NewRegistry(opts.RegistrySize)
	if err != nil {
		return nil, err
	}

	functions := function.New(func(o *function.Options) { o.Logger = opts.Logger })

	mcp := mcpprovider.New(func(o *mcpprovider.Options) {
		o.Logger = opts.Logger
		if opts.MCP != nil {
			opts.MCP(o)
		}
	})

	http := httpprovider.New(func(o *httpprovider.Options) {
		o.Logger = opts.Logger
		if opts.HTTP != nil {
			opts.HTTP(o)
		}
	})

	providers := provider.NewRegistry()
	providers.Register(graph.ProviderHTTP, http)
	providers.Register(function.ProviderType, functions)
	providers.Register(retrieval.ProviderType, retrieval.New(opts.MemoryStore))
	providers.Register(mcpprovider.ProviderType, mcp)

	eng := engine.New(decider, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Providers = providers
		o.Sink = opts.Sink
		o.Shaper = opts.Shaper
		o.Callbacks = opts.Callbacks
		o.Logger = opts.Logger
	})

	return &AgentGraph{
		opts:      opts,
		engine:    eng,
		snapshots: snapshots,
		functions: functions,
		mcp:       mcp,
	}, nil
}

// Engine exposes the underlying engine.
func (g *AgentGraph) Engine() *engine.Engine { return g.engine }

// Providers exposes the provider registry for custom provider types.
func (g *AgentGraph) Providers() *provider.Registry { return g.engine.Providers() }

// Memory returns the store backing retrieval tools.
func (g *AgentGraph) Memory() memory.Store { return g.opts.MemoryStore }

// RegisterFunction binds fn to the function tool toolKey.
func (g *AgentGraph) RegisterFunction(toolKey string, fn function.Fn) *AgentGraph {
	g.functions.Register(toolKey, fn)
	return g
}

// ConnectMCP connects an MCP server so tools naming it can be invoked.
func (g *AgentGraph) ConnectMCP(ctx context.Context, srv mcpprovider.ServerConfig) error {
	return g.mcp.Connect(ctx, srv)
}

// Publish makes s available under its version.
func (g *AgentGraph) Publish(s *graph.Snapshot) { g.snapshots.Put(s) }

// Snapshots returns the published snapshot registry.
func (g *AgentGraph) Snapshots() *graph.Registry { return g.snapshots }

// Run executes req synchronously.
func (g *AgentGraph) Run(ctx context.Context, req engine.Request) (*engine.Result, error) {
	return g.engine.Run(ctx, req)
}

// RunVersion executes req against the published snapshot version.
func (g *AgentGraph) RunVersion(ctx context.Context, version string, req engine.Request) (*engine.Result, error) {
	s, err := g.snapshots.Get(version)
	if err != nil {
		return nil, err
	}
	req.Snapshot = s
	return g.engine.Run(ctx, req)
}

// Stream executes req asynchronously. See engine.Engine.Stream.
func (g *AgentGraph) Stream(ctx context.Context, req engine.Request) (string, <-chan trace.Entry, <-chan *engine.Result, error) {
	return g.engine.Stream(ctx, req)
}

// Close releases connected MCP clients and closes the trace sink when it
// implements io.Closer.
func (g *AgentGraph) Close() error {
	err := g.mcp.Close()
	if c, ok := g.opts.Sink.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
