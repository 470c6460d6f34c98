package testutil

import (
	"encoding/json"
	"testing"

	"github.com/hupe1980/agentgraph/graph"
)

// SnapshotBuilder helps construct snapshots with fluent chaining for tests.
// Example:
//
//	snap := NewSnapshotBuilder("v1").
//		Agent(NewAgent("triage").Default().Respond().Tools("lookup").Build()).
//		Tool(NewTool("lookup", "func").AgentParam("q", true).Build()).
//		MustBuild(t)
type SnapshotBuilder struct {
	version string
	agents  []graph.Agent
	tools   []graph.Tool
	schema  json.RawMessage
}

// NewSnapshotBuilder creates a builder for the given version.
func NewSnapshotBuilder(version string) *SnapshotBuilder {
	return &SnapshotBuilder{version: version}
}

// Agent appends an agent (chainable).
func (b *SnapshotBuilder) Agent(a graph.Agent) *SnapshotBuilder {
	b.agents = append(b.agents, a)
	return b
}

// Tool appends a tool (chainable).
func (b *SnapshotBuilder) Tool(t graph.Tool) *SnapshotBuilder {
	b.tools = append(b.tools, t)
	return b
}

// ResponseSchema sets the network response schema (chainable).
func (b *SnapshotBuilder) ResponseSchema(schema string) *SnapshotBuilder {
	b.schema = json.RawMessage(schema)
	return b
}

// Build calls graph.New with the collected definitions.
func (b *SnapshotBuilder) Build() (*graph.Snapshot, error) {
	return graph.New(b.version, b.agents, b.tools, func(o *graph.Options) {
		o.ResponseSchema = b.schema
	})
}

// MustBuild is Build that fails the test on error.
func (b *SnapshotBuilder) MustBuild(t testing.TB) *graph.Snapshot {
	t.Helper()
	s, err := b.Build()
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	return s
}

// AgentBuilder builds graph.Agent values.
type AgentBuilder struct{ a graph.Agent }

// NewAgent starts an agent definition.
func NewAgent(key string) *AgentBuilder { return &AgentBuilder{a: graph.Agent{Key: key}} }

// Default marks the agent as entry point (chainable).
func (b *AgentBuilder) Default() *AgentBuilder { b.a.IsDefault = true; return b }

// Respond grants response capability (chainable).
func (b *AgentBuilder) Respond() *AgentBuilder { b.a.AllowRespond = true; return b }

// Tools equips tool keys (chainable).
func (b *AgentBuilder) Tools(keys ...string) *AgentBuilder {
	b.a.EquippedTools = append(b.a.EquippedTools, keys...)
	return b
}

// Routes allows hand-offs to the given agents (chainable).
func (b *AgentBuilder) Routes(keys ...string) *AgentBuilder {
	b.a.AllowedRoutes = append(b.a.AllowedRoutes, keys...)
	return b
}

// Prompt sets the agent instructions (chainable).
func (b *AgentBuilder) Prompt(p string) *AgentBuilder { b.a.Prompt = p; return b }

// Build returns the agent.
func (b *AgentBuilder) Build() graph.Agent { return b.a }

// ToolBuilder builds graph.Tool values.
type ToolBuilder struct{ t graph.Tool }

// NewTool starts a tool definition for the given provider type.
func NewTool(key, providerType string) *ToolBuilder {
	return &ToolBuilder{t: graph.Tool{Key: key, ProviderType: providerType}}
}

// Param appends a full parameter spec (chainable).
func (b *ToolBuilder) Param(p graph.ParamSpec) *ToolBuilder {
	b.t.Params = append(b.t.Params, p)
	return b
}

// AgentParam appends an agent sourced parameter (chainable).
func (b *ToolBuilder) AgentParam(name string, required bool) *ToolBuilder {
	return b.Param(graph.ParamSpec{Name: name, Source: graph.SourceAgent, Required: required})
}

// SystemParam appends a system sourced parameter (chainable).
func (b *ToolBuilder) SystemParam(name string, required bool) *ToolBuilder {
	return b.Param(graph.ParamSpec{Name: name, Source: graph.SourceSystem, Required: required})
}

// ConstParam appends a const parameter (chainable).
func (b *ToolBuilder) ConstParam(name string, value any) *ToolBuilder {
	return b.Param(graph.ParamSpec{Name: name, Source: graph.SourceConst, Value: value})
}

// HTTP sets the HTTP configuration (chainable).
func (b *ToolBuilder) HTTP(cfg graph.HTTPConfig) *ToolBuilder {
	b.t.HTTP = &cfg
	return b
}

// Option sets a provider option (chainable).
func (b *ToolBuilder) Option(key string, value any) *ToolBuilder {
	if b.t.Options == nil {
		b.t.Options = map[string]any{}
	}
	b.t.Options[key] = value
	return b
}

// Build returns the tool.
func (b *ToolBuilder) Build() graph.Tool { return b.t }
