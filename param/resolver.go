// Package param resolves the final argument map for a tool call from the three
// value sources a parameter can declare.
//
// The resolver is the trust boundary for tool arguments: values for system,
// const and secret parameters never come from the agent, whatever the agent
// put into its decision.
package param

import (
	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/internal/util"
)

// Resolve builds the argument map forwarded to a tool provider.
//
// For every declared parameter, dispatched by source:
//
//	agent   value from agentSupplied
//	system  value from systemParams; an agent value for the same name is ignored
//	const   value baked into the snapshot
//	secret  value resolved into the snapshot at build time
//
// A missing agent or system value falls back to the declared default. Without
// a default, a required parameter fails with KindMissingParameter and an
// optional one is omitted. Keys in agentSupplied that the tool does not
// declare are dropped. Declared types are checked (KindInvalidParameter).
//
// Resolve is pure: it never mutates its inputs and identical inputs yield
// identical outputs.
func Resolve(tool *graph.Tool, agentSupplied, systemParams map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(tool.Params))

	for _, p := range tool.Params {
		var (
			v  any
			ok bool
		)

		switch p.Source {
		case graph.SourceAgent:
			v, ok = agentSupplied[p.Name]
		case graph.SourceSystem:
			v, ok = systemParams[p.Name]
		case graph.SourceConst, graph.SourceSecret:
			v, ok = p.Value, p.Value != nil
		default:
			return nil, core.NewError(core.KindConfiguration, "parameter %q has unknown source %q", p.Name, p.Source).WithTool(tool.Key)
		}

		if !ok || v == nil {
			switch {
			case p.HasDefault():
				v = p.Default
			case p.Required:
				return nil, core.NewError(core.KindMissingParameter, "required %s parameter %q has no value", p.Source, p.Name).WithTool(tool.Key)
			default:
				continue
			}
		}

		if p.Type != "" {
			if err := util.CheckType(p.Name, v, p.Type); err != nil {
				return nil, core.WrapError(core.KindInvalidParameter, err, "parameter %q", p.Name).WithTool(tool.Key)
			}
		}

		out[p.Name] = v
	}

	return out, nil
}
