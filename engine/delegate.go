package engine

import (
	"context"
	"encoding/json"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/provider"
)

// DelegateProviderType is the provider type of tools that hand a message to
// another agent of the same network and return the outcome of that sub-run.
const DelegateProviderType = "delegate"

// delegate starts an independent sub-run at target. The sub-run shares the
// snapshot, the system parameters and the sink of r but has its own run id,
// trace, context and step budget. It does not consume r's budget.
func (r *run) delegate(ctx context.Context, target *graph.Agent, message string) (*Result, error) {
	cfg := r.scope.engine.config

	if r.scope.depth+1 > cfg.MaxDelegationDepth {
		return nil, core.NewError(core.KindStepBudgetExceeded, "delegation depth %d exceeded", cfg.MaxDelegationDepth).WithAgent(target.Key)
	}

	maxSteps := cfg.DelegateMaxSteps
	if maxSteps <= 0 {
		maxSteps = r.budget.Max()
	}

	runID := core.NewRunID()
	r.logger.Info("engine.delegate.start", "from", r.agent.Key, "to", target.Key, "sub_run_id", runID)

	res := r.scope.child().execute(ctx, runID, target, message, maxSteps)

	r.logger.Info("engine.delegate.completed",
		"to", target.Key,
		"sub_run_id", runID,
		"status", string(res.Status),
		"steps", res.Steps,
	)

	return res, nil
}

// summary is the compact form of a sub-run reported to the delegating agent.
func (r *Result) summary() map[string]any {
	out := map[string]any{
		"run_id": r.RunID,
		"agent":  r.FinalAgent,
		"status": string(r.Status),
		"steps":  r.Steps,
	}
	if r.Failure != nil {
		out["error"] = r.Failure
	} else {
		out["payload"] = r.Payload
	}
	return out
}

// DelegateProvider runs tools of type DelegateProviderType. The target agent
// is named by the tool option "target_agent"; the message is the "message"
// parameter, or all resolved parameters as JSON when the tool declares no
// such parameter.
//
// A failed sub-run is reported as an upstream failure carrying the sub-run
// summary, so the calling agent can react to it. Exceeding the delegation
// depth is reported as an upstream failure too.
type DelegateProvider struct {
	engine *Engine
}

// Invoke runs the sub-run. It must be called from within a run of the engine
// that owns the provider.
func (p *DelegateProvider) Invoke(ctx context.Context, tool *graph.Tool, params map[string]any) (*provider.Result, error) {
	r, ok := runFrom(ctx)
	if !ok || r.scope.engine != p.engine {
		return nil, core.NewError(core.KindConfiguration, "delegate tool %q called outside a run", tool.Key)
	}

	key := tool.Option("target_agent", "")
	if key == "" {
		return nil, core.NewError(core.KindConfiguration, "delegate tool %q has no target_agent option", tool.Key)
	}
	target, err := r.scope.snapshot.LookupAgent(key)
	if err != nil {
		return nil, err
	}

	message, ok := params["message"].(string)
	if !ok {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, core.WrapError(core.KindInvalidParameter, err, "cannot encode delegate parameters")
		}
		message = string(raw)
	}

	res, err := r.delegate(ctx, target, message)
	if err != nil {
		return nil, core.WrapError(core.KindUpstream, err, "cannot delegate to %q", key)
	}

	summary := res.summary()
	if !res.OK() {
		e := core.WrapError(core.KindUpstream, res.Failure, "delegated run to %q failed", key)
		e.Details = summary
		return nil, e
	}

	return &provider.Result{Body: summary}, nil
}
