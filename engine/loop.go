package engine

import (
	"context"
	"encoding/json"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/interpreter"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/param"
	"github.com/hupe1980/agentgraph/provider"
	"github.com/hupe1980/agentgraph/trace"
	"github.com/hupe1980/agentgraph/tracing"
)

// state is the position of a run in the loop's state machine.
type state int

const (
	stateAwaitingDecision state = iota
	stateExecutingTool
	stateRouting
	stateResponding
	stateExecutingGroup
	stateTerminated
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateAwaitingDecision:
		return "awaiting_decision"
	case stateExecutingTool:
		return "executing_tool"
	case stateRouting:
		return "routing"
	case stateResponding:
		return "responding"
	case stateExecutingGroup:
		return "executing_group"
	case stateTerminated:
		return "terminated"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s state) terminal() bool { return s == stateTerminated || s == stateFailed }

// run is the mutable state of one run. It is owned by the loop goroutine;
// task group children only touch the trace, which has its own lock.
type run struct {
	scope   *scope
	id      string
	message string
	agent   *graph.Agent
	budget  *core.StepBudget
	trace   *trace.Trace
	logger  logging.Logger
	started time.Time

	state        state
	step         int
	context      []ContextEntry
	decision     core.Decision
	lastDecision json.RawMessage
	action       interpreter.ValidatedAction
	params       map[string]any
	payload      any
	failure      *core.Error
}

func (r *run) loop(ctx context.Context) *Result {
	r.state = stateAwaitingDecision

	for !r.state.terminal() {
		if err := ctx.Err(); err != nil {
			r.fail(core.WrapError(core.KindCancelled, err, "run cancelled").WithAgent(r.agent.Key))
			break
		}

		switch r.state {
		case stateAwaitingDecision:
			r.awaitDecision(ctx)
		case stateExecutingTool:
			r.executeTool(ctx)
		case stateRouting:
			r.route(ctx)
		case stateResponding:
			r.respond(ctx)
		case stateExecutingGroup:
			r.executeGroup(ctx)
		}
	}

	return r.finish(ctx)
}

func (r *run) fail(err error) {
	e, ok := core.AsError(err)
	if !ok {
		e = core.WrapError(core.KindConfiguration, err, "run failed")
	}
	if e.Agent == "" && r.agent != nil {
		e = e.WithAgent(r.agent.Key)
	}

	r.failure = e
	r.state = stateFailed
}

func (r *run) callback(ctx context.Context, t CallbackType, cc *CallbackContext) bool {
	if r.scope.callbacks == nil {
		return true
	}

	cc.RunID = r.id
	cc.Agent = r.agent
	cc.Step = r.step

	if err := r.scope.callbacks.ExecuteCallbacks(ctx, t, cc); err != nil {
		r.fail(err)
		return false
	}

	return true
}

// view builds the read-only picture handed to the decider.
func (r *run) view() RunStateView {
	names := slices.Sorted(maps.Keys(r.scope.systemParams))

	var tools []ToolInfo
	for _, key := range r.agent.EquippedTools {
		if t, err := r.scope.snapshot.LookupTool(key); err == nil {
			tools = append(tools, ToolInfo{Key: t.Key, Description: t.Description, Params: t.AgentParams()})
		}
	}

	var routes []RouteInfo
	for _, key := range r.agent.AllowedRoutes {
		if a, err := r.scope.snapshot.LookupAgent(key); err == nil {
			routes = append(routes, RouteInfo{Key: a.Key, Description: a.Description})
		}
	}

	return RunStateView{
		RunID:            r.id,
		UserMessage:      r.message,
		ActiveAgent:      r.agent.Key,
		Step:             r.budget.Count(),
		MaxSteps:         r.budget.Max(),
		Depth:            r.scope.depth,
		Context:          slices.Clone(r.context),
		Trace:            r.viewTrace(),
		SystemParamNames: names,
		Tools:            tools,
		Routes:           routes,
	}
}

// viewTrace returns the trace as the decider may see it: values of system
// and secret parameters are withheld.
func (r *run) viewTrace() []trace.Entry {
	entries := r.trace.Entries()
	for i := range entries {
		entries[i] = r.withhold(entries[i])
	}
	return entries
}

func (r *run) withhold(e trace.Entry) trace.Entry {
	if len(e.Request) > 0 && e.Tool != "" {
		if tool, err := r.scope.snapshot.LookupTool(e.Tool); err == nil {
			e.Request = maskParams(tool, e.Request, graph.SourceSystem, graph.SourceSecret)
		}
	}
	if len(e.Children) > 0 {
		children := make([]trace.Entry, len(e.Children))
		for i, c := range e.Children {
			children[i] = r.withhold(c)
		}
		e.Children = children
	}
	return e
}

const withheld = "[REDACTED]"

// recordedParams is the copy of resolved params stored in the trace. Secret
// values only ever reach the provider.
func recordedParams(tool *graph.Tool, params map[string]any) map[string]any {
	return maskParams(tool, params, graph.SourceSecret)
}

func maskParams(tool *graph.Tool, params map[string]any, sources ...graph.Source) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := maps.Clone(params)
	for _, p := range tool.Params {
		if _, ok := out[p.Name]; ok && slices.Contains(sources, p.Source) {
			out[p.Name] = withheld
		}
	}
	return out
}

func (r *run) addContext(c ContextEntry) {
	c.Step = r.step
	if c.Agent == "" {
		c.Agent = r.agent.Key
	}
	r.context = append(r.context, c)
}

// awaitDecision asks the decider for the next decision, charges it to the
// budget and validates it.
func (r *run) awaitDecision(ctx context.Context) {
	r.step = r.budget.Count() + 1

	if !r.callback(ctx, CallbackBeforeDecision, &CallbackContext{}) {
		return
	}

	decision, err := r.decide(ctx)
	if err != nil {
		r.fail(err)
		return
	}

	r.decision = decision
	if raw, err := json.Marshal(decision); err == nil {
		r.lastDecision = raw
	}

	if err := r.budget.Increment(); err != nil {
		r.fail(err)
		return
	}

	var kind core.ActionKind
	if decision.Action != nil {
		kind = decision.Action.Kind()
	}
	logging.LogDecision(r.logger, r.agent.Key, r.step, string(kind))

	action, err := r.scope.interpreter.Validate(r.agent, decision)
	if err != nil {
		r.fail(err)
		return
	}
	r.action = action

	switch action.Kind {
	case core.ActionUseTool:
		params, err := param.Resolve(action.Tool, action.Params, r.scope.systemParams)
		if err != nil {
			r.fail(err)
			return
		}
		r.params = params
		r.state = stateExecutingTool
	case core.ActionRouteToAgent:
		r.state = stateRouting
	case core.ActionRespond:
		r.state = stateResponding
	case core.ActionTaskGroup:
		r.state = stateExecutingGroup
	}
}

func (r *run) decide(ctx context.Context) (core.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "agentgraph.decide",
		tracing.String("agent", r.agent.Key),
		tracing.Int("step", r.step),
	)

	decision, err := r.scope.engine.decider.Decide(ctx, r.agent, r.view())
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = core.WrapError(core.KindCancelled, ctx.Err(), "run cancelled while deciding")
		case core.KindOf(err) == core.KindMalformedDecision:
			// already classified by the decision parser
		default:
			err = core.WrapError(core.KindAgentInvocation, err, "agent %q failed to decide", r.agent.Key)
		}
	}

	tracing.End(span, err)

	return decision, err
}

// invoke calls the tool's provider. A panicking provider is reported as an
// upstream failure of the tool.
func (r *run) invoke(ctx context.Context, tool *graph.Tool, params map[string]any) (*provider.Result, *core.Error) {
	ctx, span := tracing.StartSpan(ctx, "agentgraph.tool",
		tracing.String("tool", tool.Key),
		tracing.String("provider", tool.ProviderType),
	)

	start := time.Now()
	res, err := r.callProvider(ctx, tool, params)
	logging.LogToolCall(r.logger, tool.Key, tool.ProviderType, time.Since(start), err)
	tracing.End(span, err)

	if err != nil {
		return nil, provider.Normalize(tool.Key, err)
	}

	return res, nil
}

func (r *run) callProvider(ctx context.Context, tool *graph.Tool, params map[string]any) (res *provider.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("engine.tool.panic", "agent", r.agent.Key, "tool", tool.Key, "recover", rec, "stack", string(debug.Stack()))
			res, err = nil, core.NewError(core.KindUpstream, "tool panicked: %v", rec).WithTool(tool.Key)
		}
	}()

	return r.scope.engine.providers.Invoke(ctx, tool, params)
}

// executeTool performs a single top-level tool call. Recoverable failures
// are handed back to the agent as context; fatal ones end the run.
func (r *run) executeTool(ctx context.Context) {
	tool := r.action.Tool

	cc := &CallbackContext{Decision: &r.decision, Tool: tool, Params: r.params}
	if !r.callback(ctx, CallbackBeforeTool, cc) {
		return
	}

	start := time.Now()
	res, err := r.invoke(ctx, tool, r.params)

	entry := trace.Entry{
		Kind:      trace.KindToolStep,
		Agent:     r.agent.Key,
		Step:      r.step,
		Reasoning: r.decision.Reasoning,
		Decision:  r.lastDecision,
		Tool:      tool.Key,
		Provider:  tool.ProviderType,
		Request:   recordedParams(tool, r.params),
		Attempts:  1,
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
	}
	if res != nil {
		entry.Response = res.Body
		entry.Status = res.Status
		entry.Attempts = res.Attempts
	}
	if err != nil {
		entry.Error = err
		entry.Status = err.Status
	}
	r.trace.Append(ctx, entry)

	cc.ToolResult = res
	cc.ToolError = err
	if !r.callback(ctx, CallbackAfterTool, cc) {
		return
	}

	switch {
	case err == nil:
		r.addContext(ContextEntry{Kind: ContextToolResult, Tool: tool.Key, Content: res.Body})
	case ctx.Err() != nil:
		r.fail(core.WrapError(core.KindCancelled, ctx.Err(), "run cancelled during tool call").WithTool(tool.Key))
		return
	case err.Recoverable():
		r.logger.Info("engine.tool.recoverable", "agent", r.agent.Key, "tool", tool.Key, "kind", string(err.Kind))
		r.addContext(ContextEntry{Kind: ContextToolError, Tool: tool.Key, Error: err})
	default:
		r.fail(err)
		return
	}

	r.state = stateAwaitingDecision
}

// route hands the run to the validated target agent.
func (r *run) route(ctx context.Context) {
	from := r.agent
	to := r.action.Target

	rt := &trace.Route{From: from.Key, To: to.Key, Context: r.action.Context}
	if !r.callback(ctx, CallbackOnRoute, &CallbackContext{Decision: &r.decision, Route: rt}) {
		return
	}

	r.trace.Append(ctx, trace.Entry{
		Kind:      trace.KindAgentStep,
		Agent:     from.Key,
		Step:      r.step,
		Reasoning: r.decision.Reasoning,
		Decision:  r.lastDecision,
		Route:     rt,
	})

	r.logger.Debug("engine.route", "from", from.Key, "to", to.Key, "step", r.step)

	r.addContext(ContextEntry{Kind: ContextHandoff, Agent: to.Key, From: from.Key, Content: r.action.Context})
	r.agent = to
	r.state = stateAwaitingDecision
}

// respond checks the payload against the network response schema. The
// response step is recorded either way.
func (r *run) respond(ctx context.Context) {
	payload := r.action.Payload

	var verr *core.Error
	if err := r.scope.snapshot.ValidateResponse(payload); err != nil {
		verr, _ = core.AsError(err)
		if verr == nil {
			verr = core.WrapError(core.KindSchemaViolation, err, "response does not match the network schema")
		}
		verr = verr.WithAgent(r.agent.Key)
	}

	r.trace.Append(ctx, trace.Entry{
		Kind:      trace.KindResponseStep,
		Agent:     r.agent.Key,
		Step:      r.step,
		Reasoning: r.decision.Reasoning,
		Decision:  r.lastDecision,
		Response:  payload,
		Error:     verr,
	})

	if verr != nil {
		r.fail(verr)
		return
	}

	r.payload = payload
	r.state = stateTerminated
}

func (r *run) finish(ctx context.Context) *Result {
	steps := r.budget.Count()
	if steps > r.budget.Max() {
		steps = r.budget.Max()
	}

	res := &Result{
		RunID:        r.id,
		Status:       StatusTerminated,
		Payload:      r.payload,
		Steps:        steps,
		MaxSteps:     r.budget.Max(),
		FinalAgent:   r.agent.Key,
		LastDecision: r.lastDecision,
		StartedAt:    r.started,
	}
	if r.state == stateFailed {
		res.Status = StatusFailed
		res.Payload = nil
		res.Failure = r.failure
	}

	if r.scope.callbacks != nil {
		cc := &CallbackContext{RunID: r.id, Agent: r.agent, Step: r.step, Decision: &r.decision, Result: res}
		// terminate callbacks also run for cancelled runs
		err := r.scope.callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), CallbackOnTerminate, cc)
		if err != nil {
			if res.Status == StatusTerminated {
				e, _ := core.AsError(err)
				res.Status = StatusFailed
				res.Payload = nil
				res.Failure = e.WithAgent(r.agent.Key)
			} else {
				r.logger.Warn("engine.callback.error", "type", string(CallbackOnTerminate), "error", err.Error())
			}
		}
	}

	res.Trace = r.trace.Entries()
	res.Duration = time.Since(r.started)

	return res
}
