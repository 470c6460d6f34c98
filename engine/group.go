package engine

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/interpreter"
	"github.com/hupe1980/agentgraph/param"
	"github.com/hupe1980/agentgraph/trace"
	"github.com/hupe1980/agentgraph/tracing"
)

// maxChildAttempts is the number of times a child with a fatal failure is
// run before the group is aborted.
const maxChildAttempts = 2

// childOutcome is the result of one task group child across its attempts.
type childOutcome struct {
	entry    trace.Entry
	result   any
	err      *core.Error
	fatal    bool
	attempts int
}

// executeGroup runs the validated tasks concurrently and reports their
// results to the agent in task order. The whole group is one step of the
// parent run.
func (r *run) executeGroup(ctx context.Context) {
	tasks := r.action.Tasks
	start := time.Now()

	gctx, span := tracing.StartSpan(ctx, "agentgraph.group",
		tracing.String("agent", r.agent.Key),
		tracing.Int("tasks", len(tasks)),
	)

	outcomes, aborted := r.runGroup(gctx, tasks)
	if aborted != nil {
		tracing.End(span, aborted)
	} else {
		tracing.End(span, nil)
	}

	children := make([]trace.Entry, len(outcomes))
	total := 0
	for i, o := range outcomes {
		children[i] = o.entry
		total += o.attempts
	}

	entry := trace.Entry{
		Kind:      trace.KindGroupStep,
		Agent:     r.agent.Key,
		Step:      r.step,
		Reasoning: r.decision.Reasoning,
		Decision:  r.lastDecision,
		Attempts:  total,
		Children:  children,
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
	}
	if aborted != nil {
		entry.Error = aborted
	}
	r.trace.Append(ctx, entry)

	r.logger.Info("engine.group.completed",
		"agent", r.agent.Key,
		"tasks", len(tasks),
		"attempts", total,
		"aborted", aborted != nil,
		"duration_ms", entry.Duration.Milliseconds(),
	)

	if err := ctx.Err(); err != nil {
		r.fail(core.WrapError(core.KindCancelled, err, "run cancelled during task group"))
		return
	}

	if aborted != nil {
		r.addContext(ContextEntry{Kind: ContextGroupError, Content: groupContent(tasks, outcomes), Error: aborted})
	} else {
		r.addContext(ContextEntry{Kind: ContextGroupResult, Content: groupContent(tasks, outcomes)})
	}

	r.state = stateAwaitingDecision
}

// runGroup dispatches the children with bounded fan-out. Outcomes are
// indexed by task position, independent of completion order. A child that
// fails fatally on its last attempt cancels the remaining children.
func (r *run) runGroup(ctx context.Context, tasks []interpreter.ValidatedTask) ([]childOutcome, *core.Error) {
	outcomes := make([]childOutcome, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.scope.engine.config.MaxFanOut)

	for i, task := range tasks {
		g.Go(func() error {
			outcomes[i] = r.runChild(gctx, task)
			if outcomes[i].fatal {
				return outcomes[i].err
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil || ctx.Err() != nil {
		return outcomes, nil
	}

	var failed []map[string]any
	for i, o := range outcomes {
		if o.fatal {
			failed = append(failed, map[string]any{
				"index": i,
				"task":  tasks[i].Label(),
				"kind":  string(o.err.Kind),
				"error": o.err.Message,
			})
		}
	}

	aborted := core.WrapError(core.KindTaskGroupAborted, err, "task group aborted after %d failed attempts", maxChildAttempts).WithAgent(r.agent.Key)
	aborted.Details = failed

	return outcomes, aborted
}

// runChild runs task, retrying once after a fatal failure.
func (r *run) runChild(ctx context.Context, task interpreter.ValidatedTask) childOutcome {
	var (
		out      childOutcome
		attempts int
	)

	for attempts < maxChildAttempts {
		if err := ctx.Err(); err != nil {
			if attempts == 0 {
				out = r.cancelledChild(task, err)
			}
			break
		}

		attempts++
		out = r.attemptChild(ctx, task)
		if !out.fatal {
			break
		}

		if attempts < maxChildAttempts {
			r.logger.Warn("engine.group.child.retry",
				"agent", r.agent.Key,
				"task", task.Label(),
				"index", task.Index,
				"error", out.err.Error(),
			)
		}
	}

	out.attempts = attempts
	out.entry.Attempts = attempts
	out.entry.TaskIndex = task.Index

	return out
}

func (r *run) cancelledChild(task interpreter.ValidatedTask, cause error) childOutcome {
	err := core.WrapError(core.KindCancelled, cause, "task not started").WithAgent(r.agent.Key)

	entry := trace.Entry{Kind: trace.KindToolStep, Agent: r.agent.Key, Step: r.step, Error: err, StartedAt: time.Now().UTC()}
	if task.Kind == core.TaskDelegateAgent {
		entry.Kind = trace.KindAgentStep
		entry.Route = &trace.Route{From: r.agent.Key, To: task.Target.Key, Context: task.Message}
	} else {
		entry.Tool = task.Tool.Key
		entry.Provider = task.Tool.ProviderType
	}

	return childOutcome{entry: entry, err: err}
}

// attemptChild runs one attempt of task. Panics outside the provider call
// are recovered and treated as fatal failures.
func (r *run) attemptChild(ctx context.Context, task interpreter.ValidatedTask) (out childOutcome) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("engine.group.child.panic", "agent", r.agent.Key, "task", task.Label(), "recover", rec, "stack", string(debug.Stack()))
			out.err = core.NewError(core.KindUpstream, "task %s panicked: %v", task.Label(), rec).WithAgent(r.agent.Key)
			out.fatal = true
			out.result = nil
			out.entry.Error = out.err
		}
		out.entry.Step = r.step
		out.entry.StartedAt = start.UTC()
		out.entry.Duration = time.Since(start)
	}()

	if task.Kind == core.TaskDelegateAgent {
		return r.delegateChild(ctx, task)
	}

	return r.toolChild(ctx, task)
}

func (r *run) toolChild(ctx context.Context, task interpreter.ValidatedTask) childOutcome {
	out := childOutcome{entry: trace.Entry{
		Kind:     trace.KindToolStep,
		Agent:    r.agent.Key,
		Tool:     task.Tool.Key,
		Provider: task.Tool.ProviderType,
	}}

	params, err := param.Resolve(task.Tool, task.Params, r.scope.systemParams)
	if err != nil {
		out.err, _ = core.AsError(err)
		out.err = out.err.WithAgent(r.agent.Key)
		out.entry.Error = out.err
		out.fatal = true
		return out
	}
	out.entry.Request = recordedParams(task.Tool, params)

	res, terr := r.invoke(ctx, task.Tool, params)
	if terr != nil {
		out.err = terr
		out.entry.Error = terr
		out.entry.Status = terr.Status
		out.fatal = !terr.Recoverable()
		return out
	}

	out.result = res.Body
	out.entry.Response = res.Body
	out.entry.Status = res.Status

	return out
}

func (r *run) delegateChild(ctx context.Context, task interpreter.ValidatedTask) childOutcome {
	out := childOutcome{entry: trace.Entry{
		Kind:  trace.KindAgentStep,
		Agent: task.Target.Key,
		Route: &trace.Route{From: r.agent.Key, To: task.Target.Key, Context: task.Message},
	}}

	sub, err := r.delegate(ctx, task.Target, task.Message)
	if err != nil {
		out.err, _ = core.AsError(err)
		out.entry.Error = out.err
		out.fatal = true
		return out
	}

	out.entry.Response = sub.summary()
	if !sub.OK() {
		out.err = core.WrapError(sub.Failure.Kind, sub.Failure, "delegated run %s failed", sub.RunID).WithAgent(task.Target.Key)
		out.entry.Error = out.err
		out.fatal = true
		return out
	}

	out.result = sub.Payload

	return out
}

// groupContent renders the child outcomes for the agent, in task order.
func groupContent(tasks []interpreter.ValidatedTask, outcomes []childOutcome) []map[string]any {
	out := make([]map[string]any, len(outcomes))
	for i, o := range outcomes {
		item := map[string]any{
			"index":    i,
			"task":     tasks[i].Label(),
			"attempts": o.attempts,
		}
		if o.err != nil {
			item["error"] = o.err
		} else {
			item["result"] = o.result
		}
		out[i] = item
	}
	return out
}
