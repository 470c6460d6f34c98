// Package engine implements the orchestration loop of agentgraph.
//
// A run starts at an entry agent of an immutable graph.Snapshot and repeats
// one cycle until an agent responds or the run fails: ask the Decider for a
// decision, charge it to the step budget, validate it against the agent's
// permissions and execute it.
//
// # State Machine
//
//	            ┌──────────────────────────────────────────┐
//	            ▼                                          │
//	  AwaitingDecision ──► ExecutingTool ──────────────────┤
//	        │   │     └──► Routing ────────────────────────┤
//	        │   │     └──► ExecutingGroup ─────────────────┘
//	        │   └────────► Responding ──► Terminated
//	        └────────────────────────────► Failed
//
// Every state can move to Failed: validation errors, parameter errors, fatal
// tool errors, an exhausted budget, a schema violation, a failing callback
// or a cancelled context.
//
// # Failure Handling
//
// Tool failures of the transport, upstream and shape kinds are recoverable:
// they are recorded in the trace and appended to the context so the agent
// can react on its next step. All other failures end the run. Run reports
// them in Result.Failure; it returns a Go error only for requests that
// cannot start.
//
// # Task Groups
//
// A TASK_GROUP decision fans out to tool calls and delegated sub-runs,
// bounded by Config.MaxFanOut. A child failing fatally is retried once; a
// second fatal failure cancels the remaining children and hands an aggregated
// task_group_aborted failure back to the agent. Results are reported in task
// order regardless of completion order, and the group costs one step.
//
// Delegated sub-runs get a fresh run id, trace and step budget. They share
// the snapshot, system parameters and trace sink of the parent, and do not
// execute callbacks.
//
// # Usage
//
//	eng := engine.New(decider, func(o *engine.Options) {
//	    o.Providers = providers
//	    o.Sink = store
//	})
//
//	res, err := eng.Run(ctx, engine.Request{
//	    Snapshot:     snap,
//	    UserMessage:  "where is order 42?",
//	    SystemParams: map[string]any{"customer_id": "c-1"},
//	})
package engine
