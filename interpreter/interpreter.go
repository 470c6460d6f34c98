// Package interpreter validates decisions against an agent's static
// permissions.
//
// Validation is a pure predicate: it never mutates run state and has no side
// effects. Checks run in a fixed order so the same decision always fails with
// the same error kind:
//
//  1. malformed shape (nil action, empty reasoning, empty group)
//  2. RESPOND requires the agent's response capability
//  3. USE_TOOL requires the tool to be equipped
//  4. ROUTE_TO_AGENT requires an allowed route that resolves
//  5. TASK_GROUP enforces the size limit, then validates every child
//     (use_tool by rule 3, delegate_agent by rule 4)
package interpreter

import (
	"strings"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
)

// DefaultMaxTaskGroupSize caps the number of tasks in one group.
const DefaultMaxTaskGroupSize = 5

// ValidatedAction is a decision whose references have been checked and
// resolved against the snapshot.
type ValidatedAction struct {
	Kind     core.ActionKind
	Decision core.Decision

	// Payload is set for RESPOND.
	Payload any

	// Tool and Params are set for USE_TOOL. Params are the raw agent-supplied
	// values; the parameter resolver decides what is forwarded.
	Tool   *graph.Tool
	Params map[string]any

	// Target and Context are set for ROUTE_TO_AGENT.
	Target  *graph.Agent
	Context string

	// Tasks is set for TASK_GROUP, in decision order.
	Tasks []ValidatedTask
}

// ValidatedTask is one checked child of a task group.
type ValidatedTask struct {
	Index int
	Kind  core.TaskKind

	Tool   *graph.Tool
	Params map[string]any

	Target  *graph.Agent
	Message string
}

// Label names the task for logs and traces.
func (t ValidatedTask) Label() string {
	if t.Kind == core.TaskDelegateAgent {
		return "delegate:" + t.Target.Key
	}
	return t.Tool.Key
}

// Options configure an Interpreter.
type Options struct {
	MaxTaskGroupSize int
}

// Interpreter validates decisions against one snapshot.
type Interpreter struct {
	graph            *graph.Snapshot
	maxTaskGroupSize int
}

// New creates an interpreter for snapshot.
func New(snapshot *graph.Snapshot, optFns ...func(o *Options)) *Interpreter {
	opts := Options{MaxTaskGroupSize: DefaultMaxTaskGroupSize}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxTaskGroupSize <= 0 {
		opts.MaxTaskGroupSize = DefaultMaxTaskGroupSize
	}

	return &Interpreter{graph: snapshot, maxTaskGroupSize: opts.MaxTaskGroupSize}
}

// MaxTaskGroupSize returns the configured task group limit.
func (in *Interpreter) MaxTaskGroupSize() int { return in.maxTaskGroupSize }

// Validate checks decision against agent's permissions.
func (in *Interpreter) Validate(agent *graph.Agent, decision core.Decision) (ValidatedAction, error) {
	if decision.Action == nil {
		return ValidatedAction{}, malformed(agent, "decision has no action")
	}

	if strings.TrimSpace(decision.Reasoning) == "" {
		return ValidatedAction{}, malformed(agent, "decision has no reasoning")
	}

	va := ValidatedAction{Kind: decision.Action.Kind(), Decision: decision}

	switch a := decision.Action.(type) {
	case core.Respond:
		if !agent.AllowRespond {
			return ValidatedAction{}, core.NewError(core.KindRespondNotAllowed, "agent may not respond").WithAgent(agent.Key)
		}
		va.Payload = a.Payload

	case core.UseTool:
		tool, err := in.checkTool(agent, a.Tool)
		if err != nil {
			return ValidatedAction{}, err
		}
		va.Tool = tool
		va.Params = a.Params

	case core.RouteToAgent:
		target, err := in.checkRoute(agent, a.Target)
		if err != nil {
			return ValidatedAction{}, err
		}
		va.Target = target
		va.Context = a.Context

	case core.TaskGroup:
		tasks, err := in.checkGroup(agent, a)
		if err != nil {
			return ValidatedAction{}, err
		}
		va.Tasks = tasks

	default:
		return ValidatedAction{}, malformed(agent, "unknown action %T", decision.Action)
	}

	return va, nil
}

func (in *Interpreter) checkTool(agent *graph.Agent, key string) (*graph.Tool, error) {
	if !agent.HasTool(key) {
		return nil, core.NewError(core.KindToolNotEquipped, "tool %q is not equipped", key).WithAgent(agent.Key)
	}

	tool, err := in.graph.LookupTool(key)
	if err != nil {
		if e, ok := core.AsError(err); ok {
			return nil, e.WithAgent(agent.Key)
		}
		return nil, err
	}

	return tool, nil
}

func (in *Interpreter) checkRoute(agent *graph.Agent, key string) (*graph.Agent, error) {
	if !agent.CanRoute(key) {
		return nil, core.NewError(core.KindRouteNotAllowed, "route to %q is not allowed", key).WithAgent(agent.Key)
	}

	target, err := in.graph.LookupAgent(key)
	if err != nil {
		return nil, core.WrapError(core.KindRouteNotAllowed, err, "route target %q does not resolve", key).WithAgent(agent.Key)
	}

	return target, nil
}

func (in *Interpreter) checkGroup(agent *graph.Agent, group core.TaskGroup) ([]ValidatedTask, error) {
	if len(group.Tasks) == 0 {
		return nil, malformed(agent, "task group has no tasks")
	}

	if len(group.Tasks) > in.maxTaskGroupSize {
		return nil, core.NewError(core.KindTaskGroupTooLarge, "task group has %d tasks, limit is %d",
			len(group.Tasks), in.maxTaskGroupSize).WithAgent(agent.Key)
	}

	tasks := make([]ValidatedTask, 0, len(group.Tasks))

	for i, task := range group.Tasks {
		switch t := task.(type) {
		case core.UseToolTask:
			tool, err := in.checkTool(agent, t.Tool)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, ValidatedTask{Index: i, Kind: core.TaskUseTool, Tool: tool, Params: t.Params})

		case core.DelegateAgentTask:
			target, err := in.checkRoute(agent, t.Target)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, ValidatedTask{Index: i, Kind: core.TaskDelegateAgent, Target: target, Message: t.Message})

		default:
			return nil, malformed(agent, "task %d has unknown kind %T", i, task)
		}
	}

	return tasks, nil
}

func malformed(agent *graph.Agent, format string, args ...any) error {
	return core.NewError(core.KindMalformedDecision, format, args...).WithAgent(agent.Key)
}
