package core

import (
	"encoding/json"
	"fmt"
)

// ActionKind names the variant carried by a Decision.
type ActionKind string

const (
	ActionRespond      ActionKind = "respond"
	ActionUseTool      ActionKind = "use_tool"
	ActionRouteToAgent ActionKind = "route_to_agent"
	ActionTaskGroup    ActionKind = "task_group"
)

// TaskKind names the variant of a task inside a task group.
type TaskKind string

const (
	TaskUseTool       TaskKind = "use_tool"
	TaskDelegateAgent TaskKind = "delegate_agent"
)

// Decision is the single structured output an agent produces per loop
// iteration: free-text reasoning plus exactly one action. A Decision is
// consumed once by the loop and copied into the trace.
type Decision struct {
	Reasoning string
	Action    Action
}

// Action is the closed set of decision variants: Respond, UseTool,
// RouteToAgent and TaskGroup.
type Action interface {
	Kind() ActionKind
	isAction()
}

// Respond ends the run with a payload.
type Respond struct {
	Payload any
}

// UseTool requests a single tool call.
type UseTool struct {
	Tool   string
	Params map[string]any
}

// RouteToAgent hands the run to another agent.
type RouteToAgent struct {
	Target  string
	Context string
}

// TaskGroup fans out to several tasks concurrently.
type TaskGroup struct {
	Tasks []Task
}

func (Respond) Kind() ActionKind      { return ActionRespond }
func (UseTool) Kind() ActionKind      { return ActionUseTool }
func (RouteToAgent) Kind() ActionKind { return ActionRouteToAgent }
func (TaskGroup) Kind() ActionKind    { return ActionTaskGroup }

func (Respond) isAction()      {}
func (UseTool) isAction()      {}
func (RouteToAgent) isAction() {}
func (TaskGroup) isAction()    {}

// Task is one child of a TaskGroup: UseToolTask or DelegateAgentTask.
type Task interface {
	TaskKind() TaskKind
	isTask()
}

// UseToolTask calls a tool as part of a group.
type UseToolTask struct {
	Tool   string
	Params map[string]any
}

// DelegateAgentTask starts an independent sub-run at Target.
type DelegateAgentTask struct {
	Target  string
	Message string
}

func (UseToolTask) TaskKind() TaskKind       { return TaskUseTool }
func (DelegateAgentTask) TaskKind() TaskKind { return TaskDelegateAgent }

func (UseToolTask) isTask()       {}
func (DelegateAgentTask) isTask() {}

// wireDecision is the JSON shape exchanged with the decision collaborator.
type wireDecision struct {
	Reasoning string     `json:"reasoning"`
	Action    wireAction `json:"action"`
}

type wireAction struct {
	Type            string         `json:"type"`
	Payload         any            `json:"payload,omitempty"`
	ToolName        string         `json:"tool_name,omitempty"`
	ToolParams      map[string]any `json:"tool_params,omitempty"`
	TargetAgentName string         `json:"target_agent_name,omitempty"`
	Context         string         `json:"context,omitempty"`
	Message         string         `json:"message,omitempty"`
	Tasks           []wireAction   `json:"tasks,omitempty"`
}

// MarshalJSON encodes the decision in its wire shape.
func (d Decision) MarshalJSON() ([]byte, error) {
	if d.Action == nil {
		return nil, NewError(KindMalformedDecision, "decision has no action")
	}

	w := wireDecision{Reasoning: d.Reasoning}

	switch a := d.Action.(type) {
	case Respond:
		w.Action = wireAction{Type: string(ActionRespond), Payload: a.Payload}
	case UseTool:
		w.Action = wireAction{Type: string(ActionUseTool), ToolName: a.Tool, ToolParams: a.Params}
	case RouteToAgent:
		w.Action = wireAction{Type: string(ActionRouteToAgent), TargetAgentName: a.Target, Context: a.Context}
	case TaskGroup:
		w.Action = wireAction{Type: string(ActionTaskGroup), Tasks: make([]wireAction, 0, len(a.Tasks))}
		for _, t := range a.Tasks {
			switch tt := t.(type) {
			case UseToolTask:
				w.Action.Tasks = append(w.Action.Tasks, wireAction{Type: string(TaskUseTool), ToolName: tt.Tool, ToolParams: tt.Params})
			case DelegateAgentTask:
				w.Action.Tasks = append(w.Action.Tasks, wireAction{Type: string(TaskDelegateAgent), TargetAgentName: tt.Target, Message: tt.Message})
			default:
				return nil, NewError(KindMalformedDecision, "unknown task type %T", t)
			}
		}
	default:
		return nil, NewError(KindMalformedDecision, "unknown action type %T", d.Action)
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates a decision; see ParseDecision.
func (d *Decision) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDecision(data)
	if err != nil {
		return err
	}

	*d = parsed

	return nil
}

func (w wireDecision) toDecision() (Decision, error) {
	d := Decision{Reasoning: w.Reasoning}

	switch ActionKind(w.Action.Type) {
	case ActionRespond:
		d.Action = Respond{Payload: w.Action.Payload}
	case ActionUseTool:
		d.Action = UseTool{Tool: w.Action.ToolName, Params: w.Action.ToolParams}
	case ActionRouteToAgent:
		d.Action = RouteToAgent{Target: w.Action.TargetAgentName, Context: w.Action.Context}
	case ActionTaskGroup:
		tasks := make([]Task, 0, len(w.Action.Tasks))
		for i, t := range w.Action.Tasks {
			switch TaskKind(t.Type) {
			case TaskUseTool:
				tasks = append(tasks, UseToolTask{Tool: t.ToolName, Params: t.ToolParams})
			case TaskDelegateAgent:
				tasks = append(tasks, DelegateAgentTask{Target: t.TargetAgentName, Message: t.Message})
			default:
				return Decision{}, NewError(KindMalformedDecision, "task %d: unknown type %q", i, t.Type)
			}
		}
		d.Action = TaskGroup{Tasks: tasks}
	default:
		return Decision{}, NewError(KindMalformedDecision, "unknown action type %q", w.Action.Type)
	}

	return d, nil
}

// String renders a short human readable summary, e.g. "use_tool(weather)".
func (d Decision) String() string {
	switch a := d.Action.(type) {
	case Respond:
		return string(ActionRespond)
	case UseTool:
		return fmt.Sprintf("%s(%s)", ActionUseTool, a.Tool)
	case RouteToAgent:
		return fmt.Sprintf("%s(%s)", ActionRouteToAgent, a.Target)
	case TaskGroup:
		return fmt.Sprintf("%s(%d)", ActionTaskGroup, len(a.Tasks))
	default:
		return "invalid"
	}
}
