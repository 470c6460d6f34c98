package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/trace"
)

// Request describes one run.
type Request struct {
	// Snapshot is the immutable network the run executes against.
	Snapshot *graph.Snapshot

	UserMessage string

	// SystemParams are trusted values merged over Config.SystemDefaults.
	// They are never shown to the decider.
	SystemParams map[string]any

	// RequestedAgent selects the entry agent; empty means the default agent.
	RequestedAgent string

	// MaxSteps overrides Config.MaxSteps when positive.
	MaxSteps int

	// RunID is generated when empty.
	RunID string
}

// Status is the terminal state of a run.
type Status string

const (
	// StatusTerminated means an agent responded and the payload passed the
	// response schema.
	StatusTerminated Status = "terminated"
	// StatusFailed means the run stopped on a fatal error.
	StatusFailed Status = "failed"
)

// Result is the final run state returned to the caller. Failures are
// reported here, never as a Go error from Run.
type Result struct {
	RunID   string      `json:"run_id"`
	Status  Status      `json:"status"`
	Payload any         `json:"payload,omitempty"`
	Failure *core.Error `json:"failure,omitempty"`
	// Steps is the number of agent invocations charged to the budget.
	Steps      int    `json:"steps"`
	MaxSteps   int    `json:"max_steps"`
	FinalAgent string `json:"final_agent"`
	// LastDecision is the last decision the run obtained, if any.
	LastDecision json.RawMessage `json:"last_decision,omitempty"`
	Trace        []trace.Entry   `json:"trace"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
}

// OK reports whether the run terminated with a response.
func (r *Result) OK() bool { return r.Status == StatusTerminated }

// Err returns the failure as an error, or nil for terminated runs.
func (r *Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// ContextKind classifies what the loop added to the agents' context.
type ContextKind string

const (
	ContextToolResult  ContextKind = "tool_result"
	ContextToolError   ContextKind = "tool_error"
	ContextHandoff     ContextKind = "handoff"
	ContextGroupResult ContextKind = "group_result"
	ContextGroupError  ContextKind = "group_error"
)

// ContextEntry is one item of the context handed to the decider.
type ContextEntry struct {
	Kind ContextKind `json:"kind"`
	// Agent is the agent that was active when the entry was added.
	Agent string `json:"agent"`
	Step  int    `json:"step"`
	// Tool is set for tool results and errors.
	Tool string `json:"tool,omitempty"`
	// From is set for hand-offs.
	From    string      `json:"from,omitempty"`
	Content any         `json:"content,omitempty"`
	Error   *core.Error `json:"error,omitempty"`
}

// ToolInfo describes an equipped tool to the decider. Only parameters the
// agent supplies are listed.
type ToolInfo struct {
	Key         string
	Description string
	Params      []graph.ParamSpec
}

// RouteInfo describes an agent the active agent may route or delegate to.
type RouteInfo struct {
	Key         string
	Description string
}

// RunStateView is the read-only picture of a run given to the decider.
// System parameter values are withheld; only their names are visible. Trace
// requests show system and secret parameters as "[REDACTED]".
type RunStateView struct {
	RunID            string
	UserMessage      string
	ActiveAgent      string
	Step             int
	MaxSteps         int
	Depth            int
	Context          []ContextEntry
	Trace            []trace.Entry
	SystemParamNames []string
	Tools            []ToolInfo
	Routes           []RouteInfo
}

// Remaining returns the number of steps left in the budget.
func (v RunStateView) Remaining() int {
	if n := v.MaxSteps - v.Step; n > 0 {
		return n
	}
	return 0
}

// Decider is the agent invocation collaborator: it produces the next
// decision of the active agent. Errors are reported as agent invocation
// failures and end the run.
type Decider interface {
	Decide(ctx context.Context, agent *graph.Agent, view RunStateView) (core.Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, agent *graph.Agent, view RunStateView) (core.Decision, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, agent *graph.Agent, view RunStateView) (core.Decision, error) {
	return f(ctx, agent, view)
}
