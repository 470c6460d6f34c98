package core

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every failure the engine can produce. The kind decides how
// the orchestration loop reacts: tool kinds are handed back to the reasoning
// agent, every other kind terminates the run.
type Kind string

const (
	// KindConfiguration signals an inconsistent snapshot (dangling reference,
	// unknown provider type, malformed schema).
	KindConfiguration Kind = "configuration"

	// KindRespondNotAllowed is returned when an agent without response
	// capability emits a RESPOND action.
	KindRespondNotAllowed Kind = "respond_not_allowed"
	// KindToolNotEquipped is returned when an agent requests a tool that is not
	// in its equipped set.
	KindToolNotEquipped Kind = "tool_not_equipped"
	// KindRouteNotAllowed is returned when an agent routes to an agent outside
	// its allowed routes.
	KindRouteNotAllowed Kind = "route_not_allowed"
	// KindTaskGroupTooLarge is returned when a task group exceeds the configured
	// maximum task count.
	KindTaskGroupTooLarge Kind = "task_group_too_large"
	// KindMalformedDecision covers decisions that do not match the closed
	// decision shape.
	KindMalformedDecision Kind = "malformed_decision"

	// KindMissingParameter is returned by the resolver when a required
	// parameter has no value in its declared source.
	KindMissingParameter Kind = "missing_parameter"
	// KindInvalidParameter is returned when a resolved value does not match the
	// declared parameter type.
	KindInvalidParameter Kind = "invalid_parameter"

	// KindTransport covers network failures and timeouts.
	KindTransport Kind = "transport"
	// KindUpstream covers non-2xx responses and tool-reported failures.
	KindUpstream Kind = "upstream"
	// KindShape is returned when the unwrap path does not resolve.
	KindShape Kind = "shape"
	// KindTaskGroupAborted is the aggregated failure surfaced to the parent
	// agent after a task group child failed twice.
	KindTaskGroupAborted Kind = "task_group_aborted"

	// KindStepBudgetExceeded terminates a run that used up its max steps.
	KindStepBudgetExceeded Kind = "step_budget_exceeded"
	// KindSchemaViolation is returned when a RESPOND payload does not match the
	// network response schema.
	KindSchemaViolation Kind = "schema_violation"
	// KindAgentInvocation is returned when the decision collaborator fails.
	KindAgentInvocation Kind = "agent_invocation"
	// KindCancelled is returned when the run context is cancelled.
	KindCancelled Kind = "cancelled"
	// KindCallback is returned when a lifecycle callback rejects a step.
	KindCallback Kind = "callback"
)

// Category groups kinds the way callers usually report them.
func (k Kind) Category() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindRespondNotAllowed, KindToolNotEquipped, KindRouteNotAllowed, KindTaskGroupTooLarge, KindMalformedDecision:
		return "permission"
	case KindMissingParameter, KindInvalidParameter:
		return "parameter"
	case KindTransport, KindUpstream, KindShape, KindTaskGroupAborted:
		return "tool"
	case KindStepBudgetExceeded:
		return "budget"
	case KindSchemaViolation:
		return "schema"
	case KindAgentInvocation:
		return "agent_invocation"
	default:
		return string(k)
	}
}

// Recoverable reports whether the failure is surfaced to the reasoning agent
// instead of terminating the run.
func (k Kind) Recoverable() bool {
	return k.Category() == "tool"
}

// Error is the single error type produced by the engine and its providers.
// It is JSON serializable so it can be recorded in trace entries and shown to
// the reasoning agent as context.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Agent     string `json:"agent,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Status    int    `json:"status,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
	Cause     error  `json:"-"`
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	return &Error{Kind: kind, Message: msg}
}

// WrapError creates an Error of the given kind that keeps err as its cause.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	e := NewError(kind, format, args...)
	e.Cause = err

	return e
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))

	if e.Tool != "" {
		fmt.Fprintf(&b, " in tool %s", e.Tool)
	} else if e.Agent != "" {
		fmt.Fprintf(&b, " in agent %s", e.Agent)
	}

	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}

	b.WriteString(": ")
	b.WriteString(e.Message)

	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so sentinels like
// ErrToolNotEquipped work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithAgent sets the agent the error relates to and returns e.
func (e *Error) WithAgent(agent string) *Error {
	e.Agent = agent
	return e
}

// WithTool sets the tool the error relates to and returns e.
func (e *Error) WithTool(tool string) *Error {
	e.Tool = tool
	return e
}

// Recoverable reports whether the loop hands this error back to the agent.
func (e *Error) Recoverable() bool { return e.Kind.Recoverable() }

// Sentinels for errors.Is checks.
var (
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrRespondNotAllowed  = &Error{Kind: KindRespondNotAllowed}
	ErrToolNotEquipped    = &Error{Kind: KindToolNotEquipped}
	ErrRouteNotAllowed    = &Error{Kind: KindRouteNotAllowed}
	ErrTaskGroupTooLarge  = &Error{Kind: KindTaskGroupTooLarge}
	ErrMalformedDecision  = &Error{Kind: KindMalformedDecision}
	ErrMissingParameter   = &Error{Kind: KindMissingParameter}
	ErrInvalidParameter   = &Error{Kind: KindInvalidParameter}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrUpstream           = &Error{Kind: KindUpstream}
	ErrShape              = &Error{Kind: KindShape}
	ErrTaskGroupAborted   = &Error{Kind: KindTaskGroupAborted}
	ErrStepBudgetExceeded = &Error{Kind: KindStepBudgetExceeded}
	ErrSchemaViolation    = &Error{Kind: KindSchemaViolation}
	ErrAgentInvocation    = &Error{Kind: KindAgentInvocation}
	ErrCancelled          = &Error{Kind: KindCancelled}
)

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}

	return nil, false
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}

	return ""
}

// IsRecoverable reports whether err is an *Error of a recoverable kind.
// Errors outside the taxonomy are fatal.
func IsRecoverable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Recoverable()
}

// IsFatal reports whether err ends a run. It is false for nil.
func IsFatal(err error) bool {
	return err != nil && !IsRecoverable(err)
}
