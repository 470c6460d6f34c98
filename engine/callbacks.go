package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/provider"
	"github.com/hupe1980/agentgraph/trace"
)

// CallbackType defines the specific lifecycle points where callbacks can be executed.
//
// Callbacks provide a flexible mechanism for hooking into the loop without
// modifying core logic. They are executed synchronously; a callback error is
// fatal for the run and reported as core.KindCallback.
//
// Available callback types:
//   - BeforeDecision: before the decider is asked for the next decision
//   - BeforeTool/AfterTool: around a single top-level tool call
//   - OnRoute: before the active agent changes
//   - OnTerminate: once the run reached a terminal state
type CallbackType string

const (
	// CallbackBeforeDecision is triggered before the decider runs.
	CallbackBeforeDecision CallbackType = "before_decision"

	// CallbackBeforeTool is triggered with the resolved parameters before a
	// tool is invoked. Use for security checks or auditing.
	CallbackBeforeTool CallbackType = "before_tool"

	// CallbackAfterTool is triggered after a tool returned, successful or not.
	CallbackAfterTool CallbackType = "after_tool"

	// CallbackOnRoute is triggered before a hand-off to another agent.
	CallbackOnRoute CallbackType = "on_route"

	// CallbackOnTerminate is triggered when the run reaches Terminated or
	// Failed. An error turns a terminated run into a failed one.
	CallbackOnTerminate CallbackType = "on_terminate"
)

// CallbackContext provides context information for callback execution.
// Only the fields relevant to the callback type are set.
type CallbackContext struct {
	CallbackType CallbackType
	RunID        string
	Agent        *graph.Agent
	Step         int

	// Decision is set for tool, route and terminate callbacks.
	Decision *core.Decision

	// Tool and Params are set for tool callbacks; Params are the resolved
	// values about to be forwarded.
	Tool   *graph.Tool
	Params map[string]any

	// ToolResult and ToolError are set for AfterTool.
	ToolResult *provider.Result
	ToolError  *core.Error

	// Route is set for OnRoute.
	Route *trace.Route

	// Result is set for OnTerminate.
	Result *Result

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for execution lifecycle hooks.
//
// Implementations should be fast, since they run synchronously inside the
// loop, and safe for concurrent use, since runs execute in parallel.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	// Returning an error fails the run.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(
//	    CallbackBeforeTool,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("agent %s calls %s", cc.Agent.Key, cc.Tool.Key)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager orchestrates callback execution throughout the run lifecycle.
//
// Callbacks are executed in registration order, and any callback returning
// an error stops execution of the remaining callbacks of that type.
//
// Thread Safety:
// Register all callbacks before the first run; once registration is
// complete, callback execution is safe for concurrent use.
type CallbackManager struct {
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates a new callback manager instance.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback to the manager for its type.
//
// Example:
//
//	manager := NewCallbackManager()
//	manager.RegisterCallback(NewLoggingCallback(CallbackOnRoute, logger))
//	manager.RegisterCallback(NewToolGuardCallback(guard))
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all registered callbacks for the specified type.
// The first error is returned as a core.KindCallback error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}

	callbacks, exists := cm.callbacks[callbackType]
	if !exists {
		return nil // No callbacks registered for this type
	}

	callbackCtx.CallbackType = callbackType

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			if e, ok := core.AsError(err); ok && e.Kind == core.KindCallback {
				return e
			}
			return core.WrapError(core.KindCallback, err, "%s callback failed", callbackType)
		}
	}

	return nil
}

// LoggingCallback writes one structured log entry per lifecycle event.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle event with context information.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	args := []any{"run_id", cc.RunID, "step", cc.Step}
	if cc.Agent != nil {
		args = append(args, "agent", cc.Agent.Key)
	}
	if cc.Tool != nil {
		args = append(args, "tool", cc.Tool.Key)
	}
	if cc.Route != nil {
		args = append(args, "to", cc.Route.To)
	}
	if cc.Result != nil {
		args = append(args, "status", string(cc.Result.Status))
	}

	c.logger.Info(fmt.Sprintf("engine.callback.%s", c.callbackType), args...)

	return nil
}

// ToolGuardCallback validates resolved tool parameters before every
// top-level tool call. The guard receives exactly the values that would be
// forwarded to the provider and can veto the call, failing the run.
//
// Example:
//
//	guard := func(tool *graph.Tool, params map[string]any) error {
//	    if tool.Key == "refund" && params["amount"].(float64) > 500 {
//	        return errors.New("refund above limit")
//	    }
//	    return nil
//	}
//	callback := NewToolGuardCallback(guard)
type ToolGuardCallback struct {
	guard func(tool *graph.Tool, params map[string]any) error
}

// NewToolGuardCallback creates a new tool guard callback.
func NewToolGuardCallback(guard func(tool *graph.Tool, params map[string]any) error) *ToolGuardCallback {
	return &ToolGuardCallback{
		guard: guard,
	}
}

// Type returns the callback type (always CallbackBeforeTool).
func (c *ToolGuardCallback) Type() CallbackType {
	return CallbackBeforeTool
}

// Execute runs the guard.
func (c *ToolGuardCallback) Execute(_ context.Context, cc *CallbackContext) error {
	if c.guard != nil && cc.Tool != nil {
		return c.guard(cc.Tool, cc.Params)
	}
	return nil
}
