package testutil

import "github.com/hupe1980/agentgraph/core"

// Respond builds a RESPOND decision.
func Respond(payload any) core.Decision {
	return core.Decision{Reasoning: "respond", Action: core.Respond{Payload: payload}}
}

// UseTool builds a USE_TOOL decision.
func UseTool(tool string, params map[string]any) core.Decision {
	return core.Decision{Reasoning: "use " + tool, Action: core.UseTool{Tool: tool, Params: params}}
}

// Route builds a ROUTE_TO_AGENT decision.
func Route(target, context string) core.Decision {
	return core.Decision{Reasoning: "route to " + target, Action: core.RouteToAgent{Target: target, Context: context}}
}

// Group builds a TASK_GROUP decision.
func Group(tasks ...core.Task) core.Decision {
	return core.Decision{Reasoning: "fan out", Action: core.TaskGroup{Tasks: tasks}}
}

// ToolTask builds a use_tool child task.
func ToolTask(tool string, params map[string]any) core.Task {
	return core.UseToolTask{Tool: tool, Params: params}
}

// DelegateTask builds a delegate_agent child task.
func DelegateTask(target, message string) core.Task {
	return core.DelegateAgentTask{Target: target, Message: message}
}
