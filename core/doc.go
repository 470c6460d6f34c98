// Package core provides the foundational domain types shared by every layer of
// agentgraph:
//
//   - Decision, the closed sum type an agent emits once per loop iteration
//     (Respond, UseTool, RouteToAgent, TaskGroup) and ParseDecision, the trust
//     boundary that validates raw agent output against the decision schema
//   - Error and Kind, the single error taxonomy used by the resolver, the
//     interpreter, tool providers and the orchestration loop
//   - StepBudget, the per-run step limiter
//   - identifier helpers for runs and trace entries
//
// The package has no knowledge of snapshots or providers; it only defines the
// vocabulary the other packages speak.
package core
