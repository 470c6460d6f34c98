// Package decider provides engine.Decider implementations: an LLM backed
// decider that prompts a language model for a JSON decision, and a scripted
// decider replaying recorded decisions.
//
// Model backends live in subpackages (decider/openai, decider/anthropic) and
// implement the Model interface.
package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/logging"
)

// DefaultMaxRepairs is how often a malformed completion is sent back to the
// model for correction.
const DefaultMaxRepairs = 1

// Options configure the LLM decider.
type Options struct {
	// MaxRepairs bounds correction round trips for malformed completions.
	// Negative values disable repairs.
	MaxRepairs int
	Logger     logging.Logger
}

// LLM asks a Model for the next decision of the active agent.
type LLM struct {
	model  Model
	opts   Options
	logger logging.Logger
}

var _ engine.Decider = (*LLM)(nil)

// New creates an LLM decider on top of model.
func New(model Model, optFns ...func(o *Options)) *LLM {
	opts := Options{
		MaxRepairs: DefaultMaxRepairs,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &LLM{model: model, opts: opts, logger: opts.Logger}
}

// Decide implements engine.Decider. The completion passes through
// core.ParseDecision; a malformed completion is sent back to the model with
// the validation error until MaxRepairs is used up.
func (d *LLM) Decide(ctx context.Context, agent *graph.Agent, view engine.RunStateView) (core.Decision, error) {
	prompt := BuildPrompt(agent, view)
	info := d.model.Info()

	for attempt := 0; ; attempt++ {
		text, err := d.model.Complete(ctx, prompt)
		if err != nil {
			return core.Decision{}, fmt.Errorf("%s completion: %w", info.Provider, err)
		}

		decision, perr := core.ParseDecision([]byte(text))
		if perr == nil {
			d.logger.Debug("decider.decision", "agent", agent.Key, "model", info.Name, "attempts", attempt+1)
			return decision, nil
		}

		if attempt >= d.opts.MaxRepairs {
			return core.Decision{}, perr
		}

		d.logger.Warn("decider.repair", "agent", agent.Key, "model", info.Name, "error", perr.Error())

		prompt.Messages = append(prompt.Messages,
			Message{Role: "assistant", Text: text},
			Message{Role: "user", Text: fmt.Sprintf("Your reply is not a valid decision: %v. Reply again with exactly one JSON object in the required format.", perr)},
		)
	}
}

const formatInstructions = `Reply with exactly one JSON object and nothing else:
{"reasoning": "<why you chose this action>", "action": <action>}

Actions:`

// BuildPrompt renders the agent's instructions, its permitted actions and
// the run context into a prompt. Values of system parameters never appear;
// the model only learns their names.
func BuildPrompt(agent *graph.Agent, view engine.RunStateView) Prompt {
	var sys strings.Builder

	if agent.Prompt != "" {
		sys.WriteString(agent.Prompt)
		sys.WriteString("\n\n")
	}
	fmt.Fprintf(&sys, "You are agent %q. This is step %d of at most %d.\n\n", agent.Key, view.Step+1, view.MaxSteps)

	sys.WriteString(formatInstructions)
	sys.WriteString("\n")

	if agent.AllowRespond {
		sys.WriteString(`- answer the user: {"type": "respond", "payload": <answer>}` + "\n")
	}

	if len(view.Tools) > 0 {
		sys.WriteString(`- call a tool: {"type": "use_tool", "tool_name": "<tool>", "tool_params": {...}}` + "\n")
	}

	if len(view.Routes) > 0 {
		sys.WriteString(`- hand over to another agent: {"type": "route_to_agent", "target_agent_name": "<agent>", "context": "<what they need to know>"}` + "\n")
	}

	if len(view.Tools) > 0 || len(view.Routes) > 0 {
		sys.WriteString(`- run several tasks concurrently: {"type": "task_group", "tasks": [{"type": "use_tool", ...} or {"type": "delegate_agent", "target_agent_name": "<agent>", "message": "<request>"}]}` + "\n")
	}

	if len(view.Tools) > 0 {
		sys.WriteString("\nTools:\n")
		for _, t := range view.Tools {
			fmt.Fprintf(&sys, "- %s", t.Key)
			if t.Description != "" {
				fmt.Fprintf(&sys, ": %s", t.Description)
			}
			sys.WriteString("\n")
			for _, p := range t.Params {
				fmt.Fprintf(&sys, "    %s", p.Name)
				if p.Type != "" {
					fmt.Fprintf(&sys, " (%s)", p.Type)
				}
				if p.Required && !p.HasDefault() {
					sys.WriteString(" required")
				}
				if p.Description != "" {
					fmt.Fprintf(&sys, ": %s", p.Description)
				}
				sys.WriteString("\n")
			}
		}
	}

	if len(view.Routes) > 0 {
		sys.WriteString("\nAgents you can hand over or delegate to:\n")
		for _, r := range view.Routes {
			fmt.Fprintf(&sys, "- %s", r.Key)
			if r.Description != "" {
				fmt.Fprintf(&sys, ": %s", r.Description)
			}
			sys.WriteString("\n")
		}
	}

	if len(view.SystemParamNames) > 0 {
		fmt.Fprintf(&sys, "\nThese values are supplied by the system; never provide them: %s\n", strings.Join(view.SystemParamNames, ", "))
	}

	var user strings.Builder
	user.WriteString(view.UserMessage)

	if len(view.Context) > 0 {
		user.WriteString("\n\nWhat happened so far:\n")
		for _, c := range view.Context {
			user.WriteString("- ")
			user.WriteString(renderContext(c))
			user.WriteString("\n")
		}
	}

	return Prompt{
		System:   strings.TrimSpace(sys.String()),
		Messages: []Message{{Role: "user", Text: user.String()}},
	}
}

func renderContext(c engine.ContextEntry) string {
	switch c.Kind {
	case engine.ContextHandoff:
		return fmt.Sprintf("agent %s handed over to %s: %s", c.From, c.Agent, compact(c.Content))
	case engine.ContextToolResult:
		return fmt.Sprintf("tool %s returned: %s", c.Tool, compact(c.Content))
	case engine.ContextToolError:
		return fmt.Sprintf("tool %s failed (%s): %s", c.Tool, c.Error.Kind, c.Error.Message)
	case engine.ContextGroupResult:
		return fmt.Sprintf("task group results: %s", compact(c.Content))
	case engine.ContextGroupError:
		return fmt.Sprintf("task group aborted (%s): %s", c.Error.Message, compact(c.Content))
	default:
		return compact(c.Content)
	}
}

func compact(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
