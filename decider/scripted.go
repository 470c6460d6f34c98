package decider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/graph"
)

// Scripted replays a fixed list of decisions. Decisions bound to an agent
// are consumed by that agent only; unbound decisions are shared, in order,
// by every agent. Concurrent sub-runs consume the shared queue in
// completion order, so bind decisions to agents when scripting task groups.
type Scripted struct {
	mu      sync.Mutex
	shared  []core.Decision
	byAgent map[string][]core.Decision
}

var _ engine.Decider = (*Scripted)(nil)

// NewScripted creates a decider replaying decisions for any agent.
func NewScripted(decisions ...core.Decision) *Scripted {
	return &Scripted{shared: decisions, byAgent: make(map[string][]core.Decision)}
}

// For appends decisions bound to agent (chainable).
func (s *Scripted) For(agent string, decisions ...core.Decision) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byAgent[agent] = append(s.byAgent[agent], decisions...)

	return s
}

// LoadScript reads one decision JSON object per line. An optional top-level
// "agent" field binds the decision to that agent. Blank lines and lines
// starting with '#' are skipped.
//
//	{"agent": "triage", "reasoning": "billing question", "action": {"type": "route_to_agent", "target_agent_name": "billing"}}
//	{"reasoning": "done", "action": {"type": "respond", "payload": "ok"}}
func LoadScript(r io.Reader) (*Scripted, error) {
	s := NewScripted()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		d, err := core.ParseDecision(raw)
		if err != nil {
			return nil, fmt.Errorf("script line %d: %w", line, err)
		}

		if agent := gjson.GetBytes(raw, "agent").String(); agent != "" {
			s.byAgent[agent] = append(s.byAgent[agent], d)
		} else {
			s.shared = append(s.shared, d)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	return s, nil
}

// Decide implements engine.Decider.
func (s *Scripted) Decide(_ context.Context, agent *graph.Agent, _ engine.RunStateView) (core.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q := s.byAgent[agent.Key]; len(q) > 0 {
		s.byAgent[agent.Key] = q[1:]
		return q[0], nil
	}

	if len(s.shared) > 0 {
		d := s.shared[0]
		s.shared = s.shared[1:]
		return d, nil
	}

	return core.Decision{}, fmt.Errorf("script has no decision left for agent %q", agent.Key)
}

// Remaining returns the number of unconsumed decisions.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.shared)
	for _, q := range s.byAgent {
		n += len(q)
	}

	return n
}
