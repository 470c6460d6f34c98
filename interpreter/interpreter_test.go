package interpreter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/interpreter"
	"github.com/hupe1980/agentgraph/internal/testutil"
)

func network(t *testing.T) *graph.Snapshot {
	return testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("triage").Default().Tools("lookup").Routes("billing").Build()).
		Agent(testutil.NewAgent("billing").Respond().Tools("refund", "lookup").Routes("triage").Build()).
		Agent(testutil.NewAgent("isolated").Build()).
		Tool(testutil.NewTool("lookup", "function").AgentParam("q", true).Build()).
		Tool(testutil.NewTool("refund", "function").SystemParam("customer_id", true).Build()).
		MustBuild(t)
}

func TestValidate(t *testing.T) {
	snap := network(t)
	in := interpreter.New(snap, func(o *interpreter.Options) { o.MaxTaskGroupSize = 3 })
	triage, _ := snap.LookupAgent("triage")
	billing, _ := snap.LookupAgent("billing")
	isolated, _ := snap.LookupAgent("isolated")

	tests := []struct {
		name     string
		agent    *graph.Agent
		decision core.Decision
		want     error
	}{
		{"respond allowed", billing, testutil.Respond(map[string]any{"a": 1}), nil},
		{"respond not allowed", triage, testutil.Respond("hi"), core.ErrRespondNotAllowed},
		{"tool equipped", triage, testutil.UseTool("lookup", map[string]any{"q": "x"}), nil},
		{"tool not equipped", triage, testutil.UseTool("refund", nil), core.ErrToolNotEquipped},
		{"unknown tool", triage, testutil.UseTool("nope", nil), core.ErrToolNotEquipped},
		{"no tools at all", isolated, testutil.UseTool("x", nil), core.ErrToolNotEquipped},
		{"route allowed", triage, testutil.Route("billing", "customer wants a refund"), nil},
		{"route not allowed", billing, testutil.Route("isolated", ""), core.ErrRouteNotAllowed},
		{"route to self not listed", triage, testutil.Route("triage", ""), core.ErrRouteNotAllowed},
		{"group ok", billing, testutil.Group(testutil.ToolTask("lookup", nil), testutil.DelegateTask("triage", "check")), nil},
		{"group empty", billing, testutil.Group(), core.ErrMalformedDecision},
		{"group too large", billing, testutil.Group(testutil.ToolTask("lookup", nil), testutil.ToolTask("lookup", nil), testutil.ToolTask("lookup", nil), testutil.ToolTask("lookup", nil)), core.ErrTaskGroupTooLarge},
		{"group child tool not equipped", triage, testutil.Group(testutil.ToolTask("lookup", nil), testutil.ToolTask("refund", nil)), core.ErrToolNotEquipped},
		{"group child route not allowed", billing, testutil.Group(testutil.DelegateTask("isolated", "x")), core.ErrRouteNotAllowed},
		{"nil action", billing, core.Decision{Reasoning: "?"}, core.ErrMalformedDecision},
		{"empty reasoning", billing, core.Decision{Action: core.Respond{}}, core.ErrMalformedDecision},
		{"pointer action", billing, core.Decision{Reasoning: "r", Action: &core.Respond{}}, core.ErrMalformedDecision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			va, err := in.Validate(tt.agent, tt.decision)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.decision.Action.Kind(), va.Kind)
				return
			}
			require.ErrorIs(t, err, tt.want)
			e, _ := core.AsError(err)
			assert.Equal(t, tt.agent.Key, e.Agent)
			assert.False(t, e.Recoverable())
		})
	}
}

func TestValidatedActionResolvesReferences(t *testing.T) {
	snap := network(t)
	in := interpreter.New(snap)
	triage, _ := snap.LookupAgent("triage")
	billing, _ := snap.LookupAgent("billing")

	va, err := in.Validate(triage, testutil.UseTool("lookup", map[string]any{"q": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "lookup", va.Tool.Key)
	assert.Equal(t, map[string]any{"q": "x"}, va.Params)

	va, err = in.Validate(triage, testutil.Route("billing", "ctx"))
	require.NoError(t, err)
	assert.Equal(t, "billing", va.Target.Key)
	assert.Equal(t, "ctx", va.Context)

	va, err = in.Validate(billing, testutil.Group(testutil.ToolTask("refund", nil), testutil.DelegateTask("triage", "look it up")))
	require.NoError(t, err)
	require.Len(t, va.Tasks, 2)
	assert.Equal(t, 0, va.Tasks[0].Index)
	assert.Equal(t, "refund", va.Tasks[0].Label())
	assert.Equal(t, "delegate:triage", va.Tasks[1].Label())
	assert.Equal(t, "look it up", va.Tasks[1].Message)

	assert.Equal(t, interpreter.DefaultMaxTaskGroupSize, in.MaxTaskGroupSize())
}

func TestValidateIsPure(t *testing.T) {
	snap := network(t)
	in := interpreter.New(snap)
	triage, _ := snap.LookupAgent("triage")
	params := map[string]any{"q": "x"}

	_, err1 := in.Validate(triage, testutil.UseTool("lookup", params))
	_, err2 := in.Validate(triage, testutil.UseTool("lookup", params))
	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.Equal(t, map[string]any{"q": "x"}, params)
	assert.Equal(t, []string{"lookup"}, triage.EquippedTools)
}
