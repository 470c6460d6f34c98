package decider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/internal/testutil"
)

func testView() engine.RunStateView {
	return engine.RunStateView{
		RunID:       "r1",
		UserMessage: "where is order 42?",
		ActiveAgent: "orders",
		Step:        1,
		MaxSteps:    5,
		Context: []engine.ContextEntry{
			{Kind: engine.ContextHandoff, Agent: "orders", From: "triage", Content: "order question"},
			{Kind: engine.ContextToolResult, Agent: "orders", Tool: "order_status", Content: map[string]any{"status": "shipped"}},
			{Kind: engine.ContextToolError, Agent: "orders", Tool: "carrier", Error: core.NewError(core.KindTransport, "timeout")},
		},
		SystemParamNames: []string{"customer_id"},
		Tools: []engine.ToolInfo{{
			Key:         "order_status",
			Description: "Look up an order",
			Params:      []graph.ParamSpec{{Name: "order_id", Source: graph.SourceAgent, Required: true, Type: "string"}},
		}},
		Routes: []engine.RouteInfo{{Key: "billing", Description: "Invoices and refunds"}},
	}
}

func TestBuildPrompt(t *testing.T) {
	agent := testutil.NewAgent("orders").Respond().Tools("order_status").Routes("billing").Prompt("You handle orders.").Build()

	p := BuildPrompt(&agent, testView())

	assert.True(t, strings.HasPrefix(p.System, "You handle orders."))
	assert.Contains(t, p.System, `step 2 of at most 5`)
	assert.Contains(t, p.System, `"type": "respond"`)
	assert.Contains(t, p.System, "- order_status: Look up an order")
	assert.Contains(t, p.System, "order_id (string) required")
	assert.Contains(t, p.System, "- billing: Invoices and refunds")
	assert.Contains(t, p.System, "never provide them: customer_id")

	require.Len(t, p.Messages, 1)
	user := p.Messages[0].Text
	assert.True(t, strings.HasPrefix(user, "where is order 42?"))
	assert.Contains(t, user, "agent triage handed over to orders: order question")
	assert.Contains(t, user, `tool order_status returned: {"status":"shipped"}`)
	assert.Contains(t, user, "tool carrier failed (transport): timeout")
}

func TestBuildPromptOmitsForbiddenActions(t *testing.T) {
	agent := testutil.NewAgent("router").Routes("billing").Build()
	view := engine.RunStateView{UserMessage: "hi", MaxSteps: 3, Routes: []engine.RouteInfo{{Key: "billing"}}}

	p := BuildPrompt(&agent, view)

	assert.NotContains(t, p.System, `"type": "respond"`)
	assert.NotContains(t, p.System, `"type": "use_tool", "tool_name"`)
	assert.Contains(t, p.System, "route_to_agent")
	assert.NotContains(t, p.System, "supplied by the system")
}

func TestLLMDecide(t *testing.T) {
	agent := testutil.NewAgent("orders").Respond().Build()
	valid := "```json\n{\"reasoning\": \"known\", \"action\": {\"type\": \"respond\", \"payload\": \"shipped\"}}\n```"

	t.Run("parses fenced completion", func(t *testing.T) {
		m := NewMockModel(valid)

		d, err := New(m).Decide(context.Background(), &agent, testView())
		require.NoError(t, err)
		assert.Equal(t, core.Respond{Payload: "shipped"}, d.Action)
		assert.Equal(t, "known", d.Reasoning)
	})

	t.Run("repairs malformed completion", func(t *testing.T) {
		m := NewMockModel("I think the order shipped.", valid)

		d, err := New(m).Decide(context.Background(), &agent, testView())
		require.NoError(t, err)
		assert.Equal(t, core.ActionRespond, d.Action.Kind())

		prompts := m.Prompts()
		require.Len(t, prompts, 2)
		require.Len(t, prompts[1].Messages, 3)
		assert.Equal(t, "assistant", prompts[1].Messages[1].Role)
		assert.Contains(t, prompts[1].Messages[2].Text, "not a valid decision")
	})

	t.Run("gives up after max repairs", func(t *testing.T) {
		m := NewMockModel("nope")

		_, err := New(m, func(o *Options) { o.MaxRepairs = 2 }).Decide(context.Background(), &agent, testView())
		assert.ErrorIs(t, err, core.ErrMalformedDecision)
		assert.Len(t, m.Prompts(), 3)
	})

	t.Run("model error", func(t *testing.T) {
		_, err := New(failingModel{}).Decide(context.Background(), &agent, testView())
		assert.ErrorContains(t, err, "quota exceeded")
	})
}

type failingModel struct{}

func (failingModel) Complete(context.Context, Prompt) (string, error) {
	return "", errors.New("quota exceeded")
}

func (failingModel) Info() Info { return Info{Name: "failing", Provider: "test"} }

func TestLLMDrivesEngine(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("triage").Default().Routes("billing").Build()).
		Agent(testutil.NewAgent("billing").Respond().Build()).
		MustBuild(t)

	m := NewMockModel(
		`{"reasoning": "billing topic", "action": {"type": "route_to_agent", "target_agent_name": "billing", "context": "invoice 7"}}`,
		`{"reasoning": "paid", "action": {"type": "respond", "payload": {"paid": true}}}`,
	)

	res, err := engine.New(New(m)).Run(context.Background(), engine.Request{Snapshot: snap, UserMessage: "is invoice 7 paid?"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Err())
	assert.Equal(t, map[string]any{"paid": true}, res.Payload)

	prompts := m.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1].Messages[0].Text, "agent triage handed over to billing: invoice 7")
}
