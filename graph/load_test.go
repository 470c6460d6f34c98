package graph_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
)

const supportNetwork = `
version: support-v3
response_schema:
  type: object
  required: [answer]
  properties:
    answer: {type: string}
agents:
  - key: triage
    prompt: Route the customer.
    default: true
    routes: [orders]
  - key: orders
    prompt: Answer order questions.
    allow_respond: true
    tools: [order_status]
tools:
  - key: order_status
    description: Look up an order
    http:
      base_url: https://shop.example.com
      path: /customers/{customer_id}/orders/{order_id}
      unwrap: data.order
      timeout: 5s
    params:
      - name: customer_id
        source: system
        required: true
        in: path
      - name: order_id
        source: agent
        required: true
        in: path
        type: string
      - name: verbose
        source: const
        value: true
        in: query
`

func TestLoadYAML(t *testing.T) {
	s, err := graph.Load(strings.NewReader(supportNetwork))
	require.NoError(t, err)

	assert.Equal(t, "support-v3", s.Version())
	assert.Equal(t, "triage", s.DefaultAgent().Key)

	tool, err := s.LookupTool("order_status")
	require.NoError(t, err)
	assert.Equal(t, graph.ProviderHTTP, tool.ProviderType)
	require.NotNil(t, tool.HTTP)
	assert.Equal(t, "data.order", tool.HTTP.UnwrapPath)
	assert.Equal(t, 5*time.Second, tool.HTTP.Timeout)

	p, ok := tool.Param("customer_id")
	require.True(t, ok)
	assert.Equal(t, graph.SourceSystem, p.Source)
	assert.Equal(t, graph.PlacePath, p.In)

	assert.Len(t, tool.AgentParams(), 1)
	assert.NotEmpty(t, s.ResponseSchema())
	assert.ErrorIs(t, s.ValidateResponse(map[string]any{"answer": 42}), core.ErrSchemaViolation)
}

func TestLoadJSONFile(t *testing.T) {
	doc := `{"version": "json-v1",
 "agents": [{"key": "solo", "default": true, "allow_respond": true, "tools": ["echo"]}],
 "tools": [{"key": "echo", "provider": "func", "params": [{"name": "text", "source": "agent", "required": true}]}]}`
	path := filepath.Join(t.TempDir(), "net.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := graph.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "json-v1", s.Version())
	assert.True(t, s.DefaultAgent().HasTool("echo"))
}

func TestLoadErrors(t *testing.T) {
	_, err := graph.Load(strings.NewReader("agents: [\n"))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = graph.Load(strings.NewReader(`
agents:
  - key: a
    default: true
    allow_respond: true
tools:
  - key: t
    http: {base_url: "http://x", timeout: soon}
`))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = graph.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r, err := graph.NewRegistry(2)
	require.NoError(t, err)

	for _, v := range []string{"v1", "v2", "v3"} {
		s, err := graph.New(v, []graph.Agent{{Key: "a", IsDefault: true, AllowRespond: true}}, nil)
		require.NoError(t, err)
		r.Put(s)
	}

	assert.Equal(t, 2, r.Len())
	_, err = r.Get("v1")
	assert.ErrorIs(t, err, core.ErrConfiguration)

	s, err := r.Get("v3")
	require.NoError(t, err)
	assert.Equal(t, "v3", s.Version())
	assert.ElementsMatch(t, []string{"v2", "v3"}, r.Versions())

	assert.True(t, r.Remove("v2"))
	assert.False(t, r.Remove("v2"))
}
