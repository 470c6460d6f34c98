package mcpprovider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
)

// mockClient implements Client for testing.
type mockClient struct {
	callFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed   bool
}

func (m *mockClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.callFunc != nil {
		return m.callFunc(ctx, req)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(fmt.Sprintf("called %s", req.Params.Name)),
			mcp.NewTextContent(fmt.Sprintf("with %v", req.Params.Arguments)),
		},
	}, nil
}

func (m *mockClient) Close() error {
	m.closed = true
	return nil
}

func mcpTool(options map[string]any) *graph.Tool {
	return &graph.Tool{Key: "read_file", ProviderType: ProviderType, Options: options}
}

func TestInvoke(t *testing.T) {
	client := &mockClient{}
	p := New()
	p.Register("filesystem", client)

	res, err := p.Invoke(context.Background(), mcpTool(map[string]any{"server": "filesystem"}), map[string]any{"path": "/tmp/a"})
	require.NoError(t, err)
	assert.Equal(t, "called read_file\nwith map[path:/tmp/a]", res.Body)

	res, err = p.Invoke(context.Background(), mcpTool(map[string]any{"server": "filesystem", "tool": "cat"}), nil)
	require.NoError(t, err)
	assert.Contains(t, res.Body, "called cat")

	require.NoError(t, p.Close())
	assert.True(t, client.closed)
}

func TestInvokeErrors(t *testing.T) {
	p := New()
	p.Register("down", &mockClient{callFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("connection reset")
	}})
	p.Register("failing", &mockClient{callFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("file not found")}}, nil
	}})

	_, err := p.Invoke(context.Background(), mcpTool(map[string]any{"server": "down"}), nil)
	require.ErrorIs(t, err, core.ErrTransport)
	e, _ := core.AsError(err)
	assert.True(t, e.Retryable)

	_, err = p.Invoke(context.Background(), mcpTool(map[string]any{"server": "failing"}), nil)
	require.ErrorIs(t, err, core.ErrUpstream)
	e, _ = core.AsError(err)
	assert.Equal(t, "file not found", e.Details)

	_, err = p.Invoke(context.Background(), mcpTool(nil), nil)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestConnectRejectsUnknownTransport(t *testing.T) {
	err := New().Connect(context.Background(), ServerConfig{Name: "x", Transport: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported transport")
}
