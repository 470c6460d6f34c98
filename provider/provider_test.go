package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", Func(func(_ context.Context, _ *graph.Tool, params map[string]any) (*Result, error) {
		return &Result{Body: params}, nil
	}))
	r.Register("broken", Func(func(context.Context, *graph.Tool, map[string]any) (*Result, error) {
		return nil, errors.New("boom")
	}))

	assert.Equal(t, []string{"broken", "echo"}, r.Types())

	_, err := r.Lookup("grpc")
	assert.ErrorIs(t, err, core.ErrConfiguration)

	res, err := r.Invoke(context.Background(), &graph.Tool{Key: "t", ProviderType: "echo"}, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, res.Body)
	assert.Equal(t, 1, res.Attempts)

	_, err = r.Invoke(context.Background(), &graph.Tool{Key: "t", ProviderType: "broken"}, nil)
	require.ErrorIs(t, err, core.ErrUpstream)
	e, _ := core.AsError(err)
	assert.Equal(t, "t", e.Tool)
	assert.True(t, e.Recoverable())

	_, err = r.Invoke(context.Background(), &graph.Tool{Key: "t", ProviderType: "missing"}, nil)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestNormalizeKeepsKind(t *testing.T) {
	err := Normalize("search", core.NewError(core.KindShape, "no items"))
	assert.Equal(t, core.KindShape, err.Kind)
	assert.Equal(t, "search", err.Tool)
}
