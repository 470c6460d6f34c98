package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/internal/testutil"
	"github.com/hupe1980/agentgraph/provider"
	"github.com/hupe1980/agentgraph/provider/function"
	"github.com/hupe1980/agentgraph/trace"
	"github.com/hupe1980/agentgraph/trace/memsink"
	"github.com/hupe1980/agentgraph/trace/sqlsink"
)

// scripted hands out decisions per agent in order and records every view.
type scripted struct {
	mu      sync.Mutex
	script  map[string][]core.Decision
	calls   map[string]int
	views   []engine.RunStateView
	onCall  func(view engine.RunStateView)
	failure error
}

func newScripted(script map[string][]core.Decision) *scripted {
	return &scripted{script: script, calls: map[string]int{}}
}

func (s *scripted) Decide(_ context.Context, agent *graph.Agent, view engine.RunStateView) (core.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.views = append(s.views, view)
	if s.onCall != nil {
		s.onCall(view)
	}
	if s.failure != nil {
		return core.Decision{}, s.failure
	}

	n := s.calls[agent.Key]
	s.calls[agent.Key]++

	decisions := s.script[agent.Key]
	if n >= len(decisions) {
		return core.Decision{}, fmt.Errorf("no decision left for %s", agent.Key)
	}

	return decisions[n], nil
}

func (s *scripted) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *scripted) lastView() engine.RunStateView {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.views[len(s.views)-1]
}

func newEngine(d engine.Decider, fp *function.Provider, optFns ...func(o *engine.Options)) *engine.Engine {
	registry := provider.NewRegistry()
	if fp != nil {
		registry.Register(function.ProviderType, fp)
	}

	return engine.New(d, append([]func(o *engine.Options){func(o *engine.Options) {
		o.Providers = registry
	}}, optFns...)...)
}

func entrySeqs(entries []trace.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}

func TestToolNotEquipped(t *testing.T) {
	var calls atomic.Int32
	fp := function.New().Register("x", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "never", nil
	})

	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Build()).
		Tool(testutil.NewTool("x", function.ProviderType).Build()).
		MustBuild(t)

	d := newScripted(map[string][]core.Decision{"a": {testutil.UseTool("x", nil)}})

	res, err := newEngine(d, fp).Run(context.Background(), engine.Request{Snapshot: snap, UserMessage: "hi"})
	require.NoError(t, err)

	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err(), core.ErrToolNotEquipped)
	assert.Equal(t, "a", res.Failure.Agent)
	assert.Zero(t, calls.Load())
	assert.Empty(t, res.Trace)
	assert.NotEmpty(t, res.LastDecision)
}

func TestRespondValidatesSchema(t *testing.T) {
	schema := `{"type":"object","properties":{"a":{"type":"integer"}},"required":["a"]}`

	build := func(t *testing.T) *graph.Snapshot {
		return testutil.NewSnapshotBuilder("v1").
			Agent(testutil.NewAgent("a").Default().Respond().Build()).
			ResponseSchema(schema).
			MustBuild(t)
	}

	t.Run("terminated", func(t *testing.T) {
		d := newScripted(map[string][]core.Decision{"a": {testutil.Respond(map[string]any{"a": 1})}})

		res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: build(t)})
		require.NoError(t, err)

		assert.True(t, res.OK())
		assert.Equal(t, map[string]any{"a": 1}, res.Payload)
		assert.Equal(t, 1, res.Steps)
		assert.Equal(t, "a", res.FinalAgent)
		require.Len(t, res.Trace, 1)
		assert.Equal(t, trace.KindResponseStep, res.Trace[0].Kind)
		assert.Nil(t, res.Trace[0].Error)
	})

	t.Run("violation", func(t *testing.T) {
		d := newScripted(map[string][]core.Decision{"a": {testutil.Respond(map[string]any{"a": "one"})}})

		res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: build(t)})
		require.NoError(t, err)

		assert.Equal(t, engine.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err(), core.ErrSchemaViolation)
		assert.Nil(t, res.Payload)
		require.Len(t, res.Trace, 1)
		assert.True(t, res.Trace[0].Failed())
	})

	t.Run("respond not allowed", func(t *testing.T) {
		snap := testutil.NewSnapshotBuilder("v1").
			Agent(testutil.NewAgent("a").Default().Routes("b").Build()).
			Agent(testutil.NewAgent("b").Respond().Build()).
			MustBuild(t)
		d := newScripted(map[string][]core.Decision{"a": {testutil.Respond("x")}})

		res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: snap})
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err(), core.ErrRespondNotAllowed)
	})
}

func TestSystemParamsOverrideAgentValues(t *testing.T) {
	var forwarded map[string]any
	fp := function.New().Register("lookup", func(_ context.Context, args map[string]any) (any, error) {
		forwarded = args
		return map[string]any{"tier": "gold"}, nil
	})

	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Tools("lookup").Build()).
		Tool(testutil.NewTool("lookup", function.ProviderType).SystemParam("customer_id", true).Build()).
		MustBuild(t)

	d := newScripted(map[string][]core.Decision{"a": {
		testutil.UseTool("lookup", map[string]any{"customer_id": "attacker"}),
		testutil.Respond("done"),
	}})

	eng := newEngine(d, fp, func(o *engine.Options) {
		o.Config.SystemDefaults = map[string]any{"tenant": "acme"}
	})

	res, err := eng.Run(context.Background(), engine.Request{
		Snapshot:     snap,
		SystemParams: map[string]any{"customer_id": "abc"},
	})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Err())

	assert.Equal(t, map[string]any{"customer_id": "abc"}, forwarded)

	view := d.lastView()
	assert.Equal(t, []string{"customer_id", "tenant"}, view.SystemParamNames)
	require.Len(t, view.Context, 1)
	assert.Equal(t, engine.ContextToolResult, view.Context[0].Kind)
	assert.Equal(t, map[string]any{"tier": "gold"}, view.Context[0].Content)

	tool := res.Trace[0]
	assert.Equal(t, trace.KindToolStep, tool.Kind)
	assert.Equal(t, "abc", tool.Request["customer_id"])
}

func TestSecretAndSystemValuesWithheldFromDecider(t *testing.T) {
	var (
		mu        sync.Mutex
		forwarded []map[string]any
	)
	fp := function.New().Register("lookup", func(_ context.Context, args map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, args)
		return "ok", nil
	})

	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Tools("lookup").Build()).
		Tool(testutil.NewTool("lookup", function.ProviderType).
			SystemParam("customer_id", true).
			Param(graph.ParamSpec{Name: "api_key", Source: graph.SourceSecret, Value: "sk-SECRET"}).
			Build()).
		MustBuild(t)

	d := newScripted(map[string][]core.Decision{"a": {
		testutil.UseTool("lookup", map[string]any{}),
		testutil.Group(testutil.ToolTask("lookup", map[string]any{})),
		testutil.Respond("done"),
	}})

	res, err := newEngine(d, fp).Run(context.Background(), engine.Request{
		Snapshot:     snap,
		SystemParams: map[string]any{"customer_id": "abc"},
	})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Err())

	want := map[string]any{"customer_id": "abc", "api_key": "sk-SECRET"}
	assert.Equal(t, []map[string]any{want, want}, forwarded)

	masked := map[string]any{"customer_id": "[REDACTED]", "api_key": "[REDACTED]"}
	view := d.lastView()
	require.Len(t, view.Trace, 2)
	assert.Equal(t, masked, view.Trace[0].Request)
	require.Len(t, view.Trace[1].Children, 1)
	assert.Equal(t, masked, view.Trace[1].Children[0].Request)

	recorded := map[string]any{"customer_id": "abc", "api_key": "[REDACTED]"}
	assert.Equal(t, recorded, res.Trace[0].Request)
	assert.Equal(t, recorded, res.Trace[1].Children[0].Request)
}

func TestStepBudgetExceeded(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Routes("b").Build()).
		Agent(testutil.NewAgent("b").Respond().Routes("a").Build()).
		MustBuild(t)

	var calls atomic.Int32
	d := engine.DeciderFunc(func(_ context.Context, agent *graph.Agent, _ engine.RunStateView) (core.Decision, error) {
		calls.Add(1)
		if agent.Key == "a" {
			return testutil.Route("b", "ping"), nil
		}
		return testutil.Route("a", "pong"), nil
	})

	res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: snap, MaxSteps: 3})
	require.NoError(t, err)

	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err(), core.ErrStepBudgetExceeded)
	assert.Len(t, res.Trace, 3)
	for _, e := range res.Trace {
		assert.Equal(t, trace.KindAgentStep, e.Kind)
	}
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 3, res.MaxSteps)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, "b", res.FinalAgent)
}

func TestRouteHandsOffContext(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("triage").Default().Routes("billing").Build()).
		Agent(testutil.NewAgent("billing").Respond().Build()).
		MustBuild(t)

	d := newScripted(map[string][]core.Decision{
		"triage":  {testutil.Route("billing", "customer asks about invoice 7")},
		"billing": {testutil.Respond("invoice 7 is paid")},
	})

	res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: snap, UserMessage: "invoice?"})
	require.NoError(t, err)
	require.True(t, res.OK())

	require.Len(t, res.Trace, 2)
	assert.Equal(t, &trace.Route{From: "triage", To: "billing", Context: "customer asks about invoice 7"}, res.Trace[0].Route)
	assert.Equal(t, "billing", res.FinalAgent)

	view := d.lastView()
	assert.Equal(t, "billing", view.ActiveAgent)
	assert.Equal(t, "invoice?", view.UserMessage)
	assert.Equal(t, 1, view.Step)
	require.Len(t, view.Context, 1)
	assert.Equal(t, engine.ContextEntry{
		Kind: engine.ContextHandoff, Agent: "billing", Step: 1, From: "triage", Content: "customer asks about invoice 7",
	}, view.Context[0])
	assert.Len(t, view.Trace, 1)
}

func TestRouteNotAllowed(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Build()).
		Agent(testutil.NewAgent("b").Respond().Build()).
		MustBuild(t)

	d := newScripted(map[string][]core.Decision{"a": {testutil.Route("b", "")}})

	res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: snap})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), core.ErrRouteNotAllowed)
	assert.Empty(t, res.Trace)
}

func TestToolFailures(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Tools("flaky", "broken").Build()).
		Tool(testutil.NewTool("flaky", function.ProviderType).Build()).
		Tool(testutil.NewTool("broken", function.ProviderType).Build()).
		MustBuild(t)

	fp := function.New().
		Register("flaky", func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("connection reset")
		}).
		Register("broken", func(context.Context, map[string]any) (any, error) {
			return nil, core.NewError(core.KindConfiguration, "no credentials")
		})

	t.Run("recoverable", func(t *testing.T) {
		d := newScripted(map[string][]core.Decision{"a": {
			testutil.UseTool("flaky", nil),
			testutil.Respond("sorry"),
		}})

		res, err := newEngine(d, fp).Run(context.Background(), engine.Request{Snapshot: snap})
		require.NoError(t, err)
		require.True(t, res.OK())

		require.Len(t, res.Trace, 2)
		assert.Equal(t, core.KindUpstream, res.Trace[0].Error.Kind)

		view := d.lastView()
		require.Len(t, view.Context, 1)
		assert.Equal(t, engine.ContextToolError, view.Context[0].Kind)
		assert.Equal(t, "flaky", view.Context[0].Tool)
		assert.ErrorIs(t, view.Context[0].Error, core.ErrUpstream)
	})

	t.Run("fatal", func(t *testing.T) {
		d := newScripted(map[string][]core.Decision{"a": {testutil.UseTool("broken", nil)}})

		res, err := newEngine(d, fp).Run(context.Background(), engine.Request{Snapshot: snap})
		require.NoError(t, err)

		assert.ErrorIs(t, res.Err(), core.ErrConfiguration)
		assert.Equal(t, "broken", res.Failure.Tool)
		require.Len(t, res.Trace, 1)
		assert.True(t, res.Trace[0].Failed())
	})

	t.Run("missing parameter", func(t *testing.T) {
		snap := testutil.NewSnapshotBuilder("v1").
			Agent(testutil.NewAgent("a").Default().Respond().Tools("lookup").Build()).
			Tool(testutil.NewTool("lookup", function.ProviderType).SystemParam("customer_id", true).Build()).
			MustBuild(t)
		d := newScripted(map[string][]core.Decision{"a": {testutil.UseTool("lookup", nil)}})

		res, err := newEngine(d, fp).Run(context.Background(), engine.Request{Snapshot: snap})
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err(), core.ErrMissingParameter)
		assert.Empty(t, res.Trace)
	})
}

func TestDeciderFailures(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Build()).
		MustBuild(t)

	t.Run("invocation error", func(t *testing.T) {
		d := newScripted(nil)
		d.failure = errors.New("model unavailable")

		res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: snap})
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err(), core.ErrAgentInvocation)
		assert.Nil(t, res.LastDecision)
		assert.Zero(t, res.Steps)
	})

	t.Run("malformed", func(t *testing.T) {
		d := newScripted(map[string][]core.Decision{"a": {{Action: core.Respond{Payload: "x"}}}})

		res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: snap})
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err(), core.ErrMalformedDecision)
		assert.NotNil(t, res.LastDecision)
	})
}

func TestRequestErrors(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Build()).
		MustBuild(t)
	eng := newEngine(newScripted(nil), nil)

	_, err := eng.Run(context.Background(), engine.Request{})
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = eng.Run(context.Background(), engine.Request{Snapshot: snap, RequestedAgent: "ghost"})
	assert.Error(t, err)

	_, _, _, err = eng.Stream(context.Background(), engine.Request{})
	assert.Error(t, err)
}

func TestRequestedAgentAndRunID(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Build()).
		Agent(testutil.NewAgent("b").Respond().Build()).
		MustBuild(t)
	d := newScripted(map[string][]core.Decision{"b": {testutil.Respond("from b")}})

	res, err := newEngine(d, nil).Run(context.Background(), engine.Request{Snapshot: snap, RequestedAgent: "b", RunID: "run-7"})
	require.NoError(t, err)
	assert.Equal(t, "run-7", res.RunID)
	assert.Equal(t, "from b", res.Payload)
	assert.Equal(t, "run-7", res.Trace[0].RunID)
}

func TestStopRun(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Routes("b").Build()).
		Agent(testutil.NewAgent("b").Respond().Build()).
		MustBuild(t)

	var (
		eng     *engine.Engine
		stopped bool
		active  []string
	)
	d := newScripted(map[string][]core.Decision{"a": {testutil.Route("b", "")}})
	d.onCall = func(view engine.RunStateView) {
		active = eng.ActiveRuns()
		stopped = eng.StopRun(view.RunID)
	}
	eng = newEngine(d, nil)

	res, err := eng.Run(context.Background(), engine.Request{Snapshot: snap, RunID: "r1"})
	require.NoError(t, err)

	assert.True(t, stopped)
	assert.Equal(t, []string{"r1"}, active)
	assert.ErrorIs(t, res.Err(), core.ErrCancelled)
	assert.Empty(t, eng.ActiveRuns())
	assert.False(t, eng.StopRun("r1"))
}

func TestStopRunDuringToolReachesSinks(t *testing.T) {
	store := memsink.New()
	db, err := sqlsink.Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	defer db.Close()

	var eng *engine.Engine
	fp := function.New().Register("wait", func(ctx context.Context, _ map[string]any) (any, error) {
		eng.StopRun("r1")
		<-ctx.Done()
		return nil, ctx.Err()
	})

	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Tools("wait").Build()).
		Tool(testutil.NewTool("wait", function.ProviderType).Build()).
		MustBuild(t)

	d := newScripted(map[string][]core.Decision{"a": {testutil.UseTool("wait", map[string]any{})}})
	eng = newEngine(d, fp, func(o *engine.Options) { o.Sink = trace.MultiSink{store, db} })

	res, err := eng.Run(context.Background(), engine.Request{Snapshot: snap, RunID: "r1"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), core.ErrCancelled)

	require.Len(t, res.Trace, 1)
	assert.Equal(t, trace.KindToolStep, res.Trace[0].Kind)
	assert.Equal(t, res.Trace, store.Entries("r1"))

	persisted, err := db.Entries(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, trace.KindToolStep, persisted[0].Kind)
	assert.Equal(t, "wait", persisted[0].Tool)
	assert.True(t, persisted[0].Failed())
}

func TestCancelledContext(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Build()).
		MustBuild(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newScripted(map[string][]core.Decision{"a": {testutil.Respond("x")}})
	res, err := newEngine(d, nil).Run(ctx, engine.Request{Snapshot: snap})
	require.NoError(t, err)

	assert.ErrorIs(t, res.Err(), core.ErrCancelled)
	assert.Zero(t, d.total())
}

func TestTraceIsGapFreeAndShared(t *testing.T) {
	store := memsink.New()
	fp := function.New().Register("echo", func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})

	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Tools("echo").Routes("b").Build()).
		Agent(testutil.NewAgent("b").Respond().Tools("echo").Build()).
		Tool(testutil.NewTool("echo", function.ProviderType).AgentParam("text", true).Build()).
		MustBuild(t)

	d := newScripted(map[string][]core.Decision{
		"a": {testutil.UseTool("echo", map[string]any{"text": "1"}), testutil.Route("b", "")},
		"b": {
			testutil.Group(
				testutil.ToolTask("echo", map[string]any{"text": "2"}),
				testutil.ToolTask("echo", map[string]any{"text": "3"}),
			),
			testutil.Respond("ok"),
		},
	})

	res, err := newEngine(d, fp, func(o *engine.Options) { o.Sink = store }).
		Run(context.Background(), engine.Request{Snapshot: snap})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Err())

	assert.Equal(t, []int64{1, 2, 3, 4}, entrySeqs(res.Trace))
	assert.Equal(t, res.Trace, store.Entries(res.RunID))
	assert.Equal(t, 4, res.Steps)
	for _, e := range res.Trace {
		assert.NotEmpty(t, e.Decision)
	}
}

func TestStream(t *testing.T) {
	snap := testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Routes("b").Build()).
		Agent(testutil.NewAgent("b").Respond().Build()).
		MustBuild(t)
	d := newScripted(map[string][]core.Decision{
		"a": {testutil.Route("b", "")},
		"b": {testutil.Respond("streamed")},
	})

	runID, entries, results, err := newEngine(d, nil).Stream(context.Background(), engine.Request{Snapshot: snap})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	var got []trace.Entry
	for e := range entries {
		got = append(got, e)
	}

	res := <-results
	require.NotNil(t, res)
	assert.Equal(t, runID, res.RunID)
	assert.Equal(t, "streamed", res.Payload)
	assert.Equal(t, res.Trace, got)
}
