package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/internal/testutil"
	"github.com/hupe1980/agentgraph/provider/function"
)

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

func callbackSnapshot(t *testing.T) *graph.Snapshot {
	return testutil.NewSnapshotBuilder("v1").
		Agent(testutil.NewAgent("a").Default().Respond().Tools("refund").Routes("b").Build()).
		Agent(testutil.NewAgent("b").Respond().Build()).
		Tool(testutil.NewTool("refund", function.ProviderType).AgentParam("amount", true).Build()).
		MustBuild(t)
}

func TestToolGuardCallbackVetoesCall(t *testing.T) {
	var calls atomic.Int32
	fp := function.New().Register("refund", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "refunded", nil
	})

	callbacks := engine.NewCallbackManager()
	callbacks.RegisterCallback(engine.NewToolGuardCallback(func(tool *graph.Tool, params map[string]any) error {
		if params["amount"].(float64) > 500 {
			return errors.New("refund above limit")
		}
		return nil
	}))

	d := newScripted(map[string][]core.Decision{"a": {
		testutil.UseTool("refund", map[string]any{"amount": 20.0}),
		testutil.UseTool("refund", map[string]any{"amount": 900.0}),
	}})

	res, err := newEngine(d, fp, func(o *engine.Options) { o.Callbacks = callbacks }).
		Run(context.Background(), engine.Request{Snapshot: callbackSnapshot(t)})
	require.NoError(t, err)

	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Equal(t, core.KindCallback, res.Failure.Kind)
	assert.Contains(t, res.Failure.Error(), "refund above limit")
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, res.Trace, 1)
}

func TestCallbackLifecycle(t *testing.T) {
	fp := function.New().Register("refund", func(context.Context, map[string]any) (any, error) {
		return "refunded", nil
	})

	var (
		mu     sync.Mutex
		events []engine.CallbackType
		result *engine.Result
		tool   any
	)
	record := func(ct engine.CallbackType) engine.Callback {
		return engine.NewFunctionCallback(ct, func(_ context.Context, cc *engine.CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, cc.CallbackType)
			switch ct {
			case engine.CallbackAfterTool:
				tool = cc.ToolResult.Body
			case engine.CallbackOnTerminate:
				result = cc.Result
			}
			return nil
		})
	}

	logger := &recordingLogger{}
	callbacks := engine.NewCallbackManager()
	for _, ct := range []engine.CallbackType{
		engine.CallbackBeforeDecision, engine.CallbackBeforeTool, engine.CallbackAfterTool,
		engine.CallbackOnRoute, engine.CallbackOnTerminate,
	} {
		callbacks.RegisterCallback(record(ct))
	}
	callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnRoute, logger))

	d := newScripted(map[string][]core.Decision{
		"a": {testutil.UseTool("refund", map[string]any{"amount": 1.0}), testutil.Route("b", "")},
		"b": {testutil.Respond("ok")},
	})

	res, err := newEngine(d, fp, func(o *engine.Options) { o.Callbacks = callbacks }).
		Run(context.Background(), engine.Request{Snapshot: callbackSnapshot(t)})
	require.NoError(t, err)
	require.True(t, res.OK())

	assert.Equal(t, []engine.CallbackType{
		engine.CallbackBeforeDecision,
		engine.CallbackBeforeTool,
		engine.CallbackAfterTool,
		engine.CallbackBeforeDecision,
		engine.CallbackOnRoute,
		engine.CallbackBeforeDecision,
		engine.CallbackOnTerminate,
	}, events)
	assert.Equal(t, "refunded", tool)
	assert.Same(t, res, result)
	assert.Contains(t, logger.messages(), "engine.callback.on_route")
}

func TestOnTerminateErrorFailsRun(t *testing.T) {
	callbacks := engine.NewCallbackManager()
	callbacks.RegisterCallback(engine.NewFunctionCallback(engine.CallbackOnTerminate, func(context.Context, *engine.CallbackContext) error {
		return errors.New("audit log unavailable")
	}))

	d := newScripted(map[string][]core.Decision{"a": {testutil.Respond("ok")}})

	res, err := newEngine(d, nil, func(o *engine.Options) { o.Callbacks = callbacks }).
		Run(context.Background(), engine.Request{Snapshot: callbackSnapshot(t)})
	require.NoError(t, err)

	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.Nil(t, res.Payload)
	assert.Equal(t, core.KindCallback, res.Failure.Kind)
}

func TestBeforeDecisionErrorStopsRun(t *testing.T) {
	callbacks := engine.NewCallbackManager()
	callbacks.RegisterCallback(engine.NewFunctionCallback(engine.CallbackBeforeDecision, func(context.Context, *engine.CallbackContext) error {
		return errors.New("tenant suspended")
	}))

	d := newScripted(map[string][]core.Decision{"a": {testutil.Respond("ok")}})

	res, err := newEngine(d, nil, func(o *engine.Options) { o.Callbacks = callbacks }).
		Run(context.Background(), engine.Request{Snapshot: callbackSnapshot(t)})
	require.NoError(t, err)

	assert.Equal(t, core.KindCallback, res.Failure.Kind)
	assert.Zero(t, d.total())
}

func TestSubRunsSkipCallbacks(t *testing.T) {
	var decisions atomic.Int32
	callbacks := engine.NewCallbackManager()
	callbacks.RegisterCallback(engine.NewFunctionCallback(engine.CallbackBeforeDecision, func(context.Context, *engine.CallbackContext) error {
		decisions.Add(1)
		return nil
	}))

	d := newScripted(map[string][]core.Decision{
		"a": {testutil.Group(testutil.DelegateTask("b", "help")), testutil.Respond("ok")},
		"b": {testutil.Respond("helped")},
	})

	res, err := newEngine(d, nil, func(o *engine.Options) { o.Callbacks = callbacks }).
		Run(context.Background(), engine.Request{Snapshot: callbackSnapshot(t)})
	require.NoError(t, err)
	require.True(t, res.OK())

	assert.Equal(t, 3, d.total())
	assert.Equal(t, int32(2), decisions.Load())
}
