package engine

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/interpreter"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/provider"
	"github.com/hupe1980/agentgraph/trace"
	"github.com/hupe1980/agentgraph/tracing"
)

// Engine executes runs against immutable graph snapshots.
//
// The Engine holds no per-run state besides the cancellation functions of
// active runs: the snapshot, the step budget, the trace and the context list
// all belong to a single run. Multiple runs, even against different snapshot
// versions, can execute concurrently on the same Engine.
//
// Concurrency Model:
//   - Runs execute on the caller's goroutine (Run) or a dedicated one (Stream)
//   - Task group children execute concurrently, bounded by Config.MaxFanOut
//   - Trace sequence numbers are assigned under the trace's own lock
//
// Error Handling:
//   - Run returns a Go error only for requests that cannot start
//   - Every runtime failure is reported in Result.Failure as *core.Error
//
// Example:
//
//	eng := engine.New(decider, func(o *engine.Options) {
//	    o.Providers = providers
//	    o.Logger = logger
//	})
//
//	res, err := eng.Run(ctx, engine.Request{Snapshot: snap, UserMessage: "where is my order?"})
//	if err != nil {
//	    return err
//	}
//	if !res.OK() {
//	    return res.Err()
//	}
type Engine struct {
	decider   Decider
	providers *provider.Registry
	sink      trace.Sink
	shaper    trace.Shaper
	callbacks *CallbackManager
	logger    logging.Logger

	// Configuration - immutable after construction
	config Config

	// Active run tracking
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// New creates an Engine driven by decider.
//
// Default Services:
//   - Providers: an empty registry with the delegate provider registered
//   - Sink: trace.NoopSink
//   - Logger: No-op logger that discards all messages
//
// The Engine does not take ownership of the providers or the sink; callers
// close them when no longer needed.
func New(decider Decider, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Sink:   trace.NoopSink{},
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Providers == nil {
		opts.Providers = provider.NewRegistry()
	}
	if opts.Sink == nil {
		opts.Sink = trace.NoopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	e := &Engine{
		decider:    decider,
		providers:  opts.Providers,
		sink:       opts.Sink,
		shaper:     opts.Shaper,
		callbacks:  opts.Callbacks,
		logger:     opts.Logger,
		config:     opts.Config.withDefaults(),
		activeRuns: make(map[string]context.CancelFunc),
	}

	if _, err := e.providers.Lookup(DelegateProviderType); err != nil {
		e.providers.Register(DelegateProviderType, &DelegateProvider{engine: e})
	}

	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Providers returns the provider registry tools are dispatched through.
func (e *Engine) Providers() *provider.Registry { return e.providers }

// Run executes req to completion and returns the final run state.
//
// The returned error is non-nil only when the request itself is unusable
// (missing snapshot, unknown entry agent). Failures during the run are
// reported through Result.Status and Result.Failure. The run can be stopped
// early with StopRun or by cancelling ctx, which fails it with
// core.KindCancelled.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, req, e.sink)
}

// Stream starts req on a new goroutine and delivers every trace entry as it
// is appended, including entries of delegated sub-runs. The entries channel
// is closed once the run finished; the final state is then sent on results.
// Callers must drain entries until it is closed, also after cancelling ctx.
//
// Example:
//
//	runID, entries, results, err := eng.Stream(ctx, req)
//	if err != nil {
//	    return err
//	}
//	for entry := range entries {
//	    fmt.Println(runID, entry.Seq, entry.Kind)
//	}
//	res := <-results
func (e *Engine) Stream(ctx context.Context, req Request) (string, <-chan trace.Entry, <-chan *Result, error) {
	if err := e.checkRequest(req); err != nil {
		return "", nil, nil, err
	}

	if req.RunID == "" {
		req.RunID = core.NewRunID()
	}

	entries := make(trace.ChanSink, e.config.StreamBufferSize)
	results := make(chan *Result, 1)

	go func() {
		defer close(results)
		defer close(entries)

		res, err := e.run(ctx, req, trace.MultiSink{e.sink, entries})
		if err != nil {
			// checked above; only reachable if the snapshot changed underneath
			e.logger.Error("engine.stream.error", "run_id", req.RunID, "error", err.Error())
			return
		}
		results <- res
	}()

	return req.RunID, entries, results, nil
}

// StopRun cancels an active run. It returns false if no run with that id is
// active.
func (e *Engine) StopRun(runID string) bool {
	e.runsMu.RLock()
	cancel, ok := e.activeRuns[runID]
	e.runsMu.RUnlock()

	if ok {
		cancel()
	}

	return ok
}

// ActiveRuns returns the ids of all runs currently executing.
func (e *Engine) ActiveRuns() []string {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	ids := slices.Collect(maps.Keys(e.activeRuns))
	slices.Sort(ids)

	return ids
}

func (e *Engine) checkRequest(req Request) error {
	if e.decider == nil {
		return core.NewError(core.KindConfiguration, "engine has no decider")
	}
	if req.Snapshot == nil {
		return core.NewError(core.KindConfiguration, "request has no snapshot")
	}
	if req.RequestedAgent != "" {
		if _, err := req.Snapshot.LookupAgent(req.RequestedAgent); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, req Request, sink trace.Sink) (*Result, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}

	if req.RunID == "" {
		req.RunID = core.NewRunID()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.runsMu.Lock()
	e.activeRuns[req.RunID] = cancel
	e.runsMu.Unlock()

	defer func() {
		e.runsMu.Lock()
		delete(e.activeRuns, req.RunID)
		e.runsMu.Unlock()
	}()

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.config.MaxSteps
	}

	entry := req.Snapshot.DefaultAgent()
	if req.RequestedAgent != "" {
		entry, _ = req.Snapshot.LookupAgent(req.RequestedAgent)
	}

	s := &scope{
		engine:       e,
		snapshot:     req.Snapshot,
		interpreter:  interpreter.New(req.Snapshot, func(o *interpreter.Options) { o.MaxTaskGroupSize = e.config.MaxTaskGroup }),
		systemParams: e.systemParams(req.SystemParams),
		sink:         sink,
		callbacks:    e.callbacks,
	}

	return s.execute(ctx, req.RunID, entry, req.UserMessage, maxSteps), nil
}

// systemParams overlays the request's trusted values on the configured
// defaults.
func (e *Engine) systemParams(req map[string]any) map[string]any {
	out := make(map[string]any, len(e.config.SystemDefaults)+len(req))
	maps.Copy(out, e.config.SystemDefaults)
	maps.Copy(out, req)
	return out
}

// scope is what a run shares with the sub-runs it delegates to.
type scope struct {
	engine       *Engine
	snapshot     *graph.Snapshot
	interpreter  *interpreter.Interpreter
	systemParams map[string]any
	sink         trace.Sink
	// callbacks is nil for delegated sub-runs.
	callbacks *CallbackManager
	depth     int
}

func (s *scope) child() *scope {
	c := *s
	c.callbacks = nil
	c.depth++
	return &c
}

// execute runs the loop and always returns a terminal result.
func (s *scope) execute(ctx context.Context, runID string, entry *graph.Agent, message string, maxSteps int) *Result {
	logger := logging.RunLogger(s.engine.logger, runID, s.depth)

	r := &run{
		scope:   s,
		id:      runID,
		message: message,
		agent:   entry,
		budget:  core.NewStepBudget(maxSteps),
		logger:  logger,
		trace: trace.New(runID, func(o *trace.Options) {
			o.Sink = s.sink
			o.Shaper = s.engine.shaper
			o.Logger = logger
		}),
		started: time.Now().UTC(),
	}

	logger.Info("engine.run.start", "agent", entry.Key, "max_steps", maxSteps, "snapshot", s.snapshot.Version())

	ctx, span := tracing.StartSpan(ctx, "agentgraph.run",
		tracing.String("run_id", runID),
		tracing.String("agent", entry.Key),
		tracing.Int("depth", s.depth),
	)

	res := r.loop(withRun(ctx, r))

	var err error
	if res.Failure != nil {
		err = res.Failure
	}
	tracing.End(span, err)
	logging.LogRun(logger, string(res.Status), res.Steps, res.Duration, err)

	return res
}

type runKey struct{}

func withRun(ctx context.Context, r *run) context.Context {
	return context.WithValue(ctx, runKey{}, r)
}

func runFrom(ctx context.Context) (*run, bool) {
	r, ok := ctx.Value(runKey{}).(*run)
	return r, ok
}
