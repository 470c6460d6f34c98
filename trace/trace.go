package trace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/logging"
)

// Kind identifies what a trace entry records.
type Kind string

const (
	// KindAgentStep records a route decision.
	KindAgentStep Kind = "agent_step"
	// KindToolStep records a tool call and its outcome.
	KindToolStep Kind = "tool_step"
	// KindGroupStep wraps the ordered child entries of a task group.
	KindGroupStep Kind = "group_step"
	// KindResponseStep records the terminal RESPOND decision.
	KindResponseStep Kind = "response_step"
)

// Route describes a hand-off between agents.
type Route struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Context string `json:"context,omitempty"`
}

// Entry is one immutable record of the trace. Seq, ID and RunID are assigned
// by the Trace on Append; callers leave them empty.
type Entry struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      Kind            `json:"kind"`
	Agent     string          `json:"agent"`
	Step      int             `json:"step"`
	Reasoning string          `json:"reasoning,omitempty"`
	Decision  json.RawMessage `json:"decision,omitempty"`
	Route     *Route          `json:"route,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Request   map[string]any  `json:"request,omitempty"`
	Response  any             `json:"response,omitempty"`
	Status    int             `json:"status,omitempty"`
	Error     *core.Error     `json:"error,omitempty"`
	// Attempts counts provider calls (tool steps) or child attempts (group
	// steps).
	Attempts int `json:"attempts,omitempty"`
	// TaskIndex is the position of a child entry inside its task group.
	TaskIndex int           `json:"task_index,omitempty"`
	Children  []Entry       `json:"children,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Failed reports whether the entry carries an error.
func (e Entry) Failed() bool { return e.Error != nil }

// Options configure a Trace.
type Options struct {
	// Sink receives every appended entry. Defaults to NoopSink.
	Sink Sink
	// Shaper is applied to the copy handed to Sink; the trace itself keeps
	// the unshaped entry.
	Shaper Shaper
	Logger logging.Logger
}

// Trace is the append-only, ordered log of a run. Sequence numbers are
// assigned by the trace under a lock, so they are strictly increasing and gap
// free even when task group children append concurrently.
type Trace struct {
	mu      sync.Mutex
	runID   string
	seq     int64
	entries []Entry
	sink    Sink
	shaper  Shaper
	logger  logging.Logger
}

// New creates an empty trace for runID.
func New(runID string, optFns ...func(o *Options)) *Trace {
	opts := Options{
		Sink:   NoopSink{},
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Trace{
		runID:  runID,
		sink:   opts.Sink,
		shaper: opts.Shaper,
		logger: opts.Logger,
	}
}

// RunID returns the run the trace belongs to.
func (t *Trace) RunID() string { return t.runID }

// Append assigns the next sequence number, stores e and emits it to the sink.
// Emission ignores cancellation of ctx so the entries of a stopped run still
// reach the sink. Sink failures are logged and never affect the run.
func (t *Trace) Append(ctx context.Context, e Entry) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	e.Seq = t.seq
	e.ID = core.NewEntryID()
	e.RunID = t.runID
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	for i := range e.Children {
		e.Children[i].RunID = t.runID
	}

	t.entries = append(t.entries, e)

	out := e
	if t.shaper != nil {
		out = t.shaper(e)
	}
	if err := t.sink.Emit(context.WithoutCancel(ctx), out); err != nil {
		t.logger.Warn("trace.sink.error", "run_id", t.runID, "seq", e.Seq, "error", err.Error())
	}

	return e
}

// Entries returns a copy of all entries in sequence order.
func (t *Trace) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	copy(out, t.entries)

	return out
}

// Len returns the number of entries.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Count returns the number of top-level entries of the given kind.
func (t *Trace) Count(kind Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.Kind == kind {
			n++
		}
	}

	return n
}
