package engine

import (
	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/interpreter"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/provider"
	"github.com/hupe1980/agentgraph/trace"
)

// Config defines tuning parameters for the Engine's operational behavior.
//
// Example:
//
//	cfg := Config{
//	    MaxSteps: 20,
//	    MaxFanOut: 3,
//	    SystemDefaults: map[string]any{"tenant": "acme"},
//	}
type Config struct {
	// MaxSteps bounds agent invocations per run unless the request overrides
	// it.
	MaxSteps int

	// MaxFanOut limits how many task group children run at the same time.
	MaxFanOut int

	// MaxTaskGroup is the largest number of tasks a single group may carry.
	MaxTaskGroup int

	// DelegateMaxSteps is the budget of delegated sub-runs. Zero means the
	// parent run's budget. Sub-run budgets are independent of the parent's.
	DelegateMaxSteps int

	// MaxDelegationDepth bounds how deeply delegated sub-runs may nest.
	MaxDelegationDepth int

	// SystemDefaults are merged under every request's system parameters.
	SystemDefaults map[string]any

	// StreamBufferSize sets the channel buffer size used by Stream.
	StreamBufferSize int
}

// DefaultConfig provides the default configuration values:
//   - MaxSteps: core.DefaultMaxSteps (10)
//   - MaxFanOut: 4
//   - MaxTaskGroup: interpreter.DefaultMaxTaskGroupSize (5)
//   - MaxDelegationDepth: 3
//   - StreamBufferSize: 100
var DefaultConfig = Config{
	MaxSteps:           core.DefaultMaxSteps,
	MaxFanOut:          4,
	MaxTaskGroup:       interpreter.DefaultMaxTaskGroupSize,
	MaxDelegationDepth: 3,
	StreamBufferSize:   100,
}

// Options configures an Engine instance using the functional options pattern.
//
// Example:
//
//	eng := engine.New(decider, func(o *engine.Options) {
//	    o.Providers = providers
//	    o.Logger = logger
//	    o.Sink = store
//	})
type Options struct {
	// Config contains operational parameters for the engine behavior.
	// Defaults to DefaultConfig if not specified.
	Config Config

	// Providers maps provider types to tool providers. The engine registers
	// its delegate provider under DelegateProviderType unless the registry
	// already binds that type.
	Providers *provider.Registry

	// Sink receives every trace entry of every run, including delegated
	// sub-runs. Defaults to trace.NoopSink.
	Sink trace.Sink

	// Shaper is applied to entries before they reach Sink.
	Shaper trace.Shaper

	// Callbacks are executed at lifecycle points of every run.
	Callbacks *CallbackManager

	// Logger provides structured logging for debugging and monitoring.
	// Defaults to NoOp logger if nil to ensure no logging dependencies.
	Logger logging.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultConfig.MaxSteps
	}
	if c.MaxFanOut <= 0 {
		c.MaxFanOut = DefaultConfig.MaxFanOut
	}
	if c.MaxTaskGroup <= 0 {
		c.MaxTaskGroup = DefaultConfig.MaxTaskGroup
	}
	if c.MaxDelegationDepth <= 0 {
		c.MaxDelegationDepth = DefaultConfig.MaxDelegationDepth
	}
	if c.StreamBufferSize <= 0 {
		c.StreamBufferSize = DefaultConfig.StreamBufferSize
	}
	return c
}
