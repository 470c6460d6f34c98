// Package logging provides a minimal logging interface and adapters for agentgraph.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine and providers use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - New, building a JSON or text slog handler from Config
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.New(&logging.Config{Level: logging.LogLevelDebug, Format: "text", Output: os.Stderr})
//	eng := engine.New(providers, decider, func(o *engine.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
