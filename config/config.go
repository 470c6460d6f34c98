// Package config loads the agentgraph runtime configuration from YAML with
// AGENTGRAPH_* environment overrides and converts it into the option structs
// of the engine, the HTTP provider and the observability packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/provider/httpprovider"
	"github.com/hupe1980/agentgraph/provider/mcpprovider"
	"github.com/hupe1980/agentgraph/trace"
	"github.com/hupe1980/agentgraph/tracing"
)

// Config is the top-level runtime configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Decider DeciderConfig `yaml:"decider"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Trace   TraceConfig   `yaml:"trace"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// EngineConfig holds run limits.
type EngineConfig struct {
	MaxSteps           int            `yaml:"max_steps"`
	MaxFanOut          int            `yaml:"max_fan_out"`
	MaxTaskGroup       int            `yaml:"max_task_group"`
	DelegateMaxSteps   int            `yaml:"delegate_max_steps"`
	MaxDelegationDepth int            `yaml:"max_delegation_depth"`
	SystemDefaults     map[string]any `yaml:"system_defaults"`
}

// DeciderConfig selects the decision source used by the CLI.
type DeciderConfig struct {
	Provider   string `yaml:"provider"` // scripted, openai, anthropic
	Model      string `yaml:"model"`
	MaxRepairs int    `yaml:"max_repairs"`
}

// HTTPConfig tunes the HTTP tool provider.
type HTTPConfig struct {
	Timeout      string        `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	RatePerSec   float64       `yaml:"rate_per_sec"`
	Burst        int           `yaml:"burst"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-host circuit breaker.
type BreakerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MaxFailures uint32 `yaml:"max_failures"`
	Timeout     string `yaml:"timeout"`
	Interval    string `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// TraceConfig controls where run traces are persisted and how they are shaped.
type TraceConfig struct {
	SQLitePath string   `yaml:"sqlite_path"`
	Truncate   int      `yaml:"truncate"`
	Redact     []string `yaml:"redact"`
}

// MCPConfig lists the MCP servers backing mcp tools.
type MCPConfig struct {
	CallTimeout string                     `yaml:"call_timeout"`
	Servers     []mcpprovider.ServerConfig `yaml:"servers"`
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxSteps:           engine.DefaultConfig.MaxSteps,
			MaxFanOut:          engine.DefaultConfig.MaxFanOut,
			MaxTaskGroup:       engine.DefaultConfig.MaxTaskGroup,
			MaxDelegationDepth: engine.DefaultConfig.MaxDelegationDepth,
		},
		Decider: DeciderConfig{
			Provider:   "scripted",
			MaxRepairs: 1,
		},
		HTTP: HTTPConfig{
			Timeout:      httpprovider.DefaultTimeout.String(),
			MaxBodyBytes: httpprovider.DefaultMaxBodyBytes,
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     "30s",
				Interval:    "60s",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "stdout",
		},
	}
}

// Load reads a YAML config file on top of Defaults, applies env var overrides
// and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTGRAPH_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := envInt("AGENTGRAPH_ENGINE_MAX_STEPS"); v > 0 {
		cfg.Engine.MaxSteps = v
	}
	if v := envInt("AGENTGRAPH_ENGINE_MAX_FAN_OUT"); v > 0 {
		cfg.Engine.MaxFanOut = v
	}
	if v := envInt("AGENTGRAPH_ENGINE_DELEGATE_MAX_STEPS"); v > 0 {
		cfg.Engine.DelegateMaxSteps = v
	}
	if v := os.Getenv("AGENTGRAPH_DECIDER_PROVIDER"); v != "" {
		cfg.Decider.Provider = v
	}
	if v := os.Getenv("AGENTGRAPH_DECIDER_MODEL"); v != "" {
		cfg.Decider.Model = v
	}
	if v := os.Getenv("AGENTGRAPH_HTTP_TIMEOUT"); v != "" {
		cfg.HTTP.Timeout = v
	}
	if v := os.Getenv("AGENTGRAPH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTGRAPH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTGRAPH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTGRAPH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTGRAPH_TRACE_SQLITE_PATH"); v != "" {
		cfg.Trace.SQLitePath = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	if cfg.Engine.MaxSteps < 1 {
		ve.Add("engine.max_steps must be at least 1, got %d", cfg.Engine.MaxSteps)
	}
	if cfg.Engine.MaxFanOut < 1 {
		ve.Add("engine.max_fan_out must be at least 1, got %d", cfg.Engine.MaxFanOut)
	}
	if cfg.Engine.MaxTaskGroup < 1 {
		ve.Add("engine.max_task_group must be at least 1, got %d", cfg.Engine.MaxTaskGroup)
	}
	if cfg.Engine.DelegateMaxSteps < 0 {
		ve.Add("engine.delegate_max_steps must not be negative")
	}

	switch cfg.Decider.Provider {
	case "scripted", "openai", "anthropic":
	default:
		ve.Add("decider.provider %q is not one of scripted, openai, anthropic", cfg.Decider.Provider)
	}
	if cfg.Decider.MaxRepairs < 0 {
		ve.Add("decider.max_repairs must not be negative")
	}

	validateDuration(ve, "http.timeout", cfg.HTTP.Timeout)
	validateDuration(ve, "http.breaker.timeout", cfg.HTTP.Breaker.Timeout)
	validateDuration(ve, "http.breaker.interval", cfg.HTTP.Breaker.Interval)
	if cfg.HTTP.MaxBodyBytes < 0 {
		ve.Add("http.max_body_bytes must not be negative")
	}
	if cfg.HTTP.RatePerSec < 0 {
		ve.Add("http.rate_per_sec must not be negative")
	}

	if _, err := logging.ParseLevel(cfg.Logger.Level); err != nil {
		ve.Add("logger.level: %v", err)
	}
	switch cfg.Logger.Format {
	case "json", "text":
	default:
		ve.Add("logger.format %q is not one of json, text", cfg.Logger.Format)
	}

	switch cfg.Tracer.Exporter {
	case "", "stdout", "noop":
	default:
		ve.Add("tracer.exporter %q is not one of stdout, noop", cfg.Tracer.Exporter)
	}

	validateDuration(ve, "mcp.call_timeout", cfg.MCP.CallTimeout)
	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		switch {
		case srv.Name == "":
			ve.Add("mcp.servers[%d].name is required", i)
		case seen[srv.Name]:
			ve.Add("mcp.servers[%d].name %q is duplicated", i, srv.Name)
		}
		seen[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				ve.Add("mcp.servers[%d].command is required for stdio", i)
			}
		case "http":
			if srv.URL == "" {
				ve.Add("mcp.servers[%d].url is required for http", i)
			}
		default:
			ve.Add("mcp.servers[%d].transport %q is not one of stdio, http", i, srv.Transport)
		}
	}

	if cfg.Trace.Truncate < 0 {
		ve.Add("trace.truncate must not be negative")
	}

	if len(ve.Errors) > 0 {
		return core.WrapError(core.KindConfiguration, ve, "%s", ve.Error())
	}
	return nil
}

func validateDuration(ve *ValidationError, field, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err != nil || d < 0 {
		ve.Add("%s %q is not a valid duration", field, v)
	}
}

func duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// EngineOptions converts the engine section.
func (c *Config) EngineOptions() engine.Config {
	return engine.Config{
		MaxSteps:           c.Engine.MaxSteps,
		MaxFanOut:          c.Engine.MaxFanOut,
		MaxTaskGroup:       c.Engine.MaxTaskGroup,
		DelegateMaxSteps:   c.Engine.DelegateMaxSteps,
		MaxDelegationDepth: c.Engine.MaxDelegationDepth,
		SystemDefaults:     c.Engine.SystemDefaults,
	}
}

// HTTPOptions returns an option function for httpprovider.New.
func (c *Config) HTTPOptions(logger logging.Logger) func(o *httpprovider.Options) {
	return func(o *httpprovider.Options) {
		if d := duration(c.HTTP.Timeout); d > 0 {
			o.Timeout = d
		}
		if c.HTTP.MaxBodyBytes > 0 {
			o.MaxBodyBytes = c.HTTP.MaxBodyBytes
		}
		o.RatePerSec = c.HTTP.RatePerSec
		o.Burst = c.HTTP.Burst
		o.Breaker = httpprovider.BreakerConfig{
			Disabled:    !c.HTTP.Breaker.Enabled,
			MaxFailures: c.HTTP.Breaker.MaxFailures,
			Timeout:     duration(c.HTTP.Breaker.Timeout),
			Interval:    duration(c.HTTP.Breaker.Interval),
		}
		if logger != nil {
			o.Logger = logger
		}
	}
}

// LoggingConfig converts the logger section. Output paths other than stdout
// and stderr are opened for appending; the returned close function releases
// them.
func (c *Config) LoggingConfig() (*logging.Config, func() error, error) {
	level, err := logging.ParseLevel(c.Logger.Level)
	if err != nil {
		return nil, nil, err
	}
	cfg := &logging.Config{Level: level, Format: c.Logger.Format, Output: os.Stderr}
	noop := func() error { return nil }

	switch c.Logger.Output {
	case "", "stderr":
		return cfg, noop, nil
	case "stdout":
		cfg.Output = os.Stdout
		return cfg, noop, nil
	}

	f, err := os.OpenFile(c.Logger.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	cfg.Output = f
	return cfg, f.Close, nil
}

// MCPOptions returns an option function for mcpprovider.New.
func (c *Config) MCPOptions(logger logging.Logger) func(o *mcpprovider.Options) {
	return func(o *mcpprovider.Options) {
		if d := duration(c.MCP.CallTimeout); d > 0 {
			o.CallTimeout = d
		}
		if logger != nil {
			o.Logger = logger
		}
	}
}

// TracingConfig converts the tracer section.
func (c *Config) TracingConfig() tracing.Config {
	return tracing.Config{Enabled: c.Tracer.Enabled, Exporter: c.Tracer.Exporter}
}

// Shaper builds the trace shaper from the trace section. It returns nil when
// no shaping is configured.
func (c *Config) Shaper() trace.Shaper {
	var shapers []trace.Shaper
	if c.Trace.Truncate > 0 {
		shapers = append(shapers, trace.Truncate(c.Trace.Truncate))
	}
	if len(c.Trace.Redact) > 0 {
		shapers = append(shapers, trace.Redact(c.Trace.Redact...))
	}
	if len(shapers) == 0 {
		return nil
	}
	return trace.Chain(shapers...)
}
