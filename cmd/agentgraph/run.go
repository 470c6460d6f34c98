package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentgraph"
	"github.com/hupe1980/agentgraph/config"
	"github.com/hupe1980/agentgraph/decider"
	"github.com/hupe1980/agentgraph/decider/anthropic"
	"github.com/hupe1980/agentgraph/decider/openai"
	"github.com/hupe1980/agentgraph/engine"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/trace/sqlsink"
	"github.com/hupe1980/agentgraph/tracing"
)

type runFlags struct {
	snapshot    string
	message     string
	decisions   string
	deciderName string
	agent       string
	maxSteps    int
	system      []string
	configPath  string
	traceDB     string
}

func runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a run against a snapshot and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSnapshot(ctx, cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.snapshot, "snapshot", "", "snapshot document (YAML or JSON)")
	fl.StringVar(&f.message, "message", "", "user message starting the run")
	fl.StringVar(&f.decisions, "decisions", "", "JSONL file with scripted decisions")
	fl.StringVar(&f.deciderName, "decider", "", "decider to use: scripted, openai or anthropic (default from config)")
	fl.StringVar(&f.agent, "agent", "", "entry agent (default agent when empty)")
	fl.IntVar(&f.maxSteps, "max-steps", 0, "step budget override")
	fl.StringArrayVar(&f.system, "system", nil, "system parameter as key=value (repeatable)")
	fl.StringVar(&f.configPath, "config", "", "runtime configuration file")
	fl.StringVar(&f.traceDB, "trace-db", "", "SQLite file receiving the trace")
	_ = cmd.MarkFlagRequired("snapshot")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}

func runSnapshot(ctx context.Context, cmd *cobra.Command, f runFlags) error {
	usage := func(err error) error { return &exitError{code: 1, err: err} }

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return usage(err)
	}

	lc, closeLog, err := cfg.LoggingConfig()
	if err != nil {
		return usage(err)
	}
	defer closeLog()
	logger := logging.New(lc)

	shutdown, err := tracing.Setup(ctx, cfg.TracingConfig())
	if err != nil {
		return usage(err)
	}
	defer shutdown(context.WithoutCancel(ctx))

	snapshot, err := graph.LoadFile(f.snapshot)
	if err != nil {
		return usage(err)
	}

	system, err := parseSystemParams(f.system)
	if err != nil {
		return usage(err)
	}

	d, err := buildDecider(cfg, f, logger)
	if err != nil {
		return usage(err)
	}

	opts := func(o *agentgraph.Options) {
		o.EngineConfig = cfg.EngineOptions()
		o.HTTP = cfg.HTTPOptions(logger)
		o.MCP = cfg.MCPOptions(logger)
		o.Shaper = cfg.Shaper()
		o.Logger = logger
	}

	dbPath := f.traceDB
	if dbPath == "" {
		dbPath = cfg.Trace.SQLitePath
	}
	var sink *sqlsink.Sink
	if dbPath != "" {
		sink, err = sqlsink.Open(dbPath)
		if err != nil {
			return usage(err)
		}
	}

	g, err := agentgraph.New(d, opts, func(o *agentgraph.Options) {
		if sink != nil {
			o.Sink = sink
		}
	})
	if err != nil {
		if sink != nil {
			sink.Close()
		}
		return usage(err)
	}
	defer g.Close()

	for _, srv := range cfg.MCP.Servers {
		if err := g.ConnectMCP(ctx, srv); err != nil {
			return usage(err)
		}
	}

	res, err := g.Run(ctx, engine.Request{
		Snapshot:       snapshot,
		UserMessage:    f.message,
		SystemParams:   system,
		RequestedAgent: f.agent,
		MaxSteps:       f.maxSteps,
	})
	if err != nil {
		return usage(err)
	}

	if shape := cfg.Shaper(); shape != nil {
		for i := range res.Trace {
			res.Trace[i] = shape(res.Trace[i])
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return usage(fmt.Errorf("encode result: %w", err))
	}

	if !res.OK() {
		return &exitError{code: 2}
	}
	return nil
}

func buildDecider(cfg *config.Config, f runFlags, logger logging.Logger) (engine.Decider, error) {
	name := f.deciderName
	if name == "" {
		name = cfg.Decider.Provider
	}
	if f.decisions != "" && f.deciderName == "" {
		name = "scripted"
	}

	llm := func(m decider.Model) engine.Decider {
		return decider.New(m, func(o *decider.Options) {
			o.MaxRepairs = cfg.Decider.MaxRepairs
			o.Logger = logger
		})
	}

	switch name {
	case "scripted":
		if f.decisions == "" {
			return nil, fmt.Errorf("--decisions is required for the scripted decider")
		}
		file, err := os.Open(f.decisions)
		if err != nil {
			return nil, fmt.Errorf("open decisions: %w", err)
		}
		defer file.Close()
		return decider.LoadScript(file)
	case "openai":
		return llm(openai.NewModel(func(o *openai.Options) {
			if cfg.Decider.Model != "" {
				o.Model = cfg.Decider.Model
			}
		})), nil
	case "anthropic":
		return llm(anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Decider.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Decider.Model)
			}
		})), nil
	default:
		return nil, fmt.Errorf("unknown decider %q", name)
	}
}

// parseSystemParams turns key=value pairs into system parameters. Values that
// parse as JSON keep their JSON type; everything else is a string.
func parseSystemParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid system parameter %q, want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}
