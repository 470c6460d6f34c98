// Package mcpprovider calls tools hosted on MCP servers.
//
// A tool bound to this provider names the server through the "server" option
// and the remote tool through the "tool" option (defaulting to the tool key).
// Resolved parameters are sent as the call arguments; text content of the
// result is joined and surfaced to the agent.
package mcpprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/provider"
	"github.com/hupe1980/agentgraph/tracing"
)

// ProviderType is the conventional provider_type for MCP tools.
const ProviderType = "mcp"

// DefaultCallTimeout bounds a single tool call.
const DefaultCallTimeout = 30 * time.Second

// Client is the subset of the MCP client used by the provider.
type Client interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ServerConfig describes how to reach an MCP server.
type ServerConfig struct {
	Name string `yaml:"name"`
	// Transport is "stdio" or "http".
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
}

// Options configure the provider.
type Options struct {
	CallTimeout time.Duration
	Logger      logging.Logger
}

// Provider dispatches tool calls to named MCP clients.
type Provider struct {
	mu      sync.RWMutex
	clients map[string]Client
	opts    Options
}

// New creates a provider without connected servers.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		CallTimeout: DefaultCallTimeout,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}

	return &Provider{clients: make(map[string]Client), opts: opts}
}

var _ provider.Provider = (*Provider)(nil)

// Register binds an already initialized client to name.
func (p *Provider) Register(name string, c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clients[name] = c
}

// Connect starts and initializes a client for srv and registers it under
// srv.Name.
func (p *Provider) Connect(ctx context.Context, srv ServerConfig) error {
	var c *mcpclient.Client
	var err error

	switch srv.Transport {
	case "stdio":
		c, err = mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return fmt.Errorf("mcp server %q: create stdio client: %w", srv.Name, err)
		}
	case "http":
		t, tErr := transport.NewStreamableHTTP(srv.URL)
		if tErr != nil {
			return fmt.Errorf("mcp server %q: create http transport: %w", srv.Name, tErr)
		}
		c = mcpclient.NewClient(t)
		if err = c.Start(ctx); err != nil {
			return fmt.Errorf("mcp server %q: start http client: %w", srv.Name, err)
		}
	default:
		return fmt.Errorf("mcp server %q: unsupported transport %q", srv.Name, srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentgraph",
		Version: "1.0.0",
	}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("mcp server %q: initialize: %w", srv.Name, err)
	}

	p.opts.Logger.Info("mcp.server.connected", "name", srv.Name, "transport", srv.Transport)
	p.Register(srv.Name, c)

	return nil
}

// Invoke calls the remote tool named by the tool's options.
func (p *Provider) Invoke(ctx context.Context, tool *graph.Tool, params map[string]any) (res *provider.Result, err error) {
	server := tool.Option("server", "")

	p.mu.RLock()
	c, ok := p.clients[server]
	p.mu.RUnlock()

	if !ok {
		return nil, core.NewError(core.KindConfiguration, "mcp server %q not connected", server).WithTool(tool.Key)
	}

	remote := tool.Option("tool", tool.Key)

	ctx, span := tracing.StartSpan(ctx, "agentgraph.mcp",
		tracing.String("tool.key", tool.Key),
		tracing.String("mcp.server", server),
		tracing.String("mcp.tool", remote),
	)
	defer func() { tracing.End(span, err) }()

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = remote
	callReq.Params.Arguments = params

	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()

	p.opts.Logger.Debug("mcp.tool.call", "server", server, "tool", remote)

	start := time.Now()
	result, err := c.CallTool(callCtx, callReq)
	if err != nil {
		e := core.WrapError(core.KindTransport, err, "mcp call to %s/%s failed", server, remote).WithTool(tool.Key)
		e.Retryable = !errors.Is(err, context.Canceled)
		return nil, e
	}

	content := extractContent(result)
	if result.IsError {
		e := core.NewError(core.KindUpstream, "mcp tool reported an error").WithTool(tool.Key)
		e.Details = content
		return nil, e
	}

	return &provider.Result{Body: content, Duration: time.Since(start), Attempts: 1}, nil
}

// Close shuts down all registered clients.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, c := range p.clients {
		if err := c.Close(); err != nil {
			p.opts.Logger.Warn("mcp.server.close_error", "server", name, "error", err.Error())
			errs = append(errs, err)
		}
	}
	clear(p.clients)

	return errors.Join(errs...)
}

// extractContent converts result content to a string.
func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			// non-text content is surfaced as JSON
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
