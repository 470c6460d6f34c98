// Package httpprovider is the reference tool provider: a generic HTTP request
// executor driven entirely by a tool's declarative HTTPConfig.
//
// Each resolved parameter is placed into the path template, query string,
// JSON body (dotted names build nested objects) or a header. Calls run with a
// bounded timeout behind a per-host circuit breaker and an optional rate
// limiter, and the configured unwrap path selects the part of the JSON
// response surfaced to the agent.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/graph"
	"github.com/hupe1980/agentgraph/logging"
	"github.com/hupe1980/agentgraph/provider"
	"github.com/hupe1980/agentgraph/tracing"
)

// Default limits.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 1 << 20

	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second

	excerptBytes = 512
)

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	// Disabled turns the breaker off.
	Disabled bool
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// Options configure the provider.
type Options struct {
	Client *http.Client
	// Timeout applies to tools that do not declare their own.
	Timeout      time.Duration
	MaxBodyBytes int64
	// RatePerSec limits outgoing calls across all tools; zero disables it.
	RatePerSec float64
	Burst      int
	Breaker    BreakerConfig
	Logger     logging.Logger
}

// Provider executes HTTP tools. It is safe for concurrent use.
type Provider struct {
	opts    Options
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*response]
}

type response struct {
	status int
	body   []byte
}

// New creates an HTTP provider.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Client:       &http.Client{},
		Timeout:      DefaultTimeout,
		MaxBodyBytes: DefaultMaxBodyBytes,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	p := &Provider{
		opts:     opts,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*response]),
	}

	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}

	return p
}

var _ provider.Provider = (*Provider)(nil)

// Invoke builds and performs the request described by tool.HTTP.
func (p *Provider) Invoke(ctx context.Context, tool *graph.Tool, params map[string]any) (res *provider.Result, err error) {
	if tool.HTTP == nil {
		return nil, core.NewError(core.KindConfiguration, "tool has no http configuration").WithTool(tool.Key)
	}

	req, err := BuildRequest(ctx, tool, params)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "agentgraph.http",
		tracing.String("tool.key", tool.Key),
		tracing.String("http.method", req.Method),
		tracing.String("http.host", req.URL.Host),
	)
	defer func() { tracing.End(span, err) }()

	if p.limiter != nil {
		if werr := p.limiter.Wait(ctx); werr != nil {
			return nil, core.WrapError(core.KindTransport, werr, "rate limit wait").WithTool(tool.Key)
		}
	}

	timeout := tool.HTTP.Timeout
	if timeout <= 0 {
		timeout = p.opts.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := p.execute(req)
	dur := time.Since(start)

	p.opts.Logger.Debug("http.request.completed",
		"tool", tool.Key, "method", req.Method, "host", req.URL.Host,
		"duration_ms", dur.Milliseconds(), "error", errString(err))

	if err != nil {
		return nil, p.classify(tool.Key, req, resp, err)
	}

	span.SetAttributes(tracing.Int("http.status_code", resp.status))

	if resp.status < 200 || resp.status >= 300 {
		return nil, upstreamError(tool.Key, resp)
	}

	body, err := p.decode(tool, resp.body)
	if err != nil {
		return nil, err
	}

	return &provider.Result{Status: resp.status, Body: body, Duration: dur, Attempts: 1}, nil
}

// BuildRequest places params into the request described by tool.HTTP without
// sending it.
func BuildRequest(ctx context.Context, tool *graph.Tool, params map[string]any) (*http.Request, error) {
	cfg := tool.HTTP

	path := cfg.Path
	query := url.Values{}
	headers := http.Header{}

	var body []byte

	for _, spec := range tool.Params {
		v, ok := params[spec.Name]
		if !ok {
			continue
		}

		switch spec.In {
		case graph.PlacePath:
			path = strings.ReplaceAll(path, "{"+spec.Name+"}", url.PathEscape(formatValue(v)))
		case graph.PlaceBody:
			if body == nil {
				body = []byte("{}")
			}
			var err error
			if body, err = sjson.SetBytes(body, spec.Name, v); err != nil {
				return nil, core.WrapError(core.KindInvalidParameter, err, "cannot place %s in body", spec.Name).WithTool(tool.Key)
			}
		case graph.PlaceHeader:
			headers.Set(spec.Name, formatValue(v))
		default:
			query.Set(spec.Name, formatValue(v))
		}
	}

	if i := strings.Index(path, "{"); i >= 0 && strings.Contains(path[i:], "}") {
		return nil, core.NewError(core.KindInvalidParameter, "path %q has unfilled placeholders", path).WithTool(tool.Key)
	}

	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + joinPath(path))
	if err != nil {
		return nil, core.WrapError(core.KindConfiguration, err, "invalid url").WithTool(tool.Key)
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, core.WrapError(core.KindConfiguration, err, "cannot build request").WithTool(tool.Key)
	}

	req.Header.Set("Accept", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, vs := range headers {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

var errUpstreamStatus = errors.New("upstream status")

func (p *Provider) execute(req *http.Request) (*response, error) {
	do := func() (*response, error) {
		resp, err := p.opts.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, p.opts.MaxBodyBytes+1))
		if err != nil {
			return nil, err
		}

		r := &response{status: resp.StatusCode, body: body}
		if resp.StatusCode >= 500 {
			// server errors count against the breaker
			return r, errUpstreamStatus
		}

		return r, nil
	}

	if p.opts.Breaker.Disabled {
		return do()
	}

	return p.breaker(req.URL.Host).Execute(do)
}

// breaker returns the circuit breaker for host, creating it on first use.
func (p *Provider) breaker(host string) *gobreaker.CircuitBreaker[*response] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[host]; ok {
		return cb
	}

	cfg := p.opts.Breaker

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	logger := p.opts.Logger
	cb := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "http:" + host,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("http.breaker.state_change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	p.breakers[host] = cb

	return cb
}

// BreakerState returns the breaker state for host.
func (p *Provider) BreakerState(host string) gobreaker.State {
	return p.breaker(host).State()
}

func (p *Provider) classify(tool string, req *http.Request, resp *response, err error) *core.Error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		e := core.WrapError(core.KindTransport, err, "circuit open for %s", req.URL.Host).WithTool(tool)
		e.Retryable = true
		return e
	case errors.Is(err, errUpstreamStatus) && resp != nil:
		return upstreamError(tool, resp)
	case errors.Is(err, context.DeadlineExceeded):
		e := core.WrapError(core.KindTransport, err, "request timed out").WithTool(tool)
		e.Retryable = true
		return e
	default:
		e := core.WrapError(core.KindTransport, err, "%s %s failed", req.Method, req.URL.Redacted()).WithTool(tool)
		e.Retryable = !errors.Is(err, context.Canceled)
		return e
	}
}

func upstreamError(tool string, resp *response) *core.Error {
	e := core.NewError(core.KindUpstream, "unexpected status %d", resp.status).WithTool(tool)
	e.Status = resp.status
	e.Retryable = resp.status >= 500 || resp.status == http.StatusTooManyRequests
	e.Details = excerpt(resp.body)
	return e
}

// decode surfaces the response body to the agent. JSON bodies are decoded
// and unwrapped; other bodies are returned as text unless an unwrap path is
// configured.
func (p *Provider) decode(tool *graph.Tool, raw []byte) (any, error) {
	if int64(len(raw)) > p.opts.MaxBodyBytes {
		return nil, core.NewError(core.KindShape, "response exceeds %d bytes", p.opts.MaxBodyBytes).WithTool(tool.Key)
	}

	unwrap := tool.HTTP.UnwrapPath

	if len(bytes.TrimSpace(raw)) == 0 {
		if unwrap != "" {
			return nil, core.NewError(core.KindShape, "empty response, cannot unwrap %q", unwrap).WithTool(tool.Key)
		}
		return nil, nil
	}

	if !gjson.ValidBytes(raw) {
		if unwrap != "" {
			return nil, core.NewError(core.KindShape, "response is not JSON, cannot unwrap %q", unwrap).WithTool(tool.Key)
		}
		return string(raw), nil
	}

	if unwrap != "" {
		r := gjson.GetBytes(raw, unwrap)
		if !r.Exists() {
			e := core.NewError(core.KindShape, "unwrap path %q not found in response", unwrap).WithTool(tool.Key)
			e.Details = excerpt(raw)
			return nil, e
		}
		raw = []byte(r.Raw)
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, core.WrapError(core.KindShape, err, "cannot decode response").WithTool(tool.Key)
	}

	return out, nil
}

func excerpt(body []byte) string {
	if len(body) > excerptBytes {
		return string(body[:excerptBytes]) + "…"
	}
	return string(body)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func joinPath(path string) string {
	if path == "" || strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
