package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/hupe1980/agentgraph/core"
)

// ProviderHTTP is the provider type of declarative HTTP tools.
const ProviderHTTP = "http"

// SecretResolver turns a secret reference into its value at build time.
type SecretResolver interface {
	ResolveSecret(ref string) (any, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(ref string) (any, error)

// ResolveSecret calls f(ref).
func (f SecretResolverFunc) ResolveSecret(ref string) (any, error) { return f(ref) }

// EnvSecrets resolves secret references from environment variables.
var EnvSecrets = SecretResolverFunc(func(ref string) (any, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return nil, fmt.Errorf("environment variable %s not set", ref)
	}
	return v, nil
})

// Options configure snapshot construction.
type Options struct {
	// ResponseSchema is an optional JSON Schema every RESPOND payload must
	// satisfy.
	ResponseSchema json.RawMessage
	// Secrets resolves secret parameter references. Defaults to EnvSecrets.
	Secrets SecretResolver
}

// Snapshot is the immutable, compiled network a run executes against.
// A Snapshot is safe for concurrent use; values returned by its lookups must
// be treated as read-only.
type Snapshot struct {
	version        string
	agents         map[string]*Agent
	agentOrder     []string
	tools          map[string]*Tool
	toolOrder      []string
	defaultAgent   string
	responseSchema *jsonschema.Schema
	rawSchema      json.RawMessage
}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

var validTypes = []string{"string", "integer", "number", "boolean", "array", "object"}

// New builds a snapshot and enforces the network invariants: unique keys,
// exactly one default agent, at least one responding agent, resolvable tool
// and route references and well formed parameter specs. Any violation is
// reported as a single KindConfiguration error listing every problem.
func New(version string, agents []Agent, tools []Tool, optFns ...func(o *Options)) (*Snapshot, error) {
	opts := Options{Secrets: EnvSecrets}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Snapshot{
		version: version,
		agents:  make(map[string]*Agent, len(agents)),
		tools:   make(map[string]*Tool, len(tools)),
	}

	var problems []string
	addf := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	for i := range tools {
		t := tools[i].clone()
		if t.Key == "" {
			addf("tool %d has no key", i)
			continue
		}
		if _, dup := s.tools[t.Key]; dup {
			addf("duplicate tool %q", t.Key)
			continue
		}
		if t.ProviderType == "" && t.HTTP != nil {
			t.ProviderType = ProviderHTTP
		}
		for _, p := range validateTool(&t, opts.Secrets) {
			addf("tool %q: %s", t.Key, p)
		}
		s.tools[t.Key] = &t
		s.toolOrder = append(s.toolOrder, t.Key)
	}

	var defaults, responders []string
	for i := range agents {
		a := agents[i].clone()
		if a.Key == "" {
			addf("agent %d has no key", i)
			continue
		}
		if _, dup := s.agents[a.Key]; dup {
			addf("duplicate agent %q", a.Key)
			continue
		}
		if a.IsDefault {
			defaults = append(defaults, a.Key)
		}
		if a.AllowRespond {
			responders = append(responders, a.Key)
		}
		s.agents[a.Key] = &a
		s.agentOrder = append(s.agentOrder, a.Key)
	}

	for _, key := range s.agentOrder {
		a := s.agents[key]
		for _, tk := range a.EquippedTools {
			if _, ok := s.tools[tk]; !ok {
				addf("agent %q: equipped tool %q does not exist", key, tk)
			}
		}
		for _, rk := range a.AllowedRoutes {
			if _, ok := s.agents[rk]; !ok {
				addf("agent %q: route %q does not exist", key, rk)
			}
		}
	}

	switch len(defaults) {
	case 1:
		s.defaultAgent = defaults[0]
	case 0:
		addf("no default agent")
	default:
		addf("multiple default agents: %s", strings.Join(defaults, ", "))
	}

	if len(responders) == 0 {
		addf("no agent can respond")
	}

	if len(opts.ResponseSchema) > 0 && string(opts.ResponseSchema) != "null" {
		schema, err := jsonschema.NewCompiler().Compile(opts.ResponseSchema)
		if err != nil {
			addf("response schema: %v", err)
		} else {
			s.responseSchema = schema
			s.rawSchema = slices.Clone(opts.ResponseSchema)
		}
	}

	if len(problems) > 0 {
		return nil, core.NewError(core.KindConfiguration, "invalid snapshot %q: %s", version, strings.Join(problems, "; "))
	}

	return s, nil
}

func validateTool(t *Tool, secrets SecretResolver) []string {
	var problems []string

	if t.ProviderType == "" {
		problems = append(problems, "no provider type")
	}

	seen := make(map[string]bool, len(t.Params))
	for i := range t.Params {
		p := &t.Params[i]
		switch {
		case p.Name == "":
			problems = append(problems, fmt.Sprintf("parameter %d has no name", i))
			continue
		case seen[p.Name]:
			problems = append(problems, fmt.Sprintf("duplicate parameter %q", p.Name))
			continue
		}
		seen[p.Name] = true

		if !p.Source.valid() {
			problems = append(problems, fmt.Sprintf("parameter %q: unknown source %q", p.Name, p.Source))
		}
		if !p.In.valid() {
			problems = append(problems, fmt.Sprintf("parameter %q: unknown placement %q", p.Name, p.In))
		}
		// an omitted path parameter would leave its placeholder unfilled
		if p.In == PlacePath && (p.Source == SourceAgent || p.Source == SourceSystem) && !p.Required && !p.HasDefault() {
			problems = append(problems, fmt.Sprintf("path parameter %q must be required or have a default", p.Name))
		}
		if p.Type != "" && !slices.Contains(validTypes, p.Type) {
			problems = append(problems, fmt.Sprintf("parameter %q: unknown type %q", p.Name, p.Type))
		}

		switch p.Source {
		case SourceConst:
			if p.Value == nil {
				problems = append(problems, fmt.Sprintf("const parameter %q has no value", p.Name))
			}
		case SourceSecret:
			if p.Value == nil {
				if p.SecretRef == "" {
					problems = append(problems, fmt.Sprintf("secret parameter %q has no reference", p.Name))
					break
				}
				v, err := secrets.ResolveSecret(p.SecretRef)
				if err != nil {
					problems = append(problems, fmt.Sprintf("secret parameter %q: %v", p.Name, err))
					break
				}
				p.Value = v
			}
		case SourceAgent, SourceSystem:
			if p.Value != nil {
				problems = append(problems, fmt.Sprintf("parameter %q: %s sourced parameters cannot carry a fixed value", p.Name, p.Source))
			}
		}
	}

	if t.ProviderType == ProviderHTTP {
		if t.HTTP == nil || t.HTTP.BaseURL == "" {
			problems = append(problems, "http tool has no base url")
		} else {
			for _, m := range placeholderRe.FindAllStringSubmatch(t.HTTP.Path, -1) {
				p, ok := t.Param(m[1])
				if !ok || p.In != PlacePath {
					problems = append(problems, fmt.Sprintf("path placeholder {%s} has no path parameter", m[1]))
				}
			}
		}
	}

	return problems
}

// Version returns the snapshot version.
func (s *Snapshot) Version() string { return s.version }

// LookupAgent returns the agent with the given key.
func (s *Snapshot) LookupAgent(key string) (*Agent, error) {
	a, ok := s.agents[key]
	if !ok {
		return nil, core.NewError(core.KindConfiguration, "agent %q not found in snapshot %q", key, s.version)
	}
	return a, nil
}

// LookupTool returns the tool with the given key.
func (s *Snapshot) LookupTool(key string) (*Tool, error) {
	t, ok := s.tools[key]
	if !ok {
		return nil, core.NewError(core.KindConfiguration, "tool %q not found in snapshot %q", key, s.version)
	}
	return t, nil
}

// DefaultAgent returns the entry point agent.
func (s *Snapshot) DefaultAgent() *Agent { return s.agents[s.defaultAgent] }

// Agents returns all agents in declaration order.
func (s *Snapshot) Agents() []Agent {
	out := make([]Agent, 0, len(s.agentOrder))
	for _, k := range s.agentOrder {
		out = append(out, s.agents[k].clone())
	}
	return out
}

// Tools returns all tools in declaration order.
func (s *Snapshot) Tools() []Tool {
	out := make([]Tool, 0, len(s.toolOrder))
	for _, k := range s.toolOrder {
		out = append(out, s.tools[k].clone())
	}
	return out
}

// ResponseSchema returns the raw response schema, or nil.
func (s *Snapshot) ResponseSchema() json.RawMessage { return slices.Clone(s.rawSchema) }

// ValidateResponse checks a RESPOND payload against the network response
// schema. Without a schema every payload is valid.
func (s *Snapshot) ValidateResponse(payload any) error {
	if s.responseSchema == nil {
		return nil
	}

	// normalize Go values to their JSON representation
	raw, err := json.Marshal(payload)
	if err != nil {
		return core.WrapError(core.KindSchemaViolation, err, "payload is not JSON serializable")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return core.WrapError(core.KindSchemaViolation, err, "payload is not JSON serializable")
	}

	result := s.responseSchema.Validate(doc)
	if !result.IsValid() {
		return core.NewError(core.KindSchemaViolation, "response payload does not match schema: %s", result.Error())
	}

	return nil
}
