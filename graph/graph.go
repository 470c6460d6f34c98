package graph

import (
	"slices"
	"time"
)

// Source declares where a tool parameter's value comes from.
type Source string

const (
	// SourceAgent values are supplied by the reasoning agent's decision.
	SourceAgent Source = "agent"
	// SourceSystem values come from the trusted run-level system parameters.
	SourceSystem Source = "system"
	// SourceConst values are fixed in the snapshot.
	SourceConst Source = "const"
	// SourceSecret values are resolved from a secret reference when the
	// snapshot is built.
	SourceSecret Source = "secret"
)

func (s Source) valid() bool {
	switch s {
	case SourceAgent, SourceSystem, SourceConst, SourceSecret:
		return true
	}
	return false
}

// Placement tells the HTTP provider where to put a parameter.
type Placement string

const (
	PlaceQuery  Placement = "query"
	PlacePath   Placement = "path"
	PlaceBody   Placement = "body"
	PlaceHeader Placement = "header"
)

func (p Placement) valid() bool {
	switch p {
	case "", PlaceQuery, PlacePath, PlaceBody, PlaceHeader:
		return true
	}
	return false
}

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Name     string
	Source   Source
	Required bool
	// Default is used when the declared source has no value.
	Default any
	// Value holds the fixed value of const parameters and the resolved value
	// of secret parameters.
	Value any
	// SecretRef names the secret resolved into Value at build time.
	SecretRef string
	// Type optionally restricts the value to a JSON type
	// (string, integer, number, boolean, array, object).
	Type        string
	In          Placement
	Description string
}

// HasDefault reports whether the parameter declares a default value.
func (p ParamSpec) HasDefault() bool { return p.Default != nil }

// HTTPConfig is the declarative request description used by the HTTP
// provider.
type HTTPConfig struct {
	BaseURL string
	// Path may contain {name} placeholders filled from path parameters.
	Path string
	// Method defaults to GET without body parameters and POST otherwise.
	Method string
	// UnwrapPath selects the part of the JSON response surfaced to the agent,
	// e.g. "result.items".
	UnwrapPath string
	Headers    map[string]string
	Timeout    time.Duration
}

// Tool is a named capability the loop can invoke through a provider.
type Tool struct {
	Key          string
	Description  string
	ProviderType string
	Params       []ParamSpec
	HTTP         *HTTPConfig
	// Options carries provider specific configuration for non-HTTP providers.
	Options map[string]any
}

// Param returns the parameter spec with the given name.
func (t *Tool) Param(name string) (ParamSpec, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Option returns a string provider option or def if unset.
func (t *Tool) Option(key, def string) string {
	if v, ok := t.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// AgentParams returns the parameters an agent is expected to supply.
func (t *Tool) AgentParams() []ParamSpec {
	var out []ParamSpec
	for _, p := range t.Params {
		if p.Source == SourceAgent {
			out = append(out, p)
		}
	}
	return out
}

// Agent is a node of the network.
type Agent struct {
	Key         string
	Description string
	// Prompt is opaque to the engine; deciders use it as instructions.
	Prompt        string
	EquippedTools []string
	AllowedRoutes []string
	AllowRespond  bool
	IsDefault     bool
}

// HasTool reports whether the tool key is equipped.
func (a *Agent) HasTool(key string) bool { return slices.Contains(a.EquippedTools, key) }

// CanRoute reports whether the agent may hand off to key.
func (a *Agent) CanRoute(key string) bool { return slices.Contains(a.AllowedRoutes, key) }

func (a Agent) clone() Agent {
	a.EquippedTools = slices.Clone(a.EquippedTools)
	a.AllowedRoutes = slices.Clone(a.AllowedRoutes)
	return a
}

func (t Tool) clone() Tool {
	t.Params = slices.Clone(t.Params)
	if t.HTTP != nil {
		h := *t.HTTP
		if t.HTTP.Headers != nil {
			h.Headers = make(map[string]string, len(t.HTTP.Headers))
			for k, v := range t.HTTP.Headers {
				h.Headers[k] = v
			}
		}
		t.HTTP = &h
	}
	if t.Options != nil {
		opts := make(map[string]any, len(t.Options))
		for k, v := range t.Options {
			opts[k] = v
		}
		t.Options = opts
	}
	return t
}
