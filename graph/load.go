package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentgraph/core"
)

// document is the on-disk representation of a compiled network. JSON
// documents are accepted as well since YAML is a superset.
type document struct {
	Version        string     `yaml:"version"`
	ResponseSchema any        `yaml:"response_schema"`
	Agents         []agentDoc `yaml:"agents"`
	Tools          []toolDoc  `yaml:"tools"`
}

type agentDoc struct {
	Key          string   `yaml:"key"`
	Description  string   `yaml:"description"`
	Prompt       string   `yaml:"prompt"`
	Tools        []string `yaml:"tools"`
	Routes       []string `yaml:"routes"`
	AllowRespond bool     `yaml:"allow_respond"`
	Default      bool     `yaml:"default"`
}

type toolDoc struct {
	Key         string         `yaml:"key"`
	Description string         `yaml:"description"`
	Provider    string         `yaml:"provider"`
	Params      []paramDoc     `yaml:"params"`
	HTTP        *httpDoc       `yaml:"http"`
	Options     map[string]any `yaml:"options"`
}

type paramDoc struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	Value       any    `yaml:"value"`
	Secret      string `yaml:"secret"`
	Type        string `yaml:"type"`
	In          string `yaml:"in"`
	Description string `yaml:"description"`
}

type httpDoc struct {
	BaseURL string            `yaml:"base_url"`
	Path    string            `yaml:"path"`
	Method  string            `yaml:"method"`
	Unwrap  string            `yaml:"unwrap"`
	Headers map[string]string `yaml:"headers"`
	Timeout string            `yaml:"timeout"`
}

// Load decodes a snapshot document from r and builds it with New.
func Load(r io.Reader, optFns ...func(o *Options)) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, core.WrapError(core.KindConfiguration, err, "decode snapshot")
	}

	agents := make([]Agent, 0, len(doc.Agents))
	for _, a := range doc.Agents {
		agents = append(agents, Agent{
			Key:           a.Key,
			Description:   a.Description,
			Prompt:        a.Prompt,
			EquippedTools: a.Tools,
			AllowedRoutes: a.Routes,
			AllowRespond:  a.AllowRespond,
			IsDefault:     a.Default,
		})
	}

	tools := make([]Tool, 0, len(doc.Tools))
	for _, td := range doc.Tools {
		t := Tool{
			Key:          td.Key,
			Description:  td.Description,
			ProviderType: td.Provider,
			Options:      td.Options,
		}
		for _, p := range td.Params {
			t.Params = append(t.Params, ParamSpec{
				Name:        p.Name,
				Source:      Source(p.Source),
				Required:    p.Required,
				Default:     p.Default,
				Value:       p.Value,
				SecretRef:   p.Secret,
				Type:        p.Type,
				In:          Placement(p.In),
				Description: p.Description,
			})
		}
		if td.HTTP != nil {
			h := &HTTPConfig{
				BaseURL:    td.HTTP.BaseURL,
				Path:       td.HTTP.Path,
				Method:     td.HTTP.Method,
				UnwrapPath: td.HTTP.Unwrap,
				Headers:    td.HTTP.Headers,
			}
			if td.HTTP.Timeout != "" {
				d, err := time.ParseDuration(td.HTTP.Timeout)
				if err != nil {
					return nil, core.WrapError(core.KindConfiguration, err, "tool %q: invalid timeout", td.Key)
				}
				h.Timeout = d
			}
			t.HTTP = h
		}
		tools = append(tools, t)
	}

	if doc.ResponseSchema != nil {
		raw, err := json.Marshal(doc.ResponseSchema)
		if err != nil {
			return nil, core.WrapError(core.KindConfiguration, err, "encode response schema")
		}
		optFns = append([]func(o *Options){func(o *Options) { o.ResponseSchema = raw }}, optFns...)
	}

	return New(doc.Version, agents, tools, optFns...)
}

// LoadFile loads a snapshot document from path.
func LoadFile(path string, optFns ...func(o *Options)) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	return Load(f, optFns...)
}
