package core

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed decision.schema.json
var decisionSchemaJSON []byte

var decisionSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("decision.json", bytes.NewReader(decisionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add decision schema resource: %w", err)
	}

	return compiler.Compile("decision.json")
})

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// ParseDecision is the trust boundary between the decision collaborator and
// the engine. It accepts the raw JSON emitted by an agent (optionally wrapped
// in a markdown code fence), validates it against the closed decision schema
// and maps it onto the Decision sum type.
//
// Every failure is returned as a KindMalformedDecision *Error.
func ParseDecision(raw []byte) (Decision, error) {
	raw = StripCodeFence(raw)

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Decision{}, WrapError(KindMalformedDecision, err, "decision is not valid JSON")
	}

	schema, err := decisionSchema()
	if err != nil {
		return Decision{}, WrapError(KindConfiguration, err, "compile decision schema")
	}

	if err := schema.Validate(doc); err != nil {
		return Decision{}, WrapError(KindMalformedDecision, err, "decision does not match schema")
	}

	var w wireDecision
	if err := json.Unmarshal(raw, &w); err != nil {
		return Decision{}, WrapError(KindMalformedDecision, err, "decode decision")
	}

	return w.toDecision()
}

// StripCodeFence removes a surrounding ```json fence, if present.
func StripCodeFence(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if m := codeFenceRe.FindSubmatch(trimmed); m != nil {
		return m[1]
	}

	return trimmed
}
