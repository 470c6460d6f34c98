package decider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Message is one turn of a prompt.
type Message struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Prompt is the normalized model input built from a run state view.
type Prompt struct {
	System   string    `json:"system"`
	Messages []Message `json:"messages"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", ...
}

// Model is the minimal interface a language model backend implements to
// drive the LLM decider. It returns the raw completion text.
type Model interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests and examples.
// It returns queued completions in order, then repeats the last one.
type MockModel struct {
	mu          sync.Mutex
	info        Info
	completions []string
	prompts     []Prompt
}

// NewMockModel constructs a MockModel that answers with completions.
func NewMockModel(completions ...string) *MockModel {
	return &MockModel{
		info:        Info{Name: "mock", Provider: "mock"},
		completions: completions,
	}
}

// Complete implements Model.
func (m *MockModel) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, prompt)
	if len(m.completions) == 0 {
		return "", fmt.Errorf("no completion for prompt %q", lastText(prompt))
	}

	next := m.completions[0]
	if len(m.completions) > 1 {
		m.completions = m.completions[1:]
	}

	return next, nil
}

// Prompts returns every prompt the model received.
func (m *MockModel) Prompts() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Prompt(nil), m.prompts...)
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

func lastText(p Prompt) string {
	if len(p.Messages) == 0 {
		return ""
	}
	return strings.TrimSpace(p.Messages[len(p.Messages)-1].Text)
}
