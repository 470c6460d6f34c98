package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentgraph/decider"
)

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages(decider.Prompt{
		System: "be brief",
		Messages: []decider.Message{
			{Role: "user", Text: "hi"},
			{Role: "assistant", Text: "not json"},
			{Role: "user", Text: "again"},
		},
	})

	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	assert.NotNil(t, msgs[2].OfAssistant)
	assert.NotNil(t, msgs[3].OfUser)
}

func TestComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"reasoning\":\"r\",\"action\":{\"type\":\"respond\"}}"}}]
		}`))
	}))
	defer srv.Close()

	client := openai.NewClient(option.WithBaseURL(srv.URL+"/"), option.WithAPIKey("test"), option.WithMaxRetries(0))
	m := NewModelFromClient(&client, func(o *Options) { o.Model = "gpt-test" })

	text, err := m.Complete(context.Background(), decider.Prompt{System: "sys", Messages: []decider.Message{{Role: "user", Text: "q"}}})
	require.NoError(t, err)
	assert.Contains(t, text, `"respond"`)

	assert.Equal(t, "gpt-test", got["model"])
	assert.Len(t, got["messages"], 2)
	assert.Equal(t, decider.Info{Name: "gpt-test", Provider: "openai"}, m.Info())
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := openai.NewClient(option.WithBaseURL(srv.URL+"/"), option.WithAPIKey("test"), option.WithMaxRetries(0))

	_, err := NewModelFromClient(&client).Complete(context.Background(), decider.Prompt{Messages: []decider.Message{{Role: "user", Text: "q"}}})
	assert.ErrorContains(t, err, "openai api error")
}
