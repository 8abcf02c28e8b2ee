package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoAndStatic(t *testing.T) {
	out, err := Echo{}.Execute(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", out)

	out, err = Static{Output: "fixed"}.Execute(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "fixed", out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo{}.Execute(ctx, "late")
	assert.ErrorIs(t, err, context.Canceled)
}

func fakeCompletions(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be brief", req.Messages[0].Content)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply + ": " + req.Messages[1].Content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIExecute(t *testing.T) {
	srv := fakeCompletions(t, "answer")

	a, err := NewOpenAI(config.AgentDefinition{
		Type:         "openai",
		Model:        "test-model",
		SystemPrompt: "be brief",
		BaseURL:      srv.URL,
	}, config.DefaultsConfig{APIKey: "sk-test"})
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), "what is a DAG?")
	require.NoError(t, err)
	assert.Equal(t, "answer: what is a DAG?", out)
}

func TestOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI(config.AgentDefinition{Type: "openai"}, config.DefaultsConfig{})
	assert.Error(t, err)
}

func TestOpenAIServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded","type":"server_error"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, err := NewOpenAI(config.AgentDefinition{BaseURL: srv.URL, APIKey: "k"}, config.DefaultsConfig{})
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), "hi")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	defs := map[string]config.AgentDefinition{
		"echo":   {Type: "echo", Description: "repeats"},
		"static": {Type: "static", Output: "done"},
	}

	reg, err := FromConfig(defs, config.DefaultsConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "static"}, reg.Names())
	assert.Equal(t, "repeats", reg.Descriptions()["echo"])

	out, err := reg.Execute(context.Background(), "static", "x")
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	reg, err = FromConfig(defs, config.DefaultsConfig{}, []string{"echo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, reg.Names())

	_, err = FromConfig(defs, config.DefaultsConfig{}, []string{"missing"})
	assert.Error(t, err)

	_, err = FromConfig(map[string]config.AgentDefinition{"x": {Type: "nope"}}, config.DefaultsConfig{}, nil)
	assert.Error(t, err)
}
