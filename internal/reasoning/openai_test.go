package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAI(t *testing.T, h http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", Model: "gpt-test", BaseURL: srv.URL + "/v1"}, nil)
	require.NoError(t, err)
	return p
}

func TestOpenAI_CompleteToolCall(t *testing.T) {
	t.Parallel()

	var got map[string]any
	p := newOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "c1",
			"model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant",
				"tool_calls": [{"id": "t1", "type": "function", "function": {
					"name": "complete_proof",
					"arguments": "{\"proof_code\":\"omega\",\"proof_strategy\":\"decision procedure\"}"
				}}]
			}}],
			"usage": {"prompt_tokens": 80, "completion_tokens": 12, "total_tokens": 92}
		}`)
	})

	c, err := p.Complete(context.Background(), Request{System: "sys", Prompt: "prove", Seed: 1234})
	require.NoError(t, err)
	assert.Equal(t, "omega", c.ProofCode)
	assert.Equal(t, `{"proof_code":"omega","proof_strategy":"decision procedure"}`, c.Raw)
	assert.Equal(t, "decision procedure", c.Strategy)
	assert.Equal(t, Usage{InputTokens: 80, OutputTokens: 12}, c.Usage)

	assert.Equal(t, float64(1234), got["seed"])
	assert.Equal(t, "gpt-test", got["model"])
	temp, ok := got["temperature"].(float64)
	require.True(t, ok)
	assert.Less(t, temp, 1e-6)
	choice, ok := got["tool_choice"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", choice["type"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAI_ServerErrorRetryable(t *testing.T) {
	t.Parallel()

	p := newOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})
	_, err := p.Complete(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, ErrService)
	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, se.Retryable)
}

func TestOpenAI_AuthErrorNotRetryable(t *testing.T) {
	t.Parallel()

	p := newOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})
	_, err := p.Complete(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, ErrService)
	assert.False(t, IsRetryable(err))
}

func TestOpenAI_ContentFallback(t *testing.T) {
	t.Parallel()

	p := newOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"by rfl"}}],"usage":{}}`)
	})
	c, err := p.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "rfl", c.ProofCode)
	assert.Equal(t, "by rfl", c.Raw)
}
