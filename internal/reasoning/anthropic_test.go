package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnthropic(t *testing.T, h http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	return p
}

func TestAnthropic_CompleteToolUse(t *testing.T) {
	t.Parallel()

	var got map[string]any
	p := newAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"model": "claude-test",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Here is the proof."},
				{"type": "tool_use", "name": "complete_proof", "input": {
					"proof_code": "by\n  simp",
					"proof_strategy": "simplification",
					"tactics_used": ["simp"],
					"difficulty": "easy"
				}}
			],
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`)
	})

	c, err := p.Complete(context.Background(), Request{StubID: "s1", System: "sys", Prompt: "prove it", Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, "simp", c.ProofCode)
	assert.Equal(t, "simplification", c.Strategy)
	assert.Equal(t, []string{"simp"}, c.TacticsUsed)
	assert.Equal(t, "easy", c.Difficulty)
	assert.Equal(t, "claude-test", c.Model)
	assert.True(t, strings.HasPrefix(c.Raw, "Here is the proof.\n"), c.Raw)
	assert.Contains(t, c.Raw, `"proof_strategy"`)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 30}, c.Usage)

	assert.Equal(t, float64(0), got["temperature"])
	assert.Equal(t, "sys", got["system"])
	assert.Equal(t, float64(DefaultMaxTokens), got["max_tokens"])
	assert.Equal(t, map[string]any{"type": "tool", "name": CompleteProofTool}, got["tool_choice"])
	assert.NotContains(t, got, "seed")
}

func TestAnthropic_TextFallback(t *testing.T) {
	t.Parallel()

	p := newAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"model":"m","content":[{"type":"text","text":"`+"```lean\\nomega\\n```"+`"}],"usage":{}}`)
	})
	c, err := p.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "omega", c.ProofCode)
	assert.Equal(t, "```lean\nomega\n```", c.Raw)
}

func TestAnthropic_MalformedCompletion(t *testing.T) {
	t.Parallel()

	p := newAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"content":[{"type":"tool_use","name":"complete_proof","input":{"proof_strategy":"x"}}],"usage":{"input_tokens":5}}`)
	})
	c, err := p.Complete(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, ErrMalformedCompletion)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 5, c.Usage.InputTokens)
}

func TestAnthropic_StatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{529, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		p := newAnthropic(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"some_error","message":"nope"}}`)
		})
		_, err := p.Complete(context.Background(), Request{Prompt: "p"})
		require.ErrorIs(t, err, ErrService)
		var se *ServiceError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, tc.status, se.StatusCode)
		assert.Equal(t, tc.retryable, se.Retryable, "status %d", tc.status)
		assert.Equal(t, tc.retryable, IsRetryable(err))
		assert.Contains(t, se.Message, "nope")
	}
}

func TestAnthropic_CancelledIsNotServiceError(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	p := newAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-block:
		}
	})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Complete(ctx, Request{Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrService)
}

func TestAnthropic_Ping(t *testing.T) {
	t.Parallel()

	p := newAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		_, _ = io.WriteString(w, `{"data":[]}`)
	})
	require.NoError(t, p.Ping(context.Background()))

	bad := newAnthropic(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	require.ErrorIs(t, bad.Ping(context.Background()), ErrService)
}

func TestNewAnthropicProvider_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewAnthropicProvider(AnthropicConfig{Model: "m"}, nil)
	require.Error(t, err)
	_, err = NewAnthropicProvider(AnthropicConfig{APIKey: "k"}, nil)
	require.Error(t, err)
}
