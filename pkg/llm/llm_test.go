package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	lastSys   string
}

func (c *scriptedClient) Complete(_ context.Context, systemPrompt, _ string, _ ...CompleteOption) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	c.lastSys = systemPrompt
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

type verdict struct {
	IsValid  bool     `json:"is_valid" jsonschema:"whether the statement is acceptable"`
	Reason   string   `json:"reason"`
	Keywords []string `json:"keywords,omitempty"`
}

func TestLLM_CompleteJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		want     verdict
		wantKind capability.Kind
	}{
		{
			name:     "fenced json",
			response: "Here you go:\n```json\n{\"is_valid\": true, \"reason\": \"ok\"}\n```",
			want:     verdict{IsValid: true, Reason: "ok"},
		},
		{
			name:     "bare object with prose",
			response: `Verdict: {"is_valid": false, "reason": "uses {braces}", "keywords": ["refund"]} done`,
			want:     verdict{IsValid: false, Reason: "uses {braces}", Keywords: []string{"refund"}},
		},
		{
			name:     "no json",
			response: "I cannot answer that.",
			wantKind: capability.KindMalformedOutput,
		},
		{
			name:     "missing required field",
			response: `{"reason": "forgot the verdict"}`,
			wantKind: capability.KindMalformedOutput,
		},
		{
			name:     "wrong type",
			response: `{"is_valid": "yes", "reason": "x"}`,
			wantKind: capability.KindMalformedOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := &scriptedClient{responses: []string{tt.response}}
			got, err := CompleteJSON[verdict](t.Context(), client, "llm.test", "judge", "sql")
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, capability.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, client.lastSys, `"is_valid"`)
		})
	}
}

func TestLLM_CompleteJSON_TransportError(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{errs: []error{context.DeadlineExceeded}}
	_, err := CompleteJSON[verdict](t.Context(), client, "llm.test", "judge", "sql")
	require.Error(t, err)
	assert.Equal(t, capability.KindTimeout, capability.KindOf(err))
}

func TestLLM_RetryingClient(t *testing.T) {
	t.Parallel()

	t.Run("retries transient errors", func(t *testing.T) {
		t.Parallel()
		inner := &scriptedClient{
			errs:      []error{errors.New("connection reset"), errors.New("connection reset")},
			responses: []string{"", "", "hello"},
		}
		c := NewRetryingClient(slog.Default(), inner, 3)
		c.initialInterval = time.Millisecond
		got, err := c.Complete(t.Context(), "sys", "user")
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
		assert.Equal(t, 3, inner.calls)
	})

	t.Run("gives up after max tries", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("upstream 502")
		inner := &scriptedClient{errs: []error{boom, boom, boom, boom}}
		c := NewRetryingClient(slog.Default(), inner, 2)
		c.initialInterval = time.Millisecond
		_, err := c.Complete(t.Context(), "sys", "user")
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		t.Parallel()
		bad := &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "bad request"}
		inner := &scriptedClient{errs: []error{bad, bad}}
		c := NewRetryingClient(slog.Default(), inner, 3)
		c.initialInterval = time.Millisecond
		_, err := c.Complete(t.Context(), "sys", "user")
		require.Error(t, err)
		assert.Equal(t, 1, inner.calls)
	})
}

func TestLLM_ExtractJSON(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a":1}`, ExtractJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":"}"}`, ExtractJSON(`x {"a":"}"} y`))
	assert.Equal(t, "", ExtractJSON("no object"))
	assert.Equal(t, "", ExtractJSON(`{"unterminated": true`))
}
