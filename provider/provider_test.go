package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// ============================================================================
// Error Classification Tests
// ============================================================================

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"Deadline exceeded", context.DeadlineExceeded, ErrTimeout},
		{"Timeout phrase", fmt.Errorf("request timeout after 30s"), ErrTimeout},
		{"HTTP 429", fmt.Errorf("API returned 429"), ErrRateLimit},
		{"Rate limit phrase", fmt.Errorf("rate limit exceeded, retry later"), ErrRateLimit},
		{"Quota phrase", fmt.Errorf("quota exhausted for project"), ErrRateLimit},
		{"HTTP 401", fmt.Errorf("status 401"), ErrAuthentication},
		{"Invalid key", fmt.Errorf("invalid API key provided"), ErrAuthentication},
		{"Permission denied", fmt.Errorf("permission denied"), ErrAuthentication},
		{"HTTP 404", fmt.Errorf("model returned 404"), ErrNotFound},
		{"Missing model", fmt.Errorf("model does not exist"), ErrNotFound},
		{"Anything else", fmt.Errorf("connection reset by peer"), ErrUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			perr := Classify("openai:gpt-4o-mini", tc.err)
			assert.Equal(t, tc.kind, perr.Kind)
			assert.Equal(t, "openai:gpt-4o-mini", perr.Provider)
			assert.ErrorIs(t, perr, tc.err)
		})
	}

	t.Run("Error string carries provider and kind", func(t *testing.T) {
		perr := Classify("groq:llama-3.1-8b-instant", errors.New("rate limit"))
		assert.Contains(t, perr.Error(), "groq:llama-3.1-8b-instant")
		assert.Contains(t, perr.Error(), "rate_limit")
	})
}

// ============================================================================
// Cost Estimation Tests
// ============================================================================

func TestEstimateCost(t *testing.T) {
	usage := map[string]int{"prompt_tokens": 1000, "completion_tokens": 500}

	t.Run("Known model", func(t *testing.T) {
		cost := EstimateCost("gpt-4o-mini", usage)
		require.NotNil(t, cost)
		// 1000 * 0.15/1M + 500 * 0.60/1M
		assert.InDelta(t, 0.00045, *cost, 1e-9)
	})

	t.Run("Longest prefix wins", func(t *testing.T) {
		mini := EstimateCost("gpt-4o-mini-2024-07-18", usage)
		full := EstimateCost("gpt-4o-2024-08-06", usage)
		require.NotNil(t, mini)
		require.NotNil(t, full)
		assert.Less(t, *mini, *full)
	})

	t.Run("Unpriced model", func(t *testing.T) {
		assert.Nil(t, EstimateCost("mystery-model-9000", usage))
	})

	t.Run("No usage", func(t *testing.T) {
		assert.Nil(t, EstimateCost("gpt-4o-mini", nil))
		assert.Nil(t, EstimateCost("gpt-4o-mini", map[string]int{}))
	})
}

// ============================================================================
// Message and Usage Mapping Tests
// ============================================================================

func TestChatMessageType(t *testing.T) {
	assert.Equal(t, llms.ChatMessageTypeSystem, chatMessageType("system"))
	assert.Equal(t, llms.ChatMessageTypeAI, chatMessageType("assistant"))
	assert.Equal(t, llms.ChatMessageTypeAI, chatMessageType("AI"))
	assert.Equal(t, llms.ChatMessageTypeTool, chatMessageType("tool"))
	assert.Equal(t, llms.ChatMessageTypeHuman, chatMessageType("user"))
	assert.Equal(t, llms.ChatMessageTypeHuman, chatMessageType(""))
}

func TestTokenUsage(t *testing.T) {
	t.Run("OpenAI style keys", func(t *testing.T) {
		usage := tokenUsage(map[string]any{"PromptTokens": 10, "CompletionTokens": 5, "TotalTokens": 15})
		assert.Equal(t, map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}, usage)
	})

	t.Run("Anthropic style keys", func(t *testing.T) {
		usage := tokenUsage(map[string]any{"InputTokens": 7, "OutputTokens": 3})
		assert.Equal(t, 7, usage["prompt_tokens"])
		assert.Equal(t, 3, usage["completion_tokens"])
		assert.Equal(t, 10, usage["total_tokens"])
	})

	t.Run("Float values from JSON decoding", func(t *testing.T) {
		usage := tokenUsage(map[string]any{"input_tokens": float64(4), "output_tokens": float64(6)})
		assert.Equal(t, 10, usage["total_tokens"])
	})

	t.Run("No recognizable keys", func(t *testing.T) {
		assert.Nil(t, tokenUsage(nil))
		assert.Nil(t, tokenUsage(map[string]any{"FinishReason": "stop"}))
	})
}
