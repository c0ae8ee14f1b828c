package assertion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mykhaliev/llm-eval/model"
)

func float(v float64) *float64 { return &v }

// ============================================================================
// Built-in Assertion Tests
// ============================================================================

func TestContainsAssertions(t *testing.T) {
	registry := NewRegistry()
	ctx := context.Background()
	text := "Hello, World!"

	t.Run("contains passes on substring", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertContains, Value: "World"}, text, nil)
		assert.True(t, res.Passed)
	})

	t.Run("contains is case sensitive", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertContains, Value: "world"}, text, nil)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "Expected output to contain")
	})

	t.Run("icontains ignores case", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertIContains, Value: "WORLD"}, text, nil)
		assert.True(t, res.Passed)
	})

	t.Run("not-contains", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertNotContains, Value: "Goodbye"}, text, nil)
		assert.True(t, res.Passed)

		res = registry.Evaluate(ctx, model.Assertion{Type: model.AssertNotContains, Value: "World"}, text, nil)
		assert.False(t, res.Passed)
	})
}

func TestRegexAssertion(t *testing.T) {
	registry := NewRegistry()
	ctx := context.Background()

	t.Run("Anchored prefix", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertRegex, Value: "^Hello"}, "Hello, World!", nil)
		assert.True(t, res.Passed)
	})

	t.Run("Multiline anchors match inner lines", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertRegex, Value: "^second$"}, "first\nsecond", nil)
		assert.True(t, res.Passed)
	})

	t.Run("Dot matches newline", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertRegex, Value: "first.second"}, "first\nsecond", nil)
		assert.True(t, res.Passed)
	})

	t.Run("Invalid pattern yields failed result", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertRegex, Value: "([unclosed"}, "anything", nil)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "invalid regex pattern")
	})
}

func TestCostAssertion(t *testing.T) {
	registry := NewRegistry()
	ctx := context.Background()

	t.Run("Exceeded threshold fails with message", func(t *testing.T) {
		resp := &model.ProviderResponse{Cost: float(0.0005)}
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertCost, Threshold: float(0.0001)}, "", resp)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "exceeded threshold")
	})

	t.Run("Within threshold passes", func(t *testing.T) {
		resp := &model.ProviderResponse{Cost: float(0.0005)}
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertCost, Threshold: float(0.001)}, "", resp)
		assert.True(t, res.Passed)
	})

	t.Run("Missing cost fails with diagnostic", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertCost, Threshold: float(0.001)}, "", &model.ProviderResponse{})
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "no cost information")
	})

	t.Run("Missing threshold fails with diagnostic", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertCost}, "", &model.ProviderResponse{Cost: float(0.1)})
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "requires a threshold")
	})
}

func TestLatencyAssertion(t *testing.T) {
	registry := NewRegistry()
	ctx := context.Background()

	resp := &model.ProviderResponse{Latency: float(1.5)}
	res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertLatency, Threshold: float(2)}, "", resp)
	assert.True(t, res.Passed)

	res = registry.Evaluate(ctx, model.Assertion{Type: model.AssertLatency, Threshold: float(1)}, "", resp)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "exceeded threshold")

	res = registry.Evaluate(ctx, model.Assertion{Type: model.AssertLatency, Threshold: float(1)}, "", &model.ProviderResponse{})
	assert.False(t, res.Passed)
}

func TestToolCalledAssertion(t *testing.T) {
	registry := NewRegistry()
	ctx := context.Background()

	t.Run("Named tool present", func(t *testing.T) {
		resp := &model.ProviderResponse{ToolCalls: []model.ToolCall{{Name: "get_weather"}}}
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertToolCalled, Value: "get_weather"}, "", resp)
		assert.True(t, res.Passed)
	})

	t.Run("Named tool absent", func(t *testing.T) {
		resp := &model.ProviderResponse{ToolCalls: []model.ToolCall{{Name: "search"}}}
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertToolCalled, Value: "get_weather"}, "", resp)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "search")
	})

	t.Run("No tool calls at all", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertToolCalled, Value: "get_weather"}, "", &model.ProviderResponse{})
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "no tool calls")
	})
}

func TestJSONSchemaAssertion(t *testing.T) {
	registry := NewRegistry()
	ctx := context.Background()

	res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertJSONSchema}, `{"ok": true}`, nil)
	assert.True(t, res.Passed)

	res = registry.Evaluate(ctx, model.Assertion{Type: model.AssertJSONSchema}, "not json at all {", nil)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "not valid JSON")
}

// ============================================================================
// Registry Behavior Tests
// ============================================================================

func TestRegistryDispatch(t *testing.T) {
	registry := NewRegistry()
	ctx := context.Background()

	t.Run("Unknown type yields failed result", func(t *testing.T) {
		res := registry.Evaluate(ctx, model.Assertion{Type: "bogus"}, "text", nil)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "unknown assertion type")
	})

	t.Run("Panicking assertion is contained", func(t *testing.T) {
		registry.Register("explode", func(_ context.Context, a model.Assertion, _ string, _ *model.ProviderResponse) (model.AssertionResult, error) {
			panic("boom")
		})
		res := registry.Evaluate(ctx, model.Assertion{Type: "explode"}, "text", nil)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "boom")
	})

	t.Run("Returned error becomes failed result", func(t *testing.T) {
		registry.Register("erroring", func(_ context.Context, a model.Assertion, _ string, _ *model.ProviderResponse) (model.AssertionResult, error) {
			return model.AssertionResult{}, assert.AnError
		})
		res := registry.Evaluate(ctx, model.Assertion{Type: "erroring"}, "text", nil)
		assert.False(t, res.Passed)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("Types reports registered tags", func(t *testing.T) {
		known := registry.Types()
		require.True(t, known[model.AssertContains])
		require.True(t, known[model.AssertLLMRubric])
		require.True(t, known[model.AssertJavaScript])
		assert.False(t, known["bogus-tag"])
	})
}
