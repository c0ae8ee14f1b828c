package assertion

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/provider"
)

// stubJudge replies with a canned grading transcript.
type stubJudge struct {
	reply string
	err   error
}

func (s *stubJudge) ID() string { return "judge" }

func (s *stubJudge) Generate(_ context.Context, _ []model.Message, _ *provider.GenerateOptions) (*model.ProviderResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.ProviderResponse{Content: s.reply, Provider: "judge"}, nil
}

// ============================================================================
// Judge Assertion Tests
// ============================================================================

func TestRubricAssertion(t *testing.T) {
	ctx := context.Background()

	t.Run("Well formed reply", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "SCORE: 85\nPASSED: YES\nFEEDBACK: clear and accurate"}))
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertLLMRubric, Value: "is polite"}, "Hello!", nil)
		assert.True(t, res.Passed)
		require.NotNil(t, res.Score)
		assert.InDelta(t, 0.85, *res.Score, 1e-9)
		assert.Contains(t, res.Message, "clear and accurate")
	})

	t.Run("Malformed reply falls back to conservative default", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "I think it's pretty good overall."}))
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertLLMRubric, Value: "is polite"}, "Hello!", nil)
		assert.False(t, res.Passed)
		require.NotNil(t, res.Score)
		assert.Zero(t, *res.Score)
	})

	t.Run("Judge failure becomes failed assertion", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{err: fmt.Errorf("judge unavailable")}))
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertLLMRubric, Value: "is polite"}, "Hello!", nil)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Error, "judge unavailable")
	})

	t.Run("No judge configured", func(t *testing.T) {
		registry := NewRegistry()
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertLLMRubric, Value: "is polite"}, "Hello!", nil)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Error, "no judge provider configured")
	})

	t.Run("Missing rubric value", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "SCORE: 100\nPASSED: YES"}))
		res := registry.Evaluate(ctx, model.Assertion{Type: model.AssertLLMRubric}, "Hello!", nil)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "requires a rubric")
	})
}

func TestFactcheckAssertion(t *testing.T) {
	ctx := context.Background()
	a := model.Assertion{Type: model.AssertLLMFactcheck, Value: "Paris is the capital of France"}

	t.Run("Accurate verdict passes", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "ACCURACY: 95\nVERDICT: ACCURATE\nISSUES: NONE"}))
		res := registry.Evaluate(ctx, a, "Paris is the capital of France.", nil)
		assert.True(t, res.Passed)
		assert.InDelta(t, 0.95, *res.Score, 1e-9)
	})

	t.Run("Inaccurate verdict fails even with high accuracy", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "ACCURACY: 90\nVERDICT: INACCURATE\nISSUES: wrong city"}))
		res := registry.Evaluate(ctx, a, "Lyon is the capital of France.", nil)
		assert.False(t, res.Passed)
	})

	t.Run("Partially accurate verdict passes at threshold", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "ACCURACY: 80\nVERDICT: PARTIALLY_ACCURATE\nISSUES: minor"}))
		res := registry.Evaluate(ctx, a, "Paris, France's capital, has 3M people.", nil)
		assert.True(t, res.Passed)
	})

	t.Run("Low accuracy fails", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "ACCURACY: 40\nVERDICT: ACCURATE\nISSUES: NONE"}))
		res := registry.Evaluate(ctx, a, "something", nil)
		assert.False(t, res.Passed)
	})

	t.Run("Missing accuracy line fails conservatively", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "VERDICT: ACCURATE"}))
		res := registry.Evaluate(ctx, a, "something", nil)
		assert.False(t, res.Passed)
	})
}

func TestHelpfulnessAssertion(t *testing.T) {
	ctx := context.Background()
	a := model.Assertion{Type: model.AssertLLMHelpfulness, Value: "How do I reset my password?"}

	t.Run("Helpful reply passes", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "HELPFULNESS_SCORE: 90\nPASSED: YES\nREASONING: step by step answer"}))
		res := registry.Evaluate(ctx, a, "Click 'Forgot password' and follow the email.", nil)
		assert.True(t, res.Passed)
		assert.InDelta(t, 0.9, *res.Score, 1e-9)
	})

	t.Run("Explicit NO fails", func(t *testing.T) {
		registry := NewRegistry(WithJudge(&stubJudge{reply: "HELPFULNESS_SCORE: 30\nPASSED: NO\nREASONING: off topic"}))
		res := registry.Evaluate(ctx, a, "I like turtles.", nil)
		assert.False(t, res.Passed)
	})
}

// ============================================================================
// Judge Reply Parsing Tests
// ============================================================================

func TestParseJudgeReply(t *testing.T) {
	fields := parseJudgeReply("  score: 70\nPASSED: yes, definitely\nFEEDBACK: fine\nSCORE: 10")

	// First occurrence wins, keys are case-insensitive.
	assert.InDelta(t, 0.7, fields.score("SCORE"), 1e-9)
	assert.True(t, fields.yes("PASSED"))
	assert.Equal(t, "fine", fields.text("FEEDBACK"))

	t.Run("Score variants", func(t *testing.T) {
		assert.InDelta(t, 0.85, parseJudgeReply("SCORE: 85%").score("SCORE"), 1e-9)
		assert.InDelta(t, 1.0, parseJudgeReply("SCORE: 150").score("SCORE"), 1e-9)
		assert.Zero(t, parseJudgeReply("SCORE: high").score("SCORE"))
		assert.Zero(t, parseJudgeReply("SCORE:").score("SCORE"))
		assert.Zero(t, judgeFields{}.score("SCORE"))
	})

	t.Run("Yes variants", func(t *testing.T) {
		assert.True(t, parseJudgeReply("PASSED: YES").yes("PASSED"))
		assert.False(t, parseJudgeReply("PASSED: NO").yes("PASSED"))
		assert.False(t, parseJudgeReply("PASSED: maybe").yes("PASSED"))
		assert.False(t, judgeFields{}.yes("PASSED"))
	})
}
