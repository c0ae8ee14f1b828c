package assertion

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/provider"
)

// ============================================================================
// LLM JUDGE ASSERTIONS
// ============================================================================

// The judge model replies in a fixed line-structured format. Parsing is
// deliberately line-prefix based with conservative fallbacks: a missing or
// malformed line grades as score 0 / not passed rather than erroring.

const rubricPrompt = `You are evaluating an AI response against a rubric.

Rubric: %s

Response to evaluate:
%s

Provide your evaluation in this exact format:
SCORE: [0-100]
PASSED: [YES or NO]
FEEDBACK: [brief explanation]`

const factcheckPrompt = `You are fact-checking an AI response against a reference statement.

Reference: %s

Response to check:
%s

Provide your evaluation in this exact format:
ACCURACY: [0-100]
VERDICT: [ACCURATE, PARTIALLY_ACCURATE, or INACCURATE]
ISSUES: [list any factual issues found, or NONE]`

const helpfulnessPrompt = `You are evaluating how helpful an AI response is to the user's request.

User request: %s

Response to evaluate:
%s

Provide your evaluation in this exact format:
HELPFULNESS_SCORE: [0-100]
PASSED: [YES or NO]
REASONING: [brief explanation]`

func (r *Registry) judgeCall(ctx context.Context, prompt string, temperature float64) (string, error) {
	if r.judge == nil {
		return "", fmt.Errorf("no judge provider configured for llm-based assertions")
	}
	maxTokens := 512
	resp, err := provider.GenerateText(ctx, r.judge, prompt, &provider.GenerateOptions{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("judge call failed: %w", err)
	}
	return resp.Content, nil
}

func (r *Registry) evalRubric(ctx context.Context, a model.Assertion, responseText string, _ *model.ProviderResponse) (model.AssertionResult, error) {
	rubric := a.ValueString()
	if rubric == "" {
		return failedResult(a.Type, "llm-rubric assertion requires a rubric in value"), nil
	}

	reply, err := r.judgeCall(ctx, fmt.Sprintf(rubricPrompt, rubric, responseText), 0.1)
	if err != nil {
		return model.AssertionResult{}, err
	}

	fields := parseJudgeReply(reply)
	score := fields.score("SCORE")
	passed := fields.yes("PASSED")
	feedback := fields.text("FEEDBACK")

	message := fmt.Sprintf("Judge scored %.0f/100", score*100)
	if feedback != "" {
		message = fmt.Sprintf("Judge scored %.0f/100: %s", score*100, feedback)
	}
	return model.AssertionResult{
		Type:    a.Type,
		Passed:  passed,
		Score:   &score,
		Message: message,
		Metadata: map[string]interface{}{
			"rubric":   rubric,
			"feedback": feedback,
		},
	}, nil
}

func (r *Registry) evalFactcheck(ctx context.Context, a model.Assertion, responseText string, _ *model.ProviderResponse) (model.AssertionResult, error) {
	reference := a.ValueString()
	if reference == "" {
		return failedResult(a.Type, "llm-factcheck assertion requires a reference statement in value"), nil
	}

	reply, err := r.judgeCall(ctx, fmt.Sprintf(factcheckPrompt, reference, responseText), 0.0)
	if err != nil {
		return model.AssertionResult{}, err
	}

	fields := parseJudgeReply(reply)
	accuracy := fields.score("ACCURACY")
	verdict := strings.ToUpper(fields.text("VERDICT"))
	issues := fields.text("ISSUES")

	passed := accuracy >= 0.8 && verdict != "INACCURATE"
	message := fmt.Sprintf("Factcheck accuracy %.0f/100, verdict %s", accuracy*100, orUnknown(verdict))
	return model.AssertionResult{
		Type:    a.Type,
		Passed:  passed,
		Score:   &accuracy,
		Message: message,
		Metadata: map[string]interface{}{
			"verdict": orUnknown(verdict),
			"issues":  issues,
		},
	}, nil
}

func (r *Registry) evalHelpfulness(ctx context.Context, a model.Assertion, responseText string, _ *model.ProviderResponse) (model.AssertionResult, error) {
	request := a.ValueString()
	if request == "" {
		return failedResult(a.Type, "llm-helpfulness assertion requires the user request in value"), nil
	}

	reply, err := r.judgeCall(ctx, fmt.Sprintf(helpfulnessPrompt, request, responseText), 0.2)
	if err != nil {
		return model.AssertionResult{}, err
	}

	fields := parseJudgeReply(reply)
	score := fields.score("HELPFULNESS_SCORE")
	passed := fields.yes("PASSED")
	reasoning := fields.text("REASONING")

	message := fmt.Sprintf("Helpfulness scored %.0f/100", score*100)
	if reasoning != "" {
		message = fmt.Sprintf("Helpfulness scored %.0f/100: %s", score*100, reasoning)
	}
	return model.AssertionResult{
		Type:    a.Type,
		Passed:  passed,
		Score:   &score,
		Message: message,
		Metadata: map[string]interface{}{
			"reasoning": reasoning,
		},
	}, nil
}

// ============================================================================
// JUDGE REPLY PARSING
// ============================================================================

type judgeFields map[string]string

func parseJudgeReply(reply string) judgeFields {
	fields := judgeFields{}
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if _, seen := fields[key]; !seen && key != "" {
			fields[key] = value
		}
	}
	return fields
}

// score reads a 0-100 field and normalizes it to [0,1]; missing or
// malformed values fall back to 0.
func (f judgeFields) score(key string) float64 {
	parts := strings.Fields(f[key])
	if len(parts) == 0 {
		return 0
	}
	raw := strings.TrimSuffix(parts[0], "%")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return clamp01(v / 100)
}

// yes reads a YES/NO field; anything but an explicit YES is false.
func (f judgeFields) yes(key string) bool {
	return strings.HasPrefix(strings.ToUpper(f[key]), "YES")
}

func (f judgeFields) text(key string) string {
	return f[key]
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}
