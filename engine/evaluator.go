package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/life4/genesis/slices"

	"github.com/mykhaliev/llm-eval/assertion"
	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/provider"
)

// ============================================================================
// EVALUATOR
// ============================================================================

// DefaultConcurrency bounds the worker pool when the config does not set
// max_concurrency. A value of 1 runs the cross product serially.
const DefaultConcurrency = 4

type Evaluator struct {
	config      *model.Config
	gateways    map[string]provider.Gateway
	order       []string
	registry    *assertion.Registry
	concurrency int
}

// New constructs every configured gateway up front. A construction failure
// is fatal and aborts before any test runs.
func New(ctx context.Context, cfg *model.Config, registry *assertion.Registry) (*Evaluator, error) {
	templateCtx := model.GetAllEnv()
	for k, v := range cfg.Variables {
		templateCtx[k] = v
	}

	gateways, err := provider.InitGateways(ctx, cfg.Providers, templateCtx)
	if err != nil {
		return nil, fmt.Errorf("provider initialization failed: %w", err)
	}
	return NewWithGateways(cfg, gateways, registry), nil
}

// NewWithGateways wires pre-built gateways, bypassing provider construction.
func NewWithGateways(cfg *model.Config, gateways map[string]provider.Gateway, registry *assertion.Registry) *Evaluator {
	order := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		order = append(order, p.ID())
	}

	concurrency := cfg.Evaluate.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Evaluator{
		config:      cfg,
		gateways:    gateways,
		order:       order,
		registry:    registry,
		concurrency: concurrency,
	}
}

// Gateways exposes the constructed adapters for reuse by the conversation
// and red-team runners.
func (e *Evaluator) Gateways() map[string]provider.Gateway {
	return e.gateways
}

func (e *Evaluator) ProviderOrder() []string {
	return e.order
}

type triple struct {
	promptIdx   int
	providerIdx int
	testIdx     int
}

// Evaluate runs the full prompts x providers x tests cross product on a
// bounded worker pool. Exactly one result per triple, in triple order;
// a failing triple never blocks or fails its siblings.
func (e *Evaluator) Evaluate(ctx context.Context) (*model.EvaluationSummary, error) {
	if len(e.config.Tests) == 0 {
		return nil, fmt.Errorf("no tests configured")
	}
	if len(e.config.Prompts) == 0 {
		return nil, fmt.Errorf("no prompts configured")
	}

	triples := make([]triple, 0, len(e.config.Prompts)*len(e.order)*len(e.config.Tests))
	for pi := range e.config.Prompts {
		for gi := range e.order {
			for ti := range e.config.Tests {
				triples = append(triples, triple{promptIdx: pi, providerIdx: gi, testIdx: ti})
			}
		}
	}

	logger.Logger.Info("Starting evaluation",
		"prompts", len(e.config.Prompts),
		"providers", len(e.order),
		"tests", len(e.config.Tests),
		"total", len(triples),
		"concurrency", e.concurrency)

	results := make([]model.EvaluationResult, len(triples))
	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := min(e.concurrency, len(triples))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				t := triples[i]
				results[i] = e.runSingleTest(ctx,
					e.config.Prompts[t.promptIdx],
					e.order[t.providerIdx],
					e.config.Tests[t.testIdx])
			}
		}()
	}
	for i := range triples {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	summary := e.buildSummary(results)
	logger.Logger.Info("Evaluation complete",
		"total", summary.TotalTests,
		"passed", summary.PassedTests,
		"failed", summary.FailedTests)
	return summary, nil
}

// runSingleTest produces exactly one result and never returns an error:
// render and gateway failures become failed results.
func (e *Evaluator) runSingleTest(ctx context.Context, prompt model.PromptTemplate, providerID string, tc model.TestCase) model.EvaluationResult {
	msgs, err := prompt.RenderMessages(tc.Vars)
	if err != nil {
		logger.Logger.Warn("Prompt rendering failed", "provider", providerID, "error", err)
		return model.EvaluationResult{
			Provider: providerID,
			Prompt:   prompt.Label(),
			Vars:     tc.Vars,
			Success:  false,
			Error:    fmt.Sprintf("failed to render prompt: %v", err),
		}
	}
	promptText := model.FlattenMessages(msgs)

	gw, ok := e.gateways[providerID]
	if !ok {
		return model.EvaluationResult{
			Provider: providerID,
			Prompt:   promptText,
			Vars:     tc.Vars,
			Success:  false,
			Error:    fmt.Sprintf("no gateway for provider %q", providerID),
		}
	}

	resp, err := gw.Generate(ctx, msgs, nil)
	if err != nil {
		logger.Logger.Warn("Gateway call failed", "provider", providerID, "error", err)
		return model.EvaluationResult{
			Provider: providerID,
			Prompt:   promptText,
			Vars:     tc.Vars,
			Success:  false,
			Error:    err.Error(),
		}
	}

	assertionResults, success := e.runAssertions(ctx, tc, resp)

	return model.EvaluationResult{
		Provider:         providerID,
		Prompt:           promptText,
		Vars:             tc.Vars,
		Response:         resp.Content,
		Cost:             resp.Cost,
		Latency:          resp.Latency,
		AssertionResults: assertionResults,
		Success:          success,
		Metadata: map[string]interface{}{
			"model":         resp.Model,
			"finish_reason": resp.FinishReason,
			"token_usage":   resp.TokenUsage,
		},
	}
}

// runAssertions evaluates default-test assertions first, then the test's
// own. All assertions run even after a failure.
func (e *Evaluator) runAssertions(ctx context.Context, tc model.TestCase, resp *model.ProviderResponse) ([]model.AssertionResult, bool) {
	var assertions []model.Assertion
	if e.config.DefaultTest != nil {
		assertions = append(assertions, e.config.DefaultTest.Assertions...)
	}
	assertions = append(assertions, tc.Assertions...)

	results := make([]model.AssertionResult, 0, len(assertions))
	success := true
	for _, a := range assertions {
		res := e.registry.Evaluate(ctx, a, resp.Content, resp)
		if !res.Passed {
			success = false
		}
		results = append(results, res)
	}
	return results, success
}

func (e *Evaluator) buildSummary(results []model.EvaluationResult) *model.EvaluationSummary {
	passed := len(slices.Filter(results, func(r model.EvaluationResult) bool { return r.Success }))

	// Results without a cost or latency are excluded, not counted as zero.
	var costSum float64
	costSeen := false
	var latencySum float64
	latencyCount := 0
	for _, r := range results {
		if r.Cost != nil {
			costSum += *r.Cost
			costSeen = true
		}
		if r.Latency != nil {
			latencySum += *r.Latency
			latencyCount++
		}
	}

	summary := &model.EvaluationSummary{
		Config:      e.config,
		Results:     results,
		TotalTests:  len(results),
		PassedTests: passed,
		FailedTests: len(results) - passed,
		Timestamp:   time.Now(),
	}
	if costSeen {
		summary.TotalCost = &costSum
	}
	if latencyCount > 0 {
		avg := latencySum / float64(latencyCount)
		summary.AverageLatency = &avg
	}
	return summary
}

// ValidateProviders performs one minimal-token round trip per provider.
// Errors are swallowed into false; this is a preflight, not a run.
func (e *Evaluator) ValidateProviders(ctx context.Context) map[string]bool {
	maxTokens := 5
	status := make(map[string]bool, len(e.order))
	for _, id := range e.order {
		gw := e.gateways[id]
		if gw == nil {
			status[id] = false
			continue
		}
		_, err := provider.GenerateText(ctx, gw, "Hello", &provider.GenerateOptions{MaxTokens: &maxTokens})
		if err != nil {
			logger.Logger.Warn("Provider validation failed", "provider", id, "error", err)
		}
		status[id] = err == nil
	}
	return status
}
