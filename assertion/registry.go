package assertion

import (
	"context"
	"fmt"
	"time"

	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/provider"
)

// ============================================================================
// ASSERTION REGISTRY
// ============================================================================

// Func evaluates one assertion against a response. A returned error is
// converted by the registry into a failed result; it never propagates.
type Func func(ctx context.Context, a model.Assertion, responseText string, resp *model.ProviderResponse) (model.AssertionResult, error)

// Registry maps assertion type tags to evaluation functions. It is built
// once at startup and injected wherever assertions are evaluated.
type Registry struct {
	funcs   map[model.AssertionType]Func
	judge   provider.Gateway
	sandbox *sandboxRunner
}

type Option func(*Registry)

// WithJudge sets the gateway used by llm-rubric / llm-factcheck /
// llm-helpfulness grading.
func WithJudge(gw provider.Gateway) Option {
	return func(r *Registry) { r.judge = gw }
}

// WithSandboxTimeouts overrides the code-assertion wall-clock limits.
func WithSandboxTimeouts(inline, file time.Duration) Option {
	return func(r *Registry) {
		r.sandbox.inlineTimeout = inline
		r.sandbox.fileTimeout = file
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		funcs:   make(map[model.AssertionType]Func),
		sandbox: newSandboxRunner(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Register(model.AssertContains, evalContains)
	r.Register(model.AssertNotContains, evalNotContains)
	r.Register(model.AssertIContains, evalIContains)
	r.Register(model.AssertRegex, evalRegex)
	r.Register(model.AssertCost, evalCost)
	r.Register(model.AssertLatency, evalLatency)
	r.Register(model.AssertToolCalled, evalToolCalled)
	r.Register(model.AssertJSONSchema, evalJSONSchema)

	r.Register(model.AssertJavaScript, r.sandbox.evalJavaScript)
	r.Register(model.AssertPython, r.sandbox.evalPython)
	r.Register(model.AssertPythonFile, r.sandbox.evalPythonFile)

	r.Register(model.AssertLLMRubric, r.evalRubric)
	r.Register(model.AssertLLMFactcheck, r.evalFactcheck)
	r.Register(model.AssertLLMHelpfulness, r.evalHelpfulness)

	return r
}

func (r *Registry) Register(t model.AssertionType, f Func) {
	r.funcs[t] = f
}

// Types returns the known tag set, used for config validation.
func (r *Registry) Types() map[model.AssertionType]bool {
	known := make(map[model.AssertionType]bool, len(r.funcs))
	for t := range r.funcs {
		known[t] = true
	}
	return known
}

// Evaluate runs one assertion. Failures of any kind resolve to a failed
// result; a single broken assertion never aborts the run.
func (r *Registry) Evaluate(ctx context.Context, a model.Assertion, responseText string, resp *model.ProviderResponse) (result model.AssertionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Logger.Error("Assertion panicked", "type", a.Type, "panic", rec)
			result = failedResult(a.Type, fmt.Sprintf("assertion panicked: %v", rec))
		}
	}()

	f, ok := r.funcs[a.Type]
	if !ok {
		return failedResult(a.Type, fmt.Sprintf("unknown assertion type: %s", a.Type))
	}

	res, err := f(ctx, a, responseText, resp)
	if err != nil {
		logger.Logger.Debug("Assertion failed with error", "type", a.Type, "error", err)
		return failedResult(a.Type, err.Error())
	}
	return res
}

func failedResult(t model.AssertionType, msg string) model.AssertionResult {
	return model.AssertionResult{
		Type:    t,
		Passed:  false,
		Message: msg,
		Error:   msg,
	}
}
