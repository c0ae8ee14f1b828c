package provider

import "strings"

// ============================================================================
// COST ESTIMATION
// ============================================================================

// USD per one million tokens.
type pricing struct {
	input  float64
	output float64
}

// Keyed by model name prefix; longest match wins. Models missing from the
// table produce a nil cost, which the evaluator excludes from totals.
var pricingTable = map[string]pricing{
	"gpt-4o-mini":       {input: 0.15, output: 0.60},
	"gpt-4o":            {input: 2.50, output: 10.00},
	"gpt-4.1-mini":      {input: 0.40, output: 1.60},
	"gpt-4.1":           {input: 2.00, output: 8.00},
	"gpt-3.5-turbo":     {input: 0.50, output: 1.50},
	"o3-mini":           {input: 1.10, output: 4.40},
	"claude-3-5-sonnet": {input: 3.00, output: 15.00},
	"claude-3-5-haiku":  {input: 0.80, output: 4.00},
	"claude-3-7-sonnet": {input: 3.00, output: 15.00},
	"claude-3-opus":     {input: 15.00, output: 75.00},
	"claude-3-haiku":    {input: 0.25, output: 1.25},
	"gemini-1.5-pro":    {input: 1.25, output: 5.00},
	"gemini-1.5-flash":  {input: 0.075, output: 0.30},
	"gemini-2.0-flash":  {input: 0.10, output: 0.40},
	"llama-3.1-70b":     {input: 0.59, output: 0.79},
	"llama-3.1-8b":      {input: 0.05, output: 0.08},
	"llama-3.3-70b":     {input: 0.59, output: 0.79},
}

// EstimateCost computes a dollar estimate from the token usage, or nil when
// the model is unpriced or usage is unavailable.
func EstimateCost(modelName string, usage map[string]int) *float64 {
	if len(usage) == 0 {
		return nil
	}

	var best string
	for prefix := range pricingTable {
		if strings.HasPrefix(modelName, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil
	}

	p := pricingTable[best]
	cost := float64(usage["prompt_tokens"])*p.input/1e6 +
		float64(usage["completion_tokens"])*p.output/1e6
	return &cost
}
