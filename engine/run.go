package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/mykhaliev/llm-eval/assertion"
	"github.com/mykhaliev/llm-eval/conversation"
	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/provider"
	"github.com/mykhaliev/llm-eval/redteam"
	"github.com/mykhaliev/llm-eval/report"
)

// ============================================================================
// RUN ORCHESTRATION
// ============================================================================

type RunOptions struct {
	OutputPath   string
	ReportType   string
	ValidateOnly bool
}

func ValidateReportType(reportType string) error {
	switch reportType {
	case "json", "markdown", "both":
		return nil
	default:
		return fmt.Errorf("unsupported report type: %s (expected json, markdown or both)", reportType)
	}
}

// Run drives a full invocation: provider init, optional preflight, matrix
// evaluation, conversation tests, red-team run, reports. Returns the
// process exit code; any failed test makes it non-zero.
func Run(ctx context.Context, cfg *model.Config, opts RunOptions) int {
	templateCtx := model.GetAllEnv()
	for k, v := range cfg.Variables {
		templateCtx[k] = v
	}

	gateways, err := provider.InitGateways(ctx, cfg.Providers, templateCtx)
	if err != nil {
		logger.Logger.Error("Provider initialization failed", "error", err)
		return 1
	}

	var registryOpts []assertion.Option
	if cfg.JudgeProvider != "" {
		registryOpts = append(registryOpts, assertion.WithJudge(gateways[cfg.JudgeProvider]))
	}
	registry := assertion.NewRegistry(registryOpts...)

	if err := cfg.ValidateAssertionTypes(registry.Types()); err != nil {
		logger.Logger.Error("Config validation failed", "error", err)
		return 1
	}

	evaluator := NewWithGateways(cfg, gateways, registry)

	if opts.ValidateOnly {
		return runPreflight(ctx, evaluator)
	}

	failed := 0

	if len(cfg.Prompts) > 0 && len(cfg.Tests) > 0 {
		summary, err := evaluator.Evaluate(ctx)
		if err != nil {
			logger.Logger.Error("Evaluation failed", "error", err)
			return 1
		}
		failed += summary.FailedTests
		report.PrintSummary(summary)
		if code := writeReports(summary, opts.OutputPath, opts.ReportType); code != 0 {
			return code
		}
	}

	if len(cfg.Conversations) > 0 {
		failed += runConversations(ctx, cfg, gateways, registry, evaluator.ProviderOrder())
	}

	if cfg.RedTeam != nil {
		runner := redteam.NewRunner(cfg.RedTeam, gateways, evaluator.ProviderOrder())
		summary, err := runner.Run(ctx)
		if err != nil {
			logger.Logger.Error("Red-team run failed", "error", err)
			return 1
		}
		failed += summary.FailedTests
		report.PrintSummary(summary)
		if opts.OutputPath != "" {
			rtPath := strings.TrimSuffix(opts.OutputPath, ".json") + "-redteam.json"
			if err := report.WriteJSON(summary, rtPath); err != nil {
				logger.Logger.Error("Failed to write red-team report", "error", err)
				return 1
			}
		}
	}

	if failed > 0 {
		logger.Logger.Warn("Run finished with failures", "failed", failed)
		return 1
	}
	return 0
}

func runPreflight(ctx context.Context, evaluator *Evaluator) int {
	status := evaluator.ValidateProviders(ctx)
	code := 0
	for _, id := range evaluator.ProviderOrder() {
		ok := status[id]
		if ok {
			fmt.Printf("%-40s OK\n", id)
		} else {
			fmt.Printf("%-40s FAILED\n", id)
			code = 1
		}
	}
	return code
}

func runConversations(ctx context.Context, cfg *model.Config, gateways map[string]provider.Gateway, registry *assertion.Registry, order []string) int {
	manager := conversation.NewManager(gateways, registry)
	failed := 0
	for _, test := range cfg.Conversations {
		for _, providerID := range order {
			// Conversation ids are per provider so histories stay separate.
			scoped := test
			scoped.ConversationID = test.ConversationID + ":" + providerID
			res, err := manager.RunConversationTest(ctx, scoped, providerID)
			if err != nil {
				logger.Logger.Error("Conversation test failed to run",
					"conversation", test.ConversationID,
					"provider", providerID,
					"error", err)
				failed++
				continue
			}
			if !res.Success {
				failed++
			}
			logger.Logger.Info("Conversation test finished",
				"conversation", test.ConversationID,
				"provider", providerID,
				"turns_executed", len(res.TurnResults),
				"success", res.Success)
		}
	}
	return failed
}

func writeReports(summary *model.EvaluationSummary, outputPath, reportType string) int {
	if outputPath == "" {
		return 0
	}
	base := strings.TrimSuffix(outputPath, ".json")

	if reportType == "json" || reportType == "both" {
		if err := report.WriteJSON(summary, base+".json"); err != nil {
			logger.Logger.Error("Failed to write report", "error", err)
			return 1
		}
	}
	if reportType == "markdown" || reportType == "both" {
		if err := report.WriteMarkdown(summary, base+".md"); err != nil {
			logger.Logger.Error("Failed to write report", "error", err)
			return 1
		}
	}
	return 0
}
