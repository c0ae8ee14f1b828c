// Package report writes run artifacts: a JSON dump, a markdown report, and
// a console summary.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
)

const filePermission = 0644

// WriteJSON persists the summary as the flat run artifact.
func WriteJSON(summary *model.EvaluationSummary, path string) error {
	data, err := sonic.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, filePermission); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	logger.Logger.Info("Report written", "path", path)
	return nil
}

// GenerateMarkdown renders the summary as a markdown document.
func GenerateMarkdown(summary *model.EvaluationSummary) string {
	var b strings.Builder

	b.WriteString("# Evaluation Report\n\n")
	b.WriteString(fmt.Sprintf("Generated: %s\n\n", summary.Timestamp.Format(time.RFC3339)))

	b.WriteString("## Summary\n\n")
	b.WriteString("| Total | Passed | Failed | Pass rate |\n")
	b.WriteString("|---|---|---|---|\n")
	b.WriteString(fmt.Sprintf("| %d | %d | %d | %.1f%% |\n\n",
		summary.TotalTests, summary.PassedTests, summary.FailedTests, summary.PassRate()*100))

	if summary.TotalCost != nil {
		b.WriteString(fmt.Sprintf("Total cost: $%.6f\n\n", *summary.TotalCost))
	}
	if summary.AverageLatency != nil {
		b.WriteString(fmt.Sprintf("Average latency: %.3fs\n\n", *summary.AverageLatency))
	}

	b.WriteString("## Results\n\n")
	for i, r := range summary.Results {
		status := "PASS"
		if !r.Success {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("### %d. [%s] %s\n\n", i+1, status, r.Provider))
		b.WriteString(fmt.Sprintf("- Prompt: %s\n", truncate(r.Prompt, 120)))
		if r.Response != "" {
			b.WriteString(fmt.Sprintf("- Response: %s\n", truncate(r.Response, 200)))
		}
		if r.Error != "" {
			b.WriteString(fmt.Sprintf("- Error: %s\n", r.Error))
		}
		for _, ar := range r.AssertionResults {
			mark := "x"
			if ar.Passed {
				mark = "+"
			}
			b.WriteString(fmt.Sprintf("  - [%s] %s: %s\n", mark, ar.Type, ar.Message))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// WriteMarkdown renders and persists the markdown report.
func WriteMarkdown(summary *model.EvaluationSummary, path string) error {
	if err := os.WriteFile(path, []byte(GenerateMarkdown(summary)), filePermission); err != nil {
		return fmt.Errorf("failed to write markdown report: %w", err)
	}
	logger.Logger.Info("Markdown report written", "path", path)
	return nil
}

// PrintSummary writes a short console report per provider.
func PrintSummary(summary *model.EvaluationSummary) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("EVALUATION SUMMARY")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Total: %d  Passed: %d  Failed: %d  Pass rate: %.1f%%\n",
		summary.TotalTests, summary.PassedTests, summary.FailedTests, summary.PassRate()*100)
	if summary.TotalCost != nil {
		fmt.Printf("Total cost: $%.6f\n", *summary.TotalCost)
	}
	if summary.AverageLatency != nil {
		fmt.Printf("Average latency: %.3fs\n", *summary.AverageLatency)
	}

	byProvider := map[string][2]int{}
	var order []string
	for _, r := range summary.Results {
		counts, seen := byProvider[r.Provider]
		if !seen {
			order = append(order, r.Provider)
		}
		if r.Success {
			counts[0]++
		} else {
			counts[1]++
		}
		byProvider[r.Provider] = counts
	}

	if len(order) > 1 {
		fmt.Println(strings.Repeat("-", 60))
		for _, id := range order {
			counts := byProvider[id]
			fmt.Printf("%-40s passed %d, failed %d\n", id, counts[0], counts[1])
		}
	}
	fmt.Println(strings.Repeat("=", 60))
}

// truncate cuts on rune boundaries so multi-byte responses stay valid UTF-8.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
