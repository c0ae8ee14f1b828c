package assertion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
)

// ============================================================================
// SANDBOXED CODE ASSERTIONS
// ============================================================================

// Code assertions always run in a separate interpreter process with a hard
// wall-clock timeout. The evaluation context travels as a single JSON object
// on stdin; the subprocess must print a single JSON object to stdout.

const (
	defaultInlineTimeout = 10 * time.Second
	defaultFileTimeout   = 30 * time.Second
)

type sandboxRunner struct {
	inlineTimeout time.Duration
	fileTimeout   time.Duration
	nodeBinary    string
	pythonBinary  string
}

func newSandboxRunner() *sandboxRunner {
	return &sandboxRunner{
		inlineTimeout: defaultInlineTimeout,
		fileTimeout:   defaultFileTimeout,
		nodeBinary:    "node",
		pythonBinary:  "python3",
	}
}

// sandboxContext is the read-only view exposed to user code.
func sandboxContext(responseText string, resp *model.ProviderResponse) map[string]interface{} {
	response := map[string]interface{}{}
	if resp != nil {
		response["content"] = resp.Content
		response["model"] = resp.Model
		response["provider"] = resp.Provider
		if resp.Cost != nil {
			response["cost"] = *resp.Cost
		}
		if resp.Latency != nil {
			response["latency"] = *resp.Latency
		}
		if resp.TokenUsage != nil {
			response["token_usage"] = resp.TokenUsage
		}
	}
	return map[string]interface{}{
		"output":   responseText,
		"response": response,
	}
}

// sandboxOutput is what the subprocess must print.
type sandboxOutput struct {
	Score  *float64 `json:"score"`
	Passed *bool    `json:"passed"`
	Error  string   `json:"error"`
}

const jsHarness = `const context = JSON.parse(require("fs").readFileSync(0, "utf8"));
const output = context.output;
const response = context.response;

const check = function (output, context) {
%s
};

let result;
try {
	result = check(output, context);
} catch (e) {
	console.log(JSON.stringify({ error: String(e) }));
	process.exit(0);
}

let score;
if (typeof result === "boolean") {
	score = result ? 1 : 0;
} else {
	score = Number(result);
}
if (Number.isNaN(score)) {
	console.log(JSON.stringify({ error: "code returned a non-numeric result" }));
	process.exit(0);
}
score = Math.max(0, Math.min(1, score));
console.log(JSON.stringify({ score: score, passed: score >= 0.5 }));
`

const pythonHarness = `import json
import math
import re
import sys

_context = json.loads(sys.stdin.read())
output = _context["output"]
response = _context["response"]


def _check(output, context, response):
%s


try:
    _result = _check(output, _context, response)
except Exception as e:
    print(json.dumps({"error": str(e)}))
    sys.exit(0)

if isinstance(_result, bool):
    _score = 1.0 if _result else 0.0
else:
    try:
        _score = max(0.0, min(1.0, float(_result)))
    except (TypeError, ValueError):
        print(json.dumps({"error": "code returned a non-numeric result"}))
        sys.exit(0)

print(json.dumps({"score": _score, "passed": _score >= 0.5}))
`

func (s *sandboxRunner) evalJavaScript(ctx context.Context, a model.Assertion, responseText string, resp *model.ProviderResponse) (model.AssertionResult, error) {
	code := a.ValueString()
	if code == "" {
		return failedResult(a.Type, "javascript assertion requires code in value"), nil
	}

	script := fmt.Sprintf(jsHarness, code)
	scriptPath, cleanup, err := writeTempScript("assert-*.js", script)
	if err != nil {
		return model.AssertionResult{}, err
	}
	defer cleanup()

	return s.runScript(ctx, a, s.nodeBinary, []string{scriptPath}, responseText, resp, s.inlineTimeout)
}

func (s *sandboxRunner) evalPython(ctx context.Context, a model.Assertion, responseText string, resp *model.ProviderResponse) (model.AssertionResult, error) {
	code := a.ValueString()
	if code == "" {
		return failedResult(a.Type, "python assertion requires code in value"), nil
	}

	script := fmt.Sprintf(pythonHarness, indentPython(code))
	scriptPath, cleanup, err := writeTempScript("assert-*.py", script)
	if err != nil {
		return model.AssertionResult{}, err
	}
	defer cleanup()

	return s.runScript(ctx, a, s.pythonBinary, []string{scriptPath}, responseText, resp, s.inlineTimeout)
}

func (s *sandboxRunner) evalPythonFile(ctx context.Context, a model.Assertion, responseText string, resp *model.ProviderResponse) (model.AssertionResult, error) {
	path := a.ValueString()
	if path == "" {
		return failedResult(a.Type, "python-file assertion requires a file path in value"), nil
	}
	if _, err := os.Stat(path); err != nil {
		return failedResult(a.Type, fmt.Sprintf("python file not found: %s", path)), nil
	}

	return s.runScript(ctx, a, s.pythonBinary, []string{path}, responseText, resp, s.fileTimeout)
}

func (s *sandboxRunner) runScript(ctx context.Context, a model.Assertion, binary string, args []string, responseText string, resp *model.ProviderResponse, timeout time.Duration) (model.AssertionResult, error) {
	payload, err := sonic.Marshal(sandboxContext(responseText, resp))
	if err != nil {
		return model.AssertionResult{}, fmt.Errorf("failed to encode sandbox context: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Logger.Debug("Running sandboxed assertion", "type", a.Type, "binary", binary, "timeout", timeout)
	runErr := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return failedResult(a.Type, fmt.Sprintf("sandboxed code timed out after %s", timeout)), nil
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return failedResult(a.Type, fmt.Sprintf("sandboxed code failed: %s", msg)), nil
	}

	return parseSandboxOutput(a, stdout.String()), nil
}

func parseSandboxOutput(a model.Assertion, stdout string) model.AssertionResult {
	// Only the last line counts; user code may print diagnostics above it.
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return failedResult(a.Type, "sandboxed code produced no output")
	}

	var out sandboxOutput
	if err := sonic.Unmarshal([]byte(last), &out); err != nil {
		return failedResult(a.Type, fmt.Sprintf("sandboxed code produced malformed output: %s", last))
	}
	if out.Error != "" {
		return failedResult(a.Type, fmt.Sprintf("sandboxed code raised an error: %s", out.Error))
	}

	var score float64
	switch {
	case out.Score != nil:
		score = clamp01(*out.Score)
	case out.Passed != nil:
		if *out.Passed {
			score = 1
		}
	default:
		return failedResult(a.Type, fmt.Sprintf("sandboxed code output has neither score nor passed: %s", last))
	}

	passed := score >= 0.5
	message := fmt.Sprintf("Code assertion passed with score %.2f", score)
	if !passed {
		message = fmt.Sprintf("Code assertion failed with score %.2f", score)
	}
	return model.AssertionResult{
		Type:    a.Type,
		Passed:  passed,
		Score:   &score,
		Message: message,
	}
}

func writeTempScript(pattern, content string) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create sandbox script: %w", err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write sandbox script: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close sandbox script: %w", err)
	}
	return filepath.Clean(path), cleanup, nil
}

func indentPython(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
