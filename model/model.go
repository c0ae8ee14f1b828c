package model

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/life4/genesis/slices"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// EVALUATION CONFIGURATION
// ============================================================================

type Config struct {
	Description   string             `yaml:"description,omitempty" json:"description,omitempty"`
	Prompts       []PromptTemplate   `yaml:"prompts" json:"prompts"`
	Providers     []ProviderConfig   `yaml:"providers" json:"providers"`
	Tests         []TestCase         `yaml:"tests" json:"tests"`
	DefaultTest   *TestCase          `yaml:"default_test,omitempty" json:"default_test,omitempty"`
	Conversations []ConversationTest `yaml:"conversations,omitempty" json:"conversations,omitempty"`
	RedTeam       *RedTeamConfig     `yaml:"redteam,omitempty" json:"redteam,omitempty"`
	// JudgeProvider names the provider used for llm-rubric / llm-factcheck /
	// llm-helpfulness grading. Must reference an entry in Providers.
	JudgeProvider string            `yaml:"judge_provider,omitempty" json:"judge_provider,omitempty"`
	Evaluate      EvaluateOptions   `yaml:"evaluate_options,omitempty" json:"evaluate_options,omitempty"`
	Variables     map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

type EvaluateOptions struct {
	// MaxConcurrency bounds the evaluation worker pool. 0 means the
	// default (4); 1 runs the cross product serially.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// ============================================================================
// PROMPT TEMPLATES
// ============================================================================

type PromptMessage struct {
	Role    string `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

// PromptTemplate is either a plain string template or a structured list of
// role/content messages. Both forms render with handlebars {{var}} syntax.
type PromptTemplate struct {
	Raw      string          `json:"raw,omitempty"`
	Messages []PromptMessage `json:"messages,omitempty"`
}

func (p *PromptTemplate) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&p.Raw)
	case yaml.SequenceNode:
		return node.Decode(&p.Messages)
	default:
		return fmt.Errorf("prompt must be a string or a list of role/content messages (line %d)", node.Line)
	}
}

func (p PromptTemplate) MarshalYAML() (interface{}, error) {
	if len(p.Messages) > 0 {
		return p.Messages, nil
	}
	return p.Raw, nil
}

// Label returns a short human-readable identifier for reports and logs.
func (p PromptTemplate) Label() string {
	s := p.Raw
	if len(p.Messages) > 0 {
		s = p.Messages[len(p.Messages)-1].Content
	}
	// Cut on rune boundaries so non-ASCII prompts stay valid UTF-8.
	if r := []rune(s); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return s
}

// ============================================================================
// PROVIDER CONFIGURATION
// ============================================================================

type ProviderType string

const (
	ProviderOpenAI          ProviderType = "OPENAI"
	ProviderGroq            ProviderType = "GROQ"
	ProviderAnthropic       ProviderType = "ANTHROPIC"
	ProviderGoogle          ProviderType = "GOOGLE"
	ProviderVertex          ProviderType = "VERTEX"
	ProviderAzure           ProviderType = "AZURE"
	ProviderAmazonAnthropic ProviderType = "AMAZON-ANTHROPIC"
)

// ProviderConfig accepts either the shorthand scalar form "openai:gpt-4o-mini"
// or a full mapping with explicit credentials and sampling parameters.
type ProviderConfig struct {
	Name            string       `yaml:"name,omitempty" json:"name,omitempty"`
	Type            ProviderType `yaml:"type" json:"type"`
	Model           string       `yaml:"model" json:"model"`
	Token           string       `yaml:"token,omitempty" json:"-"`
	Secret          string       `yaml:"secret,omitempty" json:"-"`
	BaseURL         string       `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	Version         string       `yaml:"version,omitempty" json:"version,omitempty"`           // Azure API version
	ProjectID       string       `yaml:"project_id,omitempty" json:"project_id,omitempty"`     // Vertex
	Location        string       `yaml:"location,omitempty" json:"location,omitempty"`         // Vertex / Bedrock region
	CredentialsPath string       `yaml:"credentials_path,omitempty" json:"-"`                  // Vertex service account
	AuthType        string       `yaml:"auth_type,omitempty" json:"auth_type,omitempty"`       // AZURE: "api_key" (default) or "entra_id"
	Temperature     *float64     `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens       *int         `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TopP            *float64     `yaml:"top_p,omitempty" json:"top_p,omitempty"`
}

func (p *ProviderConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var shorthand string
		if err := node.Decode(&shorthand); err != nil {
			return err
		}
		parsed, err := parseProviderShorthand(shorthand)
		if err != nil {
			return fmt.Errorf("%w (line %d)", err, node.Line)
		}
		*p = parsed
		return nil
	}

	// Alias avoids recursing into this method.
	type plain ProviderConfig
	var pp plain
	if err := node.Decode(&pp); err != nil {
		return err
	}
	*p = ProviderConfig(pp)
	p.Type = ProviderType(strings.ToUpper(string(p.Type)))
	return nil
}

func parseProviderShorthand(s string) (ProviderConfig, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ProviderConfig{}, fmt.Errorf("provider shorthand %q must look like \"openai:gpt-4o-mini\"", s)
	}
	return ProviderConfig{
		Type:  ProviderType(strings.ToUpper(parts[0])),
		Model: parts[1],
	}, nil
}

// ID identifies the provider in results and reports.
func (p ProviderConfig) ID() string {
	if p.Name != "" {
		return p.Name
	}
	return strings.ToLower(string(p.Type)) + ":" + p.Model
}

// ============================================================================
// TEST CASES AND ASSERTIONS
// ============================================================================

type TestCase struct {
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Vars        map[string]interface{} `yaml:"vars,omitempty" json:"vars,omitempty"`
	Assertions  []Assertion            `yaml:"assert,omitempty" json:"assert,omitempty"`
	Threshold   *float64               `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	// Weight is parsed for forward compatibility but not folded into any
	// score aggregation.
	Weight  *float64               `yaml:"weight,omitempty" json:"weight,omitempty"`
	Options map[string]interface{} `yaml:"options,omitempty" json:"options,omitempty"`
}

type AssertionType string

const (
	AssertContains            AssertionType = "contains"
	AssertNotContains         AssertionType = "not-contains"
	AssertIContains           AssertionType = "icontains"
	AssertCost                AssertionType = "cost"
	AssertLatency             AssertionType = "latency"
	AssertRegex               AssertionType = "regex"
	AssertToolCalled          AssertionType = "tool-called"
	AssertJSONSchema          AssertionType = "json-schema"
	AssertLLMRubric           AssertionType = "llm-rubric"
	AssertLLMFactcheck        AssertionType = "llm-factcheck"
	AssertLLMHelpfulness      AssertionType = "llm-helpfulness"
	AssertJavaScript          AssertionType = "javascript"
	AssertPython              AssertionType = "python"
	AssertPythonFile          AssertionType = "python-file"
	AssertConversationLength  AssertionType = "conversation-length"
	AssertConversationContext AssertionType = "conversation-context"
)

// ConversationAssertions are only meaningful inside conversation turns.
var ConversationAssertions = []AssertionType{
	AssertConversationLength,
	AssertConversationContext,
}

type Assertion struct {
	Type      AssertionType `yaml:"type" json:"type"`
	Value     interface{}   `yaml:"value,omitempty" json:"value,omitempty"`
	Threshold *float64      `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	// Weight is parsed for forward compatibility but not folded into any
	// score aggregation.
	Weight      *float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// ValueString coerces the assertion value for substring/regex style checks.
func (a Assertion) ValueString() string {
	if a.Value == nil {
		return ""
	}
	if s, ok := a.Value.(string); ok {
		return s
	}
	return fmt.Sprint(a.Value)
}

// ============================================================================
// CONVERSATION CONFIGURATION
// ============================================================================

type ConversationTest struct {
	ConversationID string             `yaml:"conversation_id" json:"conversation_id"`
	Description    string             `yaml:"description,omitempty" json:"description,omitempty"`
	System         string             `yaml:"system,omitempty" json:"system,omitempty"`
	Turns          []ConversationTurn `yaml:"turns" json:"turns"`
}

type ConversationTurn struct {
	User       string                 `yaml:"user" json:"user"`
	Vars       map[string]interface{} `yaml:"vars,omitempty" json:"vars,omitempty"`
	Assertions []Assertion            `yaml:"assert,omitempty" json:"assert,omitempty"`
	Extractors []DataExtractor        `yaml:"extract,omitempty" json:"extract,omitempty"`
}

// DataExtractor pulls a value out of an assistant reply into conversation
// context, so later turns can reference it as {{variable_name}}.
type DataExtractor struct {
	ExtractorType string `yaml:"type" json:"type"` // "jsonpath"
	Path          string `yaml:"path,omitempty" json:"path,omitempty"`
	VariableName  string `yaml:"variable_name,omitempty" json:"variable_name,omitempty"`
}

// ============================================================================
// RED TEAM CONFIGURATION
// ============================================================================

type RedTeamConfig struct {
	Purpose    string   `yaml:"purpose,omitempty" json:"purpose,omitempty"`
	Plugins    []string `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	Strategies []string `yaml:"strategies,omitempty" json:"strategies,omitempty"`
	NumTests   int      `yaml:"num_tests,omitempty" json:"num_tests,omitempty"`
}

// MaxTests returns the scenario cap, defaulting to 10.
func (r *RedTeamConfig) MaxTests() int {
	if r == nil || r.NumTests <= 0 {
		return 10
	}
	return r.NumTests
}

// ============================================================================
// PROVIDER RESPONSE
// ============================================================================

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ProviderResponse is produced once per gateway call and read-only afterward.
type ProviderResponse struct {
	Content      string         `json:"content"`
	Role         string         `json:"role,omitempty"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Cost         *float64       `json:"cost,omitempty"`
	Latency      *float64       `json:"latency,omitempty"` // seconds
	TokenUsage   map[string]int `json:"token_usage,omitempty"`
	Model        string         `json:"model,omitempty"`
	Provider     string         `json:"provider,omitempty"`
}

// HasToolCall reports whether the named tool appears among the tool calls.
func (r *ProviderResponse) HasToolCall(name string) bool {
	return slices.Any(r.ToolCalls, func(tc ToolCall) bool { return tc.Name == name })
}

// ============================================================================
// EVALUATION RESULTS
// ============================================================================

type AssertionResult struct {
	Type     AssertionType          `json:"type"`
	Passed   bool                   `json:"passed"`
	Score    *float64               `json:"score,omitempty"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// EvaluationResult holds exactly one record per (prompt, provider, test) triple.
type EvaluationResult struct {
	Provider         string                 `json:"provider"`
	Prompt           string                 `json:"prompt"`
	Vars             map[string]interface{} `json:"vars,omitempty"`
	Response         string                 `json:"response"`
	Cost             *float64               `json:"cost,omitempty"`
	Latency          *float64               `json:"latency,omitempty"`
	AssertionResults []AssertionResult      `json:"assertion_results"`
	Success          bool                   `json:"success"`
	Error            string                 `json:"error,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

type EvaluationSummary struct {
	Config         *Config            `json:"config"`
	Results        []EvaluationResult `json:"results"`
	TotalTests     int                `json:"total_tests"`
	PassedTests    int                `json:"passed_tests"`
	FailedTests    int                `json:"failed_tests"`
	TotalCost      *float64           `json:"total_cost"`
	AverageLatency *float64           `json:"average_latency"`
	Timestamp      time.Time          `json:"timestamp"`
}

// PassRate returns passed/total in [0,1], or 0 for an empty run.
func (s *EvaluationSummary) PassRate() float64 {
	if s.TotalTests == 0 {
		return 0
	}
	return float64(s.PassedTests) / float64(s.TotalTests)
}

func (s *EvaluationSummary) ResultsByProvider(providerID string) []EvaluationResult {
	return slices.Filter(s.Results, func(r EvaluationResult) bool {
		return r.Provider == providerID
	})
}

// ============================================================================
// CONFIG PARSING AND VALIDATION
// ============================================================================

func ParseConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfigFromString(string(data))
}

func ParseConfigFromString(definition string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(definition), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validateStructure(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validateStructure() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config has no providers")
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("provider at index %d has empty type", i)
		}
		if p.Model == "" {
			return fmt.Errorf("provider at index %d has empty model", i)
		}
		if seen[p.ID()] {
			return fmt.Errorf("duplicate provider id: %s", p.ID())
		}
		seen[p.ID()] = true
	}

	if c.JudgeProvider != "" && !seen[c.JudgeProvider] {
		return fmt.Errorf("judge_provider %q does not match any configured provider", c.JudgeProvider)
	}

	for i, conv := range c.Conversations {
		if conv.ConversationID == "" {
			return fmt.Errorf("conversation at index %d has empty conversation_id", i)
		}
		if len(conv.Turns) == 0 {
			return fmt.Errorf("conversation %q has no turns", conv.ConversationID)
		}
	}

	// Threshold checks are enforced at load time so a missing threshold
	// fails before any provider call.
	for where, assertions := range c.assertionSets() {
		for _, a := range assertions {
			if a.Type == "" {
				return fmt.Errorf("%s: assertion has empty type", where)
			}
			if (a.Type == AssertCost || a.Type == AssertLatency) && a.Threshold == nil {
				return fmt.Errorf("%s: %s assertion requires a threshold", where, a.Type)
			}
		}
	}
	return nil
}

// ValidateAssertionTypes fails fast on tags the registry cannot dispatch.
// Conversation-only tags are accepted inside conversation turns.
func (c *Config) ValidateAssertionTypes(known map[AssertionType]bool) error {
	conversationOnly := map[AssertionType]bool{}
	for _, t := range ConversationAssertions {
		conversationOnly[t] = true
	}

	for where, assertions := range c.assertionSets() {
		inConversation := strings.HasPrefix(where, "conversation")
		for _, a := range assertions {
			if known[a.Type] {
				continue
			}
			if inConversation && conversationOnly[a.Type] {
				continue
			}
			if conversationOnly[a.Type] {
				return fmt.Errorf("%s: assertion type %q is only valid inside conversation turns", where, a.Type)
			}
			return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
		}
	}
	return nil
}

func (c *Config) assertionSets() map[string][]Assertion {
	sets := map[string][]Assertion{}
	if c.DefaultTest != nil {
		sets["default_test"] = c.DefaultTest.Assertions
	}
	for i, t := range c.Tests {
		sets[fmt.Sprintf("tests[%d]", i)] = t.Assertions
	}
	for _, conv := range c.Conversations {
		for i, turn := range conv.Turns {
			sets[fmt.Sprintf("conversation %q turn %d", conv.ConversationID, i+1)] = turn.Assertions
		}
	}
	return sets
}

// GetAllEnv exposes the process environment to config templating.
func GetAllEnv() map[string]string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			envMap[k] = v
		}
	}
	return envMap
}
