package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/yalp/jsonpath"

	"github.com/mykhaliev/llm-eval/assertion"
	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/provider"
)

// ============================================================================
// CONVERSATION STATE
// ============================================================================

type Turn struct {
	Role     string                 `json:"role"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// State carries one conversation's turns plus the context map that
// accumulates cross-turn variables.
type State struct {
	ID      string                 `json:"id"`
	Turns   []Turn                 `json:"turns"`
	Context map[string]interface{} `json:"context"`
}

func newState(id string) *State {
	return &State{ID: id, Context: map[string]interface{}{}}
}

func (s *State) AddTurn(role, content string, metadata map[string]interface{}) {
	s.Turns = append(s.Turns, Turn{Role: role, Content: content, Metadata: metadata})
}

// Messages converts the full accumulated history for the gateway.
func (s *State) Messages() []model.Message {
	msgs := make([]model.Message, len(s.Turns))
	for i, t := range s.Turns {
		msgs[i] = model.Message{Role: t.Role, Content: t.Content}
	}
	return msgs
}

// DialogueLength counts user and assistant turns, ignoring system turns.
func (s *State) DialogueLength() int {
	n := 0
	for _, t := range s.Turns {
		if t.Role == "user" || t.Role == "assistant" {
			n++
		}
	}
	return n
}

// AssistantText joins every assistant reply so far.
func (s *State) AssistantText() string {
	var parts []string
	for _, t := range s.Turns {
		if t.Role == "assistant" {
			parts = append(parts, t.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// ============================================================================
// CONVERSATION MANAGER
// ============================================================================

type Manager struct {
	gateways map[string]provider.Gateway
	registry *assertion.Registry

	mu            sync.Mutex
	conversations map[string]*State
}

func NewManager(gateways map[string]provider.Gateway, registry *assertion.Registry) *Manager {
	return &Manager{
		gateways:      gateways,
		registry:      registry,
		conversations: map[string]*State{},
	}
}

// Get returns the conversation state, creating it on first reference.
func (m *Manager) Get(id string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.conversations[id]
	if !ok {
		state = newState(id)
		m.conversations[id] = state
	}
	return state
}

func (m *Manager) Clear(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
}

func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = map[string]*State{}
}

// Export serializes a conversation for inspection or archival.
func (m *Manager) Export(id string) ([]byte, error) {
	m.mu.Lock()
	state, ok := m.conversations[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown conversation id: %s", id)
	}
	return sonic.MarshalIndent(state, "", "  ")
}

// ============================================================================
// CONVERSATION TEST EXECUTION
// ============================================================================

type TurnResult struct {
	TurnIndex         int                     `json:"turn_index"`
	UserMessage       string                  `json:"user_message"`
	AssistantResponse string                  `json:"assistant_response,omitempty"`
	Cost              *float64                `json:"cost,omitempty"`
	Latency           *float64                `json:"latency,omitempty"`
	AssertionResults  []model.AssertionResult `json:"assertion_results,omitempty"`
	Success           bool                    `json:"success"`
	Error             string                  `json:"error,omitempty"`
}

type Result struct {
	ConversationID string       `json:"conversation_id"`
	Provider       string       `json:"provider"`
	TurnResults    []TurnResult `json:"turn_results"`
	Success        bool         `json:"success"`
}

// RunConversationTest processes the configured turns in order and stops at
// the first failing turn; later turns are never attempted. Overall success
// is the AND over executed turns.
func (m *Manager) RunConversationTest(ctx context.Context, test model.ConversationTest, providerID string) (*Result, error) {
	gw, ok := m.gateways[providerID]
	if !ok {
		return nil, fmt.Errorf("no gateway for provider %q", providerID)
	}

	state := m.Get(test.ConversationID)
	if test.System != "" && len(state.Turns) == 0 {
		state.AddTurn("system", test.System, nil)
	}

	logger.Logger.Info("Running conversation test",
		"conversation", test.ConversationID,
		"provider", providerID,
		"turns", len(test.Turns))

	result := &Result{ConversationID: test.ConversationID, Provider: providerID, Success: true}

	for i, turn := range test.Turns {
		turnResult := m.runTurn(ctx, gw, state, i, turn)
		result.TurnResults = append(result.TurnResults, turnResult)
		if !turnResult.Success {
			result.Success = false
			logger.Logger.Warn("Conversation turn failed, stopping",
				"conversation", test.ConversationID,
				"turn", i+1)
			break
		}
	}
	return result, nil
}

func (m *Manager) runTurn(ctx context.Context, gw provider.Gateway, state *State, index int, turn model.ConversationTurn) TurnResult {
	// Turn-local vars win over accumulated context.
	vars := make(map[string]interface{}, len(state.Context)+len(turn.Vars))
	for k, v := range state.Context {
		vars[k] = v
	}
	for k, v := range turn.Vars {
		vars[k] = v
	}

	userMsg, err := model.Render(turn.User, vars)
	if err != nil {
		return TurnResult{
			TurnIndex:   index,
			UserMessage: turn.User,
			Success:     false,
			Error:       fmt.Sprintf("failed to render turn message: %v", err),
		}
	}

	state.AddTurn("user", userMsg, nil)

	resp, err := gw.Generate(ctx, state.Messages(), nil)
	if err != nil {
		return TurnResult{
			TurnIndex:   index,
			UserMessage: userMsg,
			Success:     false,
			Error:       err.Error(),
		}
	}

	state.AddTurn("assistant", resp.Content, map[string]interface{}{
		"cost":        resp.Cost,
		"latency":     resp.Latency,
		"token_usage": resp.TokenUsage,
	})

	state.Context[fmt.Sprintf("turn_%d_user", index+1)] = userMsg
	state.Context[fmt.Sprintf("turn_%d_assistant", index+1)] = resp.Content
	state.Context["last_response"] = resp.Content

	for _, ex := range turn.Extractors {
		extract(ex, resp.Content, state.Context)
	}

	assertionResults := make([]model.AssertionResult, 0, len(turn.Assertions))
	success := true
	for _, a := range turn.Assertions {
		var res model.AssertionResult
		switch a.Type {
		case model.AssertConversationLength:
			res = evalConversationLength(a, state)
		case model.AssertConversationContext:
			res = evalConversationContext(a, state)
		default:
			res = m.registry.Evaluate(ctx, a, resp.Content, resp)
		}
		if !res.Passed {
			success = false
		}
		assertionResults = append(assertionResults, res)
	}

	return TurnResult{
		TurnIndex:         index,
		UserMessage:       userMsg,
		AssistantResponse: resp.Content,
		Cost:              resp.Cost,
		Latency:           resp.Latency,
		AssertionResults:  assertionResults,
		Success:           success,
	}
}

// extract pulls a value out of the assistant reply into conversation
// context. Failures log and continue; extraction is best effort.
func extract(ex model.DataExtractor, content string, contextMap map[string]interface{}) {
	switch ex.ExtractorType {
	case "jsonpath":
		var data interface{}
		if err := sonic.Unmarshal([]byte(content), &data); err != nil {
			logger.Logger.Warn("Failed to unmarshal JSON: " + err.Error())
			return
		}
		res, err := jsonpath.Read(data, ex.Path)
		if err != nil {
			logger.Logger.Warn("Invalid JSONPath: " + err.Error())
			return
		}
		logger.Logger.Debug("Extracted", "variable", ex.VariableName, "value", fmt.Sprint(res))
		contextMap[ex.VariableName] = res
	default:
		logger.Logger.Warn("Unknown extractor type", "type", ex.ExtractorType)
	}
}

// ============================================================================
// CONVERSATION ASSERTIONS
// ============================================================================

func evalConversationLength(a model.Assertion, state *State) model.AssertionResult {
	expected, ok := toCount(a.Value)
	if !ok {
		return model.AssertionResult{
			Type:    a.Type,
			Passed:  false,
			Message: "conversation-length assertion requires a numeric value",
			Error:   "conversation-length assertion requires a numeric value",
		}
	}

	actual := state.DialogueLength()
	passed := actual == expected
	message := fmt.Sprintf("Conversation has %d turns", actual)
	if !passed {
		message = fmt.Sprintf("Expected conversation to have %d turns, got %d", expected, actual)
	}
	return model.AssertionResult{
		Type:    a.Type,
		Passed:  passed,
		Message: message,
		Metadata: map[string]interface{}{
			"expected": expected,
			"actual":   actual,
		},
	}
}

func evalConversationContext(a model.Assertion, state *State) model.AssertionResult {
	keywords := toKeywords(a.Value)
	if len(keywords) == 0 {
		return model.AssertionResult{
			Type:    a.Type,
			Passed:  false,
			Message: "conversation-context assertion requires one or more keywords",
			Error:   "conversation-context assertion requires one or more keywords",
		}
	}

	// Any single keyword in the accumulated assistant text is enough.
	haystack := strings.ToLower(state.AssistantText())
	var found []string
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			found = append(found, kw)
		}
	}

	passed := len(found) > 0
	message := fmt.Sprintf("Conversation mentions: %s", strings.Join(found, ", "))
	if !passed {
		message = fmt.Sprintf("Conversation mentions none of: %s", strings.Join(keywords, ", "))
	}
	return model.AssertionResult{
		Type:    a.Type,
		Passed:  passed,
		Message: message,
		Metadata: map[string]interface{}{
			"keywords": keywords,
			"found":    found,
		},
	}
}

func toCount(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		return parsed, err == nil
	default:
		return 0, false
	}
}

func toKeywords(v interface{}) []string {
	switch kw := v.(type) {
	case string:
		if kw == "" {
			return nil
		}
		return []string{kw}
	case []interface{}:
		out := make([]string, 0, len(kw))
		for _, item := range kw {
			if s := fmt.Sprint(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return kw
	default:
		return nil
	}
}
