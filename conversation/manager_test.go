package conversation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mykhaliev/llm-eval/assertion"
	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/provider"
)

type stubGateway struct {
	id    string
	reply func(msgs []model.Message) (*model.ProviderResponse, error)
}

func (s *stubGateway) ID() string { return s.id }

func (s *stubGateway) Generate(_ context.Context, msgs []model.Message, _ *provider.GenerateOptions) (*model.ProviderResponse, error) {
	return s.reply(msgs)
}

func echoGateway(id string) *stubGateway {
	return &stubGateway{id: id, reply: func(msgs []model.Message) (*model.ProviderResponse, error) {
		return &model.ProviderResponse{Content: "echo: " + msgs[len(msgs)-1].Content, Provider: id}, nil
	}}
}

func newTestManager(gw provider.Gateway) *Manager {
	return NewManager(map[string]provider.Gateway{gw.(*stubGateway).id: gw}, assertion.NewRegistry())
}

// ============================================================================
// Conversation Manager Tests
// ============================================================================

func TestConversationStateLifecycle(t *testing.T) {
	m := NewManager(nil, assertion.NewRegistry())

	t.Run("Lazily created per id", func(t *testing.T) {
		s1 := m.Get("a")
		s2 := m.Get("a")
		assert.Same(t, s1, s2)
		assert.NotSame(t, s1, m.Get("b"))
	})

	t.Run("Clear removes one conversation", func(t *testing.T) {
		s := m.Get("a")
		s.AddTurn("user", "hi", nil)
		m.Clear("a")
		assert.Empty(t, m.Get("a").Turns)
	})

	t.Run("Export serializes state", func(t *testing.T) {
		s := m.Get("exported")
		s.AddTurn("user", "hello", nil)
		data, err := m.Export("exported")
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello")

		_, err = m.Export("missing")
		require.Error(t, err)
	})

	t.Run("ClearAll wipes everything", func(t *testing.T) {
		m.Get("x").AddTurn("user", "hi", nil)
		m.ClearAll()
		assert.Empty(t, m.Get("x").Turns)
	})
}

func TestRunConversationTestHappyPath(t *testing.T) {
	m := newTestManager(echoGateway("stub"))

	test := model.ConversationTest{
		ConversationID: "greet",
		System:         "You are terse.",
		Turns: []model.ConversationTurn{
			{
				User:       "Hello, I am {{name}}.",
				Vars:       map[string]interface{}{"name": "Ada"},
				Assertions: []model.Assertion{{Type: model.AssertContains, Value: "Ada"}},
			},
			{
				User:       "You said: {{last_response}}",
				Assertions: []model.Assertion{{Type: model.AssertConversationLength, Value: 4}},
			},
		},
	}

	res, err := m.RunConversationTest(context.Background(), test, "stub")
	require.NoError(t, err)
	require.Len(t, res.TurnResults, 2)
	assert.True(t, res.Success)

	// Context carries the previous assistant reply into the next turn.
	assert.Equal(t, "You said: echo: Hello, I am Ada.", res.TurnResults[1].UserMessage)

	// System turn is kept but excluded from the dialogue length.
	state := m.Get("greet")
	assert.Len(t, state.Turns, 5)
	assert.Equal(t, 4, state.DialogueLength())
	assert.Equal(t, "echo: Hello, I am Ada.", state.Context["turn_1_assistant"])
	assert.Equal(t, "Hello, I am Ada.", state.Context["turn_1_user"])
}

func TestRunConversationTestStopsAtFirstFailingTurn(t *testing.T) {
	m := newTestManager(echoGateway("stub"))

	test := model.ConversationTest{
		ConversationID: "failing",
		Turns: []model.ConversationTurn{
			{User: "one", Assertions: []model.Assertion{{Type: model.AssertContains, Value: "one"}}},
			{User: "two", Assertions: []model.Assertion{{Type: model.AssertContains, Value: "never-present"}}},
			{User: "three"},
		},
	}

	res, err := m.RunConversationTest(context.Background(), test, "stub")
	require.NoError(t, err)

	// Turn 3 is never attempted.
	require.Len(t, res.TurnResults, 2)
	assert.True(t, res.TurnResults[0].Success)
	assert.False(t, res.TurnResults[1].Success)
	assert.False(t, res.Success)
	assert.Len(t, m.Get("failing").Turns, 4)
}

func TestRunConversationTestTurnVarsWinOverContext(t *testing.T) {
	m := newTestManager(echoGateway("stub"))

	state := m.Get("vars")
	state.Context["topic"] = "from-context"

	test := model.ConversationTest{
		ConversationID: "vars",
		Turns: []model.ConversationTurn{{
			User: "Talk about {{topic}}.",
			Vars: map[string]interface{}{"topic": "from-turn"},
		}},
	}

	res, err := m.RunConversationTest(context.Background(), test, "stub")
	require.NoError(t, err)
	assert.Equal(t, "Talk about from-turn.", res.TurnResults[0].UserMessage)
}

func TestRunConversationTestGatewayFailureStops(t *testing.T) {
	calls := 0
	gw := &stubGateway{id: "flaky", reply: func(msgs []model.Message) (*model.ProviderResponse, error) {
		calls++
		if calls > 1 {
			return nil, fmt.Errorf("connection reset")
		}
		return &model.ProviderResponse{Content: "ok", Provider: "flaky"}, nil
	}}
	m := newTestManager(gw)

	test := model.ConversationTest{
		ConversationID: "flaky",
		Turns: []model.ConversationTurn{
			{User: "one"},
			{User: "two"},
			{User: "three"},
		},
	}

	res, err := m.RunConversationTest(context.Background(), test, "flaky")
	require.NoError(t, err)
	require.Len(t, res.TurnResults, 2)
	assert.False(t, res.Success)
	assert.Contains(t, res.TurnResults[1].Error, "connection reset")
}

func TestRunConversationTestUnknownProvider(t *testing.T) {
	m := NewManager(map[string]provider.Gateway{}, assertion.NewRegistry())
	_, err := m.RunConversationTest(context.Background(), model.ConversationTest{ConversationID: "x"}, "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gateway")
}

func TestRunConversationTestFullHistorySent(t *testing.T) {
	var lastSeen []model.Message
	gw := &stubGateway{id: "rec", reply: func(msgs []model.Message) (*model.ProviderResponse, error) {
		lastSeen = append([]model.Message(nil), msgs...)
		return &model.ProviderResponse{Content: "reply", Provider: "rec"}, nil
	}}
	m := newTestManager(gw)

	test := model.ConversationTest{
		ConversationID: "history",
		Turns: []model.ConversationTurn{
			{User: "first"},
			{User: "second"},
		},
	}

	_, err := m.RunConversationTest(context.Background(), test, "rec")
	require.NoError(t, err)

	// The second call carries the full accumulated history.
	require.Len(t, lastSeen, 3)
	assert.Equal(t, "first", lastSeen[0].Content)
	assert.Equal(t, "reply", lastSeen[1].Content)
	assert.Equal(t, "second", lastSeen[2].Content)
}

// ============================================================================
// Data Extractor Tests
// ============================================================================

func TestJSONPathExtractor(t *testing.T) {
	gw := &stubGateway{id: "json", reply: func(msgs []model.Message) (*model.ProviderResponse, error) {
		if len(msgs) == 1 {
			return &model.ProviderResponse{Content: `{"order": {"id": "ORD-42"}}`, Provider: "json"}, nil
		}
		return &model.ProviderResponse{Content: "status for " + msgs[len(msgs)-1].Content, Provider: "json"}, nil
	}}
	m := newTestManager(gw)

	test := model.ConversationTest{
		ConversationID: "extract",
		Turns: []model.ConversationTurn{
			{
				User: "Create an order.",
				Extractors: []model.DataExtractor{{
					ExtractorType: "jsonpath",
					Path:          "$.order.id",
					VariableName:  "order_id",
				}},
			},
			{User: "What is the status of {{order_id}}?"},
		},
	}

	res, err := m.RunConversationTest(context.Background(), test, "json")
	require.NoError(t, err)
	require.Len(t, res.TurnResults, 2)
	assert.Equal(t, "What is the status of ORD-42?", res.TurnResults[1].UserMessage)
	assert.Equal(t, "ORD-42", m.Get("extract").Context["order_id"])
}

func TestExtractorFailuresAreBestEffort(t *testing.T) {
	contextMap := map[string]interface{}{}

	// Non-JSON reply: nothing extracted, nothing broken.
	extract(model.DataExtractor{ExtractorType: "jsonpath", Path: "$.a", VariableName: "v"}, "plain text", contextMap)
	assert.Empty(t, contextMap)

	// Bad path: same.
	extract(model.DataExtractor{ExtractorType: "jsonpath", Path: "$[invalid", VariableName: "v"}, `{"a":1}`, contextMap)
	assert.Empty(t, contextMap)
}

// ============================================================================
// Conversation Assertion Tests
// ============================================================================

func TestConversationLengthAssertion(t *testing.T) {
	state := newState("len")
	state.AddTurn("system", "sys", nil)
	state.AddTurn("user", "q", nil)
	state.AddTurn("assistant", "a", nil)

	res := evalConversationLength(model.Assertion{Type: model.AssertConversationLength, Value: 2}, state)
	assert.True(t, res.Passed)

	res = evalConversationLength(model.Assertion{Type: model.AssertConversationLength, Value: 5}, state)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "got 2")

	res = evalConversationLength(model.Assertion{Type: model.AssertConversationLength, Value: "nope"}, state)
	assert.False(t, res.Passed)
}

func TestConversationContextAssertion(t *testing.T) {
	state := newState("ctx")
	state.AddTurn("user", "tell me about shipping", nil)
	state.AddTurn("assistant", "Your order ships Tuesday via Express.", nil)
	state.AddTurn("user", "thanks", nil)
	state.AddTurn("assistant", "You're welcome!", nil)

	t.Run("All keywords present across turns", func(t *testing.T) {
		res := evalConversationContext(model.Assertion{
			Type:  model.AssertConversationContext,
			Value: []interface{}{"tuesday", "welcome"},
		}, state)
		assert.True(t, res.Passed)
	})

	t.Run("One matching keyword is enough", func(t *testing.T) {
		res := evalConversationContext(model.Assertion{
			Type:  model.AssertConversationContext,
			Value: []interface{}{"tuesday", "refund"},
		}, state)
		assert.True(t, res.Passed)
		assert.Contains(t, res.Message, "tuesday")
	})

	t.Run("No keyword present fails with listing", func(t *testing.T) {
		res := evalConversationContext(model.Assertion{
			Type:  model.AssertConversationContext,
			Value: []interface{}{"refund", "cancellation"},
		}, state)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "refund")
		assert.Contains(t, res.Message, "cancellation")
	})

	t.Run("Single string keyword", func(t *testing.T) {
		res := evalConversationContext(model.Assertion{
			Type:  model.AssertConversationContext,
			Value: "express",
		}, state)
		assert.True(t, res.Passed)
	})

	t.Run("Empty value fails", func(t *testing.T) {
		res := evalConversationContext(model.Assertion{Type: model.AssertConversationContext}, state)
		assert.False(t, res.Passed)
	})
}
