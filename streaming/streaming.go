package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/mykhaliev/llm-eval/assertion"
	"github.com/mykhaliev/llm-eval/logger"
	"github.com/mykhaliev/llm-eval/model"
	"github.com/mykhaliev/llm-eval/provider"
)

// ============================================================================
// STREAMING EVALUATOR
// ============================================================================

// Event order for a single evaluation:
//
//	start -> prompt_rendered -> response_chunk* -> response_complete ->
//	{assertion_start -> assertion_complete|assertion_error}* -> evaluation_complete
//
// or a single error event terminating the sequence early.
//
// Chunk delivery is simulated: the full response is fetched first, then
// sliced into fixed-size chunks emitted with a small delay. Genuine
// token-incremental delivery would need a streaming gateway contract.

type EventType string

const (
	EventStart              EventType = "start"
	EventPromptRendered     EventType = "prompt_rendered"
	EventResponseChunk      EventType = "response_chunk"
	EventResponseComplete   EventType = "response_complete"
	EventAssertionStart     EventType = "assertion_start"
	EventAssertionComplete  EventType = "assertion_complete"
	EventAssertionError     EventType = "assertion_error"
	EventEvaluationComplete EventType = "evaluation_complete"
	EventError              EventType = "error"
	EventComparisonStart    EventType = "comparison_start"
	EventProviderComplete   EventType = "provider_complete"
	EventProviderError      EventType = "provider_error"
	EventComparisonComplete EventType = "comparison_complete"
)

type Event struct {
	Type            EventType               `json:"type"`
	Provider        string                  `json:"provider,omitempty"`
	Providers       []string                `json:"providers,omitempty"`
	Prompt          string                  `json:"prompt,omitempty"`
	Chunk           string                  `json:"chunk,omitempty"`
	ChunkIndex      int                     `json:"chunk_index,omitempty"`
	Response        string                  `json:"response,omitempty"`
	Cost            *float64                `json:"cost,omitempty"`
	Latency         *float64                `json:"latency,omitempty"`
	TokenUsage      map[string]int          `json:"token_usage,omitempty"`
	AssertionIndex  int                     `json:"assertion_index,omitempty"`
	AssertionType   model.AssertionType     `json:"assertion_type,omitempty"`
	AssertionResult *model.AssertionResult  `json:"assertion_result,omitempty"`
	Result          *model.EvaluationResult `json:"result,omitempty"`
	Message         string                  `json:"message,omitempty"`
	Timestamp       time.Time               `json:"timestamp"`
}

const (
	defaultChunkSize    = 20
	defaultChunkDelay   = 100 * time.Millisecond
	defaultPollInterval = 50 * time.Millisecond
)

type Evaluator struct {
	gateways     map[string]provider.Gateway
	registry     *assertion.Registry
	chunkSize    int
	chunkDelay   time.Duration
	pollInterval time.Duration
}

type Option func(*Evaluator)

func WithChunkSize(n int) Option {
	return func(e *Evaluator) { e.chunkSize = n }
}

func WithChunkDelay(d time.Duration) Option {
	return func(e *Evaluator) { e.chunkDelay = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Evaluator) { e.pollInterval = d }
}

func New(gateways map[string]provider.Gateway, registry *assertion.Registry, opts ...Option) *Evaluator {
	e := &Evaluator{
		gateways:     gateways,
		registry:     registry,
		chunkSize:    defaultChunkSize,
		chunkDelay:   defaultChunkDelay,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StreamEvaluation runs one (prompt, provider, test) evaluation and returns
// a finite event channel, closed when the sequence ends.
func (e *Evaluator) StreamEvaluation(ctx context.Context, prompt model.PromptTemplate, tc model.TestCase, providerID string) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		e.stream(ctx, ch, prompt, tc, providerID)
	}()
	return ch
}

func (e *Evaluator) stream(ctx context.Context, ch chan<- Event, prompt model.PromptTemplate, tc model.TestCase, providerID string) {
	emit := func(ev Event) bool {
		ev.Timestamp = time.Now()
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventStart, Provider: providerID}) {
		return
	}

	msgs, err := prompt.RenderMessages(tc.Vars)
	if err != nil {
		emit(Event{Type: EventError, Provider: providerID, Message: fmt.Sprintf("failed to render prompt: %v", err)})
		return
	}
	promptText := model.FlattenMessages(msgs)
	if !emit(Event{Type: EventPromptRendered, Provider: providerID, Prompt: promptText}) {
		return
	}

	gw, ok := e.gateways[providerID]
	if !ok {
		emit(Event{Type: EventError, Provider: providerID, Message: fmt.Sprintf("no gateway for provider %q", providerID)})
		return
	}

	resp, err := gw.Generate(ctx, msgs, nil)
	if err != nil {
		emit(Event{Type: EventError, Provider: providerID, Message: err.Error()})
		return
	}

	// No chunk is emitted before the full response exists; order always
	// matches content order.
	content := resp.Content
	for i := 0; i < len(content); i += e.chunkSize {
		end := min(i+e.chunkSize, len(content))
		if !emit(Event{
			Type:       EventResponseChunk,
			Provider:   providerID,
			Chunk:      content[i:end],
			ChunkIndex: i / e.chunkSize,
		}) {
			return
		}
		if e.chunkDelay > 0 && end < len(content) {
			select {
			case <-time.After(e.chunkDelay):
			case <-ctx.Done():
				return
			}
		}
	}

	if !emit(Event{
		Type:       EventResponseComplete,
		Provider:   providerID,
		Response:   content,
		Cost:       resp.Cost,
		Latency:    resp.Latency,
		TokenUsage: resp.TokenUsage,
	}) {
		return
	}

	assertionResults := make([]model.AssertionResult, 0, len(tc.Assertions))
	success := true
	for i, a := range tc.Assertions {
		if !emit(Event{Type: EventAssertionStart, Provider: providerID, AssertionIndex: i, AssertionType: a.Type}) {
			return
		}

		res := e.registry.Evaluate(ctx, a, content, resp)
		assertionResults = append(assertionResults, res)
		if !res.Passed {
			success = false
		}

		evType := EventAssertionComplete
		if res.Error != "" {
			evType = EventAssertionError
		}
		if !emit(Event{Type: evType, Provider: providerID, AssertionIndex: i, AssertionType: a.Type, AssertionResult: &res}) {
			return
		}
	}

	result := &model.EvaluationResult{
		Provider:         providerID,
		Prompt:           promptText,
		Vars:             tc.Vars,
		Response:         content,
		Cost:             resp.Cost,
		Latency:          resp.Latency,
		AssertionResults: assertionResults,
		Success:          success,
	}
	emit(Event{Type: EventEvaluationComplete, Provider: providerID, Result: result})
}

// ============================================================================
// PROVIDER COMPARISON
// ============================================================================

type providerOutcome struct {
	providerID string
	result     *model.EvaluationResult
	err        string
}

// StreamComparison fans out one task per provider and reports completions
// as they happen: provider_complete or provider_error exactly once per
// provider, in completion order. All tasks run to completion; there is no
// early exit.
func (e *Evaluator) StreamComparison(ctx context.Context, prompt model.PromptTemplate, tc model.TestCase, providerIDs []string) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)

		emit := func(ev Event) bool {
			ev.Timestamp = time.Now()
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(Event{Type: EventComparisonStart, Providers: providerIDs}) {
			return
		}

		done := make(chan providerOutcome, len(providerIDs))
		for _, id := range providerIDs {
			go func(id string) {
				done <- e.collectOutcome(ctx, prompt, tc, id)
			}(id)
		}

		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()

		received := 0
		for received < len(providerIDs) {
			select {
			case <-ticker.C:
				// Drain whatever finished since the last tick.
			drain:
				for received < len(providerIDs) {
					select {
					case out := <-done:
						received++
						if !emitOutcome(emit, out) {
							return
						}
					default:
						break drain
					}
				}
			case <-ctx.Done():
				return
			}
		}

		emit(Event{Type: EventComparisonComplete, Providers: providerIDs})
	}()
	return ch
}

func emitOutcome(emit func(Event) bool, out providerOutcome) bool {
	if out.err != "" {
		return emit(Event{Type: EventProviderError, Provider: out.providerID, Message: out.err})
	}
	return emit(Event{Type: EventProviderComplete, Provider: out.providerID, Result: out.result})
}

// collectOutcome drains one provider's stream down to its terminal event.
func (e *Evaluator) collectOutcome(ctx context.Context, prompt model.PromptTemplate, tc model.TestCase, providerID string) providerOutcome {
	out := providerOutcome{providerID: providerID}
	for ev := range e.StreamEvaluation(ctx, prompt, tc, providerID) {
		switch ev.Type {
		case EventEvaluationComplete:
			out.result = ev.Result
		case EventError:
			out.err = ev.Message
		}
	}
	if out.result == nil && out.err == "" {
		out.err = "evaluation ended without a result"
		logger.Logger.Warn("Stream ended without terminal event", "provider", providerID)
	}
	return out
}
