package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"webchat/gateway/internal/domain"
	"webchat/gateway/internal/runner"
	"webchat/gateway/internal/tool"
)

const ErrorCodeLoopLimitExceeded = "loop_limit_exceeded"

const defaultMaxSteps = 8

type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RunnerClient is the model gateway surface the engine needs.
type RunnerClient interface {
	GenerateTurnStream(ctx context.Context, transcript []json.RawMessage, cfg runner.GenerateConfig, tools []runner.ToolDefinition, callbacks runner.StreamCallbacks) (runner.TurnResult, error)
}

type Config struct {
	ProviderBaseURL        string
	ProviderAPIKey         string
	ProviderTimeoutMS      int
	DefaultModel           string
	DefaultReasoningEffort string
	SystemPrompt           string
	MaxSteps               int
}

type Result struct {
	Status    string
	Response  string
	Reasoning []string
	ToolCalls []domain.ToolCallSummary
	Steps     []domain.AgentStep
	Questions []domain.ClarifyQuestion
	Pending   *domain.PendingContext
}

// Engine drives the tool-calling loop: model turn, tool execution, repeat,
// until the model answers in plain text, asks for clarification, or the step
// bound is hit.
type Engine struct {
	runner RunnerClient
	tools  *tool.Registry
	cfg    Config
}

func New(runnerClient RunnerClient, registry *tool.Registry, cfg Config) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	return &Engine{runner: runnerClient, tools: registry, cfg: cfg}
}

// Run starts a fresh turn from the client-supplied conversation history.
// emit may be nil for buffered callers; delta events are then suppressed.
func (e *Engine) Run(
	ctx context.Context,
	turns []domain.Turn,
	modelCfg domain.ModelConfig,
	conversationID string,
	emit func(domain.StreamEvent),
) (Result, error) {
	transcript := make([]json.RawMessage, 0, len(turns)+1)
	if prompt := strings.TrimSpace(e.cfg.SystemPrompt); prompt != "" {
		transcript = append(transcript, runner.SystemMessage(prompt))
	}
	for _, turn := range turns {
		switch strings.ToLower(strings.TrimSpace(turn.Role)) {
		case domain.RoleAssistant:
			if strings.TrimSpace(turn.Content) == "" {
				continue
			}
			transcript = append(transcript, runner.AssistantMessage(turn.Content))
		default:
			transcript = append(transcript, runner.UserMessage(turn.Content, turn.Images))
		}
	}
	model, effort := e.resolveModel(modelCfg.Model, modelCfg.ReasoningEffort)
	return e.run(ctx, transcript, model, effort, conversationID, emit)
}

// Resume continues a turn paused on a clarify call. The saved transcript and
// raw items are replayed verbatim, followed by one function_call_output
// carrying the user's answers keyed to the clarify call id.
func (e *Engine) Resume(
	ctx context.Context,
	pending domain.PendingContext,
	answers []domain.ClarifyAnswer,
	emit func(domain.StreamEvent),
) (Result, error) {
	if strings.TrimSpace(pending.ClarifyCallID) == "" {
		return Result{}, &Error{Code: "pending_context_invalid", Message: "pending_context is missing its clarify call id"}
	}
	transcript := make([]json.RawMessage, 0, len(pending.Transcript)+len(pending.RawItems)+1)
	transcript = append(transcript, cloneTranscript(pending.Transcript)...)
	transcript = append(transcript, cloneTranscript(pending.RawItems)...)

	payload, err := json.Marshal(map[string]interface{}{"answers": answers})
	if err != nil {
		return Result{}, &Error{Code: "pending_context_invalid", Message: "failed to encode clarify answers", Err: err}
	}
	transcript = append(transcript, runner.FunctionCallOutput(pending.ClarifyCallID, string(payload)))

	model, effort := e.resolveModel(pending.Model, pending.ReasoningEffort)
	return e.run(ctx, transcript, model, effort, pending.ConversationID, emit)
}

func (e *Engine) run(
	ctx context.Context,
	seed []json.RawMessage,
	model string,
	effort string,
	conversationID string,
	emit func(domain.StreamEvent),
) (Result, error) {
	transcript := cloneTranscript(seed)
	reasoning := make([]string, 0, 4)
	toolCalls := make([]domain.ToolCallSummary, 0, 4)
	steps := make([]domain.AgentStep, 0, 8)

	send := func(evt domain.StreamEvent) {
		if emit != nil {
			emit(evt)
		}
	}
	trace := func(stepType, content string) {
		steps = append(steps, domain.AgentStep{
			Type:      stepType,
			Content:   content,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}

	genCfg := runner.GenerateConfig{
		BaseURL:         e.cfg.ProviderBaseURL,
		APIKey:          e.cfg.ProviderAPIKey,
		Model:           model,
		ReasoningEffort: effort,
		TimeoutMS:       e.cfg.ProviderTimeoutMS,
	}
	definitions := e.tools.Definitions()

	for step := 1; ; step++ {
		if step > e.cfg.MaxSteps {
			return Result{}, &Error{
				Code:    ErrorCodeLoopLimitExceeded,
				Message: fmt.Sprintf("turn exceeded %d model calls without completing", e.cfg.MaxSteps),
			}
		}

		turn, runErr := e.runner.GenerateTurnStream(ctx, transcript, genCfg, definitions, runner.StreamCallbacks{
			OnContentDelta: func(delta string) {
				send(domain.StreamEvent{Type: domain.StreamEventContentDelta, Delta: delta})
			},
			OnReasoningDelta: func(delta string) {
				send(domain.StreamEvent{Type: domain.StreamEventReasoningDelta, Delta: delta})
			},
		})
		if runErr != nil {
			invalid, recovered := runner.InvalidToolCallFromError(runErr)
			if !recovered {
				return Result{}, runErr
			}
			feedback := fmt.Sprintf("tool call arguments were not valid JSON: %v", invalid.Err)
			log.Printf("orchestrator: recovering invalid tool call name=%q call_id=%q: %v", invalid.Name, invalid.CallID, invalid.Err)
			summary := domain.ToolCallSummary{Name: invalid.Name}
			toolCalls = append(toolCalls, summary)
			trace(domain.StepTypeToolCall, invalid.Name)
			trace(domain.StepTypeToolResult, feedback)
			send(domain.StreamEvent{Type: domain.StreamEventToolCall, Name: invalid.Name})
			send(domain.StreamEvent{Type: domain.StreamEventToolResult, Name: invalid.Name})

			callItem := invalid.RawItem
			if len(callItem) == 0 {
				callItem = runner.FunctionCallItem(invalid.CallID, invalid.Name, invalid.ArgumentsRaw)
			}
			output, _ := json.Marshal(map[string]interface{}{"error": feedback})
			transcript = append(transcript, callItem, runner.FunctionCallOutput(invalid.CallID, string(output)))
			continue
		}

		for _, summary := range turn.Reasoning {
			reasoning = append(reasoning, summary)
			trace(domain.StepTypeReasoning, summary)
		}

		if call, ok := findClarifyCall(turn.ToolCalls); ok {
			questions, parseErr := tool.ParseClarifyQuestions(call.Arguments)
			if parseErr != nil {
				// Malformed clarify call: feed the failure back instead of
				// surfacing a broken question list to the user.
				log.Printf("orchestrator: clarify call rejected call_id=%q: %v", call.ID, parseErr)
				transcript = append(transcript, cloneTranscript(turn.RawItems)...)
				output, _ := json.Marshal(map[string]interface{}{"error": parseErr.Error()})
				transcript = append(transcript, runner.FunctionCallOutput(call.ID, string(output)))
				continue
			}
			// Non-clarify calls in the batch never execute. Pair each with
			// an error output so every function_call in the replayed
			// transcript stays matched; only the clarify call waits for the
			// answers output added by Resume.
			pendingItems := cloneTranscript(turn.RawItems)
			for _, other := range turn.ToolCalls {
				if other.ID == call.ID {
					continue
				}
				superseded, _ := json.Marshal(map[string]interface{}{"error": "superseded by clarification"})
				pendingItems = append(pendingItems, runner.FunctionCallOutput(other.ID, string(superseded)))
			}
			pending := &domain.PendingContext{
				Transcript:      cloneTranscript(transcript),
				RawItems:        pendingItems,
				ClarifyCallID:   call.ID,
				Model:           model,
				ReasoningEffort: effort,
				ConversationID:  conversationID,
			}
			trace(domain.StepTypeToolCall, tool.ClarifyToolName)
			return Result{
				Status:    domain.TurnStatusPendingClarification,
				Reasoning: reasoning,
				ToolCalls: toolCalls,
				Steps:     steps,
				Questions: questions,
				Pending:   pending,
			}, nil
		}

		if len(turn.ToolCalls) == 0 {
			return Result{
				Status:    domain.TurnStatusComplete,
				Response:  strings.TrimSpace(turn.Text),
				Reasoning: reasoning,
				ToolCalls: toolCalls,
				Steps:     steps,
			}, nil
		}

		transcript = append(transcript, cloneTranscript(turn.RawItems)...)

		for _, call := range turn.ToolCalls {
			summary := domain.ToolCallSummary{Name: call.Name, Query: primaryArgument(call.Arguments)}
			toolCalls = append(toolCalls, summary)
			trace(domain.StepTypeToolCall, fmt.Sprintf("%s: %s", call.Name, summary.Query))
			send(domain.StreamEvent{Type: domain.StreamEventToolCall, Name: call.Name, Query: summary.Query})

			result := e.executeTool(ctx, call)
			output, err := json.Marshal(result)
			if err != nil {
				output = []byte(`{"error":"tool result could not be encoded"}`)
			}
			transcript = append(transcript, runner.FunctionCallOutput(call.ID, string(output)))

			trace(domain.StepTypeToolResult, summarizeToolResult(call.Name, result))
			send(domain.StreamEvent{
				Type:        domain.StreamEventToolResult,
				Name:        call.Name,
				ResultCount: resultCount(result),
			})
		}
	}
}

func (e *Engine) executeTool(ctx context.Context, call runner.ToolCall) map[string]interface{} {
	executor, ok := e.tools.Lookup(call.Name)
	if !ok {
		log.Printf("orchestrator: model called unknown tool %q", call.Name)
		return map[string]interface{}{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}
	result := executor.Execute(ctx, call.Arguments)
	if result == nil {
		result = map[string]interface{}{}
	}
	return result
}

func (e *Engine) resolveModel(model, effort string) (string, string) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = e.cfg.DefaultModel
	}
	effort = strings.ToLower(strings.TrimSpace(effort))
	if effort == "" {
		effort = e.cfg.DefaultReasoningEffort
	}
	return model, effort
}

func findClarifyCall(calls []runner.ToolCall) (runner.ToolCall, bool) {
	for _, call := range calls {
		if call.Name == tool.ClarifyToolName {
			return call, true
		}
	}
	return runner.ToolCall{}, false
}

func primaryArgument(args map[string]interface{}) string {
	for _, key := range []string{"query", "url"} {
		if value, ok := args[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func resultCount(result map[string]interface{}) int {
	if results, ok := result["results"].([]interface{}); ok {
		return len(results)
	}
	return 0
}

func summarizeToolResult(name string, result map[string]interface{}) string {
	if reason, ok := result["error"].(string); ok {
		return fmt.Sprintf("%s failed: %s", name, reason)
	}
	if results, ok := result["results"].([]interface{}); ok {
		return fmt.Sprintf("%s returned %d results", name, len(results))
	}
	if content, ok := result["content"].(string); ok {
		return fmt.Sprintf("%s returned %d bytes", name, len(content))
	}
	return fmt.Sprintf("%s completed", name)
}

func cloneTranscript(items []json.RawMessage) []json.RawMessage {
	if len(items) == 0 {
		return []json.RawMessage{}
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		cloned := make(json.RawMessage, len(item))
		copy(cloned, item)
		out = append(out, cloned)
	}
	return out
}
