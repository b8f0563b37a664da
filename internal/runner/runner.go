package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode"
)

const (
	ErrorCodeProviderNotConfigured = "provider_not_configured"
	ErrorCodeProviderRequestFailed = "provider_request_failed"
	ErrorCodeProviderInvalidReply  = "provider_invalid_reply"
)

type RunnerError struct {
	Code    string
	Message string
	Err     error
}

func (e *RunnerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *RunnerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// InvalidToolCallError marks a provider tool call whose arguments were not
// valid JSON. It is recoverable: callers may feed the failure back to the
// model as a tool result instead of failing the turn.
type InvalidToolCallError struct {
	Index        int
	CallID       string
	Name         string
	ArgumentsRaw string
	RawItem      json.RawMessage
	Err          error
}

func (e *InvalidToolCallError) Error() string {
	if e == nil {
		return ""
	}
	name := strings.TrimSpace(e.Name)
	detail := "invalid arguments"
	if e.Err != nil {
		detail = e.Err.Error()
	}
	if name != "" {
		return fmt.Sprintf("provider tool call %q has invalid arguments: %s", name, detail)
	}
	return fmt.Sprintf("provider tool call[%d] has invalid arguments: %s", e.Index, detail)
}

func (e *InvalidToolCallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func InvalidToolCallFromError(err error) (*InvalidToolCallError, bool) {
	var invalidErr *InvalidToolCallError
	if !errors.As(err, &invalidErr) || invalidErr == nil {
		return nil, false
	}
	return invalidErr, true
}

type GenerateConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	ReasoningEffort string
	Headers         map[string]string
	TimeoutMS       int
}

type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// TurnResult is one model turn. RawItems holds the provider's reasoning and
// function_call output items verbatim so a later request can replay them
// without reinterpretation.
type TurnResult struct {
	Text       string
	Reasoning  []string
	ToolCalls  []ToolCall
	RawItems   []json.RawMessage
	ResponseID string
}

// StreamCallbacks receive deltas as the provider stream produces them.
// Either callback may be nil.
type StreamCallbacks struct {
	OnContentDelta   func(string)
	OnReasoningDelta func(string)
}

type Client struct {
	httpClient *http.Client
}

func New() *Client {
	return NewWithHTTPClient(&http.Client{})
}

func NewWithHTTPClient(client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{httpClient: client}
}

// GenerateTurn runs one buffered model turn. The provider is always consumed
// as a stream; buffering just means no delta callbacks.
func (c *Client) GenerateTurn(ctx context.Context, transcript []json.RawMessage, cfg GenerateConfig, tools []ToolDefinition) (TurnResult, error) {
	return c.GenerateTurnStream(ctx, transcript, cfg, tools, StreamCallbacks{})
}

func (c *Client) GenerateTurnStream(
	ctx context.Context,
	transcript []json.RawMessage,
	cfg GenerateConfig,
	tools []ToolDefinition,
	callbacks StreamCallbacks,
) (TurnResult, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return TurnResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "provider api_key is required"}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return TurnResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "provider base_url is required"}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return TurnResult{}, &RunnerError{Code: ErrorCodeProviderNotConfigured, Message: "model is required"}
	}

	payload := responsesRequest{
		Model:             cfg.Model,
		Input:             transcript,
		Tools:             toResponsesTools(tools),
		ToolChoice:        "auto",
		ParallelToolCalls: false,
		Stream:            true,
	}
	if effort := normalizeReasoningEffort(cfg.ReasoningEffort); effort != "" {
		payload.Reasoning = &reasoningConfig{Effort: effort, Summary: "auto"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to encode provider request",
			Err:     err,
		}
	}

	requestCtx := ctx
	cancel := func() {}
	if cfg.TimeoutMS > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "failed to create provider request",
			Err:     err,
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for key, value := range cfg.Headers {
		k := strings.TrimSpace(key)
		v := strings.TrimSpace(value)
		if k == "" || v == "" {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "provider request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var replyBuilder strings.Builder
	messageTexts := make([]string, 0, 2)
	reasoning := make([]string, 0, 2)
	sawDelta := false
	sawCompleted := false
	rawItems := make([]json.RawMessage, 0, 2)
	rawFunctionCalls := make([]responseFunctionCall, 0, 1)
	responseID := ""

	processData := func(data string) error {
		if isSSEControlToken(data) {
			return nil
		}
		var event responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			log.Printf("runner: skipping malformed stream chunk: %v; payload=%q", err, truncateText(data, 512))
			return nil
		}

		switch event.Type {
		case "response.created", "response.completed":
			if event.Type == "response.completed" {
				sawCompleted = true
			}
			if event.Response != nil {
				if id := strings.TrimSpace(event.Response.ID); id != "" {
					responseID = id
				}
			}
		case "response.output_text.delta":
			if event.Delta == "" {
				return nil
			}
			sawDelta = true
			replyBuilder.WriteString(event.Delta)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(event.Delta)
			}
		case "response.reasoning_summary_text.delta":
			if event.Delta == "" {
				return nil
			}
			if callbacks.OnReasoningDelta != nil {
				callbacks.OnReasoningDelta(event.Delta)
			}
		case "response.reasoning_summary_text.done":
			if text := strings.TrimSpace(event.Text); text != "" {
				reasoning = append(reasoning, text)
			}
		case "response.output_item.done":
			var item responseOutputItem
			if err := json.Unmarshal(event.Item, &item); err != nil {
				log.Printf("runner: skipping malformed output item: %v", err)
				return nil
			}
			switch strings.TrimSpace(item.Type) {
			case "message":
				if sawDelta {
					return nil
				}
				if text := extractMessageContent(item.Content); text != "" {
					messageTexts = append(messageTexts, text)
				}
			case "reasoning":
				rawItems = append(rawItems, cloneRaw(event.Item))
			case "function_call":
				rawItems = append(rawItems, cloneRaw(event.Item))
				rawFunctionCalls = append(rawFunctionCalls, responseFunctionCall{
					CallID:    strings.TrimSpace(item.CallID),
					Name:      strings.TrimSpace(item.Name),
					Arguments: strings.TrimSpace(item.Arguments),
					Raw:       cloneRaw(event.Item),
				})
			}
		case "response.failed":
			message := ""
			if event.Response != nil && event.Response.Error != nil {
				message = strings.TrimSpace(event.Response.Error.Message)
			}
			if message == "" {
				message = "provider returned response.failed"
			}
			return errors.New(message)
		}
		return nil
	}

	if err := consumeSSEData(resp.Body, processData); err != nil {
		return TurnResult{}, mapStreamConsumeError(err)
	}
	if !sawCompleted {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: "provider stream ended without response.completed",
		}
	}

	toolCalls, err := parseFunctionCalls(rawFunctionCalls)
	if err != nil {
		return TurnResult{}, err
	}

	reply := replyBuilder.String()
	if strings.TrimSpace(reply) == "" && len(messageTexts) > 0 {
		reply = strings.Join(messageTexts, "\n")
		if callbacks.OnContentDelta != nil && !sawDelta {
			callbacks.OnContentDelta(reply)
		}
	}

	if strings.TrimSpace(reply) == "" && len(toolCalls) == 0 {
		return TurnResult{}, &RunnerError{
			Code:    ErrorCodeProviderInvalidReply,
			Message: "provider response has empty content",
		}
	}

	return TurnResult{
		Text:       reply,
		Reasoning:  reasoning,
		ToolCalls:  toolCalls,
		RawItems:   rawItems,
		ResponseID: responseID,
	}, nil
}

type responsesRequest struct {
	Model             string                   `json:"model"`
	Input             []json.RawMessage        `json:"input"`
	Tools             []responseToolDefinition `json:"tools,omitempty"`
	Reasoning         *reasoningConfig         `json:"reasoning,omitempty"`
	ToolChoice        string                   `json:"tool_choice,omitempty"`
	ParallelToolCalls bool                     `json:"parallel_tool_calls"`
	Stream            bool                     `json:"stream"`
}

type reasoningConfig struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responseToolDefinition struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type responsesStreamEvent struct {
	Type     string               `json:"type"`
	Delta    string               `json:"delta,omitempty"`
	Text     string               `json:"text,omitempty"`
	Item     json.RawMessage      `json:"item,omitempty"`
	Response *responseEventStatus `json:"response,omitempty"`
}

type responseEventStatus struct {
	ID    string              `json:"id,omitempty"`
	Error *responseEventError `json:"error,omitempty"`
}

type responseEventError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type responseOutputItem struct {
	Type      string                `json:"type"`
	Role      string                `json:"role,omitempty"`
	Content   []responseContentItem `json:"content,omitempty"`
	CallID    string                `json:"call_id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Arguments string                `json:"arguments,omitempty"`
}

type responseContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseFunctionCall struct {
	CallID    string
	Name      string
	Arguments string
	Raw       json.RawMessage
}

func toResponsesTools(tools []ToolDefinition) []responseToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]responseToolDefinition, 0, len(tools))
	for _, item := range tools {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		out = append(out, responseToolDefinition{
			Type:        "function",
			Name:        name,
			Description: strings.TrimSpace(item.Description),
			Parameters:  normalizeToolParameters(item.Parameters),
		})
	}
	return out
}

func parseFunctionCalls(in []responseFunctionCall) ([]ToolCall, error) {
	if len(in) == 0 {
		return nil, nil
	}
	calls := make([]ToolCall, 0, len(in))
	for i, item := range in {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return nil, &RunnerError{
				Code:    ErrorCodeProviderInvalidReply,
				Message: fmt.Sprintf("provider tool call[%d] name is empty", i),
			}
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = fmt.Sprintf("call_%d", i+1)
		}
		argumentsRaw := strings.TrimSpace(item.Arguments)
		if argumentsRaw == "" {
			argumentsRaw = "{}"
		}
		var arguments map[string]interface{}
		if err := json.Unmarshal([]byte(argumentsRaw), &arguments); err != nil {
			return nil, &InvalidToolCallError{
				Index:        i,
				CallID:       callID,
				Name:         name,
				ArgumentsRaw: argumentsRaw,
				RawItem:      item.Raw,
				Err:          err,
			}
		}
		if arguments == nil {
			arguments = map[string]interface{}{}
		}
		calls = append(calls, ToolCall{ID: callID, Name: name, Arguments: arguments})
	}
	return calls, nil
}

func extractMessageContent(content []responseContentItem) string {
	if len(content) == 0 {
		return ""
	}
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch strings.TrimSpace(item.Type) {
		case "output_text", "input_text", "text":
			if text := strings.TrimSpace(item.Text); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func normalizeReasoningEffort(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeToolParameters(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
	}
	buf, err := json.Marshal(in)
	if err != nil {
		return map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

func truncateText(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "...(truncated)"
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func consumeSSEData(reader io.Reader, onData func(string) error) error {
	if reader == nil {
		return fmt.Errorf("stream reader is nil")
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	dataLines := make([]string, 0, 4)
	flushBlock := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		if payload == "" {
			return nil
		}
		if onData == nil {
			return nil
		}
		return onData(payload)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if err := flushBlock(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		dataLines = append(dataLines, payload)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flushBlock(); err != nil {
		return err
	}
	return nil
}

func isSSEControlToken(data string) bool {
	token := strings.TrimSpace(data)
	if token == "" {
		return true
	}
	if strings.EqualFold(token, "[DONE]") {
		return true
	}
	if len(token) < 2 || token[0] != '[' || token[len(token)-1] != ']' {
		return false
	}
	inner := strings.TrimSpace(token[1 : len(token)-1])
	if inner == "" {
		return true
	}
	for _, r := range inner {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' || r == '-' || r == '.' {
			continue
		}
		return false
	}
	return true
}

func mapStreamConsumeError(err error) *RunnerError {
	if isStreamReadTimeout(err) {
		return &RunnerError{
			Code:    ErrorCodeProviderRequestFailed,
			Message: "provider stream request failed",
			Err:     err,
		}
	}
	return &RunnerError{
		Code:    ErrorCodeProviderInvalidReply,
		Message: "provider stream response is invalid",
		Err:     err,
	}
}

func isStreamReadTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "client.timeout")
}
