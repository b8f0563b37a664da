package domain

import "encoding/json"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	TurnStatusComplete             = "complete"
	TurnStatusPendingClarification = "pending_clarification"

	StepTypeReasoning  = "reasoning"
	StepTypeToolCall   = "tool_call"
	StepTypeToolResult = "tool_result"

	QuestionTypeText           = "text"
	QuestionTypeSingleChoice   = "single_choice"
	QuestionTypeMultipleChoice = "multiple_choice"
)

type APIErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ImageAttachment is an inline image carried on a user turn.
type ImageAttachment struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// Turn is one prior conversation message supplied by the client.
type Turn struct {
	Role    string            `json:"role"`
	Content string            `json:"content,omitempty"`
	Images  []ImageAttachment `json:"images,omitempty"`
}

type ModelConfig struct {
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// ClarifyQuestion is one structured question emitted by the clarify tool.
// Immutable once emitted by the model. Type is one of text, single_choice,
// or multiple_choice; the choice kinds carry Options.
type ClarifyQuestion struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required,omitempty"`
}

type ClarifyAnswer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// PendingContext is the client-held resumption token for a paused turn.
// Transcript and RawItems are opaque provider items; the gateway stores and
// replays them but never interprets their internal structure.
type PendingContext struct {
	Transcript      []json.RawMessage `json:"transcript"`
	RawItems        []json.RawMessage `json:"raw_items"`
	ClarifyCallID   string            `json:"clarify_call_id"`
	Model           string            `json:"model"`
	ReasoningEffort string            `json:"reasoning_effort"`
	ConversationID  string            `json:"conversation_id,omitempty"`
}

// ToolCallSummary is the caller-facing record of one executed tool call.
type ToolCallSummary struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// AgentStep is one entry in the step trace returned with a completed turn.
type AgentStep struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ChatRequest starts a new turn (Messages + ModelConfig) or resumes a paused
// one (PendingContext + Answers).
type ChatRequest struct {
	Messages       []Turn          `json:"messages,omitempty"`
	ModelConfig    ModelConfig     `json:"model_config,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	PendingContext *PendingContext `json:"pending_context,omitempty"`
	Answers        []ClarifyAnswer `json:"answers,omitempty"`
}

type ChatResponse struct {
	Status         string            `json:"status"`
	Response       string            `json:"response"`
	Reasoning      []string          `json:"reasoning"`
	ToolCalls      []ToolCallSummary `json:"tool_calls"`
	Steps          []AgentStep       `json:"steps,omitempty"`
	Questions      []ClarifyQuestion `json:"questions,omitempty"`
	PendingContext *PendingContext   `json:"pending_context,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
}

// StreamEvent is one SSE frame of a streaming turn. Exactly one of
// done/clarify/error terminates a turn.
type StreamEvent struct {
	Type           string            `json:"type"`
	Delta          string            `json:"delta,omitempty"`
	Name           string            `json:"name,omitempty"`
	Query          string            `json:"query,omitempty"`
	ResultCount    int               `json:"result_count,omitempty"`
	Reasoning      []string          `json:"reasoning,omitempty"`
	ToolCalls      []ToolCallSummary `json:"tool_calls,omitempty"`
	Questions      []ClarifyQuestion `json:"questions,omitempty"`
	PendingContext *PendingContext   `json:"pending_context,omitempty"`
	Message        string            `json:"message,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
}

const (
	StreamEventStart          = "start"
	StreamEventReasoningDelta = "reasoning_delta"
	StreamEventContentDelta   = "content_delta"
	StreamEventToolCall       = "tool_call"
	StreamEventToolResult     = "tool_result"
	StreamEventClarify        = "clarify"
	StreamEventDone           = "done"
	StreamEventError          = "error"
)

// ConversationSpec is the stored metadata for one persisted conversation.
type ConversationSpec struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// StoredMessage is one persisted conversation message.
type StoredMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}
