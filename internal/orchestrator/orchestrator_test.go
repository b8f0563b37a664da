package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"webchat/gateway/internal/domain"
	"webchat/gateway/internal/runner"
	"webchat/gateway/internal/tool"
)

type scriptedTurn struct {
	result runner.TurnResult
	err    error
	// replayed through the stream callbacks before returning
	contentDeltas   []string
	reasoningDeltas []string
}

type fakeRunner struct {
	turns       []scriptedTurn
	transcripts [][]json.RawMessage
	toolLists   [][]runner.ToolDefinition
}

func (f *fakeRunner) GenerateTurnStream(
	_ context.Context,
	transcript []json.RawMessage,
	_ runner.GenerateConfig,
	tools []runner.ToolDefinition,
	callbacks runner.StreamCallbacks,
) (runner.TurnResult, error) {
	snapshot := make([]json.RawMessage, len(transcript))
	copy(snapshot, transcript)
	f.transcripts = append(f.transcripts, snapshot)
	f.toolLists = append(f.toolLists, tools)

	if len(f.turns) == 0 {
		return runner.TurnResult{}, errors.New("fake runner exhausted")
	}
	next := f.turns[0]
	f.turns = f.turns[1:]
	for _, delta := range next.reasoningDeltas {
		if callbacks.OnReasoningDelta != nil {
			callbacks.OnReasoningDelta(delta)
		}
	}
	for _, delta := range next.contentDeltas {
		if callbacks.OnContentDelta != nil {
			callbacks.OnContentDelta(delta)
		}
	}
	return next.result, next.err
}

type stubTool struct {
	name   string
	result map[string]interface{}
	calls  []map[string]interface{}
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Definition() runner.ToolDefinition {
	return runner.ToolDefinition{Name: s.name, Parameters: map[string]interface{}{"type": "object"}}
}

func (s *stubTool) Execute(_ context.Context, args map[string]interface{}) map[string]interface{} {
	s.calls = append(s.calls, args)
	return s.result
}

func newTestEngine(fake *fakeRunner, tools ...tool.Tool) *Engine {
	registry := tool.NewRegistry()
	for _, t := range tools {
		registry.Register(t)
	}
	registry.RegisterSchema(tool.ClarifyDefinition())
	return New(fake, registry, Config{
		ProviderBaseURL: "http://provider",
		ProviderAPIKey:  "k",
		DefaultModel:    "gpt-5",
		MaxSteps:        4,
	})
}

func rawItem(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal raw item: %v", err)
	}
	return buf
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	fake := &fakeRunner{turns: []scriptedTurn{{
		result: runner.TurnResult{Text: "The capital of France is Paris.", Reasoning: []string{"simple lookup"}},
	}}}
	engine := newTestEngine(fake)

	result, err := engine.Run(context.Background(), []domain.Turn{{Role: "user", Content: "capital of France?"}}, domain.ModelConfig{}, "", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != domain.TurnStatusComplete {
		t.Fatalf("Status = %q", result.Status)
	}
	if result.Response != "The capital of France is Paris." {
		t.Errorf("Response = %q", result.Response)
	}
	if len(result.Reasoning) != 1 || result.Reasoning[0] != "simple lookup" {
		t.Errorf("Reasoning = %v", result.Reasoning)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %v", result.ToolCalls)
	}
	if len(fake.toolLists[0]) != 1 || fake.toolLists[0][0].Name != "clarify" {
		t.Errorf("advertised tools = %v", fake.toolLists[0])
	}
}

func TestRunExecutesToolsAndReplaysRawItems(t *testing.T) {
	searchRaw := rawItem(t, map[string]interface{}{
		"type": "function_call", "call_id": "call_s1", "name": "web_search",
		"arguments": `{"query":"weather paris"}`, "provider_extra": "opaque",
	})
	reasoningRaw := rawItem(t, map[string]interface{}{"type": "reasoning", "id": "rs_1"})
	fake := &fakeRunner{turns: []scriptedTurn{
		{result: runner.TurnResult{
			Reasoning: []string{"need current data"},
			ToolCalls: []runner.ToolCall{{ID: "call_s1", Name: "web_search", Arguments: map[string]interface{}{"query": "weather paris"}}},
			RawItems:  []json.RawMessage{reasoningRaw, searchRaw},
		}},
		{result: runner.TurnResult{Text: "It is sunny in Paris."}},
	}}
	search := &stubTool{name: "web_search", result: map[string]interface{}{
		"results": []interface{}{map[string]interface{}{"title": "Paris weather", "url": "https://w.example", "snippet": "sunny"}},
	}}
	engine := newTestEngine(fake, search)

	var events []domain.StreamEvent
	result, err := engine.Run(context.Background(), []domain.Turn{{Role: "user", Content: "weather in paris"}}, domain.ModelConfig{}, "", func(evt domain.StreamEvent) {
		events = append(events, evt)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != domain.TurnStatusComplete || result.Response != "It is sunny in Paris." {
		t.Fatalf("result = %+v", result)
	}
	if len(search.calls) != 1 || search.calls[0]["query"] != "weather paris" {
		t.Fatalf("search calls = %v", search.calls)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "web_search" || result.ToolCalls[0].Query != "weather paris" {
		t.Errorf("ToolCalls = %v", result.ToolCalls)
	}

	// The second model call must see the raw items verbatim followed by
	// exactly one output per call, keyed by call id.
	second := fake.transcripts[1]
	if len(second) != len(fake.transcripts[0])+3 {
		t.Fatalf("second transcript has %d items, want %d", len(second), len(fake.transcripts[0])+3)
	}
	if string(second[len(second)-3]) != string(reasoningRaw) {
		t.Errorf("reasoning item not replayed verbatim")
	}
	if string(second[len(second)-2]) != string(searchRaw) {
		t.Errorf("function_call item not replayed verbatim: %s", second[len(second)-2])
	}
	var output struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal(second[len(second)-1], &output); err != nil {
		t.Fatalf("unmarshal output item: %v", err)
	}
	if output.Type != "function_call_output" || output.CallID != "call_s1" {
		t.Errorf("output item = %+v", output)
	}
	if !strings.Contains(output.Output, "Paris weather") {
		t.Errorf("output payload = %q", output.Output)
	}

	var types []string
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := []string{domain.StreamEventToolCall, domain.StreamEventToolResult}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("event types = %v, want %v", types, want)
	}
	if events[1].ResultCount != 1 {
		t.Errorf("tool_result result_count = %d", events[1].ResultCount)
	}
}

func TestRunPausesOnClarifyWithoutExecutingTools(t *testing.T) {
	clarifyRaw := rawItem(t, map[string]interface{}{
		"type": "function_call", "call_id": "call_c1", "name": "clarify",
		"arguments": `{"questions":[{"id":"q1","question":"Which Paris?"}]}`,
	})
	searchRaw := rawItem(t, map[string]interface{}{
		"type": "function_call", "call_id": "call_s1", "name": "web_search",
		"arguments": `{"query":"paris"}`,
	})
	fake := &fakeRunner{turns: []scriptedTurn{{
		result: runner.TurnResult{
			ToolCalls: []runner.ToolCall{
				{ID: "call_c1", Name: "clarify", Arguments: map[string]interface{}{
					"questions": []interface{}{map[string]interface{}{"id": "q1", "question": "Which Paris?"}},
				}},
				{ID: "call_s1", Name: "web_search", Arguments: map[string]interface{}{"query": "paris"}},
			},
			RawItems: []json.RawMessage{clarifyRaw, searchRaw},
		},
	}}}
	search := &stubTool{name: "web_search", result: map[string]interface{}{"results": []interface{}{}}}
	engine := newTestEngine(fake, search)

	result, err := engine.Run(context.Background(), []domain.Turn{{Role: "user", Content: "weather in paris"}}, domain.ModelConfig{Model: "gpt-5-mini", ReasoningEffort: "low"}, "conv-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != domain.TurnStatusPendingClarification {
		t.Fatalf("Status = %q", result.Status)
	}
	if len(search.calls) != 0 {
		t.Fatalf("executors ran in a clarify iteration: %v", search.calls)
	}
	if len(result.Questions) != 1 || result.Questions[0].ID != "q1" {
		t.Fatalf("Questions = %v", result.Questions)
	}
	pending := result.Pending
	if pending == nil {
		t.Fatal("Pending is nil")
	}
	if pending.ClarifyCallID != "call_c1" || pending.Model != "gpt-5-mini" || pending.ReasoningEffort != "low" || pending.ConversationID != "conv-1" {
		t.Errorf("pending = %+v", pending)
	}
	// Snapshot is the transcript as sent to the model, without the turn's raw
	// items, which are kept separately.
	if len(pending.Transcript) != len(fake.transcripts[0]) {
		t.Errorf("pending transcript = %d items, want %d", len(pending.Transcript), len(fake.transcripts[0]))
	}
	// Both call items are kept verbatim; the search call the clarification
	// pre-empted gets an error output so it is never left unpaired, while
	// the clarify call stays open for the answers output added on resume.
	if len(pending.RawItems) != 3 {
		t.Fatalf("pending raw items = %d, want 3", len(pending.RawItems))
	}
	if string(pending.RawItems[0]) != string(clarifyRaw) || string(pending.RawItems[1]) != string(searchRaw) {
		t.Errorf("pending raw items = %v", pending.RawItems)
	}
	var superseded struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal(pending.RawItems[2], &superseded); err != nil {
		t.Fatalf("unmarshal superseded output: %v", err)
	}
	if superseded.Type != "function_call_output" || superseded.CallID != "call_s1" {
		t.Errorf("superseded output = %+v", superseded)
	}
	if !strings.Contains(superseded.Output, "superseded by clarification") {
		t.Errorf("superseded output payload = %q", superseded.Output)
	}
}

func TestResumeReplaysSavedContextAndAnswers(t *testing.T) {
	saved := []json.RawMessage{
		runner.UserMessage("plan a trip", nil),
	}
	clarifyRaw := rawItem(t, map[string]interface{}{
		"type": "function_call", "call_id": "call_c9", "name": "clarify", "arguments": "{}",
	})
	fake := &fakeRunner{turns: []scriptedTurn{{
		result: runner.TurnResult{Text: "Great, Rome in May it is."},
	}}}
	engine := newTestEngine(fake)

	pending := domain.PendingContext{
		Transcript:    saved,
		RawItems:      []json.RawMessage{clarifyRaw},
		ClarifyCallID: "call_c9",
		Model:         "gpt-5",
	}
	result, err := engine.Resume(context.Background(), pending, []domain.ClarifyAnswer{
		{QuestionID: "q1", Answer: "Rome"},
		{QuestionID: "q2", Answer: "May"},
	}, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if result.Status != domain.TurnStatusComplete || result.Response != "Great, Rome in May it is." {
		t.Fatalf("result = %+v", result)
	}

	sent := fake.transcripts[0]
	if len(sent) != 3 {
		t.Fatalf("resumed transcript has %d items, want 3", len(sent))
	}
	if string(sent[0]) != string(saved[0]) {
		t.Errorf("saved transcript not replayed verbatim")
	}
	if string(sent[1]) != string(clarifyRaw) {
		t.Errorf("saved raw item not replayed verbatim")
	}
	var output struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal(sent[2], &output); err != nil {
		t.Fatalf("unmarshal answers item: %v", err)
	}
	if output.Type != "function_call_output" || output.CallID != "call_c9" {
		t.Errorf("answers item = %+v", output)
	}
	if !strings.Contains(output.Output, `"q1"`) || !strings.Contains(output.Output, "Rome") {
		t.Errorf("answers payload = %q", output.Output)
	}
}

func TestResumeRequiresClarifyCallID(t *testing.T) {
	engine := newTestEngine(&fakeRunner{})
	_, err := engine.Resume(context.Background(), domain.PendingContext{}, nil, nil)
	var engineErr *Error
	if !errors.As(err, &engineErr) || engineErr.Code != "pending_context_invalid" {
		t.Fatalf("err = %v", err)
	}
}

func TestRunStopsAtStepBound(t *testing.T) {
	searchCall := runner.ToolCall{ID: "call_loop", Name: "web_search", Arguments: map[string]interface{}{"query": "again"}}
	raw := rawItem(t, map[string]interface{}{"type": "function_call", "call_id": "call_loop", "name": "web_search", "arguments": `{"query":"again"}`})
	turns := make([]scriptedTurn, 0, 8)
	for i := 0; i < 8; i++ {
		turns = append(turns, scriptedTurn{result: runner.TurnResult{
			ToolCalls: []runner.ToolCall{searchCall},
			RawItems:  []json.RawMessage{raw},
		}})
	}
	fake := &fakeRunner{turns: turns}
	search := &stubTool{name: "web_search", result: map[string]interface{}{"results": []interface{}{}}}
	engine := newTestEngine(fake, search)

	_, err := engine.Run(context.Background(), []domain.Turn{{Role: "user", Content: "loop"}}, domain.ModelConfig{}, "", nil)
	var engineErr *Error
	if !errors.As(err, &engineErr) || engineErr.Code != ErrorCodeLoopLimitExceeded {
		t.Fatalf("err = %v, want %s", err, ErrorCodeLoopLimitExceeded)
	}
	if len(fake.transcripts) != 4 {
		t.Errorf("model calls = %d, want MaxSteps=4", len(fake.transcripts))
	}
}

func TestRunRecoversInvalidToolCall(t *testing.T) {
	fake := &fakeRunner{turns: []scriptedTurn{
		{err: &runner.InvalidToolCallError{
			CallID:       "call_bad",
			Name:         "web_search",
			ArgumentsRaw: "{broken",
			Err:          errors.New("unexpected end of JSON input"),
		}},
		{result: runner.TurnResult{Text: "recovered"}},
	}}
	engine := newTestEngine(fake)

	result, err := engine.Run(context.Background(), []domain.Turn{{Role: "user", Content: "hi"}}, domain.ModelConfig{}, "", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != domain.TurnStatusComplete || result.Response != "recovered" {
		t.Fatalf("result = %+v", result)
	}

	second := fake.transcripts[1]
	if len(second) != len(fake.transcripts[0])+2 {
		t.Fatalf("second transcript has %d items", len(second))
	}
	var callItem struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(second[len(second)-2], &callItem); err != nil {
		t.Fatalf("unmarshal synthetic call: %v", err)
	}
	if callItem.Type != "function_call" || callItem.CallID != "call_bad" || callItem.Arguments != "{broken" {
		t.Errorf("synthetic call item = %+v", callItem)
	}
	var output struct {
		CallID string `json:"call_id"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal(second[len(second)-1], &output); err != nil {
		t.Fatalf("unmarshal feedback item: %v", err)
	}
	if output.CallID != "call_bad" || !strings.Contains(output.Output, "not valid JSON") {
		t.Errorf("feedback item = %+v", output)
	}
}

func TestRunForwardsStreamingDeltas(t *testing.T) {
	fake := &fakeRunner{turns: []scriptedTurn{{
		result:          runner.TurnResult{Text: "Hello there"},
		contentDeltas:   []string{"Hello ", "there"},
		reasoningDeltas: []string{"thinking"},
	}}}
	engine := newTestEngine(fake)

	var content, reasoning strings.Builder
	result, err := engine.Run(context.Background(), []domain.Turn{{Role: "user", Content: "hi"}}, domain.ModelConfig{}, "", func(evt domain.StreamEvent) {
		switch evt.Type {
		case domain.StreamEventContentDelta:
			content.WriteString(evt.Delta)
		case domain.StreamEventReasoningDelta:
			reasoning.WriteString(evt.Delta)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if content.String() != result.Response {
		t.Errorf("streamed content %q != response %q", content.String(), result.Response)
	}
	if reasoning.String() != "thinking" {
		t.Errorf("streamed reasoning = %q", reasoning.String())
	}
}

func TestRunSurfacesUnknownTool(t *testing.T) {
	raw := rawItem(t, map[string]interface{}{"type": "function_call", "call_id": "call_u", "name": "teleport", "arguments": "{}"})
	fake := &fakeRunner{turns: []scriptedTurn{
		{result: runner.TurnResult{
			ToolCalls: []runner.ToolCall{{ID: "call_u", Name: "teleport", Arguments: map[string]interface{}{}}},
			RawItems:  []json.RawMessage{raw},
		}},
		{result: runner.TurnResult{Text: "sorry, no teleporting"}},
	}}
	engine := newTestEngine(fake)

	result, err := engine.Run(context.Background(), []domain.Turn{{Role: "user", Content: "beam me up"}}, domain.ModelConfig{}, "", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != domain.TurnStatusComplete {
		t.Fatalf("Status = %q", result.Status)
	}
	second := fake.transcripts[1]
	var output struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(second[len(second)-1], &output); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if !strings.Contains(output.Output, "unknown tool") {
		t.Errorf("output = %q", output.Output)
	}
}

func TestPendingContextRoundTrip(t *testing.T) {
	pending := domain.PendingContext{
		Transcript:      []json.RawMessage{runner.UserMessage("hello", nil)},
		RawItems:        []json.RawMessage{json.RawMessage(`{"type":"function_call","call_id":"call_c1","name":"clarify","arguments":"{}","vendor_field":42}`)},
		ClarifyCallID:   "call_c1",
		Model:           "gpt-5",
		ReasoningEffort: "medium",
		ConversationID:  "conv-9",
	}
	buf, err := json.Marshal(pending)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded domain.PendingContext
	if err := json.Unmarshal(buf, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ClarifyCallID != pending.ClarifyCallID || decoded.Model != pending.Model || decoded.ConversationID != pending.ConversationID {
		t.Errorf("decoded = %+v", decoded)
	}
	var before, after map[string]interface{}
	if err := json.Unmarshal(pending.RawItems[0], &before); err != nil {
		t.Fatalf("unmarshal before: %v", err)
	}
	if err := json.Unmarshal(decoded.RawItems[0], &after); err != nil {
		t.Fatalf("unmarshal after: %v", err)
	}
	if fmt.Sprintf("%v", before) != fmt.Sprintf("%v", after) {
		t.Errorf("raw item changed across round trip: %v vs %v", before, after)
	}
}
