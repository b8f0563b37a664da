package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"webchat/gateway/internal/domain"
)

type inputMessage struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []inputContentPart `json:"content"`
}

type inputContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type functionCallItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type functionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// SystemMessage builds a system transcript item.
func SystemMessage(text string) json.RawMessage {
	return mustMarshalItem(inputMessage{
		Type:    "message",
		Role:    "system",
		Content: []inputContentPart{{Type: "input_text", Text: text}},
	})
}

// UserMessage builds a user transcript item; inline images become
// input_image parts with data URLs.
func UserMessage(text string, images []domain.ImageAttachment) json.RawMessage {
	parts := make([]inputContentPart, 0, 1+len(images))
	if strings.TrimSpace(text) != "" {
		parts = append(parts, inputContentPart{Type: "input_text", Text: text})
	}
	for _, img := range images {
		if strings.TrimSpace(img.Base64) == "" {
			continue
		}
		mime := strings.TrimSpace(img.MimeType)
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, inputContentPart{
			Type:     "input_image",
			ImageURL: fmt.Sprintf("data:%s;base64,%s", mime, img.Base64),
		})
	}
	if len(parts) == 0 {
		parts = append(parts, inputContentPart{Type: "input_text", Text: ""})
	}
	return mustMarshalItem(inputMessage{Type: "message", Role: "user", Content: parts})
}

// AssistantMessage builds an assistant transcript item from prior turn text.
func AssistantMessage(text string) json.RawMessage {
	return mustMarshalItem(inputMessage{
		Type:    "message",
		Role:    "assistant",
		Content: []inputContentPart{{Type: "output_text", Text: text}},
	})
}

// FunctionCallItem builds a synthetic function_call item. Used when the
// provider's own raw item is unavailable (invalid-argument recovery).
func FunctionCallItem(callID, name, arguments string) json.RawMessage {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	return mustMarshalItem(functionCallItem{
		Type:      "function_call",
		CallID:    callID,
		Name:      name,
		Arguments: arguments,
	})
}

// FunctionCallOutput builds a function_call_output item pairing a tool
// result (or clarify answers) with its call id.
func FunctionCallOutput(callID, output string) json.RawMessage {
	return mustMarshalItem(functionCallOutputItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	})
}

func mustMarshalItem(v interface{}) json.RawMessage {
	buf, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable values, which none of the
		// item structs can hold.
		panic(err)
	}
	return buf
}
