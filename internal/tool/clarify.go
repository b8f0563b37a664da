package tool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"webchat/gateway/internal/domain"
	"webchat/gateway/internal/runner"
)

// ClarifyToolName is the pseudo-tool the model calls to ask the user for
// clarification. It has no executor; the orchestrator intercepts it.
const ClarifyToolName = "clarify"

var ErrClarifyQuestionsInvalid = errors.New("clarify questions are invalid")

func ClarifyDefinition() runner.ToolDefinition {
	return runner.ToolDefinition{
		Name: ClarifyToolName,
		Description: "Ask the user clarifying questions when the request is ambiguous or missing " +
			"details needed to answer well. The conversation pauses until the user replies.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"questions": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"id":       map[string]interface{}{"type": "string"},
							"question": map[string]interface{}{"type": "string"},
							"type": map[string]interface{}{
								"type": "string",
								"enum": []interface{}{
									domain.QuestionTypeText,
									domain.QuestionTypeSingleChoice,
									domain.QuestionTypeMultipleChoice,
								},
							},
							"options": map[string]interface{}{
								"type":  "array",
								"items": map[string]interface{}{"type": "string"},
							},
							"required": map[string]interface{}{"type": "boolean"},
						},
						"required":             []interface{}{"question"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []interface{}{"questions"},
			"additionalProperties": false,
		},
	}
}

// ParseClarifyQuestions validates a clarify call's arguments. Questions with
// no id get one assigned so answers can reference them.
func ParseClarifyQuestions(args map[string]interface{}) ([]domain.ClarifyQuestion, error) {
	rawQuestions, ok := args["questions"]
	if !ok || rawQuestions == nil {
		return nil, fmt.Errorf("%w: questions is required", ErrClarifyQuestionsInvalid)
	}
	entries, ok := rawQuestions.([]interface{})
	if !ok || len(entries) == 0 {
		return nil, fmt.Errorf("%w: questions must be a non-empty array", ErrClarifyQuestionsInvalid)
	}

	out := make([]domain.ClarifyQuestion, 0, len(entries))
	for index, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: questions[%d] must be object", ErrClarifyQuestionsInvalid, index)
		}
		question := stringArg(entry, "question")
		if question == "" {
			return nil, fmt.Errorf("%w: questions[%d] question is required", ErrClarifyQuestionsInvalid, index)
		}
		id := stringArg(entry, "id")
		if id == "" {
			id = uuid.NewString()
		}
		var options []string
		if rawOptions, ok := entry["options"].([]interface{}); ok {
			for _, opt := range rawOptions {
				if text, ok := opt.(string); ok && strings.TrimSpace(text) != "" {
					options = append(options, strings.TrimSpace(text))
				}
			}
		}
		qType := normalizeQuestionType(stringArg(entry, "type"), options)
		required := false
		if value, ok := entry["required"].(bool); ok {
			required = value
		}
		out = append(out, domain.ClarifyQuestion{
			ID:       id,
			Question: question,
			Type:     qType,
			Options:  options,
			Required: required,
		})
	}
	return out, nil
}

// normalizeQuestionType maps the model's declared type onto the question-type
// contract. Choice kinds without options cannot render a form, so they
// degrade to free text; unknown types do the same.
func normalizeQuestionType(declared string, options []string) string {
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case domain.QuestionTypeSingleChoice:
		if len(options) > 0 {
			return domain.QuestionTypeSingleChoice
		}
		return domain.QuestionTypeText
	case domain.QuestionTypeMultipleChoice:
		if len(options) > 0 {
			return domain.QuestionTypeMultipleChoice
		}
		return domain.QuestionTypeText
	default:
		return domain.QuestionTypeText
	}
}
