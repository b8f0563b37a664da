package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"webchat/gateway/internal/domain"
	"webchat/gateway/internal/orchestrator"
	"webchat/gateway/internal/runner"
)

const maxChatBodyBytes = 8 * 1024 * 1024

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request", "request body is not valid json", nil)
		return
	}

	resuming := req.PendingContext != nil
	var lastUser domain.Turn
	if !resuming {
		if len(req.Messages) == 0 {
			writeErr(w, http.StatusBadRequest, "invalid_request", "messages is required", nil)
			return
		}
		lastUser = req.Messages[len(req.Messages)-1]
		if !strings.EqualFold(strings.TrimSpace(lastUser.Role), domain.RoleUser) {
			writeErr(w, http.StatusBadRequest, "invalid_request", "last message must be from the user", nil)
			return
		}
		if strings.TrimSpace(lastUser.Content) == "" && len(lastUser.Images) == 0 {
			writeErr(w, http.StatusBadRequest, "invalid_request", "last user message is empty", nil)
			return
		}
	} else if len(req.Answers) == 0 {
		writeErr(w, http.StatusBadRequest, "invalid_request", "answers is required when resuming", nil)
		return
	}

	conversationID, err := s.recordInbound(r, req, resuming, lastUser)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		return
	}

	streaming := req.Stream
	var flusher http.Flusher
	streamStarted := false
	if streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		var ok bool
		flusher, ok = w.(http.Flusher)
		if !ok {
			writeErr(w, http.StatusInternalServerError, "stream_not_supported", "streaming not supported", nil)
			return
		}
	}

	sendEvent := func(evt domain.StreamEvent) {
		payload, _ := json.Marshal(evt)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		streamStarted = true
	}
	sendDone := func() {
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
	streamFail := func(status int, code, message string) {
		if !streaming || !streamStarted {
			writeErr(w, status, code, message, nil)
			return
		}
		sendEvent(domain.StreamEvent{Type: domain.StreamEventError, Message: message})
		sendDone()
	}

	var emit func(domain.StreamEvent)
	if streaming {
		sendEvent(domain.StreamEvent{Type: domain.StreamEventStart, ConversationID: conversationID})
		emit = sendEvent
	}

	var result orchestrator.Result
	if resuming {
		pending := *req.PendingContext
		if conversationID != "" {
			pending.ConversationID = conversationID
		}
		result, err = s.engine.Resume(r.Context(), pending, req.Answers, emit)
	} else {
		result, err = s.engine.Run(r.Context(), req.Messages, req.ModelConfig, conversationID, emit)
	}
	if err != nil {
		status, code, message := mapTurnError(err)
		log.Printf("app: chat turn failed conversation=%q code=%s: %v", conversationID, code, err)
		streamFail(status, code, message)
		return
	}

	if result.Status == domain.TurnStatusComplete {
		if conversationID != "" {
			if storeErr := s.store.AppendMessage(r.Context(), conversationID, domain.RoleAssistant, result.Response); storeErr != nil {
				log.Printf("app: failed to store assistant reply conversation=%q: %v", conversationID, storeErr)
			}
		}
		if s.replyHook != nil {
			// Detached from the request context: the reply is already final.
			go func(convID, response string) {
				if hookErr := s.replyHook.NotifyReply(context.Background(), convID, response); hookErr != nil {
					log.Printf("app: reply webhook failed conversation=%q: %v", convID, hookErr)
				}
			}(conversationID, result.Response)
		}
	}

	if !streaming {
		writeJSON(w, http.StatusOK, domain.ChatResponse{
			Status:         result.Status,
			Response:       result.Response,
			Reasoning:      result.Reasoning,
			ToolCalls:      result.ToolCalls,
			Steps:          result.Steps,
			Questions:      result.Questions,
			PendingContext: result.Pending,
			ConversationID: conversationID,
		})
		return
	}

	switch result.Status {
	case domain.TurnStatusPendingClarification:
		sendEvent(domain.StreamEvent{
			Type:           domain.StreamEventClarify,
			Questions:      result.Questions,
			PendingContext: result.Pending,
			ConversationID: conversationID,
		})
	default:
		sendEvent(domain.StreamEvent{
			Type:           domain.StreamEventDone,
			Reasoning:      result.Reasoning,
			ToolCalls:      result.ToolCalls,
			ConversationID: conversationID,
		})
	}
	sendDone()
}

// recordInbound persists the inbound user turn and resolves the conversation
// id. Resumed turns reuse the id carried by the PendingContext.
func (s *Server) recordInbound(r *http.Request, req domain.ChatRequest, resuming bool, lastUser domain.Turn) (string, error) {
	if resuming {
		conversationID := strings.TrimSpace(req.PendingContext.ConversationID)
		if conversationID == "" {
			return "", nil
		}
		answers := make([]string, 0, len(req.Answers))
		for _, answer := range req.Answers {
			if text := strings.TrimSpace(answer.Answer); text != "" {
				answers = append(answers, text)
			}
		}
		if len(answers) > 0 {
			if err := s.store.AppendMessage(r.Context(), conversationID, domain.RoleUser, strings.Join(answers, "\n")); err != nil {
				log.Printf("app: failed to store clarify answers conversation=%q: %v", conversationID, err)
			}
		}
		return conversationID, nil
	}

	conversationID, err := s.store.EnsureConversation(r.Context(), req.ConversationID, lastUser.Content)
	if err != nil {
		return "", err
	}
	if err := s.store.AppendMessage(r.Context(), conversationID, domain.RoleUser, lastUser.Content); err != nil {
		return "", err
	}
	return conversationID, nil
}

func mapTurnError(err error) (int, string, string) {
	var runnerErr *runner.RunnerError
	if errors.As(err, &runnerErr) {
		switch runnerErr.Code {
		case runner.ErrorCodeProviderNotConfigured:
			return http.StatusServiceUnavailable, runnerErr.Code, runnerErr.Message
		default:
			return http.StatusBadGateway, runnerErr.Code, runnerErr.Message
		}
	}
	var engineErr *orchestrator.Error
	if errors.As(err, &engineErr) {
		switch engineErr.Code {
		case orchestrator.ErrorCodeLoopLimitExceeded:
			return http.StatusInternalServerError, engineErr.Code, engineErr.Message
		default:
			return http.StatusBadRequest, engineErr.Code, engineErr.Message
		}
	}
	return http.StatusInternalServerError, "internal_error", err.Error()
}
