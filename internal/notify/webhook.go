package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts completed assistant replies to a configured URL. A nil
// Webhook (no URL configured) is a no-op.
type Webhook struct {
	url        string
	httpClient *http.Client
}

func NewWebhook(url string, client *http.Client) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Webhook{url: url, httpClient: client}
}

type ReplyPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Response       string `json:"response"`
	SentAt         string `json:"sent_at"`
}

func (w *Webhook) NotifyReply(ctx context.Context, conversationID, response string) error {
	if w == nil {
		return nil
	}
	body, err := json.Marshal(ReplyPayload{
		ConversationID: conversationID,
		Response:       response,
		SentAt:         time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload failed: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, defaultWebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
