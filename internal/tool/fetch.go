package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"webchat/gateway/internal/runner"
)

type FetchConfig struct {
	BaseURL   string
	APIKey    string
	MaxBytes  int
	CacheSize int
}

// FetchTool retrieves page content for a URL through a content-extraction
// backend.
type FetchTool struct {
	baseURL    string
	apiKey     string
	maxBytes   int
	httpClient *http.Client
	cache      *lru.Cache[string, string]
}

func NewFetchTool(cfg FetchConfig, client *http.Client) *FetchTool {
	if client == nil {
		client = &http.Client{}
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 100000
	}
	cache, _ := lru.New[string, string](size)
	return &FetchTool{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		maxBytes:   maxBytes,
		httpClient: client,
		cache:      cache,
	}
}

func (t *FetchTool) Name() string {
	return "web_fetch"
}

func (t *FetchTool) Definition() runner.ToolDefinition {
	return runner.ToolDefinition{
		Name:        t.Name(),
		Description: "Fetch the readable content of a web page by URL.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{
					"type":        "string",
					"description": "The absolute URL to fetch.",
				},
			},
			"required":             []interface{}{"url"},
			"additionalProperties": false,
		},
	}
}

func (t *FetchTool) Execute(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	target := stringArg(args, "url")
	if target == "" {
		return errorResult("url is required")
	}
	if parsed, err := url.Parse(target); err != nil || !parsed.IsAbs() {
		return errorResult("url must be absolute")
	}
	if t.baseURL == "" || t.apiKey == "" {
		return errorResult("fetch backend is not configured")
	}

	if content, ok := t.cache.Get(target); ok {
		log.Printf("tool: web_fetch cache hit url=%q bytes=%d", target, len(content))
		return map[string]interface{}{"url": target, "content": content}
	}

	content, err := t.fetch(ctx, target)
	if err != nil {
		log.Printf("tool: web_fetch failed url=%q: %v", target, err)
		return errorResult(err.Error())
	}
	t.cache.Add(target, content)
	log.Printf("tool: web_fetch url=%q bytes=%d", target, len(content))
	return map[string]interface{}{"url": target, "content": content}
}

func (t *FetchTool) fetch(ctx context.Context, target string) (string, error) {
	endpoint := fmt.Sprintf("%s/extract?url=%s", t.baseURL, url.QueryEscape(target))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create fetch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("fetch backend returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read fetch response: %w", err)
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("fetch response is not valid json: %w", err)
	}
	content := strings.TrimSpace(payload.Content)
	if content == "" {
		return "", fmt.Errorf("fetch backend returned empty content")
	}
	return truncateBytes(content, t.maxBytes), nil
}

// truncateBytes cuts at a rune boundary at or below the byte limit.
func truncateBytes(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n...(truncated)"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
