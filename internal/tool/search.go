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

const searchMaxResults = 10

// SearchResult is one entry of a web_search tool result.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type SearchConfig struct {
	BaseURL   string
	APIKey    string
	CacheSize int
}

// SearchTool queries a SerpAPI-style search backend.
type SearchTool struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      *lru.Cache[string, []SearchResult]
}

func NewSearchTool(cfg SearchConfig, client *http.Client) *SearchTool {
	if client == nil {
		client = &http.Client{}
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[string, []SearchResult](size)
	return &SearchTool{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: client,
		cache:      cache,
	}
}

func (t *SearchTool) Name() string {
	return "web_search"
}

func (t *SearchTool) Definition() runner.ToolDefinition {
	return runner.ToolDefinition{
		Name:        t.Name(),
		Description: "Search the web for current information. Returns a list of results with title, url and snippet.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required":             []interface{}{"query"},
			"additionalProperties": false,
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	query := stringArg(args, "query")
	if query == "" {
		return errorResult("query is required")
	}
	if t.baseURL == "" || t.apiKey == "" {
		return errorResult("search backend is not configured")
	}

	if cached, ok := t.cache.Get(query); ok {
		log.Printf("tool: web_search cache hit query=%q results=%d", query, len(cached))
		return searchResultMap(cached)
	}

	results, err := t.search(ctx, query)
	if err != nil {
		log.Printf("tool: web_search failed query=%q: %v", query, err)
		return errorResult(err.Error())
	}
	t.cache.Add(query, results)
	log.Printf("tool: web_search query=%q results=%d", query, len(results))
	return searchResultMap(results)
}

func (t *SearchTool) search(ctx context.Context, query string) ([]SearchResult, error) {
	endpoint := fmt.Sprintf("%s/search?q=%s&api_key=%s", t.baseURL, url.QueryEscape(query), url.QueryEscape(t.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}

	var payload struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("search response is not valid json: %w", err)
	}

	results := make([]SearchResult, 0, len(payload.OrganicResults))
	for _, item := range payload.OrganicResults {
		if len(results) >= searchMaxResults {
			break
		}
		title := strings.TrimSpace(item.Title)
		link := strings.TrimSpace(item.Link)
		if title == "" && link == "" {
			continue
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     link,
			Snippet: strings.TrimSpace(item.Snippet),
		})
	}
	return results, nil
}

func searchResultMap(results []SearchResult) map[string]interface{} {
	out := make([]interface{}, 0, len(results))
	for _, item := range results {
		out = append(out, map[string]interface{}{
			"title":   item.Title,
			"url":     item.URL,
			"snippet": item.Snippet,
		})
	}
	return map[string]interface{}{"results": out}
}
