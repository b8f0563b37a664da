package tool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchToolReturnsResults(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if got := r.URL.Query().Get("q"); got != "golang generics" {
			t.Errorf("q = %q", got)
		}
		if got := r.URL.Query().Get("api_key"); got != "search-key" {
			t.Errorf("api_key = %q", got)
		}
		fmt.Fprint(w, `{"organic_results":[
			{"title":"Go Generics","link":"https://go.dev/blog/intro-generics","snippet":"An introduction."},
			{"title":"Spec","link":"https://go.dev/ref/spec","snippet":"Type parameters."}
		]}`)
	}))
	defer server.Close()

	st := NewSearchTool(SearchConfig{BaseURL: server.URL, APIKey: "search-key"}, server.Client())
	result := st.Execute(context.Background(), map[string]interface{}{"query": "golang generics"})
	if reason, ok := result["error"]; ok {
		t.Fatalf("unexpected error: %v", reason)
	}
	results, ok := result["results"].([]interface{})
	if !ok || len(results) != 2 {
		t.Fatalf("results = %v", result["results"])
	}
	first, _ := results[0].(map[string]interface{})
	if first["title"] != "Go Generics" || first["url"] != "https://go.dev/blog/intro-generics" {
		t.Errorf("first result = %v", first)
	}

	// Second identical query must be served from cache.
	st.Execute(context.Background(), map[string]interface{}{"query": "golang generics"})
	if hits != 1 {
		t.Errorf("backend hits = %d, want 1", hits)
	}
}

func TestSearchToolErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer failing.Close()

	cases := []struct {
		name string
		tool *SearchTool
		args map[string]interface{}
	}{
		{"missing query", NewSearchTool(SearchConfig{BaseURL: failing.URL, APIKey: "k"}, nil), map[string]interface{}{}},
		{"not configured", NewSearchTool(SearchConfig{}, nil), map[string]interface{}{"query": "x"}},
		{"backend failure", NewSearchTool(SearchConfig{BaseURL: failing.URL, APIKey: "k"}, failing.Client()), map[string]interface{}{"query": "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := tc.tool.Execute(context.Background(), tc.args)
			if _, ok := result["error"].(string); !ok {
				t.Fatalf("result = %v, want error map", result)
			}
		})
	}
}

func TestSearchToolCapsResultCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"organic_results":[`)
		for i := 0; i < 25; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"title":"r%d","link":"https://example.com/%d","snippet":"s"}`, i, i)
		}
		fmt.Fprint(w, `]}`)
	}))
	defer server.Close()

	st := NewSearchTool(SearchConfig{BaseURL: server.URL, APIKey: "k"}, server.Client())
	result := st.Execute(context.Background(), map[string]interface{}{"query": "many"})
	results, _ := result["results"].([]interface{})
	if len(results) != searchMaxResults {
		t.Fatalf("results = %d, want %d", len(results), searchMaxResults)
	}
}
