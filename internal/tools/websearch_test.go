package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSearch_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/web/search", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "golang generics", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]any{
					{"title": "Result 1", "url": "https://example.com/1", "description": "First"},
					{"title": "Result 2", "url": "https://example.com/2", "description": "Second"},
					{"title": "Result 3", "url": "https://example.com/3", "description": "Third"},
				},
			},
		})
	}))
	defer srv.Close()

	search := NewWebSearch(SearchConfig{APIKey: "test-key", BaseURL: srv.URL, MaxResults: 5})
	r := NewRegistry(1, nil)
	require.NoError(t, r.Register(search.Tool()))

	res := r.Execute(context.Background(), NameWebSearch, json.RawMessage(`{"query":"golang generics","count":2}`))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Output)
	require.Len(t, res.Output.SearchResults, 2)
	assert.Equal(t, "Result 1", res.Output.SearchResults[0].Title)
	assert.Equal(t, "First", res.Output.SearchResults[0].Snippet)
	assert.Contains(t, res.Content, "https://example.com/2")
}

func TestWebSearch_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad token"}`))
	}))
	defer srv.Close()

	ctx := context.Background()

	_, err := NewWebSearch(SearchConfig{BaseURL: srv.URL}).Search(ctx, "q", 1)
	assert.ErrorContains(t, err, "not configured")

	_, err = NewWebSearch(SearchConfig{APIKey: "k", BaseURL: srv.URL}).Search(ctx, "q", 1)
	assert.ErrorContains(t, err, "status 401")

	r := NewRegistry(1, nil)
	require.NoError(t, r.Register(NewWebSearch(SearchConfig{APIKey: "k", BaseURL: srv.URL}).Tool()))
	res := r.Execute(ctx, NameWebSearch, json.RawMessage(`{"query":"  "}`))
	assert.ErrorContains(t, res.Err, "query is required")
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]domain.SearchResult
}

func (c *mapCache) Get(ctx context.Context, key string) ([]domain.SearchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	return r, ok
}

func (c *mapCache) Set(ctx context.Context, key string, results []domain.SearchResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = results
	return nil
}

func TestWebSearch_Cache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web": {"results": [{"title": "Go", "url": "https://go.dev", "description": "The Go language"}]}}`))
	}))
	defer srv.Close()

	cache := &mapCache{entries: map[string][]domain.SearchResult{}}
	search := NewWebSearch(SearchConfig{APIKey: "k", BaseURL: srv.URL}).WithCache(cache)

	ctx := context.Background()
	first, err := search.Search(ctx, "Golang", 3)
	require.NoError(t, err)
	second, err := search.Search(ctx, "  golang ", 3)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
	assert.Contains(t, cache.entries, "golang|3")
}
