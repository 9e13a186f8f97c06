package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/rs/zerolog/log"
)

const defaultBraveURL = "https://api.search.brave.com/res/v1"

// SearchConfig configures the Brave Search client
type SearchConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	Timeout    time.Duration
}

// SearchCache stores search results keyed by query and count
type SearchCache interface {
	Get(ctx context.Context, key string) ([]domain.SearchResult, bool)
	Set(ctx context.Context, key string, results []domain.SearchResult) error
}

// WebSearch queries the Brave Search API
type WebSearch struct {
	cfg        SearchConfig
	httpClient *http.Client
	cache      SearchCache
}

// NewWebSearch creates a new web search tool
func NewWebSearch(cfg SearchConfig) *WebSearch {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBraveURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WebSearch{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// WithCache sets the result cache. A nil cache disables caching.
func (s *WebSearch) WithCache(cache SearchCache) *WebSearch {
	s.cache = cache
	return s
}

// Tool returns the registry entry
func (s *WebSearch) Tool() Tool {
	return Tool{
		Definition: domain.ToolDefinition{
			Name:        NameWebSearch,
			Description: "Search the web for current information. Use it for recent events, facts you are unsure of, or when the user asks you to look something up.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
					"count": map[string]any{
						"type":        "integer",
						"description": "Number of results to return",
					},
				},
				"required": []string{"query"},
			},
		},
		Handler:  s.handle,
		ReadOnly: true,
	}
}

type searchArgs struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

func (s *WebSearch) handle(ctx context.Context, args json.RawMessage) (*Output, error) {
	var in searchArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	results, err := s.Search(ctx, in.Query, in.Count)
	if err != nil {
		return nil, err
	}

	return &Output{
		Data: map[string]any{
			"query":   in.Query,
			"results": results,
		},
		SearchResults: results,
	}, nil
}

// Search runs a web search and returns at most count results
func (s *WebSearch) Search(ctx context.Context, query string, count int) ([]domain.SearchResult, error) {
	if s.cfg.APIKey == "" {
		return nil, fmt.Errorf("brave API key not configured")
	}
	if count <= 0 || count > s.cfg.MaxResults {
		count = s.cfg.MaxResults
	}

	cacheKey := strings.ToLower(strings.TrimSpace(query)) + "|" + strconv.Itoa(count)
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	searchURL, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/web/search")
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	searchURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.cfg.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned status %d: %s", resp.StatusCode, string(body))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(braveResp.Web.Results))
	for _, r := range braveResp.Web.Results {
		if len(results) == count {
			break
		}
		results = append(results, domain.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, results); err != nil {
			log.Warn().Err(err).Str("query", query).Msg("failed to cache search results")
		}
	}
	return results, nil
}
