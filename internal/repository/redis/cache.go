package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
)

const (
	searchCachePrefix     = keyPrefix + "search:"
	defaultSearchCacheTTL = 10 * time.Minute
)

// SearchCache caches web search results in Redis
type SearchCache struct {
	client *Client
	ttl    time.Duration
}

// NewSearchCache creates a new search cache
func NewSearchCache(client *Client, ttl time.Duration) *SearchCache {
	if ttl <= 0 {
		ttl = defaultSearchCacheTTL
	}
	return &SearchCache{client: client, ttl: ttl}
}

// Get returns cached results. Misses and decode failures both report false.
func (c *SearchCache) Get(ctx context.Context, key string) ([]domain.SearchResult, bool) {
	data, err := c.client.rdb.Get(ctx, searchCachePrefix+key).Bytes()
	if err != nil {
		return nil, false
	}

	var results []domain.SearchResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false
	}
	return results, true
}

// Set caches results for the configured TTL
func (c *SearchCache) Set(ctx context.Context, key string, results []domain.SearchResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal search results: %w", err)
	}
	return c.client.rdb.Set(ctx, searchCachePrefix+key, data, c.ttl).Err()
}

// FlushAll removes every cached search
func (c *SearchCache) FlushAll(ctx context.Context) (int64, error) {
	pattern := searchCachePrefix + "*"
	var cursor uint64
	var deleted int64

	for {
		keys, nextCursor, err := c.client.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan keys: %w", err)
		}

		if len(keys) > 0 {
			count, err := c.client.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete keys: %w", err)
			}
			deleted += count
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}
