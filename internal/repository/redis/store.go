package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	sessionsKey = keyPrefix + "sessions"
	usagePrefix = keyPrefix + "usage:"

	// usage hashes outlive their day so late readers still see the totals
	usageTTL = 48 * time.Hour
)

// SessionStore keeps session snapshots as JSON values of one hash keyed by
// thread ID
type SessionStore struct {
	client *Client
}

// NewSessionStore creates a new session store
func NewSessionStore(client *Client) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) Save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.rdb.HSet(ctx, sessionsKey, session.ThreadID, data).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, threadID string) error {
	if err := s.client.rdb.HDel(ctx, sessionsKey, threadID).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	entries, err := s.client.rdb.HGetAll(ctx, sessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(entries))
	for threadID, raw := range entries {
		var session domain.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("failed to decode session %s: %w", threadID, err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}

// UsageStore keeps one hash per date and user with a field per model
type UsageStore struct {
	client *Client
}

// NewUsageStore creates a new usage store
func NewUsageStore(client *Client) *UsageStore {
	return &UsageStore{client: client}
}

func usageKey(date, userID string) string {
	return usagePrefix + date + ":" + userID
}

func (s *UsageStore) Count(ctx context.Context, date, userID, model string) (int, error) {
	n, err := s.client.rdb.HGet(ctx, usageKey(date, userID), model).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return n, nil
}

func (s *UsageStore) Increment(ctx context.Context, date, userID, model string) (int, error) {
	key := usageKey(date, userID)

	pipe := s.client.rdb.Pipeline()
	incrCmd := pipe.HIncrBy(ctx, key, model, 1)
	pipe.ExpireNX(ctx, key, usageTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return int(incrCmd.Val()), nil
}

func (s *UsageStore) ListByUser(ctx context.Context, date, userID string) (map[string]int, error) {
	fields, err := s.client.rdb.HGetAll(ctx, usageKey(date, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	counts := make(map[string]int, len(fields))
	for model, raw := range fields {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid usage value for %s: %w", model, err)
		}
		counts[model] = n
	}
	return counts, nil
}
