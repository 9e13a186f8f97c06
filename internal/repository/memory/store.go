// Package memory holds process-local stores for tests and single-node runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Rrens/llm-relay/internal/domain"
)

// SessionStore keeps session snapshots in a map
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewSessionStore creates a new in-memory session store
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*domain.Session)}
}

// Save upserts a snapshot
func (s *SessionStore) Save(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ThreadID] = session.Clone()
	return nil
}

// Delete removes the snapshot of threadID
func (s *SessionStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, threadID)
	return nil
}

// LoadAll returns every snapshot ordered by thread ID
func (s *SessionStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

// Get returns the snapshot of threadID, if any
func (s *SessionStore) Get(threadID string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[threadID]
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

type usageKey struct {
	date   string
	userID string
	model  string
}

// UsageStore keeps daily counters in a map. Counters of past dates are
// dropped the first time a newer date is written.
type UsageStore struct {
	mu     sync.Mutex
	counts map[usageKey]int
	latest string
}

// NewUsageStore creates a new in-memory usage store
func NewUsageStore() *UsageStore {
	return &UsageStore{counts: make(map[usageKey]int)}
}

// Count returns the counter, zero when absent
func (s *UsageStore) Count(ctx context.Context, date, userID, model string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[usageKey{date, userID, model}], nil
}

// Increment adds one and returns the new value
func (s *UsageStore) Increment(ctx context.Context, date, userID, model string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if date > s.latest {
		for k := range s.counts {
			if k.date < date {
				delete(s.counts, k)
			}
		}
		s.latest = date
	}

	key := usageKey{date, userID, model}
	s.counts[key]++
	return s.counts[key], nil
}

// ListByUser returns every counter of userID for date
func (s *UsageStore) ListByUser(ctx context.Context, date, userID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for k, v := range s.counts {
		if k.date == date && k.userID == userID {
			out[k.model] = v
		}
	}
	return out, nil
}
