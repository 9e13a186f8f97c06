package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestSessionManager(t *testing.T, ttl time.Duration, closer domain.ThreadCloser) (*SessionManager, *memory.SessionStore) {
	t.Helper()
	store := memory.NewSessionStore()
	m := NewSessionManager(store, closer, SessionConfig{TTL: ttl, MaxMessages: 10}, nil)
	t.Cleanup(m.Shutdown)
	return m, store
}

func turn(user, assistant string) []domain.Message {
	return []domain.Message{
		{Role: domain.RoleUser, Content: user},
		{Role: domain.RoleAssistant, Content: assistant},
	}
}

func TestSessionManager_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m, store := newTestSessionManager(t, time.Hour, nil)

	s, err := m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{EnableSearch: true, Language: "ja"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 10, s.MaxMessages)
	assert.True(t, s.EnableSearch)
	assert.Empty(t, s.Messages)

	got, err := m.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "ja", got.Language)

	persisted, ok := store.Get("t1")
	require.True(t, ok)
	assert.Equal(t, s.ID, persisted.ID)

	_, err = m.Create(ctx, "t1", "u2", "gpt-4o", domain.SessionOptions{})
	assert.ErrorIs(t, err, domain.ErrSessionExists)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 1, m.ActiveTimers())
}

func TestSessionManager_TouchKeepsOneTimer(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestSessionManager(t, time.Hour, nil)

	_, err := m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Touch(ctx, "t1"))
	require.NoError(t, m.Touch(ctx, "t1"))
	assert.Equal(t, 1, m.ActiveTimers())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Touch(ctx, "t1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, m.ActiveTimers())

	assert.ErrorIs(t, m.Touch(ctx, "missing"), domain.ErrSessionNotFound)
}

func TestSessionManager_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	closed := make(chan struct{}, 1)
	closer := new(MockThreadCloser)
	closer.On("CloseThread", mock.Anything, "t1").Return(nil).Once().Run(func(mock.Arguments) {
		closed <- struct{}{}
	})

	m, store := newTestSessionManager(t, 100*time.Millisecond, closer)
	_, err := m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := m.Get("t1")
		return errors.Is(err, domain.ErrSessionNotFound)
	}, time.Second, 10*time.Millisecond)

	_, ok := store.Get("t1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.ActiveTimers())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("thread was not closed after expiry")
	}
}

func TestSessionManager_TouchPostponesExpiry(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestSessionManager(t, 300*time.Millisecond, nil)

	_, err := m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, m.Touch(ctx, "t1"))
	time.Sleep(200 * time.Millisecond)

	_, err = m.Get("t1")
	assert.NoError(t, err, "touch should have replaced the first timer")

	assert.Eventually(t, func() bool {
		_, err := m.Get("t1")
		return errors.Is(err, domain.ErrSessionNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestSessionManager_ExpireIsIdempotent(t *testing.T) {
	ctx := context.Background()
	closer := new(MockThreadCloser)
	closer.On("CloseThread", mock.Anything, "t1").Return(nil).Once()

	m, _ := newTestSessionManager(t, time.Hour, closer)
	_, err := m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{})
	require.NoError(t, err)

	m.Expire(ctx, "t1")
	m.Expire(ctx, "t1")
	m.Expire(ctx, "never-existed")

	assert.ErrorIs(t, m.End(ctx, "t1"), domain.ErrSessionNotFound)
	assert.Equal(t, 0, m.ActiveTimers())
	closer.AssertExpectations(t)
}

func TestSessionManager_EndAndThreadDeleted(t *testing.T) {
	ctx := context.Background()
	closer := new(MockThreadCloser)
	closer.On("CloseThread", mock.Anything, "t1").Return(errors.New("unknown channel"))

	m, _ := newTestSessionManager(t, time.Hour, closer)
	_, _ = m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{})
	_, _ = m.Create(ctx, "t2", "u1", "gpt-4o", domain.SessionOptions{})

	// close failures are logged only
	require.NoError(t, m.End(ctx, "t1"))

	m.HandleThreadDeleted(ctx, "t2")
	_, err := m.Get("t2")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	closer.AssertNumberOfCalls(t, "CloseThread", 1)
	assert.Equal(t, 0, m.Count())
}

func TestSessionManager_PauseResume(t *testing.T) {
	ctx := context.Background()
	m, store := newTestSessionManager(t, time.Hour, nil)
	_, _ = m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{})

	require.NoError(t, m.Pause(ctx, "t1"))
	s, _ := m.Get("t1")
	assert.True(t, s.Paused)
	persisted, _ := store.Get("t1")
	assert.True(t, persisted.Paused)

	require.NoError(t, m.Resume(ctx, "t1"))
	s, _ = m.Get("t1")
	assert.False(t, s.Paused)

	assert.ErrorIs(t, m.Pause(ctx, "missing"), domain.ErrSessionNotFound)
}

func TestSessionManager_AppendTurnTrims(t *testing.T) {
	ctx := context.Background()
	m, store := newTestSessionManager(t, time.Hour, nil)

	_, err := m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{MaxMessages: 1})
	require.NoError(t, err)

	require.NoError(t, m.AppendTurn(ctx, "t1", turn("one", "1")...))
	require.NoError(t, m.AppendTurn(ctx, "t1", turn("two", "2")...))
	require.NoError(t, m.AppendTurn(ctx, "t1", turn("three", "3")...))

	s, err := m.Get("t1")
	require.NoError(t, err)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "three", s.Messages[0].Content)
	assert.Equal(t, "3", s.Messages[1].Content)

	persisted, _ := store.Get("t1")
	assert.Len(t, persisted.Messages, 2)

	require.NoError(t, m.ClearHistory(ctx, "t1"))
	s, _ = m.Get("t1")
	assert.Empty(t, s.Messages)
}

func TestTrimHistory(t *testing.T) {
	toolGroup := []domain.Message{
		{Role: domain.RoleUser, Content: "search"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Name: "webSearch"}}},
		{Role: domain.RoleTool, ToolCallID: "c1", Content: "{}"},
		{Role: domain.RoleAssistant, Content: "found"},
	}

	tests := []struct {
		name        string
		msgs        []domain.Message
		maxMessages int
		wantFirst   string
		wantLen     int
	}{
		{
			name:        "under bound",
			msgs:        append(turn("a", "1"), turn("b", "2")...),
			maxMessages: 2,
			wantFirst:   "a",
			wantLen:     4,
		},
		{
			name:        "drops oldest pair",
			msgs:        append(append(turn("a", "1"), turn("b", "2")...), turn("c", "3")...),
			maxMessages: 2,
			wantFirst:   "b",
			wantLen:     4,
		},
		{
			name:        "drops whole tool group",
			msgs:        append(append([]domain.Message{}, toolGroup...), turn("b", "2")...),
			maxMessages: 2,
			wantFirst:   "b",
			wantLen:     2,
		},
		{
			name:        "keeps newest group over bound",
			msgs:        append(turn("a", "1"), toolGroup...),
			maxMessages: 1,
			wantFirst:   "search",
			wantLen:     4,
		},
		{
			name:        "drops leading orphan",
			msgs:        append([]domain.Message{{Role: domain.RoleAssistant, Content: "orphan"}}, turn("a", "1")...),
			maxMessages: 1,
			wantFirst:   "a",
			wantLen:     2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrimHistory(tt.msgs, tt.maxMessages)
			require.Len(t, got, tt.wantLen)
			assert.Equal(t, tt.wantFirst, got[0].Content)
			assert.Equal(t, domain.RoleUser, got[0].Role)

			// every tool result still follows the call that produced it
			calls := map[string]bool{}
			for _, m := range got {
				for _, c := range m.ToolCalls {
					calls[c.ID] = true
				}
				if m.Role == domain.RoleTool {
					assert.True(t, calls[m.ToolCallID], "orphaned tool result %s", m.ToolCallID)
				}
			}
		})
	}
}

func TestSessionManager_Recover(t *testing.T) {
	ctx := context.Background()
	ttl := 500 * time.Millisecond
	now := time.Now()

	store := memory.NewSessionStore()
	require.NoError(t, store.Save(ctx, &domain.Session{ID: "s1", ThreadID: "fresh", UserID: "u1", LastActivity: now}))
	require.NoError(t, store.Save(ctx, &domain.Session{ID: "s2", ThreadID: "overdue", UserID: "u1", LastActivity: now.Add(-2 * ttl)}))

	m := NewSessionManager(store, nil, SessionConfig{TTL: ttl, MaxMessages: 5}, nil)
	t.Cleanup(m.Shutdown)

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Eventually(t, func() bool {
		_, err := m.Get("overdue")
		return errors.Is(err, domain.ErrSessionNotFound)
	}, 200*time.Millisecond, 5*time.Millisecond)

	s, err := m.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, 5, s.MaxMessages)
	assert.Equal(t, 1, m.ActiveTimers())

	// recovering again skips sessions already active
	n, err = m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSessionManager_PersistenceFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	store := new(MockSessionStore)
	store.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	store.On("Delete", mock.Anything, "t1").Return(errors.New("disk full"))

	m := NewSessionManager(store, nil, SessionConfig{TTL: time.Hour}, nil)
	t.Cleanup(m.Shutdown)

	_, err := m.Create(ctx, "t1", "u1", "gpt-4o", domain.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, m.AppendTurn(ctx, "t1", turn("hi", "hello")...))

	s, err := m.Get("t1")
	require.NoError(t, err)
	assert.Len(t, s.Messages, 2)

	require.NoError(t, m.End(ctx, "t1"))
	_, err = m.Get("t1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	store.AssertNumberOfCalls(t, "Save", 2)
}
