package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a migrated database; set POSTGRES_TEST_DSN to run them.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestSessionStore_RoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewSessionStore(pool)

	threadID := "pg-test-" + time.Now().Format("150405.000000")
	session := &domain.Session{
		ID:           "s1",
		ThreadID:     threadID,
		UserID:       "u1",
		Model:        "gpt-4o",
		Messages:     []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		MaxMessages:  10,
		LastActivity: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Save(ctx, session))

	session.Paused = true
	require.NoError(t, store.Save(ctx, session))

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)

	var found *domain.Session
	for _, s := range all {
		if s.ThreadID == threadID {
			found = s
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.Paused)
	assert.Equal(t, "hi", found.Messages[0].Content)

	require.NoError(t, store.Delete(ctx, threadID))
}

func TestUsageStore_Increment(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewUsageStore(pool)

	user := "pg-user-" + time.Now().Format("150405.000000")
	for i := 1; i <= 3; i++ {
		n, err := store.Increment(ctx, "2025-01-01", user, "gpt-4o")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err := store.Count(ctx, "2025-01-02", user, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	counts, err := store.ListByUser(ctx, "2025-01-01", user)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"gpt-4o": 3}, counts)
}
