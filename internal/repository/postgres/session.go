package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionStore implements domain.SessionStore with JSONB snapshots
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new session store
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

func (s *SessionStore) Save(ctx context.Context, session *domain.Session) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	query := `
		INSERT INTO relay_sessions (thread_id, session_id, user_id, snapshot, last_activity, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (thread_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			user_id = EXCLUDED.user_id,
			snapshot = EXCLUDED.snapshot,
			last_activity = EXCLUDED.last_activity,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query,
		session.ThreadID,
		session.ID,
		session.UserID,
		snapshot,
		session.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM relay_sessions WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM relay_sessions ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var session domain.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}
