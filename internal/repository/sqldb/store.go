package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Rrens/llm-relay/internal/domain"
)

// SessionStore implements domain.SessionStore
type SessionStore struct {
	d *DB
}

// NewSessionStore creates a new session store
func NewSessionStore(d *DB) *SessionStore {
	return &SessionStore{d: d}
}

func (s *SessionStore) upsertQuery() string {
	if s.d.dialect == DialectMySQL {
		return `INSERT INTO relay_sessions (thread_id, session_id, user_id, snapshot, last_activity)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				session_id = VALUES(session_id),
				user_id = VALUES(user_id),
				snapshot = VALUES(snapshot),
				last_activity = VALUES(last_activity)`
	}
	return `INSERT INTO relay_sessions (thread_id, session_id, user_id, snapshot, last_activity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			session_id = excluded.session_id,
			user_id = excluded.user_id,
			snapshot = excluded.snapshot,
			last_activity = excluded.last_activity`
}

func (s *SessionStore) Save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	_, err = s.d.db.ExecContext(ctx, s.upsertQuery(),
		session.ThreadID,
		session.ID,
		session.UserID,
		string(data),
		session.LastActivity.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.d.db.ExecContext(ctx, `DELETE FROM relay_sessions WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT snapshot FROM relay_sessions ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var session domain.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// UsageStore implements domain.UsageStore
type UsageStore struct {
	d *DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(d *DB) *UsageStore {
	return &UsageStore{d: d}
}

const selectCount = `SELECT request_count FROM usage_counters WHERE usage_date = ? AND user_id = ? AND model = ?`

func (s *UsageStore) Count(ctx context.Context, date, userID, model string) (int, error) {
	var count int
	err := s.d.db.QueryRowContext(ctx, selectCount, date, userID, model).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return count, nil
}

func (s *UsageStore) incrementQuery() string {
	if s.d.dialect == DialectMySQL {
		return `INSERT INTO usage_counters (usage_date, user_id, model, request_count)
			VALUES (?, ?, ?, 1)
			ON DUPLICATE KEY UPDATE request_count = request_count + 1`
	}
	return `INSERT INTO usage_counters (usage_date, user_id, model, request_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (usage_date, user_id, model) DO UPDATE SET request_count = request_count + 1`
}

// Increment upserts and reads back the counter in one transaction
func (s *UsageStore) Increment(ctx context.Context, date, userID, model string) (int, error) {
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.incrementQuery(), date, userID, model); err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, selectCount, date, userID, model).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit usage: %w", err)
	}
	return count, nil
}

func (s *UsageStore) ListByUser(ctx context.Context, date, userID string) (map[string]int, error) {
	rows, err := s.d.db.QueryContext(ctx,
		`SELECT model, request_count FROM usage_counters WHERE usage_date = ? AND user_id = ?`,
		date, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var count int
		if err := rows.Scan(&model, &count); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		counts[model] = count
	}
	return counts, rows.Err()
}
