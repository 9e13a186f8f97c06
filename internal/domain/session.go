package domain

import (
	"context"
	"time"
)

// Session is a TTL-bound multi-turn conversation bound to one platform thread
type Session struct {
	ID                 string    `json:"sessionId"`
	ThreadID           string    `json:"threadId"`
	UserID             string    `json:"userId"`
	Model              string    `json:"model"`
	EnableSearch       bool      `json:"enableSearch"`
	EnableSystemPrompt bool      `json:"enableSystemPrompt"`
	Language           string    `json:"language,omitempty"`
	Messages           []Message `json:"messages"`
	MaxMessages        int       `json:"maxMessages"`
	CreatedAt          time.Time `json:"createdAt"`
	LastActivity       time.Time `json:"lastActivity"`
	Paused             bool      `json:"paused"`
	AutoArchiveMinutes int       `json:"autoArchive"`
	PrivateThread      bool      `json:"privateThread"`
}

// SessionOptions are the caller-controlled settings for a new session
type SessionOptions struct {
	EnableSearch       bool
	EnableSystemPrompt bool
	Language           string
	MaxMessages        int
	AutoArchiveMinutes int
	PrivateThread      bool
}

// Clone returns a deep-enough copy of the session for persistence and for
// handing out to callers
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = CloneMessages(s.Messages)
	return &c
}

// SessionStore persists session snapshots. Save is an upsert keyed by thread ID.
type SessionStore interface {
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, threadID string) error
	LoadAll(ctx context.Context) ([]*Session, error)
}

// ThreadCloser tears down the platform thread that owns a session
type ThreadCloser interface {
	CloseThread(ctx context.Context, threadID string) error
}
