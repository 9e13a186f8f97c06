package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Expiry reasons reported to metrics
const (
	ReasonTTL           = "ttl"
	ReasonEnded         = "ended"
	ReasonThreadDeleted = "thread_deleted"
)

const teardownTimeout = 30 * time.Second

// SessionConfig configures the session manager
type SessionConfig struct {
	TTL                time.Duration
	MaxMessages        int
	AutoArchiveMinutes int
}

// SessionManager owns every active session. Operations on one thread are
// serialized by that thread's entry lock, which also guards its expiry timer.
type SessionManager struct {
	store   domain.SessionStore
	closer  domain.ThreadCloser
	cfg     SessionConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*sessionEntry

	pendingTimers atomic.Int64
}

type sessionEntry struct {
	mu      sync.Mutex
	session *domain.Session
	timer   *time.Timer
	gen     uint64
	removed bool
}

// NewSessionManager creates a new session manager. closer may be nil.
func NewSessionManager(store domain.SessionStore, closer domain.ThreadCloser, cfg SessionConfig, m *metrics.Metrics) *SessionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10
	}
	return &SessionManager{
		store:   store,
		closer:  closer,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		entries: make(map[string]*sessionEntry),
	}
}

// SetThreadCloser sets the platform hook used to tear down expired threads
func (m *SessionManager) SetThreadCloser(closer domain.ThreadCloser) {
	m.mu.Lock()
	m.closer = closer
	m.mu.Unlock()
}

// Create starts a session for threadID
func (m *SessionManager) Create(ctx context.Context, threadID, userID, model string, opts domain.SessionOptions) (*domain.Session, error) {
	now := m.now()
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = m.cfg.MaxMessages
	}
	autoArchive := opts.AutoArchiveMinutes
	if autoArchive <= 0 {
		autoArchive = m.cfg.AutoArchiveMinutes
	}

	e := &sessionEntry{
		session: &domain.Session{
			ID:                 uuid.New().String(),
			ThreadID:           threadID,
			UserID:             userID,
			Model:              model,
			EnableSearch:       opts.EnableSearch,
			EnableSystemPrompt: opts.EnableSystemPrompt,
			Language:           opts.Language,
			Messages:           []domain.Message{},
			MaxMessages:        maxMessages,
			CreatedAt:          now,
			LastActivity:       now,
			AutoArchiveMinutes: autoArchive,
			PrivateThread:      opts.PrivateThread,
		},
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	if _, exists := m.entries[threadID]; exists {
		m.mu.Unlock()
		return nil, domain.ErrSessionExists
	}
	m.entries[threadID] = e
	count := len(m.entries)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(count)
	m.persist(ctx, e)
	m.schedule(threadID, e, m.cfg.TTL)

	log.Info().Str("thread_id", threadID).Str("user_id", userID).Str("model", model).Msg("session created")
	return e.session.Clone(), nil
}

// Get returns a copy of the active session of threadID
func (m *SessionManager) Get(threadID string) (*domain.Session, error) {
	var out *domain.Session
	err := m.withEntry(threadID, func(e *sessionEntry) error {
		out = e.session.Clone()
		return nil
	})
	return out, err
}

// Count returns the number of active sessions
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ActiveTimers returns the number of expiry timers that are scheduled and
// have not fired or been stopped
func (m *SessionManager) ActiveTimers() int {
	return int(m.pendingTimers.Load())
}

// Touch refreshes lastActivity and replaces the expiry timer
func (m *SessionManager) Touch(ctx context.Context, threadID string) error {
	return m.withEntry(threadID, func(e *sessionEntry) error {
		m.touchLocked(ctx, threadID, e)
		return nil
	})
}

// Pause stops the session from accepting turns. It counts as activity.
func (m *SessionManager) Pause(ctx context.Context, threadID string) error {
	return m.setPaused(ctx, threadID, true)
}

// Resume lets a paused session accept turns again. It counts as activity.
func (m *SessionManager) Resume(ctx context.Context, threadID string) error {
	return m.setPaused(ctx, threadID, false)
}

func (m *SessionManager) setPaused(ctx context.Context, threadID string, paused bool) error {
	return m.withEntry(threadID, func(e *sessionEntry) error {
		e.session.Paused = paused
		m.touchLocked(ctx, threadID, e)
		return nil
	})
}

// ClearHistory drops every message and refreshes the session
func (m *SessionManager) ClearHistory(ctx context.Context, threadID string) error {
	return m.withEntry(threadID, func(e *sessionEntry) error {
		e.session.Messages = []domain.Message{}
		m.touchLocked(ctx, threadID, e)
		return nil
	})
}

// AppendTurn appends msgs, trims the history to the session's bound and
// refreshes the session
func (m *SessionManager) AppendTurn(ctx context.Context, threadID string, msgs ...domain.Message) error {
	return m.withEntry(threadID, func(e *sessionEntry) error {
		history := append(domain.CloneMessages(e.session.Messages), msgs...)
		e.session.Messages = TrimHistory(history, e.session.MaxMessages)
		m.touchLocked(ctx, threadID, e)
		return nil
	})
}

// Expire tears down the session of threadID. Calling it for a missing or
// already removed session is a no-op.
func (m *SessionManager) Expire(ctx context.Context, threadID string) {
	if m.remove(ctx, threadID, ReasonTTL) {
		m.closeThread(ctx, threadID)
	}
}

// End removes the session at the owner's request and closes its thread
func (m *SessionManager) End(ctx context.Context, threadID string) error {
	if !m.remove(ctx, threadID, ReasonEnded) {
		return domain.ErrSessionNotFound
	}
	m.closeThread(ctx, threadID)
	return nil
}

// HandleThreadDeleted removes the session of a thread deleted on the
// platform. The thread is not closed again.
func (m *SessionManager) HandleThreadDeleted(ctx context.Context, threadID string) {
	m.remove(ctx, threadID, ReasonThreadDeleted)
}

// Recover loads persisted sessions and schedules each for its remaining TTL.
// Overdue sessions expire almost immediately.
func (m *SessionManager) Recover(ctx context.Context) (int, error) {
	sessions, err := m.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now()
	recovered := 0
	for _, s := range sessions {
		if s == nil || s.ThreadID == "" {
			continue
		}
		if s.MaxMessages <= 0 {
			s.MaxMessages = m.cfg.MaxMessages
		}
		if s.Messages == nil {
			s.Messages = []domain.Message{}
		}

		e := &sessionEntry{session: s.Clone()}
		e.mu.Lock()

		m.mu.Lock()
		if _, exists := m.entries[s.ThreadID]; exists {
			m.mu.Unlock()
			e.mu.Unlock()
			continue
		}
		m.entries[s.ThreadID] = e
		m.mu.Unlock()

		delay := m.cfg.TTL - now.Sub(s.LastActivity)
		if delay < 0 {
			delay = 0
		}
		m.schedule(s.ThreadID, e, delay)
		e.mu.Unlock()

		recovered++
		log.Debug().Str("thread_id", s.ThreadID).Dur("expires_in", delay).Msg("session recovered")
	}

	m.metrics.SetActiveSessions(m.Count())
	log.Info().Int("recovered", recovered).Msg("sessions recovered")
	return recovered, nil
}

// Shutdown stops every timer without removing sessions, so they can be
// recovered by the next process
func (m *SessionManager) Shutdown() {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		m.stopTimer(e)
		e.gen++
		e.mu.Unlock()
	}
}

func (m *SessionManager) lookup(threadID string) *sessionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[threadID]
}

func (m *SessionManager) withEntry(threadID string, fn func(e *sessionEntry) error) error {
	e := m.lookup(threadID)
	if e == nil {
		return domain.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return domain.ErrSessionNotFound
	}
	return fn(e)
}

// touchLocked must be called with e.mu held
func (m *SessionManager) touchLocked(ctx context.Context, threadID string, e *sessionEntry) {
	e.session.LastActivity = m.now()
	m.persist(ctx, e)
	m.schedule(threadID, e, m.cfg.TTL)
}

// schedule replaces the expiry timer of e. It must be called with e.mu held.
func (m *SessionManager) schedule(threadID string, e *sessionEntry, d time.Duration) {
	m.stopTimer(e)
	e.gen++
	gen := e.gen

	m.pendingTimers.Add(1)
	e.timer = time.AfterFunc(d, func() {
		m.pendingTimers.Add(-1)
		m.fire(threadID, e, gen)
	})
}

func (m *SessionManager) stopTimer(e *sessionEntry) {
	if e.timer != nil && e.timer.Stop() {
		m.pendingTimers.Add(-1)
	}
	e.timer = nil
}

// fire expires the session unless the timer was replaced after it was armed
func (m *SessionManager) fire(threadID string, e *sessionEntry, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	e.mu.Lock()
	if e.removed || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	m.removeLocked(ctx, threadID, e, ReasonTTL)
	e.mu.Unlock()

	log.Info().Str("thread_id", threadID).Msg("session expired")
	m.closeThread(ctx, threadID)
}

func (m *SessionManager) remove(ctx context.Context, threadID, reason string) bool {
	e := m.lookup(threadID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	m.removeLocked(ctx, threadID, e, reason)
	return true
}

// removeLocked must be called with e.mu held
func (m *SessionManager) removeLocked(ctx context.Context, threadID string, e *sessionEntry, reason string) {
	e.removed = true
	m.stopTimer(e)
	e.gen++

	m.mu.Lock()
	if m.entries[threadID] == e {
		delete(m.entries, threadID)
	}
	count := len(m.entries)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, threadID); err != nil {
		perr := &domain.PersistenceError{Op: "delete session", Key: threadID, Err: err}
		log.Error().Err(perr).Msg("failed to delete session snapshot")
	}

	m.metrics.SessionExpired(reason)
	m.metrics.SetActiveSessions(count)
	log.Info().Str("thread_id", threadID).Str("reason", reason).Msg("session removed")
}

// persist writes a snapshot. Failures are logged; memory stays authoritative
// and the next mutation writes again.
func (m *SessionManager) persist(ctx context.Context, e *sessionEntry) {
	snapshot := e.session.Clone()
	if err := m.store.Save(ctx, snapshot); err != nil {
		perr := &domain.PersistenceError{Op: "save session", Key: snapshot.ThreadID, Err: err}
		log.Error().Err(perr).Msg("failed to persist session snapshot")
	}
}

func (m *SessionManager) closeThread(ctx context.Context, threadID string) {
	m.mu.RLock()
	closer := m.closer
	m.mu.RUnlock()
	if closer == nil {
		return
	}
	if err := closer.CloseThread(ctx, threadID); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to close thread")
	}
}

// TrimHistory keeps at most maxMessages*2 messages by dropping whole turns
// from the oldest end. A turn is a user message and every non-user message
// after it. The newest turn is always kept, even when it alone is over the
// bound.
func TrimHistory(msgs []domain.Message, maxMessages int) []domain.Message {
	limit := maxMessages * 2
	if maxMessages <= 0 || len(msgs) <= limit {
		return msgs
	}

	start := 0
	for len(msgs)-start > limit {
		next := nextUserIndex(msgs, start+1)
		if next < 0 {
			break
		}
		start = next
	}

	if start == 0 {
		return msgs
	}
	return domain.CloneMessages(msgs[start:])
}

func nextUserIndex(msgs []domain.Message, from int) int {
	for i := from; i < len(msgs); i++ {
		if msgs[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}
