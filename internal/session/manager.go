package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lingo/internal/realtime"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyActive = errors.New("user already has an active conversation")
)

// Meta is the tutoring context a conversation was started with.
type Meta struct {
	Language        string `json:"language"`
	Level           string `json:"level"`
	PracticeMode    string `json:"practice_mode"`
	PracticeContent string `json:"practice_content,omitempty"`
}

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Meta           Meta      `json:"meta"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
}

type entry struct {
	session Session
	client  *realtime.Client
}

// ExpireHook receives conversations ended by the janitor. The client still
// holds its provider session; the hook is expected to disconnect it.
type ExpireHook func(s *Session, client *realtime.Client)

// Manager tracks server-hosted lifecycle clients. A user has at most one
// active conversation.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	onExpire          ExpireHook
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook ExpireHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers client for userID. It fails with ErrAlreadyActive when the
// user already has an active conversation.
func (m *Manager) Create(userID string, client *realtime.Client, meta Meta) (*Session, error) {
	now := time.Now().UTC()
	e := &entry{
		session: Session{
			ID:             uuid.NewString(),
			UserID:         userID,
			Status:         StatusActive,
			Meta:           meta,
			StartedAt:      now,
			LastActivityAt: now,
		},
		client: client,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if userID != "" {
		if _, busy := m.sessionByUser[userID]; busy {
			return nil, ErrAlreadyActive
		}
		m.sessionByUser[userID] = e.session.ID
	}
	m.sessions[e.session.ID] = e
	return clone(&e.session), nil
}

// Remove forgets a conversation entirely, e.g. after its connect failed.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if m.sessionByUser[e.session.UserID] == sessionID {
		delete(m.sessionByUser, e.session.UserID)
	}
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&e.session), nil
}

// Lookup returns the conversation and its client when owned by userID.
// Conversations of other users are reported as ErrNotFound.
func (m *Manager) Lookup(userID, sessionID string) (*Session, *realtime.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.session.UserID != userID {
		return nil, nil, ErrNotFound
	}
	return clone(&e.session), e.client, nil
}

// ActiveFor returns the user's active conversation id, if any.
func (m *Manager) ActiveFor(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	return id, ok
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the conversation ended and frees the user's slot. Ending twice
// returns the already ended session. The caller disconnects the client.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.session.Status == StatusActive {
		m.endLocked(e, time.Now().UTC())
	}
	return clone(&e.session), nil
}

func (m *Manager) endLocked(e *entry, now time.Time) {
	e.session.Status = StatusEnded
	e.session.LastActivityAt = now
	e.session.EndedAt = now
	if m.sessionByUser[e.session.UserID] == e.session.ID {
		delete(m.sessionByUser, e.session.UserID)
	}
}

// EndAll ends every active conversation and returns their clients keyed by
// session id, for the caller to disconnect on shutdown.
func (m *Manager) EndAll() map[string]*realtime.Client {
	now := time.Now().UTC()
	out := make(map[string]*realtime.Client)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.sessions {
		if e.session.Status != StatusActive {
			continue
		}
		m.endLocked(e, now)
		out[id] = e.client
	}
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive ends idle conversations and forgets ended ones once they
// have been ended for a full inactivity window.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	type expiredEntry struct {
		session *Session
		client  *realtime.Client
	}
	var expired []expiredEntry

	m.mu.Lock()
	for id, e := range m.sessions {
		switch {
		case e.session.Status == StatusEnded:
			if now.Sub(e.session.EndedAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
		case now.Sub(e.session.LastActivityAt) >= m.inactivityTimeout:
			m.endLocked(e, now)
			expired = append(expired, expiredEntry{session: clone(&e.session), client: e.client})
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, x := range expired {
			hook(x.session, x.client)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
