package httpapi

import (
	"context"
	"sync"
	"time"

	"stockbook/backend/internal/domain"
)

// SessionStore keeps the live sessions behind issued tokens. Instances that
// share one store honor each other's logins and revocations.
type SessionStore interface {
	SaveSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, bool, error)
	DeleteSession(ctx context.Context, id string) error
	// DeleteUserSessions drops every session of username except keep.
	DeleteUserSessions(ctx context.Context, username string, keep string) error
}

type memorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: make(map[string]domain.Session)}
}

func (m *memorySessionStore) SaveSession(_ context.Context, session domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, existing := range m.sessions {
		if now.After(existing.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *memorySessionStore) GetSession(_ context.Context, id string) (*domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return &session, true, nil
}

func (m *memorySessionStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *memorySessionStore) DeleteUserSessions(_ context.Context, username string, keep string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.sessions {
		if session.Username == username && id != keep {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *memorySessionStore) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
