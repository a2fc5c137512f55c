package session

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Repository used by tests and the memory backend.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]Session
	tokens   map[string]Token // by session id
	codes    map[string]string
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Session),
		tokens:   make(map[string]Token),
		codes:    make(map[string]string),
	}
}

func (m *Memory) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *Memory) TransitionStatus(_ context.Context, id string, from []Status, to Status) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !slices.Contains(from, s.Status) {
		return Session{}, ErrInvalidTransition
	}
	s.Status = to
	m.sessions[id] = s
	return s, nil
}

func (m *Memory) UpsertToken(_ context.Context, t Token) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.tokens[t.SessionID]; ok {
		delete(m.codes, prev.Code)
		t.ID = prev.ID
		t.CreatedAt = prev.CreatedAt
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tokens[t.SessionID] = t
	m.codes[t.Code] = t.SessionID
	return t, nil
}

func (m *Memory) TokenByCode(_ context.Context, code string) (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sid, ok := m.codes[code]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return m.tokens[sid], nil
}

func (m *Memory) TokenBySession(_ context.Context, sessionID string) (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[sessionID]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return t, nil
}

func (m *Memory) DeactivateToken(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[sessionID]; ok {
		t.Active = false
		m.tokens[sessionID] = t
	}
	return nil
}
