package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxPerSession caps retained messages per session so a long-lived bridge
// does not grow without bound.
const maxPerSession = 1000

// MemoryStore is an in-memory MessageStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Message)}
}

// Append stores a message, assigning an ID and timestamp when absent.
func (s *MemoryStore) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.sessions[msg.SessionKey], msg)
	if len(msgs) > maxPerSession {
		msgs = msgs[len(msgs)-maxPerSession:]
	}
	s.sessions[msg.SessionKey] = msgs
	return msg, nil
}

// Recent returns up to limit messages for the session, oldest first. A limit
// of zero or less returns everything retained.
func (s *MemoryStore) Recent(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sessions[sessionKey]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Clear drops all messages for the session.
func (s *MemoryStore) Clear(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
	return nil
}
