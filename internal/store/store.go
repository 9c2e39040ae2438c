// Package store persists chat messages surfaced by the bridge: local turns,
// their replies, and messages reconstructed from external runs.
package store

import (
	"context"
	"time"
)

// Message is one persisted chat turn.
type Message struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"sessionKey"`
	Role       string    `json:"role"` // "user", "assistant"
	Content    string    `json:"content"`
	Model      string    `json:"model,omitempty"`
	External   bool      `json:"external"` // initiated by another gateway client
	CreatedAt  time.Time `json:"createdAt"`
}

// MessageStore is the persistence boundary. The memory implementation backs
// tests and single-node deployments; anything durable can slot in behind it.
type MessageStore interface {
	Append(ctx context.Context, msg Message) (Message, error)
	Recent(ctx context.Context, sessionKey string, limit int) ([]Message, error)
	Clear(ctx context.Context, sessionKey string) error
}
