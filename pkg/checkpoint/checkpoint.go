// Package checkpoint persists conversation state snapshots between turns.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation has no checkpoint yet.
var ErrNotFound = errors.New("checkpoint not found")

// Record is one persisted snapshot of a conversation. State and Metadata are
// opaque JSON documents owned by the caller.
type Record struct {
	ConversationID  string
	VersionID       string
	ParentVersionID string
	State           []byte
	Metadata        []byte
	CreatedAt       time.Time
}

// Store is the durable checkpoint store. Implementations must be safe for
// concurrent use by different conversations.
type Store interface {
	// GetLatest returns the most recent record for the conversation, or
	// ErrNotFound.
	GetLatest(ctx context.Context, conversationID string) (Record, error)
	// Put writes a new version whose parent is the current latest version and
	// returns the new version id.
	Put(ctx context.Context, conversationID string, state, metadata []byte) (string, error)
	// Upsert writes rec keyed by (ConversationID, VersionID); a second write to
	// the same key replaces the first.
	Upsert(ctx context.Context, rec Record) error
}

func newVersionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate version id: %w", err)
	}
	return id.String(), nil
}

func validateRecord(rec Record) error {
	if rec.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if rec.VersionID == "" {
		return errors.New("version id is required")
	}
	if len(rec.State) == 0 {
		return errors.New("state is required")
	}
	return nil
}
