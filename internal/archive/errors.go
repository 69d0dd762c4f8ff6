package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by inserts when the identity is already taken.
	ErrExists = errors.New("already exists")
	// ErrConflict is returned when a guarded update lost a race with another writer.
	ErrConflict = errors.New("concurrent modification")
)

// InvariantError signals a logic or clock-skew bug. Retrying it repeats the
// same faulty assumption, so the queue treats it as permanent.
type InvariantError struct {
	ConversationID int64
	MessageID      int64
	Reason         string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in conversation %d message %d: %s", e.ConversationID, e.MessageID, e.Reason)
}

// Permanent marks the error as not retryable.
func (e *InvariantError) Permanent() bool { return true }

// MissingError wraps ErrNotFound for an entity a job expected to exist.
type MissingError struct {
	ConversationID int64
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("conversation %d: %v", e.ConversationID, ErrNotFound)
}

func (e *MissingError) Unwrap() error { return ErrNotFound }

// Permanent marks the error as not retryable.
func (e *MissingError) Permanent() bool { return true }
