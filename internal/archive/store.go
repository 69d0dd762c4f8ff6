// Package archive holds the domain model of the archive and the store
// contract the sync core is written against.
package archive

import (
	"context"
	"time"
)

// ConversationStore persists conversations. All mutations are single-record
// atomic updates.
type ConversationStore interface {
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	// InsertConversation returns ErrExists if the id is already stored.
	InsertConversation(ctx context.Context, c *Conversation) error
	// ReviseConversation applies rev only if the stored hash equals rev.PrevHash
	// and the stored status equals requireStatus. Returns ErrConflict otherwise.
	ReviseConversation(ctx context.Context, id int64, rev *Revision, requireStatus Status) error
	// TransitionStatus moves id to `to` only if its current status is one of
	// `from`. A non-empty passID replaces the stored pass id.
	TransitionStatus(ctx context.Context, id int64, from []Status, to Status, passID string) (bool, error)
	ListConversationIDsByStatus(ctx context.Context, statuses ...Status) ([]int64, error)
	// ResetStatuses forces every non-idle conversation back to idle.
	ResetStatuses(ctx context.Context) (int64, error)
	SetRemoteHead(ctx context.Context, id, messageID int64) error
	// AdvanceLocalHead raises the local head to messageID if it is newer.
	AdvanceLocalHead(ctx context.Context, id, messageID int64) error
	MarkFullSync(ctx context.Context, id int64, at time.Time) error
	CountConversationsByStatus(ctx context.Context) (map[Status]int64, error)
}

// MessageStore persists messages keyed by (conversation id, message id).
type MessageStore interface {
	GetMessage(ctx context.Context, conversationID, messageID int64) (*Message, error)
	// InsertMessage returns ErrExists if the key is already stored.
	InsertMessage(ctx context.Context, m *Message) error
	// ReviseMessage applies rev only if the stored hash equals rev.PrevHash.
	ReviseMessage(ctx context.Context, conversationID, messageID int64, rev *Revision) error
	// ListMessageIDs returns the ids of messages not tombstoned.
	ListMessageIDs(ctx context.Context, conversationID int64) ([]int64, error)
	SetMessagesRemoved(ctx context.Context, conversationID int64, ids []int64, removed bool) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
}

// SnapshotStore holds the transient id sets of a full resync pass.
type SnapshotStore interface {
	// SaveMessageSnapshot stores old as the known ids and clears the seen set.
	SaveMessageSnapshot(ctx context.Context, conversationID int64, old []int64) error
	AppendSeenMessageIDs(ctx context.Context, conversationID int64, ids []int64) error
	LoadMessageSnapshot(ctx context.Context, conversationID int64) (old, seen []int64, err error)
	ClearMessageSnapshot(ctx context.Context, conversationID int64) error
}

// Store is everything the sync core needs from persistence.
type Store interface {
	ConversationStore
	MessageStore
	SnapshotStore
}
