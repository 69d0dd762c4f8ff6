package archive

import (
	"time"
)

// Content is a normalized snapshot of remote-supplied fields.
type Content map[string]any

// Status is the sync status of a conversation.
type Status string

const (
	Idle       Status = "idle"
	Queued     Status = "queued"
	InProgress Status = "in_progress"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Idle, Queued, InProgress:
		return true
	}
	return false
}

// ChangeKind tags a single diff entry.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Change is one structural difference between two snapshots.
type Change struct {
	Path     []string   `json:"path" bson:"path"`
	Kind     ChangeKind `json:"kind" bson:"kind"`
	OldValue any        `json:"oldValue,omitempty" bson:"oldValue,omitempty"`
	NewValue any        `json:"newValue,omitempty" bson:"newValue,omitempty"`
}

// HistoryEntry records the diff that ended the validity of a prior snapshot.
type HistoryEntry struct {
	Diff      []Change  `json:"diff" bson:"diff"`
	ValidFrom time.Time `json:"validFrom" bson:"validFrom"`
	ValidTo   time.Time `json:"validTo" bson:"validTo"`
}

// Conversation is the stored state of one remote chat.
type Conversation struct {
	ID          int64
	Type        string
	Content     Content
	ContentHash string
	History     []HistoryEntry
	Status      Status
	LastUpdate  time.Time

	// PassID identifies the current sync pass; jobs carrying another pass are stale.
	PassID string
	// RemoteHeadID is the newest message id reported by the remote snapshot.
	RemoteHeadID int64
	// LocalHeadID is the newest message id stored locally.
	LocalHeadID int64
	FullSyncAt  time.Time
}

// Message is the stored state of one message of a conversation.
type Message struct {
	ConversationID int64
	ID             int64
	Date           time.Time
	Content        Content
	ContentHash    string
	History        []HistoryEntry
	LastUpdate     time.Time
	Removed        bool
}

// Revision is a content replacement produced by the history tracker.
// It is applied only if the stored hash still equals PrevHash.
type Revision struct {
	PrevHash   string
	Content    Content
	Hash       string
	Entry      *HistoryEntry
	LastUpdate time.Time
	// Type replaces the stored conversation type when set. Messages ignore it.
	Type string
}

// WriteResult reports what an upsert did.
type WriteResult string

const (
	Inserted  WriteResult = "inserted"
	Updated   WriteResult = "updated"
	Unchanged WriteResult = "unchanged"
	Skipped   WriteResult = "skipped"
)
