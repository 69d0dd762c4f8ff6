// Package remote defines the paginated messaging API the archive pulls from.
package remote

import (
	"context"
	"time"
)

// PageSize is the number of messages requested per history page.
const PageSize = 100

// ConversationSnapshot is the remote state of one conversation.
type ConversationSnapshot struct {
	ID int64
	// Type is the conversation kind, e.g. "chatTypePrivate".
	Type string
	// LastMessageID is the newest message id the remote knows, 0 if none.
	LastMessageID int64
	Raw           map[string]any
}

// MessageSnapshot is the remote state of one message.
type MessageSnapshot struct {
	ConversationID int64
	ID             int64
	Date           time.Time
	Raw            map[string]any
}

// API is the remote messaging service.
type API interface {
	ListConversationIDs(ctx context.Context) ([]int64, error)
	FetchConversation(ctx context.Context, id int64) (*ConversationSnapshot, error)
	// FetchMessagePage returns up to limit messages older than or equal to
	// fromMessageID, newest first. fromMessageID 0 starts at the newest
	// message. Nil entries are holes the remote could not resolve.
	FetchMessagePage(ctx context.Context, conversationID, fromMessageID int64, limit, offset int) ([]*MessageSnapshot, error)
}
