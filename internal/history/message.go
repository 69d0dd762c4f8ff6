package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"go.uber.org/zap"
)

// maxReviseAttempts bounds re-reads after losing a guarded update.
const maxReviseAttempts = 3

// IncomingMessage is a fetched message ready to be recorded.
type IncomingMessage struct {
	ConversationID int64
	MessageID      int64
	Date           time.Time
	Raw            map[string]any
}

// MessageWriter upserts messages through a Tracker.
type MessageWriter struct {
	store   archive.MessageStore
	tracker *Tracker
	logger  *zap.Logger
}

// NewMessageWriter creates a writer storing into store.
func NewMessageWriter(store archive.MessageStore, tracker *Tracker, logger *zap.Logger) *MessageWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageWriter{store: store, tracker: tracker, logger: logger}
}

// Write inserts the message on first sighting and records a history entry
// when a later sighting differs. Writing the same snapshot twice stores one
// record and no history entry.
func (w *MessageWriter) Write(ctx context.Context, in IncomingMessage) (archive.WriteResult, error) {
	content, hash, err := w.tracker.Normalize(in.Raw)
	if err != nil {
		return "", fmt.Errorf("message %d: %w", in.MessageID, err)
	}

	for range maxReviseAttempts {
		existing, err := w.store.GetMessage(ctx, in.ConversationID, in.MessageID)
		if errors.Is(err, archive.ErrNotFound) {
			err = w.store.InsertMessage(ctx, &archive.Message{
				ConversationID: in.ConversationID,
				ID:             in.MessageID,
				Date:           in.Date,
				Content:        content,
				ContentHash:    hash,
				History:        []archive.HistoryEntry{},
				LastUpdate:     w.tracker.Now(),
			})
			if errors.Is(err, archive.ErrExists) {
				continue
			}
			if err != nil {
				return "", fmt.Errorf("insert message %d: %w", in.MessageID, err)
			}
			return archive.Inserted, nil
		}
		if err != nil {
			return "", fmt.Errorf("get message %d: %w", in.MessageID, err)
		}

		rev, err := w.tracker.Revise(existing.Content, existing.ContentHash, existing.LastUpdate, content, hash)
		if err != nil {
			return "", fmt.Errorf("revise message %d: %w", in.MessageID, err)
		}
		if rev == nil {
			if existing.Removed {
				if _, err := w.store.SetMessagesRemoved(ctx, in.ConversationID, []int64{in.MessageID}, false); err != nil {
					return "", fmt.Errorf("restore message %d: %w", in.MessageID, err)
				}
				w.logger.Info("tombstoned message seen again, restored",
					zap.Int64("conversation_id", in.ConversationID), zap.Int64("message_id", in.MessageID))
			}
			return archive.Unchanged, nil
		}

		err = w.store.ReviseMessage(ctx, in.ConversationID, in.MessageID, rev)
		if errors.Is(err, archive.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("update message %d: %w", in.MessageID, err)
		}
		if rev.Entry == nil {
			return archive.Unchanged, nil
		}
		return archive.Updated, nil
	}
	return "", fmt.Errorf("message %d: %w", in.MessageID, archive.ErrConflict)
}
