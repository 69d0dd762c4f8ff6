package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type messageDoc struct {
	ConversationID int64      `bson:"conversation_id"`
	MessageID      int64      `bson:"message_id"`
	Date           time.Time  `bson:"date"`
	Content        bson.Raw   `bson:"content"`
	Hash           string     `bson:"th_hash"`
	History        []bson.Raw `bson:"th_history"`
	LastUpdate     time.Time  `bson:"th_last_update"`
	Removed        bool       `bson:"th_removed"`
}

func messageKey(conversationID, messageID int64) bson.D {
	return bson.D{{Key: "conversation_id", Value: conversationID}, {Key: "message_id", Value: messageID}}
}

// GetMessage returns a message by key, or archive.ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID int64) (*archive.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, messageKey(conversationID, messageID)).Decode(&doc)
	if isNoDocuments(err) {
		return nil, archive.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m := &archive.Message{
		ConversationID: doc.ConversationID,
		ID:             doc.MessageID,
		Date:           doc.Date.UTC(),
		Content:        archive.Content{},
		ContentHash:    doc.Hash,
		LastUpdate:     doc.LastUpdate.UTC(),
		Removed:        doc.Removed,
	}
	if err := fromRaw(doc.Content, &m.Content); err != nil {
		return nil, fmt.Errorf("message %d content: %w", messageID, err)
	}
	if m.History, err = decodeHistory(doc.History); err != nil {
		return nil, fmt.Errorf("message %d history: %w", messageID, err)
	}
	return m, nil
}

// InsertMessage stores a new message; archive.ErrExists if the key is taken.
func (s *Store) InsertMessage(ctx context.Context, m *archive.Message) error {
	content, err := toRaw(m.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	history, err := encodeHistory(m.History)
	if err != nil {
		return err
	}
	_, err = s.messages().InsertOne(ctx, messageDoc{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Date:           m.Date,
		Content:        content,
		Hash:           m.ContentHash,
		History:        history,
		LastUpdate:     m.LastUpdate,
		Removed:        m.Removed,
	})
	if mongo.IsDuplicateKeyError(err) {
		return archive.ErrExists
	}
	return err
}

// ReviseMessage applies rev if the stored hash still equals rev.PrevHash and
// clears the tombstone.
func (s *Store) ReviseMessage(ctx context.Context, conversationID, messageID int64, rev *archive.Revision) error {
	update, err := revisionUpdate(rev)
	if err != nil {
		return err
	}
	set := update[0].Value.(bson.D)
	update[0].Value = append(set, bson.E{Key: "th_removed", Value: false})

	filter := append(messageKey(conversationID, messageID), bson.E{Key: "th_hash", Value: rev.PrevHash})
	res, err := s.messages().UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return missOrConflict(ctx, s.messages(), messageKey(conversationID, messageID))
	}
	return nil
}

// ListMessageIDs returns the ids of the conversation's messages that are not tombstoned.
func (s *Store) ListMessageIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	opts := options.Find().
		SetProjection(bson.D{{Key: "message_id", Value: 1}}).
		SetSort(bson.D{{Key: "message_id", Value: 1}})
	cur, err := s.messages().Find(ctx, bson.D{
		{Key: "conversation_id", Value: conversationID},
		{Key: "th_removed", Value: bson.D{{Key: "$ne", Value: true}}},
	}, opts)
	if err != nil {
		return nil, err
	}
	var docs []struct {
		MessageID int64 `bson:"message_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.MessageID
	}
	return ids, nil
}

// SetMessagesRemoved sets the tombstone flag on the given messages.
func (s *Store) SetMessagesRemoved(ctx context.Context, conversationID int64, ids []int64, removed bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.messages().UpdateMany(ctx,
		bson.D{
			{Key: "conversation_id", Value: conversationID},
			{Key: "message_id", Value: bson.D{{Key: "$in", Value: ids}}},
			{Key: "th_removed", Value: bson.D{{Key: "$ne", Value: removed}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "th_removed", Value: removed}}}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// CountMessages returns the total number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	return s.messages().CountDocuments(ctx, bson.D{})
}
