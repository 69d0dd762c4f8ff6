package mongostore

import (
	"context"

	"github.com/matheus3301/thistory/internal/archive"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// The id sets of a full pass are kept on the conversation document itself.

// SaveMessageSnapshot stores known as the ids present before the pass.
func (s *Store) SaveMessageSnapshot(ctx context.Context, conversationID int64, known []int64) error {
	if known == nil {
		known = []int64{}
	}
	return s.updateConversation(ctx, conversationID, bson.D{{Key: "$set", Value: bson.D{
		{Key: "th_old_message_ids", Value: known},
		{Key: "th_new_message_ids", Value: []int64{}},
	}}})
}

// AppendSeenMessageIDs adds ids to the set observed during the pass.
func (s *Store) AppendSeenMessageIDs(ctx context.Context, conversationID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.updateConversation(ctx, conversationID, bson.D{{Key: "$addToSet", Value: bson.D{
		{Key: "th_new_message_ids", Value: bson.D{{Key: "$each", Value: ids}}},
	}}})
}

// LoadMessageSnapshot returns the known and seen id sets of a conversation.
func (s *Store) LoadMessageSnapshot(ctx context.Context, conversationID int64) (known, seen []int64, err error) {
	var doc struct {
		Old []int64 `bson:"th_old_message_ids"`
		New []int64 `bson:"th_new_message_ids"`
	}
	opts := options.FindOne().SetProjection(bson.D{
		{Key: "th_old_message_ids", Value: 1},
		{Key: "th_new_message_ids", Value: 1},
	})
	err = s.conversations().FindOne(ctx, bson.D{{Key: "id", Value: conversationID}}, opts).Decode(&doc)
	if isNoDocuments(err) {
		return nil, nil, archive.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return doc.Old, doc.New, nil
}

// ClearMessageSnapshot drops both id sets.
func (s *Store) ClearMessageSnapshot(ctx context.Context, conversationID int64) error {
	return s.updateConversation(ctx, conversationID, bson.D{{Key: "$unset", Value: bson.D{
		{Key: "th_old_message_ids", Value: ""},
		{Key: "th_new_message_ids", Value: ""},
	}}})
}
