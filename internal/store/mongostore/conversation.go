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

type conversationDoc struct {
	ID            int64      `bson:"id"`
	Type          string     `bson:"type"`
	Content       bson.Raw   `bson:"content"`
	Hash          string     `bson:"th_hash"`
	History       []bson.Raw `bson:"th_history"`
	Status        string     `bson:"th_status"`
	PassID        string     `bson:"th_pass"`
	RemoteHeadID  int64      `bson:"th_remote_head"`
	LocalHeadID   int64      `bson:"th_local_head"`
	FullSyncAt    time.Time  `bson:"th_full_sync_at"`
	LastUpdate    time.Time  `bson:"th_last_update"`
	OldMessageIDs []int64    `bson:"th_old_message_ids,omitempty"`
	NewMessageIDs []int64    `bson:"th_new_message_ids,omitempty"`
}

func (d *conversationDoc) conversation() (*archive.Conversation, error) {
	c := &archive.Conversation{
		ID:           d.ID,
		Type:         d.Type,
		Content:      archive.Content{},
		ContentHash:  d.Hash,
		Status:       archive.Status(d.Status),
		PassID:       d.PassID,
		RemoteHeadID: d.RemoteHeadID,
		LocalHeadID:  d.LocalHeadID,
		FullSyncAt:   d.FullSyncAt.UTC(),
		LastUpdate:   d.LastUpdate.UTC(),
	}
	if err := fromRaw(d.Content, &c.Content); err != nil {
		return nil, fmt.Errorf("conversation %d content: %w", d.ID, err)
	}
	history, err := decodeHistory(d.History)
	if err != nil {
		return nil, fmt.Errorf("conversation %d history: %w", d.ID, err)
	}
	c.History = history
	return c, nil
}

// GetConversation returns a conversation by id, or archive.ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id int64) (*archive.Conversation, error) {
	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&doc)
	if isNoDocuments(err) {
		return nil, archive.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.conversation()
}

// InsertConversation stores a new conversation; archive.ErrExists if present.
func (s *Store) InsertConversation(ctx context.Context, c *archive.Conversation) error {
	content, err := toRaw(c.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	history, err := encodeHistory(c.History)
	if err != nil {
		return err
	}
	_, err = s.conversations().InsertOne(ctx, conversationDoc{
		ID:           c.ID,
		Type:         c.Type,
		Content:      content,
		Hash:         c.ContentHash,
		History:      history,
		Status:       string(c.Status),
		PassID:       c.PassID,
		RemoteHeadID: c.RemoteHeadID,
		LocalHeadID:  c.LocalHeadID,
		FullSyncAt:   c.FullSyncAt,
		LastUpdate:   c.LastUpdate,
	})
	if mongo.IsDuplicateKeyError(err) {
		return archive.ErrExists
	}
	return err
}

// ReviseConversation applies rev if the stored hash and status still match.
func (s *Store) ReviseConversation(ctx context.Context, id int64, rev *archive.Revision, requireStatus archive.Status) error {
	update, err := revisionUpdate(rev)
	if err != nil {
		return err
	}
	if rev.Type != "" {
		set := update[0].Value.(bson.D)
		update[0].Value = append(set, bson.E{Key: "type", Value: rev.Type})
	}
	filter := bson.D{
		{Key: "id", Value: id},
		{Key: "th_hash", Value: rev.PrevHash},
		{Key: "th_status", Value: string(requireStatus)},
	}
	res, err := s.conversations().UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return missOrConflict(ctx, s.conversations(), bson.D{{Key: "id", Value: id}})
	}
	return nil
}

// TransitionStatus moves a conversation between statuses with a compare-and-set.
func (s *Store) TransitionStatus(ctx context.Context, id int64, from []archive.Status, to archive.Status, passID string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition of conversation %d: no source status", id)
	}
	set := bson.D{{Key: "th_status", Value: string(to)}}
	if passID != "" {
		set = append(set, bson.E{Key: "th_pass", Value: passID})
	}
	res, err := s.conversations().UpdateOne(ctx,
		bson.D{{Key: "id", Value: id}, {Key: "th_status", Value: bson.D{{Key: "$in", Value: statusStrings(from)}}}},
		bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// ListConversationIDsByStatus returns ids whose status is any of statuses.
func (s *Store) ListConversationIDsByStatus(ctx context.Context, statuses ...archive.Status) ([]int64, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	opts := options.Find().
		SetProjection(bson.D{{Key: "id", Value: 1}}).
		SetSort(bson.D{{Key: "id", Value: 1}})
	cur, err := s.conversations().Find(ctx,
		bson.D{{Key: "th_status", Value: bson.D{{Key: "$in", Value: statusStrings(statuses)}}}}, opts)
	if err != nil {
		return nil, err
	}
	var docs []struct {
		ID int64 `bson:"id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// ResetStatuses forces every non-idle conversation back to idle.
func (s *Store) ResetStatuses(ctx context.Context) (int64, error) {
	res, err := s.conversations().UpdateMany(ctx,
		bson.D{{Key: "th_status", Value: bson.D{{Key: "$ne", Value: string(archive.Idle)}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "th_status", Value: string(archive.Idle)},
			{Key: "th_pass", Value: ""},
		}}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// SetRemoteHead records the newest message id reported by the remote.
func (s *Store) SetRemoteHead(ctx context.Context, id, messageID int64) error {
	return s.updateConversation(ctx, id, bson.D{{Key: "$set", Value: bson.D{{Key: "th_remote_head", Value: messageID}}}})
}

// AdvanceLocalHead raises the stored local head, never lowers it.
func (s *Store) AdvanceLocalHead(ctx context.Context, id, messageID int64) error {
	return s.updateConversation(ctx, id, bson.D{{Key: "$max", Value: bson.D{{Key: "th_local_head", Value: messageID}}}})
}

// MarkFullSync records the completion time of a full pass.
func (s *Store) MarkFullSync(ctx context.Context, id int64, at time.Time) error {
	return s.updateConversation(ctx, id, bson.D{{Key: "$set", Value: bson.D{{Key: "th_full_sync_at", Value: at}}}})
}

// CountConversationsByStatus returns the number of conversations per status.
func (s *Store) CountConversationsByStatus(ctx context.Context) (map[archive.Status]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$th_status"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cur, err := s.conversations().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status string `bson:"_id"`
		N      int64  `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[archive.Status]int64, len(rows))
	for _, r := range rows {
		counts[archive.Status(r.Status)] = r.N
	}
	return counts, nil
}

func (s *Store) updateConversation(ctx context.Context, id int64, update bson.D) error {
	res, err := s.conversations().UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return archive.ErrNotFound
	}
	return nil
}

// revisionUpdate builds the $set (and $push when an entry exists) of a revision.
func revisionUpdate(rev *archive.Revision) (bson.D, error) {
	content, err := toRaw(rev.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "content", Value: content},
		{Key: "th_hash", Value: rev.Hash},
		{Key: "th_last_update", Value: rev.LastUpdate},
	}}}
	if rev.Entry != nil {
		entry, err := toRaw(rev.Entry)
		if err != nil {
			return nil, fmt.Errorf("encode history entry: %w", err)
		}
		update = append(update, bson.E{Key: "$push", Value: bson.D{{Key: "th_history", Value: entry}}})
	}
	return update, nil
}

func encodeHistory(h []archive.HistoryEntry) ([]bson.Raw, error) {
	out := make([]bson.Raw, 0, len(h))
	for _, e := range h {
		raw, err := toRaw(e)
		if err != nil {
			return nil, fmt.Errorf("encode history: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func decodeHistory(raws []bson.Raw) ([]archive.HistoryEntry, error) {
	out := make([]archive.HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e archive.HistoryEntry
		if err := fromRaw(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func statusStrings(statuses []archive.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
