package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/thistory/internal/archive"
)

// GetMessage returns a message by key, or archive.ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, conversationID, messageID int64) (*archive.Message, error) {
	var (
		m                archive.Message
		content, history string
		date, lastUpdate int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT conversation_id, message_id, date, content, content_hash, history, last_update, removed
		FROM messages WHERE conversation_id = ? AND message_id = ?`, conversationID, messageID).
		Scan(&m.ConversationID, &m.ID, &date, &content, &m.ContentHash, &history, &lastUpdate, &m.Removed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, archive.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Content, err = archive.DecodeContent([]byte(content)); err != nil {
		return nil, fmt.Errorf("message %d content: %w", messageID, err)
	}
	if m.History, err = archive.DecodeHistory([]byte(history)); err != nil {
		return nil, fmt.Errorf("message %d history: %w", messageID, err)
	}
	m.Date = fromMillis(date)
	m.LastUpdate = fromMillis(lastUpdate)
	return &m, nil
}

// InsertMessage stores a new message (idempotent on conversation_id + message_id);
// archive.ErrExists if the key is taken.
func (db *DB) InsertMessage(ctx context.Context, m *archive.Message) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	history, err := encodeHistory(m.History)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, date, content, content_hash, history, last_update, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO NOTHING`,
		m.ConversationID, m.ID, toMillis(m.Date), string(content), m.ContentHash, history, toMillis(m.LastUpdate), m.Removed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return archive.ErrExists
	}
	return nil
}

// ReviseMessage applies rev if the stored hash still equals rev.PrevHash.
// A revised message is present remotely, so its tombstone is cleared.
func (db *DB) ReviseMessage(ctx context.Context, conversationID, messageID int64, rev *archive.Revision) error {
	content, err := json.Marshal(rev.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	var res sql.Result
	if rev.Entry == nil {
		res, err = db.ExecContext(ctx, `
			UPDATE messages SET content = ?, content_hash = ?, last_update = ?, removed = 0
			WHERE conversation_id = ? AND message_id = ? AND content_hash = ?`,
			string(content), rev.Hash, toMillis(rev.LastUpdate), conversationID, messageID, rev.PrevHash)
	} else {
		entry, encErr := json.Marshal(rev.Entry)
		if encErr != nil {
			return fmt.Errorf("encode history entry: %w", encErr)
		}
		res, err = db.ExecContext(ctx, `
			UPDATE messages SET content = ?, content_hash = ?, last_update = ?, removed = 0,
				history = json_insert(history, '$[#]', json(?))
			WHERE conversation_id = ? AND message_id = ? AND content_hash = ?`,
			string(content), rev.Hash, toMillis(rev.LastUpdate), string(entry), conversationID, messageID, rev.PrevHash)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.missOrConflict(ctx, `SELECT 1 FROM messages WHERE conversation_id = ? AND message_id = ?`, conversationID, messageID)
	}
	return nil
}

// ListMessageIDs returns the ids of the conversation's messages that are not tombstoned.
func (db *DB) ListMessageIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id FROM messages
		WHERE conversation_id = ? AND removed = 0
		ORDER BY message_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

// SetMessagesRemoved sets the tombstone flag on the given messages.
func (db *DB) SetMessagesRemoved(ctx context.Context, conversationID int64, ids []int64, removed bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET removed = ?
			WHERE conversation_id = ? AND message_id = ? AND removed != ?`,
			removed, conversationID, id, removed)
		if err != nil {
			return 0, fmt.Errorf("mark message %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// CountMessages returns the total number of stored messages.
func (db *DB) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
