package store

import (
	"context"
	"fmt"
)

// SaveMessageSnapshot replaces the stored snapshot of a conversation with the
// ids known before a full pass. The seen set starts empty.
func (db *DB) SaveMessageSnapshot(ctx context.Context, conversationID int64, known []int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_snapshots WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_snapshots (conversation_id, message_id, known, seen)
		VALUES (?, ?, 1, 0)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, id := range known {
		if _, err := stmt.ExecContext(ctx, conversationID, id); err != nil {
			return fmt.Errorf("snapshot message %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// AppendSeenMessageIDs marks ids as observed on the remote during the pass.
func (db *DB) AppendSeenMessageIDs(ctx context.Context, conversationID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_snapshots (conversation_id, message_id, known, seen)
		VALUES (?, ?, 0, 1)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET seen = 1`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, conversationID, id); err != nil {
			return fmt.Errorf("mark seen %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// LoadMessageSnapshot returns the known and seen id sets of a conversation.
func (db *DB) LoadMessageSnapshot(ctx context.Context, conversationID int64) (known, seen []int64, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, known, seen FROM message_snapshots
		WHERE conversation_id = ? ORDER BY message_id`, conversationID)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id          int64
			isKnown, ok bool
		)
		if err := rows.Scan(&id, &isKnown, &ok); err != nil {
			return nil, nil, err
		}
		if isKnown {
			known = append(known, id)
		}
		if ok {
			seen = append(seen, id)
		}
	}
	return known, seen, rows.Err()
}

// ClearMessageSnapshot drops the snapshot once tombstones are resolved.
func (db *DB) ClearMessageSnapshot(ctx context.Context, conversationID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM message_snapshots WHERE conversation_id = ?`, conversationID)
	return err
}
