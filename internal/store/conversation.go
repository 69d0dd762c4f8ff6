package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
)

const conversationColumns = `id, type, content, content_hash, history, status, pass_id,
	remote_head_id, local_head_id, full_sync_at, last_update`

// GetConversation returns a conversation by id, or archive.ErrNotFound.
func (db *DB) GetConversation(ctx context.Context, id int64) (*archive.Conversation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)

	var (
		c                        archive.Conversation
		content, history, status string
		fullSyncAt, lastUpdate   int64
	)
	err := row.Scan(&c.ID, &c.Type, &content, &c.ContentHash, &history, &status, &c.PassID,
		&c.RemoteHeadID, &c.LocalHeadID, &fullSyncAt, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, archive.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Content, err = archive.DecodeContent([]byte(content)); err != nil {
		return nil, fmt.Errorf("conversation %d content: %w", id, err)
	}
	if c.History, err = archive.DecodeHistory([]byte(history)); err != nil {
		return nil, fmt.Errorf("conversation %d history: %w", id, err)
	}
	c.Status = archive.Status(status)
	c.FullSyncAt = fromMillis(fullSyncAt)
	c.LastUpdate = fromMillis(lastUpdate)
	return &c, nil
}

// InsertConversation stores a new conversation; archive.ErrExists if present.
func (db *DB) InsertConversation(ctx context.Context, c *archive.Conversation) error {
	content, err := json.Marshal(c.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	history, err := encodeHistory(c.History)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Type, string(content), c.ContentHash, history, string(c.Status), c.PassID,
		c.RemoteHeadID, c.LocalHeadID, toMillis(c.FullSyncAt), toMillis(c.LastUpdate))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return archive.ErrExists
	}
	return nil
}

// ReviseConversation applies rev if the stored hash and status still match.
func (db *DB) ReviseConversation(ctx context.Context, id int64, rev *archive.Revision, requireStatus archive.Status) error {
	content, err := json.Marshal(rev.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	var res sql.Result
	if rev.Entry == nil {
		res, err = db.ExecContext(ctx, `
			UPDATE conversations SET content = ?, content_hash = ?, last_update = ?,
				type = COALESCE(NULLIF(?, ''), type)
			WHERE id = ? AND content_hash = ? AND status = ?`,
			string(content), rev.Hash, toMillis(rev.LastUpdate), rev.Type, id, rev.PrevHash, string(requireStatus))
	} else {
		entry, encErr := json.Marshal(rev.Entry)
		if encErr != nil {
			return fmt.Errorf("encode history entry: %w", encErr)
		}
		res, err = db.ExecContext(ctx, `
			UPDATE conversations SET content = ?, content_hash = ?, last_update = ?,
				type = COALESCE(NULLIF(?, ''), type),
				history = json_insert(history, '$[#]', json(?))
			WHERE id = ? AND content_hash = ? AND status = ?`,
			string(content), rev.Hash, toMillis(rev.LastUpdate), rev.Type, string(entry), id, rev.PrevHash, string(requireStatus))
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.missOrConflict(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id)
	}
	return nil
}

// TransitionStatus moves a conversation between statuses with a compare-and-set.
func (db *DB) TransitionStatus(ctx context.Context, id int64, from []archive.Status, to archive.Status, passID string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition of conversation %d: no source status", id)
	}
	q := `UPDATE conversations SET status = ?`
	args := []any{string(to)}
	if passID != "" {
		q += `, pass_id = ?`
		args = append(args, passID)
	}
	q += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListConversationIDsByStatus returns ids whose status is any of statuses.
func (db *DB) ListConversationIDsByStatus(ctx context.Context, statuses ...archive.Status) ([]int64, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

// ResetStatuses forces every non-idle conversation back to idle.
func (db *DB) ResetStatuses(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE conversations SET status = ?, pass_id = '' WHERE status != ?`,
		string(archive.Idle), string(archive.Idle))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetRemoteHead records the newest message id reported by the remote.
func (db *DB) SetRemoteHead(ctx context.Context, id, messageID int64) error {
	return db.execOne(ctx, `UPDATE conversations SET remote_head_id = ? WHERE id = ?`, messageID, id)
}

// AdvanceLocalHead raises the stored local head, never lowers it.
func (db *DB) AdvanceLocalHead(ctx context.Context, id, messageID int64) error {
	return db.execOne(ctx, `UPDATE conversations SET local_head_id = MAX(local_head_id, ?) WHERE id = ?`, messageID, id)
}

// MarkFullSync records the completion time of a full pass.
func (db *DB) MarkFullSync(ctx context.Context, id int64, at time.Time) error {
	return db.execOne(ctx, `UPDATE conversations SET full_sync_at = ? WHERE id = ?`, toMillis(at), id)
}

// CountConversationsByStatus returns the number of conversations per status.
func (db *DB) CountConversationsByStatus(ctx context.Context) (map[archive.Status]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM conversations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[archive.Status]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[archive.Status(status)] = n
	}
	return counts, rows.Err()
}

func (db *DB) execOne(ctx context.Context, q string, args ...any) error {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return archive.ErrNotFound
	}
	return nil
}

// missOrConflict tells a missing row apart from a lost compare-and-set.
func (db *DB) missOrConflict(ctx context.Context, q string, args ...any) error {
	var one int
	err := db.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.ErrNotFound
	}
	if err != nil {
		return err
	}
	return archive.ErrConflict
}

func encodeHistory(h []archive.HistoryEntry) (string, error) {
	if h == nil {
		h = []archive.HistoryEntry{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(b), nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
