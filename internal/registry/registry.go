// Package registry owns the sync status of conversations. Every status change
// is a compare-and-set in the store, so concurrent workers never run two
// passes over the same conversation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/bus"
	"github.com/matheus3301/thistory/internal/history"
	"github.com/matheus3301/thistory/internal/remote"
	"go.uber.org/zap"
)

const maxUpsertAttempts = 3

// validTransitions defines allowed status transitions.
var validTransitions = map[archive.Status][]archive.Status{
	archive.Idle:       {archive.Queued},
	archive.Queued:     {archive.InProgress, archive.Idle},
	archive.InProgress: {archive.Idle},
}

// StatusChange is the payload of registry.status_changed events.
type StatusChange struct {
	ConversationID int64
	From           archive.Status
	To             archive.Status
}

// Registry tracks conversation status and metadata.
type Registry struct {
	store   archive.ConversationStore
	tracker *history.Tracker
	bus     *bus.Bus
	logger  *zap.Logger
	newPass func() string
}

// New creates a registry. b may be nil.
func New(store archive.ConversationStore, tracker *history.Tracker, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		tracker: tracker,
		bus:     b,
		logger:  logger,
		newPass: uuid.NewString,
	}
}

// Queue moves an idle conversation to queued under a fresh pass id. A
// conversation seen for the first time is stored as an empty placeholder,
// queued, so later scans skip it like any busy conversation. A conversation
// that is not idle is skipped.
func (r *Registry) Queue(ctx context.Context, id int64) (pass string, queued bool, err error) {
	pass = r.newPass()
	for range maxUpsertAttempts {
		ok, err := r.store.TransitionStatus(ctx, id, []archive.Status{archive.Idle}, archive.Queued, pass)
		if err != nil {
			return "", false, fmt.Errorf("queue conversation %d: %w", id, err)
		}
		if ok {
			r.emit(id, archive.Idle, archive.Queued)
			return pass, true, nil
		}

		c, err := r.store.GetConversation(ctx, id)
		if errors.Is(err, archive.ErrNotFound) {
			err = r.store.InsertConversation(ctx, &archive.Conversation{
				ID:         id,
				Content:    archive.Content{},
				History:    []archive.HistoryEntry{},
				Status:     archive.Queued,
				PassID:     pass,
				LastUpdate: r.tracker.Now(),
			})
			if errors.Is(err, archive.ErrExists) {
				continue
			}
			if err != nil {
				return "", false, fmt.Errorf("queue conversation %d: %w", id, err)
			}
			r.emit(id, "", archive.Queued)
			return pass, true, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("queue conversation %d: %w", id, err)
		}
		r.logger.Info("conversation busy, skipping",
			zap.Int64("conversation_id", id), zap.String("status", string(c.Status)))
		return "", false, nil
	}
	return "", false, fmt.Errorf("queue conversation %d: %w", id, archive.ErrConflict)
}

// SetStatus moves a conversation to `to`. It fails with archive.ErrConflict
// when the current status does not allow the transition.
func (r *Registry) SetStatus(ctx context.Context, id int64, to archive.Status) error {
	from := sourcesOf(to)
	if len(from) == 0 {
		return fmt.Errorf("conversation %d: no transition leads to %s", id, to)
	}
	prior, err := r.store.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("set status of conversation %d: %w", id, err)
	}
	ok, err := r.store.TransitionStatus(ctx, id, from, to, "")
	if err != nil {
		return fmt.Errorf("set status of conversation %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("conversation %d: %s -> %s: %w", id, prior.Status, to, archive.ErrConflict)
	}
	r.emit(id, prior.Status, to)
	return nil
}

// ListNonIdle returns the ids of conversations queued or in progress.
func (r *Registry) ListNonIdle(ctx context.Context) ([]int64, error) {
	return r.store.ListConversationIDsByStatus(ctx, archive.Queued, archive.InProgress)
}

// UpsertMetadata records a fetched conversation snapshot for the pass.
// A new conversation is inserted in progress and a queued placeholder is
// filled in; both report archive.Inserted. An existing one is revised only
// while it is queued under the same pass; otherwise the write is skipped.
func (r *Registry) UpsertMetadata(ctx context.Context, snap *remote.ConversationSnapshot, pass string) (archive.WriteResult, error) {
	content, hash, err := r.tracker.Normalize(snap.Raw)
	if err != nil {
		return "", fmt.Errorf("conversation %d: %w", snap.ID, err)
	}
	log := r.logger.With(zap.Int64("conversation_id", snap.ID))

	for range maxUpsertAttempts {
		existing, err := r.store.GetConversation(ctx, snap.ID)
		if errors.Is(err, archive.ErrNotFound) {
			err = r.store.InsertConversation(ctx, &archive.Conversation{
				ID:           snap.ID,
				Type:         snap.Type,
				Content:      content,
				ContentHash:  hash,
				History:      []archive.HistoryEntry{},
				Status:       archive.InProgress,
				LastUpdate:   r.tracker.Now(),
				PassID:       pass,
				RemoteHeadID: snap.LastMessageID,
			})
			if errors.Is(err, archive.ErrExists) {
				continue
			}
			if err != nil {
				return "", fmt.Errorf("insert conversation %d: %w", snap.ID, err)
			}
			r.emit(snap.ID, "", archive.InProgress)
			return archive.Inserted, nil
		}
		if err != nil {
			return "", fmt.Errorf("get conversation %d: %w", snap.ID, err)
		}

		if existing.Status != archive.Queued || existing.PassID != pass {
			log.Warn("metadata write skipped, conversation not queued for this pass",
				zap.String("status", string(existing.Status)),
				zap.String("pass", pass),
				zap.String("current_pass", existing.PassID))
			return archive.Skipped, nil
		}

		result := archive.Unchanged
		var rev *archive.Revision
		if existing.ContentHash == "" {
			// Placeholder from Queue: the first snapshot opens no history.
			result = archive.Inserted
			rev = &archive.Revision{Content: content, Hash: hash, LastUpdate: r.tracker.Now()}
		} else if rev, err = r.tracker.Revise(existing.Content, existing.ContentHash, existing.LastUpdate, content, hash); err != nil {
			return "", fmt.Errorf("revise conversation %d: %w", snap.ID, err)
		}
		if rev != nil {
			rev.Type = snap.Type
			err = r.store.ReviseConversation(ctx, snap.ID, rev, archive.Queued)
			if errors.Is(err, archive.ErrConflict) {
				continue
			}
			if err != nil {
				return "", fmt.Errorf("update conversation %d: %w", snap.ID, err)
			}
			if rev.Entry != nil {
				result = archive.Updated
				log.Info("conversation changed", zap.Int("changes", len(rev.Entry.Diff)))
			}
		}
		if err := r.store.SetRemoteHead(ctx, snap.ID, snap.LastMessageID); err != nil {
			return "", fmt.Errorf("set remote head of conversation %d: %w", snap.ID, err)
		}
		return result, nil
	}
	return "", fmt.Errorf("conversation %d: %w", snap.ID, archive.ErrConflict)
}

// Recover forces every non-idle conversation back to idle. It must run before
// any job is scheduled.
func (r *Registry) Recover(ctx context.Context) (int64, error) {
	ids, err := r.ListNonIdle(ctx)
	if err != nil {
		return 0, fmt.Errorf("list non-idle conversations: %w", err)
	}
	n, err := r.store.ResetStatuses(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset statuses: %w", err)
	}
	for _, id := range ids {
		r.emit(id, "", archive.Idle)
	}
	if n > 0 {
		r.logger.Warn("reset interrupted conversations to idle", zap.Int64("count", n))
	}
	return n, nil
}

func (r *Registry) emit(id int64, from, to archive.Status) {
	r.logger.Debug("conversation status changed",
		zap.Int64("conversation_id", id), zap.String("from", string(from)), zap.String("to", string(to)))
	r.bus.Emit(bus.RegistryStatusChanged, StatusChange{ConversationID: id, From: from, To: to})
}

func sourcesOf(to archive.Status) []archive.Status {
	var from []archive.Status
	for _, s := range []archive.Status{archive.Idle, archive.Queued, archive.InProgress} {
		if slices.Contains(validTransitions[s], to) {
			from = append(from, s)
		}
	}
	return from
}
