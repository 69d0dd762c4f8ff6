// Package tombstone finds messages deleted on the remote. A full pass
// snapshots the ids stored before it starts, collects every id it fetches,
// and marks the difference as removed once the pass is exhausted.
package tombstone

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/bus"
	"go.uber.org/zap"
)

// Store is the persistence the detector needs.
type Store interface {
	archive.MessageStore
	archive.SnapshotStore
}

// Result is the payload of sync.tombstoned events.
type Result struct {
	ConversationID int64
	Removed        []int64
}

// Detector reconciles stored message ids against a full pass.
type Detector struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a detector. b may be nil.
func New(store Store, b *bus.Bus, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{store: store, bus: b, logger: logger}
}

// Begin snapshots the ids currently stored for the conversation.
func (d *Detector) Begin(ctx context.Context, conversationID int64) error {
	ids, err := d.store.ListMessageIDs(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list messages of conversation %d: %w", conversationID, err)
	}
	if err := d.store.SaveMessageSnapshot(ctx, conversationID, ids); err != nil {
		return fmt.Errorf("snapshot conversation %d: %w", conversationID, err)
	}
	return nil
}

// Observe records ids fetched during the pass.
func (d *Detector) Observe(ctx context.Context, conversationID int64, ids []int64) error {
	if err := d.store.AppendSeenMessageIDs(ctx, conversationID, ids); err != nil {
		return fmt.Errorf("record seen messages of conversation %d: %w", conversationID, err)
	}
	return nil
}

// Finish marks every id known before the pass but not seen during it as
// removed and drops the snapshot. It returns the tombstoned ids.
func (d *Detector) Finish(ctx context.Context, conversationID int64) ([]int64, error) {
	known, seen, err := d.store.LoadMessageSnapshot(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot of conversation %d: %w", conversationID, err)
	}
	gone := Missing(known, seen)
	if len(gone) > 0 {
		if _, err := d.store.SetMessagesRemoved(ctx, conversationID, gone, true); err != nil {
			return nil, fmt.Errorf("tombstone messages of conversation %d: %w", conversationID, err)
		}
		d.logger.Info("messages removed remotely",
			zap.Int64("conversation_id", conversationID), zap.Int("count", len(gone)))
		d.bus.Emit(bus.SyncTombstoned, Result{ConversationID: conversationID, Removed: gone})
	}
	if err := d.store.ClearMessageSnapshot(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("clear snapshot of conversation %d: %w", conversationID, err)
	}
	return gone, nil
}

// Missing returns the ids of known absent from seen, ascending.
func Missing(known, seen []int64) []int64 {
	present := make(map[int64]struct{}, len(seen))
	for _, id := range seen {
		present[id] = struct{}{}
	}
	var out []int64
	for _, id := range known {
		if _, ok := present[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
