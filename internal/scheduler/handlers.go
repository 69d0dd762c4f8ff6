package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/queue"
	intsync "github.com/matheus3301/thistory/internal/sync"
	"go.uber.org/zap"
)

func (s *Scheduler) syncConversationList(ctx context.Context, job *queue.Job) error {
	ids, err := s.remote.ListConversationIDs(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	var queued, busy int
	for _, id := range ids {
		ok, err := s.SyncConversation(ctx, id, nil)
		if err != nil {
			return err
		}
		if ok {
			queued++
		} else {
			busy++
		}
	}
	s.logger.Info("conversation list synced",
		zap.String("job_id", job.ID),
		zap.Int("conversations", len(ids)),
		zap.Int("queued", queued),
		zap.Int("busy", busy))
	return nil
}

func (s *Scheduler) syncMessages(ctx context.Context, job *queue.Job) error {
	var p MessagesPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := s.logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("conversation_id", p.ConversationID),
		zap.String("pass", p.Pass),
		zap.Int64("from_message_id", p.FromMessageID))

	c, err := s.store.GetConversation(ctx, p.ConversationID)
	begin := false
	switch {
	case isNotFound(err):
		if p.FromMessageID != 0 {
			return &archive.MissingError{ConversationID: p.ConversationID}
		}
		begin = true
	case err != nil:
		return fmt.Errorf("load conversation %d: %w", p.ConversationID, err)
	case c.PassID != p.Pass || c.Status == archive.Idle:
		log.Info("stale job, skipping", zap.String("status", string(c.Status)), zap.String("current_pass", c.PassID))
		return nil
	case c.Status == archive.Queued:
		begin = true
	}

	if begin {
		ok, err := s.begin(ctx, p, log)
		if err != nil || !ok {
			return err
		}
	}
	return s.step(ctx, job, p, log)
}

// begin records the conversation snapshot and moves it to in_progress. It
// returns false when the pass ends before fetching any page.
func (s *Scheduler) begin(ctx context.Context, p MessagesPayload, log *zap.Logger) (bool, error) {
	snap, err := s.remote.FetchConversation(ctx, p.ConversationID)
	if err != nil {
		return false, fmt.Errorf("fetch conversation %d: %w", p.ConversationID, err)
	}
	result, err := s.registry.UpsertMetadata(ctx, snap, p.Pass)
	if err != nil {
		return false, err
	}
	if result == archive.Skipped {
		return false, nil
	}
	c, err := s.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return false, fmt.Errorf("load conversation %d: %w", p.ConversationID, err)
	}

	if !s.eligible(snap.Type) {
		log.Debug("conversation type not synced", zap.String("type", snap.Type))
		return false, s.registry.SetStatus(ctx, p.ConversationID, archive.Idle)
	}
	// Message ids only grow, so a remote head at or below the local one means
	// nothing new; it drops below when the newest message was deleted.
	if p.Depth.Mode == archive.DepthSync && c.RemoteHeadID <= c.LocalHeadID {
		log.Debug("conversation up to date", zap.Int64("head", c.LocalHeadID))
		return false, s.registry.SetStatus(ctx, p.ConversationID, archive.Idle)
	}

	if p.Depth.Mode == archive.DepthFull {
		if err := s.detector.Begin(ctx, p.ConversationID); err != nil {
			return false, err
		}
	}
	if c.Status == archive.Queued {
		if err := s.registry.SetStatus(ctx, p.ConversationID, archive.InProgress); err != nil {
			return false, err
		}
	}
	log.Info("pass started", zap.Stringer("depth", p.Depth), zap.String("metadata", string(result)))
	return true, nil
}

func (s *Scheduler) step(ctx context.Context, job *queue.Job, p MessagesPayload, log *zap.Logger) error {
	if err := job.Wait(ctx); err != nil {
		return fmt.Errorf("wait for page slot: %w", err)
	}
	res, err := s.engine.Step(ctx, intsync.Request{
		ConversationID: p.ConversationID,
		FromMessageID:  p.FromMessageID,
		ToMessageID:    p.ToMessageID,
		Depth:          p.Depth,
	})
	if err != nil {
		return err
	}
	if p.Depth.Mode == archive.DepthFull {
		if err := s.detector.Observe(ctx, p.ConversationID, res.Fetched); err != nil {
			return err
		}
	}
	if !res.Exhausted {
		next := p
		next.FromMessageID = res.Next
		if _, err := s.enqueueMessages(ctx, next); err != nil {
			return fmt.Errorf("enqueue next page of conversation %d: %w", p.ConversationID, err)
		}
		return nil
	}
	return s.finish(ctx, p, log)
}

// finish closes an exhausted pass.
func (s *Scheduler) finish(ctx context.Context, p MessagesPayload, log *zap.Logger) error {
	var removed int
	if p.Depth.Mode == archive.DepthFull {
		gone, err := s.detector.Finish(ctx, p.ConversationID)
		if err != nil {
			return err
		}
		removed = len(gone)
		if err := s.store.MarkFullSync(ctx, p.ConversationID, s.now()); err != nil {
			return fmt.Errorf("mark full sync of conversation %d: %w", p.ConversationID, err)
		}
	}
	if p.Depth.Mode != archive.DepthWindow {
		c, err := s.store.GetConversation(ctx, p.ConversationID)
		if err != nil {
			return fmt.Errorf("load conversation %d: %w", p.ConversationID, err)
		}
		if err := s.store.AdvanceLocalHead(ctx, p.ConversationID, c.RemoteHeadID); err != nil {
			return fmt.Errorf("advance local head of conversation %d: %w", p.ConversationID, err)
		}
	}
	if err := s.registry.SetStatus(ctx, p.ConversationID, archive.Idle); err != nil {
		return err
	}
	log.Info("pass finished", zap.Stringer("depth", p.Depth), zap.Int("removed", removed))
	return nil
}

// abandonPass returns the conversation of a failed syncMessages job to idle
// so the next scan can pick it up again.
func (s *Scheduler) abandonPass(ctx context.Context, job *queue.Job, cause error) {
	var p MessagesPayload
	if err := job.Decode(&p); err != nil {
		return
	}
	log := s.logger.With(zap.String("job_id", job.ID), zap.Int64("conversation_id", p.ConversationID))

	c, err := s.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		if !isNotFound(err) {
			log.Error("failed to load conversation after job failure", zap.Error(err))
		}
		return
	}
	if c.PassID != p.Pass || c.Status == archive.Idle {
		return
	}
	if p.Depth.Mode == archive.DepthFull {
		if err := s.store.ClearMessageSnapshot(ctx, p.ConversationID); err != nil {
			log.Error("failed to clear message snapshot", zap.Error(err))
		}
	}
	if err := s.registry.SetStatus(ctx, p.ConversationID, archive.Idle); err != nil {
		log.Error("failed to release conversation", zap.Error(err))
		return
	}
	log.Warn("pass abandoned", zap.NamedError("cause", cause))
}

func isNotFound(err error) bool {
	return errors.Is(err, archive.ErrNotFound)
}
