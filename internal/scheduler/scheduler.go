// Package scheduler drives archiving through the job queue. A recurring
// syncConversationList job discovers conversations and queues one pass per
// idle conversation; each pass is a chain of syncMessages jobs, one page per
// job, re-enqueued until the engine reports the pass exhausted.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/queue"
	"github.com/matheus3301/thistory/internal/registry"
	"github.com/matheus3301/thistory/internal/remote"
	intsync "github.com/matheus3301/thistory/internal/sync"
	"github.com/matheus3301/thistory/internal/tombstone"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Job kinds.
const (
	KindSyncConversationList = "syncConversationList"
	KindSyncMessages         = "syncMessages"
)

// Config tunes scheduling.
type Config struct {
	// ListInterval is the repeat interval of the conversation list job.
	ListInterval time.Duration
	// FullResyncInterval is how old the last full pass may get before the
	// next pass of a conversation is a full one again.
	FullResyncInterval time.Duration
	// EligibleTypes lists the conversation types whose messages are synced.
	// Empty means every type.
	EligibleTypes []string
	// ListDelay is the minimum delay between two conversation list jobs.
	ListDelay time.Duration
	// MessageDelay is the minimum delay between two message page fetches.
	MessageDelay       time.Duration
	MessageConcurrency int
	MaxAttempts        int
	JobTimeout         time.Duration
}

// DefaultConfig returns the scheduling defaults.
func DefaultConfig() Config {
	return Config{
		ListInterval:       15 * time.Minute,
		FullResyncInterval: 7 * 24 * time.Hour,
		EligibleTypes:      []string{"chatTypePrivate", "chatTypeBasicGroup", "chatTypeSupergroup"},
		ListDelay:          time.Second,
		MessageDelay:       1200 * time.Millisecond,
		MessageConcurrency: 4,
		MaxAttempts:        5,
		JobTimeout:         2 * time.Minute,
	}
}

// MessagesPayload is the payload of a syncMessages job.
type MessagesPayload struct {
	ConversationID int64         `json:"conversationId"`
	FromMessageID  int64         `json:"fromMessageId"`
	ToMessageID    int64         `json:"toMessageId,omitempty"`
	Depth          archive.Depth `json:"depth"`
	Pass           string        `json:"pass"`
}

// Scheduler registers the job handlers and owns startup recovery.
type Scheduler struct {
	cfg      Config
	queue    *queue.Queue
	registry *registry.Registry
	engine   *intsync.Engine
	detector *tombstone.Detector
	remote   remote.API
	store    archive.Store
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a scheduler and registers its handlers on q.
func New(cfg Config, q *queue.Queue, reg *registry.Registry, engine *intsync.Engine, detector *tombstone.Detector,
	api remote.API, store archive.Store, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		engine:   engine,
		detector: detector,
		remote:   api,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}

	q.Register(KindSyncConversationList, s.syncConversationList, queue.WorkerOptions{
		Concurrency: 1,
		Limit:       every(cfg.ListDelay),
		Burst:       1,
		Timeout:     cfg.JobTimeout,
	})
	// Only page fetches spend message tokens; stale and up-to-date jobs do not.
	q.Register(KindSyncMessages, s.syncMessages, queue.WorkerOptions{
		Concurrency:  cfg.MessageConcurrency,
		Limit:        every(cfg.MessageDelay),
		Burst:        1,
		HandlerPaced: true,
		Timeout:      cfg.JobTimeout,
		OnFailure:    s.abandonPass,
	})
	return s
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Recover resets state left by a previous process. Conversations go back to
// idle first, then interrupted jobs are requeued and pending message jobs,
// which belong to the reset passes, are dropped.
func (s *Scheduler) Recover(ctx context.Context) error {
	if _, err := s.registry.Recover(ctx); err != nil {
		return err
	}
	if _, err := s.queue.Recover(ctx); err != nil {
		return err
	}
	if _, err := s.queue.Purge(ctx, KindSyncMessages); err != nil {
		return err
	}
	return nil
}

// Start recovers, starts the workers and schedules the recurring list job.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	s.queue.Start(ctx)
	id, err := s.queue.Enqueue(ctx, KindSyncConversationList, struct{}{}, queue.EnqueueOptions{
		RepeatEvery: s.cfg.ListInterval,
		Key:         KindSyncConversationList,
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		s.queue.Stop()
		return fmt.Errorf("schedule conversation list: %w", err)
	}
	s.logger.Info("scheduler started",
		zap.String("list_job_id", id), zap.Duration("list_interval", s.cfg.ListInterval))
	return nil
}

// Stop stops the workers.
func (s *Scheduler) Stop() {
	s.queue.Stop()
}

// Scan enqueues a one-off conversation list job.
func (s *Scheduler) Scan(ctx context.Context) (string, error) {
	return s.queue.Enqueue(ctx, KindSyncConversationList, struct{}{}, queue.EnqueueOptions{MaxAttempts: s.cfg.MaxAttempts})
}

// SyncConversation queues a pass over one conversation. A nil depth picks
// full or sync from the conversation's state. It returns false when the
// conversation is busy.
func (s *Scheduler) SyncConversation(ctx context.Context, id int64, depth *archive.Depth) (bool, error) {
	pass, queued, err := s.registry.Queue(ctx, id)
	if err != nil || !queued {
		return false, err
	}

	p := MessagesPayload{ConversationID: id, Pass: pass, Depth: archive.Full}
	c, err := s.store.GetConversation(ctx, id)
	switch {
	case err == nil:
		p.Depth, p.ToMessageID = s.depthFor(c)
	case !isNotFound(err):
		return false, fmt.Errorf("load conversation %d: %w", id, err)
	}
	if depth != nil {
		p.Depth = *depth
	}

	if _, err := s.enqueueMessages(ctx, p); err != nil {
		if err2 := s.registry.SetStatus(ctx, id, archive.Idle); err2 != nil && !isNotFound(err2) {
			s.logger.Error("failed to release conversation", zap.Int64("conversation_id", id), zap.Error(err2))
		}
		return false, err
	}
	return true, nil
}

// depthFor picks the depth of the next pass over c.
func (s *Scheduler) depthFor(c *archive.Conversation) (archive.Depth, int64) {
	if c.FullSyncAt.IsZero() || s.now().Sub(c.FullSyncAt) > s.cfg.FullResyncInterval {
		return archive.Full, 0
	}
	return archive.Sync, c.LocalHeadID
}

func (s *Scheduler) eligible(typ string) bool {
	return len(s.cfg.EligibleTypes) == 0 || slices.Contains(s.cfg.EligibleTypes, typ)
}

func (s *Scheduler) enqueueMessages(ctx context.Context, p MessagesPayload) (string, error) {
	return s.queue.Enqueue(ctx, KindSyncMessages, p, queue.EnqueueOptions{
		Key:         fmt.Sprintf("%d:%s:%d", p.ConversationID, p.Pass, p.FromMessageID),
		MaxAttempts: s.cfg.MaxAttempts,
	})
}
