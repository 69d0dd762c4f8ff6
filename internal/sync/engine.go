package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/bus"
	"github.com/matheus3301/thistory/internal/history"
	"github.com/matheus3301/thistory/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent message writes within one page.
const DefaultParallelism = 8

// Request is one pagination step over a conversation's history.
type Request struct {
	ConversationID int64
	// FromMessageID anchors the page; 0 starts at the newest message.
	FromMessageID int64
	// ToMessageID is the newest id already stored, used by sync depth.
	ToMessageID int64
	Depth       archive.Depth
}

// StepResult reports what a step fetched and stored.
type StepResult struct {
	// Fetched holds the ids of every message on the page, holes excluded.
	Fetched   []int64
	Inserted  int
	Updated   int
	Unchanged int
	// Exhausted means the pass reached its stop condition.
	Exhausted bool
	// Next is the anchor of the following step when not exhausted.
	Next int64
}

// PageStored is the payload of sync.page_stored events.
type PageStored struct {
	ConversationID int64
	Depth          string
	Inserted       int
	Updated        int
	Unchanged      int
	Exhausted      bool
}

// Engine fetches history pages and records them through the history tracker.
// It holds no per-conversation state: a pass is a chain of Step calls, each
// continuing from the cursor returned by the previous one.
type Engine struct {
	remote      remote.API
	writer      *history.MessageWriter
	bus         *bus.Bus
	logger      *zap.Logger
	pageSize    int
	parallelism int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize overrides remote.PageSize.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// WithParallelism bounds concurrent writes within a page.
func WithParallelism(n int) Option {
	return func(e *Engine) { e.parallelism = n }
}

// WithClock overrides the time source of window depth.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new sync engine. b may be nil.
func NewEngine(api remote.API, writer *history.MessageWriter, b *bus.Bus, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		remote:      api,
		writer:      writer,
		bus:         b,
		logger:      logger,
		pageSize:    remote.PageSize,
		parallelism: DefaultParallelism,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Step fetches one page anchored at req.FromMessageID, keeps the messages the
// depth policy admits and stores them. The pass is exhausted when the page is
// empty, when the policy filtered out at least one message, or when the page
// did not move past its anchor.
func (e *Engine) Step(ctx context.Context, req Request) (*StepResult, error) {
	log := e.logger.With(
		zap.Int64("conversation_id", req.ConversationID),
		zap.Int64("from_message_id", req.FromMessageID),
		zap.Stringer("depth", req.Depth))

	page, err := e.remote.FetchMessagePage(ctx, req.ConversationID, req.FromMessageID, e.pageSize, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch page of conversation %d from %d: %w", req.ConversationID, req.FromMessageID, err)
	}

	msgs := make([]*remote.MessageSnapshot, 0, len(page))
	for _, m := range page {
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	res := &StepResult{}
	if len(page) == 0 {
		res.Exhausted = true
		e.publish(req, res)
		log.Debug("empty page, pass exhausted")
		return res, nil
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("conversation %d: page from %d has only holes", req.ConversationID, req.FromMessageID)
	}
	if holes := len(page) - len(msgs); holes > 0 {
		log.Debug("skipping holes in page", zap.Int("holes", holes))
	}

	keep := e.admit(req, msgs)
	if len(keep) < len(msgs) {
		res.Exhausted = true
	}

	oldest := msgs[0].ID
	for _, m := range msgs {
		res.Fetched = append(res.Fetched, m.ID)
		oldest = min(oldest, m.ID)
	}
	if req.FromMessageID != 0 && oldest >= req.FromMessageID {
		res.Exhausted = true
	}
	if !res.Exhausted {
		res.Next = oldest
	}

	if err := e.store(ctx, req, keep, res); err != nil {
		return nil, err
	}
	e.publish(req, res)
	log.Debug("page stored",
		zap.Int("fetched", len(msgs)),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Bool("exhausted", res.Exhausted))
	return res, nil
}

// admit applies the depth policy.
func (e *Engine) admit(req Request, msgs []*remote.MessageSnapshot) []*remote.MessageSnapshot {
	switch req.Depth.Mode {
	case archive.DepthSync:
		keep := make([]*remote.MessageSnapshot, 0, len(msgs))
		for _, m := range msgs {
			if m.ID > req.ToMessageID {
				keep = append(keep, m)
			}
		}
		return keep
	case archive.DepthWindow:
		since := e.now().Add(-req.Depth.Window)
		keep := make([]*remote.MessageSnapshot, 0, len(msgs))
		for _, m := range msgs {
			if !m.Date.Before(since) {
				keep = append(keep, m)
			}
		}
		return keep
	default:
		return msgs
	}
}

// store writes msgs concurrently. In sync depth only messages newer than the
// local head are admitted, so an actual content change means the head or the
// remote ordering is wrong. Full and window passes revisit stored messages and
// record edits in their history.
func (e *Engine) store(ctx context.Context, req Request, msgs []*remote.MessageSnapshot, res *StepResult) error {
	var mu gosync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	for _, m := range msgs {
		g.Go(func() error {
			result, err := e.writer.Write(ctx, history.IncomingMessage{
				ConversationID: req.ConversationID,
				MessageID:      m.ID,
				Date:           m.Date,
				Raw:            m.Raw,
			})
			if err != nil {
				return err
			}
			if result == archive.Updated && req.Depth.Mode == archive.DepthSync {
				return &archive.InvariantError{
					ConversationID: req.ConversationID,
					MessageID:      m.ID,
					Reason:         fmt.Sprintf("message newer than local head %d was already stored with different content", req.ToMessageID),
				}
			}

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case archive.Inserted:
				res.Inserted++
			case archive.Updated:
				res.Updated++
			default:
				res.Unchanged++
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) publish(req Request, res *StepResult) {
	e.bus.Emit(bus.SyncPageStored, PageStored{
		ConversationID: req.ConversationID,
		Depth:          req.Depth.String(),
		Inserted:       res.Inserted,
		Updated:        res.Updated,
		Unchanged:      res.Unchanged,
		Exhausted:      res.Exhausted,
	})
}
