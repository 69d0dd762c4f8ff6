// Package queue runs jobs stored in the archive database. Jobs are claimed
// atomically, so each delivery goes to exactly one worker; a job is retried
// with backoff until it succeeds, fails permanently or runs out of attempts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/thistory/internal/bus"
	"github.com/matheus3301/thistory/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 5
	defaultBackoff      = time.Second
	defaultMaxBackoff   = 5 * time.Minute
)

// Job is a claimed job handed to a handler.
type Job struct {
	ID          string
	Kind        string
	Payload     []byte
	Attempt     int
	MaxAttempts int

	limiter *rate.Limiter
}

// Wait blocks until the kind's rate limit admits one unit of work. It is a
// no-op unless the kind is registered with HandlerPaced.
func (j *Job) Wait(ctx context.Context) error {
	if j.limiter == nil {
		return nil
	}
	return j.limiter.Wait(ctx)
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Kind, err))
	}
	return nil
}

// Handler processes one job. A returned error is retried unless it is
// permanent.
type Handler func(ctx context.Context, job *Job) error

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// Delay postpones the first run.
	Delay time.Duration
	// RepeatEvery makes the job run again this long after every run.
	RepeatEvery time.Duration
	// Key de-duplicates: while a job with the same key exists the enqueue is
	// a no-op returning the existing job id.
	Key         string
	MaxAttempts int
}

// WorkerOptions configures the workers of one job kind.
type WorkerOptions struct {
	Concurrency int
	// Limit is the number of jobs started per second; zero means unlimited.
	Limit rate.Limit
	Burst int
	// HandlerPaced moves the limiter from job start into the handler, which
	// calls Job.Wait before the work the limit protects.
	HandlerPaced bool
	// Backoff is the first retry delay; it doubles per attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
	// OnFailure runs after a job fails for good.
	OnFailure func(ctx context.Context, job *Job, err error)
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	ID      string
	Kind    string
	Attempt int
	Err     string
	Elapsed time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollInterval sets how often idle workers look for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.poll = d }
}

// Queue dispatches stored jobs to registered handlers.
type Queue struct {
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	poll    time.Duration
	mu      gosync.Mutex
	workers map[string]*worker
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// New creates a queue over db. b may be nil.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		db:      db,
		bus:     b,
		logger:  logger,
		poll:    defaultPollInterval,
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores a job of kind with payload encoded as JSON.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, opts EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	id, inserted, err := q.db.InsertJob(ctx, &store.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Key:         opts.Key,
		Payload:     data,
		MaxAttempts: opts.MaxAttempts,
		RepeatEvery: opts.RepeatEvery,
		RunAt:       time.Now().Add(opts.Delay),
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	if !inserted {
		q.logger.Debug("job already queued", zap.String("kind", kind), zap.String("job_id", id), zap.String("key", opts.Key))
		return id, nil
	}
	q.wake(kind)
	return id, nil
}

// Register installs the handler of kind. It must be called before Start.
func (q *Queue) Register(kind string, h Handler, opts WorkerOptions) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[kind] = &worker{
		queue:   q,
		kind:    kind,
		handler: h,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		wakeCh:  make(chan struct{}, 1),
		logger:  q.logger.With(zap.String("kind", kind)),
	}
}

// Recover returns jobs left active by a previous process to waiting.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.db.RequeueActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue active jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued interrupted jobs", zap.Int64("count", n))
	}
	return n, nil
}

// Purge drops every waiting job of kind.
func (q *Queue) Purge(ctx context.Context, kind string) (int64, error) {
	n, err := q.db.DeleteWaitingJobs(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("purge %s jobs: %w", kind, err)
	}
	if n > 0 {
		q.logger.Info("purged waiting jobs", zap.String("kind", kind), zap.Int64("count", n))
	}
	return n, nil
}

// Start launches the workers of every registered kind.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.workers {
		for range w.opts.Concurrency {
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				w.loop(ctx)
			}()
		}
	}
}

// Stop cancels the workers and waits for running handlers to return.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) wake(kind string) {
	q.mu.Lock()
	w := q.workers[kind]
	q.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}
