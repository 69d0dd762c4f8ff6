package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/thistory/internal/bus"
	"github.com/matheus3301/thistory/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type worker struct {
	queue   *Queue
	kind    string
	handler Handler
	opts    WorkerOptions
	limiter *rate.Limiter
	wakeCh  chan struct{}
	logger  *zap.Logger
}

func (w *worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.queue.poll)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ticker.C:
		case <-w.wakeCh:
		case <-ctx.Done():
			return
		}
	}
}

// drain runs due jobs until none is left or ctx is done.
func (w *worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		rec, err := w.queue.db.ClaimJob(ctx, w.kind, time.Now())
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("failed to claim job", zap.Error(err))
			}
			return
		}
		if rec == nil {
			return
		}
		if w.opts.HandlerPaced {
			w.run(ctx, rec)
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			// Shutting down before the job ran: hand it back untouched.
			if relErr := w.queue.db.ReleaseJob(context.Background(), rec.ID); relErr != nil {
				w.logger.Error("failed to release job", zap.Error(relErr), zap.String("job_id", rec.ID))
			}
			return
		}
		w.run(ctx, rec)
	}
}

func (w *worker) run(ctx context.Context, rec *store.Job) {
	job := &Job{
		ID:          rec.ID,
		Kind:        rec.Kind,
		Payload:     rec.Payload,
		Attempt:     rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
	}
	if w.opts.HandlerPaced {
		job.limiter = w.limiter
	}
	log := w.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	runCtx := ctx
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := w.call(runCtx, job)
	elapsed := time.Since(start)

	// Settle with a fresh context so shutdown does not strand the job as active.
	settleCtx := context.WithoutCancel(ctx)
	evt := JobEvent{ID: job.ID, Kind: job.Kind, Attempt: job.Attempt, Elapsed: elapsed}

	if err == nil {
		if rec.RepeatEvery > 0 {
			err = w.queue.db.RescheduleJob(settleCtx, job.ID, time.Now().Add(rec.RepeatEvery), "")
		} else {
			err = w.queue.db.CompleteJob(settleCtx, job.ID)
		}
		if err != nil {
			log.Error("failed to settle completed job", zap.Error(err))
		}
		log.Debug("job completed", zap.Duration("elapsed", elapsed))
		w.queue.bus.Emit(bus.JobCompleted, evt)
		return
	}

	evt.Err = err.Error()
	if !IsPermanent(err) && job.Attempt < job.MaxAttempts && ctx.Err() == nil {
		delay := w.backoff(job.Attempt)
		if serr := w.queue.db.RetryJob(settleCtx, job.ID, time.Now().Add(delay), err.Error()); serr != nil {
			log.Error("failed to schedule retry", zap.Error(serr))
		}
		log.Warn("job failed, will retry", zap.Error(err), zap.Duration("retry_in", delay))
		w.queue.bus.Emit(bus.JobRetried, evt)
		return
	}
	if ctx.Err() != nil && !IsPermanent(err) {
		// Interrupted by shutdown: leave it for the next process.
		if serr := w.queue.db.RetryJob(settleCtx, job.ID, time.Now(), err.Error()); serr != nil {
			log.Error("failed to requeue interrupted job", zap.Error(serr))
		}
		return
	}

	if rec.RepeatEvery > 0 {
		err2 := w.queue.db.RescheduleJob(settleCtx, job.ID, time.Now().Add(rec.RepeatEvery), err.Error())
		if err2 != nil {
			log.Error("failed to reschedule repeating job", zap.Error(err2))
		}
	} else if serr := w.queue.db.FailJob(settleCtx, job.ID, err.Error()); serr != nil {
		log.Error("failed to mark job failed", zap.Error(serr))
	}
	log.Error("job failed", zap.Error(err), zap.Bool("permanent", IsPermanent(err)))
	w.queue.bus.Emit(bus.JobFailed, evt)
	if w.opts.OnFailure != nil {
		w.opts.OnFailure(settleCtx, job, err)
	}
}

func (w *worker) call(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return w.handler(ctx, job)
}

func (w *worker) backoff(attempt int) time.Duration {
	d := w.opts.Backoff
	for i := 1; i < attempt && d < w.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, w.opts.MaxBackoff)
}
