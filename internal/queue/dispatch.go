package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	internalerrors "github.com/relaygo/bullq/internal/errors"
	"github.com/relaygo/bullq/internal/events"
	"github.com/relaygo/bullq/internal/job"
	"github.com/relaygo/bullq/internal/lock"
	"github.com/relaygo/bullq/internal/metrics"
)

// RunOptions configures a dispatch loop invocation of Run.
type RunOptions struct {
	// ForceSequentialProcessing awaits each job's handler before
	// fetching the next, keeping one job in flight per loop. When
	// false, each job runs on its own goroutine and the loop proceeds
	// immediately to fetch another.
	ForceSequentialProcessing bool
}

// Run recovers stalled jobs left in active by a dead consumer, then
// repeatedly fetches and runs jobs from wait until ctx is cancelled.
func (q *Queue[T]) Run(ctx context.Context, handler Handler[T], opts RunOptions) error {
	q.delay.Start(ctx)
	q.paused.Start(ctx)

	if err := q.recoverStalled(ctx, handler); err != nil {
		q.log.Error("stalled-job recovery failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		j, err := q.getNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("get next job failed", "error", err)
			continue
		}
		if j == nil {
			continue
		}

		metrics.Default().RecordDispatched(q.name)
		q.recordDepths(ctx)

		if opts.ForceSequentialProcessing {
			q.runOne(ctx, j, handler)
		} else {
			go q.runOne(ctx, j, handler)
		}
	}
}

// getNextJob atomically moves a job from wait to active. If wait is
// empty it emits Empty and awaits a jobs-channel message with a hard
// 1000ms timeout (which doubles as a poll fallback), then retries.
func (q *Queue[T]) getNextJob(ctx context.Context) (*job.Job[T], error) {
	for {
		id, err := q.client.RPopLPush(ctx, q.names.WaitKey(), q.names.ActiveKey()).Result()
		if err == nil {
			return q.record.FromID(ctx, id)
		}
		if err != redis.Nil {
			return nil, fmt.Errorf("queue: pop wait: %w", err)
		}

		q.events.Emit(events.Event{Kind: events.Empty})
		if err := q.awaitJobsChannel(ctx); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (q *Queue[T]) awaitJobsChannel(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, newJobWaitTimeout)
	defer cancel()

	sub := q.client.Subscribe(waitCtx, q.names.JobsChannel())
	defer sub.Close()

	select {
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	case <-sub.Channel():
		return nil
	}
}

// runOne executes a single dispatched job: a delayed job is deferred
// to the delayed set without invoking the handler; otherwise the
// handler runs under a lock renewer and the outcome settles the job.
func (q *Queue[T]) runOne(ctx context.Context, j *job.Job[T], handler Handler[T]) {
	if j.Delay > 0 {
		at := j.Timestamp.Add(j.Delay)
		if err := q.record.MoveToDelayed(ctx, j.ID, at); err != nil {
			q.log.Error("move to delayed failed", "job_id", j.ID, "error", err)
		}
		return
	}

	token := uuid.NewString()
	if _, err := q.record.TakeLock(ctx, j.ID, token, false); err != nil {
		q.log.Error("take lock failed", "job_id", j.ID, "error", err)
	}
	q.runLocked(ctx, j, handler, token)
}

// invoke calls handler, converting a handler panic into an error the
// same way a returned error would be handled — the dispatch loop's
// only catch-and-continue boundary.
func (q *Queue[T]) invoke(ctx context.Context, j *job.Job[T], handler Handler[T]) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &internalerrors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
			q.log.Error("handler panicked", "job_id", j.ID, "panic", perr)
			err = perr
		}
	}()
	return handler(ctx, j, q.reportProgress(j.ID))
}

// reportProgress returns a ProgressReporter bound to jobID.
func (q *Queue[T]) reportProgress(jobID string) ProgressReporter {
	return func(ctx context.Context, n int) error {
		if err := q.record.Progress(ctx, jobID, n); err != nil {
			return fmt.Errorf("queue: report progress for %s: %w", jobID, err)
		}
		q.events.Emit(events.Event{Kind: events.Progress, JobID: jobID, ProgressN: n})
		return nil
	}
}

// recoverStalled adopts jobs left in active by a dead consumer: the
// consumer died before settlement, its lock expired, and the job-id
// slot is free for a fresh lock.
func (q *Queue[T]) recoverStalled(ctx context.Context, handler Handler[T]) error {
	ids, err := q.client.LRange(ctx, q.names.ActiveKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: read active: %w", err)
	}

	completed, err := q.client.SMembers(ctx, q.names.CompletedKey()).Result()
	if err != nil {
		return fmt.Errorf("queue: read completed: %w", err)
	}
	isCompleted := make(map[string]bool, len(completed))
	for _, id := range completed {
		isCompleted[id] = true
	}

	for _, id := range ids {
		if isCompleted[id] {
			continue
		}
		token := uuid.NewString()
		ok, err := q.record.TakeLock(ctx, id, token, false)
		if err != nil {
			q.log.Error("stalled recovery: take lock failed", "job_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}

		j, err := q.record.FromID(ctx, id)
		if err != nil {
			q.log.Error("stalled recovery: load job failed", "job_id", id, "error", err)
			continue
		}

		metrics.Default().RecordStalledRecovered(q.name)
		q.runLocked(ctx, j, handler, token)
	}
	return nil
}

// runLocked runs handler against j under a lock already held by
// token, renewing it for the duration and settling the outcome.
func (q *Queue[T]) runLocked(ctx context.Context, j *job.Job[T], handler Handler[T], token string) {
	renewer := lock.Start(ctx, q.record, j.ID, token, func(err error) {
		q.log.Warn("lock renewal failed", "job_id", j.ID, "error", err)
	})

	start := time.Now()
	result, err := q.invoke(ctx, j, handler)
	renewer.Stop()
	duration := time.Since(start)

	if err != nil {
		if moveErr := q.record.MoveToFailed(ctx, j.ID, err); moveErr != nil {
			q.log.Error("move to failed failed", "job_id", j.ID, "error", moveErr)
		}
		if _, relErr := q.record.ReleaseLock(ctx, j.ID, token); relErr != nil {
			q.log.Error("release lock failed", "job_id", j.ID, "error", relErr)
		}
		metrics.Default().RecordFailed(q.name, duration)
		q.events.Emit(events.Event{Kind: events.Failed, JobID: j.ID, Err: err})
		return
	}

	if moveErr := q.record.MoveToCompleted(ctx, j.ID); moveErr != nil {
		q.log.Error("move to completed failed", "job_id", j.ID, "error", moveErr)
	}
	if _, relErr := q.record.ReleaseLock(ctx, j.ID, token); relErr != nil {
		q.log.Error("release lock failed", "job_id", j.ID, "error", relErr)
	}
	metrics.Default().RecordCompleted(q.name, duration)
	q.events.Emit(events.Event{Kind: events.Completed, JobID: j.ID, Result: result})
}
