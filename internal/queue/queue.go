// Package queue implements the queue façade, the dispatch loop, the
// stalled-job recovery pass, and the shared delay timer — the
// coordination protocol described by the job record and script
// library it's built on.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygo/bullq/internal/codec"
	"github.com/relaygo/bullq/internal/events"
	"github.com/relaygo/bullq/internal/job"
	"github.com/relaygo/bullq/internal/keys"
	"github.com/relaygo/bullq/internal/logger"
	"github.com/relaygo/bullq/internal/metrics"
	"github.com/relaygo/bullq/internal/scripts"
)

// newJobWaitTimeout is the hard timeout for the dispatch loop's await
// on the jobs channel; it doubles as a periodic poll against missed
// notifications. Not configurable, per the wire contract.
const newJobWaitTimeout = 1000 * time.Millisecond

// Handler processes a single job's payload. Its return value, if any,
// is carried on the Completed event; a non-nil error moves the job to
// failed and is persisted as its stacktrace. progress lets the handler
// report incremental completion, persisting it on the job hash and
// emitting a Progress event.
type Handler[T any] func(ctx context.Context, j *job.Job[T], progress ProgressReporter) (interface{}, error)

// ProgressReporter persists n as jobID's progress and emits a Progress
// event. It is bound to the job a running handler was invoked for.
type ProgressReporter func(ctx context.Context, n int) error

// Queue is the public façade over a single named bull-compatible
// queue, parametric over the payload type T.
type Queue[T any] struct {
	client *redis.Client
	name   string
	names  *keys.Namer
	record *job.Record[T]
	events *events.Hub
	log    logger.Logger

	delay  *delayTimer[T]
	paused *pausedListener[T]
}

// New builds a Queue bound to client under the given name, encoding
// payloads with c and publishing lifecycle events on hub.
func New[T any](client *redis.Client, name string, c codec.Codec[T], hub *events.Hub, log logger.Logger) *Queue[T] {
	if hub == nil {
		hub = events.NewHub()
	}
	if log == nil {
		log = logger.Default()
	}
	names := keys.NewNamer(name)
	q := &Queue[T]{
		client: client,
		name:   name,
		names:  names,
		record: job.NewRecord[T](client, names, c),
		events: hub,
		log:    log.WithComponent("queue"),
	}
	q.delay = newDelayTimer(q)
	q.paused = newPausedListener(q)
	return q
}

// Events returns the queue's event hub, for subscribing observers.
func (q *Queue[T]) Events() *events.Hub { return q.events }

// Add allocates a monotonic id, persists the job hash, and enrolls it
// onto wait (or delayed, if opts carries a delay), then publishes a
// wakeup and emits NewJob. For a job enrolled on wait it fails loudly
// if nothing was subscribed to the jobs channel to receive the wakeup
// — there is no one to wake workers; the job has already been stored
// and enrolled by then. A delayed job's publish is not checked.
func (q *Queue[T]) Add(ctx context.Context, data T, opts job.Options) (*job.Job[T], error) {
	if opts == nil {
		opts = job.Options{}
	}

	timestamp := time.Now()
	if raw, ok := opts["timestamp"]; ok {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil {
			timestamp = time.UnixMilli(int64(ms))
		}
	}

	var delay time.Duration
	if raw, ok := opts["delay"]; ok {
		if ms, err := strconv.ParseFloat(raw, 64); err == nil && ms > 0 {
			delay = time.Duration(ms) * time.Millisecond
		}
	}

	id, err := q.client.Incr(ctx, q.names.IDKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: allocate id: %w", err)
	}
	jobID := strconv.FormatInt(id, 10)

	var publishCmd *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := q.record.Create(ctx, jobID, data, opts, timestamp, delay, pipe); err != nil {
			return err
		}
		if delay > 0 {
			score := float64(timestamp.Add(delay).UnixMilli())
			pipe.ZAdd(ctx, q.names.DelayedKey(), redis.Z{Score: score, Member: jobID})
			publishCmd = pipe.Publish(ctx, q.names.DelayedChannel(), int64(score))
		} else if opts.Lifo() {
			pipe.RPush(ctx, q.names.WaitKey(), jobID)
			publishCmd = pipe.Publish(ctx, q.names.JobsChannel(), jobID)
		} else {
			pipe.LPush(ctx, q.names.WaitKey(), jobID)
			publishCmd = pipe.Publish(ctx, q.names.JobsChannel(), jobID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: add job %s: %w", jobID, err)
	}

	if delay == 0 {
		if receivers, _ := publishCmd.Result(); receivers < 1 {
			q.log.Warn("add published with no subscribers", "job_id", jobID)
			return nil, fmt.Errorf("queue: add job %s: no subscriber acknowledged the wakeup", jobID)
		}
	}

	q.events.Emit(events.Event{Kind: events.NewJob, JobID: jobID})

	return q.record.FromID(ctx, jobID)
}

// Pause moves wait's contents to paused and broadcasts the mode change.
func (q *Queue[T]) Pause(ctx context.Context) error {
	return q.setPaused(ctx, true)
}

// Resume moves paused's contents back to wait and broadcasts the mode change.
func (q *Queue[T]) Resume(ctx context.Context) error {
	return q.setPaused(ctx, false)
}

func (q *Queue[T]) setPaused(ctx context.Context, pausing bool) error {
	var source, dest, mode, pausingArg string
	if pausing {
		source, dest, mode, pausingArg = q.names.WaitKey(), q.names.PausedKey(), "paused", "1"
	} else {
		source, dest, mode, pausingArg = q.names.PausedKey(), q.names.WaitKey(), "resumed", "0"
	}

	lastJobID, _ := q.client.LIndex(ctx, source, 0).Result()

	_, err := scripts.PauseResume.Run(ctx, q.client, []string{
		source, dest, q.names.MetaPausedKey(), q.names.PausedChannel(), q.names.JobsChannel(),
	}, mode, pausingArg, lastJobID).Result()
	if err != nil {
		return fmt.Errorf("queue: %s: %w", mode, err)
	}

	// The broadcast on PausedChannel is what turns into a local
	// Paused/Resumed event, via pausedListener — including in this
	// same process, if its Run loop is active.
	return nil
}

// Count returns the number of jobs ready or waiting to run: the
// larger of wait/paused's length (they are mutually empty) plus the
// delayed set's cardinality.
func (q *Queue[T]) Count(ctx context.Context) (int64, error) {
	waitLen, err := q.client.LLen(ctx, q.names.WaitKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: count wait: %w", err)
	}
	pausedLen, err := q.client.LLen(ctx, q.names.PausedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: count paused: %w", err)
	}
	delayedLen, err := q.client.ZCard(ctx, q.names.DelayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: count delayed: %w", err)
	}

	ready := waitLen
	if pausedLen > ready {
		ready = pausedLen
	}
	return ready + delayedLen, nil
}

// Empty deletes wait, paused, meta-paused, delayed, and every job
// hash referenced from the drained lists. Terminal sets are untouched.
func (q *Queue[T]) Empty(ctx context.Context) error {
	waitIDs, err := q.client.LRange(ctx, q.names.WaitKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: empty: read wait: %w", err)
	}
	pausedIDs, err := q.client.LRange(ctx, q.names.PausedKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: empty: read paused: %w", err)
	}
	delayedIDs, err := q.client.ZRange(ctx, q.names.DelayedKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: empty: read delayed: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Del(ctx, q.names.WaitKey(), q.names.PausedKey(), q.names.MetaPausedKey(), q.names.DelayedKey())
	for _, ids := range [][]string{waitIDs, pausedIDs, delayedIDs} {
		for _, id := range ids {
			pipe.Del(ctx, q.names.JobKey(id))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: empty: %w", err)
	}
	return nil
}

// GetJob loads a single job by id.
func (q *Queue[T]) GetJob(ctx context.Context, id string) (*job.Job[T], error) {
	return q.record.FromID(ctx, id)
}

// GetWaiting returns waiting job ids in enqueue order (ascending by
// id, which is monotonic per queue regardless of fifo/lifo push side).
func (q *Queue[T]) GetWaiting(ctx context.Context) ([]string, error) {
	return q.listAscending(ctx, q.names.WaitKey())
}

// GetActive returns active job ids in enqueue order.
func (q *Queue[T]) GetActive(ctx context.Context) ([]string, error) {
	return q.listAscending(ctx, q.names.ActiveKey())
}

// GetCompleted returns completed job ids. Unordered, per the wire contract.
func (q *Queue[T]) GetCompleted(ctx context.Context) ([]string, error) {
	return q.client.SMembers(ctx, q.names.CompletedKey()).Result()
}

// GetFailed returns failed job ids. Unordered, per the wire contract.
func (q *Queue[T]) GetFailed(ctx context.Context) ([]string, error) {
	return q.client.SMembers(ctx, q.names.FailedKey()).Result()
}

// GetDelayed returns delayed job ids ordered by ascending run-at score.
func (q *Queue[T]) GetDelayed(ctx context.Context) ([]string, error) {
	return q.client.ZRange(ctx, q.names.DelayedKey(), 0, -1).Result()
}

func (q *Queue[T]) listAscending(ctx context.Context, key string) ([]string, error) {
	raw, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read %s: %w", key, err)
	}
	sort.Slice(raw, func(i, j int) bool {
		a, _ := strconv.ParseInt(raw[i], 10, 64)
		b, _ := strconv.ParseInt(raw[j], 10, 64)
		return a < b
	})
	return raw, nil
}

// Retry evicts id from failed and re-enqueues it on wait.
func (q *Queue[T]) Retry(ctx context.Context, id string, lifo bool) error {
	if err := q.record.Retry(ctx, id, lifo); err != nil {
		return err
	}
	q.events.Emit(events.Event{Kind: events.NewJob, JobID: id})
	return nil
}

// Remove deletes id's hash and evicts it from every container.
func (q *Queue[T]) Remove(ctx context.Context, id string) error {
	return q.record.Remove(ctx, id)
}

// recordDepths is a best-effort metrics refresh, called opportunistically
// from the dispatch loop rather than on a dedicated timer.
func (q *Queue[T]) recordDepths(ctx context.Context) {
	lists := map[string]string{
		"wait":   q.names.WaitKey(),
		"active": q.names.ActiveKey(),
	}
	for kind, key := range lists {
		if n, err := q.client.LLen(ctx, key).Result(); err == nil {
			metrics.Default().RecordContainerDepth(q.name, kind, n)
		}
	}
	if n, err := q.client.ZCard(ctx, q.names.DelayedKey()).Result(); err == nil {
		metrics.Default().RecordContainerDepth(q.name, "delayed", n)
	}
}
