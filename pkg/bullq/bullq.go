// Package bullq is the public entry point: a thin wrapper over
// internal/queue that gives callers a single import for building a
// queue, adding jobs, running a dispatch loop, and subscribing to
// lifecycle events.
package bullq

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygo/bullq/internal/codec"
	"github.com/relaygo/bullq/internal/events"
	"github.com/relaygo/bullq/internal/job"
	"github.com/relaygo/bullq/internal/logger"
	"github.com/relaygo/bullq/internal/queue"
)

// Re-exported so callers never need to import the internal packages
// directly.
type (
	// Job is a single dequeued or looked-up unit of work.
	Job[T any] = job.Job[T]
	// Options is the Add option bag (lifo, delay, timestamp).
	Options = job.Options
	// Handler processes one job; its return value rides the Completed
	// event, a non-nil error moves the job to failed. The supplied
	// ProgressReporter persists and broadcasts incremental progress.
	Handler[T any] = queue.Handler[T]
	// ProgressReporter reports a running handler's incremental progress.
	ProgressReporter = queue.ProgressReporter
	// RunOptions configures Run's concurrency model.
	RunOptions = queue.RunOptions
	// Codec converts a payload to and from the bytes stored in Redis.
	Codec[T any] = codec.Codec[T]
	// EventKind names one of the seven lifecycle event streams.
	EventKind = events.Kind
	// Event is a single lifecycle notification.
	Event = events.Event
)

// Event stream kinds, re-exported for On.
const (
	Completed = events.Completed
	Failed    = events.Failed
	Progress  = events.Progress
	Paused    = events.Paused
	Resumed   = events.Resumed
	Empty     = events.Empty
	NewJob    = events.NewJob
)

// JSON returns the default JSON codec for T.
func JSON[T any]() codec.Codec[T] { return codec.NewJSON[T]() }

// Queue is a single named bull-protocol-compatible queue, generic over
// its payload type T.
type Queue[T any] struct {
	inner *queue.Queue[T]
}

// Open connects to redisURL and returns a Queue named name, encoding
// payloads with c. Pass nil for c to use the JSON codec, and nil for
// log to use the package default logger.
func Open[T any](redisURL, name string, c codec.Codec[T], log logger.Logger) (*Queue[T], error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if c == nil {
		c = codec.NewJSON[T]()
	}
	return &Queue[T]{inner: queue.New[T](client, name, c, events.NewHub(), log)}, nil
}

// New wraps an existing *redis.Client instead of opening one from a URL.
func New[T any](client *redis.Client, name string, c codec.Codec[T], log logger.Logger) *Queue[T] {
	if c == nil {
		c = codec.NewJSON[T]()
	}
	return &Queue[T]{inner: queue.New[T](client, name, c, events.NewHub(), log)}
}

// Add enqueues data with opts (nil for defaults) and returns the
// persisted job.
func (q *Queue[T]) Add(ctx context.Context, data T, opts Options) (*Job[T], error) {
	return q.inner.Add(ctx, data, opts)
}

// Run starts the dispatch loop, recovering stalled jobs first, and
// blocks until ctx is cancelled, then returns ctx's error. Errors
// fetching a job are logged and the loop carries on.
func (q *Queue[T]) Run(ctx context.Context, handler Handler[T], opts RunOptions) error {
	return q.inner.Run(ctx, handler, opts)
}

// On subscribes fn to every event of the given kind.
func (q *Queue[T]) On(kind EventKind, fn func(Event)) {
	q.inner.Events().On(kind, fn)
}

// Pause moves waiting jobs out of circulation until Resume is called.
func (q *Queue[T]) Pause(ctx context.Context) error { return q.inner.Pause(ctx) }

// Resume reverses Pause.
func (q *Queue[T]) Resume(ctx context.Context) error { return q.inner.Resume(ctx) }

// Count returns the number of jobs ready or waiting to run.
func (q *Queue[T]) Count(ctx context.Context) (int64, error) { return q.inner.Count(ctx) }

// Empty drains wait, paused and delayed, deleting their job hashes.
func (q *Queue[T]) Empty(ctx context.Context) error { return q.inner.Empty(ctx) }

// GetJob loads a single job by id.
func (q *Queue[T]) GetJob(ctx context.Context, id string) (*Job[T], error) {
	return q.inner.GetJob(ctx, id)
}

// GetWaiting returns waiting job ids in enqueue order.
func (q *Queue[T]) GetWaiting(ctx context.Context) ([]string, error) { return q.inner.GetWaiting(ctx) }

// GetActive returns active job ids in enqueue order.
func (q *Queue[T]) GetActive(ctx context.Context) ([]string, error) { return q.inner.GetActive(ctx) }

// GetCompleted returns completed job ids.
func (q *Queue[T]) GetCompleted(ctx context.Context) ([]string, error) {
	return q.inner.GetCompleted(ctx)
}

// GetFailed returns failed job ids.
func (q *Queue[T]) GetFailed(ctx context.Context) ([]string, error) { return q.inner.GetFailed(ctx) }

// GetDelayed returns delayed job ids ordered by ascending run-at.
func (q *Queue[T]) GetDelayed(ctx context.Context) ([]string, error) { return q.inner.GetDelayed(ctx) }

// Retry re-enqueues a failed job.
func (q *Queue[T]) Retry(ctx context.Context, id string, lifo bool) error {
	return q.inner.Retry(ctx, id, lifo)
}

// Remove deletes a job's hash and evicts it from every container.
func (q *Queue[T]) Remove(ctx context.Context, id string) error { return q.inner.Remove(ctx, id) }

// DelayOpts builds an Options bag that schedules a job to become
// runnable after d elapses.
func DelayOpts(d time.Duration) Options {
	return Options{"delay": strconv.FormatInt(d.Milliseconds(), 10)}
}

// LifoOpts builds an Options bag that enqueues a job LIFO.
func LifoOpts() Options {
	return Options{"lifo": "true"}
}
