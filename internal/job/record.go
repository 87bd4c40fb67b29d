package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygo/bullq/internal/codec"
	"github.com/relaygo/bullq/internal/keys"
	"github.com/relaygo/bullq/internal/scripts"
)

// Record performs every per-job Redis operation for jobs carrying a
// payload of type T. It holds no per-job state itself — jobID is
// passed to each method — so a single Record serves every job in a
// queue.
type Record[T any] struct {
	client *redis.Client
	names  *keys.Namer
	codec  codec.Codec[T]
}

// NewRecord builds a Record bound to client, names and codec.
func NewRecord[T any](client *redis.Client, names *keys.Namer, c codec.Codec[T]) *Record[T] {
	return &Record[T]{client: client, names: names, codec: c}
}

// Create serializes data and opts and writes the job hash. It does
// not enroll the id into any container; callers enroll separately so
// the enrollment and the hash write can share one pipeline. The
// id-counter increment is not part of that pipeline: Queue.Add
// allocates the id with its own INCR beforehand.
func (r *Record[T]) Create(ctx context.Context, jobID string, data T, opts Options, timestamp time.Time, delay time.Duration, pipe redis.Pipeliner) error {
	encoded, err := r.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("job: encode data: %w", err)
	}
	if opts == nil {
		opts = Options{}
	}
	encodedOpts, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("job: encode opts: %w", err)
	}

	fields := map[string]interface{}{
		"data":      encoded,
		"opts":      encodedOpts,
		"progress":  0,
		"timestamp": timestamp.UnixMilli(),
	}
	if delay > 0 {
		fields["delay"] = delay.Milliseconds()
	}

	pipe.HSet(ctx, r.names.JobKey(jobID), fields)
	return nil
}

// FromID loads and decodes the job hash for jobID. Field access is by
// name, not position, so a peer implementation may reorder fields
// freely.
func (r *Record[T]) FromID(ctx context.Context, jobID string) (*Job[T], error) {
	fields, err := r.client.HGetAll(ctx, r.names.JobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("job: load %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	data, hasData := fields["data"]
	optsRaw, hasOpts := fields["opts"]
	progressRaw, hasProgress := fields["progress"]
	timestampRaw, hasTimestamp := fields["timestamp"]
	if !hasData || !hasOpts || !hasProgress || !hasTimestamp {
		return nil, fmt.Errorf("%w: job %s", ErrMalformedJob, jobID)
	}

	decoded, err := r.codec.Decode([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("job: decode data: %w", err)
	}

	var opts Options
	if err := json.Unmarshal([]byte(optsRaw), &opts); err != nil {
		return nil, fmt.Errorf("%w: job %s opts: %v", ErrMalformedJob, jobID, err)
	}

	progress, err := parseInt(progressRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: job %s progress: %v", ErrMalformedJob, jobID, err)
	}

	timestampMs, err := parseInt(timestampRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: job %s timestamp: %v", ErrMalformedJob, jobID, err)
	}

	var delay time.Duration
	if delayRaw, ok := fields["delay"]; ok && delayRaw != "" && delayRaw != "undefined" {
		if delayMs, err := parseInt(delayRaw); err == nil && delayMs > 0 {
			delay = time.Duration(delayMs) * time.Millisecond
		}
	}

	return &Job[T]{
		ID:         jobID,
		Data:       decoded,
		Opts:       opts,
		Progress:   progress,
		Timestamp:  time.UnixMilli(int64(timestampMs)),
		Delay:      delay,
		Stacktrace: fields["stacktrace"],
	}, nil
}

// Progress writes the job's progress field. Callers emit the Progress
// event themselves once this returns successfully.
func (r *Record[T]) Progress(ctx context.Context, jobID string, n int) error {
	return r.client.HSet(ctx, r.names.JobKey(jobID), "progress", n).Err()
}

// TakeLock attempts to write token into jobID's lock key with the
// fixed LockTTL. When renew is false it only succeeds if the key is
// currently absent (SETNX semantics); when renew is true it sets
// unconditionally. It reports whether the set took effect.
func (r *Record[T]) TakeLock(ctx context.Context, jobID, token string, renew bool) (bool, error) {
	lockKey := r.names.LockKey(jobID)
	if renew {
		if err := r.client.Set(ctx, lockKey, token, LockTTL).Err(); err != nil {
			return false, fmt.Errorf("job: renew lock %s: %w", jobID, err)
		}
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, lockKey, token, LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("job: take lock %s: %w", jobID, err)
	}
	return ok, nil
}

// ReleaseLock deletes jobID's lock iff it is still held by token.
func (r *Record[T]) ReleaseLock(ctx context.Context, jobID, token string) (bool, error) {
	res, err := scripts.ReleaseLock.Run(ctx, r.client, []string{r.names.LockKey(jobID)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("job: release lock %s: %w", jobID, err)
	}
	return res == 1, nil
}

// MoveToCompleted removes jobID from active and adds it to completed,
// atomically.
func (r *Record[T]) MoveToCompleted(ctx context.Context, jobID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.names.ActiveKey(), 1, jobID)
		pipe.SAdd(ctx, r.names.CompletedKey(), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("job: move %s to completed: %w", jobID, err)
	}
	return nil
}

// MoveToFailed writes stacktrace to the job hash, then removes jobID
// from active and adds it to failed, atomically.
func (r *Record[T]) MoveToFailed(ctx context.Context, jobID string, cause error) error {
	stacktrace := ""
	if cause != nil {
		stacktrace = cause.Error()
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.names.JobKey(jobID), "stacktrace", stacktrace)
		pipe.LRem(ctx, r.names.ActiveKey(), 1, jobID)
		pipe.SAdd(ctx, r.names.FailedKey(), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("job: move %s to failed: %w", jobID, err)
	}
	return nil
}

// MoveToDelayed adds jobID to delayed scored by at (clamped to >= 0)
// and publishes the score on the delayed channel so the shared delay
// timer re-arms.
func (r *Record[T]) MoveToDelayed(ctx context.Context, jobID string, at time.Time) error {
	score := float64(at.UnixMilli())
	if score < 0 {
		score = 0
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.names.ActiveKey(), 1, jobID)
		pipe.ZAdd(ctx, r.names.DelayedKey(), redis.Z{Score: score, Member: jobID})
		pipe.Publish(ctx, r.names.DelayedChannel(), int64(score))
		return nil
	})
	if err != nil {
		return fmt.Errorf("job: move %s to delayed: %w", jobID, err)
	}
	return nil
}

// Remove deletes jobID's hash and evicts it from every container it
// might be in, per the Remove script's semantics.
func (r *Record[T]) Remove(ctx context.Context, jobID string) error {
	_, err := scripts.Remove.Run(ctx, r.client, []string{
		r.names.WaitKey(),
		r.names.PausedKey(),
		r.names.ActiveKey(),
		r.names.DelayedKey(),
		r.names.CompletedKey(),
		r.names.FailedKey(),
		r.names.JobKey(jobID),
	}, jobID).Result()
	if err != nil {
		return fmt.Errorf("job: remove %s: %w", jobID, err)
	}
	return nil
}

// Retry evicts jobID from failed and re-enqueues it on wait, honoring
// lifo, then publishes a jobs-channel wakeup.
func (r *Record[T]) Retry(ctx context.Context, jobID string, lifo bool) error {
	lifoArg := "0"
	if lifo {
		lifoArg = "1"
	}
	_, err := scripts.Retry.Run(ctx, r.client, []string{
		r.names.FailedKey(),
		r.names.WaitKey(),
		r.names.JobsChannel(),
	}, jobID, lifoArg).Result()
	if err != nil {
		return fmt.Errorf("job: retry %s: %w", jobID, err)
	}
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
