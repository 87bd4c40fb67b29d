// Package job defines the Job value type and the per-job Redis
// operations (the "job record") described by the queue's state
// machine: create, load, progress, lock, move between containers,
// remove, and retry.
package job

import (
	"errors"
	"time"
)

// ErrMalformedJob is returned by FromID when a job hash is missing
// one of its required fields (data, opts, progress, timestamp). It is
// a fatal deserialization error, never silently defaulted.
var ErrMalformedJob = errors.New("job: malformed job hash")

// ErrNotFound is returned when a job id has no hash in Redis.
var ErrNotFound = errors.New("job: not found")

// LockTTL is the fixed TTL of a job's lock, per the wire contract.
const LockTTL = 5000 * time.Millisecond

// Options is the string-keyed option bag accompanying Add. Only the
// keys recognized in the wire contract (lifo, delay, timestamp) are
// interpreted; unknown keys are preserved for forward compatibility
// but otherwise ignored.
type Options map[string]string

// Lifo reports whether the job should be enqueued LIFO (right-push).
func (o Options) Lifo() bool {
	return o["lifo"] == "true"
}

// Job is the value object returned to callers. Data is the
// codec-decoded payload; Opts/Progress/Timestamp/Delay/Stacktrace
// mirror the job hash fields named in the wire contract.
type Job[T any] struct {
	ID         string
	Data       T
	Opts       Options
	Progress   int
	Timestamp  time.Time
	Delay      time.Duration
	Stacktrace string
}
