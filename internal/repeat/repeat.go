// Package repeat layers cron-driven repeatable jobs on top of the
// queue's ordinary Add: a supplemental feature, not part of the core
// wire contract, built from the same robfig/cron schedule parser the
// teacher's periodic-task scheduler used.
package repeat

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/relaygo/bullq/internal/job"
	"github.com/relaygo/bullq/internal/logger"
)

// Adder is the subset of Queue[T] a Repeater needs to enqueue a tick.
type Adder[T any] interface {
	Add(ctx context.Context, data T, opts job.Options) (*job.Job[T], error)
}

// Repeatable names one cron-scheduled job: the payload and options
// used for every tick's Add call.
type Repeatable[T any] struct {
	ID   string
	Cron string
	Data T
	Opts job.Options
}

// Repeater runs a set of Repeatable registrations against a queue.
// Multiple worker processes may run a Repeater for the same queue;
// each tick is guarded by a short-lived distributed lock so only one
// process's Add call fires per schedule per tick.
type Repeater[T any] struct {
	cron    *cron.Cron
	client  *redis.Client
	queue   Adder[T]
	lockTTL time.Duration
	log     logger.Logger
}

// NewRepeater builds a Repeater bound to client (for tick-locking) and
// queue (for enqueueing). lockTTL should comfortably exceed the time
// it takes Add to complete; 30s is a reasonable default for most cron
// granularities.
func NewRepeater[T any](client *redis.Client, queue Adder[T], lockTTL time.Duration, log logger.Logger) *Repeater[T] {
	if log == nil {
		log = logger.Default()
	}
	return &Repeater[T]{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		client:  client,
		queue:   queue,
		lockTTL: lockTTL,
		log:     log.WithComponent("repeat"),
	}
}

// Register schedules rep to fire on its cron expression. It returns an
// error if the expression doesn't parse; it does not validate
// duplicate ids (the caller's responsibility, since cron itself is
// content to run the same job spec twice under two different ids).
func (r *Repeater[T]) Register(rep Repeatable[T]) error {
	_, err := r.cron.AddFunc(rep.Cron, func() { r.fire(rep) })
	if err != nil {
		return fmt.Errorf("repeat: register %s: %w", rep.ID, err)
	}
	return nil
}

// Start begins the cron scheduler's background goroutine.
func (r *Repeater[T]) Start() {
	r.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight tick to finish.
func (r *Repeater[T]) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Repeater[T]) fire(rep Repeatable[T]) {
	ctx := context.Background()
	lockKey := "bull:repeat:" + rep.ID + ":lock"

	lock, err := acquireTickLock(ctx, r.client, lockKey, r.lockTTL)
	if err != nil {
		r.log.Error("tick lock failed", "repeat_id", rep.ID, "error", err)
		return
	}
	if lock == nil {
		return
	}
	defer func() {
		if err := lock.release(ctx); err != nil {
			r.log.Error("tick lock release failed", "repeat_id", rep.ID, "error", err)
		}
	}()

	if _, err := r.queue.Add(ctx, rep.Data, rep.Opts); err != nil {
		r.log.Error("repeat add failed", "repeat_id", rep.ID, "error", err)
		return
	}
	r.log.Debug("repeat tick enqueued", "repeat_id", rep.ID)
}
