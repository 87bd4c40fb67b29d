package queue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/relaygo/bullq/internal/events"
	"github.com/relaygo/bullq/internal/scripts"
)

// delayTimer owns the single shared wake timer for its queue's
// delayed set. nextWakeAt and the *time.Timer it arms are mutated only
// from this goroutine's subscription loop — never protected by a
// mutex, per the cooperative-scheduler design: exactly one goroutine
// ever touches them.
type delayTimer[T any] struct {
	q          *Queue[T]
	nextWakeAt int64 // unix ms; -1 means unarmed (the +inf sentinel)
	timer      *time.Timer
	running    atomic.Bool // set while a loop goroutine is live
}

func newDelayTimer[T any](q *Queue[T]) *delayTimer[T] {
	return &delayTimer[T]{q: q, nextWakeAt: -1}
}

// Start subscribes to the delayed channel and begins arming/re-arming
// the wake timer as messages arrive. It returns immediately; the
// subscription loop runs in its own goroutine until ctx is cancelled.
// Start is a no-op while a loop is already running, so concurrent Run
// calls on one Queue share a single loop (under the first caller's ctx).
func (d *delayTimer[T]) Start(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	go d.loop(ctx)
}

func (d *delayTimer[T]) loop(ctx context.Context) {
	defer d.running.Store(false)
	sub := d.q.client.Subscribe(ctx, d.q.names.DelayedChannel())
	defer sub.Close()

	wakeCh := make(chan struct{}, 1)
	defer d.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			d.onMessage(msg.Payload, wakeCh)
		case <-wakeCh:
			d.onWake(ctx)
		}
	}
}

// onMessage re-arms the timer only if t is strictly earlier than the
// currently outstanding wake, per the "cancel-and-reschedule" contract.
func (d *delayTimer[T]) onMessage(payload string, wakeCh chan struct{}) {
	scoreMs, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return
	}
	if d.nextWakeAt >= 0 && scoreMs >= d.nextWakeAt {
		return
	}

	d.stopTimer()
	d.nextWakeAt = scoreMs

	delay := time.Duration(scoreMs-time.Now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	d.timer = time.AfterFunc(delay, func() {
		select {
		case wakeCh <- struct{}{}:
		default:
		}
	})
}

// onWake runs the delay-poll script, emits NewJob for any job it
// promoted into wait, and re-arms by publishing the next minimum score
// back onto the delayed channel if work remains.
func (d *delayTimer[T]) onWake(ctx context.Context) {
	nowMs := time.Now().UnixMilli()
	res, err := scripts.DelayPoll.Run(ctx, d.q.client, []string{
		d.q.names.DelayedKey(), d.q.names.ActiveKey(), d.q.names.WaitKey(), d.q.names.JobsChannel(),
	}, nowMs, d.q.names.Prefix()).Result()
	if err != nil {
		d.q.log.Error("delay poll failed", "error", err)
		return
	}

	promotedID, nextScore := parseDelayPollReply(res)

	d.nextWakeAt = -1
	if promotedID != "" {
		d.q.events.Emit(events.Event{Kind: events.NewJob, JobID: promotedID})
	}
	if nextScore >= 0 {
		d.q.client.Publish(ctx, d.q.names.DelayedChannel(), nextScore)
	}
}

// parseDelayPollReply unpacks DelayPoll's {jobID, nextScore} reply.
func parseDelayPollReply(res interface{}) (jobID string, nextScore int64) {
	items, ok := res.([]interface{})
	if !ok || len(items) != 2 {
		return "", -1
	}
	jobID, _ = items[0].(string)
	switch v := items[1].(type) {
	case int64:
		nextScore = v
	default:
		nextScore = -1
	}
	return jobID, nextScore
}

func (d *delayTimer[T]) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
