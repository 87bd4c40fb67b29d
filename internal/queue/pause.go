package queue

import (
	"context"
	"sync/atomic"

	"github.com/relaygo/bullq/internal/events"
)

// pausedListener translates the queue's paused-channel broadcasts into
// local Paused/Resumed events. Every Queue[T] instance runs one,
// including instances that never call Pause/Resume themselves — this
// is how a sibling worker process learns the queue was paused.
type pausedListener[T any] struct {
	q       *Queue[T]
	running atomic.Bool // set while a loop goroutine is live
}

func newPausedListener[T any](q *Queue[T]) *pausedListener[T] {
	return &pausedListener[T]{q: q}
}

// Start subscribes to the paused channel and begins translating
// messages into events. It returns immediately; the subscription loop
// runs in its own goroutine until ctx is cancelled. Start is a no-op
// while a loop is already running, so concurrent Run calls on one Queue
// emit each broadcast once.
func (p *pausedListener[T]) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	go p.loop(ctx)
}

func (p *pausedListener[T]) loop(ctx context.Context) {
	defer p.running.Store(false)
	sub := p.q.client.Subscribe(ctx, p.q.names.PausedChannel())
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			p.onMessage(msg.Payload)
		}
	}
}

func (p *pausedListener[T]) onMessage(mode string) {
	kind := events.Resumed
	if mode == "paused" {
		kind = events.Paused
	}
	p.q.events.Emit(events.Event{Kind: kind})
}
