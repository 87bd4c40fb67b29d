package queue

import (
	"context"
	"testing"
	"time"

	"github.com/relaygo/bullq/internal/events"
	"github.com/relaygo/bullq/internal/job"
)

func TestDelayTimerPromotesDueJobToWait(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.delay.Start(ctx)

	// Delay of 50ms: short enough for the test, long enough that the
	// job must actually wait rather than running immediately.
	j, err := q.Add(ctx, payload{N: 1}, job.Options{"delay": "50"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	delayed, _ := q.GetDelayed(ctx)
	if !equal(delayed, []string{j.ID}) {
		t.Fatalf("expected job to land in delayed immediately, got %v", delayed)
	}

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			waiting, _ := q.GetWaiting(ctx)
			if equal(waiting, []string{j.ID}) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for delayed job to be promoted to wait")
		}
	}
}

func TestDelayTimerOrdersMultipleDelaysByDueTime(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.delay.Start(ctx)

	later, err := q.Add(ctx, payload{N: 1}, job.Options{"delay": "150"})
	if err != nil {
		t.Fatalf("Add later: %v", err)
	}
	sooner, err := q.Add(ctx, payload{N: 2}, job.Options{"delay": "30"})
	if err != nil {
		t.Fatalf("Add sooner: %v", err)
	}

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			waiting, _ := q.GetWaiting(ctx)
			if len(waiting) == 1 && waiting[0] == sooner.ID {
				// sooner promoted, later must still be delayed
				delayed, _ := q.GetDelayed(ctx)
				if !equal(delayed, []string{later.ID}) {
					t.Fatalf("expected only later still delayed, got %v", delayed)
				}
				return
			}
			if len(waiting) > 0 && waiting[0] != sooner.ID {
				t.Fatalf("expected sooner-delay job to be promoted first, got waiting=%v", waiting)
			}
		case <-deadline:
			t.Fatal("timed out waiting for sooner-delay job to be promoted first")
		}
	}
}

// The delay-poll script must right-push a promoted job onto wait, not
// left-push it: the dispatch loop pops from the right, so a right-push
// puts a promoted job next in line ahead of jobs already waiting.
// GetWaiting can't observe the push side (it always reports
// ascending-by-id), so this asserts on the raw list.
func TestDelayTimerPromotionUsesRightPush(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.delay.Start(ctx)

	first, err := q.Add(ctx, payload{N: 1}, job.Options{"delay": "20"})
	if err != nil {
		t.Fatalf("Add first: %v", err)
	}
	second, err := q.Add(ctx, payload{N: 2}, job.Options{"delay": "60"})
	if err != nil {
		t.Fatalf("Add second: %v", err)
	}

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			raw, _ := q.client.LRange(ctx, q.names.WaitKey(), 0, -1).Result()
			if len(raw) == 2 {
				if !equal(raw, []string{first.ID, second.ID}) {
					t.Fatalf("raw wait order = %v, want [%s, %s] (RPUSH order)", raw, first.ID, second.ID)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for both delayed jobs to promote")
		}
	}
}

func TestDelayTimerPromotionEmitsNewJob(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newJob := make(chan string, 2)
	q.Events().On(events.NewJob, func(ev events.Event) { newJob <- ev.JobID })

	q.delay.Start(ctx)

	j, err := q.Add(ctx, payload{N: 1}, job.Options{"delay": "30"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Add itself emits NewJob immediately; drain that one before
	// waiting for the promotion's.
	select {
	case id := <-newJob:
		if id != j.ID {
			t.Fatalf("NewJob on add = %s, want %s", id, j.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NewJob on add")
	}

	select {
	case id := <-newJob:
		if id != j.ID {
			t.Errorf("NewJob on promotion = %s, want %s", id, j.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NewJob on delay promotion")
	}
}
