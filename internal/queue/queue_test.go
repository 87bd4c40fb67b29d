package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaygo/bullq/internal/codec"
	"github.com/relaygo/bullq/internal/events"
	"github.com/relaygo/bullq/internal/job"
	"github.com/relaygo/bullq/internal/logger"
)

type payload struct {
	N int `json:"n"`
}

func newTestQueue(t *testing.T) (*Queue[payload], *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := New[payload](client, "tasks", codec.NewJSON[payload](), events.NewHub(), &logger.NoOpLogger{})
	return q, mr
}

func TestAddFifoOrdering(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	// Add requires at least one subscriber on the jobs channel to
	// acknowledge the wakeup; one subscription opened before any Add
	// serves all three. go-redis's Subscribe writes the SUBSCRIBE command
	// before it returns, ahead of Add's PUBLISH, but does not wait for
	// Redis to confirm it.
	sub := q.client.Subscribe(ctx, q.names.JobsChannel())
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		if _, err := q.Add(ctx, payload{N: i}, nil); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	ids, err := q.GetWaiting(ctx)
	if err != nil {
		t.Fatalf("GetWaiting: %v", err)
	}
	if want := []string{"1", "2", "3"}; !equal(ids, want) {
		t.Errorf("GetWaiting = %v, want %v", ids, want)
	}
}

func TestAddLifoOrdering(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	sub := q.client.Subscribe(ctx, q.names.JobsChannel())
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		if _, err := q.Add(ctx, payload{N: i}, job.Options{"lifo": "true"}); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	// GetWaiting always reports ascending enqueue order, regardless of
	// push side: ids are monotonic per queue.
	ids, err := q.GetWaiting(ctx)
	if err != nil {
		t.Fatalf("GetWaiting: %v", err)
	}
	if want := []string{"1", "2", "3"}; !equal(ids, want) {
		t.Errorf("GetWaiting = %v, want %v", ids, want)
	}

	// But the underlying list is right-pushed, so a raw pop sees LIFO order.
	raw, _ := q.client.LRange(ctx, q.names.WaitKey(), 0, -1).Result()
	if want := []string{"1", "2", "3"}; !equal(raw, want) {
		t.Errorf("raw list = %v, want %v (RPush order)", raw, want)
	}
}

func TestAddFailsLoudlyWithoutSubscriber(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	if _, err := q.Add(ctx, payload{N: 1}, nil); err == nil {
		t.Fatal("expected Add to fail when nothing subscribes to the jobs channel")
	}
}

func TestAddWithDelayDoesNotRequireJobsSubscriber(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	j, err := q.Add(ctx, payload{N: 1}, job.Options{"delay": "60000"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	delayed, err := q.GetDelayed(ctx)
	if err != nil {
		t.Fatalf("GetDelayed: %v", err)
	}
	if len(delayed) != 1 || delayed[0] != j.ID {
		t.Errorf("GetDelayed = %v, want [%s]", delayed, j.ID)
	}
}

func TestAddEmitsNewJob(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	sub := q.client.Subscribe(ctx, q.names.JobsChannel())
	defer sub.Close()

	newJob := make(chan string, 1)
	q.Events().On(events.NewJob, func(ev events.Event) { newJob <- ev.JobID })

	j, err := q.Add(ctx, payload{N: 1}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case id := <-newJob:
		if id != j.ID {
			t.Errorf("NewJob job id = %s, want %s", id, j.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NewJob event")
	}
}

func TestRetryEmitsNewJob(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	q.client.HSet(ctx, q.names.JobKey("1"), "data", `{"n":1}`, "opts", "{}", "progress", "0", "timestamp", "0")
	q.client.SAdd(ctx, q.names.FailedKey(), "1")

	newJob := make(chan string, 1)
	q.Events().On(events.NewJob, func(ev events.Event) { newJob <- ev.JobID })

	if err := q.Retry(ctx, "1", false); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	select {
	case id := <-newJob:
		if id != "1" {
			t.Errorf("NewJob job id = %s, want 1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NewJob event")
	}
}

func TestPauseResume(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	q.client.RPush(ctx, q.names.WaitKey(), "1", "2")

	if err := q.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if n, _ := q.client.LLen(ctx, q.names.WaitKey()).Result(); n != 0 {
		t.Errorf("expected wait empty after pause, got %d", n)
	}
	if n, _ := q.client.LLen(ctx, q.names.PausedKey()).Result(); n != 2 {
		t.Errorf("expected paused to hold 2 ids, got %d", n)
	}
	if exists, _ := q.client.Exists(ctx, q.names.MetaPausedKey()).Result(); exists != 1 {
		t.Error("expected meta-paused key to be set")
	}

	if err := q.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n, _ := q.client.LLen(ctx, q.names.WaitKey()).Result(); n != 2 {
		t.Errorf("expected wait restored with 2 ids, got %d", n)
	}
	if exists, _ := q.client.Exists(ctx, q.names.MetaPausedKey()).Result(); exists != 0 {
		t.Error("expected meta-paused key to be cleared after resume")
	}
}

func TestCountCombinesWaitAndDelayed(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	q.client.RPush(ctx, q.names.WaitKey(), "1", "2")
	q.client.ZAdd(ctx, q.names.DelayedKey(), redis.Z{Score: float64(time.Now().Add(time.Hour).UnixMilli()), Member: "3"})

	n, err := q.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestEmptyDrainsWaitPausedDelayedAndHashes(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	q.client.HSet(ctx, q.names.JobKey("1"), "data", "{}")
	q.client.RPush(ctx, q.names.WaitKey(), "1")
	q.client.HSet(ctx, q.names.JobKey("2"), "data", "{}")
	q.client.ZAdd(ctx, q.names.DelayedKey(), redis.Z{Score: 1, Member: "2"})

	if err := q.Empty(ctx); err != nil {
		t.Fatalf("Empty: %v", err)
	}

	if n, _ := q.client.LLen(ctx, q.names.WaitKey()).Result(); n != 0 {
		t.Errorf("expected wait empty, got %d", n)
	}
	if n, _ := q.client.ZCard(ctx, q.names.DelayedKey()).Result(); n != 0 {
		t.Errorf("expected delayed empty, got %d", n)
	}
	if exists, _ := q.client.Exists(ctx, q.names.JobKey("1")).Result(); exists != 0 {
		t.Error("expected job hash 1 deleted")
	}
	if exists, _ := q.client.Exists(ctx, q.names.JobKey("2")).Result(); exists != 0 {
		t.Error("expected job hash 2 deleted")
	}
}

func TestRetryReenqueuesFailedJob(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	q.client.HSet(ctx, q.names.JobKey("1"), "data", `{"n":1}`, "opts", "{}", "progress", "0", "timestamp", "0")
	q.client.SAdd(ctx, q.names.FailedKey(), "1")

	if err := q.Retry(ctx, "1", false); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	ids, _ := q.GetWaiting(ctx)
	if !equal(ids, []string{"1"}) {
		t.Errorf("GetWaiting = %v, want [1]", ids)
	}
}

func TestRemoveDeletesJob(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	q.client.HSet(ctx, q.names.JobKey("1"), "data", "{}", "opts", "{}", "progress", "0", "timestamp", "0")
	q.client.RPush(ctx, q.names.WaitKey(), "1")

	if err := q.Remove(ctx, "1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := q.GetJob(ctx, "1"); err != job.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
