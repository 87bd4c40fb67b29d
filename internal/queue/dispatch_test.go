package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygo/bullq/internal/codec"
	"github.com/relaygo/bullq/internal/events"
	"github.com/relaygo/bullq/internal/job"
	"github.com/relaygo/bullq/internal/logger"
)

func TestRunProcessesAddedJobAndEmitsCompleted(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed := make(chan string, 1)
	q.Events().On(events.Completed, func(ev events.Event) {
		completed <- ev.JobID
	})

	go func() {
		_ = q.Run(ctx, func(_ context.Context, j *job.Job[payload], _ ProgressReporter) (interface{}, error) {
			return j.Data.N * 2, nil
		}, RunOptions{})
	}()

	// Give the loop a moment to subscribe to the jobs channel before Add.
	time.Sleep(20 * time.Millisecond)

	j, err := q.Add(ctx, payload{N: 21}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case id := <-completed:
		if id != j.ID {
			t.Errorf("completed job id = %s, want %s", id, j.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job completion")
	}

	ids, _ := q.GetCompleted(ctx)
	if !equal(ids, []string{j.ID}) {
		t.Errorf("GetCompleted = %v, want [%s]", ids, j.ID)
	}
}

func TestRunHandlerReportsProgress(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progressed := make(chan int, 2)
	q.Events().On(events.Progress, func(ev events.Event) {
		progressed <- ev.ProgressN
	})
	completed := make(chan string, 1)
	q.Events().On(events.Completed, func(ev events.Event) {
		completed <- ev.JobID
	})

	go func() {
		_ = q.Run(ctx, func(ctx context.Context, j *job.Job[payload], progress ProgressReporter) (interface{}, error) {
			if err := progress(ctx, 50); err != nil {
				return nil, err
			}
			if err := progress(ctx, 100); err != nil {
				return nil, err
			}
			return nil, nil
		}, RunOptions{})
	}()

	time.Sleep(20 * time.Millisecond)

	j, err := q.Add(ctx, payload{N: 1}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job completion")
	}

	first := <-progressed
	second := <-progressed
	if first != 50 || second != 100 {
		t.Errorf("progress sequence = %d, %d, want 50, 100", first, second)
	}

	loaded, err := q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if loaded.Progress != 100 {
		t.Errorf("Progress = %d, want 100", loaded.Progress)
	}
}

func TestRunMovesFailedHandlerToFailedSet(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failed := make(chan string, 1)
	q.Events().On(events.Failed, func(ev events.Event) {
		failed <- ev.JobID
	})

	wantErr := errors.New("boom")
	go func() {
		_ = q.Run(ctx, func(_ context.Context, j *job.Job[payload], _ ProgressReporter) (interface{}, error) {
			return nil, wantErr
		}, RunOptions{})
	}()

	time.Sleep(20 * time.Millisecond)

	j, err := q.Add(ctx, payload{N: 1}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case id := <-failed:
		if id != j.ID {
			t.Errorf("failed job id = %s, want %s", id, j.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job failure")
	}

	loaded, err := q.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if loaded.Stacktrace != wantErr.Error() {
		t.Errorf("Stacktrace = %q, want %q", loaded.Stacktrace, wantErr.Error())
	}
}

func TestRunHandlerPanicIsRecoveredAsFailure(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failed := make(chan string, 1)
	q.Events().On(events.Failed, func(ev events.Event) {
		failed <- ev.JobID
	})

	go func() {
		_ = q.Run(ctx, func(_ context.Context, j *job.Job[payload], _ ProgressReporter) (interface{}, error) {
			panic("handler exploded")
		}, RunOptions{})
	}()

	time.Sleep(20 * time.Millisecond)

	j, err := q.Add(ctx, payload{N: 1}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case id := <-failed:
		if id != j.ID {
			t.Errorf("failed job id = %s, want %s", id, j.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for panic to settle as a failure")
	}
}

func TestRecoverStalledAdoptsAbandonedActiveJob(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	// Simulate a job a dead consumer popped into active but never locked.
	q.client.HSet(ctx, q.names.JobKey("1"), "data", `{"n":7}`, "opts", "{}", "progress", "0", "timestamp", "0")
	q.client.RPush(ctx, q.names.ActiveKey(), "1")

	recovered := make(chan string, 1)
	q.Events().On(events.Completed, func(ev events.Event) {
		recovered <- ev.JobID
	})

	if err := q.recoverStalled(ctx, func(_ context.Context, j *job.Job[payload], _ ProgressReporter) (interface{}, error) {
		return j.Data.N, nil
	}); err != nil {
		t.Fatalf("recoverStalled: %v", err)
	}

	select {
	case id := <-recovered:
		if id != "1" {
			t.Errorf("recovered job id = %s, want 1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stalled job recovery")
	}
}

func TestRecoverStalledSkipsAlreadyCompleted(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	q.client.HSet(ctx, q.names.JobKey("1"), "data", `{"n":1}`, "opts", "{}", "progress", "0", "timestamp", "0")
	q.client.RPush(ctx, q.names.ActiveKey(), "1")
	q.client.SAdd(ctx, q.names.CompletedKey(), "1")

	called := false
	if err := q.recoverStalled(ctx, func(_ context.Context, _ *job.Job[payload], _ ProgressReporter) (interface{}, error) {
		called = true
		return nil, nil
	}); err != nil {
		t.Fatalf("recoverStalled: %v", err)
	}

	if called {
		t.Error("handler should not run for a job already in completed")
	}
}

func TestRecoverStalledSkipsJobStillLocked(t *testing.T) {
	q, mr := newTestQueue(t)
	defer mr.Close()
	ctx := context.Background()

	q.client.HSet(ctx, q.names.JobKey("1"), "data", `{"n":1}`, "opts", "{}", "progress", "0", "timestamp", "0")
	q.client.RPush(ctx, q.names.ActiveKey(), "1")
	q.client.Set(ctx, q.names.LockKey("1"), "some-other-worker", job.LockTTL)

	called := false
	if err := q.recoverStalled(ctx, func(_ context.Context, _ *job.Job[payload], _ ProgressReporter) (interface{}, error) {
		called = true
		return nil, nil
	}); err != nil {
		t.Fatalf("recoverStalled: %v", err)
	}

	if called {
		t.Error("handler should not run for a job whose lock is still held")
	}
}

// A second Queue instance sharing the same Redis, modeling a sibling
// worker process, must learn of a pause/resume it didn't itself
// initiate via the paused-channel broadcast.
func TestPauseBroadcastsToSiblingQueueInstance(t *testing.T) {
	q1, mr := newTestQueue(t)
	defer mr.Close()

	client2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client2.Close()
	q2 := New[payload](client2, "tasks", codec.NewJSON[payload](), events.NewHub(), &logger.NoOpLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	paused := make(chan struct{}, 1)
	q2.Events().On(events.Paused, func(events.Event) { paused <- struct{}{} })

	go func() {
		_ = q2.Run(ctx, func(_ context.Context, j *job.Job[payload], _ ProgressReporter) (interface{}, error) {
			return nil, nil
		}, RunOptions{})
	}()

	time.Sleep(20 * time.Millisecond)

	if err := q1.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sibling queue to observe the paused broadcast")
	}
}
