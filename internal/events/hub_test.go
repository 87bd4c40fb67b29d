package events

import "testing"

func TestEmitDeliversToRegisteredObserver(t *testing.T) {
	h := NewHub()
	var got Event
	calls := 0
	h.On(Completed, func(ev Event) {
		got = ev
		calls++
	})

	h.Emit(Event{Kind: Completed, JobID: "1", Result: "ok"})

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if got.JobID != "1" || got.Result != "ok" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestEmitOnlyNotifiesMatchingKind(t *testing.T) {
	h := NewHub()
	failedCalls := 0
	h.On(Failed, func(Event) { failedCalls++ })

	h.Emit(Event{Kind: Completed, JobID: "1"})

	if failedCalls != 0 {
		t.Errorf("expected 0 failed-stream calls, got %d", failedCalls)
	}
}

func TestEmitFansOutToMultipleObservers(t *testing.T) {
	h := NewHub()
	a, b := 0, 0
	h.On(Empty, func(Event) { a++ })
	h.On(Empty, func(Event) { b++ })

	h.Emit(Event{Kind: Empty})

	if a != 1 || b != 1 {
		t.Errorf("expected both observers called once, got a=%d b=%d", a, b)
	}
}

func TestEmitPanicsOnJobScopedEventWithoutID(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for job-scoped event without a job id")
		}
	}()
	NewHub().Emit(Event{Kind: Progress})
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Completed: "completed",
		Failed:    "failed",
		Progress:  "progress",
		Paused:    "paused",
		Resumed:   "resumed",
		Empty:     "empty",
		NewJob:    "new-job",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
