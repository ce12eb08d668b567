package queue

import (
	"fmt"
	"testing"
	"time"
)

func makeInput(commitURL, delivID string) *ContainerInput {
	return &ContainerInput{
		Target: CommitTarget{
			CommitSHA:   "sha-" + commitURL,
			CommitURL:   commitURL,
			RepoID:      "repo-" + commitURL,
			DelivID:     delivID,
			PostbackURL: PostbackEmpty,
			Timestamp:   time.Now(),
		},
	}
}

func TestPushDeduplicates(t *testing.T) {
	q := NewQueue("standard", 2)

	in := makeInput("c1", "d0")
	if err := q.Push(in); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := q.Push(makeInput("c1", "d0")); err != nil {
		t.Fatalf("duplicate push errored: %v", err)
	}
	if q.Length() != 1 {
		t.Errorf("expected 1 waiting after duplicate push, got %d", q.Length())
	}

	// Same commit against a different deliverable is separate work.
	if err := q.Push(makeInput("c1", "d1")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if q.Length() != 2 {
		t.Errorf("expected 2 waiting, got %d", q.Length())
	}
}

func TestPushWhileRunningIsNoOp(t *testing.T) {
	q := NewQueue("standard", 2)
	q.Push(makeInput("c1", "d0"))
	if _, err := q.ScheduleNext(); err != nil {
		t.Fatalf("scheduleNext failed: %v", err)
	}

	q.Push(makeInput("c1", "d0"))
	if q.Length() != 0 {
		t.Errorf("commit re-queued while running: %d waiting", q.Length())
	}
	if !q.IsCommitExecuting("c1", "d0") {
		t.Errorf("expected c1/d0 to be executing")
	}
}

func TestScheduleNextRespectsCapacity(t *testing.T) {
	q := NewQueue("standard", 2)
	for i := 0; i < 3; i++ {
		q.Push(makeInput(fmt.Sprintf("c%d", i), "d0"))
	}

	if _, err := q.ScheduleNext(); err != nil {
		t.Fatalf("first scheduleNext: %v", err)
	}
	if _, err := q.ScheduleNext(); err != nil {
		t.Fatalf("second scheduleNext: %v", err)
	}
	if _, err := q.ScheduleNext(); err != ErrNoCapacity {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if q.NumRunning() != 2 {
		t.Errorf("expected 2 running, got %d", q.NumRunning())
	}
	if q.Length() != 1 {
		t.Errorf("expected 1 still waiting, got %d", q.Length())
	}
}

func TestScheduleNextEmpty(t *testing.T) {
	q := NewQueue("express", 1)
	if _, err := q.ScheduleNext(); err != ErrEmptyQueue {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
	if _, err := q.Pop(); err != ErrEmptyQueue {
		t.Fatalf("expected ErrEmptyQueue from pop, got %v", err)
	}
}

func TestPushFirstOrdering(t *testing.T) {
	q := NewQueue("express", 1)
	q.Push(makeInput("c1", "d0"))
	q.Push(makeInput("c2", "d0"))
	q.PushFirst(makeInput("c0", "d0"))

	want := []string{"c0", "c1", "c2"}
	for _, url := range want {
		in, err := q.Pop()
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if in.Target.CommitURL != url {
			t.Errorf("expected %s, got %s", url, in.Target.CommitURL)
		}
	}
}

func TestIndexOfAndRemove(t *testing.T) {
	q := NewQueue("standard", 2)
	q.Push(makeInput("c1", "d0"))
	q.Push(makeInput("c2", "d0"))

	if got := q.IndexOf("c2"); got != 1 {
		t.Errorf("indexOf c2 = %d, want 1", got)
	}
	if got := q.IndexOf("missing"); got != -1 {
		t.Errorf("indexOf missing = %d, want -1", got)
	}

	removed := q.Remove("c1")
	if removed == nil || removed.Target.CommitURL != "c1" {
		t.Fatalf("remove c1 returned %+v", removed)
	}
	if q.Length() != 1 || q.IndexOf("c2") != 0 {
		t.Errorf("queue not compacted after remove")
	}
	if q.Remove("c1") != nil {
		t.Errorf("second remove should return nil")
	}
}

func TestClearExecutionIdempotent(t *testing.T) {
	q := NewQueue("express", 1)
	q.Push(makeInput("c1", "d0"))
	if _, err := q.ScheduleNext(); err != nil {
		t.Fatalf("scheduleNext: %v", err)
	}

	q.ClearExecution("c1", "d0")
	if q.IsCommitExecuting("c1", "d0") {
		t.Errorf("still executing after clear")
	}
	// Second clear and clears of unknown pairs are no-ops.
	q.ClearExecution("c1", "d0")
	q.ClearExecution("never", "d9")
	if q.NumRunning() != 0 {
		t.Errorf("running set not empty: %d", q.NumRunning())
	}
}

// TestRunningNeverExceedsCapacity drives an arbitrary op sequence and
// checks the slot bound after each step.
func TestRunningNeverExceedsCapacity(t *testing.T) {
	const capacity = 2
	q := NewQueue("standard", capacity)

	for i := 0; i < 200; i++ {
		switch i % 5 {
		case 0, 1:
			q.Push(makeInput(fmt.Sprintf("c%d", i), "d0"))
		case 2:
			q.ScheduleNext()
		case 3:
			q.ScheduleNext()
		case 4:
			// Clear one running job, if any.
			for _, in := range q.running {
				q.ClearExecution(in.Target.CommitURL, in.Target.DelivID)
				break
			}
		}
		if q.NumRunning() > capacity {
			t.Fatalf("step %d: running %d exceeds capacity %d", i, q.NumRunning(), capacity)
		}
	}
}
