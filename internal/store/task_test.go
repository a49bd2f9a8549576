package store

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func statusPtr(s TaskStatus) *TaskStatus { return &s }
func intPtr(i int) *int                  { return &i }
func strPtr(s string) *string            { return &s }

func TestTaskStore_UpdateBeforeAddIsNoop(t *testing.T) {
	s := NewTaskStore()

	if _, ok := s.UpdateTask("t1", TaskUpdate{Status: statusPtr(StatusRunning)}); ok {
		t.Fatal("update of unknown task reported applied")
	}
	if s.Has("t1") {
		t.Fatal("update must not create a task")
	}

	added := s.AddTask("t1", "move_stage", json.RawMessage(`{"x":10}`), StatusPending, false)
	updated, ok := s.UpdateTask("t1", TaskUpdate{Status: statusPtr(StatusRunning)})
	if !ok {
		t.Fatal("update after add not applied")
	}
	if updated.Status != StatusRunning {
		t.Fatalf("status = %s, want running", updated.Status)
	}
	if !updated.UpdatedAt.After(added.UpdatedAt) {
		t.Fatalf("UpdatedAt did not advance: %v -> %v", added.UpdatedAt, updated.UpdatedAt)
	}
}

func TestTaskStore_UpdatedAtStrictlyIncreasesWithFrozenClock(t *testing.T) {
	s := NewTaskStore()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	prev := s.AddTask("t1", "a", nil, StatusPending, false).UpdatedAt
	for i := 0; i < 5; i++ {
		got, _ := s.UpdateTask("t1", TaskUpdate{Progress: intPtr(i * 10)})
		if !got.UpdatedAt.After(prev) {
			t.Fatalf("iteration %d: UpdatedAt %v not after %v", i, got.UpdatedAt, prev)
		}
		prev = got.UpdatedAt
	}
}

func TestTaskStore_MergeKeepsIdentity(t *testing.T) {
	s := NewTaskStore()
	s.AddTask("t1", "move_stage", json.RawMessage(`{"x":10}`), StatusPending, true)

	s.UpdateTask("t1", TaskUpdate{
		Status:          statusPtr(StatusRunning),
		Progress:        intPtr(50),
		ProgressMessage: strPtr("halfway"),
	})
	s.UpdateTask("t1", TaskUpdate{Result: json.RawMessage(`{"ok":true}`)})

	got, ok := s.Get("t1")
	if !ok {
		t.Fatal("task missing")
	}
	if got.ID != "t1" || got.Action != "move_stage" || string(got.Args) != `{"x":10}` {
		t.Fatalf("identity changed: %+v", got)
	}
	if got.Progress == nil || *got.Progress != 50 || got.ProgressMessage != "halfway" {
		t.Fatalf("progress = %v %q", got.Progress, got.ProgressMessage)
	}
	if string(got.Result) != `{"ok":true}` || !got.Notify {
		t.Fatalf("result/notify = %s %v", got.Result, got.Notify)
	}
}

func TestTaskStore_GetReturnsCopy(t *testing.T) {
	s := NewTaskStore()
	s.AddTask("t1", "a", nil, StatusPending, false)
	s.UpdateTask("t1", TaskUpdate{Progress: intPtr(10)})

	got, _ := s.Get("t1")
	*got.Progress = 99
	again, _ := s.Get("t1")
	if *again.Progress != 10 {
		t.Fatalf("store mutated through copy: %d", *again.Progress)
	}
}

func TestTaskStore_SubscribersInRegistrationOrder(t *testing.T) {
	s := NewTaskStore()
	s.AddTask("t1", "a", nil, StatusPending, false)

	var calls []string
	s.SubscribeToTask("t1", func(Task) { calls = append(calls, "first") })
	unsub := s.SubscribeToTask("t1", func(Task) { calls = append(calls, "second") })
	s.SubscribeToTask("t1", func(Task) { calls = append(calls, "third") })
	s.Subscribe(func(Task) { calls = append(calls, "all") })
	s.SubscribeToTask("t2", func(Task) { calls = append(calls, "other") })

	s.UpdateTask("t1", TaskUpdate{Status: statusPtr(StatusRunning)})
	want := []string{"first", "second", "third", "all"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}

	calls = nil
	unsub()
	unsub()
	s.UpdateTask("t1", TaskUpdate{Status: statusPtr(StatusCompleted)})
	if len(calls) != 3 || calls[1] != "third" {
		t.Fatalf("after unsubscribe calls = %v", calls)
	}
}

func TestTaskStore_SubscriberSeesMutationSynchronously(t *testing.T) {
	s := NewTaskStore()
	s.AddTask("t1", "a", nil, StatusPending, false)

	var seen TaskStatus
	s.SubscribeToTask("t1", func(task Task) {
		// Reading the store from a callback must not deadlock.
		cur, _ := s.Get(task.ID)
		seen = cur.Status
	})
	s.UpdateTask("t1", TaskUpdate{Status: statusPtr(StatusPaused)})
	if seen != StatusPaused {
		t.Fatalf("seen = %q", seen)
	}
}

func TestTaskStore_AddOverwrites(t *testing.T) {
	s := NewTaskStore()
	s.AddTask("t1", "a", nil, StatusRunning, false)
	s.AddTask("t1", "b", nil, StatusPending, true)
	got, _ := s.Get("t1")
	if got.Action != "b" || got.Status != StatusPending {
		t.Fatalf("got %+v", got)
	}
}

func TestTaskStore_RemoveAndClear(t *testing.T) {
	s := NewTaskStore()
	s.AddTask("t1", "a", nil, StatusPending, false)
	s.AddTask("t2", "a", nil, StatusCompleted, false)
	s.AddTask("t3", "a", nil, StatusRunning, false)

	if got := len(s.Active()); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}
	s.Remove("t1")
	if s.Has("t1") {
		t.Fatal("t1 not removed")
	}
	s.ClearAll()
	if len(s.List()) != 0 {
		t.Fatal("ClearAll left tasks")
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusPaused, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusInterrupted, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v", tt.status, got)
		}
		if !tt.status.Valid() {
			t.Errorf("%s should be valid", tt.status)
		}
	}
	if TaskStatus("bogus").Valid() {
		t.Error("bogus status reported valid")
	}
}

func TestClampProgress(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{33.4, 33},
		{99.5, 100},
		{-0.4, 0},
		{1e19, 100},
		{math.Inf(1), 100},
		{math.Inf(-1), 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := ClampProgress(tt.in); got != tt.want {
			t.Errorf("ClampProgress(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
