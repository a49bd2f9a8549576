// Package store holds the client-side mirrors of server-owned data: tasks,
// states and locks. Each store is an explicit instance with its own mutex.
// Subscribers are called synchronously after the mutation that triggered them,
// outside the store lock, in registration order.
package store

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusRunning     TaskStatus = "running"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
	StatusInterrupted TaskStatus = "interrupted"
)

// IsTerminal reports whether no further transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused:
		return true
	}
	return s.IsTerminal()
}

// Task is one assigned unit of remote work.
type Task struct {
	ID              string
	Action          string
	Args            json.RawMessage
	Status          TaskStatus
	Result          json.RawMessage
	Error           string
	Progress        *int
	ProgressMessage string
	Notify          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ClampProgress converts a wire progress value to a percentage in 0..100.
// NaN counts as 0.
func ClampProgress(f float64) int {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= 100:
		return 100
	}
	return int(math.Round(f))
}

// Loading reports whether the task is pending or running.
func (t Task) Loading() bool {
	return t.Status == StatusPending || t.Status == StatusRunning
}

func (t Task) clone() Task {
	if t.Progress != nil {
		p := *t.Progress
		t.Progress = &p
	}
	return t
}

// TaskUpdate is a partial update. Nil fields are left unchanged.
type TaskUpdate struct {
	Status          *TaskStatus
	Result          json.RawMessage
	Error           *string
	Progress        *int
	ProgressMessage *string
	Notify          *bool
}

// TaskListener receives the task as it is after a mutation.
type TaskListener func(Task)

// TaskStore is the authoritative registry of known tasks.
type TaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	byTask map[string]*listeners[TaskListener]
	all    listeners[TaskListener]
	now    func() time.Time
}

// NewTaskStore creates an empty task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:  make(map[string]*Task),
		byTask: make(map[string]*listeners[TaskListener]),
		now:    time.Now,
	}
}

// AddTask inserts a new record with fresh timestamps. An existing record with
// the same id is overwritten.
func (s *TaskStore) AddTask(id, action string, args json.RawMessage, status TaskStatus, notify bool) Task {
	s.mu.Lock()
	now := s.now()
	if prev, ok := s.tasks[id]; ok && !now.After(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Nanosecond)
	}
	t := &Task{
		ID:        id,
		Action:    action,
		Args:      args,
		Status:    status,
		Notify:    notify,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[id] = t
	out := t.clone()
	fns := s.listenersFor(id)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(out)
	}
	return out
}

// UpdateTask merges u into the record for id and bumps UpdatedAt. It is a
// no-op when id is unknown; the returned bool reports whether it applied.
func (s *TaskStore) UpdateTask(id string, u TaskUpdate) (Task, bool) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, false
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Result != nil {
		t.Result = u.Result
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.Progress != nil {
		p := *u.Progress
		t.Progress = &p
	}
	if u.ProgressMessage != nil {
		t.ProgressMessage = *u.ProgressMessage
	}
	if u.Notify != nil {
		t.Notify = *u.Notify
	}
	now := s.now()
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Nanosecond)
	}
	t.UpdatedAt = now
	out := t.clone()
	fns := s.listenersFor(id)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(out)
	}
	return out, true
}

func (s *TaskStore) listenersFor(id string) []TaskListener {
	fns := s.byTask[id].snapshot()
	return append(fns, s.all.snapshot()...)
}

// Get returns a copy of the task.
func (s *TaskStore) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Has reports whether the task is known.
func (s *TaskStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// List returns all tasks ordered by creation time.
func (s *TaskStore) List() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns the tasks that have not reached a terminal status.
func (s *TaskStore) Active() []Task {
	var out []Task
	for _, t := range s.List() {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}

// Remove deletes one task. Subscriptions for it stay registered.
func (s *TaskStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// ClearAll deletes every task.
func (s *TaskStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*Task)
}

// SubscribeToTask registers fn for mutations of one task and returns the
// unsubscribe function.
func (s *TaskStore) SubscribeToTask(id string, fn TaskListener) func() {
	s.mu.Lock()
	l, ok := s.byTask[id]
	if !ok {
		l = &listeners[TaskListener]{}
		s.byTask[id] = l
	}
	sid := l.add(fn)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			l.remove(sid)
			if l.len() == 0 && s.byTask[id] == l {
				delete(s.byTask, id)
			}
		})
	}
}

// Subscribe registers fn for mutations of any task.
func (s *TaskStore) Subscribe(fn TaskListener) func() {
	s.mu.Lock()
	sid := s.all.add(fn)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.all.remove(sid)
		})
	}
}
