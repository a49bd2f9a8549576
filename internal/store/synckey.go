package store

import (
	"sync"

	"github.com/google/uuid"
)

// SyncKeys correlates locally generated references with tasks the server has
// not confirmed yet. A reference is created before the assign call, resolved
// when the response arrives and cleared once its task is terminal.
type SyncKeys struct {
	mu     sync.Mutex
	refs   map[string]string
	byTask map[string]string
}

// NewSyncKeys creates an empty reference table.
func NewSyncKeys() *SyncKeys {
	return &SyncKeys{
		refs:   make(map[string]string),
		byTask: make(map[string]string),
	}
}

// Create registers a new unresolved reference.
func (k *SyncKeys) Create() string {
	ref := uuid.NewString()
	k.mu.Lock()
	k.refs[ref] = ""
	k.mu.Unlock()
	return ref
}

// Resolve binds ref to taskID. It returns false for an unknown reference.
func (k *SyncKeys) Resolve(ref, taskID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.refs[ref]; !ok {
		return false
	}
	k.refs[ref] = taskID
	k.byTask[taskID] = ref
	return true
}

// Lookup returns the task id bound to ref. resolved is false while the
// assign call is in flight.
func (k *SyncKeys) Lookup(ref string) (taskID string, resolved, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	taskID, ok = k.refs[ref]
	return taskID, taskID != "", ok
}

// Reference returns the reference that produced taskID.
func (k *SyncKeys) Reference(taskID string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ref, ok := k.byTask[taskID]
	return ref, ok
}

// Clear drops ref.
func (k *SyncKeys) Clear(ref string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if id := k.refs[ref]; id != "" {
		delete(k.byTask, id)
	}
	delete(k.refs, ref)
}

// ClearTask drops the reference bound to taskID.
func (k *SyncKeys) ClearTask(taskID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ref, ok := k.byTask[taskID]; ok {
		delete(k.refs, ref)
		delete(k.byTask, taskID)
	}
}

// ClearAll drops every reference.
func (k *SyncKeys) ClearAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.refs)
	clear(k.byTask)
}

// Len returns the number of live references.
func (k *SyncKeys) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.refs)
}

// Track clears references as their tasks reach a terminal status. It returns
// the unsubscribe function.
func (k *SyncKeys) Track(tasks *TaskStore) func() {
	return tasks.Subscribe(func(t Task) {
		if t.Status.IsTerminal() {
			k.ClearTask(t.ID)
		}
	})
}
