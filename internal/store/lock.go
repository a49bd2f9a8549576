package store

import (
	"sync"
)

// LockListener receives a lock change. An empty owner means released.
type LockListener func(key, owner string)

// LockStore mirrors server-granted locks: key to owning task id.
// An absent key is unlocked.
type LockStore struct {
	mu     sync.RWMutex
	owners map[string]string
	subs   listeners[LockListener]
}

// NewLockStore creates an empty lock store.
func NewLockStore() *LockStore {
	return &LockStore{owners: make(map[string]string)}
}

// SetLock records owner for key. An empty owner releases the lock.
func (s *LockStore) SetLock(key, owner string) {
	s.mu.Lock()
	prev := s.owners[key]
	if owner == "" {
		delete(s.owners, key)
	} else {
		s.owners[key] = owner
	}
	var fns []LockListener
	if prev != owner {
		fns = s.subs.snapshot()
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(key, owner)
	}
}

// Owner returns the task holding key.
func (s *LockStore) Owner(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[key]
	return owner, ok
}

// Held returns the first of keys that is currently locked, with its owner.
func (s *LockStore) Held(keys []string) (key, owner string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		if o, held := s.owners[k]; held {
			return k, o, true
		}
	}
	return "", "", false
}

// Snapshot returns a copy of all held locks.
func (s *LockStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.owners))
	for k, v := range s.owners {
		out[k] = v
	}
	return out
}

// ClearAll releases every lock without notifying subscribers.
func (s *LockStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = make(map[string]string)
}

// Subscribe registers fn for every lock change.
func (s *LockStore) Subscribe(fn LockListener) func() {
	s.mu.Lock()
	sid := s.subs.add(fn)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs.remove(sid)
		})
	}
}
