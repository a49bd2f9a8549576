package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"
)

// ErrUnknownState is returned when a patch targets a key with no value.
var ErrUnknownState = errors.New("unknown state key")

// StateListener receives the key and its new value. A nil value means the
// key was cleared.
type StateListener func(key string, value json.RawMessage)

// StateStore maps state keys to JSON documents.
type StateStore struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
	errs   map[string]error
	byKey  map[string]*listeners[StateListener]
	all    listeners[StateListener]
	logger *slog.Logger
}

// NewStateStore creates an empty state store. A nil logger uses slog.Default.
func NewStateStore(logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		values: make(map[string]json.RawMessage),
		errs:   make(map[string]error),
		byKey:  make(map[string]*listeners[StateListener]),
		logger: logger,
	}
}

// SetState replaces the value for key and clears its error.
func (s *StateStore) SetState(key string, value json.RawMessage) {
	v := bytes.Clone(value)
	s.mu.Lock()
	s.values[key] = v
	delete(s.errs, key)
	fns := s.listenersFor(key)
	s.mu.Unlock()

	s.notify(fns, key, v)
}

// ApplyPatch applies RFC 6902 operations to the value for key. The new
// document is built from a copy and swapped in only when every operation
// succeeds. Unknown keys are skipped with a warning and ErrUnknownState.
func (s *StateStore) ApplyPatch(key string, ops json.RawMessage) error {
	patch, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		s.logger.Warn("state patch rejected", "state", key, "error", err)
		return fmt.Errorf("decode patch for %s: %w", key, err)
	}

	s.mu.Lock()
	current, ok := s.values[key]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("state patch for unknown key skipped", "state", key)
		return fmt.Errorf("patch %s: %w", key, ErrUnknownState)
	}
	next, err := patch.Apply(current)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("state patch failed", "state", key, "error", err)
		return fmt.Errorf("apply patch to %s: %w", key, err)
	}
	s.values[key] = next
	fns := s.listenersFor(key)
	s.mu.Unlock()

	s.notify(fns, key, next)
	return nil
}

// SetError records a fetch or validation failure for key.
func (s *StateStore) SetError(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, key)
		return
	}
	s.errs[key] = err
}

// Error returns the last recorded error for key.
func (s *StateStore) Error(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs[key]
}

// Get returns a copy of the value for key.
func (s *StateStore) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// Decode unmarshals the value for key into v.
func (s *StateStore) Decode(key string, v any) error {
	raw, ok := s.Get(key)
	if !ok {
		return fmt.Errorf("decode %s: %w", key, ErrUnknownState)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Select reads a nested value by dot-separated path ("position.x"). Missing
// keys or segments return false. An empty path selects the whole document.
func (s *StateStore) Select(key, path string) (any, bool) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if path == "" {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false
		}
		return v, true
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Keys returns the stored keys in sorted order.
func (s *StateStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Clear removes key and its error.
func (s *StateStore) Clear(key string) {
	s.mu.Lock()
	_, had := s.values[key]
	delete(s.values, key)
	delete(s.errs, key)
	var fns []StateListener
	if had {
		fns = s.listenersFor(key)
	}
	s.mu.Unlock()

	s.notify(fns, key, nil)
}

// ClearAll removes every key.
func (s *StateStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]json.RawMessage)
	s.errs = make(map[string]error)
}

// Subscribe registers fn for changes to one key.
func (s *StateStore) Subscribe(key string, fn StateListener) func() {
	s.mu.Lock()
	l, ok := s.byKey[key]
	if !ok {
		l = &listeners[StateListener]{}
		s.byKey[key] = l
	}
	sid := l.add(fn)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			l.remove(sid)
			if l.len() == 0 && s.byKey[key] == l {
				delete(s.byKey, key)
			}
		})
	}
}

// SubscribeAll registers fn for changes to any key.
func (s *StateStore) SubscribeAll(fn StateListener) func() {
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

func (s *StateStore) listenersFor(key string) []StateListener {
	fns := s.byKey[key].snapshot()
	return append(fns, s.all.snapshot()...)
}

func (s *StateStore) notify(fns []StateListener, key string, value json.RawMessage) {
	for _, fn := range fns {
		var v json.RawMessage
		if value != nil {
			v = bytes.Clone(value)
		}
		fn(key, v)
	}
}
