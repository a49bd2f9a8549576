// Package statesync is the per-state facade: it fetches a state over HTTP,
// mirrors the shared store and surfaces only values that pass the state's
// schema.
package statesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/devsync/internal/cron"
	"github.com/basket/devsync/internal/protocol"
	"github.com/basket/devsync/internal/schema"
	"github.com/basket/devsync/internal/store"
)

// Fetcher reads a state's current value. api.Client implements it.
type Fetcher interface {
	GetState(ctx context.Context, key string) (json.RawMessage, error)
}

// PushSource delivers values pushed by the server. protocol.Dispatcher
// implements it.
type PushSource interface {
	OnState(key string, fn protocol.StateListener) func()
}

// Options configures a State. Definition, Fetcher and States are required;
// Push is required when Subscribe is set.
type Options struct {
	Definition schema.StateDefinition
	Fetcher    Fetcher
	Push       PushSource
	States     *store.StateStore
	// Subscribe validates server pushes as they arrive and records invalid
	// ones as the state's error in the shared store.
	Subscribe bool
	// SkipInitialFetch disables the fetch performed by Mount.
	SkipInitialFetch bool
	// Expander rewrites tagged schema positions in surfaced data.
	Expander *schema.Expander
	// RefreshSchedule is a cron expression ("@every 30s") for periodic
	// refetches, run on Scheduler.
	RefreshSchedule string
	Scheduler       *cron.Scheduler
	Logger          *slog.Logger
}

// Snapshot is the consumer-visible state of one facade.
type Snapshot struct {
	Data    json.RawMessage
	Loading bool
	Err     error
}

// State mirrors one server-side state.
type State struct {
	key       string
	validator *schema.Validator
	node      *schema.Node
	expander  *schema.Expander
	fetcher   Fetcher
	states    *store.StateStore
	logger    *slog.Logger
	scheduler *cron.Scheduler

	mu        sync.Mutex
	data      json.RawMessage
	loading   bool
	err       error
	nextSub   int
	listeners map[int]func(Snapshot)
	cleanup   []func()
	closed    bool
}

// Mount creates the facade. Unless SkipInitialFetch is set it fetches the
// value before returning; a failed fetch is reported through Snapshot().Err
// rather than as an error from Mount.
func Mount(ctx context.Context, opts Options) (*State, error) {
	def := opts.Definition
	if def.Key == "" {
		return nil, errors.New("statesync: definition has no key")
	}
	if opts.Fetcher == nil || opts.States == nil {
		return nil, fmt.Errorf("statesync %s: fetcher and state store are required", def.Key)
	}
	if opts.Subscribe && opts.Push == nil {
		return nil, fmt.Errorf("statesync %s: subscribe requires a push source", def.Key)
	}
	if opts.RefreshSchedule != "" && opts.Scheduler == nil {
		return nil, fmt.Errorf("statesync %s: refresh schedule requires a scheduler", def.Key)
	}
	v, err := schema.Compile(def.Key, def.Schema)
	if err != nil {
		return nil, fmt.Errorf("statesync %s: %w", def.Key, err)
	}
	node, err := schema.ParseNode(def.Schema)
	if err != nil {
		return nil, fmt.Errorf("statesync %s: %w", def.Key, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &State{
		key:       def.Key,
		validator: v,
		node:      node,
		expander:  opts.Expander,
		fetcher:   opts.Fetcher,
		states:    opts.States,
		logger:    logger.With("component", "statesync", "state", def.Key),
		scheduler: opts.Scheduler,
		listeners: make(map[int]func(Snapshot)),
	}

	s.cleanup = append(s.cleanup, opts.States.Subscribe(def.Key, s.mirror))
	if raw, ok := opts.States.Get(def.Key); ok {
		s.mirror(def.Key, raw)
	}
	if opts.Subscribe {
		s.cleanup = append(s.cleanup, opts.Push.OnState(def.Key, s.pushed))
	}
	if opts.RefreshSchedule != "" {
		id, err := opts.Scheduler.Add("refetch "+def.Key, opts.RefreshSchedule, func(ctx context.Context) {
			_ = s.Refetch(ctx)
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("statesync %s: %w", def.Key, err)
		}
		s.cleanup = append(s.cleanup, func() { opts.Scheduler.Remove(id) })
	}

	if !opts.SkipInitialFetch {
		_ = s.Refetch(ctx)
	}
	return s, nil
}

// Key returns the state key.
func (s *State) Key() string { return s.key }

// Refetch fetches the value over HTTP. A valid value replaces the store
// entry, which every facade for the key then mirrors. An invalid value is
// not stored.
func (s *State) Refetch(ctx context.Context) error {
	s.update(func() { s.loading = true })

	raw, err := s.fetcher.GetState(ctx, s.key)
	if err == nil {
		err = s.validator.Validate(raw)
	}
	if err != nil {
		s.logger.Warn("state fetch rejected", "error", err)
		s.states.SetError(s.key, err)
		s.update(func() {
			s.loading = false
			s.err = err
		})
		return err
	}

	s.states.SetState(s.key, raw)
	s.update(func() { s.loading = false })
	return nil
}

// mirror follows the shared store. Values that fail validation leave the
// surfaced data unchanged.
func (s *State) mirror(_ string, value json.RawMessage) {
	if value == nil {
		s.update(func() {
			s.data = nil
			s.err = nil
		})
		return
	}
	if err := s.validator.Validate(value); err != nil {
		s.update(func() { s.err = err })
		return
	}
	data, err := s.surface(value)
	s.update(func() {
		if err != nil {
			s.err = err
			return
		}
		s.data = data
		s.err = nil
	})
}

// pushed validates a server push and shares a failure with other consumers.
func (s *State) pushed(_ string, value json.RawMessage) {
	if err := s.validator.Validate(value); err != nil {
		s.logger.Warn("pushed state failed validation", "error", err)
		s.states.SetError(s.key, err)
	}
}

func (s *State) surface(value json.RawMessage) (json.RawMessage, error) {
	if s.expander == nil || !s.node.Tagged() {
		return bytes.Clone(value), nil
	}
	return s.expander.ExpandJSON(s.node, value)
}

func (s *State) update(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn()
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for id := 1; id <= s.nextSub; id++ {
		if l, ok := s.listeners[id]; ok {
			fns = append(fns, l)
		}
	}
	s.mu.Unlock()

	for _, l := range fns {
		l(snap)
	}
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{Data: bytes.Clone(s.data), Loading: s.loading, Err: s.err}
}

// Snapshot returns data, loading and error together.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Data returns the last valid value, nil before the first one.
func (s *State) Data() json.RawMessage { return s.Snapshot().Data }

// Loading reports whether a fetch is in flight.
func (s *State) Loading() bool { return s.Snapshot().Loading }

// Err returns the last fetch or validation error.
func (s *State) Err() error { return s.Snapshot().Err }

// Decode unmarshals the current data into v.
func (s *State) Decode(v any) error {
	data := s.Data()
	if data == nil {
		return fmt.Errorf("decode %s: no data", s.key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.key, err)
	}
	return nil
}

// Subscribe calls fn with a fresh Snapshot after every change.
func (s *State) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close detaches the facade from the store, the push source and the
// scheduler. The shared store entry is kept.
func (s *State) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cleanup := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	for _, fn := range cleanup {
		fn()
	}
}

// Closed reports whether Close has been called.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
