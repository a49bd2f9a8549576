package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/basket/devsync/internal/bus"
	otelPkg "github.com/basket/devsync/internal/otel"
	"github.com/basket/devsync/internal/store"
	"github.com/basket/devsync/internal/telemetry"
)

const (
	defaultEarlyPerTask = 32
	defaultEarlyTTL     = 10 * time.Second
	defaultEarlyTasks   = 256
)

// Notifier surfaces user-visible notices. bus.Notifier implements it.
type Notifier interface {
	Success(taskID, action string)
}

// EarlyEvents bounds the buffer for task frames that arrive before the
// task is registered locally.
type EarlyEvents struct {
	MaxPerTask int
	TTL        time.Duration
	MaxTasks   int
}

// Config wires a Dispatcher to its stores. Tasks, States and Locks are
// required; everything else is optional.
type Config struct {
	Tasks       *store.TaskStore
	States      *store.StateStore
	Locks       *store.LockStore
	Notifier    Notifier
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *otelPkg.Metrics
	EarlyEvents EarlyEvents
	Now         func() time.Time
}

// StateListener receives the resolved value after a STATE_UPDATE or a
// successful STATE_PATCH.
type StateListener func(key string, value json.RawMessage)

type earlyQueue struct {
	first time.Time
	msgs  []Message
}

// Dispatcher routes decoded frames to store mutations. Frames and task
// registrations are serialized by one mutex, so a frame is fully applied,
// subscribers included, before the next one starts. Subscribers must not
// call back into the Dispatcher.
type Dispatcher struct {
	mu       sync.Mutex
	tasks    *store.TaskStore
	states   *store.StateStore
	locks    *store.LockStore
	notifier Notifier
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	early    EarlyEvents
	now      func() time.Time

	pending map[string]*earlyQueue

	listenMu   sync.Mutex
	listenNext int
	listeners  map[string]map[int]StateListener
}

// NewDispatcher creates a dispatcher over the given stores.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EarlyEvents.MaxPerTask <= 0 {
		cfg.EarlyEvents.MaxPerTask = defaultEarlyPerTask
	}
	if cfg.EarlyEvents.TTL <= 0 {
		cfg.EarlyEvents.TTL = defaultEarlyTTL
	}
	if cfg.EarlyEvents.MaxTasks <= 0 {
		cfg.EarlyEvents.MaxTasks = defaultEarlyTasks
	}
	return &Dispatcher{
		tasks:     cfg.Tasks,
		states:    cfg.States,
		locks:     cfg.Locks,
		notifier:  cfg.Notifier,
		bus:       cfg.Bus,
		logger:    cfg.Logger.With("component", "dispatcher"),
		metrics:   cfg.Metrics,
		early:     cfg.EarlyEvents,
		now:       cfg.Now,
		pending:   make(map[string]*earlyQueue),
		listeners: make(map[string]map[int]StateListener),
	}
}

// Handle decodes and dispatches one raw frame. It never panics and never
// returns an error: malformed frames are logged and dropped.
func (d *Dispatcher) Handle(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		d.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
		d.metrics.DispatchError(context.Background(), "decode")
		return
	}
	if err := d.Dispatch(msg); err != nil {
		d.logger.Warn("frame not applied", "type", msg.Type, "error", err)
		d.metrics.DispatchError(context.Background(), string(msg.Type))
	}
}

// Dispatch applies one decoded frame. Panics from store subscribers are
// recovered and reported as errors.
func (d *Dispatcher) Dispatch(msg Message) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while dispatching frame", "type", msg.Type, "panic", r)
			err = fmt.Errorf("dispatch %s: panic: %v", msg.Type, r)
		}
	}()

	d.metrics.Frame(context.Background(), string(msg.Type))

	if msg.Type.TaskScoped() {
		if msg.Assignation == "" {
			return fmt.Errorf("%s frame without assignation", msg.Type)
		}
		if !d.tasks.Has(msg.Assignation) {
			d.buffer(msg)
			return nil
		}
		d.applyTask(msg)
		return nil
	}

	switch msg.Type {
	case TypeLock:
		if msg.Key == "" {
			return fmt.Errorf("LOCK frame without key")
		}
		d.locks.SetLock(msg.Key, msg.Assignation)
	case TypeUnlock:
		if msg.Key == "" {
			return fmt.Errorf("UNLOCK frame without key")
		}
		d.locks.SetLock(msg.Key, "")
	case TypeStateUpdate:
		return d.applyStateUpdate(msg)
	case TypeStatePatch:
		return d.applyStatePatch(msg)
	case TypeLog:
		d.logRemote(msg)
	case TypeRegister, TypeHeartbeatAnswer, TypeStepped:
		d.logger.Debug("frame acknowledged", "type", msg.Type, "task_id", msg.Assignation)
	default:
		d.logger.Warn("unknown frame type", "type", msg.Type)
		d.metrics.DispatchError(context.Background(), "unknown_type")
	}
	return nil
}

func (d *Dispatcher) applyTask(msg Message) {
	var u store.TaskUpdate
	status := func(s store.TaskStatus) { u.Status = &s }

	switch msg.Type {
	case TypeProgress:
		status(store.StatusRunning)
		if p, ok := msg.ProgressPercent(); ok {
			u.Progress = &p
		}
		text := msg.Message
		u.ProgressMessage = &text
	case TypeYield:
		status(store.StatusRunning)
		u.Result = msg.Returns
	case TypeDone:
		status(store.StatusCompleted)
		if len(msg.Returns) > 0 {
			u.Result = msg.Returns
		}
	case TypeError, TypeCritical:
		status(store.StatusFailed)
		text := msg.Error
		u.Error = &text
		if msg.Type == TypeCritical {
			d.logger.Error("task reported critical error", "task_id", msg.Assignation, "error", msg.Error)
		}
	case TypePaused:
		status(store.StatusPaused)
	case TypeResumed:
		status(store.StatusRunning)
	case TypeCancelled:
		status(store.StatusCancelled)
	case TypeInterrupted:
		status(store.StatusInterrupted)
	}

	prev, _ := d.tasks.Get(msg.Assignation)
	task, ok := d.tasks.UpdateTask(msg.Assignation, u)
	if !ok {
		return
	}
	if msg.Type == TypeDone && task.Notify && d.notifier != nil {
		d.notifier.Success(task.ID, task.Action)
	}
	if task.Status.IsTerminal() && !prev.Status.IsTerminal() {
		d.finished(task)
	}
}

func (d *Dispatcher) finished(task store.Task) {
	d.metrics.TaskFinished(context.Background(), task.Action, string(task.Status), task.UpdatedAt.Sub(task.CreatedAt))
	d.bus.Publish(bus.TopicTaskFinished, bus.TaskFinishedEvent{
		TaskID: task.ID,
		Action: task.Action,
		Status: string(task.Status),
		Error:  task.Error,
	})
}

func (d *Dispatcher) applyStateUpdate(msg Message) error {
	key := msg.StateKey()
	if key == "" {
		return fmt.Errorf("STATE_UPDATE frame without state name")
	}
	if len(msg.Value) == 0 {
		return fmt.Errorf("STATE_UPDATE for %s without value", key)
	}
	d.states.SetState(key, msg.Value)
	d.emitState(key)
	return nil
}

func (d *Dispatcher) applyStatePatch(msg Message) error {
	key := msg.StateKey()
	if key == "" {
		return fmt.Errorf("STATE_PATCH frame without state name")
	}
	ops, err := msg.PatchOps()
	if err != nil {
		d.metrics.StatePatch(context.Background(), key, err)
		return fmt.Errorf("STATE_PATCH for %s: %w", key, err)
	}
	err = d.states.ApplyPatch(key, ops)
	d.metrics.StatePatch(context.Background(), key, err)
	if err != nil {
		// The store has already logged the failure.
		return nil
	}
	d.emitState(key)
	return nil
}

func (d *Dispatcher) logRemote(msg Message) {
	level := telemetry.LevelFromSeverity(msg.Level)
	d.logger.Log(context.Background(), level, msg.Message, "source", "remote", "task_id", msg.Assignation)
	d.bus.Publish(bus.TopicRemoteLog, bus.RemoteLogEvent{
		TaskID:  msg.Assignation,
		Level:   msg.Level,
		Message: msg.Message,
	})
}

// buffer holds a task frame for an id that is not registered yet.
func (d *Dispatcher) buffer(msg Message) {
	now := d.now()
	d.expire(now)

	q, ok := d.pending[msg.Assignation]
	if !ok {
		if len(d.pending) >= d.early.MaxTasks {
			d.evictOldest()
		}
		q = &earlyQueue{first: now}
		d.pending[msg.Assignation] = q
	}
	if len(q.msgs) >= d.early.MaxPerTask {
		q.msgs = q.msgs[1:]
		d.logger.Debug("early event buffer full, dropping oldest", "task_id", msg.Assignation)
	}
	q.msgs = append(q.msgs, msg)
	d.metrics.EarlyEvent(context.Background())
	d.logger.Debug("buffered frame for unregistered task", "task_id", msg.Assignation, "type", msg.Type)
}

func (d *Dispatcher) expire(now time.Time) {
	for id, q := range d.pending {
		if now.Sub(q.first) > d.early.TTL {
			delete(d.pending, id)
			d.logger.Debug("dropped expired early events", "task_id", id, "count", len(q.msgs))
		}
	}
}

func (d *Dispatcher) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, q := range d.pending {
		if oldestID == "" || q.first.Before(oldest) {
			oldestID, oldest = id, q.first
		}
	}
	delete(d.pending, oldestID)
}

// takeEarly removes and returns buffered frames for id that are still fresh.
func (d *Dispatcher) takeEarly(id string) []Message {
	q, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	if d.now().Sub(q.first) > d.early.TTL {
		return nil
	}
	return q.msgs
}

// RegisterTask adds a task confirmed by the server and replays any frames
// that arrived for it first, in arrival order.
func (d *Dispatcher) RegisterTask(id, action string, args json.RawMessage, status store.TaskStatus, notify bool) store.Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	task := d.tasks.AddTask(id, action, args, status, notify)
	early := d.takeEarly(id)
	for _, msg := range early {
		d.applyTask(msg)
	}
	if len(early) > 0 {
		d.logger.Debug("replayed early events", "task_id", id, "count", len(early))
		task, _ = d.tasks.Get(id)
	}
	return task
}

// ApplySnapshot merges a task fetched over HTTP. Unknown tasks are
// registered; known ones take the snapshot's status, result, error and
// progress.
func (d *Dispatcher) ApplySnapshot(snap store.Task) store.Task {
	if !d.hasTask(snap.ID) {
		d.RegisterTask(snap.ID, snap.Action, snap.Args, snap.Status, snap.Notify)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, _ := d.tasks.Get(snap.ID)
	u := store.TaskUpdate{Status: &snap.Status, Progress: snap.Progress}
	if len(snap.Result) > 0 {
		u.Result = snap.Result
	}
	if snap.Error != "" {
		u.Error = &snap.Error
	}
	if snap.ProgressMessage != "" {
		u.ProgressMessage = &snap.ProgressMessage
	}
	task, _ := d.tasks.UpdateTask(snap.ID, u)
	if task.Status.IsTerminal() && !prev.Status.IsTerminal() {
		d.finished(task)
	}
	return task
}

func (d *Dispatcher) hasTask(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tasks.Has(id)
}

// PendingEarly returns the number of task ids with buffered frames.
func (d *Dispatcher) PendingEarly() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// OnState registers fn for pushed values of one state key and returns the
// unsubscribe function. Unlike StateStore subscriptions it fires only for
// server pushes, not for local fetches.
func (d *Dispatcher) OnState(key string, fn StateListener) func() {
	d.listenMu.Lock()
	d.listenNext++
	id := d.listenNext
	if d.listeners[key] == nil {
		d.listeners[key] = make(map[int]StateListener)
	}
	d.listeners[key][id] = fn
	d.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.listenMu.Lock()
			defer d.listenMu.Unlock()
			delete(d.listeners[key], id)
			if len(d.listeners[key]) == 0 {
				delete(d.listeners, key)
			}
		})
	}
}

func (d *Dispatcher) emitState(key string) {
	d.listenMu.Lock()
	ids := make([]int, 0, len(d.listeners[key]))
	for id := range d.listeners[key] {
		ids = append(ids, id)
	}
	fns := make([]StateListener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, d.listeners[key][id])
	}
	d.listenMu.Unlock()
	if len(fns) == 0 {
		return
	}

	value, ok := d.states.Get(key)
	if !ok {
		return
	}
	for _, fn := range fns {
		fn(key, value)
	}
}
