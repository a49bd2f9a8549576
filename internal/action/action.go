// Package action is the per-action facade: it gates on locks, validates
// arguments, assigns the task over HTTP and exposes the task's live state.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/devsync/internal/api"
	otelPkg "github.com/basket/devsync/internal/otel"
	"github.com/basket/devsync/internal/schema"
	"github.com/basket/devsync/internal/store"
)

// Backend is the subset of api.Client used by actions.
type Backend interface {
	Assign(ctx context.Context, req api.AssignRequest) (api.AssignResponse, error)
	Control(ctx context.Context, id string, op api.ControlOp) error
}

// Registrar records a confirmed task. protocol.Dispatcher implements it so
// that frames which raced ahead of the assign response are replayed.
type Registrar interface {
	RegisterTask(id, action string, args json.RawMessage, status store.TaskStatus, notify bool) store.Task
}

// Options wires an Action. Definition, Backend, Registrar, Tasks and Locks
// are required.
type Options struct {
	Definition schema.ActionDefinition
	Backend    Backend
	Registrar  Registrar
	Tasks      *store.TaskStore
	Locks      *store.LockStore
	SyncKeys   *store.SyncKeys
	Logger     *slog.Logger
	Metrics    *otelPkg.Metrics
	Tracer     trace.Tracer
}

// AssignOptions are per-call settings.
type AssignOptions struct {
	// Notify raises a success notification when the task completes.
	Notify bool
	// Step asks the backend to pause at the first breakpoint.
	Step bool
	// Timeout is forwarded to the backend.
	Timeout time.Duration
}

// Action invokes one remote action.
type Action struct {
	def      schema.ActionDefinition
	args     *schema.Validator
	returns  *schema.Validator
	backend  Backend
	registry Registrar
	tasks    *store.TaskStore
	locks    *store.LockStore
	syncKeys *store.SyncKeys
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer

	mu      sync.Mutex
	current string
}

// New compiles the action's schemas and returns the facade.
func New(opts Options) (*Action, error) {
	def := opts.Definition
	if def.Name == "" {
		return nil, errors.New("action: definition has no name")
	}
	if opts.Backend == nil || opts.Registrar == nil || opts.Tasks == nil || opts.Locks == nil {
		return nil, fmt.Errorf("action %s: backend, registrar, tasks and locks are required", def.Name)
	}
	args, err := schema.Compile(def.Name+" args", def.ArgsSchema)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", def.Name, err)
	}
	returns, err := schema.Compile(def.Name+" returns", def.ReturnSchema)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", def.Name, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(otelPkg.TracerName)
	}
	syncKeys := opts.SyncKeys
	if syncKeys == nil {
		syncKeys = store.NewSyncKeys()
	}
	return &Action{
		def:      def,
		args:     args,
		returns:  returns,
		backend:  opts.Backend,
		registry: opts.Registrar,
		tasks:    opts.Tasks,
		locks:    opts.Locks,
		syncKeys: syncKeys,
		logger:   logger.With("component", "action", "action", def.Name),
		metrics:  opts.Metrics,
		tracer:   tracer,
	}, nil
}

// Name returns the action name.
func (a *Action) Name() string { return a.def.Name }

// Definition returns the action's definition.
func (a *Action) Definition() schema.ActionDefinition { return a.def }

// Assign starts the action. A held lock or invalid arguments fail before any
// request is made. Network failures are returned as-is and create no task.
func (a *Action) Assign(ctx context.Context, args any, opts AssignOptions) (store.Task, error) {
	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "action.assign", otelPkg.AttrAction.String(a.def.Name))
	defer span.End()

	if key, owner, held := a.locks.Held(a.def.LockKeys); held {
		a.metrics.AssignRejected(ctx, a.def.Name, "locked")
		span.SetAttributes(otelPkg.AttrLockKey.String(key), otelPkg.AttrTaskID.String(owner))
		span.SetStatus(codes.Error, "locked")
		return store.Task{}, &LockedError{Action: a.def.Name, Key: key, Owner: owner}
	}
	if args == nil {
		args = map[string]any{}
	}
	body, err := a.args.ValidateValue(args)
	if err != nil {
		a.metrics.AssignRejected(ctx, a.def.Name, "invalid")
		span.SetStatus(codes.Error, "invalid arguments")
		return store.Task{}, err
	}

	ref := a.syncKeys.Create()
	resp, err := a.backend.Assign(ctx, api.AssignRequest{
		Action:    a.def.Name,
		Args:      body,
		Reference: ref,
		Step:      opts.Step,
		Timeout:   opts.Timeout,
	})
	if err != nil {
		a.syncKeys.Clear(ref)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return store.Task{}, fmt.Errorf("assign %s: %w", a.def.Name, err)
	}
	a.syncKeys.Resolve(ref, resp.TaskID)
	span.SetAttributes(otelPkg.AttrTaskID.String(resp.TaskID))

	a.mu.Lock()
	a.current = resp.TaskID
	a.mu.Unlock()

	task := a.registry.RegisterTask(resp.TaskID, a.def.Name, body, resp.Status, opts.Notify)
	a.logger.Info("task assigned", "task_id", task.ID, "status", task.Status)
	return task, nil
}

// Call assigns the action and waits for it to finish. It returns the result
// of a completed task, or a *TaskError for failed, cancelled and interrupted
// tasks.
func (a *Action) Call(ctx context.Context, args any, opts AssignOptions) (json.RawMessage, error) {
	task, err := a.Assign(ctx, args, opts)
	if err != nil {
		return nil, err
	}
	final, err := a.waitFor(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return a.outcome(final)
}

// Wait blocks until the current task is terminal and returns its outcome
// like Call.
func (a *Action) Wait(ctx context.Context) (json.RawMessage, error) {
	id, ok := a.Current()
	if !ok {
		return nil, ErrNoTask
	}
	final, err := a.waitFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.outcome(final)
}

func (a *Action) outcome(t store.Task) (json.RawMessage, error) {
	if t.Status != store.StatusCompleted {
		return nil, &TaskError{TaskID: t.ID, Status: t.Status, Message: t.Error}
	}
	if len(t.Result) > 0 {
		if err := a.returns.Validate(t.Result); err != nil {
			return nil, err
		}
	}
	return t.Result, nil
}

// waitFor subscribes before checking the current status so a transition
// between the check and the wait is not missed.
func (a *Action) waitFor(ctx context.Context, id string) (store.Task, error) {
	done := make(chan store.Task, 1)
	unsubscribe := a.tasks.SubscribeToTask(id, func(t store.Task) {
		if t.Status.IsTerminal() {
			select {
			case done <- t:
			default:
			}
		}
	})
	defer unsubscribe()

	if t, ok := a.tasks.Get(id); ok && t.Status.IsTerminal() {
		return t, nil
	}
	select {
	case t := <-done:
		return t, nil
	case <-ctx.Done():
		return store.Task{}, fmt.Errorf("wait for task %s: %w", id, ctx.Err())
	}
}

// Current returns the id of the most recently assigned task.
func (a *Action) Current() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.current != ""
}

// Cancel requests cancellation of the current task. On success the task is
// marked cancelled locally until the server confirms.
func (a *Action) Cancel(ctx context.Context) error {
	id, ok := a.Current()
	if !ok {
		return nil
	}
	if err := a.control(ctx, id, api.OpCancel); err != nil {
		return err
	}
	if t, ok := a.tasks.Get(id); ok && !t.Status.IsTerminal() {
		cancelled := store.StatusCancelled
		a.tasks.UpdateTask(id, store.TaskUpdate{Status: &cancelled})
	}
	return nil
}

// Pause pauses the current task.
func (a *Action) Pause(ctx context.Context) error { return a.controlCurrent(ctx, api.OpPause) }

// Resume resumes the current task.
func (a *Action) Resume(ctx context.Context) error { return a.controlCurrent(ctx, api.OpResume) }

// Step advances the current task past its breakpoint.
func (a *Action) Step(ctx context.Context) error { return a.controlCurrent(ctx, api.OpStep) }

func (a *Action) controlCurrent(ctx context.Context, op api.ControlOp) error {
	id, ok := a.Current()
	if !ok {
		return nil
	}
	return a.control(ctx, id, op)
}

func (a *Action) control(ctx context.Context, id string, op api.ControlOp) error {
	if err := a.backend.Control(ctx, id, op); err != nil {
		return fmt.Errorf("%s task %s: %w", op, id, err)
	}
	a.logger.Debug("task control sent", "task_id", id, "op", op)
	return nil
}

// View is the derived, read-only state of an action.
type View struct {
	Task        *store.Task
	Status      store.TaskStatus
	Result      json.RawMessage
	Error       string
	Progress    *int
	IsLoading   bool
	IsLocked    bool
	LockedBy    string
	LockedByKey string
}

// View returns the current derived state.
func (a *Action) View() View {
	var v View
	if id, ok := a.Current(); ok {
		if t, ok := a.tasks.Get(id); ok {
			v.Task = &t
			v.Status = t.Status
			v.Result = t.Result
			v.Error = t.Error
			v.Progress = t.Progress
			v.IsLoading = t.Loading()
		}
	}
	if key, owner, held := a.locks.Held(a.def.LockKeys); held {
		v.IsLocked = true
		v.LockedBy = owner
		v.LockedByKey = key
	}
	return v
}

// Subscribe calls fn with a fresh View whenever the current task or one of
// the action's lock keys changes.
func (a *Action) Subscribe(fn func(View)) func() {
	unsubTasks := a.tasks.Subscribe(func(t store.Task) {
		if id, ok := a.Current(); ok && id == t.ID {
			fn(a.View())
		}
	})
	unsubLocks := a.locks.Subscribe(func(key, _ string) {
		if slices.Contains(a.def.LockKeys, key) {
			fn(a.View())
		}
	})
	return func() {
		unsubTasks()
		unsubLocks()
	}
}
