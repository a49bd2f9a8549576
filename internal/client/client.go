// Package client is the runtime root. It builds the stores, the dispatcher,
// the connection manager and the HTTP client once, and hands them to the
// action and state facades it creates.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/devsync/internal/action"
	"github.com/basket/devsync/internal/api"
	"github.com/basket/devsync/internal/bus"
	"github.com/basket/devsync/internal/config"
	"github.com/basket/devsync/internal/conn"
	"github.com/basket/devsync/internal/cron"
	otelPkg "github.com/basket/devsync/internal/otel"
	"github.com/basket/devsync/internal/persistence"
	"github.com/basket/devsync/internal/protocol"
	"github.com/basket/devsync/internal/schema"
	"github.com/basket/devsync/internal/statesync"
	"github.com/basket/devsync/internal/store"
)

// TransformFile is the x-transform key that turns stored file paths into
// absolute /files URLs.
const TransformFile = "file"

// ErrClosed is returned by operations on a closed runtime.
var ErrClosed = errors.New("client: runtime closed")

// Options configures a Runtime. Config and Registry are required.
type Options struct {
	Config   config.Config
	Registry *schema.Registry
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otelPkg.Metrics
	Tracer   trace.Tracer
	// Dialer overrides the coder/websocket dialer.
	Dialer conn.Dialer
	// HTTPClient overrides the instrumented default HTTP client.
	HTTPClient *http.Client
	// Journal, when set, receives every task that reaches a terminal status.
	Journal *persistence.Store
}

// StateOptions configures a mounted state facade.
type StateOptions struct {
	Subscribe        bool
	SkipInitialFetch bool
	RefreshSchedule  string
}

// Runtime owns one client instance. Several runtimes may coexist in one
// process.
type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otelPkg.Metrics
	tracer  trace.Tracer

	tasks    *store.TaskStore
	states   *store.StateStore
	locks    *store.LockStore
	syncKeys *store.SyncKeys

	dispatcher *protocol.Dispatcher
	conn       *conn.Manager
	api        *api.Client
	scheduler  *cron.Scheduler
	expander   *schema.Expander
	recorder   *persistence.Recorder

	mu            sync.Mutex
	registry      *schema.Registry
	mounted       []*statesync.State
	seenConnected bool
	started       bool
	closed        bool
	cancel        context.CancelFunc
	cleanup       []func()
	wg            sync.WaitGroup
}

// New wires a runtime. Nothing touches the network until Start.
func New(opts Options) (*Runtime, error) {
	if opts.Registry == nil {
		return nil, errors.New("client: registry is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(otelPkg.TracerName)
	}
	eventBus := opts.Bus
	if eventBus == nil {
		eventBus = bus.New()
	}

	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		bus:      eventBus,
		metrics:  opts.Metrics,
		tracer:   tracer,
		tasks:    store.NewTaskStore(),
		states:   store.NewStateStore(logger),
		locks:    store.NewLockStore(),
		syncKeys: store.NewSyncKeys(),
		registry: opts.Registry,
	}

	apiClient, err := api.New(api.Options{
		BaseURL:    cfg.APIEndpoint,
		InstanceID: cfg.InstanceID,
		HTTPClient: opts.HTTPClient,
		Timeout:    cfg.HTTPTimeout(),
		Tracer:     tracer,
		Metrics:    opts.Metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	r.api = apiClient

	r.dispatcher = protocol.NewDispatcher(protocol.Config{
		Tasks:    r.tasks,
		States:   r.states,
		Locks:    r.locks,
		Notifier: bus.Notifier{Bus: eventBus},
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  opts.Metrics,
		EarlyEvents: protocol.EarlyEvents{
			MaxPerTask: cfg.EarlyEvents.MaxPerTask,
			TTL:        cfg.EarlyEvents.TTL(),
		},
	})

	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = conn.WebSocketDialer{}
	}
	r.conn, err = conn.NewManager(conn.Options{
		URL:          wsURL,
		Dialer:       dialer,
		Handler:      r.dispatcher.Handle,
		PingInterval: cfg.PingInterval(),
		Backoff: conn.BackoffConfig{
			InitialDelay: cfg.Reconnect.InitialDelay(),
			MaxDelay:     cfg.Reconnect.MaxDelay(),
			Multiplier:   cfg.Reconnect.BackoffMultiplier,
			Jitter:       cfg.Reconnect.Jitter,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
		},
		Logger:  logger,
		Metrics: opts.Metrics,
		Bus:     eventBus,
	})
	if err != nil {
		return nil, err
	}

	r.scheduler = cron.NewScheduler(cron.Config{Logger: logger, JobTimeout: cfg.HTTPTimeout()})
	r.expander = schema.NewExpander(map[string]schema.TransformFunc{
		TransformFile: r.fileURL,
	})

	// The recorder subscribes before the sync-key tracker so it still sees
	// the reference of a task that just finished.
	if opts.Journal != nil {
		r.recorder = persistence.NewRecorder(opts.Journal, r.reference, logger)
		r.cleanup = append(r.cleanup, r.recorder.Attach(r.tasks))
	}
	r.cleanup = append(r.cleanup,
		r.syncKeys.Track(r.tasks),
		r.conn.Subscribe(r.connectionChanged),
	)
	return r, nil
}

func (r *Runtime) reference(taskID string) string {
	ref, _ := r.syncKeys.Reference(taskID)
	return ref
}

func (r *Runtime) fileURL(v any) any {
	path, ok := v.(string)
	if !ok || path == "" {
		return v
	}
	return r.api.FileURL(path)
}

// Start launches the scheduler, the journal writer and the definitions
// watcher, then opens the connection. A failed first dial is returned; the
// manager keeps retrying in the background.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.mu.Unlock()

	r.scheduler.Start()
	if r.recorder != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.recorder.Run(runCtx)
		}()
	}
	if r.cfg.DefinitionsPath != "" {
		if err := r.watchDefinitions(runCtx); err != nil {
			r.logger.Warn("definitions watcher not started", "path", r.cfg.DefinitionsPath, "error", err)
		}
	}

	if err := r.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (r *Runtime) watchDefinitions(ctx context.Context) error {
	w := config.NewWatcher(r.logger, r.cfg.DefinitionsPath)
	if err := w.Start(ctx); err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range w.Events() {
			if err := r.ReloadDefinitions(ev.Path); err != nil {
				r.logger.Error("definitions reload failed", "path", ev.Path, "error", err)
			}
		}
	}()
	return nil
}

// ReloadDefinitions swaps in the registry read from path. Facades created
// earlier keep the definition they were built with.
func (r *Runtime) ReloadDefinitions(path string) error {
	reg, err := schema.LoadRegistry(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.registry = reg
	r.mu.Unlock()
	r.logger.Info("definitions reloaded", "path", path,
		"actions", len(reg.Actions()), "states", len(reg.States()), "locks", len(reg.Locks()))
	return nil
}

// Close disconnects, stops background work and clears the stores. It is
// safe to call more than once.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	mounted := r.mounted
	r.mounted = nil
	cleanup := r.cleanup
	r.cleanup = nil
	r.mu.Unlock()

	r.conn.Disconnect()
	r.scheduler.Stop()
	for _, s := range mounted {
		s.Close()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	for _, fn := range cleanup {
		fn()
	}

	r.tasks.ClearAll()
	r.states.ClearAll()
	r.locks.ClearAll()
	r.syncKeys.ClearAll()
	return nil
}

// Registry returns the current definitions.
func (r *Runtime) Registry() *schema.Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry
}

func (r *Runtime) Tasks() *store.TaskStore          { return r.tasks }
func (r *Runtime) States() *store.StateStore        { return r.states }
func (r *Runtime) Locks() *store.LockStore          { return r.locks }
func (r *Runtime) SyncKeys() *store.SyncKeys        { return r.syncKeys }
func (r *Runtime) Dispatcher() *protocol.Dispatcher { return r.dispatcher }
func (r *Runtime) Conn() *conn.Manager              { return r.conn }
func (r *Runtime) API() *api.Client                 { return r.api }
func (r *Runtime) Bus() *bus.Bus                    { return r.bus }

// Action returns a new facade for the named action. Each facade tracks its
// own current task.
func (r *Runtime) Action(name string) (*action.Action, error) {
	def, ok := r.Registry().Action(name)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	return r.NewAction(def)
}

// NewAction builds a facade for a definition that need not be registered.
func (r *Runtime) NewAction(def schema.ActionDefinition) (*action.Action, error) {
	return action.New(action.Options{
		Definition: def,
		Backend:    r.api,
		Registrar:  r.dispatcher,
		Tasks:      r.tasks,
		Locks:      r.locks,
		SyncKeys:   r.syncKeys,
		Logger:     r.logger,
		Metrics:    r.metrics,
		Tracer:     r.tracer,
	})
}

// State mounts a facade for the named state.
func (r *Runtime) State(ctx context.Context, key string, opts StateOptions) (*statesync.State, error) {
	def, ok := r.Registry().State(key)
	if !ok {
		return nil, fmt.Errorf("unknown state %q", key)
	}
	return r.MountState(ctx, def, opts)
}

// MountState mounts a facade for def. The runtime closes it on Close.
func (r *Runtime) MountState(ctx context.Context, def schema.StateDefinition, opts StateOptions) (*statesync.State, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	s, err := statesync.Mount(ctx, statesync.Options{
		Definition:       def,
		Fetcher:          r.api,
		Push:             r.dispatcher,
		States:           r.states,
		Subscribe:        opts.Subscribe,
		SkipInitialFetch: opts.SkipInitialFetch,
		Expander:         r.expander,
		RefreshSchedule:  opts.RefreshSchedule,
		Scheduler:        r.scheduler,
		Logger:           r.logger,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	live := r.mounted[:0]
	for _, m := range r.mounted {
		if !m.Closed() {
			live = append(live, m)
		}
	}
	r.mounted = append(live, s)
	r.mu.Unlock()
	return s, nil
}

// Task returns the task with id, fetching and registering it over HTTP when
// it is not known locally.
func (r *Runtime) Task(ctx context.Context, id string) (store.Task, error) {
	if t, ok := r.tasks.Get(id); ok {
		return t, nil
	}
	snap, err := r.api.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return r.dispatcher.ApplySnapshot(snap.Task()), nil
}

// RemoveTask forgets a task and the sync reference bound to it.
func (r *Runtime) RemoveTask(id string) {
	r.tasks.Remove(id)
	r.syncKeys.ClearTask(id)
}

// RefreshTasks re-reads every non-terminal task and merges the snapshots.
// It keeps going past individual failures and returns them joined.
func (r *Runtime) RefreshTasks(ctx context.Context) error {
	var errs []error
	for _, t := range r.tasks.Active() {
		snap, err := r.api.GetTask(ctx, t.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh task %s: %w", t.ID, err))
			continue
		}
		task := snap.Task()
		if task.Action == "" {
			task.Action = t.Action
		}
		r.dispatcher.ApplySnapshot(task)
	}
	return errors.Join(errs...)
}

// RefetchStates re-reads every mounted state.
func (r *Runtime) RefetchStates(ctx context.Context) error {
	r.mu.Lock()
	mounted := append([]*statesync.State(nil), r.mounted...)
	r.mu.Unlock()

	var errs []error
	for _, s := range mounted {
		if s.Closed() {
			continue
		}
		if err := s.Refetch(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refetch %s: %w", s.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// connectionChanged runs on the connection manager's notify path and must
// not block.
func (r *Runtime) connectionChanged(st conn.Status) {
	if st.State != conn.StateConnected {
		return
	}
	r.mu.Lock()
	reconnected := r.seenConnected
	r.seenConnected = true
	if !reconnected || r.closed || !r.cfg.RefetchOnReconnect {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HTTPTimeout())
		defer cancel()
		if err := r.RefetchStates(ctx); err != nil {
			r.logger.Warn("refetch after reconnect failed", "error", err)
		}
		if err := r.RefreshTasks(ctx); err != nil {
			r.logger.Warn("task refresh after reconnect failed", "error", err)
		}
	}()
}
