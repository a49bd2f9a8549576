package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/devsync/internal/action"
	"github.com/basket/devsync/internal/bus"
	"github.com/basket/devsync/internal/config"
	"github.com/basket/devsync/internal/persistence"
	"github.com/basket/devsync/internal/schema"
	"github.com/basket/devsync/internal/store"
)

const testDefinitions = `
locks:
  - key: stage_position
actions:
  - name: move_stage
    lock_keys: [stage_position]
    args_schema:
      type: object
      properties:
        x: {type: number}
        is_absolute: {type: boolean}
      required: [x]
    return_schema:
      type: object
      properties:
        x: {type: number}
  - name: set_gain
    args_schema:
      type: object
      properties:
        gain: {type: integer}
states:
  - key: StageState
    schema:
      type: object
      properties:
        x: {type: number}
        y: {type: number}
        z: {type: number}
        a: {type: number}
  - key: Snapshot
    schema:
      type: object
      properties:
        image:
          type: string
          x-transform: file
`

// fakeDevice serves the HTTP surface and one WebSocket per client.
type fakeDevice struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	push     chan any
	requests []string
	state    map[string]string
	tasks    map[string]string
	onAssign func(w http.ResponseWriter, action string)
	sockets  int
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	d := &fakeDevice{
		t:     t,
		push:  make(chan any, 32),
		state: map[string]string{"StageState": `{"x":1,"y":2,"z":3,"a":0}`},
		tasks: map[string]string{},
	}
	d.srv = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	d.mu.Lock()
	d.requests = append(d.requests, r.Method+" "+path)
	d.mu.Unlock()

	switch {
	case path == "/ws":
		d.serveSocket(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/states/"):
		d.mu.Lock()
		v, ok := d.state[strings.TrimPrefix(path, "/states/")]
		d.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, v)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/tasks/"):
		d.mu.Lock()
		v, ok := d.tasks[strings.TrimPrefix(path, "/tasks/")]
		d.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, v)
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/tasks/"):
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost:
		d.mu.Lock()
		hook := d.onAssign
		d.mu.Unlock()
		if hook != nil {
			hook(w, strings.TrimPrefix(path, "/"))
			return
		}
		_, _ = io.WriteString(w, `{"task_id":"t-1","status":"pending"}`)
	default:
		http.NotFound(w, r)
	}
}

func (d *fakeDevice) serveSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	d.mu.Lock()
	d.sockets++
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-d.push:
			if frame == nil {
				_ = c.Close(websocket.StatusGoingAway, "restart")
				return
			}
			if err := wsjson.Write(ctx, c, frame); err != nil {
				return
			}
		}
	}
}

func (d *fakeDevice) send(frame map[string]any) { d.push <- frame }

func (d *fakeDevice) dropSocket() { d.push <- nil }

func (d *fakeDevice) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runtimeOpts struct {
	refetchOnReconnect bool
	journal            *persistence.Store
	definitionsPath    string
}

func newRuntime(t *testing.T, d *fakeDevice, o runtimeOpts) *Runtime {
	t.Helper()
	reg, err := schema.ParseRegistry([]byte(testDefinitions))
	if err != nil {
		t.Fatalf("parse definitions: %v", err)
	}
	cfg := config.Config{
		APIEndpoint:        d.srv.URL + "/api",
		InstanceID:         "panel-test",
		PingIntervalMS:     30000,
		HTTPTimeoutSeconds: 5,
		Reconnect: config.ReconnectConfig{
			InitialDelayMS:    10,
			MaxDelayMS:        50,
			BackoffMultiplier: 2,
		},
		EarlyEvents:        config.EarlyEventsConfig{MaxPerTask: 8, TTLMS: 5000},
		RefetchOnReconnect: o.refetchOnReconnect,
		DefinitionsPath:    o.definitionsPath,
	}
	r, err := New(Options{Config: cfg, Registry: reg, Logger: quietLogger(), Journal: o.journal})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "connected", r.Conn().IsConnected)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRuntime_AssignAndTrackOverSocket(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})

	move, err := r.Action("move_stage")
	if err != nil {
		t.Fatal(err)
	}
	task, err := move.Assign(context.Background(), map[string]any{"x": 10, "is_absolute": false}, action.AssignOptions{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if task.ID != "t-1" || task.Status != store.StatusPending {
		t.Fatalf("unexpected task: %+v", task)
	}

	d.send(map[string]any{"type": "PROGRESS", "assignation": "t-1", "progress": 50})
	waitFor(t, "progress 50", func() bool {
		got, _ := r.Tasks().Get("t-1")
		return got.Status == store.StatusRunning && got.Progress != nil && *got.Progress == 50
	})

	d.send(map[string]any{"type": "DONE", "assignation": "t-1"})
	waitFor(t, "completed", func() bool {
		got, _ := r.Tasks().Get("t-1")
		return got.Status == store.StatusCompleted
	})
	if r.SyncKeys().Len() != 0 {
		t.Fatalf("expected sync key cleared after terminal status, got %d", r.SyncKeys().Len())
	}
}

func TestRuntime_RemoveTaskClearsReference(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})

	move, err := r.Action("move_stage")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := move.Assign(context.Background(), map[string]any{"x": 1}, action.AssignOptions{}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, ok := r.SyncKeys().Reference("t-1"); !ok {
		t.Fatal("expected a reference for the pending task")
	}

	r.RemoveTask("t-1")
	if r.Tasks().Has("t-1") {
		t.Fatal("task still present after RemoveTask")
	}
	if _, ok := r.SyncKeys().Reference("t-1"); ok || r.SyncKeys().Len() != 0 {
		t.Fatalf("reference kept after RemoveTask (len %d)", r.SyncKeys().Len())
	}
}

func TestRuntime_LockGateBlocksNetwork(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})

	d.send(map[string]any{"type": "LOCK", "key": "stage_position", "assignation": "other-task"})
	waitFor(t, "lock", func() bool {
		owner, _ := r.Locks().Owner("stage_position")
		return owner == "other-task"
	})

	move, err := r.Action("move_stage")
	if err != nil {
		t.Fatal(err)
	}
	_, err = move.Assign(context.Background(), map[string]any{"x": 1}, action.AssignOptions{})
	var locked *action.LockedError
	if !errors.As(err, &locked) || locked.Key != "stage_position" || locked.Owner != "other-task" {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if n := d.count("POST /move_stage"); n != 0 {
		t.Fatalf("expected no assign request, got %d", n)
	}
	if len(r.Tasks().List()) != 0 {
		t.Fatal("expected no task")
	}
}

func TestRuntime_EarlyPushBeforeAssignResponse(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})

	d.mu.Lock()
	d.onAssign = func(w http.ResponseWriter, _ string) {
		d.send(map[string]any{"type": "PROGRESS", "assignation": "t-early", "progress": 30})
		d.send(map[string]any{"type": "DONE", "assignation": "t-early"})
		waitFor(t, "frames buffered", func() bool { return r.Dispatcher().PendingEarly() == 1 })
		_, _ = io.WriteString(w, `{"task_id":"t-early","status":"pending"}`)
	}
	d.mu.Unlock()

	move, err := r.Action("move_stage")
	if err != nil {
		t.Fatal(err)
	}
	task, err := move.Assign(context.Background(), map[string]any{"x": 2}, action.AssignOptions{})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if task.Status != store.StatusCompleted {
		t.Fatalf("expected buffered DONE replayed on registration, got %q", task.Status)
	}
}

func TestRuntime_CallReturnsResult(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})

	d.mu.Lock()
	d.onAssign = func(w http.ResponseWriter, _ string) {
		_, _ = io.WriteString(w, `{"task_id":"t-call","status":"pending"}`)
		go func() {
			time.Sleep(20 * time.Millisecond)
			d.send(map[string]any{"type": "YIELD", "assignation": "t-call", "returns": map[string]any{"x": 7}})
			d.send(map[string]any{"type": "DONE", "assignation": "t-call"})
		}()
	}
	d.mu.Unlock()

	move, err := r.Action("move_stage")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := move.Call(ctx, map[string]any{"x": 7}, action.AssignOptions{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"x":7}` {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestRuntime_StatePatchAndFileExpansion(t *testing.T) {
	d := newFakeDevice(t)
	d.state["Snapshot"] = `{"image":"snap.png"}`
	r := newRuntime(t, d, runtimeOpts{})
	ctx := context.Background()

	stage, err := r.State(ctx, "StageState", StateOptions{Subscribe: true})
	if err != nil {
		t.Fatal(err)
	}
	jsonEqual(t, stage.Data(), `{"x":1,"y":2,"z":3,"a":0}`)

	d.send(map[string]any{"type": "STATE_PATCH", "state": "StageState", "patch": `[{"op":"replace","path":"/x","value":5}]`})
	waitFor(t, "patched state", func() bool {
		var v map[string]float64
		return json.Unmarshal(stage.Data(), &v) == nil && v["x"] == 5
	})
	jsonEqual(t, stage.Data(), `{"x":5,"y":2,"z":3,"a":0}`)

	snap, err := r.State(ctx, "Snapshot", StateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	jsonEqual(t, snap.Data(), `{"image":"`+r.API().FileURL("snap.png")+`"}`)

	if _, err := r.State(ctx, "Nope", StateOptions{}); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestRuntime_TaskFetchesUnknownTask(t *testing.T) {
	d := newFakeDevice(t)
	d.tasks["t-remote"] = `{"task_id":"t-remote","action":"set_gain","status":"running","progress":12.6}`
	r := newRuntime(t, d, runtimeOpts{})

	task, err := r.Task(context.Background(), "t-remote")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.Action != "set_gain" || task.Status != store.StatusRunning || task.Progress == nil || *task.Progress != 13 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := r.Task(context.Background(), "t-missing"); err == nil {
		t.Fatal("expected error for unknown remote task")
	}
}

func TestRuntime_RefreshTasksMergesSnapshots(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})
	r.Dispatcher().RegisterTask("t-1", "move_stage", nil, store.StatusRunning, false)
	r.Dispatcher().RegisterTask("t-2", "move_stage", nil, store.StatusRunning, false)
	d.tasks["t-1"] = `{"id":"t-1","status":"completed","result":{"x":3}}`

	err := r.RefreshTasks(context.Background())
	if err == nil || !strings.Contains(err.Error(), "t-2") {
		t.Fatalf("expected joined error naming t-2, got %v", err)
	}
	got, _ := r.Tasks().Get("t-1")
	if got.Status != store.StatusCompleted || got.Action != "move_stage" || string(got.Result) != `{"x":3}` {
		t.Fatalf("unexpected merged task: %+v", got)
	}
}

func TestRuntime_RefetchOnReconnect(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{refetchOnReconnect: true})

	stage, err := r.State(context.Background(), "StageState", StateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n := d.count("GET /states/StageState"); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}

	d.mu.Lock()
	d.state["StageState"] = `{"x":9,"y":2,"z":3,"a":0}`
	d.mu.Unlock()
	d.dropSocket()

	waitFor(t, "refetch after reconnect", func() bool { return d.count("GET /states/StageState") >= 2 })
	waitFor(t, "refetched data", func() bool {
		var v map[string]float64
		return json.Unmarshal(stage.Data(), &v) == nil && v["x"] == 9
	})
}

func TestRuntime_NoRefetchOnReconnectByDefault(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})
	if _, err := r.State(context.Background(), "StageState", StateOptions{}); err != nil {
		t.Fatal(err)
	}

	d.dropSocket()
	waitFor(t, "second socket", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.sockets >= 2
	})
	waitFor(t, "reconnected", r.Conn().IsConnected)
	time.Sleep(50 * time.Millisecond)
	if n := d.count("GET /states/StageState"); n != 1 {
		t.Fatalf("expected no refetch, got %d fetches", n)
	}
}

func TestRuntime_JournalRecordsFinishedTasks(t *testing.T) {
	journal, err := persistence.Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{journal: journal})

	move, err := r.Action("move_stage")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := move.Assign(context.Background(), map[string]any{"x": 1}, action.AssignOptions{}); err != nil {
		t.Fatal(err)
	}
	d.send(map[string]any{"type": "ERROR", "assignation": "t-1", "error": "limit switch"})

	var entry persistence.Entry
	waitFor(t, "journal entry", func() bool {
		e, err := journal.GetEntry(context.Background(), "t-1")
		entry = e
		return err == nil
	})
	if entry.Status != "failed" || entry.Error != "limit switch" || entry.Reference == "" {
		t.Fatalf("unexpected journal entry: %+v", entry)
	}
}

func TestRuntime_ReloadDefinitionsFromWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	if err := os.WriteFile(path, []byte(testDefinitions), 0o644); err != nil {
		t.Fatal(err)
	}
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{definitionsPath: path})

	updated := testDefinitions + "  - key: FocusState\n    schema: {type: object}\n"
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = os.WriteFile(path, []byte(updated), 0o644)
		if _, ok := r.Registry().State("FocusState"); ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("registry not reloaded after definitions change")
}

func TestRuntime_NotifySuccessOnBus(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})
	sub := r.Bus().Subscribe(bus.TopicNotifySuccess)
	defer r.Bus().Unsubscribe(sub)

	move, err := r.Action("move_stage")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := move.Assign(context.Background(), map[string]any{"x": 1}, action.AssignOptions{Notify: true}); err != nil {
		t.Fatal(err)
	}
	d.send(map[string]any{"type": "DONE", "assignation": "t-1"})

	select {
	case ev := <-sub.Ch():
		n, ok := ev.Payload.(bus.NotifyEvent)
		if !ok || n.TaskID != "t-1" || n.Action != "move_stage" {
			t.Fatalf("unexpected notify payload %#v", ev.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected notify.success")
	}
}

func TestRuntime_CloseIsIdempotentAndClears(t *testing.T) {
	d := newFakeDevice(t)
	r := newRuntime(t, d, runtimeOpts{})
	st, err := r.State(context.Background(), "StageState", StateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if r.Conn().IsConnected() {
		t.Fatal("expected disconnected after Close")
	}
	if !st.Closed() {
		t.Fatal("expected mounted state closed")
	}
	if len(r.States().Keys()) != 0 {
		t.Fatal("expected state store cleared")
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := r.MountState(context.Background(), schema.StateDefinition{Key: "StageState"}, StateOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNew_RequiresRegistry(t *testing.T) {
	if _, err := New(Options{Config: config.Config{APIEndpoint: "http://d"}}); err == nil {
		t.Fatal("expected error without registry")
	}
}

func jsonEqual(t *testing.T, got json.RawMessage, want string) {
	t.Helper()
	var a, b any
	if err := json.Unmarshal(got, &a); err != nil {
		t.Fatalf("decode got %s: %v", got, err)
	}
	if err := json.Unmarshal([]byte(want), &b); err != nil {
		t.Fatalf("decode want: %v", err)
	}
	ga, _ := json.Marshal(a)
	gb, _ := json.Marshal(b)
	if string(ga) != string(gb) {
		t.Fatalf("got %s, want %s", ga, gb)
	}
}
