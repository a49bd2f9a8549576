package persistence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/devsync/internal/store"
)

const defaultRecorderBuffer = 64

// ReferenceFunc resolves the sync-key reference for a task id, if any.
type ReferenceFunc func(taskID string) string

// Recorder writes tasks to the journal once they reach a terminal status.
// Observe never blocks; writes happen on the recorder goroutine.
type Recorder struct {
	store     *Store
	logger    *slog.Logger
	reference ReferenceFunc
	queue     chan Entry

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

func NewRecorder(s *Store, reference ReferenceFunc, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:     s,
		logger:    logger,
		reference: reference,
		queue:     make(chan Entry, defaultRecorderBuffer),
		done:      make(chan struct{}),
	}
}

// Observe queues task if it is terminal. It is shaped as a store.TaskListener.
func (r *Recorder) Observe(task store.Task) {
	if !task.Status.IsTerminal() {
		return
	}
	ref := ""
	if r.reference != nil {
		ref = r.reference(task.ID)
	}
	select {
	case r.queue <- EntryFromTask(task, ref):
	default:
		r.logger.Warn("journal queue full, dropping entry", "task_id", task.ID, "status", task.Status)
	}
}

// Attach subscribes the recorder to every task in tasks.
func (r *Recorder) Attach(tasks *store.TaskStore) func() {
	return tasks.Subscribe(r.Observe)
}

// Run drains the queue until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case e := <-r.queue:
			r.write(context.Background(), e)
		}
	}
}

// Done is closed when Run returns.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) flush() {
	for {
		select {
		case e := <-r.queue:
			r.write(context.Background(), e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	if err := r.store.RecordTask(ctx, e); err != nil {
		r.logger.Error("journal write failed", "task_id", e.TaskID, "error", err)
	}
}
