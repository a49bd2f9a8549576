package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/devsync/internal/bus"
	"github.com/basket/devsync/internal/store"
)

// ErrNotFound is returned by GetEntry for an unknown task id.
var ErrNotFound = errors.New("journal entry not found")

// Entry is one finished task as recorded in the journal.
type Entry struct {
	TaskID     string          `json:"task_id"`
	Action     string          `json:"action"`
	Status     string          `json:"status"`
	Reference  string          `json:"reference,omitempty"`
	Args       json.RawMessage `json:"args"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Progress   *int            `json:"progress,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// EntryFromTask converts a store task. reference may be empty.
func EntryFromTask(task store.Task, reference string) Entry {
	return Entry{
		TaskID:     task.ID,
		Action:     task.Action,
		Status:     string(task.Status),
		Reference:  reference,
		Args:       task.Args,
		Result:     task.Result,
		Error:      task.Error,
		Progress:   task.Progress,
		CreatedAt:  task.CreatedAt,
		FinishedAt: task.UpdatedAt,
	}
}

// RecordTask upserts a journal entry keyed by task id. Re-recording a task
// replaces the earlier row.
func (s *Store) RecordTask(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.TaskID) == "" {
		return errors.New("record task: empty task id")
	}
	args := "{}"
	if len(e.Args) > 0 {
		args = string(e.Args)
	}
	var result sql.NullString
	if len(e.Result) > 0 {
		result = sql.NullString{String: string(e.Result), Valid: true}
	}
	var progress sql.NullInt64
	if e.Progress != nil {
		progress = sql.NullInt64{Int64: int64(*e.Progress), Valid: true}
	}
	finished := e.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = finished
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_journal (task_id, action, status, reference, args, result, error, progress, created_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				action = excluded.action,
				status = excluded.status,
				reference = excluded.reference,
				args = excluded.args,
				result = excluded.result,
				error = excluded.error,
				progress = excluded.progress,
				finished_at = excluded.finished_at,
				recorded_at = CURRENT_TIMESTAMP;
		`, e.TaskID, e.Action, e.Status, e.Reference, args, result, e.Error, progress, created.UTC(), finished.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("record task %s: %w", e.TaskID, err)
	}
	s.bus.Publish(bus.TopicJournalRecorded, bus.JournalRecordedEvent{TaskID: e.TaskID, Status: e.Status})
	return nil
}

// ListFilter narrows ListEntries. Zero values match everything; Limit <= 0
// means 50.
type ListFilter struct {
	Action string
	Status string
	Limit  int
}

// ListEntries returns entries newest first.
func (s *Store) ListEntries(ctx context.Context, f ListFilter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT task_id, action, status, reference, args, result, error, progress, created_at, finished_at FROM task_journal`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY finished_at DESC, task_id ASC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// GetEntry returns the entry for taskID or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, taskID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, action, status, reference, args, result, error, progress, created_at, finished_at
		FROM task_journal WHERE task_id = ?;
	`, taskID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Prune deletes entries finished before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_journal WHERE finished_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEntry(scanFn func(dest ...any) error) (Entry, error) {
	var (
		e        Entry
		args     string
		result   sql.NullString
		progress sql.NullInt64
	)
	if err := scanFn(&e.TaskID, &e.Action, &e.Status, &e.Reference, &args, &result, &e.Error, &progress, &e.CreatedAt, &e.FinishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan journal entry: %w", err)
	}
	e.Args = json.RawMessage(args)
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	if progress.Valid {
		p := int(progress.Int64)
		e.Progress = &p
	}
	return e, nil
}
