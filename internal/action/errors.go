package action

import (
	"errors"
	"fmt"

	"github.com/basket/devsync/internal/store"
)

// ErrNoTask is returned by Wait when the action has not assigned a task.
var ErrNoTask = errors.New("no current task")

// LockedError rejects an assign because one of the action's lock keys is
// held. No request is sent.
type LockedError struct {
	Action string
	Key    string
	Owner  string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: lock %q is held by task %s", e.Action, e.Key, e.Owner)
}

// TaskError reports a task that ended without completing.
type TaskError struct {
	TaskID  string
	Status  store.TaskStatus
	Message string
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task %s %s", e.TaskID, e.Status)
	}
	return fmt.Sprintf("task %s %s: %s", e.TaskID, e.Status, e.Message)
}
