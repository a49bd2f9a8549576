package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/devsync/internal/action"
	"github.com/basket/devsync/internal/api"
	"github.com/basket/devsync/internal/bus"
	"github.com/basket/devsync/internal/client"
	"github.com/basket/devsync/internal/statesync"
	"github.com/basket/devsync/internal/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print connection, task and log events",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var assignCmd = &cobra.Command{
	Use:   "assign [action] [json-args]",
	Short: "Assign an action and print the new task",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runAssign,
}

var callCmd = &cobra.Command{
	Use:   "call [action] [json-args]",
	Short: "Assign an action, wait for it to finish and print its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCall,
}

var stateCmd = &cobra.Command{
	Use:   "state [key]",
	Short: "Fetch a state, optionally following pushed updates",
	Args:  cobra.ExactArgs(1),
	RunE:  runState,
}

var taskCmd = &cobra.Command{
	Use:   "task [task-id]",
	Short: "Show a task snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runTask,
}

var cancelCmd = controlCommand(api.OpCancel, "Cancel a running task")
var pauseCmd = controlCommand(api.OpPause, "Pause a running task")
var resumeCmd = controlCommand(api.OpResume, "Resume a paused task")
var stepCmd = controlCommand(api.OpStep, "Advance a stepped task to its next breakpoint")

var (
	watchStates   []string
	assignNotify  bool
	assignStep    bool
	assignTimeout time.Duration
	assignWait    bool
	statePath     string
	stateFollow   bool
	stateRefresh  string
)

func init() {
	watchCmd.Flags().StringSliceVar(&watchStates, "state", nil, "state keys to mirror while watching")

	for _, c := range []*cobra.Command{assignCmd, callCmd} {
		c.Flags().BoolVar(&assignNotify, "notify", false, "raise a success notice when the task completes")
		c.Flags().BoolVar(&assignStep, "step", false, "pause at the first breakpoint")
		c.Flags().DurationVar(&assignTimeout, "timeout", 0, "server-side task timeout")
	}
	assignCmd.Flags().BoolVar(&assignWait, "wait", false, "follow the task until it finishes")

	stateCmd.Flags().StringVar(&statePath, "path", "", "dot path inside the state document")
	stateCmd.Flags().BoolVar(&stateFollow, "follow", false, "keep printing pushed updates")
	stateCmd.Flags().StringVar(&stateRefresh, "refresh", "", "cron spec for periodic refetch while following (e.g. @every 10s)")
}

// parseArgs decodes the optional JSON argument object.
func parseArgs(args []string) (any, error) {
	if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, errors.New("arguments must be a JSON object")
	}
	return v, nil
}

func assignOptions() action.AssignOptions {
	return action.AssignOptions{Notify: assignNotify, Step: assignStep, Timeout: assignTimeout}
}

type taskView struct {
	ID              string          `json:"id"`
	Action          string          `json:"action"`
	Status          string          `json:"status"`
	Args            json.RawMessage `json:"args,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Progress        *int            `json:"progress,omitempty"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func viewOf(t store.Task) taskView {
	return taskView{
		ID:              t.ID,
		Action:          t.Action,
		Status:          string(t.Status),
		Args:            t.Args,
		Result:          t.Result,
		Error:           t.Error,
		Progress:        t.Progress,
		ProgressMessage: t.ProgressMessage,
		UpdatedAt:       t.UpdatedAt,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{connect: true})
	if err != nil {
		return err
	}
	defer s.close()

	for _, key := range watchStates {
		st, err := s.runtime.State(ctx, key, client.StateOptions{Subscribe: true})
		if err != nil {
			return err
		}
		st.Subscribe(func(snap statesync.Snapshot) {
			if snap.Err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "state %s: error: %v\n", key, snap.Err)
				return
			}
			if snap.Data != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "state %s: %s\n", key, snap.Data)
			}
		})
	}

	sub := s.runtime.Bus().Subscribe("")
	defer s.runtime.Bus().Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Ch():
			if line := describeEvent(ev); line != "" {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
		}
	}
}

func describeEvent(ev bus.Event) string {
	ts := ev.At.Format(time.TimeOnly)
	switch p := ev.Payload.(type) {
	case bus.ConnectionStateEvent:
		if p.Attempt > 0 {
			return fmt.Sprintf("%s connection %s (attempt %d)", ts, p.State, p.Attempt)
		}
		return fmt.Sprintf("%s connection %s", ts, p.State)
	case bus.TaskFinishedEvent:
		if p.Error != "" {
			return fmt.Sprintf("%s task %s %s %s: %s", ts, p.TaskID, p.Action, p.Status, p.Error)
		}
		return fmt.Sprintf("%s task %s %s %s", ts, p.TaskID, p.Action, p.Status)
	case bus.NotifyEvent:
		return fmt.Sprintf("%s done: %s (%s)", ts, p.Action, p.TaskID)
	case bus.RemoteLogEvent:
		return fmt.Sprintf("%s [%s] %s %s", ts, p.Level, p.TaskID, p.Message)
	}
	return ""
}

func runAssign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	input, err := parseArgs(args)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, sessionOptions{connect: true})
	if err != nil {
		return err
	}
	defer s.close()

	act, err := s.runtime.Action(args[0])
	if err != nil {
		return err
	}
	task, err := act.Assign(ctx, input, assignOptions())
	if err != nil {
		return err
	}
	if !assignWait {
		return printJSON(cmd.OutOrStdout(), viewOf(task))
	}
	_, waitErr := act.Wait(ctx)
	if final, ok := s.runtime.Tasks().Get(task.ID); ok {
		task = final
	}
	if err := printJSON(cmd.OutOrStdout(), viewOf(task)); err != nil {
		return err
	}
	return waitErr
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	input, err := parseArgs(args)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, sessionOptions{connect: true})
	if err != nil {
		return err
	}
	defer s.close()

	act, err := s.runtime.Action(args[0])
	if err != nil {
		return err
	}
	result, err := act.Call(ctx, input, assignOptions())
	if err != nil {
		return err
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func runState(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	key := args[0]
	s, err := openSession(ctx, sessionOptions{connect: stateFollow})
	if err != nil {
		return err
	}
	defer s.close()

	opts := client.StateOptions{Subscribe: stateFollow}
	if stateFollow {
		opts.RefreshSchedule = stateRefresh
	}
	st, err := s.runtime.State(ctx, key, opts)
	if err != nil {
		return err
	}
	if err := st.Err(); err != nil {
		return err
	}
	if err := printState(cmd.OutOrStdout(), s, key, st.Data()); err != nil {
		return err
	}
	if !stateFollow {
		return nil
	}

	updates := make(chan statesync.Snapshot, 16)
	unsubscribe := st.Subscribe(func(snap statesync.Snapshot) {
		select {
		case updates <- snap:
		default:
		}
	})
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-updates:
			if snap.Loading {
				continue
			}
			if snap.Err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "state %s: %v\n", key, snap.Err)
				continue
			}
			if err := printState(cmd.OutOrStdout(), s, key, snap.Data); err != nil {
				return err
			}
		}
	}
}

func printState(w io.Writer, s *session, key string, data json.RawMessage) error {
	if statePath == "" {
		return printJSON(w, data)
	}
	v, ok := s.runtime.States().Select(key, statePath)
	if !ok {
		return fmt.Errorf("state %s has nothing at %q", key, statePath)
	}
	return printJSON(w, v)
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.close()

	task, err := s.runtime.Task(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), viewOf(task))
}

func controlCommand(op api.ControlOp, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(op) + " [task-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := openSession(ctx, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.runtime.API().Control(ctx, args[0], op); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requested for %s\n", op, args[0])
			return nil
		},
	}
}
