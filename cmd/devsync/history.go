package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/devsync/internal/persistence"
	"github.com/basket/devsync/internal/schema"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished tasks from the local journal",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var definitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "List the actions, states and locks in the definitions file",
	Args:  cobra.NoArgs,
	RunE:  runDefinitions,
}

var (
	historyAction string
	historyStatus string
	historyLimit  int
	historyPrune  time.Duration
)

func init() {
	historyCmd.Flags().StringVar(&historyAction, "action", "", "only tasks of this action")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only tasks with this final status")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of rows")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "delete entries older than this before listing")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	journal, err := persistence.Open(cfg.JournalPath, nil)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer journal.Close()

	if historyPrune > 0 {
		n, err := journal.Prune(ctx, time.Now().Add(-historyPrune))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d entries\n", n)
	}

	entries, err := journal.ListEntries(ctx, persistence.ListFilter{
		Action: historyAction,
		Status: historyStatus,
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	return writeHistory(cmd.OutOrStdout(), entries)
}

func writeHistory(w io.Writer, entries []persistence.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no finished tasks recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tACTION\tSTATUS\tFINISHED\tREFERENCE\tERROR")
	for _, e := range entries {
		ref := e.Reference
		if ref == "" {
			ref = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.TaskID, e.Action, e.Status,
			e.FinishedAt.Local().Format(time.DateTime), ref, oneLine(e.Error))
	}
	return tw.Flush()
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

func runDefinitions(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.DefinitionsPath == "" {
		return fmt.Errorf("no definitions file configured (set definitions_path or --definitions)")
	}
	reg, err := loadRegistry(cfg.DefinitionsPath)
	if err != nil {
		return err
	}
	return writeDefinitions(cmd.OutOrStdout(), reg)
}

func writeDefinitions(w io.Writer, reg *schema.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tLOCKS\tDESCRIPTION")
	for _, a := range reg.Actions() {
		locks := strings.Join(a.LockKeys, ",")
		if locks == "" {
			locks = "-"
		}
		fmt.Fprintf(tw, "action\t%s\t%s\t%s\n", a.Name, locks, a.Description)
	}
	for _, s := range reg.States() {
		fmt.Fprintf(tw, "state\t%s\t-\t%s\n", s.Key, s.Description)
	}
	for _, l := range reg.Locks() {
		fmt.Fprintf(tw, "lock\t%s\t-\t%s\n", l.Key, l.Description)
	}
	return tw.Flush()
}
