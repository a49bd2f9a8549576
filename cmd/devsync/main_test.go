package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/devsync/internal/bus"
	"github.com/basket/devsync/internal/persistence"
	"github.com/basket/devsync/internal/schema"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		wantLen int
	}{
		{name: "action only", args: []string{"move"}, wantLen: 0},
		{name: "blank", args: []string{"move", "  "}, wantLen: 0},
		{name: "object", args: []string{"move", `{"x":1,"y":2}`}, wantLen: 2},
		{name: "array rejected", args: []string{"move", `[1,2]`}, wantErr: true},
		{name: "malformed", args: []string{"move", `{"x":`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", v)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			m, ok := v.(map[string]any)
			if !ok || len(m) != tt.wantLen {
				t.Fatalf("got %#v, want object with %d keys", v, tt.wantLen)
			}
		})
	}
}

func TestWriteDefinitions(t *testing.T) {
	reg, err := schema.ParseRegistry([]byte(`
actions:
  - name: move
    description: Move the stage
    lock_keys: [stage]
  - name: capture
states:
  - key: position
    description: Stage position
locks:
  - key: camera
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var buf bytes.Buffer
	if err := writeDefinitions(&buf, reg); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// header, 2 actions, 1 state, 2 locks (stage is implied by move)
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "action") || !strings.Contains(lines[1], "capture") {
		t.Errorf("actions should be sorted by name, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "stage") || !strings.Contains(lines[2], "Move the stage") {
		t.Errorf("move row missing lock or description: %q", lines[2])
	}
}

func TestDescribeEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		payload any
		want    string
	}{
		{bus.ConnectionStateEvent{State: "reconnecting", Attempt: 2}, "connection reconnecting (attempt 2)"},
		{bus.TaskFinishedEvent{TaskID: "t-1", Action: "move", Status: "failed", Error: "stalled"}, "task t-1 move failed: stalled"},
		{bus.NotifyEvent{TaskID: "t-1", Action: "move"}, "done: move (t-1)"},
		{bus.RemoteLogEvent{TaskID: "t-1", Level: "warning", Message: "slow"}, "[warning] t-1 slow"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		got := describeEvent(bus.Event{At: at, Payload: tt.payload})
		if tt.want == "" {
			if got != "" {
				t.Errorf("expected no output for %T, got %q", tt.payload, got)
			}
			continue
		}
		if !strings.HasSuffix(got, tt.want) {
			t.Errorf("describeEvent(%T) = %q, want suffix %q", tt.payload, got, tt.want)
		}
	}
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DEVSYNC_HOME", dir)
	journalPath := filepath.Join(dir, "journal.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "api_endpoint: http://127.0.0.1:1/api\njournal_path: " + journalPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	journal, err := persistence.Open(journalPath, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	now := time.Now()
	for _, e := range []persistence.Entry{
		{TaskID: "t-1", Action: "move", Status: "completed", Reference: "ref-1", CreatedAt: now.Add(-time.Minute), FinishedAt: now.Add(-30 * time.Second)},
		{TaskID: "t-2", Action: "capture", Status: "failed", Error: "lens cap\nstill on", CreatedAt: now.Add(-time.Minute), FinishedAt: now},
	} {
		if err := journal.RecordTask(context.Background(), e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	journal.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"history", "--config", cfgPath, "--status", "failed"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("history: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "t-2") || !strings.Contains(got, "lens cap") {
		t.Fatalf("failed task missing from output:\n%s", got)
	}
	if strings.Contains(got, "still on") {
		t.Errorf("error should be cut to its first line:\n%s", got)
	}
	if strings.Contains(got, "t-1") {
		t.Errorf("status filter ignored:\n%s", got)
	}
}

func TestWriteHistory_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHistory(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no finished tasks") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
