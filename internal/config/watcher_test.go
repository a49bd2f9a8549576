package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/devsync/internal/config"
)

func TestWatcher_DetectsDefinitionsChange(t *testing.T) {
	dir := t.TempDir()
	defsPath := filepath.Join(dir, "definitions.yaml")
	otherPath := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(defsPath, []byte("actions: []\n"), 0o644); err != nil {
		t.Fatalf("write initial definitions: %v", err)
	}

	w := config.NewWatcher(nil, defsPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher produces an event; notification
	// readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	_ = os.WriteFile(otherPath, []byte("ignored"), 0o644)
	if err := os.WriteFile(defsPath, []byte("actions: []\nstates: []\n"), 0o644); err != nil {
		t.Fatalf("write updated definitions: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "definitions.yaml" {
				t.Fatalf("expected definitions.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(defsPath, []byte("actions: []\nstates: []\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for definitions change event")
		}
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	dir := t.TempDir()
	w := config.NewWatcher(nil, filepath.Join(dir, "definitions.yaml"))
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A stray event is possible; the channel must still close.
			<-w.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
