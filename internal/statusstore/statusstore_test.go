package statusstore

import (
	"path/filepath"
	"testing"
)

func TestUpsertAndListStatus(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "status.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	pane := PaneIdentity{
		PaneID: "%1", WorkerID: "w1", TmuxSession: "worker_ab12",
		TmuxWindow: "0", TmuxPane: "0", CWD: "/tmp", CLIType: "codex",
	}
	state := PaneState{State: "READY", Summary: "idle prompt", LastChangeTS: 100, StableCount: 3}
	if err := store.Upsert(pane, state, "deadbeef", 101); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows, err := store.ListStatus(nil)
	if err != nil {
		t.Fatalf("ListStatus: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].State != "READY" || rows[0].TmuxTarget() != "worker_ab12:0.0" {
		t.Fatalf("unexpected row: %+v (target %q)", rows[0], rows[0].TmuxTarget())
	}
}

func TestUpsertReplacesStatusButAppendsHistory(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "status.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	pane := PaneIdentity{PaneID: "%1", WorkerID: "w1"}
	if err := store.Upsert(pane, PaneState{State: "BUSY"}, "h1", 1); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(pane, PaneState{State: "READY"}, "h2", 2); err != nil {
		t.Fatal(err)
	}

	rows, err := store.ListStatus(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].State != "READY" {
		t.Fatalf("expected single up-to-date status row, got %+v", rows)
	}

	history, _, err := store.TailHistory("%1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	if history[0].State != "BUSY" || history[1].State != "READY" {
		t.Fatalf("expected chronological order BUSY,READY, got %v", history)
	}
}

func TestListStatusFiltersByMinPolledTS(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "status.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.Upsert(PaneIdentity{PaneID: "%1"}, PaneState{State: "READY"}, "h1", 10)
	store.Upsert(PaneIdentity{PaneID: "%2"}, PaneState{State: "BUSY"}, "h2", 20)

	cutoff := 15.0
	rows, err := store.ListStatus(&cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "%2" {
		t.Fatalf("expected only %%2 to pass the cutoff, got %+v", rows)
	}
}
