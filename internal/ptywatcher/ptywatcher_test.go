package ptywatcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/loppo-llc/conductor/internal/classifier"
)

func TestAdvancePaneStateResetsOnHashChange(t *testing.T) {
	ps := &paneState{lastSnapshotHash: "h1", stableCount: 5, lastClassifiedHash: "h1", state: "READY"}
	called := false
	advancePaneState(ps, "h2", 100, 2, func() classifier.Result {
		called = true
		return classifier.Result{State: "READY"}
	})
	if called {
		t.Fatal("classify should not run on a hash change")
	}
	if ps.state != "BUSY" || ps.stableCount != 0 || ps.lastSnapshotHash != "h2" {
		t.Fatalf("unexpected state after hash change: %+v", ps)
	}
}

func TestAdvancePaneStateClassifiesOnceThresholdReached(t *testing.T) {
	ps := &paneState{lastSnapshotHash: "h1", stableCount: 0, threshold: 2}
	calls := 0
	classify := func() classifier.Result {
		calls++
		return classifier.Result{State: "READY", Summary: "idle"}
	}

	advancePaneState(ps, "h1", 1, 2, classify) // stableCount -> 1, below threshold
	if calls != 0 {
		t.Fatalf("expected no classification below threshold, got %d calls", calls)
	}

	advancePaneState(ps, "h1", 2, 2, classify) // stableCount -> 2, meets threshold
	if calls != 1 || ps.state != "READY" {
		t.Fatalf("expected exactly one classification at threshold, got %d calls, state %s", calls, ps.state)
	}

	advancePaneState(ps, "h1", 3, 2, classify) // same hash already classified, no reclassification
	if calls != 1 {
		t.Fatalf("expected no reclassification of an already-classified hash, got %d calls", calls)
	}
}

func TestLoadWorkersSkipsInvalidEntries(t *testing.T) {
	root := t.TempDir()

	good := filepath.Join(root, "worker_good")
	os.MkdirAll(good, 0o755)
	meta, _ := json.Marshal(map[string]string{"id": "w1", "tmux_session": "worker_w1", "cli_type": "codex"})
	os.WriteFile(filepath.Join(good, "worker.json"), meta, 0o644)

	missingSession := filepath.Join(root, "worker_bad")
	os.MkdirAll(missingSession, 0o755)
	badMeta, _ := json.Marshal(map[string]string{"id": "w2"})
	os.WriteFile(filepath.Join(missingSession, "worker.json"), badMeta, 0o644)

	noMeta := filepath.Join(root, "worker_nometa")
	os.MkdirAll(noMeta, 0o755)

	w := &Watcher{WorkspaceRoot: root, DefaultCLIType: "codex"}
	workers := w.loadWorkers()
	if len(workers) != 1 {
		t.Fatalf("expected exactly 1 valid worker, got %d: %+v", len(workers), workers)
	}
	got, ok := workers["worker_w1"]
	if !ok || got.WorkerID != "w1" || got.CLIType != "codex" {
		t.Fatalf("unexpected worker entry: %+v", got)
	}
}

func TestLoadWorkersDefaultsCLIType(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "worker_x")
	os.MkdirAll(dir, 0o755)
	meta, _ := json.Marshal(map[string]string{"id": "w1", "tmux_session": "s1"})
	os.WriteFile(filepath.Join(dir, "worker.json"), meta, 0o644)

	w := &Watcher{WorkspaceRoot: root, DefaultCLIType: "claude"}
	workers := w.loadWorkers()
	if workers["s1"].CLIType != "claude" {
		t.Fatalf("expected default cli_type to apply, got %+v", workers["s1"])
	}
}
