package watcherd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSweepOnceRemovesWorkspaceWithDeadSession(t *testing.T) {
	root := t.TempDir()
	workerDir := filepath.Join(root, "worker-a")
	if err := os.MkdirAll(workerDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeMeta(t, workerDir, `{"tmux_session":"definitely-not-a-real-session-xyz"}`)

	s := New(root, "tmux", nil)
	s.sweepOnce()

	if _, err := os.Stat(workerDir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace to be removed, stat err=%v", err)
	}
}

func TestSweepOnceSkipsDirsWithoutMetadata(t *testing.T) {
	root := t.TempDir()
	other := filepath.Join(root, "not-a-worker")
	if err := os.MkdirAll(other, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	s := New(root, "tmux", nil)
	s.sweepOnce()

	if _, err := os.Stat(other); err != nil {
		t.Fatalf("expected directory without worker.json to survive, got err=%v", err)
	}
}

func TestSweepOnceSkipsDirsWithMalformedMetadata(t *testing.T) {
	root := t.TempDir()
	workerDir := filepath.Join(root, "worker-b")
	if err := os.MkdirAll(workerDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeMeta(t, workerDir, `not valid json`)

	s := New(root, "tmux", nil)
	s.sweepOnce()

	if _, err := os.Stat(workerDir); err != nil {
		t.Fatalf("expected directory with malformed metadata to survive, got err=%v", err)
	}
}

func writeMeta(t *testing.T, dir, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "worker.json"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write worker.json: %v", err)
	}
}
