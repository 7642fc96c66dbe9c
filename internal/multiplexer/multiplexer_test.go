package multiplexer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// fakeTmux writes a stand-in tmux binary that prints output for any
// invocation, so CapturePane can run without a tmux server.
func fakeTmux(t *testing.T, output string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tmux")
	script := "#!/bin/sh\nprintf '%s' '" + output + "'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tmux: %v", err)
	}
	return path
}

func TestPaneInfoTarget(t *testing.T) {
	p := PaneInfo{Session: "worker_ab12", WindowIndex: 0, PaneIndex: 1}
	if got, want := p.Target(), "worker_ab12:0.1"; got != want {
		t.Fatalf("Target() = %q, want %q", got, want)
	}
}

func TestCapturePaneCursorDiffing(t *testing.T) {
	a := New(fakeTmux(t, "hello world"))
	a.cursors["t:0.0"] = 5
	_, newText, err := a.CapturePane("t:0.0")
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if newText != " world" {
		t.Fatalf("new text = %q, want %q", newText, " world")
	}
}

func TestCapturePaneClearedHeuristic(t *testing.T) {
	a := New(fakeTmux(t, "short"))
	a.cursors["t:0.0"] = 100
	full, newText, err := a.CapturePane("t:0.0")
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if newText != full {
		t.Fatalf("expected pane-cleared heuristic to return full text, got %q", newText)
	}
}

func TestResetCursor(t *testing.T) {
	a := New("tmux")
	a.cursors["t:0.0"] = 42
	a.ResetCursor("t:0.0")
	if _, ok := a.cursors["t:0.0"]; ok {
		t.Fatal("expected cursor to be removed")
	}
}

// TestCursorsSurviveConcurrentAccess exercises the cursor map the way a
// runtime monitor loop, a PtyWatcher poll loop, and a websocket stream
// loop all hit it at once on a shared Adapter — run with -race it would
// previously abort with "concurrent map writes".
func TestCursorsSurviveConcurrentAccess(t *testing.T) {
	a := New("tmux")
	var wg sync.WaitGroup
	targets := []string{"t:0.0", "t:0.1", "t:0.2"}
	for i := 0; i < 50; i++ {
		for _, target := range targets {
			wg.Add(2)
			go func(target string) {
				defer wg.Done()
				a.cursorsMu.Lock()
				a.cursors[target] = a.cursors[target] + 1
				a.cursorsMu.Unlock()
			}(target)
			go func(target string) {
				defer wg.Done()
				a.ResetCursor(target)
			}(target)
		}
	}
	wg.Wait()
}
