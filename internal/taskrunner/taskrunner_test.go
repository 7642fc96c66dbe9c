package taskrunner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/loppo-llc/conductor/internal/multiplexer"
	"github.com/loppo-llc/conductor/internal/runtime"
	"github.com/loppo-llc/conductor/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *store.Gateway, store.Worker) {
	t.Helper()
	dir := t.TempDir()
	gw, err := store.Open(filepath.Join(dir, "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	workspace := filepath.Join(dir, "worker_ab12")
	os.MkdirAll(workspace, 0o755)
	w, err := gw.CreateWorker(store.Worker{TmuxSession: "worker_ab12", Workspace: workspace})
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	registry := runtime.NewRegistry(multiplexer.New(""), gw, runtime.Config{
		SentinelStart: "<<<AGENT_RESULT_START>>>",
		SentinelEnd:   "<<<AGENT_RESULT_END>>>",
	}, nil)
	return New(gw, registry, "/opt/conductor/shims"), gw, w
}

func TestCreateTaskWritesSpecAndTransitionsStatus(t *testing.T) {
	runner, gw, w := newTestRunner(t)

	spec, _ := json.Marshal(map[string]string{"prompt": "hello"})
	task, err := runner.CreateTask(w.ID, CreateTaskParams{Tool: "codex", SpecJSON: spec})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != store.TaskRunning || task.StartedAt == nil {
		t.Fatalf("expected running task with started_at set, got %+v", task)
	}

	specPath := filepath.Join(w.Workspace, "specs", task.ID+".json")
	if _, err := os.Stat(specPath); err != nil {
		t.Fatalf("expected spec file at %s: %v", specPath, err)
	}

	gotWorker, err := gw.GetWorker(w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if gotWorker.Status != store.WorkerBusy {
		t.Fatalf("expected worker busy, got %s", gotWorker.Status)
	}

	events, err := gw.ListTaskEvents(task.ID)
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.TaskEventStateChange {
		t.Fatalf("expected one state_change event, got %+v", events)
	}
}

func TestCreateTaskUnsupportedToolFails(t *testing.T) {
	runner, _, w := newTestRunner(t)
	_, err := runner.CreateTask(w.ID, CreateTaskParams{Tool: "unknown-tool"})
	if err == nil {
		t.Fatal("expected error for unsupported tool")
	}
}

func TestCreateTaskUnknownWorkerFails(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	_, err := runner.CreateTask("missing-worker", CreateTaskParams{Tool: "codex"})
	if err == nil {
		t.Fatal("expected error for unknown worker")
	}
}

func TestBuildCommandQuotesPaths(t *testing.T) {
	runner, _, _ := newTestRunner(t)
	cmd, err := runner.buildCommand("codex", filepath.Join("specs", "abc.json"))
	if err != nil {
		t.Fatalf("buildCommand: %v", err)
	}
	want := "bash /opt/conductor/shims/run_codex_task.sh specs/abc.json"
	if cmd != want {
		t.Fatalf("unexpected command: got %q want %q", cmd, want)
	}
}
