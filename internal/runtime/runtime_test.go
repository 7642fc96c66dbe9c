package runtime

import (
	"path/filepath"
	"testing"

	"github.com/loppo-llc/conductor/internal/multiplexer"
	"github.com/loppo-llc/conductor/internal/store"
)

func newTestRuntime(t *testing.T) (*Runtime, *store.Gateway, store.Worker) {
	t.Helper()
	dir := t.TempDir()
	gw, err := store.Open(filepath.Join(dir, "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	w, err := gw.CreateWorker(store.Worker{TmuxSession: "worker_ab12", Workspace: dir})
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	rt := New(w.ID, "worker_ab12:0", dir, multiplexer.New(""), gw, Config{
		SentinelStart: "<<<AGENT_RESULT_START>>>",
		SentinelEnd:   "<<<AGENT_RESULT_END>>>",
	}, nil)
	return rt, gw, w
}

func TestProcessLinesBuffersStdoutWhenNoSentinel(t *testing.T) {
	rt, gw, w := newTestRuntime(t)
	task, _ := gw.CreateTask(store.Task{WorkerID: w.ID, Tool: "codex"})
	rt.runningTasks = []string{task.ID}

	rt.processLines([]string{"hello", "world"})

	events, err := gw.ListTaskEvents(task.ID)
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 stdout_chunk events, got %d", len(events))
	}
	for _, e := range events {
		if e.Type != store.TaskEventStdoutChunk {
			t.Fatalf("expected stdout_chunk, got %s", e.Type)
		}
	}
}

func TestProcessLinesFinalizesResultOnSentinelPair(t *testing.T) {
	rt, gw, w := newTestRuntime(t)
	task, _ := gw.CreateTask(store.Task{WorkerID: w.ID, Tool: "codex"})
	rt.runningTasks = []string{task.ID}

	rt.processLines([]string{
		"<<<AGENT_RESULT_START>>>",
		`{"status": "ok", "value": 42}`,
		"<<<AGENT_RESULT_END>>>",
	})

	got, err := gw.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}

	gotWorker, err := gw.GetWorker(w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if gotWorker.Status != store.WorkerIdle {
		t.Fatalf("expected worker idle after last task finishes, got %s", gotWorker.Status)
	}

	if len(rt.runningTasks) != 0 {
		t.Fatalf("expected running_tasks drained, got %v", rt.runningTasks)
	}
}

func TestProcessLinesMarksTaskFailedOnInvalidJSON(t *testing.T) {
	rt, gw, w := newTestRuntime(t)
	task, _ := gw.CreateTask(store.Task{WorkerID: w.ID, Tool: "codex"})
	rt.runningTasks = []string{task.ID}

	rt.processLines([]string{
		"<<<AGENT_RESULT_START>>>",
		"not json at all",
		"<<<AGENT_RESULT_END>>>",
	})

	got, err := gw.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskFailed || got.ErrorMessage != "Invalid JSON result from tool" {
		t.Fatalf("expected failed task with JSON error, got %+v", got)
	}
}

func TestProcessLinesMarksFlowFailedWhenTaskBelongsToFlow(t *testing.T) {
	rt, gw, w := newTestRuntime(t)
	flow, _ := gw.CreateFlow(store.Flow{Type: store.FlowTypeDesignRefinement, WorkerID: w.ID})
	task, _ := gw.CreateTask(store.Task{WorkerID: w.ID, Tool: "codex", FlowID: flow.ID})
	rt.runningTasks = []string{task.ID}

	rt.processLines([]string{
		"<<<AGENT_RESULT_START>>>",
		`{"status": "failed", "error": "boom"}`,
		"<<<AGENT_RESULT_END>>>",
	})

	gotFlow, err := gw.GetFlow(flow.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	if gotFlow.Status != store.FlowFailed {
		t.Fatalf("expected flow failed, got %s", gotFlow.Status)
	}
}

func TestMarkTaskFailedRemovesFromRunningQueue(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	rt.runningTasks = []string{"a", "b", "c"}
	rt.MarkTaskFailed("b")
	if len(rt.runningTasks) != 2 || rt.runningTasks[0] != "a" || rt.runningTasks[1] != "c" {
		t.Fatalf("unexpected running tasks: %v", rt.runningTasks)
	}
}
