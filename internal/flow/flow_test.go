package flow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/loppo-llc/conductor/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Gateway) {
	t.Helper()
	dir := t.TempDir()
	gw, err := store.Open(filepath.Join(dir, "conductor.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return New(gw, nil, nil), gw
}

func TestRunCarmackCriticScoresFromHeadingsAndLength(t *testing.T) {
	c, _ := newTestCoordinator(t)
	dir := t.TempDir()
	designPath := filepath.Join(dir, "design.md")

	content := "# Heading one\n## Heading two\n### Heading three\nSome words about performance and trade-offs.\n"
	if err := os.WriteFile(designPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	result := c.runCarmackCritic(designPath, 1)
	if result.Score < 4 || result.Score > 10 {
		t.Fatalf("expected score in [4,10], got %d", result.Score)
	}
	if len(result.Issues) != 0 {
		t.Fatalf("expected no issues (3 headings + performance mention), got %v", result.Issues)
	}
}

func TestRunCarmackCriticFlagsMissingStructureAndPerformance(t *testing.T) {
	c, _ := newTestCoordinator(t)
	dir := t.TempDir()
	designPath := filepath.Join(dir, "design.md")
	os.WriteFile(designPath, []byte("# Only one heading, nothing about the p-word.\n"), 0o644)

	result := c.runCarmackCritic(designPath, 2)
	if len(result.Issues) != 2 {
		t.Fatalf("expected both structure and performance issues, got %v", result.Issues)
	}
}

func TestRunCarmackCriticCapsScoreAtTen(t *testing.T) {
	c, _ := newTestCoordinator(t)
	dir := t.TempDir()
	designPath := filepath.Join(dir, "design.md")

	var content string
	for i := 0; i < 20; i++ {
		content += "# Heading\n"
	}
	os.WriteFile(designPath, []byte(content), 0o644)

	result := c.runCarmackCritic(designPath, 1)
	if result.Score != 10 {
		t.Fatalf("expected score capped at 10, got %d", result.Score)
	}
}

func TestRunCarmackCriticMissingFileScoresFromBase(t *testing.T) {
	c, _ := newTestCoordinator(t)
	result := c.runCarmackCritic(filepath.Join(t.TempDir(), "missing.md"), 1)
	if result.Score != 4 {
		t.Fatalf("expected base score 4 for empty/missing design, got %d", result.Score)
	}
	if len(result.Issues) != 2 {
		t.Fatalf("expected both issues for empty content, got %v", result.Issues)
	}
}

func TestRecordIterationUpdatesFlowStateAndAppendsIteration(t *testing.T) {
	c, gw := newTestCoordinator(t)
	w, _ := gw.CreateWorker(store.Worker{TmuxSession: "s1", Workspace: t.TempDir()})
	f, _ := gw.CreateFlow(store.Flow{Type: store.FlowTypeDesignRefinement, WorkerID: w.ID})

	critic := CriticResult{Persona: "john_carmack", Score: 7, Suggestions: "iterate"}
	if err := c.recordIteration(f.ID, 1, "task-1", critic); err != nil {
		t.Fatalf("recordIteration: %v", err)
	}

	gotFlow, err := gw.GetFlow(f.ID)
	if err != nil {
		t.Fatalf("GetFlow: %v", err)
	}
	var state map[string]any
	json.Unmarshal(gotFlow.State, &state)
	if int(state["last_score"].(float64)) != 7 {
		t.Fatalf("expected last_score 7 in flow state, got %+v", state)
	}

	iterations, err := gw.ListFlowIterations(f.ID)
	if err != nil {
		t.Fatalf("ListFlowIterations: %v", err)
	}
	if len(iterations) != 1 || iterations[0].CoderTaskID != "task-1" {
		t.Fatalf("unexpected iterations: %+v", iterations)
	}
}

func TestMarkCompletedAndMarkFailedSetFlowStatus(t *testing.T) {
	c, gw := newTestCoordinator(t)
	w, _ := gw.CreateWorker(store.Worker{TmuxSession: "s1", Workspace: t.TempDir()})

	completedFlow, _ := gw.CreateFlow(store.Flow{Type: store.FlowTypeDesignRefinement, WorkerID: w.ID})
	c.markCompleted(completedFlow.ID, 3, CriticResult{Score: 9})
	got, _ := gw.GetFlow(completedFlow.ID)
	if got.Status != store.FlowCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	failedFlow, _ := gw.CreateFlow(store.Flow{Type: store.FlowTypeDesignRefinement, WorkerID: w.ID})
	c.markFailed(failedFlow.ID, "max_iterations_reached", nil)
	got, _ = gw.GetFlow(failedFlow.ID)
	if got.Status != store.FlowFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestWriteInitialDesignWritesHeaderAndPrompt(t *testing.T) {
	c, _ := newTestCoordinator(t)
	path := filepath.Join(t.TempDir(), "design.md")
	if err := c.writeInitialDesign(path, "build a cache"); err != nil {
		t.Fatalf("writeInitialDesign: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# Design Draft\n\nbuild a cache\n" {
		t.Fatalf("unexpected design.md content: %q", data)
	}
}
