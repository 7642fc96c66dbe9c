// Package taskrunner implements create_task: persisting a new Task row,
// writing its spec to the worker's workspace, and handing the resulting
// shell command off to the worker's runtime for execution.
package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loppo-llc/conductor/internal/runtime"
	"github.com/loppo-llc/conductor/internal/store"
)

// ToolShims maps a task's tool name to the shim script that executes it,
// matching the reference implementation's TOOL_SHIMS table.
var ToolShims = map[string]string{
	"codex":      "run_codex_task.sh",
	"claude":     "run_claude_task.sh",
	"gemini":     "run_gemini_task.sh",
	"critic_llm": "run_critic_task.sh",
}

// ErrUnsupportedTool is returned by buildCommand for a tool outside
// ToolShims.
type ErrUnsupportedTool struct{ Tool string }

func (e ErrUnsupportedTool) Error() string { return fmt.Sprintf("taskrunner: unsupported tool %q", e.Tool) }

// Runner wires the Storage Gateway and the RuntimeRegistry together to
// implement create_task.
type Runner struct {
	gateway  *store.Gateway
	registry *runtime.Registry
	shimsDir string
}

func New(gateway *store.Gateway, registry *runtime.Registry, shimsDir string) *Runner {
	return &Runner{gateway: gateway, registry: registry, shimsDir: shimsDir}
}

// CreateTaskParams is the caller-supplied subset of a new task.
type CreateTaskParams struct {
	Tool     string
	SpecJSON json.RawMessage
	FlowID   string
}

// CreateTask persists the task, writes its spec file under
// <workspace>/specs/<task-id>.json, transitions the task to running and
// the worker to busy, then enqueues the shim command on the worker's
// runtime.
func (r *Runner) CreateTask(workerID string, params CreateTaskParams) (store.Task, error) {
	worker, err := r.gateway.GetWorker(workerID)
	if err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: worker not found: %w", err)
	}

	specJSON := params.SpecJSON
	if specJSON == nil {
		specJSON = json.RawMessage("{}")
	}
	task, err := r.gateway.CreateTask(store.Task{WorkerID: workerID, Tool: params.Tool, SpecJSON: specJSON, FlowID: params.FlowID})
	if err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: create task: %w", err)
	}

	specsDir := filepath.Join(worker.Workspace, "specs")
	if err := os.MkdirAll(specsDir, 0o755); err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: mkdir specs dir: %w", err)
	}
	specPath := filepath.Join(specsDir, task.ID+".json")
	pretty, err := json.MarshalIndent(json.RawMessage(specJSON), "", "  ")
	if err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: marshal spec: %w", err)
	}
	if err := os.WriteFile(specPath, pretty, 0o644); err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: write spec file: %w", err)
	}

	relSpecPath := filepath.Join("specs", task.ID+".json")
	command, err := r.buildCommand(params.Tool, relSpecPath)
	if err != nil {
		return store.Task{}, err
	}

	running := store.TaskRunning
	now := time.Now().UTC()
	if err := r.gateway.UpdateTask(task.ID, store.TaskUpdate{Status: &running, StartedAt: &now}); err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: mark task running: %w", err)
	}
	if err := r.gateway.UpdateWorkerStatus(workerID, store.WorkerBusy); err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: mark worker busy: %w", err)
	}
	statePayload, _ := json.Marshal(map[string]string{"state": "running", "command": command})
	if _, err := r.gateway.AppendTaskEvent(task.ID, store.TaskEventStateChange, statePayload); err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: append state_change event: %w", err)
	}

	rt, err := r.registry.EnsureRuntime(context.Background(), workerID, worker.TmuxSession, worker.Workspace)
	if err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: ensure runtime: %w", err)
	}
	if err := rt.EnqueueTask(task.ID, command); err != nil {
		return store.Task{}, fmt.Errorf("taskrunner: enqueue task: %w", err)
	}

	task.Status = store.TaskRunning
	task.StartedAt = &now
	return task, nil
}

func (r *Runner) buildCommand(tool, relSpecPath string) (string, error) {
	shim, ok := ToolShims[tool]
	if !ok {
		return "", ErrUnsupportedTool{Tool: tool}
	}
	scriptPath := filepath.Join(r.shimsDir, shim)
	return fmt.Sprintf("bash %s %s", shellQuote(scriptPath), shellQuote(relSpecPath)), nil
}

// shellQuote wraps s in single quotes, escaping any embedded single
// quote, matching Python's shlex.quote for the paths this package deals
// with (no embedded newlines, no need for the full POSIX word-splitting
// rules shlex otherwise covers).
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '_' || r == '-' || r == '.' || r == '/' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
