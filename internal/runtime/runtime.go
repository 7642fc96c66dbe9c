// Package runtime implements WorkerRuntime and RuntimeRegistry: one
// monitor loop per worker that tails its tmux pane, buffers lines between
// a pair of sentinel markers, and finalizes the enclosed text as the
// result of whichever task is at the head of that worker's FIFO queue.
package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loppo-llc/conductor/internal/multiplexer"
	"github.com/loppo-llc/conductor/internal/store"
)

// Runtime drives a single worker's monitor loop.
type Runtime struct {
	WorkerID      string
	TmuxTarget    string
	WorkspacePath string

	mux             *multiplexer.Adapter
	gateway         *store.Gateway
	sentinelStart   string
	sentinelEnd     string
	monitorInterval time.Duration
	logger          *slog.Logger

	mu              sync.Mutex
	runningTasks    []string
	collectingTask  string
	resultLines     []string

	startOnce sync.Once
	cancel    context.CancelFunc
}

// Config bundles the knobs every Runtime needs, shared across a registry.
type Config struct {
	SentinelStart   string
	SentinelEnd     string
	MonitorInterval time.Duration
}

func New(workerID, tmuxTarget, workspacePath string, mux *multiplexer.Adapter, gateway *store.Gateway, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	return &Runtime{
		WorkerID:        workerID,
		TmuxTarget:      tmuxTarget,
		WorkspacePath:   workspacePath,
		mux:             mux,
		gateway:         gateway,
		sentinelStart:   cfg.SentinelStart,
		sentinelEnd:     cfg.SentinelEnd,
		monitorInterval: cfg.MonitorInterval,
		logger:          logger,
	}
}

// Start launches the monitor loop exactly once; subsequent calls are no-ops.
func (r *Runtime) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go r.monitorLoop(loopCtx)
	})
}

// Stop cancels the monitor loop if running.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// EnqueueTask records task_id as pending for this worker and sends the
// command to its tmux pane.
func (r *Runtime) EnqueueTask(taskID, command string) error {
	r.mu.Lock()
	r.runningTasks = append(r.runningTasks, taskID)
	r.mu.Unlock()
	return r.mux.SendLine(r.TmuxTarget, command)
}

// MarkTaskFailed removes task_id from the running queue without touching
// storage — an administrative hook for callers that have already
// persisted the failure themselves.
func (r *Runtime) MarkTaskFailed(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeRunningLocked(taskID)
}

func (r *Runtime) removeRunningLocked(taskID string) {
	for i, id := range r.runningTasks {
		if id == taskID {
			r.runningTasks = append(r.runningTasks[:i], r.runningTasks[i+1:]...)
			return
		}
	}
}

func (r *Runtime) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, newText, err := r.mux.CapturePane(r.TmuxTarget)
		if err != nil {
			r.logger.Error("capture-pane failed", "worker_id", r.WorkerID, "err", err)
			continue
		}
		if newText == "" {
			continue
		}
		r.processLines(strings.Split(newText, "\n"))
	}
}

// processLines handles one poll's worth of pane lines (sentinel detection,
// result buffering, stdout_chunk events), split out from monitorLoop so it
// can be driven directly in tests without a live pane.
func (r *Runtime) processLines(lines []string) {
	if len(lines) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, raw := range lines {
		stripped := strings.TrimSpace(raw)
		switch {
		case strings.Contains(stripped, r.sentinelStart):
			if len(r.runningTasks) > 0 {
				r.collectingTask = r.runningTasks[0]
			} else {
				r.collectingTask = ""
			}
			r.resultLines = nil
			r.logger.Info("detected sentinel start", "worker_id", r.WorkerID, "task_id", r.collectingTask)
		case strings.Contains(stripped, r.sentinelEnd):
			r.logger.Info("detected sentinel end", "worker_id", r.WorkerID, "task_id", r.collectingTask)
			r.finalizeResultLocked()
		case r.collectingTask != "":
			r.resultLines = append(r.resultLines, raw)
		case len(r.runningTasks) > 0:
			_, err := r.gateway.AppendTaskEvent(r.runningTasks[0], store.TaskEventStdoutChunk, mustJSON(map[string]string{"line": raw}))
			if err != nil {
				r.logger.Error("failed to append stdout_chunk event", "err", err)
			}
		}
	}
}

// finalizeResultLocked must be called with r.mu held. It parses the
// buffered result lines as JSON, transitions the collecting task to
// completed or failed, updates the owning worker's status, and — if the
// task belonged to a flow and failed — marks that flow failed too.
func (r *Runtime) finalizeResultLocked() {
	taskID := r.collectingTask
	payloadText := strings.Join(r.resultLines, "\n")
	r.collectingTask = ""
	r.resultLines = nil
	if taskID == "" {
		return
	}

	status := store.TaskCompleted
	var resultJSON json.RawMessage
	var errorMessage string
	var parsed map[string]any
	if err := json.Unmarshal([]byte(payloadText), &parsed); err != nil {
		status = store.TaskFailed
		errorMessage = "Invalid JSON result from tool"
	} else {
		resultJSON = json.RawMessage(payloadText)
		if s, _ := parsed["status"].(string); s == "failed" || s == "error" {
			status = store.TaskFailed
			if e, ok := parsed["error"].(string); ok {
				errorMessage = e
			}
		}
	}

	now := time.Now().UTC()
	task, err := r.gateway.GetTask(taskID)
	if err != nil {
		r.logger.Error("finalize result: task not found", "task_id", taskID, "err", err)
		return
	}

	update := store.TaskUpdate{Status: &status, FinishedAt: &now}
	if resultJSON != nil {
		update.ResultJSON = resultJSON
	}
	if errorMessage != "" {
		update.ErrorMessage = &errorMessage
	}
	if task.StartedAt == nil {
		update.StartedAt = &now
	}
	if err := r.gateway.UpdateTask(taskID, update); err != nil {
		r.logger.Error("failed to update task", "task_id", taskID, "err", err)
	}

	resultEventPayload, _ := json.Marshal(map[string]any{"result": json.RawMessage(orEmptyObject(resultJSON)), "error": nullableString(errorMessage)})
	if _, err := r.gateway.AppendTaskEvent(taskID, store.TaskEventResultParsed, resultEventPayload); err != nil {
		r.logger.Error("failed to append result_parsed event", "err", err)
	}

	r.removeRunningLocked(taskID)

	workerStatus := store.WorkerIdle
	if len(r.runningTasks) > 0 {
		workerStatus = store.WorkerBusy
	}
	if err := r.gateway.UpdateWorkerStatus(task.WorkerID, workerStatus); err != nil {
		r.logger.Error("failed to update worker status", "worker_id", task.WorkerID, "err", err)
	}

	if status == store.TaskFailed && task.FlowID != "" {
		failed := store.FlowFailed
		reason := errorMessage
		if reason == "" {
			reason = "task_failed"
		}
		result, _ := json.Marshal(map[string]string{"reason": reason, "task_id": taskID})
		if err := r.gateway.UpdateFlow(task.FlowID, store.FlowUpdate{Status: &failed, Result: result}); err != nil {
			r.logger.Error("failed to mark flow failed", "flow_id", task.FlowID, "err", err)
		}
	}
}

func orEmptyObject(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Registry tracks active worker runtimes and their monitor loops.
type Registry struct {
	mux     *multiplexer.Adapter
	gateway *store.Gateway
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

func NewRegistry(mux *multiplexer.Adapter, gateway *store.Gateway, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{mux: mux, gateway: gateway, cfg: cfg, logger: logger, runtimes: make(map[string]*Runtime)}
}

// Bootstrap starts a Runtime for every worker currently known to storage.
func (reg *Registry) Bootstrap(ctx context.Context) error {
	workers, err := reg.gateway.ListWorkers()
	if err != nil {
		return err
	}
	for _, w := range workers {
		if _, err := reg.EnsureRuntime(ctx, w.ID, w.TmuxSession, w.Workspace); err != nil {
			reg.logger.Error("failed to bootstrap runtime", "worker_id", w.ID, "err", err)
		}
	}
	return nil
}

// EnsureRuntime returns the existing Runtime for workerID, creating and
// starting one if none exists yet.
func (reg *Registry) EnsureRuntime(ctx context.Context, workerID, tmuxSession, workspacePath string) (*Runtime, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if rt, ok := reg.runtimes[workerID]; ok {
		return rt, nil
	}
	rt := New(workerID, tmuxSession+":0", workspacePath, reg.mux, reg.gateway, reg.cfg, reg.logger)
	reg.runtimes[workerID] = rt
	rt.Start(ctx)
	return rt, nil
}

// Get returns the Runtime for workerID if one has been created, or nil.
func (reg *Registry) Get(workerID string) *Runtime {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.runtimes[workerID]
}
