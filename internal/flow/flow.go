// Package flow implements the FlowCoordinator: a design-refinement loop
// that alternates a coder task against a worker with an inline "Carmack"
// critic heuristic scored directly off design.md, iterating until the
// critic's score clears a threshold or the iteration budget runs out.
//
// Unlike the reference implementation's process-wide
// design_flow_coordinator singleton, the Coordinator here is constructed
// explicitly by its caller and holds no package-level state, per the
// Dependency Injection design note.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loppo-llc/conductor/internal/notify"
	"github.com/loppo-llc/conductor/internal/store"
	"github.com/loppo-llc/conductor/internal/taskrunner"
)

// Config is the caller-supplied design_refinement flow configuration,
// matching the reference's flow.config JSON shape.
type Config struct {
	InitialPrompt string `json:"initial_prompt"`
	MaxIterations int    `json:"max_iterations"`
	MinScore      int    `json:"min_score"`
}

// CriticResult is the inline heuristic critique of design.md for one
// iteration.
type CriticResult struct {
	Persona     string   `json:"persona"`
	Score       int      `json:"score"`
	Issues      []string `json:"issues"`
	Suggestions string   `json:"suggestions"`
	Iteration   int      `json:"iteration"`
}

// Coordinator drives the design-refinement loop for flows it is asked to
// run. pollInterval governs how often it checks a coder task's status
// while waiting for it to finish; it defaults to one second to match the
// reference implementation's polling cadence.
type Coordinator struct {
	gateway      *store.Gateway
	tasks        *taskrunner.Runner
	notifier     *notify.Fanout
	pollInterval time.Duration
	logger       *slog.Logger
}

func New(gateway *store.Gateway, tasks *taskrunner.Runner, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{gateway: gateway, tasks: tasks, pollInterval: time.Second, logger: logger}
}

// WithNotifier attaches a Fanout that is notified on every terminal
// transition (completed or failed) this Coordinator reaches.
func (c *Coordinator) WithNotifier(n *notify.Fanout) *Coordinator {
	c.notifier = n
	return c
}

// Kickoff launches the refinement loop for flowID in the background,
// mirroring the reference's fire-and-forget asyncio.create_task.
func (c *Coordinator) Kickoff(ctx context.Context, flowID string) {
	go c.run(ctx, flowID)
}

func (c *Coordinator) run(ctx context.Context, flowID string) {
	f, err := c.gateway.GetFlow(flowID)
	if err != nil {
		c.logger.Error("flow not found", "flow_id", flowID, "err", err)
		return
	}
	worker, err := c.gateway.GetWorker(f.WorkerID)
	if err != nil {
		c.markFailed(flowID, "worker_missing", nil)
		return
	}

	var cfg Config
	if err := json.Unmarshal(f.Config, &cfg); err != nil {
		c.markFailed(flowID, "invalid_config", map[string]any{"error": err.Error()})
		return
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1
	}

	designPath := filepath.Join(worker.Workspace, "design.md")
	if err := c.writeInitialDesign(designPath, cfg.InitialPrompt); err != nil {
		c.markFailed(flowID, "design_write_failed", map[string]any{"error": err.Error()})
		return
	}

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		coderSpec := c.buildCoderSpec(cfg, iteration)
		specJSON, _ := json.Marshal(coderSpec)
		task, err := c.tasks.CreateTask(worker.ID, taskrunner.CreateTaskParams{Tool: "codex", SpecJSON: specJSON, FlowID: flowID})
		if err != nil {
			c.markFailed(flowID, "coder_task_create_failed", map[string]any{"error": err.Error()})
			return
		}

		finished, err := c.waitForTaskCompletion(ctx, task.ID)
		if err != nil {
			c.logger.Warn("flow cancelled while waiting for coder task", "flow_id", flowID, "err", err)
			return
		}
		if finished.Status == store.TaskFailed {
			c.markFailed(flowID, "coder_task_failed", map[string]any{"task_id": task.ID})
			return
		}

		critic := c.runCarmackCritic(designPath, iteration)
		if err := c.recordIteration(flowID, iteration, task.ID, critic); err != nil {
			c.logger.Error("failed to record flow iteration", "flow_id", flowID, "err", err)
		}
		if critic.Score >= cfg.MinScore {
			c.markCompleted(flowID, iteration, critic)
			return
		}
	}
	c.markFailed(flowID, "max_iterations_reached", nil)
}

func (c *Coordinator) writeInitialDesign(path, prompt string) error {
	content := fmt.Sprintf("# Design Draft\n\n%s\n", prompt)
	return os.WriteFile(path, []byte(content), 0o644)
}

func (c *Coordinator) buildCoderSpec(cfg Config, iteration int) map[string]any {
	return map[string]any{
		"description": "Refine design document",
		"files":       []string{"design.md"},
		"instructions": fmt.Sprintf(
			"Update design.md to reflect feedback and improve clarity, performance, and feasibility. This is iteration %d of the refinement loop.",
			iteration,
		),
		"context": map[string]any{
			"iteration":      iteration,
			"initial_prompt": cfg.InitialPrompt,
		},
	}
}

// runCarmackCritic scores design.md using the Coordinator's own
// heuristic: 4 base points plus one per '#' heading character plus one
// per 200 words, capped at 10. This formula belongs to the Coordinator
// alone — the critic_llm shim script scores independently and should
// never be unified with this one.
func (c *Coordinator) runCarmackCritic(designPath string, iteration int) CriticResult {
	data, err := os.ReadFile(designPath)
	content := ""
	if err == nil {
		content = string(data)
	}
	headingCount := strings.Count(content, "#")
	wordCount := len(strings.Fields(content))
	score := 4 + headingCount + wordCount/200
	if score > 10 {
		score = 10
	}

	var issues []string
	if headingCount < 3 {
		issues = append(issues, "Add more structured sections to the design.")
	}
	if !strings.Contains(strings.ToLower(content), "performance") {
		issues = append(issues, "Explicitly discuss performance considerations.")
	}

	return CriticResult{
		Persona:     "john_carmack",
		Score:       score,
		Issues:      issues,
		Suggestions: "Iterate on the architecture and quantify trade-offs.",
		Iteration:   iteration,
	}
}

func (c *Coordinator) waitForTaskCompletion(ctx context.Context, taskID string) (store.Task, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		task, err := c.gateway.GetTask(taskID)
		if err == nil && (task.Status == store.TaskCompleted || task.Status == store.TaskFailed) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return store.Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) recordIteration(flowID string, iteration int, taskID string, critic CriticResult) error {
	critic.Iteration = iteration
	criticJSON, _ := json.Marshal(critic)
	state, _ := json.Marshal(map[string]any{
		"last_iteration": iteration,
		"last_score":     critic.Score,
		"last_critic":    critic,
	})
	if err := c.gateway.UpdateFlow(flowID, store.FlowUpdate{State: state}); err != nil {
		return err
	}
	_, err := c.gateway.AppendFlowIteration(store.FlowIteration{
		FlowID: flowID, IterationIndex: iteration, CoderTaskID: taskID, CriticTaskPayload: criticJSON,
	})
	return err
}

func (c *Coordinator) markCompleted(flowID string, iteration int, critic CriticResult) {
	completed := store.FlowCompleted
	result, _ := json.Marshal(map[string]any{"final_iteration": iteration, "critic": critic})
	if err := c.gateway.UpdateFlow(flowID, store.FlowUpdate{Status: &completed, Result: result}); err != nil {
		c.logger.Error("failed to mark flow completed", "flow_id", flowID, "err", err)
		return
	}
	c.notify(flowID, store.FlowCompleted, fmt.Sprintf("converged at iteration %d (score %d)", iteration, critic.Score))
}

func (c *Coordinator) markFailed(flowID, reason string, details map[string]any) {
	failed := store.FlowFailed
	result, _ := json.Marshal(map[string]any{"reason": reason, "details": details})
	if err := c.gateway.UpdateFlow(flowID, store.FlowUpdate{Status: &failed, Result: result}); err != nil {
		c.logger.Error("failed to mark flow failed", "flow_id", flowID, "err", err)
		return
	}
	c.notify(flowID, store.FlowFailed, reason)
}

func (c *Coordinator) notify(flowID, status, reason string) {
	if c.notifier == nil {
		return
	}
	f, err := c.gateway.GetFlow(flowID)
	if err != nil {
		return
	}
	c.notifier.Notify(notify.Event{FlowID: flowID, WorkerID: f.WorkerID, Status: status, Reason: reason})
}
