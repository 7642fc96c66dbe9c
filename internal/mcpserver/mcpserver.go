// Package mcpserver exposes create_task, get_task, and list_workers as MCP
// tools so an agent host (Claude Desktop, an IDE) can drive the conductor
// directly instead of going through the HTTP API, using the same
// Gateway/TaskRunner wiring internal/server uses.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loppo-llc/conductor/internal/store"
	"github.com/loppo-llc/conductor/internal/taskrunner"
)

// Config bundles the dependencies the MCP tool handlers call into.
type Config struct {
	Gateway *store.Gateway
	Tasks   *taskrunner.Runner
	Version string
}

// New builds an MCP server with the conductor's tool surface registered.
func New(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("conductor", cfg.Version, server.WithToolCapabilities(false))

	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a task for a worker's tmux-driven coding tool and enqueue it for execution."),
			mcp.WithString("worker_id", mcp.Required(), mcp.Description("ID of the worker to run the task on")),
			mcp.WithString("tool", mcp.Required(), mcp.Description("codex, claude, gemini, or critic_llm")),
			mcp.WithObject("spec", mcp.Description("Task specification JSON, passed to the tool's shim verbatim")),
		),
		handleCreateTask(cfg),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Fetch a task's current status and result."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to fetch")),
		),
		handleGetTask(cfg),
	)

	s.AddTool(
		mcp.NewTool("list_workers",
			mcp.WithDescription("List every known worker and its current status."),
		),
		handleListWorkers(cfg),
	)

	return s
}

func handleCreateTask(cfg Config) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workerID, err := req.RequireString("worker_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tool, err := req.RequireString("tool")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var specJSON json.RawMessage
		if rawSpec := req.GetArguments()["spec"]; rawSpec != nil {
			encoded, err := json.Marshal(rawSpec)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
			}
			specJSON = encoded
		}

		task, err := cfg.Tasks.CreateTask(workerID, taskrunner.CreateTaskParams{Tool: tool, SpecJSON: specJSON})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := json.Marshal(task)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func handleGetTask(cfg Config) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := cfg.Gateway.GetTask(taskID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := json.Marshal(task)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func handleListWorkers(cfg Config) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workers, err := cfg.Gateway.ListWorkers()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := json.Marshal(workers)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

// ServeStdio runs the MCP server over stdio, blocking until the stdio
// session ends. ctx is not used to stop the server.
func ServeStdio(ctx context.Context, s *server.MCPServer) error {
	return server.ServeStdio(s)
}
