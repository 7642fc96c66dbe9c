// Command conductor-mcp exposes create_task, get_task, and list_workers as
// an MCP tool surface over stdio, sharing the same SQLite storage gateway
// conductord uses so an agent host can drive workers directly.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/loppo-llc/conductor/internal/config"
	"github.com/loppo-llc/conductor/internal/mcpserver"
	"github.com/loppo-llc/conductor/internal/multiplexer"
	"github.com/loppo-llc/conductor/internal/runtime"
	"github.com/loppo-llc/conductor/internal/store"
	"github.com/loppo-llc/conductor/internal/taskrunner"
)

var version = "0.1.0"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.Load()

	gateway, err := store.Open(strings.TrimPrefix(cfg.DatabaseURL, "sqlite://"))
	if err != nil {
		logger.Error("failed to open storage gateway", "err", err)
		os.Exit(1)
	}
	defer gateway.Close()

	mux := multiplexer.New(cfg.TmuxBin)
	registry := runtime.NewRegistry(mux, gateway, runtime.Config{
		SentinelStart:   cfg.SentinelStart,
		SentinelEnd:     cfg.SentinelEnd,
		MonitorInterval: cfg.MonitorInterval,
	}, logger)
	if err := registry.Bootstrap(context.Background()); err != nil {
		logger.Warn("failed to bootstrap worker runtimes", "err", err)
	}

	tasks := taskrunner.New(gateway, registry, shimsDir())

	s := mcpserver.New(mcpserver.Config{Gateway: gateway, Tasks: tasks, Version: version})
	if err := mcpserver.ServeStdio(context.Background(), s); err != nil {
		logger.Error("mcp server stopped", "err", err)
		os.Exit(1)
	}
}

func shimsDir() string {
	if v := os.Getenv("CONDUCTOR_SHIMS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "shims"
	}
	return exe + "-shims"
}
