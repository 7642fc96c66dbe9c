// Command conductord wires every concrete component spec.md names into a
// single long-lived process: the RuntimeRegistry bootstrap, the PtyWatcher
// daemon, the cron workspace sweep, and the HTTP API — all constructed
// explicitly in main and passed to each other as arguments, per spec.md §9's
// "Lazy singletons" and "Globals" design notes (no package-level state).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loppo-llc/conductor/internal/config"
	"github.com/loppo-llc/conductor/internal/flow"
	"github.com/loppo-llc/conductor/internal/multiplexer"
	"github.com/loppo-llc/conductor/internal/notify"
	"github.com/loppo-llc/conductor/internal/ptywatcher"
	"github.com/loppo-llc/conductor/internal/runtime"
	"github.com/loppo-llc/conductor/internal/server"
	"github.com/loppo-llc/conductor/internal/statusstore"
	"github.com/loppo-llc/conductor/internal/store"
	"github.com/loppo-llc/conductor/internal/taskrunner"
	"github.com/loppo-llc/conductor/internal/watcherd"
	"github.com/loppo-llc/conductor/internal/workerprovision"
	"tailscale.com/tsnet"
)

var version = "0.1.0"

func main() {
	useTailscale := flag.Bool("tailscale", false, "expose the HTTP API over a tsnet Tailscale node instead of a plain local listener")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.Load()

	gateway, err := store.Open(strings.TrimPrefix(cfg.DatabaseURL, "sqlite://"))
	if err != nil {
		logger.Error("failed to open storage gateway", "err", err)
		os.Exit(1)
	}
	defer gateway.Close()

	statusDB, err := statusstore.Open(cfg.StatusDBPath)
	if err != nil {
		logger.Error("failed to open status store", "err", err)
		os.Exit(1)
	}
	defer statusDB.Close()

	mux := multiplexer.New(cfg.TmuxBin)

	registry := runtime.NewRegistry(mux, gateway, runtime.Config{
		SentinelStart:   cfg.SentinelStart,
		SentinelEnd:     cfg.SentinelEnd,
		MonitorInterval: cfg.MonitorInterval,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registry.Bootstrap(ctx); err != nil {
		logger.Error("failed to bootstrap worker runtimes", "err", err)
	}

	tasks := taskrunner.New(gateway, registry, shimsDir())

	var notifier *notify.Fanout
	var pushManager *notify.Manager
	{
		var sinks []notify.Sink
		var err error
		pushManager, err = notify.NewManager(logger)
		if err != nil {
			logger.Warn("push notifications unavailable", "err", err)
			pushManager = nil
		} else {
			sinks = append(sinks, notify.NewWebpushSink(pushManager))
		}
		if cfg.SlackWebhookURL != "" {
			sinks = append(sinks, notify.NewSlackSink(cfg.SlackWebhookURL, logger))
		}
		notifier = notify.NewFanout(sinks...)
	}

	flows := flow.New(gateway, tasks, logger).WithNotifier(notifier)

	provisioner := workerprovision.New(workerprovision.Config{
		WorkspaceRoot:  cfg.WorkspaceRoot,
		TmuxBin:        cfg.TmuxBin,
		TtydBin:        cfg.WebTerminalBin,
		TtydHost:       cfg.WebTerminalHost,
		TtydPortStart:  cfg.WebTerminalPortStart,
		DefaultCLIType: cfg.DefaultCLIType,
	}, gateway, registry, logger)

	watcher := ptywatcher.New(mux, statusDB, logger)
	watcher.Interval = cfg.WatcherInterval
	watcher.WorkspaceRoot = cfg.WorkspaceRoot
	watcher.DefaultCLIType = cfg.DefaultCLIType
	watcher.DefaultStability = cfg.WatcherDefaultStability
	watcher.WithClassifierPacks(cfg.ClassifierPacksDir, cfg.OpenRouterAPIKey, cfg.OpenRouterModel)

	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("pty watcher stopped", "err", err)
		}
	}()

	sweeper := watcherd.New(cfg.WorkspaceRoot, cfg.TmuxBin, logger)
	sweeper.Start(ctx)

	srv := server.New(server.Config{
		Addr:            ":" + strconv.Itoa(httpPort()),
		Logger:          logger,
		Version:         version,
		Gateway:         gateway,
		Registry:        registry,
		TaskRunner:      tasks,
		FlowCoordinator: flows,
		Provisioner:     provisioner,
		Multiplexer:     mux,
		PushManager:     pushManager,
		AdminTOTPSecret: cfg.AdminTOTPSecret,
	})

	addr := ":" + strconv.Itoa(httpPort())
	if *useTailscale {
		tsServer := &tsnet.Server{
			Hostname: "conductor",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		ln, err := tsServer.ListenTLS("tcp", addr)
		if err != nil {
			logger.Error("failed to listen on tailscale, falling back to localhost", "err", err)
			ln, err = net.Listen("tcp", addr)
			if err != nil {
				logger.Error("failed to listen", "err", err)
				os.Exit(1)
			}
		}
		go func() {
			if err := srv.Serve(ln); err != nil {
				logger.Error("server error", "err", err)
			}
		}()
		defer tsServer.Close()
	} else {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  conductor v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil {
				logger.Error("server error", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func httpPort() int {
	if v := os.Getenv("CONDUCTOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 8088
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
