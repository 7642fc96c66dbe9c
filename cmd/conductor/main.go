// Command conductor is the operator-facing CLI: `pty watch` runs the
// PtyWatcher daemon standalone, `pty status`/`pty tail` read the shared
// StatusStore, and `attach` drops into a worker's live tmux pane — ported
// from the reference implementation's scripts/conductor.py.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loppo-llc/conductor/internal/attach"
	"github.com/loppo-llc/conductor/internal/config"
	"github.com/loppo-llc/conductor/internal/multiplexer"
	"github.com/loppo-llc/conductor/internal/ptywatcher"
	"github.com/loppo-llc/conductor/internal/statuscli"
	"github.com/loppo-llc/conductor/internal/statusstore"
	"github.com/loppo-llc/conductor/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "pty":
		runPty(os.Args[2:])
	case "attach":
		runAttach(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: conductor pty watch|status|tail ...")
	fmt.Fprintln(os.Stderr, "       conductor attach <worker-id>")
}

func runPty(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	switch args[0] {
	case "watch":
		fs := flag.NewFlagSet("pty watch", flag.ExitOnError)
		interval := fs.Float64("interval", cfg.WatcherInterval.Seconds(), "poll interval in seconds")
		fs.Parse(args[1:])

		mux := multiplexer.New(cfg.TmuxBin)
		statusDB, err := statusstore.Open(cfg.StatusDBPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "conductor: open status store:", err)
			os.Exit(1)
		}
		defer statusDB.Close()

		watcher := ptywatcher.New(mux, statusDB, logger)
		watcher.Interval = time.Duration(*interval * float64(time.Second))
		watcher.WorkspaceRoot = cfg.WorkspaceRoot
		watcher.DefaultCLIType = cfg.DefaultCLIType
		watcher.DefaultStability = cfg.WatcherDefaultStability
		watcher.WithClassifierPacks(cfg.ClassifierPacksDir, cfg.OpenRouterAPIKey, cfg.OpenRouterModel)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := watcher.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "conductor: watcher stopped:", err)
			os.Exit(1)
		}

	case "status":
		fs := flag.NewFlagSet("pty status", flag.ExitOnError)
		since := fs.Float64("since", 0, "only show panes polled within the last S seconds")
		asJSON := fs.Bool("json", false, "emit JSON")
		short := fs.Bool("short", false, "emit compact status-line form")
		qrFor := fs.String("qr", "", "render a worker's web-terminal URL as a terminal QR code")
		fs.Parse(args[1:])

		statusDB, err := statusstore.Open(cfg.StatusDBPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "conductor: open status store:", err)
			os.Exit(1)
		}
		defer statusDB.Close()

		var minTS *float64
		if *since > 0 {
			v := statuscli.MinTimestampForWindow(time.Duration(*since * float64(time.Second)))
			minTS = &v
		}
		panes, err := statusDB.ListStatus(minTS)
		if err != nil {
			fmt.Fprintln(os.Stderr, "conductor: list status:", err)
			os.Exit(1)
		}

		if *qrFor != "" {
			gateway, err := store.Open(strings.TrimPrefix(cfg.DatabaseURL, "sqlite://"))
			if err != nil {
				fmt.Fprintln(os.Stderr, "conductor: open storage gateway:", err)
				os.Exit(1)
			}
			defer gateway.Close()
			worker, err := gateway.GetWorker(*qrFor)
			if err != nil || worker.TtydURL == "" {
				fmt.Fprintln(os.Stderr, "conductor: worker has no web-terminal URL")
				os.Exit(1)
			}
			qr, err := statuscli.RenderQR("http://"+worker.TtydURL, 48)
			if err != nil {
				fmt.Fprintln(os.Stderr, "conductor: render qr:", err)
				os.Exit(1)
			}
			fmt.Println(qr)
			return
		}

		switch {
		case *asJSON:
			out, err := statuscli.RenderJSON(panes)
			if err != nil {
				fmt.Fprintln(os.Stderr, "conductor: marshal json:", err)
				os.Exit(1)
			}
			fmt.Println(out)
		case *short:
			fmt.Println(statuscli.RenderShort(panes))
		default:
			fmt.Print(statuscli.RenderTable(panes))
		}

	case "tail":
		fs := flag.NewFlagSet("pty tail", flag.ExitOnError)
		limit := fs.Int("limit", 50, "max history rows")
		asJSON := fs.Bool("json", false, "emit JSON")
		fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "usage: conductor pty tail <pane_id> [--limit N] [--json]")
			os.Exit(1)
		}
		paneID := fs.Arg(0)

		statusDB, err := statusstore.Open(cfg.StatusDBPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "conductor: open status store:", err)
			os.Exit(1)
		}
		defer statusDB.Close()

		entries, _, err := statusDB.TailHistory(paneID, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "conductor: tail history:", err)
			os.Exit(1)
		}
		if *asJSON {
			out, err := statuscli.RenderHistoryJSON(entries)
			if err != nil {
				fmt.Fprintln(os.Stderr, "conductor: marshal json:", err)
				os.Exit(1)
			}
			fmt.Println(out)
		} else {
			fmt.Print(statuscli.RenderHistoryTable(entries))
		}

	default:
		usage()
		os.Exit(1)
	}
}

func runAttach(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor attach <worker-id>")
		os.Exit(1)
	}
	cfg := config.Load()
	gateway, err := store.Open(strings.TrimPrefix(cfg.DatabaseURL, "sqlite://"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor: open storage gateway:", err)
		os.Exit(1)
	}
	defer gateway.Close()

	worker, err := gateway.GetWorker(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor: worker not found:", args[0])
		os.Exit(1)
	}
	if err := attach.Run(cfg.TmuxBin, worker.TmuxSession); err != nil {
		fmt.Fprintln(os.Stderr, "conductor: attach:", err)
		os.Exit(1)
	}
}
