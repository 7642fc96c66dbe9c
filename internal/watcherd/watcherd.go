// Package watcherd runs a daily sweep over the workspace root, removing
// worker.json directories whose tmux session no longer exists. The
// teacher repository only did this once at startup
// (cleanupOrphanedTmuxSessions in its main.go); this
// package turns it into a recurring cron job so a long-running watcher
// process stays tidy without a restart.
package watcherd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically removes orphaned worker workspaces.
type Sweeper struct {
	workspaceRoot string
	tmuxBin       string
	logger        *slog.Logger
	cron          *cron.Cron
}

func New(workspaceRoot, tmuxBin string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{workspaceRoot: workspaceRoot, tmuxBin: tmuxBin, logger: logger, cron: cron.New()}
}

// Start schedules the sweep for 03:00 every day and stops it when ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	_, err := s.cron.AddFunc("0 3 * * *", s.sweepOnce)
	if err != nil {
		s.logger.Error("failed to schedule orphan sweep", "err", err)
		return
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
}

type workerMetadataFile struct {
	TmuxSession string `json:"tmux_session"`
}

func (s *Sweeper) sweepOnce() {
	entries, err := os.ReadDir(s.workspaceRoot)
	if err != nil {
		return
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.workspaceRoot, entry.Name())
		metaPath := filepath.Join(dir, "worker.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta workerMetadataFile
		if err := json.Unmarshal(data, &meta); err != nil || meta.TmuxSession == "" {
			continue
		}
		if s.hasSession(meta.TmuxSession) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove orphaned worker workspace", "workspace", dir, "err", err)
			continue
		}
		s.logger.Info("removed orphaned worker workspace", "workspace", dir, "tmux_session", meta.TmuxSession)
		removed++
	}
	if removed > 0 {
		s.logger.Info("orphan sweep complete", "removed", removed)
	}
}

func (s *Sweeper) hasSession(name string) bool {
	cmd := exec.Command(s.tmuxBin, "has-session", "-t", name)
	return cmd.Run() == nil
}
