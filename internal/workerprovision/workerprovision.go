// Package workerprovision implements create_worker: allocating a
// workspace, starting a dedicated tmux session, optionally exposing it
// through a ttyd web terminal, and persisting both the worker.json
// sidecar file and the Worker row.
package workerprovision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loppo-llc/conductor/internal/atomicfile"
	"github.com/loppo-llc/conductor/internal/runtime"
	"github.com/loppo-llc/conductor/internal/store"
)

// Config bundles the provisioning knobs a Provisioner needs.
type Config struct {
	WorkspaceRoot   string
	TmuxBin         string
	TtydBin         string
	TtydHost        string
	TtydPortStart   int
	DefaultCLIType  string
}

// Provisioner creates workers on demand.
type Provisioner struct {
	cfg      Config
	gateway  *store.Gateway
	registry *runtime.Registry
	logger   *slog.Logger

	mu          sync.Mutex
	nextTtydPort int
}

func New(cfg Config, gateway *store.Gateway, registry *runtime.Registry, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TmuxBin == "" {
		cfg.TmuxBin = "tmux"
	}
	if cfg.TtydBin == "" {
		cfg.TtydBin = "ttyd"
	}
	return &Provisioner{cfg: cfg, gateway: gateway, registry: registry, logger: logger, nextTtydPort: cfg.TtydPortStart}
}

type workerMetadataFile struct {
	ID          string `json:"id"`
	Label       string `json:"label,omitempty"`
	TmuxSession string `json:"tmux_session"`
	Workspace   string `json:"workspace"`
	CLIType     string `json:"cli_type"`
	CreatedAt   string `json:"created_at"`
}

// CreateWorker allocates a fresh workspace, starts its tmux session and
// optional ttyd web terminal, and persists both worker.json and the
// Worker row.
func (p *Provisioner) CreateWorker(label string) (store.Worker, error) {
	if err := os.MkdirAll(p.cfg.WorkspaceRoot, 0o755); err != nil {
		return store.Worker{}, fmt.Errorf("workerprovision: mkdir workspace root: %w", err)
	}

	workerID := uuid.New().String()
	workspace := filepath.Join(p.cfg.WorkspaceRoot, workerID)
	for _, dir := range []string{workspace, filepath.Join(workspace, "specs"), filepath.Join(workspace, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return store.Worker{}, fmt.Errorf("workerprovision: mkdir %s: %w", dir, err)
		}
	}

	tmuxSession := fmt.Sprintf("worker_%s", workerID[:8])
	if err := p.startTmuxSession(tmuxSession, workspace); err != nil {
		return store.Worker{}, fmt.Errorf("workerprovision: start tmux session: %w", err)
	}

	ttydURL, ttydPID := p.startTtyd(tmuxSession)

	createdAt := time.Now().UTC()
	cliType := p.cfg.DefaultCLIType
	if cliType == "" {
		cliType = "codex"
	}
	meta := workerMetadataFile{
		ID: workerID, Label: label, TmuxSession: tmuxSession, Workspace: workspace,
		CLIType: cliType, CreatedAt: createdAt.Format(time.RFC3339Nano),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return store.Worker{}, fmt.Errorf("workerprovision: marshal worker.json: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(workspace, "worker.json"), metaJSON, 0o644); err != nil {
		return store.Worker{}, fmt.Errorf("workerprovision: write worker.json: %w", err)
	}

	worker, err := p.gateway.CreateWorker(store.Worker{
		ID: workerID, Label: label, Status: store.WorkerIdle, TmuxSession: tmuxSession,
		Workspace: workspace, TtydURL: ttydURL, TtydPID: ttydPID,
	})
	if err != nil {
		return store.Worker{}, fmt.Errorf("workerprovision: persist worker: %w", err)
	}

	if p.registry != nil {
		if _, err := p.registry.EnsureRuntime(context.Background(), worker.ID, worker.TmuxSession, worker.Workspace); err != nil {
			p.logger.Error("failed to start runtime for new worker", "worker_id", worker.ID, "err", err)
		}
	}
	return worker, nil
}

func (p *Provisioner) startTmuxSession(name, workDir string) error {
	cmd := exec.Command(p.cfg.TmuxBin, "new-session", "-d", "-s", name, "-c", workDir)
	if err := cmd.Run(); err != nil {
		return err
	}
	return nil
}

// startTtyd spawns a ttyd web terminal attached to the tmux session.
// A missing ttyd binary is not an error: the reference implementation
// treats it as an optional convenience and returns no URL/PID, matching
// that here.
func (p *Provisioner) startTtyd(tmuxSession string) (url string, pid int) {
	p.mu.Lock()
	port := p.nextTtydPort
	p.nextTtydPort++
	p.mu.Unlock()

	cmd := exec.Command(p.cfg.TtydBin, "-p", fmt.Sprintf("%d", port), p.cfg.TmuxBin, "attach", "-t", tmuxSession)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		p.logger.Warn("ttyd not available, worker will have no web terminal", "err", err)
		return "", 0
	}
	return fmt.Sprintf("%s:%d", p.cfg.TtydHost, port), cmd.Process.Pid
}
