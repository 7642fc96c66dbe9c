// Package ptywatcher implements the PtyWatcher daemon: a polling loop
// that discovers workers by scanning the workspace root for worker.json
// files, enumerates their tmux panes, captures and classifies each pane's
// rendered text once it has stopped changing, and persists the result to
// both a per-worker status.json file and the shared StatusStore.
package ptywatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loppo-llc/conductor/internal/atomicfile"
	"github.com/loppo-llc/conductor/internal/classifier"
	"github.com/loppo-llc/conductor/internal/multiplexer"
	"github.com/loppo-llc/conductor/internal/statusstore"
	"github.com/loppo-llc/conductor/internal/termemu"
)

// WorkerMetadata is the subset of worker.json the watcher needs to map a
// tmux session name back to a worker and its classifier pack.
type WorkerMetadata struct {
	WorkerID    string `json:"id"`
	TmuxSession string `json:"tmux_session"`
	CLIType     string `json:"cli_type"`
	Workspace   string `json:"-"`
}

// paneState is the watcher's in-memory per-pane bookkeeping, mirroring
// the reference implementation's stability-tracking fields.
type paneState struct {
	lastSnapshotHash  string
	lastClassifiedHash string
	stableCount       int
	lastChangeTS      float64
	threshold         int
	state             string
	summary           string
	actionsNeeded     string
}

// Watcher polls tmux panes on an interval and emits readiness states.
type Watcher struct {
	Interval         time.Duration
	WorkspaceRoot    string
	DefaultCLIType   string
	DefaultStability int

	mux   *multiplexer.Adapter
	emu   *termemu.Emulator
	store *statusstore.Store

	packsDir string
	apiKey   string
	model    string

	mu          sync.Mutex
	state       map[string]*paneState
	classifiers map[string]*classifier.Hybrid

	logger *slog.Logger
}

// New constructs a Watcher. store is owned by the caller and closed by
// the caller, not by the watcher, so a status CLI can share the same
// database file concurrently.
func New(mux *multiplexer.Adapter, store *statusstore.Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Interval:         5 * time.Second,
		DefaultStability: 2,
		mux:              mux,
		emu:              termemu.New(termemu.DefaultDimensions),
		store:            store,
		state:            make(map[string]*paneState),
		classifiers:      make(map[string]*classifier.Hybrid),
		logger:           logger,
	}
}

// WithClassifierPacks configures where per-cli_type classifier packs are
// loaded from, and the optional OpenRouter credentials for hybrid
// classification.
func (w *Watcher) WithClassifierPacks(packsDir, apiKey, model string) *Watcher {
	w.packsDir = packsDir
	w.apiKey = apiKey
	w.model = model
	return w
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("starting pty watcher loop", "interval", w.Interval)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		w.pollOnce(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("pty watcher cancelled")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	workers := w.loadWorkers()
	panes, err := w.mux.ListAllPanes()
	if err != nil {
		w.logger.Error("failed to list tmux panes", "err", err)
		return
	}
	now := float64(time.Now().UnixNano()) / 1e9

	seen := make(map[string]bool, len(panes))
	for _, pane := range panes {
		worker, ok := workers[pane.Session]
		if !ok {
			continue
		}
		seen[pane.ID] = true
		w.processPane(ctx, pane, worker, now)
	}

	w.mu.Lock()
	for paneID := range w.state {
		if !seen[paneID] {
			w.logger.Info("pane disappeared, removing cache entry", "pane_id", paneID)
			delete(w.state, paneID)
		}
	}
	w.mu.Unlock()
}

func (w *Watcher) processPane(ctx context.Context, pane multiplexer.PaneInfo, worker WorkerMetadata, ts float64) {
	full, _, err := w.mux.CapturePane(pane.Target())
	if err != nil {
		w.logger.Error("capture-pane failed", "target", pane.Target(), "err", err)
		return
	}
	rendered := w.emu.Render(full)
	hash := sha256Hex(rendered)

	// classifierFor takes w.mu itself, so resolve it before locking.
	hybrid := w.classifierFor(worker.CLIType)

	w.mu.Lock()
	ps, exists := w.state[pane.ID]
	if !exists {
		ps = &paneState{threshold: hybrid.Pack().StabilityPolls, state: "UNKNOWN", lastChangeTS: ts}
		w.state[pane.ID] = ps
	}
	classify := func() classifier.Result {
		return hybrid.Classify(ctx, rendered, worker.CLIType, pane.ID)
	}
	advancePaneState(ps, hash, ts, w.DefaultStability, classify)
	snapshot := *ps
	w.mu.Unlock()

	w.writeStatus(worker, pane, snapshot, hash, ts)
}

// advancePaneState applies one poll's observation to ps: a hash change
// resets stability tracking and marks the pane BUSY; an unchanged hash
// increments the stable count and, once the threshold is reached and the
// snapshot hasn't already been classified, invokes classify. Pure aside
// from the classify callback, so it is unit-testable without tmux.
func advancePaneState(ps *paneState, hash string, ts float64, defaultStability int, classify func() classifier.Result) {
	if ps.lastSnapshotHash != hash {
		ps.lastSnapshotHash = hash
		ps.stableCount = 0
		ps.lastChangeTS = ts
		ps.state = "BUSY"
		ps.summary = "Pane output changing"
		ps.actionsNeeded = ""
		return
	}
	ps.stableCount++
	threshold := ps.threshold
	if threshold == 0 {
		threshold = defaultStability
	}
	if ps.stableCount >= threshold && ps.lastClassifiedHash != hash {
		result := classify()
		ps.state = result.State
		ps.summary = result.Summary
		ps.actionsNeeded = result.ActionsNeeded
		ps.lastClassifiedHash = hash
	}
}

func (w *Watcher) writeStatus(worker WorkerMetadata, pane multiplexer.PaneInfo, ps paneState, hash string, ts float64) {
	payload := map[string]any{
		"worker_id":      worker.WorkerID,
		"pane_id":        pane.ID,
		"tmux_session":   pane.Session,
		"tmux_target":    pane.Target(),
		"state":          ps.state,
		"summary":        ps.summary,
		"actions_needed": nullableString(ps.actionsNeeded),
		"last_change_ts": ps.lastChangeTS,
		"last_polled_ts": ts,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err == nil {
		statusPath := filepath.Join(worker.Workspace, "status.json")
		if err := atomicfile.Write(statusPath, data, 0o644); err != nil {
			w.logger.Error("failed to write status.json", "path", statusPath, "err", err)
		}
	}

	identity := statusstore.PaneIdentity{
		PaneID:      pane.ID,
		WorkerID:    worker.WorkerID,
		TmuxSession: pane.Session,
		TmuxWindow:  fmt.Sprintf("%d", pane.WindowIndex),
		TmuxPane:    fmt.Sprintf("%d", pane.PaneIndex),
		CWD:         pane.CurrentPath,
		CLIType:     worker.CLIType,
	}
	state := statusstore.PaneState{
		State:         ps.state,
		Summary:       ps.summary,
		ActionsNeeded: ps.actionsNeeded,
		LastChangeTS:  ps.lastChangeTS,
		StableCount:   ps.stableCount,
	}
	if err := w.store.Upsert(identity, state, hash, ts); err != nil {
		w.logger.Error("failed to persist status", "pane_id", pane.ID, "err", err)
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (w *Watcher) classifierFor(cliType string) *classifier.Hybrid {
	if cliType == "" {
		cliType = w.DefaultCLIType
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.classifiers[cliType]
	if ok {
		return c
	}
	pack := classifier.LoadPack(w.packsDir, cliType, w.DefaultStability)
	c = classifier.NewHybrid(pack, w.apiKey, w.model)
	w.classifiers[cliType] = c
	return c
}

func (w *Watcher) loadWorkers() map[string]WorkerMetadata {
	workers := make(map[string]WorkerMetadata)
	entries, err := os.ReadDir(w.WorkspaceRoot)
	if err != nil {
		return workers
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		workerDir := filepath.Join(w.WorkspaceRoot, entry.Name())
		metaPath := filepath.Join(workerDir, "worker.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta WorkerMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if meta.WorkerID == "" || meta.TmuxSession == "" {
			continue
		}
		if meta.CLIType == "" {
			meta.CLIType = w.DefaultCLIType
		}
		meta.Workspace = workerDir
		workers[meta.TmuxSession] = meta
	}
	return workers
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
