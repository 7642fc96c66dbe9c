// Package statusstore implements the StatusStore: a local embedded SQL
// database persisting current pane states and an append-only history
// stream, backed by modernc.org/sqlite (pure Go, no cgo) — the same
// driver the teacher repository already depends on.
package statusstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Pane is one row of the ptys table plus its current status.
type Pane struct {
	ID            string  `json:"id"`
	WorkerID      string  `json:"worker_id"`
	TmuxSession   string  `json:"tmux_session"`
	TmuxWindow    string  `json:"tmux_window"`
	TmuxPane      string  `json:"tmux_pane"`
	CWD           string  `json:"cwd"`
	CLIType       string  `json:"cli_type"`
	State         string  `json:"state"`
	Summary       string  `json:"summary"`
	ActionsNeeded string  `json:"actions_needed"`
	LastSnapshotHash string `json:"last_snapshot_hash"`
	LastChangeTS  float64 `json:"last_change_ts"`
	LastPolledTS  float64 `json:"last_polled_ts"`
	StableCount   int     `json:"stable_count"`
}

// TmuxTarget composes session:window.pane, empty when any field is
// missing — matching the reference implementation's composition rule.
func (p Pane) TmuxTarget() string {
	if p.TmuxSession == "" || p.TmuxWindow == "" || p.TmuxPane == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s.%s", p.TmuxSession, p.TmuxWindow, p.TmuxPane)
}

// HistoryEntry is one row of status_history; TailHistory returns the
// pane's joined tmux target separately.
type HistoryEntry struct {
	TS      float64
	State   string
	Summary string
}

// PaneState is the subset of PaneState written to the status row; defined
// here rather than imported from ptywatcher to avoid a dependency cycle.
type PaneState struct {
	State         string
	Summary       string
	ActionsNeeded string
	LastChangeTS  float64
	StableCount   int
}

// PaneIdentity identifies a pane row to upsert.
type PaneIdentity struct {
	PaneID      string
	WorkerID    string
	TmuxSession string
	TmuxWindow  string
	TmuxPane    string
	CWD         string
	CLIType     string
}

// Store wraps a sqlite connection implementing the ptys/status/status_history
// schema. WAL journaling is enabled so CLI tooling can read concurrently
// with the watcher's writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("statusstore: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statusstore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statusstore: enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ptys (
			id TEXT PRIMARY KEY,
			worker_id TEXT,
			tmux_session TEXT,
			tmux_window TEXT,
			tmux_pane TEXT,
			cwd TEXT,
			cli_type TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS status (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			summary TEXT,
			actions_needed TEXT,
			last_snapshot_hash TEXT,
			last_change_ts REAL,
			last_polled_ts REAL,
			stable_count INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS status_history (
			id TEXT,
			ts REAL,
			state TEXT,
			summary TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("statusstore: init schema: %w", err)
		}
	}
	return nil
}

// Upsert atomically replaces the pty and status rows for pane.PaneID and
// appends one history row.
func (s *Store) Upsert(pane PaneIdentity, state PaneState, snapshotHash string, polledTS float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statusstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO ptys (id, worker_id, tmux_session, tmux_window, tmux_pane, cwd, cli_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worker_id=excluded.worker_id,
			tmux_session=excluded.tmux_session,
			tmux_window=excluded.tmux_window,
			tmux_pane=excluded.tmux_pane,
			cwd=excluded.cwd,
			cli_type=excluded.cli_type
	`, pane.PaneID, pane.WorkerID, pane.TmuxSession, pane.TmuxWindow, pane.TmuxPane, pane.CWD, pane.CLIType)
	if err != nil {
		return fmt.Errorf("statusstore: upsert ptys: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO status (id, state, summary, actions_needed, last_snapshot_hash, last_change_ts, last_polled_ts, stable_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state,
			summary=excluded.summary,
			actions_needed=excluded.actions_needed,
			last_snapshot_hash=excluded.last_snapshot_hash,
			last_change_ts=excluded.last_change_ts,
			last_polled_ts=excluded.last_polled_ts,
			stable_count=excluded.stable_count
	`, pane.PaneID, state.State, state.Summary, state.ActionsNeeded, snapshotHash, state.LastChangeTS, polledTS, state.StableCount)
	if err != nil {
		return fmt.Errorf("statusstore: upsert status: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO status_history (id, ts, state, summary) VALUES (?, ?, ?, ?)`,
		pane.PaneID, polledTS, state.State, state.Summary)
	if err != nil {
		return fmt.Errorf("statusstore: insert history: %w", err)
	}

	return tx.Commit()
}

// ListStatus returns every known pane's latest state, most recently
// polled first, optionally filtered to panes polled at or after minPolledTS.
func (s *Store) ListStatus(minPolledTS *float64) ([]Pane, error) {
	query := `
		SELECT s.id, p.worker_id, p.tmux_session, p.tmux_window, p.tmux_pane, p.cwd, p.cli_type,
			s.state, s.summary, s.actions_needed, s.last_snapshot_hash, s.last_change_ts, s.last_polled_ts, s.stable_count
		FROM status s LEFT JOIN ptys p ON p.id = s.id`
	args := []any{}
	if minPolledTS != nil {
		query += " WHERE s.last_polled_ts >= ?"
		args = append(args, *minPolledTS)
	}
	query += " ORDER BY s.last_polled_ts DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statusstore: list status: %w", err)
	}
	defer rows.Close()

	var out []Pane
	for rows.Next() {
		var p Pane
		if err := rows.Scan(&p.ID, &p.WorkerID, &p.TmuxSession, &p.TmuxWindow, &p.TmuxPane, &p.CWD, &p.CLIType,
			&p.State, &p.Summary, &p.ActionsNeeded, &p.LastSnapshotHash, &p.LastChangeTS, &p.LastPolledTS, &p.StableCount); err != nil {
			return nil, fmt.Errorf("statusstore: scan status row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TailHistory returns up to limit history rows for paneID in chronological
// order, joined with pty metadata for the tmux target.
func (s *Store) TailHistory(paneID string, limit int) ([]HistoryEntry, string, error) {
	rows, err := s.db.Query(`
		SELECT h.ts, h.state, h.summary, p.tmux_session, p.tmux_window, p.tmux_pane
		FROM status_history h LEFT JOIN ptys p ON p.id = h.id
		WHERE h.id = ? ORDER BY h.ts DESC LIMIT ?`, paneID, limit)
	if err != nil {
		return nil, "", fmt.Errorf("statusstore: tail history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	var target string
	for rows.Next() {
		var e HistoryEntry
		var session, window, pane sql.NullString
		if err := rows.Scan(&e.TS, &e.State, &e.Summary, &session, &window, &pane); err != nil {
			return nil, "", fmt.Errorf("statusstore: scan history row: %w", err)
		}
		if session.Valid && window.Valid && pane.Valid && session.String != "" && window.String != "" && pane.String != "" {
			target = fmt.Sprintf("%s:%s.%s", session.String, window.String, pane.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, target, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
