// Package store implements the Storage Gateway: CRUD operations over
// Worker/Task/TaskEvent/Flow/FlowIteration rows. spec.md treats this as
// an external collaborator and only specifies its contract; this package
// gives that contract a concrete, runnable implementation backed by
// modernc.org/sqlite, with workers/tasks/flows/flow_iterations stored as
// flat rows referencing each other by id — never held as an in-memory
// cyclic object graph, per the "Cyclic relations" design note.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Worker/Task/Flow status enums, matching the reference implementation's
// string-valued enums exactly.
const (
	WorkerIdle       = "idle"
	WorkerBusy       = "busy"
	WorkerError      = "error"
	WorkerTerminated = "terminated"

	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"

	TaskEventStdoutChunk  = "stdout_chunk"
	TaskEventStderrChunk  = "stderr_chunk"
	TaskEventStateChange  = "state_change"
	TaskEventResultParsed = "result_parsed"

	FlowRunning   = "running"
	FlowCompleted = "completed"
	FlowFailed    = "failed"

	FlowTypeDesignRefinement = "design_refinement"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Worker is a logical agent host.
type Worker struct {
	ID          string
	Label       string
	Status      string
	TmuxSession string
	Workspace   string
	TtydURL     string
	TtydPID     int
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	LastSeenAt  time.Time
}

// Task is a single tool invocation against a worker.
type Task struct {
	ID           string
	WorkerID     string
	Tool         string
	SpecJSON     json.RawMessage
	Status       string
	ResultJSON   json.RawMessage
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	FlowID       string
}

// TaskEvent is an append-only audit log entry.
type TaskEvent struct {
	ID        string
	TaskID    string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Flow is a supervised multi-task process.
type Flow struct {
	ID        string
	Type      string
	Status    string
	WorkerID  string
	Config    json.RawMessage
	State     json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// FlowIteration is a per-iteration record.
type FlowIteration struct {
	ID                string
	FlowID            string
	IterationIndex    int
	CoderTaskID       string
	CriticTaskPayload json.RawMessage
	CreatedAt         time.Time
}

// Gateway is the concrete Storage Gateway implementation.
type Gateway struct {
	db *sql.DB
}

func Open(path string) (*Gateway, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	g := &Gateway{db: db}
	if err := g.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			label TEXT,
			status TEXT NOT NULL,
			tmux_session TEXT NOT NULL UNIQUE,
			workspace_path TEXT NOT NULL,
			ttyd_url TEXT,
			ttyd_pid INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT,
			last_seen_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			spec_json TEXT NOT NULL,
			status TEXT NOT NULL,
			result_json TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			flow_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			config TEXT NOT NULL,
			state TEXT NOT NULL,
			result TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS flow_iterations (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			iteration_index INTEGER NOT NULL,
			coder_task_id TEXT,
			critic_task_payload TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker_id ON tasks(worker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_iterations_flow_id ON flow_iterations(flow_id)`,
	}
	for _, stmt := range stmts {
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func (g *Gateway) Close() error { return g.db.Close() }

func newID() string { return uuid.New().String() }

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// --- Workers ---

func (g *Gateway) CreateWorker(w Worker) (Worker, error) {
	if w.ID == "" {
		w.ID = newID()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.LastSeenAt = now
	if w.Status == "" {
		w.Status = WorkerIdle
	}
	_, err := g.db.Exec(`INSERT INTO workers (id, label, status, tmux_session, workspace_path, ttyd_url, ttyd_pid, created_at, updated_at, last_seen_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Label, w.Status, w.TmuxSession, w.Workspace, w.TtydURL, w.TtydPID, timePtr(&w.CreatedAt), nil, timePtr(&w.LastSeenAt))
	if err != nil {
		return Worker{}, fmt.Errorf("store: create worker: %w", err)
	}
	return w, nil
}

func (g *Gateway) GetWorker(id string) (Worker, error) {
	row := g.db.QueryRow(`SELECT id, label, status, tmux_session, workspace_path, ttyd_url, ttyd_pid, created_at, updated_at, last_seen_at
		FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

func (g *Gateway) ListWorkers() ([]Worker, error) {
	rows, err := g.db.Query(`SELECT id, label, status, tmux_session, workspace_path, ttyd_url, ttyd_pid, created_at, updated_at, last_seen_at
		FROM workers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list workers: %w", err)
	}
	defer rows.Close()
	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (Worker, error) {
	var w Worker
	var label, ttydURL, updatedAt sql.NullString
	var ttydPID sql.NullInt64
	var createdAt, lastSeenAt string
	if err := row.Scan(&w.ID, &label, &w.Status, &w.TmuxSession, &w.Workspace, &ttydURL, &ttydPID, &createdAt, &updatedAt, &lastSeenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Worker{}, ErrNotFound
		}
		return Worker{}, fmt.Errorf("store: scan worker: %w", err)
	}
	w.Label = label.String
	w.TtydURL = ttydURL.String
	w.TtydPID = int(ttydPID.Int64)
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeenAt)
	w.UpdatedAt = parseTimePtr(updatedAt)
	return w, nil
}

func (g *Gateway) UpdateWorkerStatus(id, status string) error {
	now := time.Now().UTC()
	res, err := g.db.Exec(`UPDATE workers SET status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
		status, timePtr(&now), timePtr(&now), id)
	if err != nil {
		return fmt.Errorf("store: update worker status: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tasks ---

func (g *Gateway) CreateTask(t Task) (Task, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	t.CreatedAt = time.Now().UTC()
	if t.Status == "" {
		t.Status = TaskQueued
	}
	if t.SpecJSON == nil {
		t.SpecJSON = json.RawMessage("{}")
	}
	_, err := g.db.Exec(`INSERT INTO tasks (id, worker_id, tool, spec_json, status, result_json, error_message, created_at, started_at, finished_at, flow_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.WorkerID, t.Tool, string(t.SpecJSON), t.Status, nullJSON(t.ResultJSON), nullStr(t.ErrorMessage),
		timePtr(&t.CreatedAt), timePtr(t.StartedAt), timePtr(t.FinishedAt), nullStr(t.FlowID))
	if err != nil {
		return Task{}, fmt.Errorf("store: create task: %w", err)
	}
	return t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (g *Gateway) GetTask(id string) (Task, error) {
	row := g.db.QueryRow(taskSelect+" WHERE id = ?", id)
	return scanTask(row)
}

const taskSelect = `SELECT id, worker_id, tool, spec_json, status, result_json, error_message, created_at, started_at, finished_at, flow_id FROM tasks`

func (g *Gateway) ListWorkerTasks(workerID string) ([]Task, error) {
	rows, err := g.db.Query(taskSelect+" WHERE worker_id = ? ORDER BY created_at DESC", workerID)
	if err != nil {
		return nil, fmt.Errorf("store: list worker tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanTask(row scanner) (Task, error) {
	var t Task
	var specJSON string
	var resultJSON, errMsg, startedAt, finishedAt, flowID sql.NullString
	var createdAt string
	if err := row.Scan(&t.ID, &t.WorkerID, &t.Tool, &specJSON, &t.Status, &resultJSON, &errMsg, &createdAt, &startedAt, &finishedAt, &flowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("store: scan task: %w", err)
	}
	t.SpecJSON = json.RawMessage(specJSON)
	if resultJSON.Valid {
		t.ResultJSON = json.RawMessage(resultJSON.String)
	}
	t.ErrorMessage = errMsg.String
	t.FlowID = flowID.String
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.FinishedAt = parseTimePtr(finishedAt)
	return t, nil
}

// UpdateTask applies the fields TaskRunner/WorkerRuntime mutate on a
// task transition. Zero-value pointers are left unmodified.
type TaskUpdate struct {
	Status       *string
	ResultJSON   json.RawMessage
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

func (g *Gateway) UpdateTask(id string, u TaskUpdate) error {
	t, err := g.GetTask(id)
	if err != nil {
		return err
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.ResultJSON != nil {
		t.ResultJSON = u.ResultJSON
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.StartedAt != nil {
		t.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		t.FinishedAt = u.FinishedAt
	}
	_, err = g.db.Exec(`UPDATE tasks SET status=?, result_json=?, error_message=?, started_at=?, finished_at=? WHERE id = ?`,
		t.Status, nullJSON(t.ResultJSON), nullStr(t.ErrorMessage), timePtr(t.StartedAt), timePtr(t.FinishedAt), id)
	if err != nil {
		return fmt.Errorf("store: update task: %w", err)
	}
	return nil
}

// --- TaskEvents ---

func (g *Gateway) AppendTaskEvent(taskID, eventType string, payload json.RawMessage) (TaskEvent, error) {
	e := TaskEvent{ID: newID(), TaskID: taskID, Type: eventType, Payload: payload, CreatedAt: time.Now().UTC()}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	_, err := g.db.Exec(`INSERT INTO task_events (id, task_id, type, payload, created_at) VALUES (?,?,?,?,?)`,
		e.ID, e.TaskID, e.Type, string(e.Payload), timePtr(&e.CreatedAt))
	if err != nil {
		return TaskEvent{}, fmt.Errorf("store: append task event: %w", err)
	}
	return e, nil
}

func (g *Gateway) ListTaskEvents(taskID string) ([]TaskEvent, error) {
	rows, err := g.db.Query(`SELECT id, task_id, type, payload, created_at FROM task_events WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan task event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Flows ---

func (g *Gateway) CreateFlow(f Flow) (Flow, error) {
	if f.ID == "" {
		f.ID = newID()
	}
	f.CreatedAt = time.Now().UTC()
	if f.Status == "" {
		f.Status = FlowRunning
	}
	if f.Config == nil {
		f.Config = json.RawMessage("{}")
	}
	if f.State == nil {
		f.State = json.RawMessage("{}")
	}
	_, err := g.db.Exec(`INSERT INTO flows (id, type, status, worker_id, config, state, result, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Type, f.Status, f.WorkerID, string(f.Config), string(f.State), nullJSON(f.Result), timePtr(&f.CreatedAt), nil)
	if err != nil {
		return Flow{}, fmt.Errorf("store: create flow: %w", err)
	}
	return f, nil
}

const flowSelect = `SELECT id, type, status, worker_id, config, state, result, created_at, updated_at FROM flows`

func (g *Gateway) GetFlow(id string) (Flow, error) {
	row := g.db.QueryRow(flowSelect+" WHERE id = ?", id)
	return scanFlow(row)
}

func scanFlow(row scanner) (Flow, error) {
	var f Flow
	var config, state string
	var result, updatedAt sql.NullString
	var createdAt string
	if err := row.Scan(&f.ID, &f.Type, &f.Status, &f.WorkerID, &config, &state, &result, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Flow{}, ErrNotFound
		}
		return Flow{}, fmt.Errorf("store: scan flow: %w", err)
	}
	f.Config = json.RawMessage(config)
	f.State = json.RawMessage(state)
	if result.Valid {
		f.Result = json.RawMessage(result.String)
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	f.UpdatedAt = parseTimePtr(updatedAt)
	return f, nil
}

// FlowUpdate applies the fields FlowCoordinator mutates per iteration.
type FlowUpdate struct {
	Status *string
	State  json.RawMessage
	Result json.RawMessage
}

func (g *Gateway) UpdateFlow(id string, u FlowUpdate) error {
	f, err := g.GetFlow(id)
	if err != nil {
		return err
	}
	if u.Status != nil {
		f.Status = *u.Status
	}
	if u.State != nil {
		f.State = u.State
	}
	if u.Result != nil {
		f.Result = u.Result
	}
	now := time.Now().UTC()
	_, err = g.db.Exec(`UPDATE flows SET status=?, state=?, result=?, updated_at=? WHERE id=?`,
		f.Status, string(f.State), nullJSON(f.Result), timePtr(&now), id)
	if err != nil {
		return fmt.Errorf("store: update flow: %w", err)
	}
	return nil
}

// --- FlowIterations ---

func (g *Gateway) AppendFlowIteration(fi FlowIteration) (FlowIteration, error) {
	if fi.ID == "" {
		fi.ID = newID()
	}
	fi.CreatedAt = time.Now().UTC()
	_, err := g.db.Exec(`INSERT INTO flow_iterations (id, flow_id, iteration_index, coder_task_id, critic_task_payload, created_at)
		VALUES (?,?,?,?,?,?)`,
		fi.ID, fi.FlowID, fi.IterationIndex, nullStr(fi.CoderTaskID), nullJSON(fi.CriticTaskPayload), timePtr(&fi.CreatedAt))
	if err != nil {
		return FlowIteration{}, fmt.Errorf("store: append flow iteration: %w", err)
	}
	return fi, nil
}

func (g *Gateway) ListFlowIterations(flowID string) ([]FlowIteration, error) {
	rows, err := g.db.Query(`SELECT id, flow_id, iteration_index, coder_task_id, critic_task_payload, created_at
		FROM flow_iterations WHERE flow_id = ? ORDER BY iteration_index ASC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("store: list flow iterations: %w", err)
	}
	defer rows.Close()
	var out []FlowIteration
	for rows.Next() {
		var fi FlowIteration
		var coderTaskID, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&fi.ID, &fi.FlowID, &fi.IterationIndex, &coderTaskID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan flow iteration: %w", err)
		}
		fi.CoderTaskID = coderTaskID.String
		if payload.Valid {
			fi.CriticTaskPayload = json.RawMessage(payload.String)
		}
		fi.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, fi)
	}
	return out, rows.Err()
}
