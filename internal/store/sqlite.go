package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/load28/a-dev/pkg/models"
)

// DB wraps an SQLite database connection with a-dev specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath returns the project-local database path.
func DefaultDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".adev", "state.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories if needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2CompositeTasks},
		{3, migrationV3ExecutionLogs},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	composite_id TEXT,
	title TEXT NOT NULL,
	description TEXT,
	prompt TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'simple',
	status TEXT NOT NULL DEFAULT 'pending',
	dependencies TEXT,
	repo_owner TEXT NOT NULL DEFAULT '',
	repo_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	pr_url TEXT,
	workflow_run_id TEXT,
	error TEXT,
	auto_approve INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_composite_id ON tasks(composite_id);
`

const migrationV2CompositeTasks = `
CREATE TABLE IF NOT EXISTS composite_tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	auto_approve INTEGER NOT NULL DEFAULT 0,
	repo_owner TEXT NOT NULL DEFAULT '',
	repo_name TEXT NOT NULL DEFAULT '',
	batches TEXT NOT NULL,
	subtask_ids TEXT NOT NULL,
	pr_url TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);
`

const migrationV3ExecutionLogs = `
CREATE TABLE IF NOT EXISTS execution_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message TEXT NOT NULL,
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_task_id ON execution_logs(task_id);
`

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CreateTask inserts a new task.
func (db *DB) CreateTask(t *models.Task) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.insertTask(db.conn, t)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (db *DB) insertTask(e execer, t *models.Task) error {
	_, err := e.Exec(`
		INSERT INTO tasks (id, composite_id, title, description, prompt, kind, status,
			dependencies, repo_owner, repo_name, created_at, started_at, completed_at,
			pr_url, workflow_run_id, error, auto_approve)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.CompositeID, t.Title, t.Description, t.Prompt, string(t.Kind), string(t.Status),
		marshalStrings(t.Dependencies), t.Repo.Owner, t.Repo.Name, formatTime(t.CreatedAt),
		formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
		t.PRURL, t.WorkflowRunID, t.Error, t.AutoApprove)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, composite_id, title, description, prompt, kind, status,
	dependencies, repo_owner, repo_name, created_at, started_at, completed_at,
	pr_url, workflow_run_id, error, auto_approve`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var kind, status, deps, createdAt string
	var startedAt, completedAt sql.NullString
	var prURL, runID, taskErr sql.NullString
	err := row.Scan(&t.ID, &t.CompositeID, &t.Title, &t.Description, &t.Prompt,
		&kind, &status, &deps, &t.Repo.Owner, &t.Repo.Name,
		&createdAt, &startedAt, &completedAt, &prURL, &runID, &taskErr, &t.AutoApprove)
	if err != nil {
		return nil, err
	}
	t.Kind = models.TaskKind(kind)
	t.Status = models.TaskStatus(status)
	t.Dependencies = unmarshalStrings(deps)
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	t.PRURL = prURL.String
	t.WorkflowRunID = runID.String
	t.Error = taskErr.String
	return &t, nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if it does not exist.
func (db *DB) GetTask(id string) (*models.Task, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask writes the full task record. Status is written as-is; use
// TransitionTask when lifecycle rules must be enforced.
func (db *DB) UpdateTask(t *models.Task) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		UPDATE tasks SET composite_id = ?, title = ?, description = ?, prompt = ?, kind = ?,
			status = ?, dependencies = ?, repo_owner = ?, repo_name = ?, started_at = ?,
			completed_at = ?, pr_url = ?, workflow_run_id = ?, error = ?, auto_approve = ?
		WHERE id = ?
	`, t.CompositeID, t.Title, t.Description, t.Prompt, string(t.Kind), string(t.Status),
		marshalStrings(t.Dependencies), t.Repo.Owner, t.Repo.Name,
		formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
		t.PRURL, t.WorkflowRunID, t.Error, t.AutoApprove, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// TransitionTask atomically moves a task to the given status. The task is
// re-read inside the database lock, the transition is checked against the
// lifecycle state machine, and mutate (if non-nil) is applied before the
// write. An illegal transition returns *ConsistencyError and writes
// nothing.
func (db *DB) TransitionTask(id string, status models.TaskStatus, mutate func(*models.Task)) (*models.Task, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	row := db.conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	if !t.Status.CanTransitionTo(status) {
		return nil, &ConsistencyError{TaskID: id, From: t.Status, To: status}
	}

	t.Status = status
	if mutate != nil {
		mutate(t)
	}

	_, err = db.conn.Exec(`
		UPDATE tasks SET status = ?, started_at = ?, completed_at = ?, pr_url = ?,
			workflow_run_id = ?, error = ?
		WHERE id = ?
	`, string(t.Status), formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
		t.PRURL, t.WorkflowRunID, t.Error, t.ID)
	if err != nil {
		return nil, fmt.Errorf("transition task: %w", err)
	}
	return t, nil
}

// ListTasksByStatus lists tasks in the given status, oldest first.
func (db *DB) ListTasksByStatus(status models.TaskStatus) ([]models.Task, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByComposite lists all subtasks of a composite task.
func (db *DB) ListTasksByComposite(compositeID string) ([]models.Task, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT `+taskColumns+` FROM tasks WHERE composite_id = ? ORDER BY created_at`, compositeID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by composite: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func marshalBatches(batches [][]string) string {
	if len(batches) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(batches)
	return string(b)
}

func unmarshalBatches(s string) [][]string {
	var out [][]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CreateCompositeTask persists a composite task together with its
// subtasks and batch plan in a single transaction. On any failure the
// transaction is rolled back and nothing is persisted.
func (db *DB) CreateCompositeTask(c *models.CompositeTask, subtasks []*models.Task) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO composite_tasks (id, title, description, auto_approve, repo_owner,
			repo_name, batches, subtask_ids, pr_url, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Title, c.Description, c.AutoApprove, c.Repo.Owner, c.Repo.Name,
		marshalBatches(c.Batches), marshalStrings(c.SubtaskIDs), c.PRURL,
		formatTime(c.CreatedAt), formatNullableTime(c.CompletedAt))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("create composite task: %w", err)
	}

	for _, t := range subtasks {
		if err := db.insertTask(tx, t); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit composite task: %w", err)
	}
	return nil
}

const compositeColumns = `id, title, description, auto_approve, repo_owner, repo_name,
	batches, subtask_ids, pr_url, created_at, completed_at`

func scanComposite(row rowScanner) (*models.CompositeTask, error) {
	var c models.CompositeTask
	var batches, subtaskIDs, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.AutoApprove,
		&c.Repo.Owner, &c.Repo.Name, &batches, &subtaskIDs, &c.PRURL, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	c.Batches = unmarshalBatches(batches)
	c.SubtaskIDs = unmarshalStrings(subtaskIDs)
	c.CreatedAt, _ = parseTime(createdAt)
	c.CompletedAt = parseNullableTime(completedAt)
	return &c, nil
}

// GetCompositeTask retrieves a composite task by ID.
func (db *DB) GetCompositeTask(id string) (*models.CompositeTask, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`SELECT `+compositeColumns+` FROM composite_tasks WHERE id = ?`, id)
	c, err := scanComposite(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("composite task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get composite task: %w", err)
	}
	return c, nil
}

// UpdateCompositeTask writes the composite task record.
func (db *DB) UpdateCompositeTask(c *models.CompositeTask) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		UPDATE composite_tasks SET title = ?, description = ?, auto_approve = ?,
			repo_owner = ?, repo_name = ?, batches = ?, subtask_ids = ?, pr_url = ?,
			completed_at = ?
		WHERE id = ?
	`, c.Title, c.Description, c.AutoApprove, c.Repo.Owner, c.Repo.Name,
		marshalBatches(c.Batches), marshalStrings(c.SubtaskIDs), c.PRURL,
		formatNullableTime(c.CompletedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update composite task: %w", err)
	}
	return nil
}

// ListCompositeTasks lists all composite tasks, oldest first.
func (db *DB) ListCompositeTasks() ([]models.CompositeTask, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT ` + compositeColumns + ` FROM composite_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list composite tasks: %w", err)
	}
	defer rows.Close()

	var out []models.CompositeTask
	for rows.Next() {
		c, err := scanComposite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan composite task: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ExecutionLog is one recorded engine event for a task.
type ExecutionLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendLog records an execution event for a task.
func (db *DB) AppendLog(taskID, eventType, message string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO execution_logs (task_id, event_type, message, timestamp)
		VALUES (?, ?, ?, ?)
	`, taskID, eventType, message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns all execution events for a task, oldest first.
func (db *DB) ListLogs(taskID string) ([]ExecutionLog, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT id, task_id, event_type, message, timestamp
		FROM execution_logs WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		var ts string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.EventType, &l.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.Timestamp, _ = parseTime(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Compile-time verification that DB implements the store interfaces.
var (
	_ Store          = (*DB)(nil)
	_ TaskStore      = (*DB)(nil)
	_ CompositeStore = (*DB)(nil)
	_ LogStore       = (*DB)(nil)
)
