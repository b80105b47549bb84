// Package store provides SQLite-backed persistence for dashboard state:
// projects, tasks, dependency edges, and call-assistant sessions. The edge
// writer enforces the same acyclicity invariant as the in-memory graph, so
// the database can never hold a cycle even if a caller bypasses the core.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register sqlite3 driver
)

var (
	// ErrNotFound is returned when a project, task, or session does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrSelfEdge is returned when an edge would make a task block itself.
	ErrSelfEdge = errors.New("store: self-loop edges are not allowed")

	// ErrEdgeCycle is returned when an edge would create a directed cycle.
	ErrEdgeCycle = errors.New("store: adding this edge would create a cycle")

	// ErrCrossProject is returned when an edge would span two projects.
	ErrCrossProject = errors.New("store: cross-project dependencies are not allowed")
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`

	statusPending   = "pending"
	statusCompleted = "completed"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	client TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	assignee TEXT NOT NULL DEFAULT '',
	estimate_minutes INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS task_edges (
	blocker_id INTEGER NOT NULL,
	dependent_id INTEGER NOT NULL,
	PRIMARY KEY (blocker_id, dependent_id),
	FOREIGN KEY (blocker_id) REFERENCES tasks(id) ON DELETE CASCADE,
	FOREIGN KEY (dependent_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS call_sessions (
	id TEXT PRIMARY KEY,
	project_id INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT 'idle',
	last_seq INTEGER NOT NULL DEFAULT 0,
	retries INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);
`

const (
	taskColumns = `id, project_id, title, description, status, assignee, estimate_minutes, created_at, updated_at`

	insertTaskSQL = `INSERT INTO tasks (
		project_id, title, description, status, assignee, estimate_minutes, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

	getTaskSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?;`

	listTasksSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ? ORDER BY id ASC;`

	readyTasksSQL = `SELECT ` + taskColumns + `
		FROM tasks AS t
		WHERE t.project_id = ?
		  AND t.status = ?
		  AND NOT EXISTS (
			SELECT 1
			FROM task_edges e
			JOIN tasks blocker ON blocker.id = e.blocker_id
			WHERE e.dependent_id = t.id
			  AND blocker.status != ?
		)
		ORDER BY t.id ASC;`

	insertEdgeSQL = `INSERT OR IGNORE INTO task_edges (blocker_id, dependent_id) VALUES (?, ?);`
	deleteEdgeSQL = `DELETE FROM task_edges WHERE blocker_id = ? AND dependent_id = ?;`

	listEdgesSQL = `SELECT e.blocker_id, e.dependent_id
		FROM task_edges e
		JOIN tasks t ON t.id = e.dependent_id
		WHERE t.project_id = ?
		ORDER BY e.blocker_id ASC, e.dependent_id ASC;`

	selectTaskProjectSQL = `SELECT project_id FROM tasks WHERE id = ?;`

	cycleCheckSQL = `
		WITH RECURSIVE reachable(task_id) AS (
			SELECT blocker_id FROM task_edges WHERE dependent_id = ?
			UNION ALL
			SELECT e.blocker_id
			FROM task_edges e
			INNER JOIN reachable r ON e.dependent_id = r.task_id
		)
		SELECT 1 FROM reachable WHERE task_id = ? LIMIT 1;`
)

// Project is a client engagement the dashboard tracks tasks under.
type Project struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Client    string    `json:"client"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the persisted form of a dashboard task.
type Task struct {
	ID              int64     `json:"id"`
	ProjectID       int64     `json:"project_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	Assignee        string    `json:"assignee"`
	EstimateMinutes int       `json:"estimate_minutes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Edge is a persisted blocking relation between two tasks.
type Edge struct {
	BlockerID   int64 `json:"blocker_id"`
	DependentID int64 `json:"dependent_id"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// One connection keeps session pragmas in effect and makes :memory:
	// databases behave; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the raw handle for metrics queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureSchema applies pragmas and creates missing tables. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not initialized")
	}
	if _, err := s.db.ExecContext(ctx, pragmaJournalModeWAL); err != nil {
		return fmt.Errorf("set journal mode WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, pragmaForeignKeysOn); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// CreateProject inserts a project and returns its id.
func (s *Store) CreateProject(ctx context.Context, name, client string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("store: project name is required")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, client, status, created_at) VALUES (?, ?, 'active', ?);`,
		name, strings.TrimSpace(client), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, client, status, created_at FROM projects WHERE id = ?;`, id)

	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.Client, &p.Status, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("project %d: %w", id, ErrNotFound)
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by id.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, client, status, created_at FROM projects ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Client, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// CreateTask inserts a task under a project and returns its id. Status
// defaults to pending.
func (s *Store) CreateTask(ctx context.Context, t Task) (int64, error) {
	if t.ProjectID == 0 {
		return 0, fmt.Errorf("store: project_id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return 0, fmt.Errorf("store: task title is required")
	}
	if _, err := s.GetProject(ctx, t.ProjectID); err != nil {
		return 0, err
	}

	status := normalizeStatus(t.Status)
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, insertTaskSQL,
		t.ProjectID, t.Title, t.Description, status, t.Assignee, t.EstimateMinutes, now, now)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, getTaskSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks of a project ordered by id.
func (s *Store) ListTasks(ctx context.Context, projectID int64) ([]Task, error) {
	return s.queryTasks(ctx, listTasksSQL, projectID)
}

// ListReadyTasks returns pending tasks whose blockers are all completed.
func (s *Store) ListReadyTasks(ctx context.Context, projectID int64) ([]Task, error) {
	return s.queryTasks(ctx, readyTasksSQL, projectID, statusPending, statusCompleted)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, nil
}

var updatableColumns = map[string]struct{}{
	"title":            {},
	"description":      {},
	"status":           {},
	"assignee":         {},
	"estimate_minutes": {},
}

// UpdateTask applies the given column updates to a task. Unknown fields
// are rejected; status values are normalized.
func (s *Store) UpdateTask(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	normalized := make(map[string]any, len(fields))
	for key, value := range fields {
		normalized[strings.TrimSpace(strings.ToLower(key))] = value
	}

	setClauses := make([]string, 0, len(normalized))
	args := make([]any, 0, len(normalized)+2)
	for _, column := range sortedKeys(normalized) {
		if _, ok := updatableColumns[column]; !ok {
			return fmt.Errorf("store: field %q is not updatable", column)
		}
		value := normalized[column]
		if column == "status" {
			value = normalizeStatus(fmt.Sprintf("%v", value))
		}
		setClauses = append(setClauses, column+" = ?")
		args = append(args, value)
	}
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE tasks SET %s, updated_at = ? WHERE id = ?;", strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddEdge persists a blocking relation after re-validating the acyclicity
// invariant at the storage layer: self-loops, cross-project edges, and
// edges that would close a cycle are rejected. Duplicate edges are
// ignored.
func (s *Store) AddEdge(ctx context.Context, blockerID, dependentID int64) error {
	if blockerID == dependentID {
		return ErrSelfEdge
	}

	blockerProject, err := s.taskProject(ctx, blockerID)
	if err != nil {
		return err
	}
	dependentProject, err := s.taskProject(ctx, dependentID)
	if err != nil {
		return err
	}
	if blockerProject != dependentProject {
		return ErrCrossProject
	}
	if err := s.ensureNoCycle(ctx, blockerID, dependentID); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, insertEdgeSQL, blockerID, dependentID); err != nil {
		return fmt.Errorf("add edge: %w", err)
	}
	return nil
}

// RemoveEdge deletes a blocking relation. Removing a missing edge is a
// no-op.
func (s *Store) RemoveEdge(ctx context.Context, blockerID, dependentID int64) error {
	if _, err := s.db.ExecContext(ctx, deleteEdgeSQL, blockerID, dependentID); err != nil {
		return fmt.Errorf("remove edge: %w", err)
	}
	return nil
}

// ListEdges returns all edges within a project ordered by (blocker,
// dependent).
func (s *Store) ListEdges(ctx context.Context, projectID int64) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, listEdgesSQL, projectID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.BlockerID, &e.DependentID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return edges, nil
}

func (s *Store) taskProject(ctx context.Context, id int64) (int64, error) {
	var projectID int64
	err := s.db.QueryRowContext(ctx, selectTaskProjectSQL, id).Scan(&projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("lookup task %d project: %w", id, err)
	}
	return projectID, nil
}

// ensureNoCycle rejects the edge when blockerID already depends on
// dependentID, directly or transitively.
func (s *Store) ensureNoCycle(ctx context.Context, blockerID, dependentID int64) error {
	var marker int
	err := s.db.QueryRowContext(ctx, cycleCheckSQL, blockerID, dependentID).Scan(&marker)
	if err == nil {
		return ErrEdgeCycle
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cycle check: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner rowScanner) (Task, error) {
	var t Task
	err := scanner.Scan(
		&t.ID,
		&t.ProjectID,
		&t.Title,
		&t.Description,
		&t.Status,
		&t.Assignee,
		&t.EstimateMinutes,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func normalizeStatus(status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		return statusPending
	}
	return status
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
