// Package store persists the orchestration state in SQLite.
//
// The store holds a single connection, so every mutation is serialized and a
// transaction started with InTx sees a consistent snapshot. Code running inside
// InTx must use the *Store handed to its callback; touching the outer store
// from inside a transaction blocks on the connection it already holds.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alekspetrov/taskflow/internal/model"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	s := &Store{db: db, q: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS queues (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			scope_type TEXT NOT NULL,
			scope_id TEXT NOT NULL DEFAULT '',
			priority_default INTEGER NOT NULL DEFAULT 3,
			allow_bots INTEGER NOT NULL DEFAULT 0,
			is_system INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			queue_id TEXT NOT NULL REFERENCES queues(id),
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (team_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			queue_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			phase TEXT NOT NULL,
			priority INTEGER NOT NULL,
			sequence INTEGER NOT NULL DEFAULT 0,
			assignee_kind TEXT NOT NULL DEFAULT '',
			assignee_id TEXT NOT NULL DEFAULT '',
			assigned_to_id TEXT NOT NULL DEFAULT '',
			dependency_overrides TEXT NOT NULL DEFAULT '[]',
			approval_required INTEGER NOT NULL DEFAULT 0,
			approver_kind TEXT NOT NULL DEFAULT '',
			approver_id TEXT NOT NULL DEFAULT '',
			approver_queue_id TEXT NOT NULL DEFAULT '',
			approved_by_id TEXT NOT NULL DEFAULT '',
			approved_at INTEGER,
			playbook_id TEXT NOT NULL DEFAULT '',
			playbook_run_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			recurring_task_id TEXT NOT NULL DEFAULT '',
			source_monitor_id TEXT NOT NULL DEFAULT '',
			source_event_id TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}',
			failure_reason TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL,
			depends_on_id TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on_id)
		)`,
		`CREATE TABLE IF NOT EXISTS playbooks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			item_type TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			order_index INTEGER NOT NULL DEFAULT 0,
			default_queue_id TEXT NOT NULL DEFAULT '',
			steps TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS playbook_versions (
			playbook_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			steps TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (playbook_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS playbook_runs (
			id TEXT PRIMARY KEY,
			playbook_id TEXT NOT NULL,
			playbook_version INTEGER NOT NULL,
			steps TEXT NOT NULL,
			default_queue_id TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			frontier INTEGER NOT NULL DEFAULT 0,
			parent_run_id TEXT NOT NULL DEFAULT '',
			parent_task_id TEXT NOT NULL DEFAULT '',
			source_monitor_id TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS step_responses (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			output_data TEXT NOT NULL DEFAULT '{}',
			completed_by_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER,
			UNIQUE(task_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS recurring_tasks (
			id TEXT PRIMARY KEY,
			queue_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			assignee_kind TEXT NOT NULL DEFAULT '',
			assignee_id TEXT NOT NULL DEFAULT '',
			approval_required INTEGER NOT NULL DEFAULT 0,
			approver_kind TEXT NOT NULL DEFAULT '',
			approver_id TEXT NOT NULL DEFAULT '',
			recurrence_type TEXT NOT NULL,
			repeat_interval INTEGER NOT NULL DEFAULT 1,
			days_of_week TEXT NOT NULL DEFAULT '[]',
			day_of_month INTEGER NOT NULL DEFAULT 0,
			cron_expression TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			start_date INTEGER NOT NULL,
			end_date INTEGER,
			next_run INTEGER,
			last_run INTEGER,
			is_active INTEGER NOT NULL DEFAULT 1,
			max_retries INTEGER NOT NULL DEFAULT 3,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_tasks_count INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			connection_id TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '{}',
			playbook_id TEXT NOT NULL DEFAULT '',
			queue_id TEXT NOT NULL DEFAULT '',
			poll_interval_seconds INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			poll_cursor TEXT NOT NULL DEFAULT '',
			last_polled_at INTEGER,
			events_detected INTEGER NOT NULL DEFAULT 0,
			playbooks_triggered INTEGER NOT NULL DEFAULT 0,
			tasks_created INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_events (
			id TEXT PRIMARY KEY,
			monitor_id TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			event_data TEXT NOT NULL DEFAULT '{}',
			processed INTEGER NOT NULL DEFAULT 0,
			task_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE(monitor_id, provider_event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(playbook_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_upstream ON task_dependencies(depends_on_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queues_scope ON queues(scope_type, scope_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_responses_run ON step_responses(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_recurring_due ON recurring_tasks(is_active, next_run)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_monitor ON monitor_events(monitor_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func ts(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromTS(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts(*t), Valid: true}
}

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTS(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func decodeMap(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
