package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
)

const taskColumns = `id, queue_id, title, description, status, phase, priority, sequence,
	assignee_kind, assignee_id, assigned_to_id, dependency_overrides,
	approval_required, approver_kind, approver_id, approver_queue_id, approved_by_id, approved_at,
	playbook_id, playbook_run_id, step_id, recurring_task_id, source_monitor_id, source_event_id,
	context, failure_reason, version, created_at, updated_at, started_at, completed_at`

// InsertTask stores a new task and its dependency edges. A zero Sequence is
// replaced by the next sequence number of the task's queue.
func (s *Store) InsertTask(ctx context.Context, t *model.Task) error {
	if t.Sequence == 0 {
		if err := s.q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM tasks WHERE queue_id = ?`, t.QueueID,
		).Scan(&t.Sequence); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
	}
	if t.Version == 0 {
		t.Version = 1
	}

	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (`+placeholders(31)+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return s.setDependencies(ctx, t.ID, t.DependsOn)
}

// UpdateTask writes t if its version still matches the stored one, and bumps
// t.Version. A stale version yields model.ErrConflict.
func (s *Store) UpdateTask(ctx context.Context, t *model.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	// args minus id and version; version is bumped by the statement itself.
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET
			queue_id = ?, title = ?, description = ?, status = ?, phase = ?, priority = ?, sequence = ?,
			assignee_kind = ?, assignee_id = ?, assigned_to_id = ?, dependency_overrides = ?,
			approval_required = ?, approver_kind = ?, approver_id = ?, approver_queue_id = ?, approved_by_id = ?, approved_at = ?,
			playbook_id = ?, playbook_run_id = ?, step_id = ?, recurring_task_id = ?, source_monitor_id = ?, source_event_id = ?,
			context = ?, failure_reason = ?, version = version + 1, created_at = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		append(append(append([]any{}, args[1:26]...), args[27:]...), t.ID, t.Version)...,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrConflict(ctx, "tasks", "task", t.ID)
	}
	t.Version++
	return s.setDependencies(ctx, t.ID, t.DependsOn)
}

func (s *Store) missingOrConflict(ctx context.Context, table, kind, id string) error {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if isNoRows(err) {
		return notFound(kind, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", kind, id, model.ErrConflict)
}

// ClaimTask atomically moves a ready, queued task to checked_out for actorID.
// It reports false when another claimer got there first or the task is not
// claimable.
func (s *Store) ClaimTask(ctx context.Context, id, actorID string, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, phase = ?, assigned_to_id = ?,
			started_at = COALESCE(started_at, ?), updated_at = ?, version = version + 1
		WHERE id = ? AND phase = ? AND status = ?`,
		string(model.StatusCheckedOut), string(model.PhaseInProgress), actorID, ts(now), ts(now),
		id, string(model.PhaseReady), string(model.StatusQueued),
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetTask loads a task with its dependencies.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if isNoRows(err) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	if t.DependsOn, err = s.DependenciesOf(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks matching filter, highest priority first.
func (s *Store) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("queue_id", filter.QueueID)
	add("status", string(filter.Status))
	add("phase", string(filter.Phase))
	add("assigned_to_id", filter.AssignedToID)
	add("playbook_run_id", filter.RunID)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority ASC, sequence ASC, created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, t := range tasks {
		if t.DependsOn, err = s.DependenciesOf(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// DeleteTask removes a task and its outgoing dependency edges.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("task", id)
	}
	_, err = s.q.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id)
	return err
}

// DependenciesOf returns the upstream ids of a task.
func (s *Store) DependenciesOf(ctx context.Context, id string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id`, id)
}

// Dependents returns the ids of tasks that depend on id.
func (s *Store) Dependents(ctx context.Context, id string) ([]string, error) {
	return s.queryStrings(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_id = ? ORDER BY task_id`, id)
}

// TaskStatuses returns the status of each existing id.
func (s *Store) TaskStatuses(ctx context.Context, ids []string) (map[string]model.Status, error) {
	out := make(map[string]model.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, status FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("task statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = model.Status(status)
	}
	return out, rows.Err()
}

func (s *Store) setDependencies(ctx context.Context, id string, deps []string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("clear dependencies: %w", err)
	}
	for _, dep := range deps {
		if _, err := s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, id, dep,
		); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	return nil
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func taskArgs(t *model.Task) ([]any, error) {
	overrides, err := encodeJSON(t.DependencyOverrides, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode overrides: %w", err)
	}
	taskCtx, err := encodeJSON(t.Context, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	if t.Context == nil {
		taskCtx = "{}"
	}
	assigneeKind, assigneeID := model.PartyParts(t.Assignee)
	approverKind, approverID := model.PartyParts(t.Approver)

	return []any{
		t.ID, t.QueueID, t.Title, t.Description, string(t.Status), string(t.Phase), t.Priority, t.Sequence,
		assigneeKind, assigneeID, t.AssignedToID, overrides,
		boolInt(t.ApprovalRequired), approverKind, approverID, t.ApproverQueueID, t.ApprovedByID, nullTS(t.ApprovedAt),
		t.PlaybookID, t.PlaybookRunID, t.StepID, t.RecurringTaskID, t.SourceMonitorID, t.SourceEventID,
		taskCtx, t.FailureReason, t.Version, ts(t.CreatedAt), ts(t.UpdatedAt), nullTS(t.StartedAt), nullTS(t.CompletedAt),
	}, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                        model.Task
		status, phase            string
		assigneeKind, assigneeID string
		approverKind, approverID string
		overrides, taskCtx       string
		approvalRequired         int
		approvedAt               sql.NullInt64
		createdAt, updatedAt     int64
		startedAt, completedAt   sql.NullInt64
	)
	if err := row.Scan(
		&t.ID, &t.QueueID, &t.Title, &t.Description, &status, &phase, &t.Priority, &t.Sequence,
		&assigneeKind, &assigneeID, &t.AssignedToID, &overrides,
		&approvalRequired, &approverKind, &approverID, &t.ApproverQueueID, &t.ApprovedByID, &approvedAt,
		&t.PlaybookID, &t.PlaybookRunID, &t.StepID, &t.RecurringTaskID, &t.SourceMonitorID, &t.SourceEventID,
		&taskCtx, &t.FailureReason, &t.Version, &createdAt, &updatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	var err error
	t.Status = model.Status(status)
	t.Phase = model.Phase(phase)
	t.ApprovalRequired = approvalRequired == 1
	if t.Assignee, err = model.ParseParty(assigneeKind, assigneeID); err != nil {
		return nil, fmt.Errorf("task %s assignee: %w", t.ID, err)
	}
	if t.Approver, err = model.ParseParty(approverKind, approverID); err != nil {
		return nil, fmt.Errorf("task %s approver: %w", t.ID, err)
	}
	if overrides != "" && overrides != "[]" {
		if err := json.Unmarshal([]byte(overrides), &t.DependencyOverrides); err != nil {
			return nil, fmt.Errorf("task %s overrides: %w", t.ID, err)
		}
	}
	if t.Context, err = decodeMap(taskCtx); err != nil {
		return nil, fmt.Errorf("task %s context: %w", t.ID, err)
	}
	t.ApprovedAt = fromNullTS(approvedAt)
	t.CreatedAt = fromTS(createdAt)
	t.UpdatedAt = fromTS(updatedAt)
	t.StartedAt = fromNullTS(startedAt)
	t.CompletedAt = fromNullTS(completedAt)
	return &t, nil
}
