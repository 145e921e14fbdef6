package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
)

const recurringColumns = `id, queue_id, title, description, priority, assignee_kind, assignee_id,
	approval_required, approver_kind, approver_id,
	recurrence_type, repeat_interval, days_of_week, day_of_month, cron_expression, timezone, start_date, end_date,
	next_run, last_run, is_active, max_retries, failure_count, last_error, created_tasks_count, version,
	created_at, updated_at`

func recurringArgs(rt *model.RecurringTask) ([]any, error) {
	days, err := encodeJSON(rt.Rule.DaysOfWeek, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode days of week: %w", err)
	}
	assigneeKind, assigneeID := model.PartyParts(rt.Template.Assignee)
	approverKind, approverID := model.PartyParts(rt.Template.Approver)
	return []any{
		rt.ID, rt.Template.QueueID, rt.Template.Title, rt.Template.Description, rt.Template.Priority,
		assigneeKind, assigneeID, boolInt(rt.Template.ApprovalRequired), approverKind, approverID,
		string(rt.Rule.Type), rt.Rule.Interval, days, rt.Rule.DayOfMonth, rt.Rule.CronExpression, rt.Rule.Timezone,
		ts(rt.Rule.StartDate), nullTS(rt.Rule.EndDate),
		nullTS(rt.NextRun), nullTS(rt.LastRun), boolInt(rt.IsActive), rt.MaxRetries, rt.FailureCount, rt.LastError,
		rt.CreatedTasksCount, rt.Version, ts(rt.CreatedAt), ts(rt.UpdatedAt),
	}, nil
}

// InsertRecurring stores a new recurring task.
func (s *Store) InsertRecurring(ctx context.Context, rt *model.RecurringTask) error {
	if rt.Version == 0 {
		rt.Version = 1
	}
	args, err := recurringArgs(rt)
	if err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO recurring_tasks (`+recurringColumns+`) VALUES (`+placeholders(len(args))+`)`, args...,
	); err != nil {
		return fmt.Errorf("insert recurring task: %w", err)
	}
	return nil
}

// UpdateRecurring writes rt when its version matches and bumps rt.Version.
func (s *Store) UpdateRecurring(ctx context.Context, rt *model.RecurringTask) error {
	args, err := recurringArgs(rt)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE recurring_tasks SET
			queue_id = ?, title = ?, description = ?, priority = ?, assignee_kind = ?, assignee_id = ?,
			approval_required = ?, approver_kind = ?, approver_id = ?,
			recurrence_type = ?, repeat_interval = ?, days_of_week = ?, day_of_month = ?, cron_expression = ?,
			timezone = ?, start_date = ?, end_date = ?,
			next_run = ?, last_run = ?, is_active = ?, max_retries = ?, failure_count = ?, last_error = ?,
			created_tasks_count = ?, version = version + 1, created_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		append(append(append([]any{}, args[1:25]...), args[26:]...), rt.ID, rt.Version)...,
	)
	if err != nil {
		return fmt.Errorf("update recurring task: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrConflict(ctx, "recurring_tasks", "recurring task", rt.ID)
	}
	rt.Version++
	return nil
}

// GetRecurring loads a recurring task.
func (s *Store) GetRecurring(ctx context.Context, id string) (*model.RecurringTask, error) {
	rt, err := scanRecurring(s.q.QueryRowContext(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, notFound("recurring task", id)
	}
	return rt, err
}

// ListRecurring returns all recurring tasks, soonest next run first.
func (s *Store) ListRecurring(ctx context.Context) ([]*model.RecurringTask, error) {
	return s.listRecurring(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks ORDER BY next_run IS NULL, next_run, id`)
}

// ListDueRecurring returns active rules whose next run is at or before now.
func (s *Store) ListDueRecurring(ctx context.Context, now time.Time, limit int) ([]*model.RecurringTask, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listRecurring(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks
		WHERE is_active = 1 AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run, id LIMIT ?`, ts(now), limit)
}

func (s *Store) listRecurring(ctx context.Context, query string, args ...any) ([]*model.RecurringTask, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recurring tasks: %w", err)
	}
	defer rows.Close()
	var out []*model.RecurringTask
	for rows.Next() {
		rt, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func scanRecurring(row rowScanner) (*model.RecurringTask, error) {
	var (
		rt                       model.RecurringTask
		assigneeKind, assigneeID string
		approverKind, approverID string
		approvalRequired, active int
		recurType, days          string
		startDate                int64
		endDate, nextRun         sql.NullInt64
		lastRun                  sql.NullInt64
		createdAt, updatedAt     int64
	)
	if err := row.Scan(
		&rt.ID, &rt.Template.QueueID, &rt.Template.Title, &rt.Template.Description, &rt.Template.Priority,
		&assigneeKind, &assigneeID, &approvalRequired, &approverKind, &approverID,
		&recurType, &rt.Rule.Interval, &days, &rt.Rule.DayOfMonth, &rt.Rule.CronExpression, &rt.Rule.Timezone,
		&startDate, &endDate,
		&nextRun, &lastRun, &active, &rt.MaxRetries, &rt.FailureCount, &rt.LastError,
		&rt.CreatedTasksCount, &rt.Version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if rt.Template.Assignee, err = model.ParseParty(assigneeKind, assigneeID); err != nil {
		return nil, fmt.Errorf("recurring task %s assignee: %w", rt.ID, err)
	}
	if rt.Template.Approver, err = model.ParseParty(approverKind, approverID); err != nil {
		return nil, fmt.Errorf("recurring task %s approver: %w", rt.ID, err)
	}
	if days != "" && days != "[]" {
		if err := json.Unmarshal([]byte(days), &rt.Rule.DaysOfWeek); err != nil {
			return nil, fmt.Errorf("recurring task %s days of week: %w", rt.ID, err)
		}
	}
	rt.Template.ApprovalRequired = approvalRequired == 1
	rt.IsActive = active == 1
	rt.Rule.Type = model.RecurrenceType(recurType)
	rt.Rule.StartDate = fromTS(startDate)
	rt.Rule.EndDate = fromNullTS(endDate)
	rt.NextRun = fromNullTS(nextRun)
	rt.LastRun = fromNullTS(lastRun)
	rt.CreatedAt = fromTS(createdAt)
	rt.UpdatedAt = fromTS(updatedAt)
	return &rt, nil
}
