package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alekspetrov/taskflow/internal/assign"
	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/recurrence"
)

// CreateRecurringTask stores a template and rule and schedules the first
// occurrence. A rule whose cron expression or timezone cannot be parsed is
// stored inactive with the parse error recorded.
func (s *Service) CreateRecurringTask(ctx context.Context, tmpl model.TaskTemplate, rule model.RecurrenceRule, maxRetries int) (*model.RecurringTask, error) {
	if strings.TrimSpace(tmpl.Title) == "" {
		return nil, fmt.Errorf("%w: template title is required", model.ErrInvalidInput)
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must not be negative", model.ErrInvalidInput)
	}
	if rule.StartDate.IsZero() {
		return nil, fmt.Errorf("%w: start date is required", model.ErrInvalidRecurrence)
	}

	rt := &model.RecurringTask{
		ID:         s.newID(),
		Template:   tmpl,
		Rule:       rule,
		IsActive:   true,
		MaxRetries: maxRetries,
		Version:    1,
	}
	if err := recurrence.Validate(rule); err != nil {
		if !parseFailure(rule) {
			return nil, err
		}
		rt.IsActive = false
		rt.LastError = err.Error()
	} else {
		next, ok, err := recurrence.Next(rule, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			rt.NextRun = &next
		} else {
			rt.IsActive = false
		}
	}

	err := s.inTx(ctx, func(tx *txn) error {
		if _, err := assign.Resolve(ctx, tx, assign.Request{QueueID: tmpl.QueueID, Assignee: tmpl.Assignee}); err != nil {
			return err
		}
		rt.CreatedAt = tx.now
		rt.UpdatedAt = tx.now
		return tx.InsertRecurring(ctx, rt)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("recurring task created",
		slog.String("recurring_task_id", rt.ID),
		slog.String("type", string(rule.Type)),
		slog.Bool("active", rt.IsActive),
	)
	return rt, nil
}

// parseFailure reports whether a rule failed validation only because its
// cron expression or timezone does not parse.
func parseFailure(rule model.RecurrenceRule) bool {
	if _, err := recurrence.Location(rule); err != nil {
		return true
	}
	asDaily := rule
	asDaily.CronExpression = ""
	asDaily.Type = model.RecurDaily
	return rule.Type == model.RecurCustom && recurrence.Validate(asDaily) == nil
}

// GetRecurringTask loads a recurring task.
func (s *Service) GetRecurringTask(ctx context.Context, id string) (*model.RecurringTask, error) {
	return s.store.GetRecurring(ctx, id)
}

// ListRecurringTasks lists every recurring task.
func (s *Service) ListRecurringTasks(ctx context.Context) ([]*model.RecurringTask, error) {
	return s.store.ListRecurring(ctx)
}

// ListDueRecurring returns the active rules whose next run is at or before now.
func (s *Service) ListDueRecurring(ctx context.Context, now time.Time, limit int) ([]*model.RecurringTask, error) {
	return s.store.ListDueRecurring(ctx, now, limit)
}

func (s *Service) templateTask(ctx context.Context, tx *txn, rt *model.RecurringTask, scheduledFor *time.Time) (*model.Task, error) {
	taskCtx := map[string]any{"recurring_task_id": rt.ID}
	if scheduledFor != nil {
		taskCtx["scheduled_for"] = scheduledFor.UTC().Format(time.RFC3339)
	}
	return s.createTask(ctx, tx, model.TaskSpec{
		QueueID:          rt.Template.QueueID,
		Title:            rt.Template.Title,
		Description:      rt.Template.Description,
		Priority:         rt.Template.Priority,
		Assignee:         rt.Template.Assignee,
		ApprovalRequired: rt.Template.ApprovalRequired,
		Approver:         rt.Template.Approver,
		RecurringTaskID:  rt.ID,
		Context:          taskCtx,
	})
}

// MaterializeOccurrence creates the task for the rule's pending occurrence
// when it is due at now, and moves the schedule forward in the same
// transaction. It reports false when nothing was due. A rule that no longer
// parses is deactivated and model.ErrInvalidRecurrence returned.
func (s *Service) MaterializeOccurrence(ctx context.Context, id string, now time.Time) (*model.Task, bool, error) {
	var (
		task    *model.Task
		invalid error
	)
	err := s.inTx(ctx, func(tx *txn) error {
		rt, err := tx.GetRecurring(ctx, id)
		if err != nil {
			return err
		}
		if !rt.IsActive || rt.NextRun == nil || rt.NextRun.After(now) {
			return nil
		}

		occurrence := *rt.NextRun
		next, more, err := recurrence.Next(rt.Rule, &occurrence)
		if err != nil {
			if !errors.Is(err, model.ErrInvalidRecurrence) {
				return err
			}
			invalid = err
			rt.IsActive = false
			rt.LastError = err.Error()
			rt.UpdatedAt = tx.now
			return tx.UpdateRecurring(ctx, rt)
		}

		if task, err = s.templateTask(ctx, tx, rt, &occurrence); err != nil {
			return err
		}
		rt.CreatedTasksCount++
		rt.LastRun = &occurrence
		if more {
			rt.NextRun = &next
		} else {
			rt.NextRun = nil
			rt.IsActive = false
		}
		rt.FailureCount = 0
		rt.LastError = ""
		rt.UpdatedAt = tx.now
		return tx.UpdateRecurring(ctx, rt)
	})
	if err != nil {
		return nil, false, err
	}
	if invalid != nil {
		return nil, false, invalid
	}
	return task, task != nil, nil
}

// RecordRecurringFailure counts a failed materialization. Past max_retries
// the rule is deactivated with model.ErrRetriesExhausted recorded.
func (s *Service) RecordRecurringFailure(ctx context.Context, id string, cause error) error {
	return s.inTx(ctx, func(tx *txn) error {
		rt, err := tx.GetRecurring(ctx, id)
		if err != nil {
			return err
		}
		rt.FailureCount++
		rt.LastError = cause.Error()
		if rt.FailureCount > rt.MaxRetries {
			rt.IsActive = false
			rt.LastError = fmt.Sprintf("%v: %v", model.ErrRetriesExhausted, cause)
			s.logger.Warn("recurring task deactivated",
				slog.String("recurring_task_id", id),
				slog.Int("failure_count", rt.FailureCount),
				slog.String("error", cause.Error()),
			)
		}
		rt.UpdatedAt = tx.now
		return tx.UpdateRecurring(ctx, rt)
	})
}

// TriggerRecurringTask creates one task from the template outside the
// schedule. next_run and last_run are left untouched.
func (s *Service) TriggerRecurringTask(ctx context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := s.inTx(ctx, func(tx *txn) error {
		rt, err := tx.GetRecurring(ctx, id)
		if err != nil {
			return err
		}
		if task, err = s.templateTask(ctx, tx, rt, nil); err != nil {
			return err
		}
		rt.CreatedTasksCount++
		rt.UpdatedAt = tx.now
		return tx.UpdateRecurring(ctx, rt)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("recurring task triggered", slog.String("recurring_task_id", id), slog.String("task_id", task.ID))
	return task, nil
}

// ReactivateRecurringTask clears the failure state and schedules the next
// occurrence at or after now.
func (s *Service) ReactivateRecurringTask(ctx context.Context, id string) (*model.RecurringTask, error) {
	var rt *model.RecurringTask
	err := s.inTx(ctx, func(tx *txn) error {
		var err error
		if rt, err = tx.GetRecurring(ctx, id); err != nil {
			return err
		}
		if err := recurrence.Validate(rt.Rule); err != nil {
			return err
		}
		next, ok, err := recurrence.NextFrom(rt.Rule, tx.now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: rule has no occurrence after %s", model.ErrInvalidRecurrence, tx.now.Format(time.RFC3339))
		}
		rt.NextRun = &next
		rt.IsActive = true
		rt.FailureCount = 0
		rt.LastError = ""
		rt.UpdatedAt = tx.now
		return tx.UpdateRecurring(ctx, rt)
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// DeactivateRecurringTask stops a rule from being scheduled.
func (s *Service) DeactivateRecurringTask(ctx context.Context, id string) (*model.RecurringTask, error) {
	var rt *model.RecurringTask
	err := s.inTx(ctx, func(tx *txn) error {
		var err error
		if rt, err = tx.GetRecurring(ctx, id); err != nil {
			return err
		}
		rt.IsActive = false
		rt.UpdatedAt = tx.now
		return tx.UpdateRecurring(ctx, rt)
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}
