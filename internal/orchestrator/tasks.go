package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alekspetrov/taskflow/internal/assign"
	"github.com/alekspetrov/taskflow/internal/deps"
	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/model"
)

// CreateTask validates spec and stores the task in planning when it has
// unmet dependencies, otherwise in ready.
func (s *Service) CreateTask(ctx context.Context, spec model.TaskSpec) (*model.Task, error) {
	var task *model.Task
	err := s.inTx(ctx, func(tx *txn) error {
		var err error
		task, err = s.createTask(ctx, tx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task created", slog.String("task_id", task.ID), slog.String("queue_id", task.QueueID), slog.String("phase", string(task.Phase)))
	return task, nil
}

func (s *Service) createTask(ctx context.Context, tx *txn, spec model.TaskSpec) (*model.Task, error) {
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}
	if spec.Priority < 0 {
		return nil, fmt.Errorf("%w: priority must be positive", model.ErrInvalidInput)
	}

	q, err := assign.Resolve(ctx, tx, assign.Request{
		QueueID:        spec.QueueID,
		Assignee:       spec.Assignee,
		DefaultQueueID: spec.DefaultQueueID,
	})
	if err != nil {
		return nil, err
	}

	task := &model.Task{
		ID:               s.newID(),
		QueueID:          q.ID,
		Title:            title,
		Description:      spec.Description,
		Priority:         spec.Priority,
		Sequence:         spec.Sequence,
		Assignee:         spec.Assignee,
		DependsOn:        deps.Normalize(spec.DependsOn),
		ApprovalRequired: spec.ApprovalRequired,
		Approver:         spec.Approver,
		ApproverQueueID:  spec.ApproverQueueID,
		PlaybookID:       spec.PlaybookID,
		PlaybookRunID:    spec.PlaybookRunID,
		StepID:           spec.StepID,
		RecurringTaskID:  spec.RecurringTaskID,
		SourceMonitorID:  spec.SourceMonitorID,
		SourceEventID:    spec.SourceEventID,
		Context:          spec.Context,
		CreatedAt:        tx.now,
		UpdatedAt:        tx.now,
	}
	if task.Priority == 0 {
		task.Priority = q.PriorityDefault
	}
	// An approval gate without a named approver is open to any reviewer.
	if task.ApprovalRequired && task.Approver == nil {
		task.Approver = model.Anyone{}
	}
	if task.ApprovalRequired && task.ApproverQueueID == "" {
		task.ApproverQueueID = s.approverQueue(ctx, tx, task.Approver)
	}

	if err := s.checkDependencies(ctx, tx, task.ID, task.DependsOn); err != nil {
		return nil, err
	}
	blocked, err := s.isBlocked(ctx, tx, task)
	if err != nil {
		return nil, err
	}
	if blocked {
		task.Phase = model.PhasePlanning
	} else {
		task.Phase = model.PhaseReady
	}
	task.Status = statusFor(task.Phase, blocked)

	if err := tx.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	tx.emit(Event{Type: EventTaskCreated, TaskID: task.ID, RunID: task.PlaybookRunID, To: string(task.Phase)})
	return task, nil
}

// approverQueue routes review work for user and team approvers. Approvers
// without a queue leave it empty.
func (s *Service) approverQueue(ctx context.Context, tx *txn, approver model.Party) string {
	switch approver.(type) {
	case model.User, model.Team:
		q, err := assign.Resolve(ctx, tx, assign.Request{Assignee: approver})
		if err == nil {
			return q.ID
		}
	}
	return ""
}

func (s *Service) checkDependencies(ctx context.Context, tx *txn, taskID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	statuses, err := tx.TaskStatuses(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := statuses[id]; !ok && id != taskID {
			return fmt.Errorf("%w: dependency %s does not exist", model.ErrInvalidInput, id)
		}
	}
	return deps.CheckAcyclic(taskID, ids, func(id string) ([]string, error) {
		return tx.DependenciesOf(ctx, id)
	})
}

// GetTask loads a task.
func (s *Service) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks lists tasks matching filter.
func (s *Service) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// mutate loads a task inside a transaction, applies fn and returns the result.
func (s *Service) mutate(ctx context.Context, id string, fn func(tx *txn, task *model.Task) error) (*model.Task, error) {
	var task *model.Task
	err := s.inTx(ctx, func(tx *txn) error {
		var err error
		if task, err = tx.GetTask(ctx, id); err != nil {
			return err
		}
		return fn(tx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// MarkReady moves a planning task to ready once its dependencies are met.
func (s *Service) MarkReady(ctx context.Context, id string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if task.Phase != model.PhasePlanning {
			return fmt.Errorf("%w: task is %s", model.ErrInvalidTransition, task.Phase)
		}
		blocked, err := s.isBlocked(ctx, tx, task)
		if err != nil {
			return err
		}
		if blocked {
			return fmt.Errorf("task %s: %w", id, model.ErrBlocked)
		}
		return s.move(ctx, tx, task, model.PhaseReady, "")
	})
}

// CheckOut claims a ready task for actor. Exactly one of any number of
// concurrent claimers succeeds; the others get model.ErrAlreadyClaimed.
func (s *Service) CheckOut(ctx context.Context, id, actor string) (*model.Task, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", model.ErrInvalidInput)
	}
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		switch {
		case task.Phase == model.PhasePlanning:
			return fmt.Errorf("task %s: %w", id, model.ErrBlocked)
		case task.Phase.IsTerminal():
			return fmt.Errorf("%w: task is %s", model.ErrInvalidTransition, task.Phase)
		case task.Phase != model.PhaseReady:
			return fmt.Errorf("task %s held by %s: %w", id, task.AssignedToID, model.ErrAlreadyClaimed)
		}

		ok, err := assign.Authorized(ctx, tx, task.Assignee, actor)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not an assignee of task %s", model.ErrNotAuthorized, actor, id)
		}
		if model.IsBot(actor) {
			q, err := tx.GetQueue(ctx, task.QueueID)
			if err != nil {
				return err
			}
			if !q.AllowBots {
				return fmt.Errorf("%w: queue %s does not accept bots", model.ErrNotAuthorized, q.ID)
			}
		}

		claimed, err := tx.ClaimTask(ctx, id, actor, tx.now)
		if err != nil {
			return err
		}
		if !claimed {
			return fmt.Errorf("task %s: %w", id, model.ErrAlreadyClaimed)
		}

		fresh, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		*task = *fresh
		logCtx := logging.ContextWithRunID(logging.ContextWithTaskID(ctx, id), task.PlaybookRunID)
		logging.Enrich(logCtx, s.logger).Debug("task checked out", slog.String("actor", actor))
		tx.emit(Event{Type: EventTaskTransitioned, TaskID: id, RunID: task.PlaybookRunID, From: string(model.PhaseReady), To: string(model.PhaseInProgress), Actor: actor})
		return s.markStepStarted(ctx, tx, task)
	})
}

// SubmitForReview hands finished work to review, or completes the task when
// no approval is required.
func (s *Service) SubmitForReview(ctx context.Context, id, actor string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if task.Phase != model.PhaseInProgress {
			return fmt.Errorf("%w: task is %s", model.ErrInvalidTransition, task.Phase)
		}
		if !task.ApprovalRequired {
			return s.complete(ctx, tx, task, actor, nil)
		}
		return s.move(ctx, tx, task, model.PhasePendingReview, actor)
	})
}

func (s *Service) requireReviewer(ctx context.Context, tx *txn, task *model.Task, actor string) error {
	if actor == "" {
		return fmt.Errorf("%w: actor is required", model.ErrInvalidInput)
	}
	ok, err := assign.Authorized(ctx, tx, task.Approver, actor)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s may not review task %s", model.ErrNotAuthorized, actor, task.ID)
	}
	return nil
}

// StartReview moves a task from pending_review to in_review.
func (s *Service) StartReview(ctx context.Context, id, actor string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if err := s.requireReviewer(ctx, tx, task, actor); err != nil {
			return err
		}
		return s.move(ctx, tx, task, model.PhaseInReview, actor)
	})
}

// RequestChanges sends a task under review back to its assignee.
func (s *Service) RequestChanges(ctx context.Context, id, actor, note string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if err := s.requireReviewer(ctx, tx, task, actor); err != nil {
			return err
		}
		if !CanTransition(task.Phase, model.PhaseChangesRequested) {
			return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, task.Phase, model.PhaseChangesRequested)
		}
		if note != "" {
			if task.Context == nil {
				task.Context = map[string]any{}
			}
			task.Context["review_note"] = note
		}
		return s.move(ctx, tx, task, model.PhaseChangesRequested, actor)
	})
}

// ResumeWork returns a task with requested changes to in_progress.
func (s *Service) ResumeWork(ctx context.Context, id, actor string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if task.AssignedToID != "" && actor != task.AssignedToID {
			return fmt.Errorf("%w: task %s is held by %s", model.ErrNotAuthorized, id, task.AssignedToID)
		}
		return s.move(ctx, tx, task, model.PhaseInProgress, actor)
	})
}

// Approve records the approval and completes the task.
func (s *Service) Approve(ctx context.Context, id, actor string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if err := s.requireReviewer(ctx, tx, task, actor); err != nil {
			return err
		}
		if task.Phase != model.PhaseInReview {
			return fmt.Errorf("%w: task is %s", model.ErrInvalidTransition, task.Phase)
		}
		approvedAt := tx.now
		task.ApprovedByID = actor
		task.ApprovedAt = &approvedAt
		if err := s.move(ctx, tx, task, model.PhaseApproved, actor); err != nil {
			return err
		}
		return s.complete(ctx, tx, task, actor, nil)
	})
}

// Complete finishes a task, promotes unblocked dependents and advances the
// playbook run the task belongs to. Tasks that require approval complete
// only through Approve.
func (s *Service) Complete(ctx context.Context, id, actor string, output map[string]any) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if task.Phase == model.PhaseWaitingOnSubplaybook {
			return fmt.Errorf("%w: task waits on a sub-playbook run", model.ErrInvalidTransition)
		}
		if task.ApprovalRequired && task.ApprovedByID == "" && !task.Phase.IsTerminal() {
			return fmt.Errorf("%w: task requires approval", model.ErrInvalidTransition)
		}
		return s.complete(ctx, tx, task, actor, output)
	})
}

func (s *Service) complete(ctx context.Context, tx *txn, task *model.Task, actor string, output map[string]any) error {
	if err := s.move(ctx, tx, task, model.PhaseCompleted, actor); err != nil {
		return err
	}

	dependents, err := tx.Dependents(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, depID := range dependents {
		down, err := tx.GetTask(ctx, depID)
		if err != nil {
			return err
		}
		if down.Phase != model.PhasePlanning {
			continue
		}
		if err := s.refreshStatus(ctx, tx, down); err != nil {
			return fmt.Errorf("re-evaluate %s: %w", depID, err)
		}
	}

	if task.PlaybookRunID != "" {
		return s.stepTaskCompleted(ctx, tx, task, actor, output)
	}
	return nil
}

// Fail ends a task as failed. A playbook step with retries left is
// re-materialized; otherwise its run fails.
func (s *Service) Fail(ctx context.Context, id, reason string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		return s.fail(ctx, tx, task, reason, true)
	})
}

func (s *Service) fail(ctx context.Context, tx *txn, task *model.Task, reason string, notifyRun bool) error {
	task.FailureReason = reason
	if err := s.move(ctx, tx, task, model.PhaseFailed, ""); err != nil {
		return err
	}
	s.logger.Info("task failed", slog.String("task_id", task.ID), slog.String("reason", reason))
	if notifyRun && task.PlaybookRunID != "" {
		return s.stepTaskFailed(ctx, tx, task, reason)
	}
	return nil
}

// DeleteTask removes an unclaimed task nothing depends on.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *txn) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task.Status != model.StatusQueued && task.Status != model.StatusBlocked {
			return fmt.Errorf("%w: task is %s", model.ErrInvalidTransition, task.Status)
		}
		dependents, err := tx.Dependents(ctx, id)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return fmt.Errorf("task %s needed by %s: %w", id, strings.Join(dependents, ", "), model.ErrTaskReferenced)
		}
		if task.PlaybookRunID != "" {
			run, err := tx.GetRun(ctx, task.PlaybookRunID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
			if err == nil && run.Status == model.RunRunning {
				return fmt.Errorf("task %s belongs to running run %s: %w", id, run.ID, model.ErrTaskReferenced)
			}
		}
		if err := tx.DeleteTask(ctx, id); err != nil {
			return err
		}
		tx.emit(Event{Type: EventTaskDeleted, TaskID: id})
		return nil
	})
}

// UpdateTaskDependencies replaces the dependency set of a planning or ready
// task. A ready task that gains an unmet dependency returns to planning.
func (s *Service) UpdateTaskDependencies(ctx context.Context, id string, dependsOn []string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if task.Phase != model.PhasePlanning && task.Phase != model.PhaseReady {
			return fmt.Errorf("%w: dependencies are frozen once work starts", model.ErrInvalidTransition)
		}
		ids := deps.Normalize(dependsOn)
		if err := s.checkDependencies(ctx, tx, id, ids); err != nil {
			return err
		}
		task.DependsOn = ids
		task.DependencyOverrides = keep(task.DependencyOverrides, ids)
		return s.refreshStatus(ctx, tx, task)
	})
}

// OverrideDependency tolerates a failed upstream so it no longer blocks.
func (s *Service) OverrideDependency(ctx context.Context, id, depID string) (*model.Task, error) {
	return s.mutate(ctx, id, func(tx *txn, task *model.Task) error {
		if !contains(task.DependsOn, depID) {
			return fmt.Errorf("%w: %s is not a dependency of %s", model.ErrInvalidInput, depID, id)
		}
		up, err := tx.GetTask(ctx, depID)
		if err != nil {
			return err
		}
		if up.Status != model.StatusFailed {
			return fmt.Errorf("%w: only failed dependencies can be overridden", model.ErrInvalidInput)
		}
		if !contains(task.DependencyOverrides, depID) {
			task.DependencyOverrides = append(task.DependencyOverrides, depID)
		}
		if task.Phase.IsTerminal() {
			task.UpdatedAt = tx.now
			return tx.UpdateTask(ctx, task)
		}
		return s.refreshStatus(ctx, tx, task)
	})
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// keep filters list down to the values present in allowed.
func keep(list, allowed []string) []string {
	var out []string
	for _, v := range list {
		if contains(allowed, v) {
			out = append(out, v)
		}
	}
	return out
}
