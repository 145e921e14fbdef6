package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alekspetrov/taskflow/internal/deps"
	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/model"
)

// transitions lists the non-terminal moves. Completed and failed are
// reachable from every non-terminal phase.
var transitions = map[model.Phase][]model.Phase{
	model.PhasePlanning:             {model.PhaseReady},
	model.PhaseReady:                {model.PhaseInProgress, model.PhasePlanning},
	model.PhaseInProgress:           {model.PhasePendingReview, model.PhaseWaitingOnSubplaybook},
	model.PhasePendingReview:        {model.PhaseInReview, model.PhaseChangesRequested},
	model.PhaseInReview:             {model.PhaseChangesRequested, model.PhaseApproved},
	model.PhaseChangesRequested:     {model.PhaseInProgress},
	model.PhaseApproved:             {},
	model.PhaseWaitingOnSubplaybook: {model.PhaseInProgress},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to model.Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// statusFor derives the queue-facing status of a phase.
func statusFor(phase model.Phase, blocked bool) model.Status {
	switch phase {
	case model.PhasePlanning:
		if blocked {
			return model.StatusBlocked
		}
		return model.StatusQueued
	case model.PhaseReady:
		return model.StatusQueued
	case model.PhaseInProgress:
		return model.StatusCheckedOut
	case model.PhaseCompleted:
		return model.StatusCompleted
	case model.PhaseFailed:
		return model.StatusFailed
	default:
		return model.StatusInProgress
	}
}

func (s *Service) statusLookup(ctx context.Context, tx *txn, ids []string) (deps.StatusLookup, error) {
	statuses, err := tx.TaskStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}
	return func(id string) (model.Status, bool) {
		st, ok := statuses[id]
		return st, ok
	}, nil
}

func (s *Service) isBlocked(ctx context.Context, tx *txn, task *model.Task) (bool, error) {
	if len(task.DependsOn) == 0 {
		return false, nil
	}
	lookup, err := s.statusLookup(ctx, tx, task.DependsOn)
	if err != nil {
		return false, err
	}
	return deps.IsBlocked(task, lookup), nil
}

// move validates and applies a phase change, persisting the task.
func (s *Service) move(ctx context.Context, tx *txn, task *model.Task, to model.Phase, actor string) error {
	from := task.Phase
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	if to == model.PhaseApproved && task.ApprovalRequired && task.ApprovedByID == "" {
		return fmt.Errorf("%w: approval not recorded", model.ErrInvalidTransition)
	}
	return s.persistPhase(ctx, tx, task, to, actor)
}

// persistPhase writes a phase change that has already been validated.
func (s *Service) persistPhase(ctx context.Context, tx *txn, task *model.Task, to model.Phase, actor string) error {
	from := task.Phase
	blocked := false
	if to == model.PhasePlanning {
		var err error
		if blocked, err = s.isBlocked(ctx, tx, task); err != nil {
			return err
		}
	}

	task.Phase = to
	task.Status = statusFor(to, blocked)
	task.UpdatedAt = tx.now
	if to == model.PhaseInProgress && task.StartedAt == nil {
		started := tx.now
		task.StartedAt = &started
	}
	if to.IsTerminal() {
		done := tx.now
		task.CompletedAt = &done
	}
	if err := tx.UpdateTask(ctx, task); err != nil {
		return err
	}

	ctx = logging.ContextWithRunID(logging.ContextWithTaskID(ctx, task.ID), task.PlaybookRunID)
	logging.Enrich(ctx, s.logger).Debug("task transitioned",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("actor", actor),
	)
	tx.emit(Event{Type: EventTaskTransitioned, TaskID: task.ID, RunID: task.PlaybookRunID, From: string(from), To: string(to), Actor: actor})
	return nil
}

// refreshStatus persists a task whose dependencies or upstream outcomes
// changed, moving it between planning and ready as the gate dictates.
func (s *Service) refreshStatus(ctx context.Context, tx *txn, task *model.Task) error {
	blocked, err := s.isBlocked(ctx, tx, task)
	if err != nil {
		return err
	}
	switch {
	case task.Phase == model.PhasePlanning && !blocked:
		return s.move(ctx, tx, task, model.PhaseReady, "")
	case task.Phase == model.PhaseReady && blocked:
		return s.move(ctx, tx, task, model.PhasePlanning, "")
	case task.Phase == model.PhasePlanning:
		task.Status = model.StatusBlocked
	}
	task.UpdatedAt = tx.now
	return tx.UpdateTask(ctx, task)
}
