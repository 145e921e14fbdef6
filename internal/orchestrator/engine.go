package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/playbook"
)

func (tx *txn) lookup() playbook.Lookup {
	return func(ctx context.Context, id string) (*model.Playbook, error) {
		return tx.GetPlaybook(ctx, id)
	}
}

// SavePlaybook validates and stores a playbook or group. Saving new steps on
// an existing playbook bumps its version and appends a history snapshot;
// runs already started keep the steps they were started with.
func (s *Service) SavePlaybook(ctx context.Context, pb *model.Playbook) (*model.Playbook, error) {
	saved := *pb
	saved.Steps = append([]model.Step(nil), pb.Steps...)
	if saved.ItemType == "" {
		saved.ItemType = model.ItemPlaybook
	}

	err := s.inTx(ctx, func(tx *txn) error {
		var existing *model.Playbook
		if saved.ID == "" {
			saved.ID = s.newID()
		} else {
			var err error
			existing, err = tx.GetPlaybook(ctx, saved.ID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
		}

		if err := playbook.Validate(ctx, &saved, tx.lookup()); err != nil {
			return err
		}
		if saved.DefaultQueueID != "" {
			if _, err := tx.GetQueue(ctx, saved.DefaultQueueID); err != nil {
				if errors.Is(err, model.ErrNotFound) {
					return fmt.Errorf("%w: default queue %s does not exist", model.ErrInvalidQueue, saved.DefaultQueueID)
				}
				return err
			}
		}
		saved.UpdatedAt = tx.now

		if existing == nil {
			saved.Version = 1
			saved.CreatedAt = tx.now
			if err := tx.InsertPlaybook(ctx, &saved); err != nil {
				return err
			}
			return s.snapshot(ctx, tx, &saved)
		}

		if existing.ItemType == model.ItemGroup && saved.ItemType != model.ItemGroup {
			children, err := tx.ListPlaybooks(ctx, saved.ID)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return fmt.Errorf("%w: group %s still has children", model.ErrInvalidPlaybook, saved.ID)
			}
		}
		saved.CreatedAt = existing.CreatedAt
		saved.Version = existing.Version
		changed := playbook.StepsChanged(existing.Steps, saved.Steps)
		if changed {
			saved.Version++
		}
		if err := tx.UpdatePlaybook(ctx, &saved); err != nil {
			return err
		}
		if changed {
			return s.snapshot(ctx, tx, &saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("playbook saved", slog.String("playbook_id", saved.ID), slog.Int("version", saved.Version))
	return &saved, nil
}

func (s *Service) snapshot(ctx context.Context, tx *txn, pb *model.Playbook) error {
	if pb.ItemType != model.ItemPlaybook {
		return nil
	}
	return tx.InsertPlaybookVersion(ctx, &model.PlaybookVersion{
		PlaybookID: pb.ID,
		Version:    pb.Version,
		Name:       pb.Name,
		Steps:      pb.Steps,
		CreatedAt:  tx.now,
	})
}

// GetPlaybook loads a playbook or group.
func (s *Service) GetPlaybook(ctx context.Context, id string) (*model.Playbook, error) {
	return s.store.GetPlaybook(ctx, id)
}

// ListPlaybooks lists the items under parentID; "" lists the root.
func (s *Service) ListPlaybooks(ctx context.Context, parentID string) ([]*model.Playbook, error) {
	return s.store.ListPlaybooks(ctx, parentID)
}

// ListPlaybookVersions returns the saved history of a playbook.
func (s *Service) ListPlaybookVersions(ctx context.Context, id string) ([]*model.PlaybookVersion, error) {
	if _, err := s.store.GetPlaybook(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListPlaybookVersions(ctx, id)
}

// DeletePlaybook removes a playbook or an empty group. Items referenced as a
// nested target, by a monitor, or by a running run cannot be deleted.
func (s *Service) DeletePlaybook(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *txn) error {
		if _, err := tx.GetPlaybook(ctx, id); err != nil {
			return err
		}
		children, err := tx.ListPlaybooks(ctx, id)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("group %s has %d children: %w", id, len(children), model.ErrPlaybookInUse)
		}

		all, err := tx.AllPlaybooks(ctx)
		if err != nil {
			return err
		}
		for _, other := range all {
			for _, step := range other.Steps {
				if step.NestedPlaybookID == id {
					return fmt.Errorf("playbook %s nested by %s: %w", id, other.ID, model.ErrPlaybookInUse)
				}
			}
		}

		active, err := tx.PlaybookHasActiveRuns(ctx, id)
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("playbook %s has running runs: %w", id, model.ErrPlaybookInUse)
		}

		monitors, err := tx.ListMonitors(ctx)
		if err != nil {
			return err
		}
		for _, m := range monitors {
			if m.PlaybookID == id {
				return fmt.Errorf("playbook %s started by monitor %s: %w", id, m.ID, model.ErrPlaybookInUse)
			}
		}
		return tx.DeletePlaybook(ctx, id)
	})
}

// runOrigin links a run to whatever started it.
type runOrigin struct {
	parentRunID     string
	parentTaskID    string
	sourceMonitorID string
	defaultQueueID  string
}

// StartPlaybook snapshots the current version of a playbook into a run and
// materializes its first frontier.
func (s *Service) StartPlaybook(ctx context.Context, id string, input map[string]any) (*model.PlaybookRun, error) {
	var run *model.PlaybookRun
	err := s.inTx(ctx, func(tx *txn) error {
		pb, err := tx.GetPlaybook(ctx, id)
		if err != nil {
			return err
		}
		runID, err := s.startRun(ctx, tx, pb, input, runOrigin{})
		if err != nil {
			return err
		}
		run, err = tx.GetRun(ctx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Service) startRun(ctx context.Context, tx *txn, pb *model.Playbook, input map[string]any, origin runOrigin) (string, error) {
	if pb.ItemType != model.ItemPlaybook {
		return "", fmt.Errorf("%w: %s is a group", model.ErrInvalidPlaybook, pb.ID)
	}
	plan, err := playbook.Compile(pb.Steps)
	if err != nil {
		return "", err
	}

	defaultQueue := origin.defaultQueueID
	if defaultQueue == "" {
		defaultQueue = pb.DefaultQueueID
	}
	run := &model.PlaybookRun{
		ID:              s.newID(),
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		Steps:           pb.Steps,
		DefaultQueueID:  defaultQueue,
		Input:           input,
		Status:          model.RunRunning,
		ParentRunID:     origin.parentRunID,
		ParentTaskID:    origin.parentTaskID,
		SourceMonitorID: origin.sourceMonitorID,
		CreatedAt:       tx.now,
		UpdatedAt:       tx.now,
	}
	if err := tx.InsertRun(ctx, run); err != nil {
		return "", err
	}
	s.logger.Info("playbook run started",
		slog.String("run_id", run.ID),
		slog.String("playbook_id", pb.ID),
		slog.Int("version", pb.Version),
		slog.String("parent_run_id", run.ParentRunID),
	)
	tx.emit(Event{Type: EventRunStarted, RunID: run.ID, TaskID: run.ParentTaskID, MonitorID: run.SourceMonitorID})

	if plan.Len() == 0 {
		return run.ID, s.completeRun(ctx, tx, run)
	}
	return run.ID, s.materializeFrontier(ctx, tx, run, plan, 0)
}

func (s *Service) materializeFrontier(ctx context.Context, tx *txn, run *model.PlaybookRun, plan *playbook.Plan, idx int) error {
	for _, step := range plan.Frontier(idx) {
		if err := s.materializeStep(ctx, tx, run, step, 1); err != nil {
			return fmt.Errorf("materialize step %s: %w", step.ID, err)
		}
	}
	// Nested runs over empty playbooks finish inside the loop above.
	return s.maybeAdvance(ctx, tx, run.ID, idx)
}

func (s *Service) materializeStep(ctx context.Context, tx *txn, run *model.PlaybookRun, step model.Step, attempt int) error {
	taskCtx := make(map[string]any, len(run.Input)+1)
	for k, v := range run.Input {
		taskCtx[k] = v
	}
	if attempt > 1 {
		taskCtx["attempt"] = attempt
	}

	task, err := s.createTask(ctx, tx, model.TaskSpec{
		QueueID:          step.QueueID,
		DefaultQueueID:   run.DefaultQueueID,
		Title:            step.Name,
		Description:      step.Description,
		Assignee:         step.Assignee,
		ApprovalRequired: step.ApprovalRequired,
		Approver:         step.Approver,
		PlaybookID:       run.PlaybookID,
		PlaybookRunID:    run.ID,
		StepID:           step.ID,
		SourceMonitorID:  run.SourceMonitorID,
		Context:          taskCtx,
	})
	if err != nil {
		return err
	}

	sr := &model.StepResponse{
		ID:        s.newID(),
		RunID:     run.ID,
		TaskID:    task.ID,
		StepID:    step.ID,
		Status:    model.StepPending,
		Attempt:   attempt,
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
	}
	if step.NestedPlaybookID == "" {
		return tx.InsertStepResponse(ctx, sr)
	}

	sr.Status = model.StepInProgress
	if err := tx.InsertStepResponse(ctx, sr); err != nil {
		return err
	}
	if err := s.persistPhase(ctx, tx, task, model.PhaseWaitingOnSubplaybook, ""); err != nil {
		return err
	}
	child, err := tx.GetPlaybook(ctx, step.NestedPlaybookID)
	if err != nil {
		return fmt.Errorf("nested playbook %s: %w", step.NestedPlaybookID, err)
	}
	_, err = s.startRun(ctx, tx, child, run.Input, runOrigin{
		parentRunID:     run.ID,
		parentTaskID:    task.ID,
		sourceMonitorID: run.SourceMonitorID,
		defaultQueueID:  run.DefaultQueueID,
	})
	return err
}

// latestResponses keeps the highest attempt per step.
func latestResponses(all []*model.StepResponse) map[string]*model.StepResponse {
	out := make(map[string]*model.StepResponse, len(all))
	for _, sr := range all {
		if cur, ok := out[sr.StepID]; !ok || sr.Attempt > cur.Attempt {
			out[sr.StepID] = sr
		}
	}
	return out
}

// maybeAdvance moves a running run past frontier idx once every step in it
// is completed or skipped.
func (s *Service) maybeAdvance(ctx context.Context, tx *txn, runID string, idx int) error {
	ctx = logging.ContextWithRunID(ctx, runID)
	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunRunning || run.Frontier != idx {
		return nil
	}
	plan, err := playbook.Compile(run.Steps)
	if err != nil {
		return err
	}
	responses, err := tx.ListStepResponses(ctx, runID)
	if err != nil {
		return err
	}
	latest := latestResponses(responses)
	for _, step := range plan.Frontier(idx) {
		sr, ok := latest[step.ID]
		if !ok || !sr.Status.Done() {
			return nil
		}
	}

	if idx+1 >= plan.Len() {
		return s.completeRun(ctx, tx, run)
	}
	run.Frontier = idx + 1
	run.UpdatedAt = tx.now
	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}
	logging.Enrich(ctx, s.logger).Debug("run advanced", slog.Int("frontier", run.Frontier))
	tx.emit(Event{Type: EventRunAdvanced, RunID: runID})
	return s.materializeFrontier(ctx, tx, run, plan, run.Frontier)
}

func (s *Service) completeRun(ctx context.Context, tx *txn, run *model.PlaybookRun) error {
	done := tx.now
	run.Status = model.RunCompleted
	run.UpdatedAt = done
	run.CompletedAt = &done
	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}
	ctx = logging.ContextWithRunID(ctx, run.ID)
	logging.Enrich(ctx, s.logger).Info("playbook run completed", slog.String("playbook_id", run.PlaybookID))
	tx.emit(Event{Type: EventRunCompleted, RunID: run.ID})

	if run.ParentTaskID == "" {
		return nil
	}
	parent, err := tx.GetTask(ctx, run.ParentTaskID)
	if err != nil {
		return err
	}
	if parent.Phase != model.PhaseWaitingOnSubplaybook {
		return nil
	}
	if err := s.move(ctx, tx, parent, model.PhaseInProgress, ""); err != nil {
		return err
	}
	if parent.ApprovalRequired {
		return s.move(ctx, tx, parent, model.PhasePendingReview, "")
	}
	return s.complete(ctx, tx, parent, "", map[string]any{"child_run_id": run.ID})
}

func (s *Service) failRun(ctx context.Context, tx *txn, run *model.PlaybookRun, reason string) error {
	done := tx.now
	run.Status = model.RunFailed
	run.FailureReason = reason
	run.UpdatedAt = done
	run.CompletedAt = &done
	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}
	ctx = logging.ContextWithRunID(ctx, run.ID)
	logging.Enrich(ctx, s.logger).Warn("playbook run failed", slog.String("reason", reason))
	tx.emit(Event{Type: EventRunFailed, RunID: run.ID})

	if run.ParentTaskID == "" {
		return nil
	}
	parent, err := tx.GetTask(ctx, run.ParentTaskID)
	if err != nil {
		return err
	}
	if parent.Phase.IsTerminal() {
		return nil
	}
	return s.fail(ctx, tx, parent, fmt.Sprintf("sub-playbook run %s failed: %s", run.ID, reason), true)
}

// markStepStarted flips the step response of a checked out task.
func (s *Service) markStepStarted(ctx context.Context, tx *txn, task *model.Task) error {
	if task.PlaybookRunID == "" {
		return nil
	}
	sr, err := tx.StepResponseForTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if sr.Status != model.StepPending {
		return nil
	}
	sr.Status = model.StepInProgress
	sr.UpdatedAt = tx.now
	return tx.UpdateStepResponse(ctx, sr)
}

// stepContext loads the run and step response of a step task, reporting
// false when the run no longer reacts to its tasks.
func (s *Service) stepContext(ctx context.Context, tx *txn, task *model.Task) (*model.PlaybookRun, *model.StepResponse, bool, error) {
	sr, err := tx.StepResponseForTask(ctx, task.ID)
	if err != nil {
		return nil, nil, false, err
	}
	if sr.Status.Done() || sr.Status == model.StepFailed {
		return nil, nil, false, nil
	}
	run, err := tx.GetRun(ctx, task.PlaybookRunID)
	if err != nil {
		return nil, nil, false, err
	}
	return run, sr, run.Status == model.RunRunning, nil
}

func (s *Service) stepTaskCompleted(ctx context.Context, tx *txn, task *model.Task, actor string, output map[string]any) error {
	run, sr, live, err := s.stepContext(ctx, tx, task)
	if err != nil || !live {
		return err
	}
	done := tx.now
	sr.Status = model.StepCompleted
	sr.OutputData = output
	sr.CompletedByID = actor
	sr.UpdatedAt = done
	sr.CompletedAt = &done
	if err := tx.UpdateStepResponse(ctx, sr); err != nil {
		return err
	}

	plan, err := playbook.Compile(run.Steps)
	if err != nil {
		return err
	}
	idx, ok := plan.FrontierOf(sr.StepID)
	if !ok {
		return fmt.Errorf("%w: run %s has no step %s", model.ErrInvalidPlaybook, run.ID, sr.StepID)
	}
	return s.maybeAdvance(ctx, tx, run.ID, idx)
}

func (s *Service) stepTaskFailed(ctx context.Context, tx *txn, task *model.Task, reason string) error {
	run, sr, live, err := s.stepContext(ctx, tx, task)
	if err != nil || !live {
		return err
	}
	sr.Status = model.StepFailed
	sr.UpdatedAt = tx.now
	if err := tx.UpdateStepResponse(ctx, sr); err != nil {
		return err
	}

	plan, err := playbook.Compile(run.Steps)
	if err != nil {
		return err
	}
	step, ok := plan.Step(sr.StepID)
	if !ok {
		return fmt.Errorf("%w: run %s has no step %s", model.ErrInvalidPlaybook, run.ID, sr.StepID)
	}
	if sr.Attempt <= step.MaxRetries {
		s.logger.Info("retrying step",
			slog.String("run_id", run.ID),
			slog.String("step_id", step.ID),
			slog.Int("attempt", sr.Attempt+1),
		)
		return s.materializeStep(ctx, tx, run, step, sr.Attempt+1)
	}
	return s.failRun(ctx, tx, run, fmt.Sprintf("step %s failed: %s", step.ID, reason))
}

// SkipStep marks a step of the current frontier as skipped and fails its
// open task. The run advances when the rest of the frontier is done.
func (s *Service) SkipStep(ctx context.Context, runID, stepID, actor string) (*model.PlaybookRun, error) {
	var run *model.PlaybookRun
	err := s.inTx(ctx, func(tx *txn) error {
		var err error
		if run, err = tx.GetRun(ctx, runID); err != nil {
			return err
		}
		if run.Status != model.RunRunning {
			return fmt.Errorf("%w: run is %s", model.ErrInvalidTransition, run.Status)
		}
		plan, err := playbook.Compile(run.Steps)
		if err != nil {
			return err
		}
		idx, ok := plan.FrontierOf(stepID)
		if !ok {
			return fmt.Errorf("step %s in run %s: %w", stepID, runID, model.ErrNotFound)
		}
		if idx != run.Frontier {
			return fmt.Errorf("%w: step %s is not in the current frontier", model.ErrInvalidTransition, stepID)
		}

		responses, err := tx.ListStepResponses(ctx, runID)
		if err != nil {
			return err
		}
		sr, ok := latestResponses(responses)[stepID]
		if !ok {
			return fmt.Errorf("response for step %s: %w", stepID, model.ErrNotFound)
		}
		if sr.Status.Done() {
			return fmt.Errorf("%w: step %s is already %s", model.ErrInvalidTransition, stepID, sr.Status)
		}

		done := tx.now
		sr.Status = model.StepSkipped
		sr.CompletedByID = actor
		sr.UpdatedAt = done
		sr.CompletedAt = &done
		if err := tx.UpdateStepResponse(ctx, sr); err != nil {
			return err
		}

		task, err := tx.GetTask(ctx, sr.TaskID)
		if err != nil {
			return err
		}
		if !task.Phase.IsTerminal() {
			if err := s.fail(ctx, tx, task, "skipped", false); err != nil {
				return err
			}
		}
		if err := s.maybeAdvance(ctx, tx, runID, idx); err != nil {
			return err
		}
		run, err = tx.GetRun(ctx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun loads a playbook run.
func (s *Service) GetRun(ctx context.Context, id string) (*model.PlaybookRun, error) {
	return s.store.GetRun(ctx, id)
}

// ListStepResponses returns the step responses of a run.
func (s *Service) ListStepResponses(ctx context.Context, runID string) ([]*model.StepResponse, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListStepResponses(ctx, runID)
}
