package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alekspetrov/taskflow/internal/model"
)

const playbookColumns = `id, name, description, item_type, parent_id, order_index, default_queue_id, steps, version, created_at, updated_at`

func encodeSteps(steps []model.Step) (string, error) {
	if len(steps) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode steps: %w", err)
	}
	return string(b), nil
}

func decodeSteps(raw string) ([]model.Step, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var steps []model.Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

// InsertPlaybook stores a new playbook or group.
func (s *Store) InsertPlaybook(ctx context.Context, pb *model.Playbook) error {
	steps, err := encodeSteps(pb.Steps)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO playbooks (`+playbookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pb.ID, pb.Name, pb.Description, string(pb.ItemType), pb.ParentID, pb.OrderIndex, pb.DefaultQueueID,
		steps, pb.Version, ts(pb.CreatedAt), ts(pb.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert playbook: %w", err)
	}
	return nil
}

// UpdatePlaybook overwrites a playbook row.
func (s *Store) UpdatePlaybook(ctx context.Context, pb *model.Playbook) error {
	steps, err := encodeSteps(pb.Steps)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE playbooks SET name = ?, description = ?, item_type = ?, parent_id = ?, order_index = ?,
			default_queue_id = ?, steps = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		pb.Name, pb.Description, string(pb.ItemType), pb.ParentID, pb.OrderIndex,
		pb.DefaultQueueID, steps, pb.Version, ts(pb.UpdatedAt), pb.ID)
	if err != nil {
		return fmt.Errorf("update playbook: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("playbook", pb.ID)
	}
	return nil
}

// GetPlaybook loads a playbook by id.
func (s *Store) GetPlaybook(ctx context.Context, id string) (*model.Playbook, error) {
	pb, err := scanPlaybook(s.q.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, notFound("playbook", id)
	}
	return pb, err
}

// ListPlaybooks returns the children of parentID ("" lists the root level).
func (s *Store) ListPlaybooks(ctx context.Context, parentID string) ([]*model.Playbook, error) {
	return s.listPlaybooks(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE parent_id = ? ORDER BY order_index, name`, parentID)
}

// AllPlaybooks returns every playbook and group.
func (s *Store) AllPlaybooks(ctx context.Context) ([]*model.Playbook, error) {
	return s.listPlaybooks(ctx, `SELECT `+playbookColumns+` FROM playbooks ORDER BY parent_id, order_index, name`)
}

func (s *Store) listPlaybooks(ctx context.Context, query string, args ...any) ([]*model.Playbook, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()
	var out []*model.Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

// DeletePlaybook removes a playbook and its version history.
func (s *Store) DeletePlaybook(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM playbooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete playbook: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("playbook", id)
	}
	_, err = s.q.ExecContext(ctx, `DELETE FROM playbook_versions WHERE playbook_id = ?`, id)
	return err
}

func scanPlaybook(row rowScanner) (*model.Playbook, error) {
	var (
		pb                   model.Playbook
		itemType, steps      string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&pb.ID, &pb.Name, &pb.Description, &itemType, &pb.ParentID, &pb.OrderIndex,
		&pb.DefaultQueueID, &steps, &pb.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if pb.Steps, err = decodeSteps(steps); err != nil {
		return nil, fmt.Errorf("playbook %s: %w", pb.ID, err)
	}
	pb.ItemType = model.ItemType(itemType)
	pb.CreatedAt = fromTS(createdAt)
	pb.UpdatedAt = fromTS(updatedAt)
	return &pb, nil
}

// InsertPlaybookVersion appends a snapshot to the playbook history.
func (s *Store) InsertPlaybookVersion(ctx context.Context, v *model.PlaybookVersion) error {
	steps, err := encodeSteps(v.Steps)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO playbook_versions (playbook_id, version, name, steps, created_at) VALUES (?, ?, ?, ?, ?)`,
		v.PlaybookID, v.Version, v.Name, steps, ts(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert playbook version: %w", err)
	}
	return nil
}

// ListPlaybookVersions returns the history of a playbook, oldest first.
func (s *Store) ListPlaybookVersions(ctx context.Context, playbookID string) ([]*model.PlaybookVersion, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT playbook_id, version, name, steps, created_at FROM playbook_versions WHERE playbook_id = ? ORDER BY version`,
		playbookID)
	if err != nil {
		return nil, fmt.Errorf("list playbook versions: %w", err)
	}
	defer rows.Close()
	var out []*model.PlaybookVersion
	for rows.Next() {
		var (
			v         model.PlaybookVersion
			steps     string
			createdAt int64
		)
		if err := rows.Scan(&v.PlaybookID, &v.Version, &v.Name, &steps, &createdAt); err != nil {
			return nil, err
		}
		if v.Steps, err = decodeSteps(steps); err != nil {
			return nil, err
		}
		v.CreatedAt = fromTS(createdAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

const runColumns = `id, playbook_id, playbook_version, steps, default_queue_id, input, status, frontier,
	parent_run_id, parent_task_id, source_monitor_id, failure_reason, created_at, updated_at, completed_at`

// InsertRun stores a new playbook run.
func (s *Store) InsertRun(ctx context.Context, r *model.PlaybookRun) error {
	steps, err := encodeSteps(r.Steps)
	if err != nil {
		return err
	}
	input, err := encodeJSON(r.Input, "{}")
	if err != nil {
		return fmt.Errorf("encode run input: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO playbook_runs (`+runColumns+`) VALUES (`+placeholders(15)+`)`,
		r.ID, r.PlaybookID, r.PlaybookVersion, steps, r.DefaultQueueID, input, string(r.Status), r.Frontier,
		r.ParentRunID, r.ParentTaskID, r.SourceMonitorID, r.FailureReason,
		ts(r.CreatedAt), ts(r.UpdatedAt), nullTS(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun persists the mutable run fields.
func (s *Store) UpdateRun(ctx context.Context, r *model.PlaybookRun) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE playbook_runs SET status = ?, frontier = ?, failure_reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(r.Status), r.Frontier, r.FailureReason, ts(r.UpdatedAt), nullTS(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("run", r.ID)
	}
	return nil
}

// GetRun loads a playbook run.
func (s *Store) GetRun(ctx context.Context, id string) (*model.PlaybookRun, error) {
	var (
		r                    model.PlaybookRun
		steps, input, status string
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM playbook_runs WHERE id = ?`, id).Scan(
		&r.ID, &r.PlaybookID, &r.PlaybookVersion, &steps, &r.DefaultQueueID, &input, &status, &r.Frontier,
		&r.ParentRunID, &r.ParentTaskID, &r.SourceMonitorID, &r.FailureReason, &createdAt, &updatedAt, &completedAt)
	if isNoRows(err) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	if r.Steps, err = decodeSteps(steps); err != nil {
		return nil, err
	}
	if r.Input, err = decodeMap(input); err != nil {
		return nil, fmt.Errorf("run %s input: %w", id, err)
	}
	r.Status = model.RunStatus(status)
	r.CreatedAt = fromTS(createdAt)
	r.UpdatedAt = fromTS(updatedAt)
	r.CompletedAt = fromNullTS(completedAt)
	return &r, nil
}

// PlaybookHasActiveRuns reports whether a run of the playbook is still running.
func (s *Store) PlaybookHasActiveRuns(ctx context.Context, playbookID string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM playbook_runs WHERE playbook_id = ? AND status = ?`,
		playbookID, string(model.RunRunning)).Scan(&n); err != nil {
		return false, fmt.Errorf("active runs: %w", err)
	}
	return n > 0, nil
}

const stepResponseColumns = `id, run_id, task_id, step_id, status, attempt, output_data, completed_by_id, created_at, updated_at, completed_at`

// InsertStepResponse stores a new step response.
func (s *Store) InsertStepResponse(ctx context.Context, sr *model.StepResponse) error {
	output, err := encodeJSON(sr.OutputData, "{}")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO step_responses (`+stepResponseColumns+`) VALUES (`+placeholders(11)+`)`,
		sr.ID, sr.RunID, sr.TaskID, sr.StepID, string(sr.Status), sr.Attempt, output, sr.CompletedByID,
		ts(sr.CreatedAt), ts(sr.UpdatedAt), nullTS(sr.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert step response: %w", err)
	}
	return nil
}

// UpdateStepResponse persists status, output and completion of a response.
func (s *Store) UpdateStepResponse(ctx context.Context, sr *model.StepResponse) error {
	output, err := encodeJSON(sr.OutputData, "{}")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE step_responses SET status = ?, output_data = ?, completed_by_id = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(sr.Status), output, sr.CompletedByID, ts(sr.UpdatedAt), nullTS(sr.CompletedAt), sr.ID)
	if err != nil {
		return fmt.Errorf("update step response: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("step response", sr.ID)
	}
	return nil
}

// StepResponseForTask loads the response linked to a task.
func (s *Store) StepResponseForTask(ctx context.Context, taskID string) (*model.StepResponse, error) {
	rows, err := s.listStepResponses(ctx, `SELECT `+stepResponseColumns+` FROM step_responses WHERE task_id = ? LIMIT 1`, taskID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, notFound("step response for task", taskID)
	}
	return rows[0], nil
}

// ListStepResponses returns the responses of a run in creation order.
func (s *Store) ListStepResponses(ctx context.Context, runID string) ([]*model.StepResponse, error) {
	return s.listStepResponses(ctx,
		`SELECT `+stepResponseColumns+` FROM step_responses WHERE run_id = ? ORDER BY created_at, attempt, step_id`, runID)
}

func (s *Store) listStepResponses(ctx context.Context, query string, args ...any) ([]*model.StepResponse, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list step responses: %w", err)
	}
	defer rows.Close()
	var out []*model.StepResponse
	for rows.Next() {
		var (
			sr                   model.StepResponse
			status, output       string
			createdAt, updatedAt int64
			completedAt          sql.NullInt64
		)
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.TaskID, &sr.StepID, &status, &sr.Attempt, &output,
			&sr.CompletedByID, &createdAt, &updatedAt, &completedAt); err != nil {
			return nil, err
		}
		if sr.OutputData, err = decodeMap(output); err != nil {
			return nil, err
		}
		sr.Status = model.StepStatus(status)
		sr.CreatedAt = fromTS(createdAt)
		sr.UpdatedAt = fromTS(updatedAt)
		sr.CompletedAt = fromNullTS(completedAt)
		out = append(out, &sr)
	}
	return out, rows.Err()
}
