package store

import (
	"context"
	"fmt"

	"github.com/alekspetrov/taskflow/internal/model"
)

const queueColumns = `id, name, scope_type, scope_id, priority_default, allow_bots, is_system, created_at`

// InsertQueue stores a new queue.
func (s *Store) InsertQueue(ctx context.Context, q *model.Queue) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO queues (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Name, string(q.ScopeType), q.ScopeID, q.PriorityDefault,
		boolInt(q.AllowBots), boolInt(q.IsSystem), ts(q.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queue: %w", err)
	}
	return nil
}

// GetQueue loads a queue by id.
func (s *Store) GetQueue(ctx context.Context, id string) (*model.Queue, error) {
	q, err := scanQueue(s.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, notFound("queue", id)
	}
	return q, err
}

// ListQueues returns every queue ordered by name.
func (s *Store) ListQueues(ctx context.Context) ([]*model.Queue, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()
	var out []*model.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteQueue removes a queue row.
func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM queues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("queue", id)
	}
	return nil
}

// QueueInUse reports whether any unfinished task, team, recurring template or
// monitor still points at the queue.
func (s *Store) QueueInUse(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks WHERE queue_id = ? AND status NOT IN (?, ?)) +
			(SELECT COUNT(*) FROM teams WHERE queue_id = ?) +
			(SELECT COUNT(*) FROM recurring_tasks WHERE queue_id = ? AND is_active = 1) +
			(SELECT COUNT(*) FROM monitors WHERE queue_id = ?)`,
		id, string(model.StatusCompleted), string(model.StatusFailed), id, id, id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("queue usage: %w", err)
	}
	return n > 0, nil
}

// PersonalQueue returns the oldest user-scoped queue of userID.
func (s *Store) PersonalQueue(ctx context.Context, userID string) (*model.Queue, error) {
	q, err := scanQueue(s.q.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE scope_type = ? AND scope_id = ? ORDER BY created_at LIMIT 1`,
		string(model.ScopeUser), userID))
	if isNoRows(err) {
		return nil, notFound("personal queue", userID)
	}
	return q, err
}

// TeamQueue returns the queue bound to teamID.
func (s *Store) TeamQueue(ctx context.Context, teamID string) (*model.Queue, error) {
	q, err := scanQueue(s.q.QueryRowContext(ctx, `
		SELECT q.id, q.name, q.scope_type, q.scope_id, q.priority_default, q.allow_bots, q.is_system, q.created_at
		FROM teams t JOIN queues q ON q.id = t.queue_id
		WHERE t.id = ?`, teamID))
	if isNoRows(err) {
		return nil, notFound("team queue", teamID)
	}
	return q, err
}

func scanQueue(row rowScanner) (*model.Queue, error) {
	var (
		q                   model.Queue
		scope               string
		allowBots, isSystem int
		createdAt           int64
	)
	if err := row.Scan(&q.ID, &q.Name, &scope, &q.ScopeID, &q.PriorityDefault, &allowBots, &isSystem, &createdAt); err != nil {
		return nil, err
	}
	q.ScopeType = model.ScopeType(scope)
	q.AllowBots = allowBots == 1
	q.IsSystem = isSystem == 1
	q.CreatedAt = fromTS(createdAt)
	return &q, nil
}

// InsertTeam stores a team.
func (s *Store) InsertTeam(ctx context.Context, t *model.TeamRecord) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO teams (id, name, queue_id, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.QueueID, ts(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

// GetTeam loads a team by id.
func (s *Store) GetTeam(ctx context.Context, id string) (*model.TeamRecord, error) {
	return s.getTeam(ctx, `SELECT id, name, queue_id, created_at FROM teams WHERE id = ?`, id)
}

// GetTeamByName loads a team by its unique name.
func (s *Store) GetTeamByName(ctx context.Context, name string) (*model.TeamRecord, error) {
	return s.getTeam(ctx, `SELECT id, name, queue_id, created_at FROM teams WHERE name = ?`, name)
}

func (s *Store) getTeam(ctx context.Context, query, key string) (*model.TeamRecord, error) {
	var (
		t         model.TeamRecord
		createdAt int64
	)
	err := s.q.QueryRowContext(ctx, query, key).Scan(&t.ID, &t.Name, &t.QueueID, &createdAt)
	if isNoRows(err) {
		return nil, notFound("team", key)
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = fromTS(createdAt)
	return &t, nil
}

// ListTeams returns all teams ordered by name.
func (s *Store) ListTeams(ctx context.Context) ([]*model.TeamRecord, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, queue_id, created_at FROM teams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()
	var out []*model.TeamRecord
	for rows.Next() {
		var (
			t         model.TeamRecord
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.QueueID, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = fromTS(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteTeam removes a team and its memberships.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete team: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("team", id)
	}
	_, err = s.q.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = ?`, id)
	return err
}

// UpsertMember adds userID to teamID or updates the role.
func (s *Store) UpsertMember(ctx context.Context, m *model.Membership) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(team_id, user_id) DO UPDATE SET role = excluded.role`,
		m.TeamID, m.UserID, string(m.Role), ts(m.JoinedAt))
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership.
func (s *Store) RemoveMember(ctx context.Context, teamID, userID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("membership", teamID+"/"+userID)
	}
	return nil
}

// ListMembers returns the members of a team ordered by join time.
func (s *Store) ListMembers(ctx context.Context, teamID string) ([]*model.Membership, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT team_id, user_id, role, joined_at FROM team_members WHERE team_id = ? ORDER BY joined_at, user_id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var out []*model.Membership
	for rows.Next() {
		var (
			m        model.Membership
			role     string
			joinedAt int64
		)
		if err := rows.Scan(&m.TeamID, &m.UserID, &role, &joinedAt); err != nil {
			return nil, err
		}
		m.Role = model.MemberRole(role)
		m.JoinedAt = fromTS(joinedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// IsTeamMember reports whether userID belongs to teamID.
func (s *Store) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return n > 0, nil
}
