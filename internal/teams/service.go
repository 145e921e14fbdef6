// Package teams manages teams, memberships and the queues bound to them.
package teams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/store"
)

var (
	ErrLastOwner      = errors.New("cannot remove last owner")
	ErrAlreadyMember  = errors.New("already a member")
	ErrInvalidRole    = errors.New("invalid role")
	ErrSelfRoleChange = errors.New("cannot change own role")
)

// Service provides team management with owner checks. Every mutation runs in
// one store transaction so teams never exist without their queue.
type Service struct {
	store *store.Store
	now   func() time.Time
}

// NewService creates a team service.
func NewService(s *store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// CreateTeam creates a team, its team queue, and makes ownerID its owner.
func (s *Service) CreateTeam(ctx context.Context, name, ownerID string) (*model.TeamRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" || ownerID == "" {
		return nil, fmt.Errorf("%w: team name and owner are required", model.ErrInvalidInput)
	}

	now := s.now().UTC()
	team := &model.TeamRecord{ID: uuid.New().String(), Name: name, CreatedAt: now}
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		if _, err := tx.GetTeamByName(ctx, name); err == nil {
			return fmt.Errorf("%w: team %q already exists", model.ErrInvalidInput, name)
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		q := &model.Queue{
			ID:              uuid.New().String(),
			Name:            name,
			ScopeType:       model.ScopeTeam,
			ScopeID:         team.ID,
			PriorityDefault: 3,
			IsSystem:        true,
			CreatedAt:       now,
		}
		if err := tx.InsertQueue(ctx, q); err != nil {
			return err
		}
		team.QueueID = q.ID
		if err := tx.InsertTeam(ctx, team); err != nil {
			return err
		}
		return s.addMember(ctx, tx, team.ID, ownerID, model.RoleOwner, now)
	})
	if err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	return team, nil
}

// GetTeam loads a team.
func (s *Service) GetTeam(ctx context.Context, id string) (*model.TeamRecord, error) {
	return s.store.GetTeam(ctx, id)
}

// ListTeams lists every team.
func (s *Service) ListTeams(ctx context.Context) ([]*model.TeamRecord, error) {
	return s.store.ListTeams(ctx)
}

// ListMembers lists the members of a team.
func (s *Service) ListMembers(ctx context.Context, teamID string) ([]*model.Membership, error) {
	if _, err := s.store.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, teamID)
}

// AddMember adds userID to the team. Only owners may add members.
func (s *Service) AddMember(ctx context.Context, teamID, actorID, userID string, role model.MemberRole) (*model.Membership, error) {
	if !validRole(role) {
		return nil, ErrInvalidRole
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidInput)
	}

	now := s.now().UTC()
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		if err := requireOwner(ctx, tx, teamID, actorID); err != nil {
			return err
		}
		if ok, err := tx.IsTeamMember(ctx, teamID, userID); err != nil {
			return err
		} else if ok {
			return ErrAlreadyMember
		}
		return s.addMember(ctx, tx, teamID, userID, role, now)
	})
	if err != nil {
		return nil, err
	}
	return &model.Membership{TeamID: teamID, UserID: userID, Role: role, JoinedAt: now}, nil
}

// RemoveMember removes userID from the team. Owners may remove anyone and
// members may remove themselves; the last owner cannot leave.
func (s *Service) RemoveMember(ctx context.Context, teamID, actorID, userID string) error {
	return s.store.InTx(ctx, func(tx *store.Store) error {
		if actorID != userID {
			if err := requireOwner(ctx, tx, teamID, actorID); err != nil {
				return err
			}
		}
		members, err := tx.ListMembers(ctx, teamID)
		if err != nil {
			return err
		}
		target := find(members, userID)
		if target == nil {
			return fmt.Errorf("member %s: %w", userID, model.ErrNotFound)
		}
		if target.Role == model.RoleOwner && countOwners(members) == 1 {
			return ErrLastOwner
		}
		return tx.RemoveMember(ctx, teamID, userID)
	})
}

// UpdateMemberRole changes a member's role. Owners cannot change their own.
func (s *Service) UpdateMemberRole(ctx context.Context, teamID, actorID, userID string, role model.MemberRole) error {
	if !validRole(role) {
		return ErrInvalidRole
	}
	if actorID == userID {
		return ErrSelfRoleChange
	}
	return s.store.InTx(ctx, func(tx *store.Store) error {
		if err := requireOwner(ctx, tx, teamID, actorID); err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, teamID)
		if err != nil {
			return err
		}
		target := find(members, userID)
		if target == nil {
			return fmt.Errorf("member %s: %w", userID, model.ErrNotFound)
		}
		target.Role = role
		return tx.UpsertMember(ctx, target)
	})
}

// DeleteTeam removes a team. Its queue goes too unless it still holds work.
func (s *Service) DeleteTeam(ctx context.Context, teamID, actorID string) error {
	return s.store.InTx(ctx, func(tx *store.Store) error {
		if err := requireOwner(ctx, tx, teamID, actorID); err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, teamID)
		if err != nil {
			return err
		}
		if err := tx.DeleteTeam(ctx, teamID); err != nil {
			return err
		}
		inUse, err := tx.QueueInUse(ctx, team.QueueID)
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("team %s: %w", teamID, model.ErrQueueInUse)
		}
		return tx.DeleteQueue(ctx, team.QueueID)
	})
}

// EnsurePersonalQueue returns the user's personal queue, creating it if missing.
func (s *Service) EnsurePersonalQueue(ctx context.Context, userID string) (*model.Queue, error) {
	var q *model.Queue
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		q, err = ensurePersonalQueue(ctx, tx, userID, s.now().UTC())
		return err
	})
	return q, err
}

func (s *Service) addMember(ctx context.Context, tx *store.Store, teamID, userID string, role model.MemberRole, now time.Time) error {
	if err := tx.UpsertMember(ctx, &model.Membership{TeamID: teamID, UserID: userID, Role: role, JoinedAt: now}); err != nil {
		return err
	}
	_, err := ensurePersonalQueue(ctx, tx, userID, now)
	return err
}

func ensurePersonalQueue(ctx context.Context, tx *store.Store, userID string, now time.Time) (*model.Queue, error) {
	q, err := tx.PersonalQueue(ctx, userID)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	q = &model.Queue{
		ID:              uuid.New().String(),
		Name:            userID,
		ScopeType:       model.ScopeUser,
		ScopeID:         userID,
		PriorityDefault: 3,
		IsSystem:        true,
		CreatedAt:       now,
	}
	if err := tx.InsertQueue(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

func requireOwner(ctx context.Context, tx *store.Store, teamID, actorID string) error {
	members, err := tx.ListMembers(ctx, teamID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		if _, err := tx.GetTeam(ctx, teamID); err != nil {
			return err
		}
	}
	m := find(members, actorID)
	if m == nil || m.Role != model.RoleOwner {
		return fmt.Errorf("%w: %s is not an owner of team %s", model.ErrNotAuthorized, actorID, teamID)
	}
	return nil
}

func find(members []*model.Membership, userID string) *model.Membership {
	for _, m := range members {
		if m.UserID == userID {
			return m
		}
	}
	return nil
}

func countOwners(members []*model.Membership) int {
	n := 0
	for _, m := range members {
		if m.Role == model.RoleOwner {
			n++
		}
	}
	return n
}

func validRole(r model.MemberRole) bool {
	return r == model.RoleOwner || r == model.RoleMember
}
