// Package assign resolves which queue a task or step lands in.
package assign

import (
	"context"
	"errors"
	"fmt"

	"github.com/alekspetrov/taskflow/internal/model"
)

// Directory answers the queue and membership lookups assignment needs.
// Lookups return model.ErrNotFound when the entity has no queue.
type Directory interface {
	GetQueue(ctx context.Context, id string) (*model.Queue, error)
	PersonalQueue(ctx context.Context, userID string) (*model.Queue, error)
	TeamQueue(ctx context.Context, teamID string) (*model.Queue, error)
	IsTeamMember(ctx context.Context, teamID, userID string) (bool, error)
}

// Request is the input to Resolve.
type Request struct {
	QueueID        string
	Assignee       model.Party
	DefaultQueueID string
}

// Resolve picks the queue: an explicit queue first, then the assignee's
// personal or team queue, then the default queue.
func Resolve(ctx context.Context, dir Directory, req Request) (*model.Queue, error) {
	if req.QueueID != "" {
		q, err := dir.GetQueue(ctx, req.QueueID)
		if err != nil {
			return nil, unresolvable(err, "queue %s", req.QueueID)
		}
		return q, nil
	}

	switch a := req.Assignee.(type) {
	case model.User:
		q, err := dir.PersonalQueue(ctx, a.ID)
		if err != nil {
			return nil, unresolvable(err, "personal queue of %s", a.ID)
		}
		return q, nil
	case model.Team:
		q, err := dir.TeamQueue(ctx, a.ID)
		if err != nil {
			return nil, unresolvable(err, "queue of team %s", a.ID)
		}
		return q, nil
	}

	if req.DefaultQueueID == "" {
		return nil, fmt.Errorf("%w: no queue, assignee or default queue", model.ErrUnresolvableAssignment)
	}
	q, err := dir.GetQueue(ctx, req.DefaultQueueID)
	if err != nil {
		return nil, unresolvable(err, "default queue %s", req.DefaultQueueID)
	}
	return q, nil
}

func unresolvable(err error, format string, args ...any) error {
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: %s not found", model.ErrUnresolvableAssignment, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("resolve %s: %w", fmt.Sprintf(format, args...), err)
}

// Authorized reports whether actorID may act for party. Anyone admits every
// actor, and so does a nil party, which only occurs for an unassigned task
// because tasks requiring approval always carry an approver.
func Authorized(ctx context.Context, dir Directory, party model.Party, actorID string) (bool, error) {
	switch p := party.(type) {
	case model.User:
		return p.ID == actorID, nil
	case model.Team:
		return dir.IsTeamMember(ctx, p.ID, actorID)
	default:
		return true, nil
	}
}
