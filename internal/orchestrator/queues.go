package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alekspetrov/taskflow/internal/model"
)

// DefaultQueuePriority is the priority given to tasks of queues created
// without one.
const DefaultQueuePriority = 3

// CreateQueue stores a queue. User and team queues need a scope id, and a
// scope holds at most one queue.
func (s *Service) CreateQueue(ctx context.Context, q model.Queue) (*model.Queue, error) {
	q.Name = strings.TrimSpace(q.Name)
	if q.Name == "" {
		return nil, fmt.Errorf("%w: queue name is required", model.ErrInvalidQueue)
	}
	if q.PriorityDefault < 0 {
		return nil, fmt.Errorf("%w: negative default priority", model.ErrInvalidQueue)
	}
	if q.PriorityDefault == 0 {
		q.PriorityDefault = DefaultQueuePriority
	}
	if q.ScopeType == "" {
		q.ScopeType = model.ScopeOrganization
	}

	err := s.inTx(ctx, func(tx *txn) error {
		var existing *model.Queue
		var err error
		switch q.ScopeType {
		case model.ScopeOrganization:
			q.ScopeID = ""
			err = model.ErrNotFound
		case model.ScopeUser:
			if q.ScopeID == "" {
				return fmt.Errorf("%w: user queue needs a scope id", model.ErrInvalidQueue)
			}
			existing, err = tx.PersonalQueue(ctx, q.ScopeID)
		case model.ScopeTeam:
			if q.ScopeID == "" {
				return fmt.Errorf("%w: team queue needs a scope id", model.ErrInvalidQueue)
			}
			if _, terr := tx.GetTeam(ctx, q.ScopeID); terr != nil {
				if errors.Is(terr, model.ErrNotFound) {
					return fmt.Errorf("%w: team %s does not exist", model.ErrInvalidQueue, q.ScopeID)
				}
				return terr
			}
			existing, err = tx.TeamQueue(ctx, q.ScopeID)
		default:
			return fmt.Errorf("%w: unknown scope %q", model.ErrInvalidQueue, q.ScopeType)
		}
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s %s already has queue %s", model.ErrInvalidQueue, q.ScopeType, q.ScopeID, existing.ID)
		case !errors.Is(err, model.ErrNotFound):
			return err
		}

		q.ID = s.newID()
		q.IsSystem = false
		q.CreatedAt = tx.now
		return tx.InsertQueue(ctx, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQueue loads a queue.
func (s *Service) GetQueue(ctx context.Context, id string) (*model.Queue, error) {
	return s.store.GetQueue(ctx, id)
}

// ListQueues lists every queue.
func (s *Service) ListQueues(ctx context.Context) ([]*model.Queue, error) {
	return s.store.ListQueues(ctx)
}

// DeleteQueue removes a queue nothing refers to. System queues belong to
// their team and go away with it.
func (s *Service) DeleteQueue(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *txn) error {
		q, err := tx.GetQueue(ctx, id)
		if err != nil {
			return err
		}
		if q.IsSystem {
			return fmt.Errorf("%w: %s is a system queue", model.ErrInvalidQueue, id)
		}
		inUse, err := tx.QueueInUse(ctx, id)
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("queue %s: %w", id, model.ErrQueueInUse)
		}
		return tx.DeleteQueue(ctx, id)
	})
}
