package playbook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alekspetrov/taskflow/internal/model"
)

// Lookup loads a saved playbook. It returns model.ErrNotFound when absent.
type Lookup func(ctx context.Context, id string) (*model.Playbook, error)

// Validate checks pb against the saved playbooks reachable through get.
// pb.ID must already be set so self references can be detected.
func Validate(ctx context.Context, pb *model.Playbook, get Lookup) error {
	if strings.TrimSpace(pb.Name) == "" {
		return fmt.Errorf("%w: name is required", model.ErrInvalidPlaybook)
	}

	switch pb.ItemType {
	case model.ItemGroup:
		if len(pb.Steps) > 0 {
			return fmt.Errorf("%w: group %s cannot carry steps", model.ErrInvalidPlaybook, pb.Name)
		}
	case model.ItemPlaybook:
		if _, err := Compile(pb.Steps); err != nil {
			return err
		}
		if err := CheckNesting(ctx, pb.ID, pb.Steps, get); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown item type %q", model.ErrInvalidPlaybook, pb.ItemType)
	}

	return CheckParent(ctx, pb.ID, pb.ParentID, get)
}

// CheckNesting fails with model.ErrCyclicNesting when id is reachable from
// any nested target of steps, at any depth.
func CheckNesting(ctx context.Context, id string, steps []model.Step, get Lookup) error {
	visited := make(map[string]bool)
	stack := nestedTargets(steps)

	for len(stack) > 0 {
		target := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if target == id {
			return fmt.Errorf("%w: playbook %s reaches itself", model.ErrCyclicNesting, id)
		}
		if visited[target] {
			continue
		}
		visited[target] = true

		pb, err := get(ctx, target)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: nested playbook %s does not exist", model.ErrInvalidPlaybook, target)
			}
			return fmt.Errorf("load nested playbook %s: %w", target, err)
		}
		if pb.ItemType != model.ItemPlaybook {
			return fmt.Errorf("%w: nested target %s is a group", model.ErrInvalidPlaybook, target)
		}
		stack = append(stack, nestedTargets(pb.Steps)...)
	}
	return nil
}

// CheckParent verifies that parentID names a group and that attaching id
// under it keeps the folder hierarchy acyclic.
func CheckParent(ctx context.Context, id, parentID string, get Lookup) error {
	seen := map[string]bool{}
	for cur := parentID; cur != ""; {
		if cur == id {
			return fmt.Errorf("%w: folder hierarchy cycle through %s", model.ErrInvalidPlaybook, id)
		}
		if seen[cur] {
			return fmt.Errorf("%w: folder hierarchy cycle at %s", model.ErrInvalidPlaybook, cur)
		}
		seen[cur] = true

		parent, err := get(ctx, cur)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: parent %s does not exist", model.ErrInvalidPlaybook, cur)
			}
			return fmt.Errorf("load parent %s: %w", cur, err)
		}
		if parent.ItemType != model.ItemGroup {
			return fmt.Errorf("%w: parent %s is not a group", model.ErrInvalidPlaybook, cur)
		}
		cur = parent.ParentID
	}
	return nil
}

func nestedTargets(steps []model.Step) []string {
	var out []string
	for _, s := range steps {
		if s.NestedPlaybookID != "" {
			out = append(out, s.NestedPlaybookID)
		}
	}
	return out
}

// StepsChanged reports whether two step lists differ structurally.
func StepsChanged(old, updated []model.Step) bool {
	if len(old) != len(updated) {
		return true
	}
	for i := range old {
		if old[i] != updated[i] {
			return true
		}
	}
	return false
}
