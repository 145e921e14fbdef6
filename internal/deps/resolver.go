// Package deps decides whether a task is gated by its upstream tasks and keeps
// dependency graphs acyclic.
package deps

import (
	"fmt"
	"slices"

	"github.com/alekspetrov/taskflow/internal/model"
)

// StatusLookup returns the status of a task and whether it exists.
type StatusLookup func(id string) (model.Status, bool)

// Satisfied reports whether a single upstream no longer gates the task.
// A failed upstream only counts when the task explicitly overrides it.
func Satisfied(task *model.Task, depID string, statusOf StatusLookup) bool {
	status, ok := statusOf(depID)
	if !ok {
		return false
	}
	switch status {
	case model.StatusCompleted:
		return true
	case model.StatusFailed:
		return slices.Contains(task.DependencyOverrides, depID)
	default:
		return false
	}
}

// Unmet returns the upstream ids that still gate the task, in declaration order.
func Unmet(task *model.Task, statusOf StatusLookup) []string {
	var unmet []string
	for _, id := range task.DependsOn {
		if !Satisfied(task, id, statusOf) {
			unmet = append(unmet, id)
		}
	}
	return unmet
}

// IsBlocked reports whether any upstream of the task is not in a success state.
func IsBlocked(task *model.Task, statusOf StatusLookup) bool {
	for _, id := range task.DependsOn {
		if !Satisfied(task, id, statusOf) {
			return true
		}
	}
	return false
}

// DepsLookup returns the upstream ids of a task.
type DepsLookup func(id string) ([]string, error)

// CheckAcyclic fails with model.ErrCyclicDependency when giving taskID the
// dependencies deps would make taskID reachable from itself.
func CheckAcyclic(taskID string, deps []string, depsOf DepsLookup) error {
	visited := make(map[string]bool)
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == taskID {
			return fmt.Errorf("%w: task %s would depend on itself", model.ErrCyclicDependency, taskID)
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		upstream, err := depsOf(id)
		if err != nil {
			return err
		}
		stack = append(stack, upstream...)
	}
	return nil
}

// Normalize drops duplicates and empty ids while keeping the first-seen order.
func Normalize(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
