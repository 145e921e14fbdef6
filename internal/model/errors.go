package model

import "errors"

// Sentinel errors shared by every component. Callers wrap them with
// fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrAlreadyClaimed         = errors.New("task already claimed")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrBlocked                = errors.New("task is blocked by unmet dependencies")
	ErrCyclicDependency       = errors.New("cyclic dependency")
	ErrCyclicNesting          = errors.New("cyclic playbook nesting")
	ErrInvalidPlaybook        = errors.New("invalid playbook")
	ErrPlaybookInUse          = errors.New("playbook is in use")
	ErrUnresolvableAssignment = errors.New("unresolvable assignment")
	ErrInvalidQueue           = errors.New("invalid queue")
	ErrQueueInUse             = errors.New("queue is in use")
	ErrTaskReferenced         = errors.New("task is referenced by other tasks")
	ErrInvalidRecurrence      = errors.New("invalid recurrence rule")
	ErrRetriesExhausted       = errors.New("retries exhausted")
	ErrMonitorPaused          = errors.New("monitor is paused")
	ErrProviderUnavailable    = errors.New("provider client unavailable")
	ErrConflict               = errors.New("concurrent modification")
)
