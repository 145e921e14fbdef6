// Package model holds the entities shared by the orchestration core.
package model

import "time"

// Status is the coarse task state exposed to queues.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusBlocked    Status = "blocked"
	StatusCheckedOut Status = "checked_out"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase is the fine-grained lifecycle position of a task.
type Phase string

const (
	PhasePlanning             Phase = "planning"
	PhaseReady                Phase = "ready"
	PhaseInProgress           Phase = "in_progress"
	PhasePendingReview        Phase = "pending_review"
	PhaseInReview             Phase = "in_review"
	PhaseChangesRequested     Phase = "changes_requested"
	PhaseApproved             Phase = "approved"
	PhaseWaitingOnSubplaybook Phase = "waiting_on_subplaybook"
	PhaseCompleted            Phase = "completed"
	PhaseFailed               Phase = "failed"
)

// IsTerminal reports whether the phase is completed or failed.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Task is a unit of work.
type Task struct {
	ID          string
	QueueID     string
	Title       string
	Description string
	Status      Status
	Phase       Phase
	Priority    int
	Sequence    int

	Assignee     Party
	AssignedToID string

	DependsOn           []string
	DependencyOverrides []string

	ApprovalRequired bool
	Approver         Party
	ApproverQueueID  string
	ApprovedByID     string
	ApprovedAt       *time.Time

	PlaybookID      string
	PlaybookRunID   string
	StepID          string
	RecurringTaskID string
	SourceMonitorID string
	SourceEventID   string

	Context       map[string]any
	FailureReason string

	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy of the slices and maps owned by the task.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.DependencyOverrides = append([]string(nil), t.DependencyOverrides...)
	if t.Context != nil {
		c.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// TaskSpec is the input for task creation.
type TaskSpec struct {
	QueueID          string
	DefaultQueueID   string
	Title            string
	Description      string
	Priority         int
	Sequence         int
	Assignee         Party
	DependsOn        []string
	ApprovalRequired bool
	Approver         Party
	ApproverQueueID  string

	PlaybookID      string
	PlaybookRunID   string
	StepID          string
	RecurringTaskID string
	SourceMonitorID string
	SourceEventID   string
	Context         map[string]any
}

// TaskFilter narrows task listings. Zero fields match everything.
type TaskFilter struct {
	QueueID      string
	Status       Status
	Phase        Phase
	AssignedToID string
	RunID        string
	Limit        int
}
