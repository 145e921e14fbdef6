package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemType distinguishes executable playbooks from folder groups.
type ItemType string

const (
	ItemPlaybook ItemType = "playbook"
	ItemGroup    ItemType = "group"
)

// Step is one entry of a playbook template.
type Step struct {
	ID               string
	Name             string
	Description      string
	Order            int
	Assignee         Party
	QueueID          string
	ApprovalRequired bool
	Approver         Party
	ParallelGroup    string
	NestedPlaybookID string
	MaxRetries       int
}

type stepJSON struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Order            int    `json:"order"`
	AssigneeType     string `json:"assignee_type,omitempty"`
	AssigneeID       string `json:"assignee_id,omitempty"`
	QueueID          string `json:"queue_id,omitempty"`
	ApprovalRequired bool   `json:"approval_required,omitempty"`
	ApproverType     string `json:"approver_type,omitempty"`
	ApproverID       string `json:"approver_id,omitempty"`
	ParallelGroup    string `json:"parallel_group,omitempty"`
	NestedPlaybookID string `json:"nested_playbook_id,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty"`
}

// MarshalJSON flattens the assignee and approver parties.
func (s Step) MarshalJSON() ([]byte, error) {
	aKind, aID := PartyParts(s.Assignee)
	pKind, pID := PartyParts(s.Approver)
	return json.Marshal(stepJSON{
		ID:               s.ID,
		Name:             s.Name,
		Description:      s.Description,
		Order:            s.Order,
		AssigneeType:     aKind,
		AssigneeID:       aID,
		QueueID:          s.QueueID,
		ApprovalRequired: s.ApprovalRequired,
		ApproverType:     pKind,
		ApproverID:       pID,
		ParallelGroup:    s.ParallelGroup,
		NestedPlaybookID: s.NestedPlaybookID,
		MaxRetries:       s.MaxRetries,
	})
}

// UnmarshalJSON rebuilds the assignee and approver parties.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	assignee, err := ParseParty(raw.AssigneeType, raw.AssigneeID)
	if err != nil {
		return fmt.Errorf("step %s assignee: %w", raw.ID, err)
	}
	approver, err := ParseParty(raw.ApproverType, raw.ApproverID)
	if err != nil {
		return fmt.Errorf("step %s approver: %w", raw.ID, err)
	}
	*s = Step{
		ID:               raw.ID,
		Name:             raw.Name,
		Description:      raw.Description,
		Order:            raw.Order,
		Assignee:         assignee,
		QueueID:          raw.QueueID,
		ApprovalRequired: raw.ApprovalRequired,
		Approver:         approver,
		ParallelGroup:    raw.ParallelGroup,
		NestedPlaybookID: raw.NestedPlaybookID,
		MaxRetries:       raw.MaxRetries,
	}
	return nil
}

// Playbook is a reusable, versioned workflow template or a folder group.
type Playbook struct {
	ID             string
	Name           string
	Description    string
	ItemType       ItemType
	ParentID       string
	OrderIndex     int
	DefaultQueueID string
	Steps          []Step
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PlaybookVersion is an immutable snapshot kept in the playbook history.
type PlaybookVersion struct {
	PlaybookID string
	Version    int
	Name       string
	Steps      []Step
	CreatedAt  time.Time
}

// RunStatus is the state of a playbook run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// PlaybookRun is one execution of a playbook version.
type PlaybookRun struct {
	ID              string
	PlaybookID      string
	PlaybookVersion int
	Steps           []Step
	DefaultQueueID  string
	Input           map[string]any
	Status          RunStatus
	Frontier        int
	ParentRunID     string
	ParentTaskID    string
	SourceMonitorID string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// StepStatus is the execution state of one step in a run.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
)

// Done reports whether the step no longer holds its frontier open.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

// StepResponse records the execution of one step for one task.
type StepResponse struct {
	ID            string
	RunID         string
	TaskID        string
	StepID        string
	Status        StepStatus
	Attempt       int
	OutputData    map[string]any
	CompletedByID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}
