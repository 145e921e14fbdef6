package gateway

import (
	"encoding/json"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
)

// JSON shapes of the API. Parties travel as a type/id pair.

type taskView struct {
	ID                  string         `json:"id"`
	QueueID             string         `json:"queue_id"`
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	Status              model.Status   `json:"status"`
	Phase               model.Phase    `json:"phase"`
	Priority            int            `json:"priority"`
	Sequence            int            `json:"sequence,omitempty"`
	AssigneeType        string         `json:"assignee_type,omitempty"`
	AssigneeID          string         `json:"assignee_id,omitempty"`
	AssignedToID        string         `json:"assigned_to_id,omitempty"`
	DependsOn           []string       `json:"depends_on,omitempty"`
	DependencyOverrides []string       `json:"dependency_overrides,omitempty"`
	ApprovalRequired    bool           `json:"approval_required"`
	ApproverType        string         `json:"approver_type,omitempty"`
	ApproverID          string         `json:"approver_id,omitempty"`
	ApproverQueueID     string         `json:"approver_queue_id,omitempty"`
	ApprovedByID        string         `json:"approved_by_id,omitempty"`
	ApprovedAt          *time.Time     `json:"approved_at,omitempty"`
	PlaybookID          string         `json:"playbook_id,omitempty"`
	PlaybookRunID       string         `json:"playbook_run_id,omitempty"`
	StepID              string         `json:"step_id,omitempty"`
	RecurringTaskID     string         `json:"recurring_task_id,omitempty"`
	SourceMonitorID     string         `json:"source_monitor_id,omitempty"`
	SourceEventID       string         `json:"source_event_id,omitempty"`
	Context             map[string]any `json:"context,omitempty"`
	FailureReason       string         `json:"failure_reason,omitempty"`
	Version             int            `json:"version"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

func viewTask(t *model.Task) taskView {
	aKind, aID := model.PartyParts(t.Assignee)
	pKind, pID := model.PartyParts(t.Approver)
	return taskView{
		ID:                  t.ID,
		QueueID:             t.QueueID,
		Title:               t.Title,
		Description:         t.Description,
		Status:              t.Status,
		Phase:               t.Phase,
		Priority:            t.Priority,
		Sequence:            t.Sequence,
		AssigneeType:        aKind,
		AssigneeID:          aID,
		AssignedToID:        t.AssignedToID,
		DependsOn:           t.DependsOn,
		DependencyOverrides: t.DependencyOverrides,
		ApprovalRequired:    t.ApprovalRequired,
		ApproverType:        pKind,
		ApproverID:          pID,
		ApproverQueueID:     t.ApproverQueueID,
		ApprovedByID:        t.ApprovedByID,
		ApprovedAt:          t.ApprovedAt,
		PlaybookID:          t.PlaybookID,
		PlaybookRunID:       t.PlaybookRunID,
		StepID:              t.StepID,
		RecurringTaskID:     t.RecurringTaskID,
		SourceMonitorID:     t.SourceMonitorID,
		SourceEventID:       t.SourceEventID,
		Context:             t.Context,
		FailureReason:       t.FailureReason,
		Version:             t.Version,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		StartedAt:           t.StartedAt,
		CompletedAt:         t.CompletedAt,
	}
}

func viewTasks(tasks []*model.Task) []taskView {
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t))
	}
	return out
}

type taskRequest struct {
	QueueID          string         `json:"queue_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Priority         int            `json:"priority"`
	Sequence         int            `json:"sequence"`
	AssigneeType     string         `json:"assignee_type"`
	AssigneeID       string         `json:"assignee_id"`
	DependsOn        []string       `json:"depends_on"`
	ApprovalRequired bool           `json:"approval_required"`
	ApproverType     string         `json:"approver_type"`
	ApproverID       string         `json:"approver_id"`
	ApproverQueueID  string         `json:"approver_queue_id"`
	Context          map[string]any `json:"context"`
}

func (req taskRequest) spec() (model.TaskSpec, error) {
	assignee, err := model.ParseParty(req.AssigneeType, req.AssigneeID)
	if err != nil {
		return model.TaskSpec{}, err
	}
	approver, err := model.ParseParty(req.ApproverType, req.ApproverID)
	if err != nil {
		return model.TaskSpec{}, err
	}
	return model.TaskSpec{
		QueueID:          req.QueueID,
		Title:            req.Title,
		Description:      req.Description,
		Priority:         req.Priority,
		Sequence:         req.Sequence,
		Assignee:         assignee,
		DependsOn:        req.DependsOn,
		ApprovalRequired: req.ApprovalRequired,
		Approver:         approver,
		ApproverQueueID:  req.ApproverQueueID,
		Context:          req.Context,
	}, nil
}

// actionRequest is the optional body of a task transition.
type actionRequest struct {
	ActorID string         `json:"actor_id"`
	Note    string         `json:"note"`
	Reason  string         `json:"reason"`
	Output  map[string]any `json:"output"`
}

type queueView struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ScopeType       model.ScopeType `json:"scope_type"`
	ScopeID         string          `json:"scope_id,omitempty"`
	PriorityDefault int             `json:"priority_default"`
	AllowBots       bool            `json:"allow_bots"`
	IsSystem        bool            `json:"is_system"`
	CreatedAt       time.Time       `json:"created_at"`
}

func viewQueue(q *model.Queue) queueView {
	return queueView{
		ID:              q.ID,
		Name:            q.Name,
		ScopeType:       q.ScopeType,
		ScopeID:         q.ScopeID,
		PriorityDefault: q.PriorityDefault,
		AllowBots:       q.AllowBots,
		IsSystem:        q.IsSystem,
		CreatedAt:       q.CreatedAt,
	}
}

type queueRequest struct {
	Name            string          `json:"name"`
	ScopeType       model.ScopeType `json:"scope_type"`
	ScopeID         string          `json:"scope_id"`
	PriorityDefault int             `json:"priority_default"`
	AllowBots       bool            `json:"allow_bots"`
}

type teamView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	QueueID   string    `json:"queue_id"`
	CreatedAt time.Time `json:"created_at"`
}

type memberView struct {
	TeamID   string           `json:"team_id"`
	UserID   string           `json:"user_id"`
	Role     model.MemberRole `json:"role"`
	JoinedAt time.Time        `json:"joined_at"`
}

type playbookView struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	ItemType       model.ItemType `json:"item_type"`
	ParentID       string         `json:"parent_id,omitempty"`
	OrderIndex     int            `json:"order_index"`
	DefaultQueueID string         `json:"default_queue_id,omitempty"`
	Steps          []model.Step   `json:"steps"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func viewPlaybook(pb *model.Playbook) playbookView {
	steps := pb.Steps
	if steps == nil {
		steps = []model.Step{}
	}
	return playbookView{
		ID:             pb.ID,
		Name:           pb.Name,
		Description:    pb.Description,
		ItemType:       pb.ItemType,
		ParentID:       pb.ParentID,
		OrderIndex:     pb.OrderIndex,
		DefaultQueueID: pb.DefaultQueueID,
		Steps:          steps,
		Version:        pb.Version,
		CreatedAt:      pb.CreatedAt,
		UpdatedAt:      pb.UpdatedAt,
	}
}

type playbookRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	ItemType       model.ItemType `json:"item_type"`
	ParentID       string         `json:"parent_id"`
	OrderIndex     int            `json:"order_index"`
	DefaultQueueID string         `json:"default_queue_id"`
	Steps          []model.Step   `json:"steps"`
}

func (req playbookRequest) playbook(id string) *model.Playbook {
	return &model.Playbook{
		ID:             id,
		Name:           req.Name,
		Description:    req.Description,
		ItemType:       req.ItemType,
		ParentID:       req.ParentID,
		OrderIndex:     req.OrderIndex,
		DefaultQueueID: req.DefaultQueueID,
		Steps:          req.Steps,
	}
}

type versionView struct {
	Version   int          `json:"version"`
	Name      string       `json:"name"`
	Steps     []model.Step `json:"steps"`
	CreatedAt time.Time    `json:"created_at"`
}

type stepResponseView struct {
	ID            string           `json:"id"`
	TaskID        string           `json:"task_id,omitempty"`
	StepID        string           `json:"step_id"`
	Status        model.StepStatus `json:"status"`
	Attempt       int              `json:"attempt"`
	OutputData    map[string]any   `json:"output_data,omitempty"`
	CompletedByID string           `json:"completed_by_id,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

type runView struct {
	ID              string             `json:"id"`
	PlaybookID      string             `json:"playbook_id"`
	PlaybookVersion int                `json:"playbook_version"`
	Status          model.RunStatus    `json:"status"`
	Frontier        int                `json:"frontier"`
	Input           map[string]any     `json:"input,omitempty"`
	ParentRunID     string             `json:"parent_run_id,omitempty"`
	ParentTaskID    string             `json:"parent_task_id,omitempty"`
	SourceMonitorID string             `json:"source_monitor_id,omitempty"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	Steps           []stepResponseView `json:"steps,omitempty"`
}

func viewRun(run *model.PlaybookRun, responses []*model.StepResponse) runView {
	v := runView{
		ID:              run.ID,
		PlaybookID:      run.PlaybookID,
		PlaybookVersion: run.PlaybookVersion,
		Status:          run.Status,
		Frontier:        run.Frontier,
		Input:           run.Input,
		ParentRunID:     run.ParentRunID,
		ParentTaskID:    run.ParentTaskID,
		SourceMonitorID: run.SourceMonitorID,
		FailureReason:   run.FailureReason,
		CreatedAt:       run.CreatedAt,
		CompletedAt:     run.CompletedAt,
	}
	for _, sr := range responses {
		v.Steps = append(v.Steps, stepResponseView{
			ID:            sr.ID,
			TaskID:        sr.TaskID,
			StepID:        sr.StepID,
			Status:        sr.Status,
			Attempt:       sr.Attempt,
			OutputData:    sr.OutputData,
			CompletedByID: sr.CompletedByID,
			CompletedAt:   sr.CompletedAt,
		})
	}
	return v
}

type templateJSON struct {
	QueueID          string `json:"queue_id,omitempty"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Priority         int    `json:"priority,omitempty"`
	AssigneeType     string `json:"assignee_type,omitempty"`
	AssigneeID       string `json:"assignee_id,omitempty"`
	ApprovalRequired bool   `json:"approval_required,omitempty"`
	ApproverType     string `json:"approver_type,omitempty"`
	ApproverID       string `json:"approver_id,omitempty"`
}

type ruleJSON struct {
	Type           model.RecurrenceType `json:"type"`
	Interval       int                  `json:"interval,omitempty"`
	DaysOfWeek     []int                `json:"days_of_week,omitempty"`
	DayOfMonth     int                  `json:"day_of_month,omitempty"`
	CronExpression string               `json:"cron_expression,omitempty"`
	Timezone       string               `json:"timezone,omitempty"`
	StartDate      time.Time            `json:"start_date"`
	EndDate        *time.Time           `json:"end_date,omitempty"`
}

type recurringView struct {
	ID                string       `json:"id"`
	Template          templateJSON `json:"template"`
	Rule              ruleJSON     `json:"rule"`
	NextRun           *time.Time   `json:"next_run,omitempty"`
	LastRun           *time.Time   `json:"last_run,omitempty"`
	IsActive          bool         `json:"is_active"`
	MaxRetries        int          `json:"max_retries"`
	FailureCount      int          `json:"failure_count"`
	LastError         string       `json:"last_error,omitempty"`
	CreatedTasksCount int          `json:"created_tasks_count"`
	CreatedAt         time.Time    `json:"created_at"`
}

func viewRecurring(rt *model.RecurringTask) recurringView {
	aKind, aID := model.PartyParts(rt.Template.Assignee)
	pKind, pID := model.PartyParts(rt.Template.Approver)
	return recurringView{
		ID: rt.ID,
		Template: templateJSON{
			QueueID:          rt.Template.QueueID,
			Title:            rt.Template.Title,
			Description:      rt.Template.Description,
			Priority:         rt.Template.Priority,
			AssigneeType:     aKind,
			AssigneeID:       aID,
			ApprovalRequired: rt.Template.ApprovalRequired,
			ApproverType:     pKind,
			ApproverID:       pID,
		},
		Rule: ruleJSON{
			Type:           rt.Rule.Type,
			Interval:       rt.Rule.Interval,
			DaysOfWeek:     rt.Rule.DaysOfWeek,
			DayOfMonth:     rt.Rule.DayOfMonth,
			CronExpression: rt.Rule.CronExpression,
			Timezone:       rt.Rule.Timezone,
			StartDate:      rt.Rule.StartDate,
			EndDate:        rt.Rule.EndDate,
		},
		NextRun:           rt.NextRun,
		LastRun:           rt.LastRun,
		IsActive:          rt.IsActive,
		MaxRetries:        rt.MaxRetries,
		FailureCount:      rt.FailureCount,
		LastError:         rt.LastError,
		CreatedTasksCount: rt.CreatedTasksCount,
		CreatedAt:         rt.CreatedAt,
	}
}

type recurringRequest struct {
	Template   templateJSON `json:"template"`
	Rule       ruleJSON     `json:"rule"`
	MaxRetries *int         `json:"max_retries"`
}

func (req recurringRequest) parts() (model.TaskTemplate, model.RecurrenceRule, error) {
	assignee, err := model.ParseParty(req.Template.AssigneeType, req.Template.AssigneeID)
	if err != nil {
		return model.TaskTemplate{}, model.RecurrenceRule{}, err
	}
	approver, err := model.ParseParty(req.Template.ApproverType, req.Template.ApproverID)
	if err != nil {
		return model.TaskTemplate{}, model.RecurrenceRule{}, err
	}
	tmpl := model.TaskTemplate{
		QueueID:          req.Template.QueueID,
		Title:            req.Template.Title,
		Description:      req.Template.Description,
		Priority:         req.Template.Priority,
		Assignee:         assignee,
		ApprovalRequired: req.Template.ApprovalRequired,
		Approver:         approver,
	}
	rule := model.RecurrenceRule{
		Type:           req.Rule.Type,
		Interval:       req.Rule.Interval,
		DaysOfWeek:     req.Rule.DaysOfWeek,
		DayOfMonth:     req.Rule.DayOfMonth,
		CronExpression: req.Rule.CronExpression,
		Timezone:       req.Rule.Timezone,
		StartDate:      req.Rule.StartDate,
		EndDate:        req.Rule.EndDate,
	}
	return tmpl, rule, nil
}

type monitorView struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	Provider            model.Provider       `json:"provider"`
	ConnectionID        string               `json:"connection_id,omitempty"`
	Config              model.ProviderConfig `json:"config"`
	PlaybookID          string               `json:"playbook_id,omitempty"`
	QueueID             string               `json:"queue_id,omitempty"`
	PollIntervalSeconds int                  `json:"poll_interval_seconds"`
	Status              model.MonitorStatus  `json:"status"`
	LastError           string               `json:"last_error,omitempty"`
	PollCursor          string               `json:"poll_cursor,omitempty"`
	LastPolledAt        *time.Time           `json:"last_polled_at,omitempty"`
	EventsDetected      int                  `json:"events_detected"`
	PlaybooksTriggered  int                  `json:"playbooks_triggered"`
	TasksCreated        int                  `json:"tasks_created"`
	CreatedAt           time.Time            `json:"created_at"`
}

func viewMonitor(m *model.Monitor) monitorView {
	return monitorView{
		ID:                  m.ID,
		Name:                m.Name,
		Provider:            m.Provider,
		ConnectionID:        m.ConnectionID,
		Config:              m.Config,
		PlaybookID:          m.PlaybookID,
		QueueID:             m.QueueID,
		PollIntervalSeconds: m.PollIntervalSeconds,
		Status:              m.Status,
		LastError:           m.LastError,
		PollCursor:          m.PollCursor,
		LastPolledAt:        m.LastPolledAt,
		EventsDetected:      m.EventsDetected,
		PlaybooksTriggered:  m.PlaybooksTriggered,
		TasksCreated:        m.TasksCreated,
		CreatedAt:           m.CreatedAt,
	}
}

type monitorRequest struct {
	Name                string          `json:"name"`
	Provider            model.Provider  `json:"provider"`
	ConnectionID        string          `json:"connection_id"`
	Config              json.RawMessage `json:"config"`
	PlaybookID          string          `json:"playbook_id"`
	QueueID             string          `json:"queue_id"`
	PollIntervalSeconds int             `json:"poll_interval_seconds"`
}

type monitorEventView struct {
	ID              string         `json:"id"`
	ProviderEventID string         `json:"provider_event_id"`
	EventType       string         `json:"event_type"`
	EventData       map[string]any `json:"event_data,omitempty"`
	Processed       bool           `json:"processed"`
	TaskID          string         `json:"task_id,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
