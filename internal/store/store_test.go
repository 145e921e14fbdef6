package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "taskflow.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedQueue(t *testing.T, s *Store, id string, scope model.ScopeType, scopeID string) *model.Queue {
	t.Helper()
	q := &model.Queue{ID: id, Name: id, ScopeType: scope, ScopeID: scopeID, PriorityDefault: 3, CreatedAt: t0}
	if err := s.InsertQueue(context.Background(), q); err != nil {
		t.Fatalf("InsertQueue: %v", err)
	}
	return q
}

func newTask(id, queue string) *model.Task {
	return &model.Task{
		ID: id, QueueID: queue, Title: "task " + id,
		Status: model.StatusQueued, Phase: model.PhaseReady, Priority: 3,
		CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "taskflow.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_ = s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	_ = s.Close()
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedQueue(t, s, "q1", model.ScopeOrganization, "")

	up := newTask("up", "q1")
	if err := s.InsertTask(ctx, up); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	approved := t0.Add(time.Hour)
	task := newTask("down", "q1")
	task.Status, task.Phase = model.StatusBlocked, model.PhasePlanning
	task.Assignee = model.Team{ID: "ops"}
	task.Approver = model.User{ID: "lead"}
	task.ApprovalRequired = true
	task.ApprovedAt = &approved
	task.DependsOn = []string{"up"}
	task.DependencyOverrides = []string{"gone"}
	task.Context = map[string]any{"channel": "C1"}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	got, err := s.GetTask(ctx, "down")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", got.Sequence)
	}
	if got.Assignee != (model.Team{ID: "ops"}) || got.Approver != (model.User{ID: "lead"}) {
		t.Errorf("parties = %v / %v", got.Assignee, got.Approver)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "up" {
		t.Errorf("depends_on = %v", got.DependsOn)
	}
	if len(got.DependencyOverrides) != 1 || got.Context["channel"] != "C1" {
		t.Errorf("overrides = %v context = %v", got.DependencyOverrides, got.Context)
	}
	if got.ApprovedAt == nil || !got.ApprovedAt.Equal(approved) || !got.CreatedAt.Equal(t0) {
		t.Errorf("timestamps = %v / %v", got.ApprovedAt, got.CreatedAt)
	}
	if !got.ApprovalRequired || got.Version != 1 {
		t.Errorf("approval_required = %v version = %d", got.ApprovalRequired, got.Version)
	}

	dependents, err := s.Dependents(ctx, "up")
	if err != nil || len(dependents) != 1 || dependents[0] != "down" {
		t.Errorf("Dependents = %v, %v", dependents, err)
	}

	statuses, err := s.TaskStatuses(ctx, []string{"up", "down", "missing"})
	if err != nil {
		t.Fatalf("TaskStatuses: %v", err)
	}
	if len(statuses) != 2 || statuses["down"] != model.StatusBlocked {
		t.Errorf("statuses = %v", statuses)
	}

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetTask(missing) err = %v", err)
	}
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedQueue(t, s, "q1", model.ScopeOrganization, "")
	if err := s.InsertTask(ctx, newTask("t1", "q1")); err != nil {
		t.Fatal(err)
	}

	a, _ := s.GetTask(ctx, "t1")
	b, _ := s.GetTask(ctx, "t1")

	a.Title = "first writer"
	if err := s.UpdateTask(ctx, a); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version = %d, want 2", a.Version)
	}

	b.Title = "stale writer"
	if err := s.UpdateTask(ctx, b); !errors.Is(err, model.ErrConflict) {
		t.Errorf("stale update err = %v, want ErrConflict", err)
	}

	ghost := newTask("ghost", "q1")
	if err := s.UpdateTask(ctx, ghost); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing update err = %v, want ErrNotFound", err)
	}
}

func TestClaimTaskSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedQueue(t, s, "q1", model.ScopeOrganization, "")
	if err := s.InsertTask(ctx, newTask("t1", "q1")); err != nil {
		t.Fatal(err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ClaimTask(ctx, "t1", "worker", t0)
			if err != nil {
				t.Errorf("ClaimTask: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.Status != model.StatusCheckedOut || got.Phase != model.PhaseInProgress || got.AssignedToID != "worker" {
		t.Errorf("claimed task = %s/%s/%s", got.Status, got.Phase, got.AssignedToID)
	}
	if got.StartedAt == nil || got.Version != 2 {
		t.Errorf("started_at = %v version = %d", got.StartedAt, got.Version)
	}
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedQueue(t, s, "q1", model.ScopeOrganization, "")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Store) error {
		if err := tx.InsertTask(ctx, newTask("t1", "q1")); err != nil {
			return err
		}
		return tx.InTx(ctx, func(inner *Store) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("task survived rollback: %v", err)
	}

	if err := s.InTx(ctx, func(tx *Store) error { return tx.InsertTask(ctx, newTask("t2", "q1")) }); err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if _, err := s.GetTask(ctx, "t2"); err != nil {
		t.Errorf("committed task missing: %v", err)
	}
}

func TestQueuesAndTeams(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedQueue(t, s, "q-alice", model.ScopeUser, "alice")
	seedQueue(t, s, "q-ops", model.ScopeTeam, "ops")

	if err := s.InsertTeam(ctx, &model.TeamRecord{ID: "ops", Name: "Ops", QueueID: "q-ops", CreatedAt: t0}); err != nil {
		t.Fatalf("InsertTeam: %v", err)
	}
	if err := s.UpsertMember(ctx, &model.Membership{TeamID: "ops", UserID: "alice", Role: model.RoleMember, JoinedAt: t0}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}
	if err := s.UpsertMember(ctx, &model.Membership{TeamID: "ops", UserID: "alice", Role: model.RoleOwner, JoinedAt: t0}); err != nil {
		t.Fatalf("UpsertMember again: %v", err)
	}

	q, err := s.PersonalQueue(ctx, "alice")
	if err != nil || q.ID != "q-alice" {
		t.Errorf("PersonalQueue = %v, %v", q, err)
	}
	if _, err := s.PersonalQueue(ctx, "bob"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("PersonalQueue(bob) err = %v", err)
	}
	q, err = s.TeamQueue(ctx, "ops")
	if err != nil || q.ID != "q-ops" {
		t.Errorf("TeamQueue = %v, %v", q, err)
	}
	if ok, _ := s.IsTeamMember(ctx, "ops", "alice"); !ok {
		t.Error("alice should be a member")
	}
	if ok, _ := s.IsTeamMember(ctx, "ops", "bob"); ok {
		t.Error("bob should not be a member")
	}
	members, _ := s.ListMembers(ctx, "ops")
	if len(members) != 1 || members[0].Role != model.RoleOwner {
		t.Errorf("members = %+v", members)
	}

	if inUse, _ := s.QueueInUse(ctx, "q-ops"); !inUse {
		t.Error("team queue should be in use")
	}
	if inUse, _ := s.QueueInUse(ctx, "q-alice"); inUse {
		t.Error("empty personal queue should not be in use")
	}
	task := newTask("t1", "q-alice")
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if inUse, _ := s.QueueInUse(ctx, "q-alice"); !inUse {
		t.Error("queue with an open task should be in use")
	}
}

func TestMonitorEventDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := &model.Monitor{
		ID: "m1", Name: "alerts", Provider: model.ProviderSlack,
		Config:              model.SlackConfig{Channels: []string{"C1"}, Keywords: []string{"outage"}},
		PollIntervalSeconds: 60, Status: model.MonitorActive, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.InsertMonitor(ctx, m); err != nil {
		t.Fatalf("InsertMonitor: %v", err)
	}

	ev := &model.MonitorEvent{ID: "e1", MonitorID: "m1", ProviderEventID: "C1:1700.1", EventType: "message", CreatedAt: t0}
	inserted, err := s.InsertMonitorEvent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	dup := &model.MonitorEvent{ID: "e2", MonitorID: "m1", ProviderEventID: "C1:1700.1", CreatedAt: t0}
	inserted, err = s.InsertMonitorEvent(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("duplicate insert = %v, %v", inserted, err)
	}
	if err := s.LinkMonitorEvent(ctx, "e1", "task-1", ""); err != nil {
		t.Fatalf("LinkMonitorEvent: %v", err)
	}

	events, _ := s.ListMonitorEvents(ctx, "m1", 10)
	if len(events) != 1 || !events[0].Processed || events[0].TaskID != "task-1" {
		t.Errorf("events = %+v", events)
	}

	got, err := s.GetMonitor(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	cfg, ok := got.Config.(model.SlackConfig)
	if !ok || cfg.Keywords[0] != "outage" {
		t.Errorf("config = %#v", got.Config)
	}
}

func TestMonitorPollBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := &model.Monitor{
		ID: "m1", Name: "repo", Provider: model.ProviderGitHub, Config: model.GitHubConfig{Repo: "o/r"},
		PollIntervalSeconds: 60, Status: model.MonitorActive, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.InsertMonitor(ctx, m); err != nil {
		t.Fatal(err)
	}

	if err := s.RecordPollFailure(ctx, "m1", "rate limited", t0); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetMonitor(ctx, "m1")
	if got.Status != model.MonitorError || got.LastError != "rate limited" || got.PollCursor != "" {
		t.Errorf("after failure: %s %q %q", got.Status, got.LastError, got.PollCursor)
	}

	if err := s.RecordPollSuccess(ctx, "m1", "42", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetMonitor(ctx, "m1")
	if got.Status != model.MonitorActive || got.LastError != "" || got.PollCursor != "42" {
		t.Errorf("after success: %s %q %q", got.Status, got.LastError, got.PollCursor)
	}

	if err := s.SetMonitorStatus(ctx, "m1", model.MonitorPaused, "", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordPollSuccess(ctx, "m1", "43", t0.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetMonitor(ctx, "m1")
	if got.Status != model.MonitorPaused {
		t.Errorf("pause lost by concurrent poll: %s", got.Status)
	}

	if err := s.IncrementMonitorCounters(ctx, "m1", 2, 1, 1); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetMonitor(ctx, "m1")
	if got.EventsDetected != 2 || got.PlaybooksTriggered != 1 || got.TasksCreated != 1 {
		t.Errorf("counters = %d/%d/%d", got.EventsDetected, got.PlaybooksTriggered, got.TasksCreated)
	}

	due, _ := s.ListPollableMonitors(ctx, t0.Add(time.Hour))
	if len(due) != 0 {
		t.Errorf("paused monitor listed as pollable")
	}
}

func TestRecurringDueAndConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	next := t0
	later := t0.Add(24 * time.Hour)
	rules := []*model.RecurringTask{
		{ID: "due", NextRun: &next, IsActive: true},
		{ID: "later", NextRun: &later, IsActive: true},
		{ID: "inactive", NextRun: &next, IsActive: false},
	}
	for _, rt := range rules {
		rt.Template = model.TaskTemplate{Title: rt.ID, Assignee: model.User{ID: "alice"}}
		rt.Rule = model.RecurrenceRule{Type: model.RecurWeekly, DaysOfWeek: []int{0, 4}, Timezone: "Europe/Berlin", StartDate: t0}
		rt.CreatedAt, rt.UpdatedAt = t0, t0
		if err := s.InsertRecurring(ctx, rt); err != nil {
			t.Fatalf("InsertRecurring: %v", err)
		}
	}

	due, err := s.ListDueRecurring(ctx, t0.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListDueRecurring: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("due = %v", due)
	}
	got := due[0]
	if len(got.Rule.DaysOfWeek) != 2 || got.Rule.Timezone != "Europe/Berlin" || got.Template.Assignee != (model.User{ID: "alice"}) {
		t.Errorf("rule = %+v template = %+v", got.Rule, got.Template)
	}

	stale, _ := s.GetRecurring(ctx, "due")
	got.CreatedTasksCount = 1
	if err := s.UpdateRecurring(ctx, got); err != nil {
		t.Fatalf("UpdateRecurring: %v", err)
	}
	stale.CreatedTasksCount = 1
	if err := s.UpdateRecurring(ctx, stale); !errors.Is(err, model.ErrConflict) {
		t.Errorf("stale update err = %v, want ErrConflict", err)
	}
}

func TestPlaybookRunAndResponses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pb := &model.Playbook{
		ID: "pb1", Name: "Onboarding", ItemType: model.ItemPlaybook, Version: 1,
		Steps: []model.Step{
			{ID: "s1", Name: "Laptop", Order: 1, Assignee: model.Team{ID: "it"}},
			{ID: "s2", Name: "Accounts", Order: 2, ApprovalRequired: true, Approver: model.Anyone{}},
		},
		CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.InsertPlaybook(ctx, pb); err != nil {
		t.Fatalf("InsertPlaybook: %v", err)
	}
	if err := s.InsertPlaybookVersion(ctx, &model.PlaybookVersion{PlaybookID: "pb1", Version: 1, Name: pb.Name, Steps: pb.Steps, CreatedAt: t0}); err != nil {
		t.Fatalf("InsertPlaybookVersion: %v", err)
	}

	got, err := s.GetPlaybook(ctx, "pb1")
	if err != nil {
		t.Fatalf("GetPlaybook: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[0].Assignee != (model.Team{ID: "it"}) || got.Steps[1].Approver != (model.Anyone{}) {
		t.Errorf("steps = %+v", got.Steps)
	}
	versions, _ := s.ListPlaybookVersions(ctx, "pb1")
	if len(versions) != 1 || len(versions[0].Steps) != 2 {
		t.Errorf("versions = %+v", versions)
	}

	run := &model.PlaybookRun{
		ID: "r1", PlaybookID: "pb1", PlaybookVersion: 1, Steps: pb.Steps,
		Input: map[string]any{"hire": "sam"}, Status: model.RunRunning, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	if active, _ := s.PlaybookHasActiveRuns(ctx, "pb1"); !active {
		t.Error("run should be active")
	}

	sr := &model.StepResponse{ID: "sr1", RunID: "r1", TaskID: "t1", StepID: "s1", Status: model.StepPending, Attempt: 1, CreatedAt: t0, UpdatedAt: t0}
	if err := s.InsertStepResponse(ctx, sr); err != nil {
		t.Fatalf("InsertStepResponse: %v", err)
	}
	sr.Status = model.StepCompleted
	sr.CompletedByID = "alice"
	sr.OutputData = map[string]any{"serial": "X1"}
	if err := s.UpdateStepResponse(ctx, sr); err != nil {
		t.Fatalf("UpdateStepResponse: %v", err)
	}
	loaded, err := s.StepResponseForTask(ctx, "t1")
	if err != nil {
		t.Fatalf("StepResponseForTask: %v", err)
	}
	if loaded.Status != model.StepCompleted || loaded.OutputData["serial"] != "X1" {
		t.Errorf("response = %+v", loaded)
	}

	run.Status = model.RunCompleted
	done := t0.Add(time.Hour)
	run.CompletedAt = &done
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	gotRun, _ := s.GetRun(ctx, "r1")
	if gotRun.Status != model.RunCompleted || gotRun.Input["hire"] != "sam" || gotRun.CompletedAt == nil {
		t.Errorf("run = %+v", gotRun)
	}
}
