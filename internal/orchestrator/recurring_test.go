package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/recurrence"
)

func (f *fixture) recurring(t *testing.T, queueID string, rule model.RecurrenceRule, maxRetries int) *model.RecurringTask {
	t.Helper()
	rt, err := f.svc.CreateRecurringTask(context.Background(),
		model.TaskTemplate{QueueID: queueID, Title: "standup notes", Priority: 2}, rule, maxRetries)
	if err != nil {
		t.Fatalf("CreateRecurringTask: %v", err)
	}
	return rt
}

func TestCreateRecurringTaskSchedulesFirstOccurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.queue(t, "ops")

	rt := f.recurring(t, q.ID, model.RecurrenceRule{Type: model.RecurDaily, StartDate: t0}, 3)
	if !rt.IsActive || rt.NextRun == nil || !rt.NextRun.Equal(t0) {
		t.Fatalf("rt = active %v next %v, want first occurrence at start", rt.IsActive, rt.NextRun)
	}

	if _, err := f.svc.CreateRecurringTask(ctx, model.TaskTemplate{QueueID: q.ID}, model.RecurrenceRule{Type: model.RecurDaily, StartDate: t0}, 3); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("missing title err = %v", err)
	}
	if _, err := f.svc.CreateRecurringTask(ctx, model.TaskTemplate{Title: "x", QueueID: q.ID}, model.RecurrenceRule{Type: model.RecurDaily, StartDate: t0}, -1); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("negative retries err = %v", err)
	}
	if _, err := f.svc.CreateRecurringTask(ctx, model.TaskTemplate{Title: "x"}, model.RecurrenceRule{Type: model.RecurDaily, StartDate: t0}, 3); !errors.Is(err, model.ErrUnresolvableAssignment) {
		t.Errorf("no queue err = %v", err)
	}
	if _, err := f.svc.CreateRecurringTask(ctx, model.TaskTemplate{Title: "x", QueueID: q.ID}, model.RecurrenceRule{Type: "hourly", StartDate: t0}, 3); !errors.Is(err, model.ErrInvalidRecurrence) {
		t.Errorf("unknown type err = %v", err)
	}
}

func TestCreateRecurringTaskWithBadCronIsInactive(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, "ops")

	rt := f.recurring(t, q.ID, model.RecurrenceRule{Type: model.RecurCustom, CronExpression: "61 * * * *", StartDate: t0}, 3)
	if rt.IsActive || rt.NextRun != nil || !strings.Contains(rt.LastError, "cron") {
		t.Errorf("rt = active %v next %v error %q", rt.IsActive, rt.NextRun, rt.LastError)
	}

	rt = f.recurring(t, q.ID, model.RecurrenceRule{Type: model.RecurDaily, Timezone: "Mars/Olympus", StartDate: t0}, 3)
	if rt.IsActive || rt.LastError == "" {
		t.Errorf("unknown timezone rt = active %v error %q", rt.IsActive, rt.LastError)
	}
}

func TestMaterializeOccurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.queue(t, "ops")
	rt := f.recurring(t, q.ID, model.RecurrenceRule{Type: model.RecurDaily, StartDate: t0}, 3)

	if _, ok, err := f.svc.MaterializeOccurrence(ctx, rt.ID, t0.Add(-time.Minute)); err != nil || ok {
		t.Fatalf("early materialize ok=%v err=%v", ok, err)
	}
	task, ok, err := f.svc.MaterializeOccurrence(ctx, rt.ID, t0)
	if err != nil || !ok {
		t.Fatalf("MaterializeOccurrence ok=%v err=%v", ok, err)
	}
	if task.RecurringTaskID != rt.ID || task.Priority != 2 || task.QueueID != q.ID {
		t.Errorf("task = %+v", task)
	}

	got, err := f.svc.GetRecurringTask(ctx, rt.ID)
	if err != nil {
		t.Fatalf("GetRecurringTask: %v", err)
	}
	if got.CreatedTasksCount != 1 || !got.LastRun.Equal(t0) || !got.NextRun.Equal(t0.AddDate(0, 0, 1)) {
		t.Errorf("rt = count %d last %v next %v", got.CreatedTasksCount, got.LastRun, got.NextRun)
	}
	if _, ok, _ := f.svc.MaterializeOccurrence(ctx, rt.ID, t0); ok {
		t.Error("same occurrence materialized twice")
	}
}

func TestSchedulerOverServiceCatchesUpAcrossRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.queue(t, "ops")
	rt := f.recurring(t, q.ID, model.RecurrenceRule{Type: model.RecurDaily, StartDate: t0}, 3)

	now := t0.AddDate(0, 0, 3).Add(time.Hour)
	sched := recurrence.NewScheduler(f.svc, recurrence.WithClock(func() time.Time { return now }))
	created, err := sched.Tick(ctx)
	if err != nil || created != 4 {
		t.Fatalf("first tick created %d err %v, want 4", created, err)
	}

	// A new scheduler over the same store stands in for a restarted daemon.
	restarted := recurrence.NewScheduler(f.svc, recurrence.WithClock(func() time.Time { return now }))
	if created, _ := restarted.Tick(ctx); created != 0 {
		t.Fatalf("restart re-materialized %d occurrences", created)
	}

	got, _ := f.svc.GetRecurringTask(ctx, rt.ID)
	if got.CreatedTasksCount != 4 {
		t.Errorf("count = %d, want 4", got.CreatedTasksCount)
	}
	tasks, _ := f.svc.ListTasks(ctx, model.TaskFilter{QueueID: q.ID})
	if len(tasks) != 4 {
		t.Errorf("tasks = %d, want 4", len(tasks))
	}
}

func TestRecordRecurringFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.queue(t, "ops")
	rt := f.recurring(t, q.ID, model.RecurrenceRule{Type: model.RecurDaily, StartDate: t0}, 1)

	cause := errors.New("database is locked")
	if err := f.svc.RecordRecurringFailure(ctx, rt.ID, cause); err != nil {
		t.Fatalf("RecordRecurringFailure: %v", err)
	}
	got, _ := f.svc.GetRecurringTask(ctx, rt.ID)
	if !got.IsActive || got.FailureCount != 1 || !got.NextRun.Equal(t0) {
		t.Fatalf("after one failure rt = active %v count %d next %v", got.IsActive, got.FailureCount, got.NextRun)
	}

	if err := f.svc.RecordRecurringFailure(ctx, rt.ID, cause); err != nil {
		t.Fatalf("RecordRecurringFailure: %v", err)
	}
	got, _ = f.svc.GetRecurringTask(ctx, rt.ID)
	if got.IsActive || !strings.Contains(got.LastError, model.ErrRetriesExhausted.Error()) {
		t.Fatalf("after retries rt = active %v error %q", got.IsActive, got.LastError)
	}

	f.clock.Advance(50 * time.Hour)
	got, err := f.svc.ReactivateRecurringTask(ctx, rt.ID)
	if err != nil {
		t.Fatalf("ReactivateRecurringTask: %v", err)
	}
	want := t0.AddDate(0, 0, 3)
	if !got.IsActive || got.FailureCount != 0 || got.LastError != "" || !got.NextRun.Equal(want) {
		t.Errorf("reactivated rt = active %v count %d error %q next %v, want next %v",
			got.IsActive, got.FailureCount, got.LastError, got.NextRun, want)
	}

	got, err = f.svc.DeactivateRecurringTask(ctx, rt.ID)
	if err != nil {
		t.Fatalf("DeactivateRecurringTask: %v", err)
	}
	if got.IsActive {
		t.Error("rule still active after deactivation")
	}
}

func TestTriggerRecurringTaskLeavesSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.queue(t, "ops")
	rt := f.recurring(t, q.ID, model.RecurrenceRule{Type: model.RecurWeekly, DaysOfWeek: []int{0, 4}, StartDate: t0}, 3)

	task, err := f.svc.TriggerRecurringTask(ctx, rt.ID)
	if err != nil {
		t.Fatalf("TriggerRecurringTask: %v", err)
	}
	if task.RecurringTaskID != rt.ID {
		t.Errorf("task not linked to rule")
	}
	got, _ := f.svc.GetRecurringTask(ctx, rt.ID)
	if got.CreatedTasksCount != 1 || got.LastRun != nil || !got.NextRun.Equal(*rt.NextRun) {
		t.Errorf("rt = count %d last %v next %v", got.CreatedTasksCount, got.LastRun, got.NextRun)
	}
	if _, err := f.svc.TriggerRecurringTask(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing rule err = %v", err)
	}
}

func TestReactivateLongDormantCronRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.queue(t, "ops")
	rt := f.recurring(t, q.ID, model.RecurrenceRule{Type: model.RecurCustom, CronExpression: "* * * * *", StartDate: t0}, 3)

	if _, err := f.svc.DeactivateRecurringTask(ctx, rt.ID); err != nil {
		t.Fatalf("DeactivateRecurringTask: %v", err)
	}
	f.clock.Advance(101*24*time.Hour + 30*time.Second)

	got, err := f.svc.ReactivateRecurringTask(ctx, rt.ID)
	if err != nil {
		t.Fatalf("ReactivateRecurringTask: %v", err)
	}
	want := t0.AddDate(0, 0, 101).Add(time.Minute)
	if !got.IsActive || got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("reactivated rt = active %v next %v, want next %v", got.IsActive, got.NextRun, want)
	}
}
