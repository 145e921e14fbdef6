package recurrence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
)

// fakeBackend keeps rules in memory and applies the same bookkeeping the
// orchestrator does inside its materialization transaction.
type fakeBackend struct {
	mu       sync.Mutex
	rules    map[string]*model.RecurringTask
	tasks    []*model.Task
	failNext int
	failures map[string]int
}

func newFakeBackend(rules ...*model.RecurringTask) *fakeBackend {
	b := &fakeBackend{rules: map[string]*model.RecurringTask{}, failures: map[string]int{}}
	for _, r := range rules {
		next, ok, err := Next(r.Rule, nil)
		if err != nil {
			panic(err)
		}
		if ok {
			r.NextRun = &next
		}
		r.IsActive = true
		b.rules[r.ID] = r
	}
	return b
}

func (b *fakeBackend) ListDueRecurring(_ context.Context, now time.Time, limit int) ([]*model.RecurringTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.RecurringTask
	for _, r := range b.rules {
		if r.IsActive && r.NextRun != nil && !r.NextRun.After(now) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (b *fakeBackend) MaterializeOccurrence(_ context.Context, id string, now time.Time) (*model.Task, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.rules[id]
	if r == nil || !r.IsActive || r.NextRun == nil || r.NextRun.After(now) {
		return nil, false, nil
	}
	if b.failNext > 0 {
		b.failNext--
		return nil, false, errors.New("database is locked")
	}
	task := &model.Task{ID: fmt.Sprintf("task-%d", len(b.tasks)+1), Title: r.Template.Title, RecurringTaskID: id}
	b.tasks = append(b.tasks, task)
	r.CreatedTasksCount++
	last := *r.NextRun
	r.LastRun = &last
	next, ok, err := Next(r.Rule, &last)
	if err != nil {
		return nil, false, err
	}
	if ok {
		r.NextRun = &next
	} else {
		r.NextRun = nil
	}
	r.FailureCount = 0
	return task, true, nil
}

func (b *fakeBackend) RecordRecurringFailure(_ context.Context, id string, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[id]++
	r := b.rules[id]
	r.FailureCount++
	r.LastError = cause.Error()
	if r.FailureCount > r.MaxRetries {
		r.IsActive = false
	}
	return nil
}

func (b *fakeBackend) TriggerRecurringTask(_ context.Context, id string) (*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.rules[id]
	if r == nil {
		return nil, model.ErrNotFound
	}
	task := &model.Task{ID: fmt.Sprintf("task-%d", len(b.tasks)+1), RecurringTaskID: id}
	b.tasks = append(b.tasks, task)
	r.CreatedTasksCount++
	return task, nil
}

func dailyRule(id string, start time.Time) *model.RecurringTask {
	return &model.RecurringTask{
		ID:         id,
		Template:   model.TaskTemplate{Title: "standup notes"},
		Rule:       model.RecurrenceRule{Type: model.RecurDaily, Interval: 1, StartDate: start},
		MaxRetries: 2,
	}
}

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestSchedulerCatchesUpAcrossRestart(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	backend := newFakeBackend(dailyRule("r1", start))
	now := start.Add(3*24*time.Hour + time.Hour)

	s := NewScheduler(backend, WithClock(fixedClock(&now)))
	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 4 {
		t.Fatalf("first tick created %d tasks, want 4", n)
	}

	// A fresh scheduler over the same persisted state must not repeat work.
	restarted := NewScheduler(backend, WithClock(fixedClock(&now)))
	if n, _ := restarted.Tick(context.Background()); n != 0 {
		t.Errorf("restarted tick created %d tasks, want 0", n)
	}

	now = now.Add(24 * time.Hour)
	if n, _ := restarted.Tick(context.Background()); n != 1 {
		t.Errorf("next-day tick created %d tasks, want 1", n)
	}

	r := backend.rules["r1"]
	if r.CreatedTasksCount != 5 || len(backend.tasks) != 5 {
		t.Errorf("created_tasks_count = %d, tasks = %d, want 5", r.CreatedTasksCount, len(backend.tasks))
	}
	wantNext := start.Add(5 * 24 * time.Hour)
	if r.NextRun == nil || !r.NextRun.Equal(wantNext) {
		t.Errorf("next_run = %v, want %v", r.NextRun, wantNext)
	}
}

func TestSchedulerStopsAtEndDate(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rule := dailyRule("r1", start)
	end := start.Add(2 * 24 * time.Hour)
	rule.Rule.EndDate = &end
	backend := newFakeBackend(rule)

	now := start.Add(30 * 24 * time.Hour)
	s := NewScheduler(backend, WithClock(fixedClock(&now)))
	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 3 {
		t.Errorf("created %d tasks, want 3", n)
	}
	if backend.rules["r1"].NextRun != nil {
		t.Errorf("next_run = %v, want cleared", backend.rules["r1"].NextRun)
	}
}

func TestSchedulerRecordsFailureAndKeepsNextRun(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	backend := newFakeBackend(dailyRule("r1", start))
	backend.failNext = 1
	now := start.Add(time.Minute)

	s := NewScheduler(backend, WithClock(fixedClock(&now)))
	if n, _ := s.Tick(context.Background()); n != 0 {
		t.Fatalf("created %d tasks on failing tick, want 0", n)
	}
	r := backend.rules["r1"]
	if backend.failures["r1"] != 1 || r.FailureCount != 1 || r.LastError == "" {
		t.Errorf("failure not recorded: count=%d last_error=%q", r.FailureCount, r.LastError)
	}
	if r.NextRun == nil || !r.NextRun.Equal(start) {
		t.Errorf("next_run moved to %v on failure", r.NextRun)
	}

	if n, _ := s.Tick(context.Background()); n != 1 {
		t.Errorf("retry tick created %d tasks, want 1", n)
	}
	if r.FailureCount != 0 {
		t.Errorf("failure_count = %d after success, want 0", r.FailureCount)
	}
}

func TestSchedulerDeactivatesAfterRetries(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	backend := newFakeBackend(dailyRule("r1", start))
	backend.failNext = 10
	now := start.Add(time.Minute)

	s := NewScheduler(backend, WithClock(fixedClock(&now)))
	for i := 0; i < 5; i++ {
		_, _ = s.Tick(context.Background())
	}
	r := backend.rules["r1"]
	if r.IsActive {
		t.Error("rule still active after exhausting retries")
	}
	if backend.failures["r1"] != r.MaxRetries+1 {
		t.Errorf("failures = %d, want %d", backend.failures["r1"], r.MaxRetries+1)
	}
}

func TestSchedulerConcurrentTicksDoNotDuplicate(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var rules []*model.RecurringTask
	for i := 0; i < 5; i++ {
		rules = append(rules, dailyRule(fmt.Sprintf("r%d", i), start))
	}
	backend := newFakeBackend(rules...)
	now := start.Add(2*24*time.Hour + time.Minute)
	s := NewScheduler(backend, WithClock(fixedClock(&now)), WithConcurrency(3))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Tick(context.Background())
		}()
	}
	wg.Wait()

	if len(backend.tasks) != 15 {
		t.Errorf("tasks = %d, want 15", len(backend.tasks))
	}
}

func TestSchedulerTrigger(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	backend := newFakeBackend(dailyRule("r1", start))
	s := NewScheduler(backend)

	task, err := s.Trigger(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if task.RecurringTaskID != "r1" {
		t.Errorf("task not linked to rule: %+v", task)
	}
	r := backend.rules["r1"]
	if r.CreatedTasksCount != 1 || !r.NextRun.Equal(start) {
		t.Errorf("count=%d next_run=%v, want 1 and unchanged", r.CreatedTasksCount, r.NextRun)
	}

	if _, err := s.Trigger(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Trigger(missing) err = %v, want ErrNotFound", err)
	}
}

func TestSchedulerStartStopsOnCancel(t *testing.T) {
	backend := newFakeBackend()
	s := NewScheduler(backend, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
