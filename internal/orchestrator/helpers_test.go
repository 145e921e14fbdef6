package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/store"
)

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *store.Store
	clock  *clock
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	c := &clock{now: t0}
	rec := &recorder{}
	svc := New(st,
		WithClock(c.Now),
		WithNotifier(rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &fixture{svc: svc, store: st, clock: c, events: rec}
}

func (f *fixture) queue(t *testing.T, name string) *model.Queue {
	t.Helper()
	q, err := f.svc.CreateQueue(context.Background(), model.Queue{Name: name})
	if err != nil {
		t.Fatalf("CreateQueue(%s): %v", name, err)
	}
	return q
}

func (f *fixture) task(t *testing.T, spec model.TaskSpec) *model.Task {
	t.Helper()
	task, err := f.svc.CreateTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", spec.Title, err)
	}
	return task
}

// finish checks a task out and completes it as actor.
func (f *fixture) finish(t *testing.T, id, actor string) *model.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.CheckOut(ctx, id, actor); err != nil {
		t.Fatalf("CheckOut(%s): %v", id, err)
	}
	task, err := f.svc.Complete(ctx, id, actor, nil)
	if err != nil {
		t.Fatalf("Complete(%s): %v", id, err)
	}
	return task
}

func (f *fixture) get(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := f.svc.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return task
}

func (f *fixture) runTasks(t *testing.T, runID string) []*model.Task {
	t.Helper()
	tasks, err := f.svc.ListTasks(context.Background(), model.TaskFilter{RunID: runID})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	return tasks
}

// openStepTask returns the unfinished task for stepID in a run.
func (f *fixture) openStepTask(t *testing.T, runID, stepID string) *model.Task {
	t.Helper()
	for _, task := range f.runTasks(t, runID) {
		if task.StepID == stepID && !task.Phase.IsTerminal() {
			return task
		}
	}
	t.Fatalf("no open task for step %s in run %s", stepID, runID)
	return nil
}

func stepIDs(tasks []*model.Task) map[string]int {
	out := map[string]int{}
	for _, task := range tasks {
		out[task.StepID]++
	}
	return out
}
