package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alekspetrov/taskflow/internal/lock"
	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/model"
)

// Backend is the slice of the orchestrator the scheduler drives.
type Backend interface {
	ListDueRecurring(ctx context.Context, now time.Time, limit int) ([]*model.RecurringTask, error)
	// MaterializeOccurrence creates the task for the rule's current next_run
	// if it is due at now. It reports false when nothing was due.
	MaterializeOccurrence(ctx context.Context, id string, now time.Time) (*model.Task, bool, error)
	RecordRecurringFailure(ctx context.Context, id string, cause error) error
	TriggerRecurringTask(ctx context.Context, id string) (*model.Task, error)
}

// Scheduler materializes due recurring tasks on a fixed tick.
type Scheduler struct {
	backend     Backend
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	batchSize   int
	maxCatchUp  int
	now         func() time.Time
	locks       *lock.Keyed
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithMaterializeTimeout bounds a single materialization.
func WithMaterializeTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithConcurrency bounds how many rules are processed at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// WithBatchSize caps how many due rules one tick picks up.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler over backend.
func NewScheduler(backend Backend, opts ...Option) *Scheduler {
	s := &Scheduler{
		backend:     backend,
		interval:    time.Minute,
		timeout:     30 * time.Second,
		concurrency: 4,
		batchSize:   100,
		maxCatchUp:  1000,
		now:         time.Now,
		locks:       lock.NewKeyed(),
		logger:      logging.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("recurrence scheduler started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recurrence scheduler stopped")
			return nil
		case <-ticker.C:
			s.tickLogged(ctx)
		}
	}
}

func (s *Scheduler) tickLogged(ctx context.Context) {
	n, err := s.Tick(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler tick failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		s.logger.Info("recurring tasks materialized", slog.Int("count", n))
	}
}

// Tick processes every rule due at the current time and returns how many
// tasks were created.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.backend.ListDueRecurring(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due recurring tasks: %w", err)
	}

	var (
		mu      sync.Mutex
		created int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rt := range due {
		id := rt.ID
		g.Go(func() error {
			n := s.processRule(gctx, id, now)
			mu.Lock()
			created += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return created, nil
}

// processRule materializes every occurrence of one rule that is due at now.
// Another tick already working the rule makes this a no-op.
func (s *Scheduler) processRule(ctx context.Context, id string, now time.Time) int {
	if !s.locks.TryLock(id) {
		return 0
	}
	defer s.locks.Unlock(id)

	logger := s.logger.With(slog.String("recurring_task_id", id))
	created := 0
	for created < s.maxCatchUp {
		if ctx.Err() != nil {
			return created
		}
		task, ok, err := s.materialize(ctx, id, now)
		if err != nil {
			if errors.Is(err, model.ErrInvalidRecurrence) {
				logger.Warn("recurring task deactivated", slog.Any("error", err))
				return created
			}
			if ctx.Err() != nil {
				return created
			}
			logger.Warn("materialization failed", slog.Any("error", err))
			if ferr := s.backend.RecordRecurringFailure(ctx, id, err); ferr != nil {
				logger.Error("record failure", slog.Any("error", ferr))
			}
			return created
		}
		if !ok {
			return created
		}
		created++
		logger.Debug("occurrence materialized", slog.String("task_id", task.ID))
	}
	return created
}

func (s *Scheduler) materialize(ctx context.Context, id string, now time.Time) (*model.Task, bool, error) {
	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.MaterializeOccurrence(mctx, id, now)
}

// Trigger materializes one task for the rule outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, id string) (*model.Task, error) {
	if err := s.locks.Lock(ctx, id); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(id)
	return s.backend.TriggerRecurringTask(ctx, id)
}
