// Package orchestrator owns every state change of tasks, playbook runs,
// recurring tasks and monitors. Producers such as the scheduler, the poller
// and the gateway act only through Service.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/store"
)

// EventType names a change broadcast to subscribers.
type EventType string

const (
	EventTaskCreated      EventType = "task.created"
	EventTaskTransitioned EventType = "task.transitioned"
	EventTaskDeleted      EventType = "task.deleted"
	EventRunStarted       EventType = "run.started"
	EventRunAdvanced      EventType = "run.advanced"
	EventRunCompleted     EventType = "run.completed"
	EventRunFailed        EventType = "run.failed"
	EventMonitorDispatch  EventType = "monitor.dispatched"
)

// Event describes a committed change.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	MonitorID string    `json:"monitor_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives events after their transaction commits.
type Notifier interface {
	Publish(Event)
}

type discardNotifier struct{}

func (discardNotifier) Publish(Event) {}

// Service is the orchestration core.
type Service struct {
	store             *store.Store
	now               func() time.Time
	newID             func() string
	notifier          Notifier
	logger            *slog.Logger
	minPollInterval   time.Duration
	defaultMaxRetries int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier sets the receiver of committed events.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMinPollInterval sets the floor applied to monitor poll intervals.
func WithMinPollInterval(d time.Duration) Option {
	return func(s *Service) { s.minPollInterval = d }
}

// WithDefaultMaxRetries sets the retry budget of recurring tasks created
// without one.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Service) { s.defaultMaxRetries = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates the orchestration service over st.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store:             st,
		now:               time.Now,
		newID:             func() string { return uuid.New().String() },
		notifier:          discardNotifier{},
		logger:            logging.WithComponent("orchestrator"),
		minPollInterval:   30 * time.Second,
		defaultMaxRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultMaxRetries returns the retry budget applied to new recurring tasks.
func (s *Service) DefaultMaxRetries() int {
	return s.defaultMaxRetries
}

// txn is the state of one orchestrator transaction: the tx-bound store, a
// single timestamp for every write, and events held until commit.
type txn struct {
	*store.Store
	now    time.Time
	events []Event
}

func (tx *txn) emit(ev Event) {
	ev.At = tx.now
	tx.events = append(tx.events, ev)
}

func (s *Service) inTx(ctx context.Context, fn func(tx *txn) error) error {
	var t *txn
	err := s.store.InTx(ctx, func(st *store.Store) error {
		t = &txn{Store: st, now: s.now().UTC()}
		return fn(t)
	})
	if err != nil {
		return err
	}
	for _, ev := range t.events {
		s.notifier.Publish(ev)
	}
	return nil
}
