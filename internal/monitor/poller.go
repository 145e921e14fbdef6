// Package monitor polls external providers and feeds accepted events to the
// orchestrator.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alekspetrov/taskflow/internal/lock"
	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/orchestrator"
)

// ProviderClient fetches events from one provider. FetchEvents returns the
// events after cursor, oldest first, and the cursor to resume from.
type ProviderClient interface {
	Provider() model.Provider
	FetchEvents(ctx context.Context, cursor string, cfg model.ProviderConfig) ([]model.RawEvent, string, error)
}

// Backend is the slice of the orchestrator the poller drives.
type Backend interface {
	ListPollableMonitors(ctx context.Context, now time.Time) ([]*model.Monitor, error)
	GetMonitor(ctx context.Context, id string) (*model.Monitor, error)
	DispatchEvent(ctx context.Context, m *model.Monitor, ev model.RawEvent) (orchestrator.DispatchResult, error)
	RecordPollSuccess(ctx context.Context, id, cursor string) error
	RecordPollFailure(ctx context.Context, id string, cause error) error
}

// Result summarizes one poll.
type Result struct {
	MonitorID          string `json:"monitor_id"`
	EventsFound        int    `json:"events_found"`
	TasksCreated       int    `json:"tasks_created"`
	PlaybooksTriggered int    `json:"playbooks_triggered"`
	Error              string `json:"error,omitempty"`
}

// Poller polls due monitors on a fixed tick.
type Poller struct {
	backend     Backend
	clients     map[model.Provider]ProviderClient
	interval    time.Duration
	timeout     time.Duration
	concurrency int64
	now         func() time.Time
	locks       *lock.Keyed
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithPollTimeout bounds a single provider fetch.
func WithPollTimeout(d time.Duration) Option {
	return func(p *Poller) { p.timeout = d }
}

// WithConcurrency bounds how many monitors are polled at once.
func WithConcurrency(n int) Option {
	return func(p *Poller) { p.concurrency = int64(n) }
}

// WithClient registers the client used for its provider.
func WithClient(c ProviderClient) Option {
	return func(p *Poller) { p.clients[c.Provider()] = c }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// NewPoller creates a poller over backend.
func NewPoller(backend Backend, opts ...Option) *Poller {
	p := &Poller{
		backend:     backend,
		clients:     make(map[model.Provider]ProviderClient),
		interval:    30 * time.Second,
		timeout:     30 * time.Second,
		concurrency: 4,
		now:         time.Now,
		locks:       lock.NewKeyed(),
		logger:      logging.WithComponent("monitor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Start runs the tick loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("poller already running")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	providers := make([]string, 0, len(p.clients))
	for prov := range p.clients {
		providers = append(providers, string(prov))
	}
	p.logger.Info("monitor poller started",
		slog.Duration("interval", p.interval),
		slog.Any("providers", providers),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("monitor poller stopped")
			return nil
		case <-ticker.C:
			p.tickLogged(ctx)
		}
	}
}

func (p *Poller) tickLogged(ctx context.Context) {
	results, err := p.Tick(ctx)
	if err != nil && ctx.Err() == nil {
		p.logger.Error("poller tick failed", slog.Any("error", err))
		return
	}
	var found, created int
	for _, r := range results {
		found += r.EventsFound
		created += r.TasksCreated + r.PlaybooksTriggered
	}
	if found > 0 {
		p.logger.Info("monitors polled",
			slog.Int("monitors", len(results)),
			slog.Int("events_found", found),
			slog.Int("dispatched", created),
		)
	}
}

// Tick polls every monitor due at the current time. Monitors another
// goroutine is already polling are skipped.
func (p *Poller) Tick(ctx context.Context) ([]Result, error) {
	due, err := p.backend.ListPollableMonitors(ctx, p.now())
	if err != nil {
		return nil, fmt.Errorf("list pollable monitors: %w", err)
	}

	sem := semaphore.NewWeighted(p.concurrency)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	for _, m := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(m *model.Monitor) {
			defer wg.Done()
			defer sem.Release(1)
			if !p.locks.TryLock(m.ID) {
				return
			}
			defer p.locks.Unlock(m.ID)

			// The listing may predate a manual poll or a pause.
			fresh, err := p.backend.GetMonitor(ctx, m.ID)
			if err != nil {
				if !errors.Is(err, model.ErrNotFound) {
					p.logger.Warn("reload monitor", slog.String("monitor_id", m.ID), slog.Any("error", err))
				}
				return
			}
			if !fresh.DueAt(p.now()) {
				return
			}

			res := p.poll(ctx, fresh)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(m)
	}
	wg.Wait()
	return results, nil
}

// PollMonitor polls one monitor now, waiting for any poll already in flight.
func (p *Poller) PollMonitor(ctx context.Context, id string) (Result, error) {
	if err := p.locks.Lock(ctx, id); err != nil {
		return Result{}, err
	}
	defer p.locks.Unlock(id)

	m, err := p.backend.GetMonitor(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if m.Status == model.MonitorPaused {
		return Result{}, fmt.Errorf("%w: %s", model.ErrMonitorPaused, id)
	}
	return p.poll(ctx, m), nil
}

// poll fetches, filters and dispatches one monitor's events. The cursor only
// advances when every accepted event was dispatched.
func (p *Poller) poll(ctx context.Context, m *model.Monitor) Result {
	res := Result{MonitorID: m.ID}
	ctx = logging.ContextWithMonitorID(ctx, m.ID)
	logger := logging.Enrich(ctx, p.logger).With(slog.String("provider", string(m.Provider)))

	fail := func(err error) Result {
		res.Error = err.Error()
		logger.Warn("poll failed", slog.Any("error", err))
		if rerr := p.backend.RecordPollFailure(ctx, m.ID, err); rerr != nil {
			logger.Error("record poll failure", slog.Any("error", rerr))
		}
		return res
	}

	client, ok := p.clients[m.Provider]
	if !ok {
		return fail(fmt.Errorf("%w: %s", model.ErrProviderUnavailable, m.Provider))
	}

	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	events, cursor, err := client.FetchEvents(fctx, m.PollCursor, m.Config)
	cancel()
	if err != nil {
		return fail(fmt.Errorf("fetch events: %w", err))
	}

	for _, ev := range events {
		if !m.Config.Accept(ev) {
			continue
		}
		res.EventsFound++
		out, err := p.backend.DispatchEvent(ctx, m, ev)
		if err != nil {
			return fail(fmt.Errorf("dispatch event %s: %w", ev.ID, err))
		}
		switch {
		case out.Duplicate:
			logger.Debug("duplicate event ignored", slog.String("event_id", ev.ID))
		case out.RunID != "":
			res.PlaybooksTriggered++
			logger.Debug("event started playbook", slog.String("event_id", ev.ID), slog.String("run_id", out.RunID))
		default:
			res.TasksCreated++
			logger.Debug("event created task", slog.String("event_id", ev.ID), slog.String("task_id", out.TaskID))
		}
	}

	if err := p.backend.RecordPollSuccess(ctx, m.ID, cursor); err != nil {
		res.Error = err.Error()
		logger.Error("record poll success", slog.Any("error", err))
	}
	return res
}
