package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
)

// MonitorSpec is the input for monitor creation.
type MonitorSpec struct {
	Name                string
	Provider            model.Provider
	ConnectionID        string
	Config              model.ProviderConfig
	PlaybookID          string
	QueueID             string
	PollIntervalSeconds int
}

// CreateMonitor stores an active monitor. Poll intervals below the
// configured floor are raised to it.
func (s *Service) CreateMonitor(ctx context.Context, spec MonitorSpec) (*model.Monitor, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: monitor name is required", model.ErrInvalidInput)
	}
	if spec.Config == nil {
		return nil, fmt.Errorf("%w: monitor config is required", model.ErrInvalidInput)
	}
	if spec.Provider == "" {
		spec.Provider = spec.Config.Provider()
	}
	if spec.Config.Provider() != spec.Provider {
		return nil, fmt.Errorf("%w: %s config given for a %s monitor", model.ErrInvalidInput, spec.Config.Provider(), spec.Provider)
	}
	if spec.PlaybookID == "" && spec.QueueID == "" {
		return nil, fmt.Errorf("%w: a monitor without a playbook needs a queue", model.ErrInvalidInput)
	}

	interval := time.Duration(spec.PollIntervalSeconds) * time.Second
	if interval < s.minPollInterval {
		interval = s.minPollInterval
	}

	m := &model.Monitor{
		ID:                  s.newID(),
		Name:                name,
		Provider:            spec.Provider,
		ConnectionID:        spec.ConnectionID,
		Config:              spec.Config,
		PlaybookID:          spec.PlaybookID,
		QueueID:             spec.QueueID,
		PollIntervalSeconds: int(interval / time.Second),
		Status:              model.MonitorActive,
	}
	err := s.inTx(ctx, func(tx *txn) error {
		if m.QueueID != "" {
			if _, err := tx.GetQueue(ctx, m.QueueID); err != nil {
				if errors.Is(err, model.ErrNotFound) {
					return fmt.Errorf("%w: queue %s does not exist", model.ErrInvalidQueue, m.QueueID)
				}
				return err
			}
		}
		if m.PlaybookID != "" {
			pb, err := tx.GetPlaybook(ctx, m.PlaybookID)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					return fmt.Errorf("%w: playbook %s does not exist", model.ErrInvalidPlaybook, m.PlaybookID)
				}
				return err
			}
			if pb.ItemType != model.ItemPlaybook {
				return fmt.Errorf("%w: %s is a group", model.ErrInvalidPlaybook, pb.ID)
			}
		}
		m.CreatedAt = tx.now
		m.UpdatedAt = tx.now
		return tx.InsertMonitor(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("monitor created",
		slog.String("monitor_id", m.ID),
		slog.String("provider", string(m.Provider)),
		slog.Int("poll_interval_seconds", m.PollIntervalSeconds),
	)
	return m, nil
}

// GetMonitor loads a monitor.
func (s *Service) GetMonitor(ctx context.Context, id string) (*model.Monitor, error) {
	return s.store.GetMonitor(ctx, id)
}

// ListMonitors lists every monitor.
func (s *Service) ListMonitors(ctx context.Context) ([]*model.Monitor, error) {
	return s.store.ListMonitors(ctx)
}

// ListPollableMonitors returns the monitors due for a poll at now.
func (s *Service) ListPollableMonitors(ctx context.Context, now time.Time) ([]*model.Monitor, error) {
	return s.store.ListPollableMonitors(ctx, now)
}

// PauseMonitor stops a monitor from being polled.
func (s *Service) PauseMonitor(ctx context.Context, id string) (*model.Monitor, error) {
	return s.setMonitorStatus(ctx, id, model.MonitorPaused)
}

// ResumeMonitor makes a paused or failing monitor active again and clears
// its last error.
func (s *Service) ResumeMonitor(ctx context.Context, id string) (*model.Monitor, error) {
	return s.setMonitorStatus(ctx, id, model.MonitorActive)
}

func (s *Service) setMonitorStatus(ctx context.Context, id string, status model.MonitorStatus) (*model.Monitor, error) {
	var m *model.Monitor
	err := s.inTx(ctx, func(tx *txn) error {
		if err := tx.SetMonitorStatus(ctx, id, status, "", tx.now); err != nil {
			return err
		}
		var err error
		m, err = tx.GetMonitor(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("monitor status changed", slog.String("monitor_id", id), slog.String("status", string(status)))
	return m, nil
}

// DeleteMonitor removes a monitor and its event history.
func (s *Service) DeleteMonitor(ctx context.Context, id string) error {
	return s.store.DeleteMonitor(ctx, id)
}

// ListMonitorEvents returns the most recent events of a monitor.
func (s *Service) ListMonitorEvents(ctx context.Context, id string, limit int) ([]*model.MonitorEvent, error) {
	if _, err := s.store.GetMonitor(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListMonitorEvents(ctx, id, limit)
}

// DispatchResult is what one event produced.
type DispatchResult struct {
	Duplicate bool
	TaskID    string
	RunID     string
}

// DispatchEvent turns one accepted provider event into a task or a playbook
// run. Events the monitor has already seen are no-ops, so redelivery after a
// failed poll never creates a second task.
func (s *Service) DispatchEvent(ctx context.Context, m *model.Monitor, ev model.RawEvent) (DispatchResult, error) {
	var res DispatchResult
	if ev.ID == "" {
		return res, fmt.Errorf("%w: event without provider id", model.ErrInvalidInput)
	}
	err := s.inTx(ctx, func(tx *txn) error {
		summary := ev.Summary()
		record := &model.MonitorEvent{
			ID:              s.newID(),
			MonitorID:       m.ID,
			ProviderEventID: ev.ID,
			EventType:       ev.Type,
			EventData:       summary,
			CreatedAt:       tx.now,
		}
		inserted, err := tx.InsertMonitorEvent(ctx, record)
		if err != nil {
			return err
		}
		if !inserted {
			res.Duplicate = true
			return nil
		}

		var playbooks, tasks int
		if m.PlaybookID != "" {
			pb, err := tx.GetPlaybook(ctx, m.PlaybookID)
			if err != nil {
				return err
			}
			runID, err := s.startRun(ctx, tx, pb, summary, runOrigin{
				sourceMonitorID: m.ID,
				defaultQueueID:  m.QueueID,
			})
			if err != nil {
				return err
			}
			res.RunID = runID
			playbooks = 1
		} else {
			task, err := s.createTask(ctx, tx, model.TaskSpec{
				DefaultQueueID:  m.QueueID,
				Title:           eventTitle(m, ev),
				Description:     ev.Text,
				SourceMonitorID: m.ID,
				SourceEventID:   ev.ID,
				Context:         summary,
			})
			if err != nil {
				return err
			}
			res.TaskID = task.ID
			tasks = 1
		}

		if err := tx.LinkMonitorEvent(ctx, record.ID, res.TaskID, res.RunID); err != nil {
			return err
		}
		if err := tx.IncrementMonitorCounters(ctx, m.ID, 1, playbooks, tasks); err != nil {
			return err
		}
		tx.emit(Event{Type: EventMonitorDispatch, MonitorID: m.ID, TaskID: res.TaskID, RunID: res.RunID})
		return nil
	})
	if err != nil {
		return DispatchResult{}, err
	}
	return res, nil
}

func eventTitle(m *model.Monitor, ev model.RawEvent) string {
	var title string
	switch {
	case ev.Subject != "":
		title = ev.Subject
	case ev.Text != "":
		title = ev.Text
	default:
		title = fmt.Sprintf("%s %s", m.Provider, ev.Type)
	}
	title = strings.TrimSpace(strings.SplitN(title, "\n", 2)[0])
	if r := []rune(title); len(r) > 120 {
		title = string(r[:117]) + "..."
	}
	if title == "" {
		title = fmt.Sprintf("%s event %s", m.Name, ev.ID)
	}
	return title
}

// RecordPollSuccess advances the cursor and clears the error state.
func (s *Service) RecordPollSuccess(ctx context.Context, id, cursor string) error {
	return s.store.RecordPollSuccess(ctx, id, cursor, s.now().UTC())
}

// RecordPollFailure records a failed poll and leaves the cursor in place.
func (s *Service) RecordPollFailure(ctx context.Context, id string, cause error) error {
	return s.store.RecordPollFailure(ctx, id, cause.Error(), s.now().UTC())
}
