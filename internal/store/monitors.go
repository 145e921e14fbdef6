package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alekspetrov/taskflow/internal/model"
)

const monitorColumns = `id, name, provider, connection_id, config, playbook_id, queue_id, poll_interval_seconds,
	status, last_error, poll_cursor, last_polled_at, events_detected, playbooks_triggered, tasks_created,
	created_at, updated_at`

// InsertMonitor stores a new monitor.
func (s *Store) InsertMonitor(ctx context.Context, m *model.Monitor) error {
	cfg, err := model.EncodeProviderConfig(m.Config)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO monitors (`+monitorColumns+`) VALUES (`+placeholders(17)+`)`,
		m.ID, m.Name, string(m.Provider), m.ConnectionID, cfg, m.PlaybookID, m.QueueID, m.PollIntervalSeconds,
		string(m.Status), m.LastError, m.PollCursor, nullTS(m.LastPolledAt),
		m.EventsDetected, m.PlaybooksTriggered, m.TasksCreated, ts(m.CreatedAt), ts(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert monitor: %w", err)
	}
	return nil
}

// GetMonitor loads a monitor.
func (s *Store) GetMonitor(ctx context.Context, id string) (*model.Monitor, error) {
	m, err := scanMonitor(s.q.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, notFound("monitor", id)
	}
	return m, err
}

// ListMonitors returns every monitor ordered by name.
func (s *Store) ListMonitors(ctx context.Context) ([]*model.Monitor, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+monitorColumns+` FROM monitors ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()
	var out []*model.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListPollableMonitors returns the non-paused monitors due for a poll at now.
func (s *Store) ListPollableMonitors(ctx context.Context, now time.Time) ([]*model.Monitor, error) {
	all, err := s.ListMonitors(ctx)
	if err != nil {
		return nil, err
	}
	var due []*model.Monitor
	for _, m := range all {
		if m.DueAt(now) {
			due = append(due, m)
		}
	}
	return due, nil
}

// SetMonitorStatus changes status and last_error together.
func (s *Store) SetMonitorStatus(ctx context.Context, id string, status model.MonitorStatus, lastError string, now time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE monitors SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, ts(now), id)
	if err != nil {
		return fmt.Errorf("set monitor status: %w", err)
	}
	return s.expectOne(res, "monitor", id)
}

// RecordPollSuccess advances the cursor and clears the error. A monitor
// paused while the poll ran stays paused.
func (s *Store) RecordPollSuccess(ctx context.Context, id, cursor string, polledAt time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE monitors SET
			poll_cursor = ?, last_polled_at = ?, last_error = '', updated_at = ?,
			status = CASE WHEN status = ? THEN status ELSE ? END
		WHERE id = ?`,
		cursor, ts(polledAt), ts(polledAt), string(model.MonitorPaused), string(model.MonitorActive), id)
	if err != nil {
		return fmt.Errorf("record poll success: %w", err)
	}
	return s.expectOne(res, "monitor", id)
}

// RecordPollFailure stores the error and leaves the cursor untouched.
func (s *Store) RecordPollFailure(ctx context.Context, id, lastError string, polledAt time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE monitors SET
			last_polled_at = ?, last_error = ?, updated_at = ?,
			status = CASE WHEN status = ? THEN status ELSE ? END
		WHERE id = ?`,
		ts(polledAt), lastError, ts(polledAt), string(model.MonitorPaused), string(model.MonitorError), id)
	if err != nil {
		return fmt.Errorf("record poll failure: %w", err)
	}
	return s.expectOne(res, "monitor", id)
}

// IncrementMonitorCounters adds to the monitor's event and output counters.
func (s *Store) IncrementMonitorCounters(ctx context.Context, id string, events, playbooks, tasks int) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE monitors SET
			events_detected = events_detected + ?,
			playbooks_triggered = playbooks_triggered + ?,
			tasks_created = tasks_created + ?
		WHERE id = ?`, events, playbooks, tasks, id)
	if err != nil {
		return fmt.Errorf("increment monitor counters: %w", err)
	}
	return s.expectOne(res, "monitor", id)
}

// DeleteMonitor removes a monitor and its event log.
func (s *Store) DeleteMonitor(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	if err := s.expectOne(res, "monitor", id); err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `DELETE FROM monitor_events WHERE monitor_id = ?`, id)
	return err
}

func (s *Store) expectOne(res sql.Result, kind, id string) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func scanMonitor(row rowScanner) (*model.Monitor, error) {
	var (
		m                     model.Monitor
		provider, cfg, status string
		lastPolledAt          sql.NullInt64
		createdAt, updatedAt  int64
	)
	if err := row.Scan(&m.ID, &m.Name, &provider, &m.ConnectionID, &cfg, &m.PlaybookID, &m.QueueID,
		&m.PollIntervalSeconds, &status, &m.LastError, &m.PollCursor, &lastPolledAt,
		&m.EventsDetected, &m.PlaybooksTriggered, &m.TasksCreated, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Provider = model.Provider(provider)
	config, err := model.DecodeProviderConfig(m.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("monitor %s config: %w", m.ID, err)
	}
	m.Config = config
	m.Status = model.MonitorStatus(status)
	m.LastPolledAt = fromNullTS(lastPolledAt)
	m.CreatedAt = fromTS(createdAt)
	m.UpdatedAt = fromTS(updatedAt)
	return &m, nil
}

// InsertMonitorEvent records an event unless the monitor has already seen
// its provider id. It reports whether a row was inserted.
func (s *Store) InsertMonitorEvent(ctx context.Context, ev *model.MonitorEvent) (bool, error) {
	data, err := encodeJSON(ev.EventData, "{}")
	if err != nil {
		return false, fmt.Errorf("encode event data: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO monitor_events
			(id, monitor_id, provider_event_id, event_type, event_data, processed, task_id, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.MonitorID, ev.ProviderEventID, ev.EventType, data, boolInt(ev.Processed),
		ev.TaskID, ev.RunID, ts(ev.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert monitor event: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LinkMonitorEvent marks an event processed and records what it produced.
func (s *Store) LinkMonitorEvent(ctx context.Context, id, taskID, runID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE monitor_events SET processed = 1, task_id = ?, run_id = ? WHERE id = ?`, taskID, runID, id)
	if err != nil {
		return fmt.Errorf("link monitor event: %w", err)
	}
	return s.expectOne(res, "monitor event", id)
}

// ListMonitorEvents returns the newest events of a monitor first.
func (s *Store) ListMonitorEvents(ctx context.Context, monitorID string, limit int) ([]*model.MonitorEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, monitor_id, provider_event_id, event_type, event_data, processed, task_id, run_id, created_at
		FROM monitor_events WHERE monitor_id = ? ORDER BY created_at DESC, id LIMIT ?`, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list monitor events: %w", err)
	}
	defer rows.Close()
	var out []*model.MonitorEvent
	for rows.Next() {
		var (
			ev        model.MonitorEvent
			data      string
			processed int
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.MonitorID, &ev.ProviderEventID, &ev.EventType, &data, &processed,
			&ev.TaskID, &ev.RunID, &createdAt); err != nil {
			return nil, err
		}
		if ev.EventData, err = decodeMap(data); err != nil {
			return nil, err
		}
		ev.Processed = processed == 1
		ev.CreatedAt = fromTS(createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
