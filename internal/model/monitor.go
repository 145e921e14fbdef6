package model

import "time"

// MonitorStatus is the health of a monitor.
type MonitorStatus string

const (
	MonitorActive MonitorStatus = "active"
	MonitorPaused MonitorStatus = "paused"
	MonitorError  MonitorStatus = "error"
)

// Monitor is a standing watch on an external provider connection.
type Monitor struct {
	ID                  string
	Name                string
	Provider            Provider
	ConnectionID        string
	Config              ProviderConfig
	PlaybookID          string
	QueueID             string
	PollIntervalSeconds int
	Status              MonitorStatus
	LastError           string
	PollCursor          string
	LastPolledAt        *time.Time
	EventsDetected      int
	PlaybooksTriggered  int
	TasksCreated        int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PollInterval returns the poll interval as a duration.
func (m *Monitor) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalSeconds) * time.Second
}

// DueAt reports whether the monitor should be polled at now.
func (m *Monitor) DueAt(now time.Time) bool {
	if m.Status == MonitorPaused {
		return false
	}
	if m.LastPolledAt == nil {
		return true
	}
	return !m.LastPolledAt.Add(m.PollInterval()).After(now)
}

// MonitorEvent is one externally observed occurrence.
type MonitorEvent struct {
	ID              string
	MonitorID       string
	ProviderEventID string
	EventType       string
	EventData       map[string]any
	Processed       bool
	TaskID          string
	RunID           string
	CreatedAt       time.Time
}
