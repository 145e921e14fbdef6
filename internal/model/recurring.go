package model

import "time"

// RecurrenceType selects the recurrence calculation.
type RecurrenceType string

const (
	RecurDaily   RecurrenceType = "daily"
	RecurWeekly  RecurrenceType = "weekly"
	RecurMonthly RecurrenceType = "monthly"
	RecurCustom  RecurrenceType = "custom"
)

// RecurrenceRule describes when occurrences happen.
type RecurrenceRule struct {
	Type           RecurrenceType
	Interval       int
	DaysOfWeek     []int // 0 = Monday
	DayOfMonth     int
	CronExpression string
	Timezone       string
	StartDate      time.Time
	EndDate        *time.Time
}

// TaskTemplate holds the fields copied into each materialized task.
type TaskTemplate struct {
	QueueID          string
	Title            string
	Description      string
	Priority         int
	Assignee         Party
	ApprovalRequired bool
	Approver         Party
}

// RecurringTask is a template plus a recurrence rule.
type RecurringTask struct {
	ID                string
	Template          TaskTemplate
	Rule              RecurrenceRule
	NextRun           *time.Time
	LastRun           *time.Time
	IsActive          bool
	MaxRetries        int
	FailureCount      int
	LastError         string
	CreatedTasksCount int
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
