// Package recurrence expands recurrence rules into occurrences and runs the
// scheduler that materializes them.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/taskflow/internal/model"
)

// Location resolves the rule's timezone, defaulting to UTC.
func Location(rule model.RecurrenceRule) (*time.Location, error) {
	tz := strings.TrimSpace(rule.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", model.ErrInvalidRecurrence, rule.Timezone, err)
	}
	return loc, nil
}

// Validate checks the rule without computing occurrences.
func Validate(rule model.RecurrenceRule) error {
	if rule.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", model.ErrInvalidRecurrence)
	}
	if rule.EndDate != nil && rule.EndDate.Before(rule.StartDate) {
		return fmt.Errorf("%w: end date before start date", model.ErrInvalidRecurrence)
	}
	if rule.Interval < 0 {
		return fmt.Errorf("%w: negative interval", model.ErrInvalidRecurrence)
	}
	if _, err := Location(rule); err != nil {
		return err
	}
	switch rule.Type {
	case model.RecurDaily:
	case model.RecurWeekly:
		for _, d := range rule.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day of week %d out of range", model.ErrInvalidRecurrence, d)
			}
		}
	case model.RecurMonthly:
		if rule.DayOfMonth < 0 || rule.DayOfMonth > 31 {
			return fmt.Errorf("%w: day of month %d out of range", model.ErrInvalidRecurrence, rule.DayOfMonth)
		}
	case model.RecurCustom:
		if _, err := parseCron(rule.CronExpression); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown recurrence type %q", model.ErrInvalidRecurrence, rule.Type)
	}
	return nil
}

// Next returns the first occurrence strictly after last. When last is nil it
// returns the first occurrence at or after the start date. ok is false once
// the rule is exhausted by its end date.
func Next(rule model.RecurrenceRule, last *time.Time) (next time.Time, ok bool, err error) {
	if rule.StartDate.IsZero() {
		return time.Time{}, false, fmt.Errorf("%w: start date is required", model.ErrInvalidRecurrence)
	}
	loc, err := Location(rule)
	if err != nil {
		return time.Time{}, false, err
	}
	interval := rule.Interval
	if interval <= 0 {
		interval = 1
	}
	start := rule.StartDate.In(loc)

	switch rule.Type {
	case model.RecurDaily:
		next = nextDaily(start, last, interval, loc)
	case model.RecurWeekly:
		next = nextWeekly(start, last, interval, rule.DaysOfWeek, loc)
	case model.RecurMonthly:
		next = nextMonthly(start, last, interval, rule.DayOfMonth, loc)
	case model.RecurCustom:
		sched, err := parseCron(rule.CronExpression)
		if err != nil {
			return time.Time{}, false, err
		}
		from := start.Add(-time.Second)
		if last != nil && last.After(from) {
			from = last.In(loc)
		}
		next = sched.Next(from)
	default:
		return time.Time{}, false, fmt.Errorf("%w: unknown recurrence type %q", model.ErrInvalidRecurrence, rule.Type)
	}

	if next.IsZero() {
		return time.Time{}, false, nil
	}
	if rule.EndDate != nil && next.After(*rule.EndDate) {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: cron expression is required", model.ErrInvalidRecurrence)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %v", model.ErrInvalidRecurrence, expr, err)
	}
	return sched, nil
}

// at builds the wall-clock time of day of start on the given date.
func at(start time.Time, y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, start.Hour(), start.Minute(), start.Second(), 0, loc)
}

func nextDaily(start time.Time, last *time.Time, interval int, loc *time.Location) time.Time {
	if last == nil || last.Before(start) {
		return start
	}
	l := last.In(loc)
	cand := at(start, l.Year(), l.Month(), l.Day()+interval, loc)
	for !cand.After(*last) {
		cand = at(start, cand.Year(), cand.Month(), cand.Day()+interval, loc)
	}
	return cand
}

// mondayIndex maps time.Weekday to 0 = Monday ... 6 = Sunday.
func mondayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// civilDays counts calendar days since the epoch, independent of DST.
func civilDays(t time.Time) int {
	return int(time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, time.UTC).Unix() / 86400)
}

func nextWeekly(start time.Time, last *time.Time, interval int, days []int, loc *time.Location) time.Time {
	allowed := [7]bool{}
	for _, d := range days {
		if d >= 0 && d <= 6 {
			allowed[d] = true
		}
	}
	if len(days) == 0 {
		allowed[mondayIndex(start)] = true
	}

	anchorWeek := civilDays(start) - mondayIndex(start)
	from := start
	if last != nil && last.After(start) {
		from = last.In(loc)
	}

	// One full cycle of eligible weeks plus the remainder of the current week.
	horizon := 7*interval + 7
	for i := 0; i <= horizon; i++ {
		day := at(start, from.Year(), from.Month(), from.Day()+i, loc)
		if !allowed[mondayIndex(day)] {
			continue
		}
		week := (civilDays(day) - mondayIndex(day) - anchorWeek) / 7
		if week%interval != 0 {
			continue
		}
		if day.Before(start) {
			continue
		}
		if last != nil && !day.After(*last) {
			continue
		}
		return day
	}
	return time.Time{}
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func monthlyOccurrence(start time.Time, y int, m time.Month, dom int, loc *time.Location) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	y, m = first.Year(), first.Month()
	return at(start, y, m, min(dom, daysIn(y, m)), loc)
}

func nextMonthly(start time.Time, last *time.Time, interval, dom int, loc *time.Location) time.Time {
	if dom <= 0 {
		dom = start.Day()
	}
	if last == nil || last.Before(start) {
		cand := monthlyOccurrence(start, start.Year(), start.Month(), dom, loc)
		if cand.Before(start) {
			cand = monthlyOccurrence(start, start.Year(), start.Month()+time.Month(interval), dom, loc)
		}
		return cand
	}
	l := last.In(loc)
	cand := monthlyOccurrence(start, l.Year(), l.Month()+time.Month(interval), dom, loc)
	for !cand.After(*last) {
		cand = monthlyOccurrence(start, cand.Year(), cand.Month()+time.Month(interval), dom, loc)
	}
	return cand
}

// maxSkip bounds how many occurrences NextFrom walks after its jump.
const maxSkip = 1000

// NextFrom returns the first occurrence at or after t. It jumps to an
// interval-aligned point shortly before t and walks from there, so the cost
// does not depend on how long ago the rule started.
func NextFrom(rule model.RecurrenceRule, t time.Time) (time.Time, bool, error) {
	if rule.StartDate.IsZero() {
		return time.Time{}, false, fmt.Errorf("%w: start date is required", model.ErrInvalidRecurrence)
	}
	loc, err := Location(rule)
	if err != nil {
		return time.Time{}, false, err
	}
	start := rule.StartDate.In(loc)
	if !t.After(start) {
		return Next(rule, nil)
	}

	if rule.Type == model.RecurCustom {
		sched, err := parseCron(rule.CronExpression)
		if err != nil {
			return time.Time{}, false, err
		}
		next := sched.Next(t.In(loc).Add(-time.Second))
		for !next.IsZero() && next.Before(t) {
			next = sched.Next(next)
		}
		if next.IsZero() || (rule.EndDate != nil && next.After(*rule.EndDate)) {
			return time.Time{}, false, nil
		}
		return next.UTC(), true, nil
	}

	last := seed(rule, start, t.In(loc), loc)
	for i := 0; i < maxSkip; i++ {
		next, ok, err := Next(rule, last)
		if err != nil || !ok {
			return time.Time{}, ok, err
		}
		if !next.Before(t) {
			return next, true, nil
		}
		last = &next
	}
	return time.Time{}, false, fmt.Errorf("%w: no occurrence within %d steps of %s", model.ErrInvalidRecurrence, maxSkip, t)
}

// seed picks a point at most two periods before t from which Next continues
// the rule's sequence. Daily and monthly seeds are real occurrences because
// those rules step from the previous one; weekly rules are anchored on the
// start week, so any instant after start works. nil means walk from start.
func seed(rule model.RecurrenceRule, start, t time.Time, loc *time.Location) *time.Time {
	interval := max(rule.Interval, 1)
	var s time.Time
	switch rule.Type {
	case model.RecurDaily:
		n := (civilDays(t)-civilDays(start))/interval - 1
		if n <= 0 {
			return nil
		}
		s = at(start, start.Year(), start.Month(), start.Day()+n*interval, loc)
	case model.RecurWeekly:
		s = at(start, t.Year(), t.Month(), t.Day()-7*(interval+1), loc)
		if !s.After(start) {
			return nil
		}
	case model.RecurMonthly:
		months := (t.Year()-start.Year())*12 + int(t.Month()) - int(start.Month())
		n := months/interval - 1
		if n <= 0 {
			return nil
		}
		dom := rule.DayOfMonth
		if dom <= 0 {
			dom = start.Day()
		}
		s = monthlyOccurrence(start, start.Year(), start.Month()+time.Month(n*interval), dom, loc)
	default:
		return nil
	}
	return &s
}
