package recurrence

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hray3182/remindsync/internal/models"
)

var ErrInvalidRule = models.ErrInvalidRule

// Engine computes occurrences of recurring reminders. It holds no state
// besides its configuration, so one Engine can be shared freely.
type Engine struct {
	loc   *time.Location
	newID func(sourceID string) string
}

// seriesNamespace scopes the ids of materialized occurrences.
var seriesNamespace = uuid.MustParse("6f1c4a52-2b8e-4f55-9a0e-3d7c1e9b8a41")

// InstanceID is the id of the occurrence that follows sourceID. It is a
// name-based UUID, so every device and every retry derives the same one.
func InstanceID(sourceID string) string {
	return uuid.NewSHA1(seriesNamespace, []byte(sourceID)).String()
}

type Option func(*Engine)

// WithLocation sets the zone calendar arithmetic is done in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithIDGenerator replaces how the id of a new occurrence is derived from
// the id of the one before it. fn must be deterministic.
func WithIDGenerator(fn func(sourceID string) string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		loc:   time.Local,
		newID: InstanceID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Location() *time.Location {
	return e.loc
}

// NextOccurrence returns the occurrence following lastDueTime.
// ok is false when the rule is exhausted (end date passed or the rule's
// occurrence count reached).
func (e *Engine) NextOccurrence(rule *models.Rule, lastDueTime int64, completedAt *int64, currentCount int) (next int64, ok bool, err error) {
	if rule == nil {
		return 0, false, nil
	}
	if rule.OccurrenceCount != nil && currentCount >= *rule.OccurrenceCount {
		return 0, false, nil
	}
	return e.next(rule, lastDueTime, completedAt)
}

// CreateNextInstance materializes the occurrence after reminder as a new
// record whose id is derived from reminder's. It returns nil when reminder
// is not recurring or the series is over. It never touches storage.
func (e *Engine) CreateNextInstance(reminder *models.Reminder, triggeredAt int64) (*models.Reminder, error) {
	if reminder == nil || reminder.Recurrence == nil {
		return nil, nil
	}

	current := reminder.CurrentReminderCount
	if target, ok := reminder.Target(); ok && current >= target {
		return nil, nil
	}

	nextDue, ok, err := e.next(reminder.Recurrence, reminder.DueTime, reminder.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("reminder %s: %w", reminder.ID, err)
	}
	if !ok {
		return nil, nil
	}

	next := reminder.Clone()
	next.ID = e.newID(reminder.ID)
	next.DueTime = nextDue
	next.ReminderTime = nil
	if offset := reminder.PreReminderOffset(); offset > 0 {
		next.ReminderTime = models.Int64(nextDue - offset)
	}
	if reminder.Deadline != nil {
		next.Deadline = models.Int64(*reminder.Deadline + (nextDue - reminder.DueTime))
	}
	next.CurrentReminderCount = current + 1
	next.Status = models.StatusActive
	next.CreatedAt = triggeredAt
	next.LastModified = triggeredAt
	next.CompletedAt = nil
	next.SnoozeUntil = nil
	next.IsSynced = false

	return next, nil
}

// NextInstanceAfter is CreateNextInstance repeated until the occurrence is
// due after now, so a device that was off for days gets one instance, not
// one per missed day. Occurrences passed over count against the series
// cap and are reported in skipped. The result keeps the id derived from
// reminder. It returns nil when the series ends first.
func (e *Engine) NextInstanceAfter(reminder *models.Reminder, triggeredAt, now int64) (next *models.Reminder, skipped int, err error) {
	cur := reminder
	for {
		next, err = e.CreateNextInstance(cur, triggeredAt)
		if err != nil || next == nil {
			return nil, skipped, err
		}
		if next.DueTime > now {
			next.ID = e.newID(reminder.ID)
			return next, skipped, nil
		}
		skipped++
		cur = next
	}
}

func (e *Engine) next(rule *models.Rule, lastDueTime int64, completedAt *int64) (int64, bool, error) {
	if err := rule.Validate(); err != nil {
		return 0, false, err
	}

	due := time.UnixMilli(lastDueTime).In(e.loc)
	anchor := due
	if rule.FromCompletion && completedAt != nil {
		anchor = time.UnixMilli(*completedAt).In(e.loc)
	}

	var date time.Time
	switch rule.Kind {
	case models.KindDaily, models.KindCustomDays:
		date = addDays(anchor, rule.Interval)
	case models.KindWeekly:
		var days []int
		if rule.Weekly != nil {
			days = rule.Weekly.DaysOfWeek
		}
		date = nextWeekly(anchor, rule.Interval, days)
	case models.KindMonthly:
		day := anchor.Day()
		if rule.Monthly != nil && rule.Monthly.DayOfMonth > 0 {
			day = rule.Monthly.DayOfMonth
		}
		// Day 1 keeps AddDate from normalizing Jan 31 + 1 month into March.
		first := time.Date(anchor.Year(), anchor.Month()+time.Month(rule.Interval), 1, 0, 0, 0, 0, e.loc)
		date = clampDay(first.Year(), first.Month(), day, e.loc)
	case models.KindYearly:
		month, day := anchor.Month(), anchor.Day()
		if rule.Yearly != nil {
			if rule.Yearly.Month > 0 {
				month = time.Month(rule.Yearly.Month)
			}
			if rule.Yearly.DayOfMonth > 0 {
				day = rule.Yearly.DayOfMonth
			}
		}
		date = clampDay(anchor.Year()+rule.Interval, month, day, e.loc)
	default:
		return 0, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}

	// Time of day always comes from the scheduled due time, never from the
	// completion or evaluation time.
	candidate := time.Date(date.Year(), date.Month(), date.Day(),
		due.Hour(), due.Minute(), due.Second(), due.Nanosecond(), e.loc).UnixMilli()

	if rule.EndDate != nil && candidate > *rule.EndDate {
		return 0, false, nil
	}
	return candidate, true, nil
}

func addDays(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, 0, 0, 0, 0, t.Location())
}

// nextWeekly picks the first selected weekday later in the anchor's week,
// or the first selected weekday of the week interval weeks on.
func nextWeekly(anchor time.Time, interval int, days []int) time.Time {
	set := normalizeWeekdays(days)
	if len(set) == 0 {
		return addDays(anchor, 7*interval)
	}

	wd := isoWeekday(anchor)
	for _, d := range set {
		if d > wd {
			return addDays(anchor, d-wd)
		}
	}
	monday := addDays(anchor, 1-wd)
	return addDays(monday, 7*interval+set[0]-1)
}

func normalizeWeekdays(days []int) []int {
	seen := make(map[int]bool, len(days))
	var out []int
	for _, d := range days {
		if d >= 1 && d <= 7 && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

func isoWeekday(t time.Time) int {
	if wd := int(t.Weekday()); wd != 0 {
		return wd
	}
	return 7
}

func clampDay(year int, month time.Month, day int, loc *time.Location) time.Time {
	if last := daysIn(year, month, loc); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
