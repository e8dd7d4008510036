package models

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSnoozed   Status = "SNOOZED"
	StatusCompleted Status = "COMPLETED"
	StatusDismissed Status = "DISMISSED"
	StatusMissed    Status = "MISSED"
)

// PendingStatuses are the statuses that can still produce an alarm.
var PendingStatuses = []Status{StatusActive, StatusSnoozed}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSnoozed, StatusCompleted, StatusDismissed, StatusMissed:
		return true
	}
	return false
}

// IsPending reports whether a reminder in this status still waits for an alarm.
func (s Status) IsPending() bool {
	return s == StatusActive || s == StatusSnoozed
}

var ErrInvalidReminder = errors.New("invalid reminder")

// Reminder is one occurrence of a reminder. All timestamps are epoch millis.
type Reminder struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	DueTime      int64  `json:"due_time"`
	ReminderTime *int64 `json:"reminder_time,omitempty"` // Pre-alert before DueTime
	Deadline     *int64 `json:"deadline,omitempty"`
	SnoozeUntil  *int64 `json:"snooze_until,omitempty"`

	Status       Status `json:"status"`
	CompletedAt  *int64 `json:"completed_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	LastModified int64  `json:"last_modified"`

	Recurrence           *Rule `json:"recurrence,omitempty"`
	CurrentReminderCount int   `json:"current_reminder_count"`
	TargetRemindCount    *int  `json:"target_remind_count,omitempty"`

	IsSynced bool   `json:"is_synced"`
	DeviceID string `json:"device_id"`
}

// IsRecurring returns true if this reminder has a recurrence rule
func (r *Reminder) IsRecurring() bool {
	return r.Recurrence != nil
}

// PreReminderOffset returns DueTime - ReminderTime, or 0 when there is no usable pre-reminder.
func (r *Reminder) PreReminderOffset() int64 {
	if r.ReminderTime == nil {
		return 0
	}
	if offset := r.DueTime - *r.ReminderTime; offset > 0 {
		return offset
	}
	return 0
}

// Target returns the occurrence cap: TargetRemindCount, falling back to the rule's OccurrenceCount.
func (r *Reminder) Target() (int, bool) {
	if r.Recurrence == nil {
		return 0, false
	}
	if r.TargetRemindCount != nil {
		return *r.TargetRemindCount, true
	}
	if r.Recurrence.OccurrenceCount != nil {
		return *r.Recurrence.OccurrenceCount, true
	}
	return 0, false
}

// Clone returns a deep copy, so callers can mutate the result without
// touching a record another goroutine may still hold.
func (r *Reminder) Clone() *Reminder {
	c := *r
	c.ReminderTime = cloneInt64(r.ReminderTime)
	c.Deadline = cloneInt64(r.Deadline)
	c.SnoozeUntil = cloneInt64(r.SnoozeUntil)
	c.CompletedAt = cloneInt64(r.CompletedAt)
	if r.TargetRemindCount != nil {
		v := *r.TargetRemindCount
		c.TargetRemindCount = &v
	}
	if r.Recurrence != nil {
		c.Recurrence = r.Recurrence.Clone()
	}
	return &c
}

// Validate checks the record-level invariants.
func (r *Reminder) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidReminder)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: reminder %s has no user", ErrInvalidReminder, r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: reminder %s has unknown status %q", ErrInvalidReminder, r.ID, r.Status)
	}
	if r.Status == StatusCompleted && r.CompletedAt == nil {
		return fmt.Errorf("%w: completed reminder %s has no completed_at", ErrInvalidReminder, r.ID)
	}
	if r.Status != StatusCompleted && r.CompletedAt != nil {
		return fmt.Errorf("%w: reminder %s is %s but has completed_at", ErrInvalidReminder, r.ID, r.Status)
	}
	if r.ReminderTime != nil && *r.ReminderTime > r.DueTime {
		return fmt.Errorf("%w: reminder %s pre-alert is after due time", ErrInvalidReminder, r.ID)
	}
	if r.Recurrence != nil {
		if err := r.Recurrence.Validate(); err != nil {
			return fmt.Errorf("reminder %s: %w", r.ID, err)
		}
	}
	return nil
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
