// Package reminders is the write path for user-facing surfaces. Every
// mutation lands in the local store with its sync queue entry and is
// followed by a reschedule.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hray3182/remindsync/internal/clock"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/recurrence"
	"github.com/hray3182/remindsync/internal/scheduler"
	"github.com/hray3182/remindsync/internal/store"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSnoozeInPast      = errors.New("snooze time is not in the future")
)

// Scheduler is what the service needs from the notification scheduler.
type Scheduler interface {
	ScheduleNext(ctx context.Context) (scheduler.Result, error)
	CancelNotification(ctx context.Context, reminderID string) error
}

type Service struct {
	local    store.Local
	engine   *recurrence.Engine
	sched    Scheduler
	clock    clock.Clock
	log      *slog.Logger
	userID   string
	deviceID string
	newID    func() string
}

func NewService(local store.Local, engine *recurrence.Engine, sched Scheduler, c clock.Clock, log *slog.Logger, userID, deviceID string) *Service {
	return &Service{
		local:    local,
		engine:   engine,
		sched:    sched,
		clock:    c,
		log:      log.With("component", "reminders"),
		userID:   userID,
		deviceID: deviceID,
		newID:    uuid.NewString,
	}
}

// NewReminder is the user input for Create.
type NewReminder struct {
	Title             string
	Description       string
	DueTime           int64
	ReminderTime      *int64
	Deadline          *int64
	Recurrence        *models.Rule
	TargetRemindCount *int
}

func (s *Service) Create(ctx context.Context, in NewReminder) (*models.Reminder, error) {
	now := s.clock.Now()
	r := &models.Reminder{
		ID:                s.newID(),
		UserID:            s.userID,
		Title:             strings.TrimSpace(in.Title),
		Description:       in.Description,
		DueTime:           in.DueTime,
		ReminderTime:      in.ReminderTime,
		Deadline:          in.Deadline,
		Status:            models.StatusActive,
		CreatedAt:         now,
		LastModified:      now,
		Recurrence:        in.Recurrence,
		TargetRemindCount: in.TargetRemindCount,
	}
	if r.Title == "" {
		return nil, fmt.Errorf("%w: empty title", models.ErrInvalidReminder)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := store.Commit(ctx, s.local, r, models.OpCreate, s.deviceID, now); err != nil {
		return nil, fmt.Errorf("failed to create reminder: %w", err)
	}
	s.log.Info("reminder created", "reminder_id", r.ID, "due_time", r.DueTime, "recurring", r.IsRecurring())
	s.reschedule(ctx)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Reminder, error) {
	r, err := s.local.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != s.userID {
		return nil, store.ErrNotFound
	}
	return r, nil
}

// List returns the user's reminders in the given statuses, all if none,
// by due time.
func (s *Service) List(ctx context.Context, statuses ...models.Status) ([]*models.Reminder, error) {
	return s.local.QueryByUserAndStatus(ctx, s.userID, statuses...)
}

// Update replaces the editable fields of an existing reminder with those
// of r.
func (s *Service) Update(ctx context.Context, r *models.Reminder) (*models.Reminder, error) {
	cur, err := s.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	cur.Title = strings.TrimSpace(r.Title)
	cur.Description = r.Description
	cur.DueTime = r.DueTime
	cur.ReminderTime = r.ReminderTime
	cur.Deadline = r.Deadline
	cur.Recurrence = r.Recurrence
	cur.TargetRemindCount = r.TargetRemindCount
	if err := cur.Validate(); err != nil {
		return nil, err
	}
	if err := store.Commit(ctx, s.local, cur, models.OpUpdate, s.deviceID, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to update reminder %s: %w", cur.ID, err)
	}
	s.withdraw(ctx, cur.ID)
	s.reschedule(ctx)
	return cur, nil
}

// Complete marks the reminder done. Completing a pending recurring
// reminder creates the next occurrence, which is returned. A missed one
// already has its successor. Completing twice is a no-op.
func (s *Service) Complete(ctx context.Context, id string) (*models.Reminder, error) {
	return s.finish(ctx, id, models.StatusCompleted)
}

// Dismiss closes the reminder without completing it. Like Complete it
// advances a pending recurring series.
func (s *Service) Dismiss(ctx context.Context, id string) (*models.Reminder, error) {
	return s.finish(ctx, id, models.StatusDismissed)
}

func (s *Service) finish(ctx context.Context, id string, to models.Status) (*models.Reminder, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == to {
		return nil, nil
	}
	if r.Status == models.StatusCompleted || r.Status == models.StatusDismissed {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, to)
	}

	now := s.clock.Now()
	wasPending := r.Status.IsPending()
	r.Status = to
	r.SnoozeUntil = nil
	if to == models.StatusCompleted {
		r.CompletedAt = models.Int64(now)
	}

	// The successor goes first so a failed source write can be retried
	// without losing the series. A reminder that was missed and then
	// snoozed already has one, and CommitSuccessor keeps it.
	var next *models.Reminder
	if wasPending && r.IsRecurring() {
		var skipped int
		next, skipped, err = s.engine.NextInstanceAfter(r, now, now)
		if err != nil {
			s.log.Warn("cannot evaluate recurrence", "reminder_id", r.ID, "error", err)
			next = nil
		}
		if skipped > 0 {
			s.log.Info("passed over occurrences", "reminder_id", r.ID, "skipped", skipped)
		}
	}
	if next != nil {
		created, err := store.CommitSuccessor(ctx, s.local, next, s.deviceID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create next instance of %s: %w", r.ID, err)
		}
		if created {
			s.log.Info("next occurrence created", "reminder_id", r.ID, "next_id", next.ID, "due_time", next.DueTime)
		}
	}

	if err := store.Commit(ctx, s.local, r, models.OpUpdate, s.deviceID, now); err != nil {
		return nil, fmt.Errorf("failed to mark reminder %s %s: %w", r.ID, to, err)
	}
	s.log.Info("reminder finished", "reminder_id", r.ID, "status", to)

	s.withdraw(ctx, r.ID)
	s.reschedule(ctx)
	return next, nil
}

// Snooze re-arms the reminder at until. Missed reminders can be snoozed
// back into the pending set.
func (s *Service) Snooze(ctx context.Context, id string, until int64) (*models.Reminder, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if until <= now {
		return nil, ErrSnoozeInPast
	}
	if r.Status == models.StatusCompleted || r.Status == models.StatusDismissed {
		return nil, fmt.Errorf("%w: cannot snooze %s reminder", ErrInvalidTransition, r.Status)
	}

	r.Status = models.StatusSnoozed
	r.SnoozeUntil = models.Int64(until)
	if err := store.Commit(ctx, s.local, r, models.OpUpdate, s.deviceID, now); err != nil {
		return nil, fmt.Errorf("failed to snooze reminder %s: %w", r.ID, err)
	}
	s.log.Info("reminder snoozed", "reminder_id", r.ID, "until", until)

	s.withdraw(ctx, r.ID)
	s.reschedule(ctx)
	return r, nil
}

// Delete removes the reminder locally and queues the remote delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := store.CommitDelete(ctx, s.local, r, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to delete reminder %s: %w", id, err)
	}
	s.log.Info("reminder deleted", "reminder_id", id)

	s.withdraw(ctx, id)
	s.reschedule(ctx)
	return nil
}

func (s *Service) withdraw(ctx context.Context, id string) {
	if err := s.sched.CancelNotification(ctx, id); err != nil {
		s.log.Warn("failed to cancel notification", "reminder_id", id, "error", err)
	}
}

// reschedule is best effort: the write already succeeded and the
// scheduler's own loop retries.
func (s *Service) reschedule(ctx context.Context) {
	if _, err := s.sched.ScheduleNext(ctx); err != nil {
		s.log.Warn("reschedule failed", "error", err)
	}
}
