package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hray3182/remindsync/internal/alarm"
	"github.com/hray3182/remindsync/internal/clock"
	"github.com/hray3182/remindsync/internal/metrics"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/recurrence"
	"github.com/hray3182/remindsync/internal/store"
)

// Presenter shows a delivered notification to the user and takes it back
// when the reminder goes away. Alert reports a condition the user has to
// fix, such as alarms being refused.
type Presenter interface {
	Present(ctx context.Context, r *models.Reminder, isPreReminder bool) error
	Withdraw(ctx context.Context, reminderID string) error
	Alert(ctx context.Context, text string) error
}

// PermissionDeniedText is the alert sent when the platform refuses alarms.
const PermissionDeniedText = "Alarms are not permitted on this device, so reminders will not fire. Allow alarms, then add or edit a reminder to try again."

// Target is one armed alarm.
type Target struct {
	ReminderID  string
	At          int64
	PreReminder bool
}

func (t Target) kind() string {
	if t.PreReminder {
		return "pre"
	}
	return "due"
}

// Skipped is a record left out of a scheduling pass.
type Skipped struct {
	ReminderID string
	Err        error
}

// Result is the outcome of one ScheduleNext pass.
type Result struct {
	// Armed is the alarm armed after the pass, nil if none.
	Armed   *Target
	Skipped []Skipped
	// Unchanged is true when the soonest trigger was already armed.
	Unchanged bool
	// PermissionDenied is true when the soonest trigger could not be armed
	// because the platform refuses alarms.
	PermissionDenied bool
}

type Config struct {
	UserID   string
	DeviceID string
	// CheckInterval is the safety re-evaluation period of Start.
	CheckInterval time.Duration
}

// Scheduler keeps at most one platform alarm armed: the soonest pending
// trigger across the user's ACTIVE and SNOOZED reminders.
type Scheduler struct {
	store     store.Local
	engine    *recurrence.Engine
	alarm     alarm.Alarm
	clock     clock.Clock
	presenter Presenter
	log       *slog.Logger
	cfg       Config

	mu    sync.Mutex
	armed *Target
	// consumed maps reminder id to the reminderTime whose pre-reminder
	// has been delivered.
	consumed map[string]int64
	// denied is the target the platform refused to arm. It is not retried
	// until the target or the store changes.
	denied *Target
	// alerted is set once the user was told; cleared by a successful arm.
	alerted bool
	// display holds presenter calls made once mu is released.
	display []func(ctx context.Context, p Presenter)

	bootOnce sync.Once
	notifyCh chan struct{}
}

func New(st store.Local, engine *recurrence.Engine, a alarm.Alarm, c clock.Clock, log *slog.Logger, cfg Config) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	return &Scheduler{
		store:    st,
		engine:   engine,
		alarm:    a,
		clock:    c,
		log:      log.With("component", "scheduler"),
		cfg:      cfg,
		consumed: make(map[string]int64),
		notifyCh: make(chan struct{}, 1),
	}
}

// SetPresenter sets where delivered notifications are shown. Optional.
func (s *Scheduler) SetPresenter(p Presenter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenter = p
}

// Armed returns the currently armed target, nil if none.
func (s *Scheduler) Armed() *Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		return nil
	}
	t := *s.armed
	return &t
}

// ScheduleNext re-evaluates the pending triggers and arms the soonest.
// Calling it again without a store change is a no-op. Records that violate
// invariants are skipped and reported in the result; the pass still arms
// the soonest of the rest.
func (s *Scheduler) ScheduleNext(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.unlock(ctx)
	return s.scheduleLocked(ctx)
}

// unlock releases mu and then runs the queued presenter calls, which may
// block on the network.
func (s *Scheduler) unlock(ctx context.Context) {
	display, p := s.display, s.presenter
	s.display = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	for _, fn := range display {
		fn(ctx, p)
	}
}

func (s *Scheduler) show(r *models.Reminder, isPreReminder bool) {
	r = r.Clone()
	s.display = append(s.display, func(ctx context.Context, p Presenter) {
		if err := p.Present(ctx, r, isPreReminder); err != nil {
			s.log.Warn("failed to present notification", "reminder_id", r.ID, "error", err)
		}
	})
}

func (s *Scheduler) withdraw(reminderID string) {
	s.display = append(s.display, func(ctx context.Context, p Presenter) {
		if err := p.Withdraw(ctx, reminderID); err != nil {
			s.log.Warn("failed to withdraw notification", "reminder_id", reminderID, "error", err)
		}
	})
}

func (s *Scheduler) alert(text string) {
	s.display = append(s.display, func(ctx context.Context, p Presenter) {
		if err := p.Alert(ctx, text); err != nil {
			s.log.Warn("failed to send alert", "error", err)
		}
	})
}

func (s *Scheduler) scheduleLocked(ctx context.Context) (Result, error) {
	var errs []error
	reminders, err := s.store.QueryByUserAndStatus(ctx, s.cfg.UserID, models.PendingStatuses...)
	if err != nil {
		if !errors.Is(err, store.ErrCorruptRecord) {
			// Keep whatever is armed; the next trigger retries.
			return Result{Armed: s.armedCopy()}, fmt.Errorf("failed to query pending reminders: %w", err)
		}
		metrics.SkippedRecords.Inc()
		s.log.Warn("skipping undecodable reminders", "error", err)
		errs = append(errs, err)
	}

	now := s.clock.Now()
	var res Result
	var best *Target
	for _, r := range reminders {
		if err := r.Validate(); err != nil {
			metrics.SkippedRecords.Inc()
			s.log.Warn("skipping invalid reminder", "reminder_id", r.ID, "error", err)
			res.Skipped = append(res.Skipped, Skipped{ReminderID: r.ID, Err: err})
			continue
		}
		t := s.triggerFor(r, now)
		if best == nil || t.At < best.At || (t.At == best.At && t.ReminderID < best.ReminderID) {
			best = &t
		}
	}

	if sameTarget(best, s.armed) {
		res.Armed = s.armedCopy()
		res.Unchanged = true
		return res, errors.Join(errs...)
	}

	if s.armed != nil {
		if err := s.alarm.Cancel(ctx, s.armed.ReminderID); err != nil {
			s.log.Warn("failed to cancel alarm", "reminder_id", s.armed.ReminderID, "error", err)
		}
		s.armed = nil
	}
	if best == nil {
		s.log.Debug("nothing to arm")
		return res, errors.Join(errs...)
	}
	if sameTarget(best, s.denied) {
		res.PermissionDenied = true
		return res, errors.Join(errs...)
	}

	if err := s.alarm.Arm(ctx, best.At, best.ReminderID, best.PreReminder); err != nil {
		reason := "failed"
		if errors.Is(err, alarm.ErrPermissionDenied) {
			reason = "permission_denied"
			if !s.alerted {
				s.alert(PermissionDeniedText)
				s.alerted = true
			}
			s.denied = best
			res.PermissionDenied = true
		}
		metrics.ArmFailures.WithLabelValues(reason).Inc()
		s.log.Error("failed to arm alarm", "reminder_id", best.ReminderID, "at", best.At, "error", err)
		errs = append(errs, fmt.Errorf("failed to arm alarm for %s: %w", best.ReminderID, err))
		return res, errors.Join(errs...)
	}

	metrics.AlarmsArmed.WithLabelValues(best.kind()).Inc()
	s.denied = nil
	s.alerted = false
	s.armed = best
	res.Armed = s.armedCopy()
	s.log.Info("alarm armed", "reminder_id", best.ReminderID, "at", best.At, "pre_reminder", best.PreReminder)
	return res, errors.Join(errs...)
}

// triggerFor picks the pending trigger of a pending reminder. A past due
// time is still pending and fires as soon as it is armed.
func (s *Scheduler) triggerFor(r *models.Reminder, now int64) Target {
	if r.SnoozeUntil != nil && *r.SnoozeUntil > now {
		return Target{ReminderID: r.ID, At: *r.SnoozeUntil}
	}
	if rt := r.ReminderTime; rt != nil && *rt < r.DueTime && *rt > now {
		if at, ok := s.consumed[r.ID]; !ok || at != *rt {
			return Target{ReminderID: r.ID, At: *rt, PreReminder: true}
		}
	}
	return Target{ReminderID: r.ID, At: r.DueTime}
}

func (s *Scheduler) armedCopy() *Target {
	if s.armed == nil {
		return nil
	}
	t := *s.armed
	return &t
}

func sameTarget(a, b *Target) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// HandleNotificationDelivered is the alarm callback. A pre-reminder is only
// shown. A snooze that ends before the due time is shown and the reminder
// goes back to ACTIVE. A due delivery is shown and ends the occurrence: the
// reminder goes to MISSED and, if it recurs, the next instance due after
// now is created. Deliveries for reminders that are no longer pending, or
// whose trigger moved into the future, only reschedule.
func (s *Scheduler) HandleNotificationDelivered(ctx context.Context, reminderID string, isPreReminder bool) error {
	s.mu.Lock()
	defer s.unlock(ctx)

	kind := "due"
	if isPreReminder {
		kind = "pre"
	}
	if s.armed != nil && s.armed.ReminderID == reminderID && s.armed.PreReminder == isPreReminder {
		s.armed = nil
	}

	outcome, err := s.deliver(ctx, reminderID, isPreReminder)
	metrics.Deliveries.WithLabelValues(kind, outcome).Inc()
	s.log.Info("notification delivered", "reminder_id", reminderID, "pre_reminder", isPreReminder, "outcome", outcome)

	_, schedErr := s.scheduleLocked(ctx)
	return errors.Join(err, schedErr)
}

func (s *Scheduler) deliver(ctx context.Context, reminderID string, isPreReminder bool) (string, error) {
	r, err := s.store.GetByID(ctx, reminderID)
	if errors.Is(err, store.ErrNotFound) {
		delete(s.consumed, reminderID)
		return "gone", nil
	}
	if err != nil {
		return "error", fmt.Errorf("failed to load reminder %s: %w", reminderID, err)
	}
	if !r.Status.IsPending() {
		return "ignored", nil
	}

	now := s.clock.Now()
	if isPreReminder {
		if r.ReminderTime == nil {
			return "ignored", nil
		}
		if at, ok := s.consumed[r.ID]; ok && at == *r.ReminderTime {
			return "duplicate", nil
		}
		s.consumed[r.ID] = *r.ReminderTime
		s.show(r, true)
		return "shown", nil
	}

	if r.SnoozeUntil != nil && *r.SnoozeUntil > now {
		return "stale", nil
	}
	if r.DueTime > now {
		if r.SnoozeUntil == nil {
			return "stale", nil
		}
		// The snooze ended before the occurrence is due.
		r.Status = models.StatusActive
		r.SnoozeUntil = nil
		if err := store.Commit(ctx, s.store, r, models.OpUpdate, s.cfg.DeviceID, now); err != nil {
			return "error", fmt.Errorf("failed to end snooze of %s: %w", r.ID, err)
		}
		s.show(r, false)
		return "snooze_ended", nil
	}

	// The successor is written before the source leaves the pending set,
	// so a failure in between is retried by the next delivery.
	var next *models.Reminder
	if r.IsRecurring() {
		var skipped int
		next, skipped, err = s.engine.NextInstanceAfter(r, now, now)
		if err != nil {
			metrics.SkippedRecords.Inc()
			s.log.Warn("cannot evaluate recurrence", "reminder_id", r.ID, "error", err)
			next = nil
		}
		if skipped > 0 {
			s.log.Info("passed over occurrences", "reminder_id", r.ID, "skipped", skipped)
		}
	}
	if next != nil {
		created, err := store.CommitSuccessor(ctx, s.store, next, s.cfg.DeviceID, now)
		if err != nil {
			return "error", fmt.Errorf("failed to create next instance of %s: %w", r.ID, err)
		}
		if created {
			s.log.Info("next occurrence created", "reminder_id", r.ID, "next_id", next.ID, "due_time", next.DueTime)
		}
	}

	r.Status = models.StatusMissed
	r.SnoozeUntil = nil
	if err := store.Commit(ctx, s.store, r, models.OpUpdate, s.cfg.DeviceID, now); err != nil {
		return "error", fmt.Errorf("failed to mark reminder %s missed: %w", r.ID, err)
	}
	delete(s.consumed, r.ID)
	s.show(r, false)
	if next == nil {
		return "missed", nil
	}
	return "recurred", nil
}

// CancelNotification forgets the alarm and bookkeeping tied to reminderID
// and withdraws its displayed notification. It does not re-arm.
func (s *Scheduler) CancelNotification(ctx context.Context, reminderID string) error {
	s.mu.Lock()
	defer s.unlock(ctx)

	var err error
	if s.armed != nil && s.armed.ReminderID == reminderID {
		err = s.alarm.Cancel(ctx, reminderID)
		s.armed = nil
	}
	delete(s.consumed, reminderID)
	s.withdraw(reminderID)
	return err
}

// CancelAll clears every armed alarm and all bookkeeping.
func (s *Scheduler) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = nil
	s.denied = nil
	s.alerted = false
	s.consumed = make(map[string]int64)
	if err := s.alarm.CancelAll(ctx); err != nil {
		return fmt.Errorf("failed to cancel alarms: %w", err)
	}
	s.log.Info("all alarms cancelled")
	return nil
}

// Boot restores the armed alarm after a process or device start. Only the
// first call does anything.
func (s *Scheduler) Boot(ctx context.Context) (Result, error) {
	var res Result
	var err error
	ran := false
	s.bootOnce.Do(func() {
		ran = true
		res, err = s.ScheduleNext(ctx)
	})
	if ran {
		s.log.Info("boot reschedule done", "armed", res.Armed != nil)
	}
	return res, err
}

// Notify requests a re-evaluation. Non-blocking; requests made while one is
// pending are coalesced.
func (s *Scheduler) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Start boots the scheduler and re-evaluates on store changes, on Notify,
// and every CheckInterval, until ctx ends. A refused alarm is only retried
// after a store change.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("scheduler started", "user_id", s.cfg.UserID)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	changes := s.store.Subscribe(ctx, s.cfg.UserID)

	if _, err := s.Boot(ctx); err != nil {
		s.log.Warn("boot reschedule failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.run(ctx)
		case <-s.notifyCh:
			s.run(ctx)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.mu.Lock()
			s.denied = nil
			s.mu.Unlock()
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.ScheduleNext(ctx); err != nil {
		s.log.Warn("schedule pass failed", "error", err)
	}
}
