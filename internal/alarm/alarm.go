// Package alarm is the platform side of notification scheduling: something
// that can arm a wake-up at an instant and call back when it fires.
package alarm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hray3182/remindsync/internal/clock"
)

// ErrPermissionDenied means the platform refuses to arm alarms at all.
// It is not retried; the user has to act.
var ErrPermissionDenied = errors.New("alarm permission denied")

type Alarm interface {
	Arm(ctx context.Context, at int64, reminderID string, isPreReminder bool) error
	Cancel(ctx context.Context, reminderID string) error
	CancelAll(ctx context.Context) error
}

// DeliveryFunc is called at or after the armed instant.
type DeliveryFunc func(ctx context.Context, reminderID string, isPreReminder bool)

// Timer arms in-process timers. It is the alarm used by the daemon.
type Timer struct {
	clock   clock.Clock
	log     *slog.Logger
	mu      sync.Mutex
	timers  map[string]*time.Timer
	deliver DeliveryFunc
}

func NewTimer(c clock.Clock, log *slog.Logger) *Timer {
	return &Timer{
		clock:  c,
		log:    log,
		timers: make(map[string]*time.Timer),
	}
}

// OnDelivery sets the callback. It must be set before the first Arm.
func (t *Timer) OnDelivery(fn DeliveryFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = fn
}

func (t *Timer) Arm(ctx context.Context, at int64, reminderID string, isPreReminder bool) error {
	delay := time.Duration(at-t.clock.Now()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[reminderID]; ok {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		// A re-arm may have replaced this timer after it fired.
		if t.timers[reminderID] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.timers, reminderID)
		deliver := t.deliver
		t.mu.Unlock()

		if deliver == nil {
			t.log.Warn("alarm fired without a delivery handler", "reminder_id", reminderID)
			return
		}
		deliver(context.Background(), reminderID, isPreReminder)
	})
	t.timers[reminderID] = timer

	t.log.Debug("alarm armed", "reminder_id", reminderID, "pre_reminder", isPreReminder, "in", delay)
	return nil
}

func (t *Timer) Cancel(ctx context.Context, reminderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[reminderID]; ok {
		timer.Stop()
		delete(t.timers, reminderID)
	}
	return nil
}

func (t *Timer) CancelAll(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	return nil
}

// Pending reports how many timers are armed.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
