// Package testutil holds in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/hray3182/remindsync/internal/models"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Arm is one recorded Arm call.
type Arm struct {
	At          int64
	ReminderID  string
	PreReminder bool
}

// Alarm records calls and keeps the set of armed reminder ids.
type Alarm struct {
	mu      sync.Mutex
	Arms    []Arm
	Cancels []string
	Armed   map[string]Arm
	// ArmErr, when set, is returned by Arm and nothing is armed.
	ArmErr error
}

func NewAlarm() *Alarm {
	return &Alarm{Armed: make(map[string]Arm)}
}

func (a *Alarm) Arm(ctx context.Context, at int64, reminderID string, isPreReminder bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ArmErr != nil {
		return a.ArmErr
	}
	arm := Arm{At: at, ReminderID: reminderID, PreReminder: isPreReminder}
	a.Arms = append(a.Arms, arm)
	a.Armed[reminderID] = arm
	return nil
}

func (a *Alarm) Cancel(ctx context.Context, reminderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Cancels = append(a.Cancels, reminderID)
	delete(a.Armed, reminderID)
	return nil
}

func (a *Alarm) CancelAll(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.Armed {
		a.Cancels = append(a.Cancels, id)
	}
	a.Armed = make(map[string]Arm)
	return nil
}

func (a *Alarm) SetArmErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ArmErr = err
}

// ArmCount returns how many Arm calls succeeded.
func (a *Alarm) ArmCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Arms)
}

// Current returns the armed alarms. More than one is a scheduler bug.
func (a *Alarm) Current() []Arm {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Arm, 0, len(a.Armed))
	for _, arm := range a.Armed {
		out = append(out, arm)
	}
	return out
}

// Shown is one presented notification.
type Shown struct {
	ReminderID  string
	PreReminder bool
}

// Presenter records presented and withdrawn notifications and alerts.
// OnPresent, when set, runs inside Present.
type Presenter struct {
	mu        sync.Mutex
	Shown     []Shown
	Withdrawn []string
	Alerts    []string
	OnPresent func()
}

func (p *Presenter) Present(ctx context.Context, r *models.Reminder, isPreReminder bool) error {
	p.mu.Lock()
	p.Shown = append(p.Shown, Shown{ReminderID: r.ID, PreReminder: isPreReminder})
	hook := p.OnPresent
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (p *Presenter) Alert(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Alerts = append(p.Alerts, text)
	return nil
}

func (p *Presenter) Withdraw(ctx context.Context, reminderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Withdrawn = append(p.Withdrawn, reminderID)
	return nil
}

func (p *Presenter) ShownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Shown)
}
