package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hray3182/remindsync/internal/ai"
	"github.com/hray3182/remindsync/internal/alarm"
	"github.com/hray3182/remindsync/internal/bot"
	"github.com/hray3182/remindsync/internal/clock"
	"github.com/hray3182/remindsync/internal/config"
	"github.com/hray3182/remindsync/internal/database"
	"github.com/hray3182/remindsync/internal/reconcile"
	"github.com/hray3182/remindsync/internal/recurrence"
	"github.com/hray3182/remindsync/internal/reminders"
	"github.com/hray3182/remindsync/internal/repository"
	"github.com/hray3182/remindsync/internal/scheduler"
	"github.com/hray3182/remindsync/internal/store"
)

// app is the wired daemon. rec is nil offline; bot is nil without a token.
type app struct {
	local  *store.SQLite
	db     *database.DB
	engine *recurrence.Engine
	sched  *scheduler.Scheduler
	svc    *reminders.Service
	rec    *reconcile.Reconciler
	bot    *bot.Bot
}

// newApp opens the stores and wires the components. Only the daemon arms
// real timers and talks to Telegram; one-shot commands use a dry alarm.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, daemon bool) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	local, err := store.OpenSQLite(cfg.LocalDBPath)
	if err != nil {
		return nil, err
	}
	a.local = local
	log.Info("opened local store", "path", cfg.LocalDBPath)

	c := clock.System{}
	a.engine = recurrence.NewEngine(recurrence.WithLocation(cfg.Location))

	var al alarm.Alarm = dryAlarm{}
	var timer *alarm.Timer
	if daemon {
		timer = alarm.NewTimer(c, log.With("component", "alarm"))
		al = timer
	}

	a.sched = scheduler.New(local, a.engine, al, c, log, scheduler.Config{
		UserID:        cfg.UserID,
		DeviceID:      cfg.DeviceID,
		CheckInterval: cfg.CheckInterval,
	})
	if timer != nil {
		timer.OnDelivery(func(ctx context.Context, reminderID string, isPreReminder bool) {
			if err := a.sched.HandleNotificationDelivered(ctx, reminderID, isPreReminder); err != nil {
				log.Error("delivery failed", "reminder_id", reminderID, "error", err)
			}
		})
	}

	a.svc = reminders.NewService(local, a.engine, a.sched, c, log, cfg.UserID, cfg.DeviceID)

	if cfg.Online() {
		db, err := database.New(ctx, cfg.DatabaseURI)
		if err != nil {
			return nil, err
		}
		a.db = db
		if err := db.Migrate(ctx, log); err != nil {
			return nil, err
		}
		remote := repository.NewReminderRepository(db, cfg.DeviceID, cfg.Location, log)
		a.rec = reconcile.New(local, remote, a.sched, log, reconcile.Config{
			UserID:   cfg.UserID,
			DeviceID: cfg.DeviceID,
			Interval: cfg.SyncInterval,
		})
	}

	if daemon && cfg.TelegramToken != "" {
		b, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID, a.svc, c, cfg.Location, log)
		if err != nil {
			return nil, err
		}
		a.bot = b
		a.sched.SetPresenter(b)
		if cfg.AIAPIKey != "" {
			b.SetParser(ai.New(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel))
			log.Info("free-form reminders enabled", "model", cfg.AIModel)
		}
	}

	ok = true
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close local store: %v\n", err)
		}
	}
}

// dryAlarm arms nothing. One-shot commands evaluate the schedule without
// leaving timers behind.
type dryAlarm struct{}

func (dryAlarm) Arm(ctx context.Context, at int64, reminderID string, isPreReminder bool) error {
	return nil
}

func (dryAlarm) Cancel(ctx context.Context, reminderID string) error { return nil }

func (dryAlarm) CancelAll(ctx context.Context) error { return nil }
