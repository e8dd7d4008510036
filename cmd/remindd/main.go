package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/remindsync/internal/config"
	"github.com/hray3182/remindsync/internal/metrics"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/recurrence"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:   "remindd",
		Short: "Offline-first reminder daemon",
		Long: `remindd keeps one notification alarm armed for the soonest pending
reminder, materializes recurring reminders as they fire, and syncs the
local store with a shared Postgres store when DATABASE_URI is set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			return cfg.Validate()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, the sync loop and the Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Push local changes once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Show the trigger that would be armed now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNext(cmd.Context(), cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending reminders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cfg)
		},
	})

	return cmd
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

func runDaemon(cfg *config.Config) error {
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.sched.Start(ctx)
		return nil
	})

	if a.rec != nil {
		g.Go(func() error { return ignoreCanceled(a.rec.Run(ctx)) })
	} else {
		log.Info("DATABASE_URI not set, running offline")
	}

	if a.bot != nil {
		g.Go(func() error { return ignoreCanceled(a.bot.Start(ctx)) })
	} else {
		log.Info("TELEGRAM_TOKEN not set, notifications are only logged")
	}

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("shut down")
	return err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func runSync(ctx context.Context, cfg *config.Config) error {
	if !cfg.Online() {
		return errors.New("DATABASE_URI is required for sync")
	}
	a, err := newApp(ctx, cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.rec.Sync(ctx)
	fmt.Printf("pushed %d, deleted %d, failed %d\n", res.Pushed, res.Deleted, res.Failed)
	for _, id := range res.DeleteWins {
		fmt.Printf("removed %s: deleted remotely\n", id)
	}
	return err
}

func runNext(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.sched.ScheduleNext(ctx)
	for _, s := range res.Skipped {
		fmt.Printf("skipped %s: %v\n", s.ReminderID, s.Err)
	}
	if err != nil {
		return err
	}
	if res.Armed == nil {
		fmt.Println("nothing pending")
		return nil
	}

	r, err := a.svc.Get(ctx, res.Armed.ReminderID)
	if err != nil {
		return err
	}
	kind := "due"
	if res.Armed.PreReminder {
		kind = "pre-reminder"
	}
	fmt.Printf("%s  %-12s %s\n", formatTime(res.Armed.At, cfg.Location), kind, r.Title)

	if r.IsRecurring() {
		fmt.Println("  " + recurrence.Describe(r.Recurrence, cfg.Location))
		upcoming, err := a.engine.Preview(r, 3)
		if err != nil {
			return err
		}
		for _, due := range upcoming {
			fmt.Println("  then " + formatTime(due, cfg.Location))
		}
	}
	return nil
}

func runList(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, newLogger(cfg), false)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.svc.List(ctx, models.PendingStatuses...)
	if err != nil {
		return err
	}
	for _, r := range list {
		line := fmt.Sprintf("%s  %-8s %s  %s", formatTime(r.DueTime, cfg.Location), r.Status, r.ID, r.Title)
		if r.IsRecurring() {
			line += "  (" + recurrence.Describe(r.Recurrence, cfg.Location) + ")"
		}
		if !r.IsSynced {
			line += "  *"
		}
		fmt.Println(line)
	}
	return nil
}

func formatTime(ms int64, loc *time.Location) string {
	return time.UnixMilli(ms).In(loc).Format("2006-01-02 15:04")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
