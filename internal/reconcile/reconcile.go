// Package reconcile keeps the local store and the remote per-user
// collection eventually consistent. The local store is what the user sees;
// the remote store is what devices agree on. Conflicts are settled by
// last-writer-wins on lastModified, except that a remote delete always wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hray3182/remindsync/internal/metrics"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/repository"
	"github.com/hray3182/remindsync/internal/scheduler"
	"github.com/hray3182/remindsync/internal/store"
)

// Remote is the shared document collection.
type Remote interface {
	// Push writes r. It returns repository.ErrDeleted when r was deleted
	// remotely.
	Push(ctx context.Context, r *models.Reminder) error
	Delete(ctx context.Context, userID, id string) error
	// Subscribe streams changes for the user until ctx ends.
	Subscribe(ctx context.Context, userID string) (<-chan models.RemoteChange, error)
}

// Scheduler is what the reconciler needs from the notification scheduler.
type Scheduler interface {
	ScheduleNext(ctx context.Context) (scheduler.Result, error)
	CancelNotification(ctx context.Context, reminderID string) error
}

// Result is the aggregate outcome of one Sync pass.
type Result struct {
	Pushed  int
	Deleted int
	Failed  int
	// DeleteWins lists local records removed because the remote copy was deleted.
	DeleteWins []string
}

type Config struct {
	UserID   string
	DeviceID string
	// Interval is the periodic sync period of Run.
	Interval time.Duration
	// ResubscribeDelay is how long Run waits before reopening a closed
	// remote change stream.
	ResubscribeDelay time.Duration
}

type Reconciler struct {
	local     store.Local
	remote    Remote
	scheduler Scheduler
	log       *slog.Logger
	cfg       Config

	// syncMu serializes Sync passes so a record is pushed at most once per pass.
	syncMu    sync.Mutex
	triggerCh chan struct{}
}

func New(local store.Local, remote Remote, sched Scheduler, log *slog.Logger, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = 5 * time.Second
	}
	return &Reconciler{
		local:     local,
		remote:    remote,
		scheduler: sched,
		log:       log.With("component", "reconcile"),
		cfg:       cfg,
		triggerCh: make(chan struct{}, 1),
	}
}

// pushOutcome is how a record push ended.
type pushOutcome int

const (
	pushed pushOutcome = iota
	// deleteWon: the remote copy was deleted and the local one dropped.
	deleteWon
	// deletedInFlight: the record was deleted locally during the push and
	// the delete followed it out.
	deletedInFlight
)

// work is one outbound item: a queued delete or a dirty record.
type work struct {
	at     int64
	delete *models.SyncQueueEntry
	record *models.Reminder
}

// Sync pushes queued deletes and dirty records, oldest first, each at most
// once. Failures leave the item queued for the next pass and do not stop
// the pass.
func (r *Reconciler) Sync(ctx context.Context) (Result, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	var res Result
	var errs []error

	entries, err := r.local.PendingEntries(ctx, r.cfg.UserID)
	if err != nil {
		return res, fmt.Errorf("failed to read sync queue: %w", err)
	}
	dirty, err := r.local.QueryUnsynced(ctx, r.cfg.UserID)
	if err != nil {
		if !errors.Is(err, store.ErrCorruptRecord) {
			return res, fmt.Errorf("failed to query unsynced reminders: %w", err)
		}
		r.log.Warn("skipping undecodable reminders", "error", err)
		errs = append(errs, err)
	}

	entriesByID := make(map[string][]*models.SyncQueueEntry)
	var items []work
	for _, e := range entries {
		entriesByID[e.ReminderID] = append(entriesByID[e.ReminderID], e)
		if e.Operation == models.OpDelete {
			items = append(items, work{at: e.Timestamp, delete: e})
		}
	}
	for _, rec := range dirty {
		items = append(items, work{at: rec.LastModified, record: rec})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].at < items[j].at })

	reschedule := false
	followed := 0
	for _, it := range items {
		if it.delete != nil {
			if err := r.pushDelete(ctx, it.delete); err != nil {
				res.Failed++
				errs = append(errs, err)
				continue
			}
			res.Deleted++
			continue
		}

		outcome, err := r.push(ctx, it.record, entriesByID[it.record.ID])
		switch {
		case err != nil:
			res.Failed++
			errs = append(errs, err)
		case outcome == deleteWon:
			res.DeleteWins = append(res.DeleteWins, it.record.ID)
			reschedule = true
		case outcome == deletedInFlight:
			res.Deleted++
			followed++
		default:
			res.Pushed++
		}
	}

	if reschedule {
		if _, err := r.scheduler.ScheduleNext(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	metrics.DirtyRecords.Set(float64(len(dirty) - res.Pushed - len(res.DeleteWins) - followed))
	if len(items) > 0 {
		r.log.Info("sync pass done", "pushed", res.Pushed, "deleted", res.Deleted, "failed", res.Failed, "delete_wins", len(res.DeleteWins))
	}
	return res, errors.Join(errs...)
}

func (r *Reconciler) pushDelete(ctx context.Context, e *models.SyncQueueEntry) error {
	if err := r.remote.Delete(ctx, e.UserID, e.ReminderID); err != nil {
		metrics.SyncPushes.WithLabelValues("failed").Inc()
		r.markAttempt(ctx, e)
		return fmt.Errorf("failed to delete %s remotely: %w", e.ReminderID, err)
	}
	metrics.SyncPushes.WithLabelValues("ok").Inc()
	if err := r.local.AckEntries(ctx, e.ReminderID, e.Timestamp); err != nil {
		return fmt.Errorf("failed to ack delete of %s: %w", e.ReminderID, err)
	}
	return nil
}

// push sends one dirty record.
func (r *Reconciler) push(ctx context.Context, rec *models.Reminder, entries []*models.SyncQueueEntry) (pushOutcome, error) {
	err := r.remote.Push(ctx, rec)
	if errors.Is(err, repository.ErrDeleted) {
		metrics.SyncPushes.WithLabelValues("deleted").Inc()
		r.log.Info("remote copy deleted, dropping local reminder", "reminder_id", rec.ID)
		if err := r.removeLocal(ctx, rec.ID); err != nil {
			return pushed, err
		}
		return deleteWon, nil
	}
	if err != nil {
		metrics.SyncPushes.WithLabelValues("failed").Inc()
		for _, e := range entries {
			r.markAttempt(ctx, e)
		}
		return pushed, fmt.Errorf("failed to push %s: %w", rec.ID, err)
	}

	metrics.SyncPushes.WithLabelValues("ok").Inc()
	ok, err := r.local.MarkSynced(ctx, rec.ID, rec.LastModified)
	if err != nil {
		return pushed, fmt.Errorf("failed to mark %s synced: %w", rec.ID, err)
	}
	if ok {
		if err := r.local.AckEntries(ctx, rec.ID, rec.LastModified); err != nil {
			return pushed, fmt.Errorf("failed to ack %s: %w", rec.ID, err)
		}
		return pushed, nil
	}

	if _, err := r.local.GetByID(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		// Edited while in flight; the next pass pushes the newer state.
		return pushed, nil
	}
	// Deleted while in flight. The write just landed remotely, so the
	// delete goes out now rather than leaving a live copy for other
	// devices until the next pass.
	return r.followDelete(ctx, rec)
}

func (r *Reconciler) followDelete(ctx context.Context, rec *models.Reminder) (pushOutcome, error) {
	entries, err := r.local.PendingEntries(ctx, rec.UserID)
	if err != nil {
		return pushed, fmt.Errorf("failed to read sync queue: %w", err)
	}
	var del *models.SyncQueueEntry
	for _, e := range entries {
		if e.ReminderID == rec.ID && e.Operation == models.OpDelete {
			del = e
		}
	}
	if del == nil {
		return pushed, nil
	}
	r.log.Info("reminder deleted during push, deleting remote copy", "reminder_id", rec.ID)
	if err := r.pushDelete(ctx, del); err != nil {
		return pushed, err
	}
	return deletedInFlight, nil
}

func (r *Reconciler) markAttempt(ctx context.Context, e *models.SyncQueueEntry) {
	if err := r.local.MarkAttempt(ctx, e.ID); err != nil {
		r.log.Warn("failed to record sync attempt", "entry_id", e.ID, "error", err)
	}
}

// removeLocal drops the local copy and its queued mutations and withdraws
// its notification. It does not reschedule.
func (r *Reconciler) removeLocal(ctx context.Context, id string) error {
	if err := r.local.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete local reminder %s: %w", id, err)
	}
	if err := r.local.DiscardEntries(ctx, id); err != nil {
		return fmt.Errorf("failed to discard queued changes for %s: %w", id, err)
	}
	if err := r.scheduler.CancelNotification(ctx, id); err != nil {
		r.log.Warn("failed to cancel notification", "reminder_id", id, "error", err)
	}
	return nil
}

// ApplyRemoteChange merges one remote change into the local store. It
// reports whether the local store was modified. Echoes of this device's
// own writes and changes that are not newer than the local copy are
// ignored.
func (r *Reconciler) ApplyRemoteChange(ctx context.Context, ch models.RemoteChange) (bool, error) {
	outcome, applied, err := r.apply(ctx, ch)
	metrics.RemoteChanges.WithLabelValues(string(ch.Type), outcome).Inc()
	if err != nil {
		return false, err
	}
	if applied {
		r.log.Info("remote change applied", "type", ch.Type, "reminder_id", ch.Reminder.ID, "device_id", ch.DeviceID)
		if _, err := r.scheduler.ScheduleNext(ctx); err != nil {
			return true, fmt.Errorf("failed to reschedule after remote change: %w", err)
		}
	}
	return applied, nil
}

func (r *Reconciler) apply(ctx context.Context, ch models.RemoteChange) (outcome string, applied bool, err error) {
	if ch.Reminder == nil || ch.Reminder.ID == "" {
		return "invalid", false, fmt.Errorf("%w: remote change without reminder id", models.ErrInvalidReminder)
	}
	if ch.DeviceID == r.cfg.DeviceID {
		return "echo", false, nil
	}
	if ch.Reminder.UserID != "" && ch.Reminder.UserID != r.cfg.UserID {
		return "foreign", false, nil
	}

	id := ch.Reminder.ID
	local, err := r.local.GetByID(ctx, id)
	found := err == nil
	exists := found
	switch {
	case errors.Is(err, store.ErrNotFound):
	case errors.Is(err, store.ErrCorruptRecord):
		// The remote copy replaces an unreadable local one.
		r.log.Warn("local reminder is undecodable", "reminder_id", id)
		exists = true
	case err != nil:
		return "error", false, fmt.Errorf("failed to load local reminder %s: %w", id, err)
	}

	switch ch.Type {
	case models.ChangeDeleted:
		if !exists {
			// Nothing to remove, but a queued create must not resurrect it.
			if err := r.local.DiscardEntries(ctx, id); err != nil {
				return "error", false, fmt.Errorf("failed to discard queued changes for %s: %w", id, err)
			}
			return "noop", false, nil
		}
		if err := r.removeLocal(ctx, id); err != nil {
			return "error", false, err
		}
		return "deleted", true, nil

	case models.ChangeCreated, models.ChangeUpdated:
		incoming := ch.Reminder.Clone()
		if incoming.UserID == "" {
			incoming.UserID = r.cfg.UserID
		}
		if err := incoming.Validate(); err != nil {
			metrics.SkippedRecords.Inc()
			return "invalid", false, fmt.Errorf("remote change rejected: %w", err)
		}
		if found && incoming.LastModified <= local.LastModified {
			return "stale", false, nil
		}
		incoming.IsSynced = true
		incoming.DeviceID = ch.DeviceID
		if err := r.local.Upsert(ctx, incoming); err != nil {
			return "error", false, fmt.Errorf("failed to store remote reminder %s: %w", id, err)
		}
		// Local edits up to this point lost to the newer remote copy.
		if err := r.local.AckEntries(ctx, id, incoming.LastModified); err != nil {
			r.log.Warn("failed to drop superseded queue entries", "reminder_id", id, "error", err)
		}
		if found {
			if err := r.scheduler.CancelNotification(ctx, id); err != nil {
				r.log.Warn("failed to cancel notification", "reminder_id", id, "error", err)
			}
		}
		return "applied", true, nil
	}
	return "invalid", false, fmt.Errorf("unknown remote change type %q", ch.Type)
}

// Trigger requests a sync pass from Run. Non-blocking.
func (r *Reconciler) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// Run syncs periodically, on Trigger, and whenever the local store holds
// dirty records after a write. It applies remote changes as they arrive
// and reopens the remote stream if it closes. It returns when ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciler started", "user_id", r.cfg.UserID, "interval", r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	localChanges := r.local.Subscribe(ctx, r.cfg.UserID)
	remoteChanges, resubscribe := r.subscribe(ctx)

	r.runSync(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			r.runSync(ctx)
		case <-r.triggerCh:
			r.runSync(ctx)
		case snapshot, ok := <-localChanges:
			if !ok {
				localChanges = nil
				continue
			}
			if hasDirty(snapshot) {
				r.runSync(ctx)
			}
		case ch, ok := <-remoteChanges:
			if !ok {
				r.log.Warn("remote change stream closed")
				remoteChanges = nil
				resubscribe = time.After(r.cfg.ResubscribeDelay)
				continue
			}
			if _, err := r.ApplyRemoteChange(ctx, ch); err != nil {
				r.log.Warn("failed to apply remote change", "error", err)
			}
		case <-resubscribe:
			remoteChanges, resubscribe = r.subscribe(ctx)
			if remoteChanges != nil {
				// Catch up on anything pushed while the stream was down.
				r.runSync(ctx)
			}
		}
	}
}

// subscribe opens the remote stream, or returns a retry timer on failure.
func (r *Reconciler) subscribe(ctx context.Context) (<-chan models.RemoteChange, <-chan time.Time) {
	ch, err := r.remote.Subscribe(ctx, r.cfg.UserID)
	if err != nil {
		r.log.Warn("failed to subscribe to remote changes", "error", err, "retry_in", r.cfg.ResubscribeDelay)
		return nil, time.After(r.cfg.ResubscribeDelay)
	}
	return ch, nil
}

func (r *Reconciler) runSync(ctx context.Context) {
	if _, err := r.Sync(ctx); err != nil {
		r.log.Warn("sync pass incomplete", "error", err)
	}
}

func hasDirty(snapshot []*models.Reminder) bool {
	for _, rec := range snapshot {
		if !rec.IsSynced {
			return true
		}
	}
	return false
}
