// Package repository is the shared remote reminder collection, kept in
// Postgres. Deletes leave tombstones so a late push from another device
// cannot bring a reminder back.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hray3182/remindsync/internal/database"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/recurrence"
	"github.com/jackc/pgx/v5"
)

// ErrDeleted is returned by Push when the reminder has been deleted remotely.
var ErrDeleted = errors.New("reminder deleted remotely")

const changeChannel = "reminder_changes"

const reminderColumns = `id, user_id, title, description, due_time, reminder_time, deadline,
	snooze_until, status, completed_at, created_at, last_modified, recurrence,
	current_reminder_count, target_remind_count, device_id, deleted`

type ReminderRepository struct {
	db       *database.DB
	deviceID string
	loc      *time.Location
	log      *slog.Logger
}

// NewReminderRepository returns the remote for one device. deviceID tags
// tombstones; loc is used to render the rrule column.
func NewReminderRepository(db *database.DB, deviceID string, loc *time.Location, log *slog.Logger) *ReminderRepository {
	return &ReminderRepository{
		db:       db,
		deviceID: deviceID,
		loc:      loc,
		log:      log.With("component", "reminder_repository"),
	}
}

// Push writes rem unless the remote copy is newer or equal. A rejected
// write is not an error: the newer copy reaches this device through
// Subscribe.
func (r *ReminderRepository) Push(ctx context.Context, rem *models.Reminder) error {
	var rec []byte
	var rule *string
	if rem.Recurrence != nil {
		var err error
		if rec, err = json.Marshal(rem.Recurrence); err != nil {
			return fmt.Errorf("encode recurrence: %w", err)
		}
		s, err := recurrence.RRuleString(rem.Recurrence, time.UnixMilli(rem.DueTime).In(r.loc))
		if err != nil {
			r.log.Warn("cannot render rrule", "reminder_id", rem.ID, "error", err)
		} else {
			rule = &s
		}
	}

	const query = `
		INSERT INTO reminders (id, user_id, title, description, due_time, reminder_time, deadline,
			snooze_until, status, completed_at, created_at, last_modified, recurrence, rrule,
			current_reminder_count, target_remind_count, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			due_time = EXCLUDED.due_time,
			reminder_time = EXCLUDED.reminder_time,
			deadline = EXCLUDED.deadline,
			snooze_until = EXCLUDED.snooze_until,
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			last_modified = EXCLUDED.last_modified,
			recurrence = EXCLUDED.recurrence,
			rrule = EXCLUDED.rrule,
			current_reminder_count = EXCLUDED.current_reminder_count,
			target_remind_count = EXCLUDED.target_remind_count,
			device_id = EXCLUDED.device_id
		WHERE reminders.deleted = FALSE AND reminders.last_modified < EXCLUDED.last_modified
		RETURNING id`

	var id string
	err := r.db.Pool.QueryRow(ctx, query,
		rem.ID, rem.UserID, rem.Title, rem.Description, rem.DueTime, rem.ReminderTime, rem.Deadline,
		rem.SnoozeUntil, string(rem.Status), rem.CompletedAt, rem.CreatedAt, rem.LastModified, rec, rule,
		rem.CurrentReminderCount, rem.TargetRemindCount, rem.DeviceID,
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.log.Error("failed to push reminder", "reminder_id", rem.ID, "error", err)
		return fmt.Errorf("push reminder: %w", err)
	}

	// The conditional update matched nothing: tombstone or newer copy.
	var deleted bool
	if err := r.db.Pool.QueryRow(ctx, `SELECT deleted FROM reminders WHERE id = $1`, rem.ID).Scan(&deleted); err != nil {
		return fmt.Errorf("check remote reminder: %w", err)
	}
	if deleted {
		return ErrDeleted
	}
	r.log.Debug("push superseded by newer remote copy", "reminder_id", rem.ID)
	return nil
}

// Delete tombstones the reminder, creating the tombstone if the reminder
// never reached the remote.
func (r *ReminderRepository) Delete(ctx context.Context, userID, id string) error {
	const query = `
		INSERT INTO reminders (id, user_id, last_modified, device_id, deleted)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (id) DO UPDATE SET
			deleted = TRUE,
			device_id = EXCLUDED.device_id,
			last_modified = GREATEST(reminders.last_modified + 1, EXCLUDED.last_modified)
		WHERE reminders.user_id = EXCLUDED.user_id`

	if _, err := r.db.Pool.Exec(ctx, query, id, userID, time.Now().UnixMilli(), r.deviceID); err != nil {
		r.log.Error("failed to delete reminder", "reminder_id", id, "user_id", userID, "error", err)
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}

// Get returns the remote copy of a reminder, tombstones included.
func (r *ReminderRepository) Get(ctx context.Context, userID, id string) (models.RemoteChange, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = $1 AND user_id = $2`, id, userID)
	return scanChange(row)
}

// List returns every remote reminder of the user, tombstones included,
// oldest change first.
func (r *ReminderRepository) List(ctx context.Context, userID string) ([]models.RemoteChange, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = $1 ORDER BY last_modified ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var changes []models.RemoteChange
	for rows.Next() {
		ch, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// Subscribe streams the user's current remote reminders followed by every
// later change, using LISTEN/NOTIFY. The channel closes when ctx ends or
// the listening connection fails.
func (r *ReminderRepository) Subscribe(ctx context.Context, userID string) (<-chan models.RemoteChange, error) {
	conn, err := r.db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	// Listening before the snapshot so nothing falls between them.
	initial, err := r.List(ctx, userID)
	if err != nil {
		conn.Release()
		return nil, err
	}

	out := make(chan models.RemoteChange, 16)
	go func() {
		defer close(out)
		defer conn.Release()

		for _, ch := range initial {
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warn("remote change stream ended", "error", err)
				}
				return
			}

			var payload struct {
				ID     string `json:"id"`
				UserID string `json:"user_id"`
				Op     string `json:"op"`
			}
			if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
				r.log.Warn("bad change notification", "payload", n.Payload, "error", err)
				continue
			}
			if payload.UserID != userID {
				continue
			}

			ch, err := r.Get(ctx, userID, payload.ID)
			if err != nil {
				r.log.Warn("failed to load changed reminder", "reminder_id", payload.ID, "error", err)
				continue
			}
			if ch.Type != models.ChangeDeleted && payload.Op == "INSERT" {
				ch.Type = models.ChangeCreated
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func scanChange(row pgx.Row) (models.RemoteChange, error) {
	var (
		rem     models.Reminder
		status  string
		rec     []byte
		device  string
		deleted bool
	)
	err := row.Scan(&rem.ID, &rem.UserID, &rem.Title, &rem.Description, &rem.DueTime,
		&rem.ReminderTime, &rem.Deadline, &rem.SnoozeUntil, &status, &rem.CompletedAt,
		&rem.CreatedAt, &rem.LastModified, &rec, &rem.CurrentReminderCount,
		&rem.TargetRemindCount, &device, &deleted)
	if err != nil {
		return models.RemoteChange{}, fmt.Errorf("scan reminder: %w", err)
	}
	rem.Status = models.Status(status)
	rem.DeviceID = device
	rem.IsSynced = true

	if deleted {
		return models.RemoteChange{Reminder: &rem, DeviceID: device, Type: models.ChangeDeleted}, nil
	}
	if len(rec) > 0 {
		rem.Recurrence = &models.Rule{}
		if err := json.Unmarshal(rec, rem.Recurrence); err != nil {
			return models.RemoteChange{}, fmt.Errorf("decode recurrence of %s: %w", rem.ID, err)
		}
	}
	return models.RemoteChange{Reminder: &rem, DeviceID: device, Type: models.ChangeUpdated}, nil
}
