package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hray3182/remindsync/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const reminderColumns = `id, user_id, title, description, due_time, reminder_time, deadline, snooze_until,
	status, completed_at, created_at, last_modified, recurrence, current_reminder_count,
	target_remind_count, is_synced, device_id`

// SQLite stores reminders in a single-writer SQLite database in WAL mode.
type SQLite struct {
	db  *sql.DB
	hub *hub
}

// OpenSQLite creates or opens the database at path and applies the schema.
// Safe to call on an existing database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, hub: newHub()}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Upsert(ctx context.Context, r *models.Reminder) error {
	var recurrence sql.NullString
	if r.Recurrence != nil {
		data, err := json.Marshal(r.Recurrence)
		if err != nil {
			return fmt.Errorf("failed to encode recurrence for %s: %w", r.ID, err)
		}
		recurrence = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (`+reminderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id, title = excluded.title, description = excluded.description,
			due_time = excluded.due_time, reminder_time = excluded.reminder_time, deadline = excluded.deadline,
			snooze_until = excluded.snooze_until, status = excluded.status, completed_at = excluded.completed_at,
			created_at = excluded.created_at, last_modified = excluded.last_modified, recurrence = excluded.recurrence,
			current_reminder_count = excluded.current_reminder_count, target_remind_count = excluded.target_remind_count,
			is_synced = excluded.is_synced, device_id = excluded.device_id`,
		r.ID, r.UserID, r.Title, r.Description, r.DueTime, nullInt64(r.ReminderTime), nullInt64(r.Deadline),
		nullInt64(r.SnoozeUntil), string(r.Status), nullInt64(r.CompletedAt), r.CreatedAt, r.LastModified,
		recurrence, r.CurrentReminderCount, nullInt(r.TargetRemindCount), r.IsSynced, r.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reminder %s: %w", r.ID, err)
	}

	s.notify(ctx, r.UserID)
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM reminders WHERE id = ?`, id).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up reminder %s: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete reminder %s: %w", id, err)
	}

	s.notify(ctx, userID)
	return nil
}

func (s *SQLite) GetByID(ctx context.Context, id string) (*models.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLite) QueryByUserAndStatus(ctx context.Context, userID string, statuses ...models.Status) ([]*models.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY due_time ASC, id ASC`
	return s.queryReminders(ctx, query, args...)
}

func (s *SQLite) QueryUnsynced(ctx context.Context, userID string) ([]*models.Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? AND is_synced = 0
		 ORDER BY last_modified ASC, id ASC`,
		userID,
	)
}

func (s *SQLite) MarkSynced(ctx context.Context, id string, lastModified int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET is_synced = 1 WHERE id = ? AND last_modified = ?`,
		id, lastModified,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder %s synced: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Subscribe(ctx context.Context, userID string) <-chan []*models.Reminder {
	return s.hub.subscribe(ctx, userID)
}

func (s *SQLite) notify(ctx context.Context, userID string) {
	if !s.hub.watching(userID) {
		return
	}
	snapshot, err := s.QueryByUserAndStatus(ctx, userID)
	if err != nil && !errors.Is(err, ErrCorruptRecord) {
		return
	}
	s.hub.publish(userID, snapshot)
}

func (s *SQLite) queryReminders(ctx context.Context, query string, args ...any) ([]*models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*models.Reminder
	var corrupt []error
	for rows.Next() {
		r, err := scanReminder(rows)
		if errors.Is(err, ErrCorruptRecord) {
			corrupt = append(corrupt, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reminders, errors.Join(corrupt...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*models.Reminder, error) {
	var (
		r                                                models.Reminder
		status                                           string
		reminderTime, deadline, snoozeUntil, completedAt sql.NullInt64
		targetRemindCount                                sql.NullInt64
		recurrence                                       sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &r.DueTime, &reminderTime, &deadline,
		&snoozeUntil, &status, &completedAt, &r.CreatedAt, &r.LastModified, &recurrence,
		&r.CurrentReminderCount, &targetRemindCount, &r.IsSynced, &r.DeviceID)
	if err != nil {
		return nil, err
	}

	r.Status = models.Status(status)
	r.ReminderTime = int64Ptr(reminderTime)
	r.Deadline = int64Ptr(deadline)
	r.SnoozeUntil = int64Ptr(snoozeUntil)
	r.CompletedAt = int64Ptr(completedAt)
	if targetRemindCount.Valid {
		r.TargetRemindCount = models.Int(int(targetRemindCount.Int64))
	}
	if recurrence.Valid && recurrence.String != "" {
		var rule models.Rule
		if err := json.Unmarshal([]byte(recurrence.String), &rule); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, r.ID, err)
		}
		r.Recurrence = &rule
	}
	return &r, nil
}

func (s *SQLite) Enqueue(ctx context.Context, e *models.SyncQueueEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_queue (reminder_id, user_id, operation, timestamp, retry_count, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ReminderID, e.UserID, string(e.Operation), e.Timestamp, e.RetryCount, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s: %w", e.Operation, e.ReminderID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (s *SQLite) PendingEntries(ctx context.Context, userID string) ([]*models.SyncQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reminder_id, user_id, operation, timestamp, retry_count, payload
		 FROM sync_queue WHERE user_id = ? ORDER BY timestamp ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncQueueEntry
	for rows.Next() {
		e := &models.SyncQueueEntry{}
		var op string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ReminderID, &e.UserID, &op, &e.Timestamp, &e.RetryCount, &payload); err != nil {
			return nil, err
		}
		e.Operation = models.Operation(op)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLite) DiscardEntries(ctx context.Context, reminderID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE reminder_id = ?`, reminderID); err != nil {
		return fmt.Errorf("failed to discard queue entries for %s: %w", reminderID, err)
	}
	return nil
}

func (s *SQLite) AckEntries(ctx context.Context, reminderID string, upTo int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE reminder_id = ? AND timestamp <= ?`, reminderID, upTo,
	); err != nil {
		return fmt.Errorf("failed to ack queue entries for %s: %w", reminderID, err)
	}
	return nil
}

func (s *SQLite) MarkAttempt(ctx context.Context, entryID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = retry_count + 1 WHERE id = ?`, entryID,
	); err != nil {
		return fmt.Errorf("failed to record attempt for queue entry %d: %w", entryID, err)
	}
	return nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return models.Int64(n.Int64)
}
