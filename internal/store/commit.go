package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hray3182/remindsync/internal/models"
)

// Commit records r as a local mutation: it marks r dirty and owned by
// deviceID, bumps lastModified, writes it and queues op for the reconciler.
// lastModified always moves forward so last-writer-wins sees the edit as
// newer even if the wall clock stepped back.
func Commit(ctx context.Context, l Local, r *models.Reminder, op models.Operation, deviceID string, now int64) error {
	if now > r.LastModified {
		r.LastModified = now
	} else if op != models.OpCreate {
		r.LastModified++
	}
	r.IsSynced = false
	r.DeviceID = deviceID

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode reminder %s: %w", r.ID, err)
	}
	if err := l.Upsert(ctx, r); err != nil {
		return err
	}
	return l.Enqueue(ctx, &models.SyncQueueEntry{
		ReminderID: r.ID,
		UserID:     r.UserID,
		Operation:  op,
		Timestamp:  r.LastModified,
		Payload:    payload,
	})
}

// CommitSuccessor commits next, the following occurrence of a recurring
// series, unless a record with its id already exists. Successor ids are
// derived from the source, so a retry after a partial failure, or the same
// occurrence materialized by another device, finds the existing record.
func CommitSuccessor(ctx context.Context, l Local, next *models.Reminder, deviceID string, now int64) (created bool, err error) {
	_, err = l.GetByID(ctx, next.ID)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, fmt.Errorf("failed to look up next instance %s: %w", next.ID, err)
	}
	if err := Commit(ctx, l, next, models.OpCreate, deviceID, now); err != nil {
		return false, err
	}
	return true, nil
}

// CommitDelete removes r locally and queues the remote delete. Older queue
// entries for r are dropped first so an in-flight push cannot bring it back.
func CommitDelete(ctx context.Context, l Local, r *models.Reminder, now int64) error {
	if err := l.Delete(ctx, r.ID); err != nil {
		return err
	}
	if err := l.DiscardEntries(ctx, r.ID); err != nil {
		return err
	}
	return l.Enqueue(ctx, &models.SyncQueueEntry{
		ReminderID: r.ID,
		UserID:     r.UserID,
		Operation:  models.OpDelete,
		Timestamp:  now,
	})
}
