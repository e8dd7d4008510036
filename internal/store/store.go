// Package store is the local, authoritative reminder store. It also keeps
// the outbound sync queue, so a mutation and its queue entry live in the
// same database.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/hray3182/remindsync/internal/models"
)

var (
	ErrNotFound = errors.New("reminder not found")
	// ErrCorruptRecord is joined into query errors when a stored row cannot
	// be decoded. The remaining rows are still returned.
	ErrCorruptRecord = errors.New("corrupt reminder record")
)

// Store is a mapping from id to Reminder. Every method is an atomic
// single-record operation or a read-only query.
type Store interface {
	Upsert(ctx context.Context, r *models.Reminder) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*models.Reminder, error)
	QueryByUserAndStatus(ctx context.Context, userID string, statuses ...models.Status) ([]*models.Reminder, error)
	// QueryUnsynced returns dirty records oldest lastModified first.
	QueryUnsynced(ctx context.Context, userID string) ([]*models.Reminder, error)
	// MarkSynced sets isSynced only if the record still has lastModified,
	// so an edit made during a push stays dirty.
	MarkSynced(ctx context.Context, id string, lastModified int64) (bool, error)
	// Subscribe delivers a snapshot of the user's reminders after every
	// write. Only the latest snapshot is buffered. The channel is closed
	// when ctx ends.
	Subscribe(ctx context.Context, userID string) <-chan []*models.Reminder
}

// Queue holds mutations waiting for remote acknowledgement.
type Queue interface {
	Enqueue(ctx context.Context, e *models.SyncQueueEntry) error
	// PendingEntries returns entries oldest first.
	PendingEntries(ctx context.Context, userID string) ([]*models.SyncQueueEntry, error)
	// DiscardEntries drops every entry for the reminder.
	DiscardEntries(ctx context.Context, reminderID string) error
	// AckEntries drops entries for the reminder queued at or before upTo.
	AckEntries(ctx context.Context, reminderID string, upTo int64) error
	MarkAttempt(ctx context.Context, entryID int64) error
}

// Local is a store together with its outbound queue.
type Local interface {
	Store
	Queue
}

type subscriber struct {
	userID string
	ch     chan []*models.Reminder
}

// hub fans snapshots out to subscribers.
type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe(ctx context.Context, userID string) <-chan []*models.Reminder {
	s := &subscriber{userID: userID, ch: make(chan []*models.Reminder, 1)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, s)
		close(s.ch)
		h.mu.Unlock()
	}()
	return s.ch
}

func (h *hub) watching(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.userID == userID {
			return true
		}
	}
	return false
}

func (h *hub) publish(userID string, snapshot []*models.Reminder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if s.userID != userID {
			continue
		}
		cp := make([]*models.Reminder, len(snapshot))
		for i, r := range snapshot {
			cp[i] = r.Clone()
		}
		// Replace a stale snapshot nobody has read yet.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- cp:
		default:
		}
	}
}
