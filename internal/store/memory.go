package store

import (
	"context"
	"sort"
	"sync"

	"github.com/hray3182/remindsync/internal/models"
)

// Memory is a process-local Store and Queue. It is used when no database
// path is configured and as the store in tests.
type Memory struct {
	mu        sync.RWMutex
	reminders map[string]*models.Reminder
	queue     []*models.SyncQueueEntry
	nextEntry int64
	hub       *hub
}

func NewMemory() *Memory {
	return &Memory{
		reminders: make(map[string]*models.Reminder),
		hub:       newHub(),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Upsert(ctx context.Context, r *models.Reminder) error {
	m.mu.Lock()
	m.reminders[r.ID] = r.Clone()
	m.mu.Unlock()

	m.notify(r.UserID)
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.reminders[id]
	delete(m.reminders, id)
	m.mu.Unlock()

	if ok {
		m.notify(r.UserID)
	}
	return nil
}

func (m *Memory) GetByID(ctx context.Context, id string) (*models.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) QueryByUserAndStatus(ctx context.Context, userID string, statuses ...models.Status) ([]*models.Reminder, error) {
	want := make(map[models.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	out := m.filter(func(r *models.Reminder) bool {
		return r.UserID == userID && (len(want) == 0 || want[r.Status])
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueTime != out[j].DueTime {
			return out[i].DueTime < out[j].DueTime
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) QueryUnsynced(ctx context.Context, userID string) ([]*models.Reminder, error) {
	out := m.filter(func(r *models.Reminder) bool {
		return r.UserID == userID && !r.IsSynced
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModified != out[j].LastModified {
			return out[i].LastModified < out[j].LastModified
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) MarkSynced(ctx context.Context, id string, lastModified int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || r.LastModified != lastModified {
		return false, nil
	}
	r.IsSynced = true
	return true, nil
}

func (m *Memory) Subscribe(ctx context.Context, userID string) <-chan []*models.Reminder {
	return m.hub.subscribe(ctx, userID)
}

func (m *Memory) Enqueue(ctx context.Context, e *models.SyncQueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEntry++
	e.ID = m.nextEntry
	cp := *e
	m.queue = append(m.queue, &cp)
	return nil
}

func (m *Memory) PendingEntries(ctx context.Context, userID string) ([]*models.SyncQueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.SyncQueueEntry
	for _, e := range m.queue {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

func (m *Memory) DiscardEntries(ctx context.Context, reminderID string) error {
	m.removeEntries(func(e *models.SyncQueueEntry) bool { return e.ReminderID == reminderID })
	return nil
}

func (m *Memory) AckEntries(ctx context.Context, reminderID string, upTo int64) error {
	m.removeEntries(func(e *models.SyncQueueEntry) bool {
		return e.ReminderID == reminderID && e.Timestamp <= upTo
	})
	return nil
}

func (m *Memory) MarkAttempt(ctx context.Context, entryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.queue {
		if e.ID == entryID {
			e.RetryCount++
		}
	}
	return nil
}

func (m *Memory) removeEntries(match func(*models.SyncQueueEntry) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.queue[:0]
	for _, e := range m.queue {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	m.queue = kept
}

func (m *Memory) filter(keep func(*models.Reminder) bool) []*models.Reminder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Reminder
	for _, r := range m.reminders {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (m *Memory) notify(userID string) {
	if !m.hub.watching(userID) {
		return
	}
	snapshot, _ := m.QueryByUserAndStatus(context.Background(), userID)
	m.hub.publish(userID, snapshot)
}
