package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/repository"
)

// ErrUnavailable is the default injected remote failure.
var ErrUnavailable = errors.New("remote unavailable")

// Remote is an in-memory remote collection with tombstones and per-id
// failure injection.
type Remote struct {
	mu      sync.Mutex
	docs    map[string]*models.Reminder
	deleted map[string]bool
	fail    map[string]error
	// Pushes records pushed ids in call order.
	Pushes  []string
	Deletes []string
	stream  chan models.RemoteChange
	SubErr  error
}

func NewRemote() *Remote {
	return &Remote{
		docs:    make(map[string]*models.Reminder),
		deleted: make(map[string]bool),
		fail:    make(map[string]error),
		stream:  make(chan models.RemoteChange, 16),
	}
}

// Fail makes every call for id return err until cleared with a nil err.
func (r *Remote) Fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, id)
		return
	}
	r.fail[id] = err
}

// Tombstone marks id as deleted remotely, as another device would.
func (r *Remote) Tombstone(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	r.deleted[id] = true
}

func (r *Remote) Push(ctx context.Context, rem *models.Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Pushes = append(r.Pushes, rem.ID)
	if err := r.fail[rem.ID]; err != nil {
		return err
	}
	if r.deleted[rem.ID] {
		return repository.ErrDeleted
	}
	if cur, ok := r.docs[rem.ID]; ok && cur.LastModified >= rem.LastModified {
		return nil
	}
	r.docs[rem.ID] = rem.Clone()
	return nil
}

func (r *Remote) Delete(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deletes = append(r.Deletes, id)
	if err := r.fail[id]; err != nil {
		return err
	}
	delete(r.docs, id)
	r.deleted[id] = true
	return nil
}

// Doc returns the stored copy of id, nil if absent.
func (r *Remote) Doc(id string) *models.Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[id]; ok {
		return d.Clone()
	}
	return nil
}

// Deleted reports whether id is tombstoned.
func (r *Remote) Deleted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted[id]
}

func (r *Remote) PushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Pushes)
}

// Emit sends a change to the subscriber.
func (r *Remote) Emit(ch models.RemoteChange) {
	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()
	stream <- ch
}

// CloseStream ends the current subscription; the next Subscribe opens a new one.
func (r *Remote) CloseStream() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.stream)
	r.stream = make(chan models.RemoteChange, 16)
}

func (r *Remote) Subscribe(ctx context.Context, userID string) (<-chan models.RemoteChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SubErr != nil {
		return nil, r.SubErr
	}
	return r.stream, nil
}
