package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/hray3182/remindsync/internal/clock"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/recurrence"
	"github.com/hray3182/remindsync/internal/scheduler"
	"github.com/hray3182/remindsync/internal/store"
	"github.com/hray3182/remindsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	user   = "u1"
	device = "dev-a"
	now    = int64(1_800_000_000_000)
)

type harness struct {
	r         *Reconciler
	local     *store.Memory
	remote    *testutil.Remote
	sched     *scheduler.Scheduler
	alarm     *testutil.Alarm
	presenter *testutil.Presenter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		local:     store.NewMemory(),
		remote:    testutil.NewRemote(),
		alarm:     testutil.NewAlarm(),
		presenter: &testutil.Presenter{},
	}
	h.sched = scheduler.New(h.local, recurrence.NewEngine(), h.alarm, clock.NewFake(now), testutil.Logger(),
		scheduler.Config{UserID: user, DeviceID: device})
	h.sched.SetPresenter(h.presenter)
	h.r = New(h.local, h.remote, h.sched, testutil.Logger(), Config{
		UserID:           user,
		DeviceID:         device,
		Interval:         time.Hour,
		ResubscribeDelay: 10 * time.Millisecond,
	})
	return h
}

func reminder(id string, modified int64) *models.Reminder {
	return &models.Reminder{
		ID:           id,
		UserID:       user,
		Title:        "local " + id,
		DueTime:      now + 3_600_000,
		Status:       models.StatusActive,
		CreatedAt:    modified,
		LastModified: modified,
		IsSynced:     true,
		DeviceID:     device,
	}
}

// dirty writes r through the local mutation path at lastModified = at.
func (h *harness) dirty(t *testing.T, r *models.Reminder, op models.Operation, at int64) {
	t.Helper()
	require.NoError(t, store.Commit(context.Background(), h.local, r, op, device, at))
}

func (h *harness) get(t *testing.T, id string) *models.Reminder {
	t.Helper()
	r, err := h.local.GetByID(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) pending(t *testing.T) []*models.SyncQueueEntry {
	t.Helper()
	e, err := h.local.PendingEntries(context.Background(), user)
	require.NoError(t, err)
	return e
}

func TestApplyRemoteChange_TieKeepsLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.local.Upsert(ctx, reminder("r", 100)))
	_, err := h.sched.ScheduleNext(ctx)
	require.NoError(t, err)

	remote := reminder("r", 100)
	remote.Title = "remote"
	remote.DueTime = now + 60_000
	applied, err := h.r.ApplyRemoteChange(ctx, models.RemoteChange{Reminder: remote, DeviceID: "dev-b", Type: models.ChangeUpdated})
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, "local r", h.get(t, "r").Title)
	assert.Equal(t, 1, h.alarm.ArmCount())
	assert.Empty(t, h.presenter.Withdrawn)
}

func TestApplyRemoteChange_NewerRemoteWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dirty(t, reminder("r", 100), models.OpCreate, 100)
	_, err := h.sched.ScheduleNext(ctx)
	require.NoError(t, err)

	remote := reminder("r", 150)
	remote.Title = "remote"
	remote.DueTime = now + 60_000
	remote.DeviceID = "dev-b"
	applied, err := h.r.ApplyRemoteChange(ctx, models.RemoteChange{Reminder: remote, DeviceID: "dev-b", Type: models.ChangeUpdated})
	require.NoError(t, err)
	assert.True(t, applied)

	got := h.get(t, "r")
	assert.Equal(t, "remote", got.Title)
	assert.True(t, got.IsSynced)
	assert.Equal(t, "dev-b", got.DeviceID)
	assert.Empty(t, h.pending(t), "superseded local edits are dropped")
	assert.Equal(t, []string{"r"}, h.presenter.Withdrawn)
	assert.Equal(t, &scheduler.Target{ReminderID: "r", At: now + 60_000}, h.sched.Armed())
}

func TestApplyRemoteChange_CreateArmsAlarm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	remote := reminder("new", 10)
	applied, err := h.r.ApplyRemoteChange(ctx, models.RemoteChange{Reminder: remote, DeviceID: "dev-b", Type: models.ChangeCreated})
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, h.sched.Armed())
	assert.Equal(t, "new", h.sched.Armed().ReminderID)
}

func TestApplyRemoteChange_EchoIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	remote := reminder("r", 500)
	applied, err := h.r.ApplyRemoteChange(ctx, models.RemoteChange{Reminder: remote, DeviceID: device, Type: models.ChangeCreated})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = h.local.GetByID(ctx, "r")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApplyRemoteChange_DeleteWinsOverDirtyUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.local.Upsert(ctx, reminder("r", 100)))
	completed := h.get(t, "r")
	completed.Status = models.StatusCompleted
	completed.CompletedAt = models.Int64(now)
	h.dirty(t, completed, models.OpUpdate, 200)
	require.Len(t, h.pending(t), 1)

	applied, err := h.r.ApplyRemoteChange(ctx, models.RemoteChange{
		Reminder: &models.Reminder{ID: "r", UserID: user, LastModified: 150},
		DeviceID: "dev-b",
		Type:     models.ChangeDeleted,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = h.local.GetByID(ctx, "r")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.pending(t))
	assert.Equal(t, []string{"r"}, h.presenter.Withdrawn)
}

func TestApplyRemoteChange_RejectsInvalid(t *testing.T) {
	h := newHarness(t)
	bad := reminder("r", 100)
	bad.Recurrence = &models.Rule{Kind: models.KindDaily, Interval: 0}
	_, err := h.r.ApplyRemoteChange(context.Background(), models.RemoteChange{Reminder: bad, DeviceID: "dev-b", Type: models.ChangeCreated})
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	_, err = h.r.ApplyRemoteChange(context.Background(), models.RemoteChange{DeviceID: "dev-b", Type: models.ChangeCreated})
	assert.ErrorIs(t, err, models.ErrInvalidReminder)
}

func TestSync_OldestFirstAndPartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dirty(t, reminder("c", 0), models.OpCreate, 30)
	h.dirty(t, reminder("a", 0), models.OpCreate, 10)
	h.dirty(t, reminder("b", 0), models.OpCreate, 20)
	h.remote.Fail("b", testutil.ErrUnavailable)

	res, err := h.r.Sync(ctx)
	assert.ErrorIs(t, err, testutil.ErrUnavailable)
	assert.Equal(t, []string{"a", "b", "c"}, h.remote.Pushes)
	assert.Equal(t, 2, res.Pushed)
	assert.Equal(t, 1, res.Failed)

	assert.True(t, h.get(t, "a").IsSynced)
	assert.False(t, h.get(t, "b").IsSynced)
	assert.True(t, h.get(t, "c").IsSynced)

	entries := h.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ReminderID)
	assert.Equal(t, 1, entries[0].RetryCount)

	h.remote.Fail("b", nil)
	res, err = h.r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, []string{"a", "b", "c", "b"}, h.remote.Pushes)
	assert.Empty(t, h.pending(t))
}

func TestSync_PushOntoRemoteDeleteDropsLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dirty(t, reminder("r", 0), models.OpUpdate, 10)
	_, err := h.sched.ScheduleNext(ctx)
	require.NoError(t, err)
	h.remote.Tombstone("r")

	res, err := h.r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, res.DeleteWins)

	_, err = h.local.GetByID(ctx, "r")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.pending(t))
	assert.Nil(t, h.sched.Armed())
}

func TestSync_QueuedDeleteIsPushed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := reminder("r", 0)
	h.dirty(t, r, models.OpCreate, 10)
	require.NoError(t, store.CommitDelete(ctx, h.local, r, 20))

	res, err := h.r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, res.Pushed)
	assert.Equal(t, []string{"r"}, h.remote.Deletes)
	assert.Empty(t, h.remote.Pushes, "deleted record must not be pushed")
	assert.Empty(t, h.pending(t))
}

func TestSync_FailedDeleteStaysQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := reminder("r", 0)
	require.NoError(t, store.CommitDelete(ctx, h.local, r, 20))
	h.remote.Fail("r", testutil.ErrUnavailable)

	res, err := h.r.Sync(ctx)
	assert.ErrorIs(t, err, testutil.ErrUnavailable)
	assert.Equal(t, 1, res.Failed)
	entries := h.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpDelete, entries[0].Operation)
	assert.Equal(t, 1, entries[0].RetryCount)
}

// editingRemote edits the local record while its push is in flight.
type editingRemote struct {
	*testutil.Remote
	local  *store.Memory
	edited bool
}

func (e *editingRemote) Push(ctx context.Context, r *models.Reminder) error {
	err := e.Remote.Push(ctx, r)
	if e.edited {
		return err
	}
	e.edited = true
	cur, gerr := e.local.GetByID(ctx, r.ID)
	if gerr == nil {
		cur.Title = "edited mid-flight"
		_ = store.Commit(ctx, e.local, cur, models.OpUpdate, device, r.LastModified+5)
	}
	return err
}

func TestSync_EditDuringPushStaysDirty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.r.remote = &editingRemote{Remote: h.remote, local: h.local}
	h.dirty(t, reminder("r", 0), models.OpCreate, 10)

	_, err := h.r.Sync(ctx)
	require.NoError(t, err)

	got := h.get(t, "r")
	assert.False(t, got.IsSynced)
	assert.Equal(t, "edited mid-flight", got.Title)
	assert.Len(t, h.pending(t), 2)

	_, err = h.r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "edited mid-flight", h.remote.Doc("r").Title)
	assert.True(t, h.get(t, "r").IsSynced)
	assert.Empty(t, h.pending(t))
}

// deletingRemote deletes the local record while its push is in flight.
type deletingRemote struct {
	*testutil.Remote
	local *store.Memory
}

func (d *deletingRemote) Push(ctx context.Context, r *models.Reminder) error {
	err := d.Remote.Push(ctx, r)
	if cur, gerr := d.local.GetByID(ctx, r.ID); gerr == nil {
		_ = store.CommitDelete(ctx, d.local, cur, r.LastModified+5)
	}
	return err
}

func TestSync_DeleteDuringPushFollowsWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.r.remote = &deletingRemote{Remote: h.remote, local: h.local}
	h.dirty(t, reminder("r", 0), models.OpCreate, 10)

	res, err := h.r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, res.Pushed)

	assert.Nil(t, h.remote.Doc("r"), "no live remote copy")
	assert.True(t, h.remote.Deleted("r"))
	assert.Equal(t, []string{"r"}, h.remote.Deletes)
	assert.Empty(t, h.pending(t))
	_, err = h.local.GetByID(ctx, "r")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_AppliesRemoteChangesAndResubscribes(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx) }()

	h.remote.Emit(models.RemoteChange{Reminder: reminder("x", 5), DeviceID: "dev-b", Type: models.ChangeCreated})
	require.Eventually(t, func() bool {
		_, err := h.local.GetByID(context.Background(), "x")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Buffered on the next stream until Run reopens it.
	h.remote.CloseStream()
	h.remote.Emit(models.RemoteChange{Reminder: reminder("y", 5), DeviceID: "dev-b", Type: models.ChangeCreated})
	require.Eventually(t, func() bool {
		_, err := h.local.GetByID(context.Background(), "y")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestRun_PushesLocalWrites(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.r.Run(ctx)

	// Give Run time to subscribe to the local store.
	time.Sleep(50 * time.Millisecond)
	h.dirty(t, reminder("r", 0), models.OpCreate, 10)

	require.Eventually(t, func() bool {
		return h.remote.Doc("r") != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		r, err := h.local.GetByID(context.Background(), "r")
		return err == nil && r.IsSynced
	}, 2*time.Second, 10*time.Millisecond)
}
