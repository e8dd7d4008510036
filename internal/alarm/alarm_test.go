package alarm

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hray3182/remindsync/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	id  string
	pre bool
}

func newTestTimer() (*Timer, *clock.Fake, func() []delivery) {
	c := clock.NewFake(1_000_000)
	tm := NewTimer(c, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var mu sync.Mutex
	var got []delivery
	tm.OnDelivery(func(ctx context.Context, id string, pre bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, delivery{id, pre})
	})
	return tm, c, func() []delivery {
		mu.Lock()
		defer mu.Unlock()
		return append([]delivery(nil), got...)
	}
}

func TestTimer_PastInstantFiresImmediately(t *testing.T) {
	tm, c, deliveries := newTestTimer()

	require.NoError(t, tm.Arm(context.Background(), c.Now()-5000, "r1", true))
	require.Eventually(t, func() bool { return len(deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, delivery{"r1", true}, deliveries()[0])
	assert.Equal(t, 0, tm.Pending())
}

func TestTimer_CancelPreventsDelivery(t *testing.T) {
	tm, c, deliveries := newTestTimer()

	require.NoError(t, tm.Arm(context.Background(), c.Now()+50, "r1", false))
	require.NoError(t, tm.Cancel(context.Background(), "r1"))
	assert.Equal(t, 0, tm.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, deliveries())
}

func TestTimer_RearmReplacesPrevious(t *testing.T) {
	tm, c, deliveries := newTestTimer()
	ctx := context.Background()

	require.NoError(t, tm.Arm(ctx, c.Now()+60_000, "r1", true))
	require.NoError(t, tm.Arm(ctx, c.Now(), "r1", false))
	assert.LessOrEqual(t, tm.Pending(), 1)

	require.Eventually(t, func() bool { return len(deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, delivery{"r1", false}, deliveries()[0])
	assert.Equal(t, 0, tm.Pending())
}

func TestTimer_CancelAll(t *testing.T) {
	tm, c, _ := newTestTimer()
	ctx := context.Background()
	require.NoError(t, tm.Arm(ctx, c.Now()+60_000, "a", false))
	require.NoError(t, tm.Arm(ctx, c.Now()+60_000, "b", false))
	assert.Equal(t, 2, tm.Pending())

	require.NoError(t, tm.CancelAll(ctx))
	assert.Equal(t, 0, tm.Pending())
}
