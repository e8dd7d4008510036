package store

import (
	"context"
	"testing"

	"github.com/hray3182/remindsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitSuccessor_WritesOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s Local) {
		ctx := context.Background()
		next := sample("next", "u1", 2000, 1000)

		created, err := CommitSuccessor(ctx, s, next, "dev-a", 1000)
		require.NoError(t, err)
		assert.True(t, created)

		again := sample("next", "u1", 9999, 1500)
		created, err = CommitSuccessor(ctx, s, again, "dev-b", 1500)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := s.GetByID(ctx, "next")
		require.NoError(t, err)
		assert.Equal(t, int64(2000), got.DueTime, "existing successor is kept")

		entries, err := s.PendingEntries(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, models.OpCreate, entries[0].Operation)
	})
}

func TestCommitDelete_DropsQueuedWrites(t *testing.T) {
	eachStore(t, func(t *testing.T, s Local) {
		ctx := context.Background()
		r := sample("r", "u1", 2000, 1000)
		require.NoError(t, Commit(ctx, s, r, models.OpCreate, "dev-a", 1000))
		require.NoError(t, CommitDelete(ctx, s, r, 1100))

		_, err := s.GetByID(ctx, "r")
		assert.ErrorIs(t, err, ErrNotFound)
		entries, err := s.PendingEntries(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, models.OpDelete, entries[0].Operation)
	})
}
