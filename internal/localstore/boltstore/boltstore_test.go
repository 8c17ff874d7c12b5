package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/localstore"
	"github.com/and161185/chatcache/internal/model"
)

func openStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"), WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func TestStore_PutThread_StampsMetadataAndBumpsVersion(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := openStore(t, fixedClock(now))
	ctx := context.Background()

	err := s.Update(ctx, func(tx localstore.Tx) error {
		return tx.PutThread(model.Thread{ID: "t1", UserID: "u1", Title: "Hello"})
	})
	require.NoError(t, err)

	var got model.Thread
	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		var e error
		got, e = tx.GetThread("t1")
		return e
	}))
	require.Equal(t, now, got.CachedAt)
	require.Equal(t, int64(1), got.Version)

	got.Title = "Renamed"
	require.NoError(t, s.Update(ctx, func(tx localstore.Tx) error { return tx.PutThread(got) }))
	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		var e error
		got, e = tx.GetThread("t1")
		return e
	}))
	require.Equal(t, "Renamed", got.Title)
	require.Equal(t, int64(2), got.Version)
}

func TestStore_GetMissing_NotFound(t *testing.T) {
	t.Parallel()
	s := openStore(t, time.Now)

	err := s.View(context.Background(), func(tx localstore.Tx) error {
		_, e := tx.GetMessage("nope")
		return e
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_Indexes_FollowOwnerChanges(t *testing.T) {
	t.Parallel()
	s := openStore(t, time.Now)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx localstore.Tx) error {
		if err := tx.PutThread(model.Thread{ID: "t1", UserID: "u1"}); err != nil {
			return err
		}
		if err := tx.PutThread(model.Thread{ID: "t2", UserID: "u1"}); err != nil {
			return err
		}
		return localstore.PutMessages(tx, []model.Message{
			{ID: "m1", ThreadID: "t1", UserID: "u1"},
			{ID: "m2", ThreadID: "t1", UserID: "u1"},
			{ID: "m3", ThreadID: "t2", UserID: "u1"},
		})
	}))

	// move m2 to t2
	require.NoError(t, s.Update(ctx, func(tx localstore.Tx) error {
		return tx.PutMessage(model.Message{ID: "m2", ThreadID: "t2", UserID: "u1"})
	}))

	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		t1, err := tx.MessagesByThread("t1")
		require.NoError(t, err)
		require.Len(t, t1, 1)
		require.Equal(t, "m1", t1[0].ID)

		t2, err := tx.MessagesByThread("t2")
		require.NoError(t, err)
		require.Len(t, t2, 2)

		byUser, err := tx.MessagesByUser("u1")
		require.NoError(t, err)
		require.Len(t, byUser, 3)

		threads, err := tx.ThreadsByUser("u1")
		require.NoError(t, err)
		require.Len(t, threads, 2)
		return nil
	}))
}

func TestStore_Update_RollsBackOnError(t *testing.T) {
	t.Parallel()
	s := openStore(t, time.Now)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx localstore.Tx) error {
		if err := tx.PutThread(model.Thread{ID: "t1", UserID: "u1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, errs.ErrStorageUnavailable)

	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		all, err := tx.AllThreads()
		require.NoError(t, err)
		require.Empty(t, all)
		return nil
	}))
}

func TestStore_Closed_StorageUnavailable(t *testing.T) {
	t.Parallel()
	s, err := Open(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.View(context.Background(), func(localstore.Tx) error { return nil })
	require.ErrorIs(t, err, errs.ErrStorageUnavailable)
}

func TestStore_Metadata_SetLastSyncAndDelete(t *testing.T) {
	t.Parallel()
	s := openStore(t, time.Now)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Update(ctx, func(tx localstore.Tx) error {
		if err := tx.SetLastSync("threads_u1", "u1", t0); err != nil {
			return err
		}
		return tx.SetLastSync("threads_u1", "u1", t0.Add(time.Minute))
	}))

	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		all, err := tx.AllMetadata()
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, int64(2), all[0].Version)

		last, err := tx.LastSync("threads_u1", "u1")
		require.NoError(t, err)
		require.Equal(t, t0.Add(time.Minute), last)

		never, err := tx.LastSync("threads_u2", "u2")
		require.NoError(t, err)
		require.True(t, never.IsZero())
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx localstore.Tx) error { return tx.DeleteMetadata("threads_u1") }))
	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		last, err := tx.LastSync("threads_u1", "u1")
		require.NoError(t, err)
		require.True(t, last.IsZero())
		return nil
	}))
}

func TestStore_CompactMetadata_KeepsNewest(t *testing.T) {
	t.Parallel()
	s := openStore(t, time.Now)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	// SetLastSync never duplicates, so write raw records the way an older cache file might hold them.
	raw := []model.CacheMetadata{
		{Key: "threads_u1", UserID: "u1", LastSync: t0, Version: 1},
		{Key: "threads_u1", UserID: "u1", LastSync: t0.Add(time.Hour), Version: 1},
		{Key: "threads_u1", UserID: "u1", LastSync: t0.Add(time.Minute), Version: 1},
		{Key: "messages_t1", UserID: "u1", LastSync: t0, Version: 1},
	}
	require.NoError(t, s.db.Update(func(btx *bolt.Tx) error {
		tx := &boltTx{tx: btx, now: time.Now}
		for i, md := range raw {
			seq := make([]byte, 8)
			binary.BigEndian.PutUint64(seq, uint64(i+1))
			if err := tx.put(bucketMetadata, string(seq), md); err != nil {
				return err
			}
		}
		return nil
	}))

	n, err := s.CompactMetadata(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		all, err := tx.AllMetadata()
		require.NoError(t, err)
		require.Len(t, all, 2)
		last, err := tx.LastSync("threads_u1", "u1")
		require.NoError(t, err)
		require.Equal(t, t0.Add(time.Hour), last)
		return nil
	}))
}

func TestStore_CleanupOlderThan(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	s := openStore(t, fixedClock(now))
	ctx := context.Background()
	old := now.Add(-8 * 24 * time.Hour)

	require.NoError(t, s.Update(ctx, func(tx localstore.Tx) error {
		if err := tx.PutThread(model.Thread{ID: "old", UserID: "u1", CacheMeta: model.CacheMeta{CachedAt: old}}); err != nil {
			return err
		}
		if err := tx.PutThread(model.Thread{ID: "new", UserID: "u1"}); err != nil {
			return err
		}
		if err := tx.PutMessage(model.Message{ID: "m-old", ThreadID: "old", UserID: "u1", CacheMeta: model.CacheMeta{CachedAt: old}}); err != nil {
			return err
		}
		if err := tx.PutMessage(model.Message{ID: "m-new", ThreadID: "new", UserID: "u1"}); err != nil {
			return err
		}
		if err := tx.SetLastSync("threads_u1", "u1", old); err != nil {
			return err
		}
		return tx.SetLastSync("messages_new", "u1", now)
	}))

	n, err := s.CleanupOlderThan(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		threads, err := tx.ThreadsByUser("u1")
		require.NoError(t, err)
		require.Len(t, threads, 1)
		require.Equal(t, "new", threads[0].ID)

		msgs, err := tx.MessagesByUser("u1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, "m-new", msgs[0].ID)

		md, err := tx.AllMetadata()
		require.NoError(t, err)
		require.Len(t, md, 1)
		return nil
	}))
}

func TestStore_ClearUser_AndStats(t *testing.T) {
	t.Parallel()
	s := openStore(t, time.Now)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx localstore.Tx) error {
		if err := localstore.PutThreads(tx, []model.Thread{{ID: "a", UserID: "u1"}, {ID: "b", UserID: "u2"}}); err != nil {
			return err
		}
		if err := localstore.PutMessages(tx, []model.Message{
			{ID: "m1", ThreadID: "a", UserID: "u1", Content: "hello"},
			{ID: "m2", ThreadID: "a", UserID: "u1", Content: "hi"},
			{ID: "m3", ThreadID: "b", UserID: "u2", Content: "other"},
		}); err != nil {
			return err
		}
		if err := tx.SetLastSync("threads_u1", "u1", time.Now()); err != nil {
			return err
		}
		return tx.SetLastSync("threads_u2", "u2", time.Now())
	}))

	st, err := s.Stats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, localstore.Stats{ThreadCount: 1, MessageCount: 2, TotalSize: 7}, st)

	require.NoError(t, s.ClearUser(ctx, "u1"))

	st, err = s.Stats(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, st)

	st, err = s.Stats(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, 1, st.MessageCount)

	require.NoError(t, s.View(ctx, func(tx localstore.Tx) error {
		md, err := tx.AllMetadata()
		require.NoError(t, err)
		require.Len(t, md, 1)
		require.Equal(t, "u2", md[0].UserID)
		return nil
	}))
}

func TestStore_CanceledContext(t *testing.T) {
	t.Parallel()
	s := openStore(t, time.Now)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Update(ctx, func(localstore.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
