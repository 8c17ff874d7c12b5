package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/model"
)

func TestPush_MessagesWaitForTheirThread(t *testing.T) {
	t.Parallel()
	rc := offlineRemote()
	h := newHarness(t, rc)
	ctx := context.Background()

	th, err := h.e.CacheThread(ctx, model.Thread{UserID: "u1", Title: "draft"})
	require.NoError(t, err)
	base := h.clk.Now()
	_, err = h.e.CacheMessage(ctx, model.Message{ThreadID: th.ID, UserID: "u1", Role: model.RoleUser, Content: "q", CreatedAt: base})
	require.NoError(t, err)
	_, err = h.e.CacheMessage(ctx, model.Message{ThreadID: th.ID, UserID: "u1", Role: model.RoleAssistant, Content: "a", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	h.e.Wait()
	require.Zero(t, rc.count("CreateMessage"), "thread is still local-only")

	rc.setOffline(false)
	require.NoError(t, h.e.ForceSyncAll(ctx, "u1"))

	threads, err := h.e.CachedThreads(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	newID := threads[0].ID
	require.False(t, model.IsTempID(newID))

	msgs, err := h.e.CachedMessages(ctx, newID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.False(t, model.IsTempID(m.ID))
		require.False(t, m.Pending)
		require.Equal(t, newID, m.ThreadID)
	}
	require.Equal(t, "q", msgs[0].Content)
	require.Equal(t, 2, rc.count("CreateMessage"))

	old, err := h.e.CachedMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Empty(t, old)
}

func TestPush_NotifiesThreadWatchersOnRekey(t *testing.T) {
	t.Parallel()
	rc := newFakeRemote()
	h := newHarness(t, rc)
	ctx := context.Background()

	var seen []string
	var n counter
	defer h.e.WatchThreads(ctx, "u1", func(ts []model.Thread) {
		n.inc()
		if len(ts) == 1 {
			seen = append(seen, ts[0].ID)
		}
	})()

	_, err := h.e.CacheThread(ctx, model.Thread{UserID: "u1"})
	require.NoError(t, err)
	h.e.Wait()

	require.Equal(t, 3, n.get())
	require.Len(t, seen, 2)
	require.True(t, model.IsTempID(seen[0]))
	require.Equal(t, "rt-1", seen[1])
}

func TestPush_ThreadDeletedDuringCreate(t *testing.T) {
	t.Parallel()
	rc := newFakeRemote()
	h := newHarness(t, rc)
	ctx := context.Background()

	// hold the remote so the delete lands before the rekey
	rc.mu.Lock()
	th, err := h.e.CacheThread(ctx, model.Thread{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, h.e.DeleteThread(ctx, th.ID))
	rc.mu.Unlock()
	h.e.Wait()

	rc.mu.Lock()
	defer rc.mu.Unlock()
	require.Empty(t, rc.threads)
}

func TestForceSyncAll_AggregatesFailures(t *testing.T) {
	t.Parallel()
	rc := offlineRemote()
	h := newHarness(t, rc)
	ctx := context.Background()

	for range 2 {
		_, err := h.e.CacheThread(ctx, model.Thread{UserID: "u1"})
		require.NoError(t, err)
	}
	h.e.Wait()

	err := h.e.ForceSyncAll(ctx, "u1")
	require.ErrorIs(t, err, errs.ErrSyncFailed)
	require.ErrorIs(t, err, errs.ErrRemoteUnavailable)
	require.Contains(t, err.Error(), "2 failure(s)")
}

func TestForceSyncAll_NothingPending(t *testing.T) {
	t.Parallel()
	rc := newFakeRemote()
	h := newHarness(t, rc)
	h.seedThread(t, model.Thread{ID: "t1", UserID: "u1"})

	require.NoError(t, h.e.ForceSyncAll(context.Background(), "u1"))
	require.Zero(t, rc.total())
}

func TestPush_RemoteIDMessageIsFinalized(t *testing.T) {
	t.Parallel()
	rc := newFakeRemote()
	rc.putMessage(model.Message{ID: "rm-9", ThreadID: "t1", UserID: "u1", Role: model.RoleAssistant, IsStreaming: true})
	h := newHarness(t, rc)
	ctx := context.Background()
	h.seedThread(t, model.Thread{ID: "t1", UserID: "u1"})
	cacheStreaming(t, h, "rm-9", "t1")

	require.NoError(t, h.e.UpdateMessageContent(ctx, "rm-9", "hello world", true))
	require.NoError(t, h.e.FinalizeMessage(ctx, "rm-9", model.IntPtr(3)))
	h.e.Wait()

	m, ok := rc.message("rm-9")
	require.True(t, ok)
	require.False(t, m.IsStreaming)
	require.Equal(t, 3, *m.TokenCount)
	require.Equal(t, "hello world", m.Content)
	require.Equal(t, 1, rc.count("AppendMessageChunk"))

	local := h.message(t, "rm-9")
	require.False(t, local.Pending)
	require.Equal(t, len("hello world"), local.RemoteLen)

	msgs, err := h.e.GetMessages(ctx, "t1", "u1", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello world", msgs[0].Content)
	require.False(t, msgs[0].IsStreaming)
}

func TestPush_RemoteIDMessageSendsOnlyMissingTail(t *testing.T) {
	t.Parallel()
	rc := newFakeRemote()
	rc.putMessage(model.Message{ID: "rm-9", ThreadID: "t1", UserID: "u1", Role: model.RoleAssistant, Content: "hello", IsStreaming: true})
	h := newHarness(t, rc)
	ctx := context.Background()
	h.seedThread(t, model.Thread{ID: "t1", UserID: "u1"})

	msgs, err := h.e.GetMessages(ctx, "t1", "u1", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 5, msgs[0].RemoteLen)

	require.NoError(t, h.e.UpdateMessageContent(ctx, "rm-9", "hello world", false))
	require.NoError(t, h.e.FinalizeMessage(ctx, "rm-9", nil))
	h.e.Wait()

	m, ok := rc.message("rm-9")
	require.True(t, ok)
	require.Equal(t, "hello world", m.Content)
	require.False(t, m.IsStreaming)
	require.False(t, h.message(t, "rm-9").Pending)
}

func TestPush_RemoteIDMessageStaysPendingWhenFinalizeFails(t *testing.T) {
	t.Parallel()
	rc := newFakeRemote()
	rc.putMessage(model.Message{ID: "rm-9", ThreadID: "t1", UserID: "u1", Role: model.RoleAssistant, IsStreaming: true})
	h := newHarness(t, rc, WithDebounce(time.Hour, 0))
	ctx := context.Background()
	h.seedThread(t, model.Thread{ID: "t1", UserID: "u1"})
	cacheStreaming(t, h, "rm-9", "t1")

	rc.mu.Lock()
	rc.failOn = "FinalizeMessage"
	rc.mu.Unlock()
	require.NoError(t, h.e.UpdateMessageContent(ctx, "rm-9", "abc", false))
	h.e.Wait()

	local := h.message(t, "rm-9")
	require.True(t, local.Pending)
	require.Equal(t, 3, local.RemoteLen)

	rc.mu.Lock()
	rc.failOn = ""
	rc.mu.Unlock()
	require.NoError(t, h.e.ForceSyncAll(ctx, "u1"))

	m, ok := rc.message("rm-9")
	require.True(t, ok)
	require.Equal(t, "abc", m.Content, "tail is not sent twice")
	require.False(t, m.IsStreaming)
	require.False(t, h.message(t, "rm-9").Pending)
}
