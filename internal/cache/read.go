package cache

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatcache/internal/localstore"
	"github.com/and161185/chatcache/internal/model"
)

// GetThreads returns the threads of userID, newest first. Fresh cached data is
// returned without a round trip; otherwise the list is synced from the remote.
// Remote and storage failures are logged and the best local data is returned.
func (e *Engine) GetThreads(ctx context.Context, userID string, forceRefresh bool) ([]model.Thread, error) {
	key := model.ThreadsScope(userID)
	if !forceRefresh && !e.isSyncing(key) {
		cached, age, err := e.cachedThreadsWithAge(ctx, userID)
		switch {
		case err != nil:
			e.log.Warn("read cached threads", zap.String("user_id", userID), zap.Error(err))
		case len(cached) > 0 && age < e.threadWin.Fresh:
			if age > e.threadWin.Refresh {
				e.background("refresh threads", func(ctx context.Context) { e.syncThreads(ctx, userID) })
			}
			return cached, nil
		}
	}
	return e.syncThreads(ctx, userID), nil
}

// GetMessages returns the messages of threadID, oldest first, with the same
// freshness rules as GetThreads.
func (e *Engine) GetMessages(ctx context.Context, threadID, userID string, forceRefresh bool) ([]model.Message, error) {
	key := model.MessagesScope(threadID)
	if model.IsTempID(threadID) {
		// the remote cannot know a thread it has not created yet
		msgs, err := e.CachedMessages(ctx, threadID)
		if err != nil {
			e.log.Warn("read cached messages", zap.String("thread_id", threadID), zap.Error(err))
		}
		return msgs, nil
	}
	if !forceRefresh && !e.isSyncing(key) {
		cached, age, err := e.cachedMessagesWithAge(ctx, threadID, userID)
		switch {
		case err != nil:
			e.log.Warn("read cached messages", zap.String("thread_id", threadID), zap.Error(err))
		case len(cached) > 0 && age < e.messageWin.Fresh:
			if age > e.messageWin.Refresh {
				e.background("refresh messages", func(ctx context.Context) { e.syncMessages(ctx, threadID, userID) })
			}
			return cached, nil
		}
	}
	return e.syncMessages(ctx, threadID, userID), nil
}

// CachedThreads returns the locally cached threads of userID without touching the remote.
func (e *Engine) CachedThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	var out []model.Thread
	err := e.store.View(ctx, func(tx localstore.Tx) error {
		var err error
		out, err = tx.ThreadsByUser(userID)
		return err
	})
	sortThreads(out)
	return out, err
}

// CachedMessages returns the locally cached messages of threadID without touching the remote.
func (e *Engine) CachedMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	var out []model.Message
	err := e.store.View(ctx, func(tx localstore.Tx) error {
		var err error
		out, err = tx.MessagesByThread(threadID)
		return err
	})
	sortMessages(out)
	return out, err
}

func (e *Engine) cachedThreadsWithAge(ctx context.Context, userID string) ([]model.Thread, time.Duration, error) {
	var (
		out  []model.Thread
		last time.Time
	)
	err := e.store.View(ctx, func(tx localstore.Tx) error {
		var err error
		if out, err = tx.ThreadsByUser(userID); err != nil {
			return err
		}
		last, err = tx.LastSync(model.ThreadsScope(userID), userID)
		return err
	})
	sortThreads(out)
	return out, e.age(last), err
}

func (e *Engine) cachedMessagesWithAge(ctx context.Context, threadID, userID string) ([]model.Message, time.Duration, error) {
	var (
		out  []model.Message
		last time.Time
	)
	err := e.store.View(ctx, func(tx localstore.Tx) error {
		var err error
		if out, err = tx.MessagesByThread(threadID); err != nil {
			return err
		}
		last, err = tx.LastSync(model.MessagesScope(threadID), userID)
		return err
	})
	sortMessages(out)
	return out, e.age(last), err
}

// neverSynced is the age of a scope without a LastSync stamp.
const neverSynced = time.Duration(math.MaxInt64)

// age is the time since last; a scope never synced is infinitely old.
func (e *Engine) age(last time.Time) time.Duration {
	if last.IsZero() {
		return neverSynced
	}
	return e.now().Sub(last)
}

func (e *Engine) isSyncing(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.syncing[key]
	return ok
}

func (e *Engine) markSyncing(key string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.syncing[key] = struct{}{}
	} else {
		delete(e.syncing, key)
	}
}

// syncThreads pulls the thread list of userID; concurrent callers share one pull.
func (e *Engine) syncThreads(ctx context.Context, userID string) []model.Thread {
	key := model.ThreadsScope(userID)
	v, _, _ := e.flights.Do(key, func() (any, error) {
		e.markSyncing(key, true)
		defer e.markSyncing(key, false)
		return e.pullThreads(ctx, userID), nil
	})
	return slices.Clone(v.([]model.Thread))
}

// syncMessages pulls the messages of threadID; concurrent callers share one pull.
func (e *Engine) syncMessages(ctx context.Context, threadID, userID string) []model.Message {
	key := model.MessagesScope(threadID)
	v, _, _ := e.flights.Do(key, func() (any, error) {
		e.markSyncing(key, true)
		defer e.markSyncing(key, false)
		return e.pullMessages(ctx, threadID, userID), nil
	})
	return slices.Clone(v.([]model.Message))
}

func (e *Engine) pullThreads(ctx context.Context, userID string) []model.Thread {
	log := e.log.With(zap.String("user_id", userID))
	fresh, err := e.remote.ListThreadsForUser(ctx, userID)
	if err != nil {
		log.Warn("sync threads: remote failed, serving cache", zap.Error(err))
		return e.fallbackThreads(ctx, userID)
	}

	var result []model.Thread
	now := e.now()
	err = e.store.Update(ctx, func(tx localstore.Tx) error {
		result = result[:0]
		local, err := tx.ThreadsByUser(userID)
		if err != nil {
			return err
		}
		remoteIDs := make(map[string]struct{}, len(fresh))
		for _, t := range fresh {
			remoteIDs[t.ID] = struct{}{}
		}
		kept := make(map[string]model.Thread)
		for _, l := range local {
			if l.Pending {
				kept[l.ID] = l
				continue
			}
			if _, ok := remoteIDs[l.ID]; ok {
				continue
			}
			if err := deleteThreadCascade(tx, l.ID); err != nil {
				return err
			}
		}
		for _, t := range fresh {
			if l, ok := kept[t.ID]; ok {
				result = append(result, l)
				continue
			}
			if t.UserID == "" {
				t.UserID = userID
			}
			t.CacheMeta = model.CacheMeta{CachedAt: now}
			if err := tx.PutThread(t); err != nil {
				return err
			}
			result = append(result, t)
		}
		for _, l := range kept {
			if _, ok := remoteIDs[l.ID]; !ok {
				result = append(result, l)
			}
		}
		return tx.SetLastSync(model.ThreadsScope(userID), userID, now)
	})
	if err != nil {
		log.Warn("sync threads: local write failed", zap.Error(err))
		sortThreads(fresh)
		return fresh
	}
	sortThreads(result)
	log.Debug("threads synced", zap.Int("count", len(result)))
	e.notifyThreads(userID)
	return result
}

func (e *Engine) pullMessages(ctx context.Context, threadID, userID string) []model.Message {
	log := e.log.With(zap.String("thread_id", threadID))
	fresh, err := e.remote.ListMessagesForThread(ctx, threadID)
	if err != nil {
		log.Warn("sync messages: remote failed, serving cache", zap.Error(err))
		msgs, lerr := e.CachedMessages(ctx, threadID)
		if lerr != nil {
			log.Warn("sync messages: cache read failed", zap.Error(lerr))
		}
		return msgs
	}

	var result []model.Message
	now := e.now()
	err = e.store.Update(ctx, func(tx localstore.Tx) error {
		result = result[:0]
		local, err := tx.MessagesByThread(threadID)
		if err != nil {
			return err
		}
		remoteIDs := make(map[string]struct{}, len(fresh))
		for _, m := range fresh {
			remoteIDs[m.ID] = struct{}{}
		}
		kept := make(map[string]model.Message)
		for _, l := range local {
			if l.Pending {
				kept[l.ID] = l
				continue
			}
			if _, ok := remoteIDs[l.ID]; ok {
				continue
			}
			if err := tx.DeleteMessage(l.ID); err != nil {
				return err
			}
		}
		for _, m := range fresh {
			if l, ok := kept[m.ID]; ok {
				result = append(result, l)
				continue
			}
			if m.UserID == "" {
				m.UserID = userID
			}
			m.ThreadID = threadID
			m.CacheMeta = model.CacheMeta{CachedAt: now, RemoteLen: len(m.Content)}
			if err := tx.PutMessage(m); err != nil {
				return err
			}
			result = append(result, m)
		}
		for _, l := range kept {
			if _, ok := remoteIDs[l.ID]; !ok {
				result = append(result, l)
			}
		}
		return tx.SetLastSync(model.MessagesScope(threadID), userID, now)
	})
	if err != nil {
		log.Warn("sync messages: local write failed", zap.Error(err))
		sortMessages(fresh)
		return fresh
	}
	sortMessages(result)
	log.Debug("messages synced", zap.Int("count", len(result)))
	e.notifyMessages(threadID)
	return result
}

func (e *Engine) fallbackThreads(ctx context.Context, userID string) []model.Thread {
	ts, err := e.CachedThreads(ctx, userID)
	if err != nil {
		e.log.Warn("sync threads: cache read failed", zap.String("user_id", userID), zap.Error(err))
	}
	return ts
}

// deleteThreadCascade removes a thread, its messages and its message scope metadata.
func deleteThreadCascade(tx localstore.Tx, threadID string) error {
	msgs, err := tx.MessagesByThread(threadID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := tx.DeleteMessage(m.ID); err != nil {
			return err
		}
	}
	if err := tx.DeleteMetadata(model.MessagesScope(threadID)); err != nil {
		return err
	}
	return tx.DeleteThread(threadID)
}

func sortThreads(ts []model.Thread) {
	slices.SortStableFunc(ts, func(a, b model.Thread) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func sortMessages(ms []model.Message) {
	slices.SortStableFunc(ms, func(a, b model.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
