package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/localstore"
	"github.com/and161185/chatcache/internal/model"
)

// CachePendingMessage buffers a message created before its thread exists.
// It is kept in memory only, under tempID, until FinalizePendingMessages.
func (e *Engine) CachePendingMessage(tempID string, msg model.Message) {
	msg.ID = tempID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = e.now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[tempID] = msg
}

// FinalizePendingMessages attaches the buffered messages tempIDs to threadID
// and stores them as local writes to push. Unknown temporary ids are skipped.
// The message scope of the thread is invalidated so the next read reconciles
// with the remote copies.
func (e *Engine) FinalizePendingMessages(ctx context.Context, threadID string, tempIDs []string) error {
	e.mu.Lock()
	msgs := make([]model.Message, 0, len(tempIDs))
	for _, id := range tempIDs {
		m, ok := e.pending[id]
		if !ok {
			continue
		}
		delete(e.pending, id)
		m.ThreadID = threadID
		m.CacheMeta = model.CacheMeta{Pending: true}
		msgs = append(msgs, m)
	}
	e.mu.Unlock()
	if len(msgs) == 0 {
		return nil
	}

	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		if err := localstore.PutMessages(tx, msgs); err != nil {
			return err
		}
		return tx.DeleteMetadata(model.MessagesScope(threadID))
	})
	if err != nil {
		return fmt.Errorf("finalize pending messages: %w", err)
	}
	e.log.Debug("pending messages stored", zap.String("thread_id", threadID), zap.Int("count", len(msgs)))
	e.notifyMessages(threadID)
	for _, m := range msgs {
		if !m.IsStreaming {
			e.schedulePushMessage(m.ID)
		}
	}
	return nil
}

// CacheMessage writes msg locally ahead of the remote and schedules a push
// once it is no longer streaming. An empty id gets a temporary one. The parent
// thread's last activity is bumped in the same transaction.
func (e *Engine) CacheMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.ThreadID == "" {
		return model.Message{}, fmt.Errorf("cache message: %w: empty thread id", errs.ErrInvalidArgument)
	}
	if !msg.Role.Valid() {
		return model.Message{}, fmt.Errorf("cache message: %w: role %q", errs.ErrInvalidArgument, msg.Role)
	}
	if msg.ID == "" {
		msg.ID = model.NewTempID()
	}
	now := e.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	msg.Pending = true

	var ownerID string
	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		if prev, err := tx.GetMessage(msg.ID); err == nil {
			msg.RemoteLen = prev.RemoteLen
		}
		if err := tx.PutMessage(msg); err != nil {
			return err
		}
		th, err := tx.GetThread(msg.ThreadID)
		if err != nil {
			// integrity is restored by maintenance
			e.log.Debug("message cached without thread", zap.String("thread_id", msg.ThreadID))
			return nil
		}
		last := msg.CreatedAt
		th.LastMessageAt = &last
		th.UpdatedAt = now
		ownerID = th.UserID
		return tx.PutThread(th)
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("cache message: %w", err)
	}
	e.notifyMessages(msg.ThreadID)
	if ownerID != "" {
		e.notifyThreads(ownerID)
	}
	if !msg.IsStreaming {
		e.schedulePushMessage(msg.ID)
	}
	return msg, nil
}

// CacheThread writes a thread locally and schedules its creation on the remote.
// An empty id gets a temporary one.
func (e *Engine) CacheThread(ctx context.Context, th model.Thread) (model.Thread, error) {
	if th.UserID == "" {
		return model.Thread{}, fmt.Errorf("cache thread: %w: empty user id", errs.ErrInvalidArgument)
	}
	if th.ID == "" {
		th.ID = model.NewTempID()
	}
	now := e.now()
	if th.CreatedAt.IsZero() {
		th.CreatedAt = now
	}
	th.UpdatedAt = now
	th.Pending = true

	if err := e.store.Update(ctx, func(tx localstore.Tx) error { return tx.PutThread(th) }); err != nil {
		return model.Thread{}, fmt.Errorf("cache thread: %w", err)
	}
	e.notifyThreads(th.UserID)
	e.schedulePushThread(th.ID)
	return th, nil
}

// CreateThread creates a thread on the remote and caches it under the remote id.
func (e *Engine) CreateThread(ctx context.Context, userID, title string) (model.Thread, error) {
	if userID == "" {
		return model.Thread{}, fmt.Errorf("create thread: %w: empty user id", errs.ErrInvalidArgument)
	}
	id, err := e.remote.CreateThread(ctx, userID, title)
	if err != nil {
		return model.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	now := e.now()
	th := model.Thread{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	if err := e.store.Update(ctx, func(tx localstore.Tx) error { return tx.PutThread(th) }); err != nil {
		// the remote has it; the next sync brings it back
		e.log.Warn("cache created thread", zap.String("thread_id", id), zap.Error(err))
		return th, nil
	}
	e.notifyThreads(userID)
	return th, nil
}

// DeleteThread removes a thread and all of its messages locally, then deletes
// it on the remote in the background. A thread that is not cached yields errs.ErrNotFound.
func (e *Engine) DeleteThread(ctx context.Context, threadID string) error {
	var th model.Thread
	var msgIDs []string
	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		var err error
		if th, err = tx.GetThread(threadID); err != nil {
			return err
		}
		msgs, err := tx.MessagesByThread(threadID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			msgIDs = append(msgIDs, m.ID)
		}
		return deleteThreadCascade(tx, threadID)
	})
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}

	e.mu.Lock()
	drop := make(map[string]struct{}, len(msgIDs))
	for _, id := range msgIDs {
		drop[id] = struct{}{}
	}
	e.takeWritesLocked(func(id string, _ *pendingWrite) bool { _, ok := drop[id]; return ok })
	e.mu.Unlock()

	e.notifyThreads(th.UserID)
	e.notifyMessages(threadID)

	if model.IsTempID(threadID) {
		return nil
	}
	e.background("delete thread", func(ctx context.Context) {
		if err := e.remote.DeleteThread(ctx, threadID); err != nil {
			e.log.Warn("remote thread delete failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	})
	return nil
}

// InvalidateThreadsCache forgets when the threads of userID were last synced.
func (e *Engine) InvalidateThreadsCache(ctx context.Context, userID string) error {
	return e.invalidate(ctx, model.ThreadsScope(userID))
}

// InvalidateMessagesCache forgets when the messages of threadID were last synced.
func (e *Engine) InvalidateMessagesCache(ctx context.Context, threadID string) error {
	return e.invalidate(ctx, model.MessagesScope(threadID))
}

func (e *Engine) invalidate(ctx context.Context, key string) error {
	if err := e.store.Update(ctx, func(tx localstore.Tx) error { return tx.DeleteMetadata(key) }); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// ClearUserCache removes everything cached for userID and drops in-memory
// pending messages and debounced writes.
func (e *Engine) ClearUserCache(ctx context.Context, userID string) error {
	e.mu.Lock()
	e.takeWritesLocked(func(string, *pendingWrite) bool { return true })
	e.pending = make(map[string]model.Message)
	e.mu.Unlock()

	if err := e.store.ClearUser(ctx, userID); err != nil {
		return fmt.Errorf("clear user cache: %w", err)
	}
	e.log.Info("user cache cleared", zap.String("user_id", userID))
	e.notifyThreads(userID)
	return nil
}
