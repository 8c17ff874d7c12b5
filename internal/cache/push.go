package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/localstore"
	"github.com/and161185/chatcache/internal/model"
)

func (e *Engine) schedulePushThread(id string) {
	e.background("push thread", func(ctx context.Context) {
		if err := e.pushThread(ctx, id); err != nil {
			e.log.Warn("background thread push failed", zap.String("thread_id", id), zap.Error(err))
		}
	})
}

func (e *Engine) schedulePushMessage(id string) {
	e.background("push message", func(ctx context.Context) {
		if err := e.pushMessage(ctx, id); err != nil {
			e.log.Warn("background message push failed", zap.String("message_id", id), zap.Error(err))
		}
	})
}

func (e *Engine) pushThread(ctx context.Context, id string) error {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	return e.pushThreadLocked(ctx, id)
}

func (e *Engine) pushMessage(ctx context.Context, id string) error {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	return e.pushMessageLocked(ctx, id)
}

// pushThreadLocked creates a pending thread on the remote and moves it, with
// its messages, to the remote id. Messages waiting for the thread are pushed
// afterwards. The caller holds pushMu.
func (e *Engine) pushThreadLocked(ctx context.Context, id string) error {
	th, err := e.getThread(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !th.Pending {
		return nil
	}
	if !model.IsTempID(th.ID) {
		// nothing to create; the remote has no thread update call
		return e.store.Update(ctx, func(tx localstore.Tx) error {
			cur, err := tx.GetThread(id)
			if err != nil {
				return err
			}
			cur.Pending = false
			return tx.PutThread(cur)
		})
	}

	newID, err := e.remote.CreateThread(ctx, th.UserID, th.Title)
	if err != nil {
		return fmt.Errorf("push thread %s: %w", id, err)
	}
	var msgIDs []string
	err = e.store.Update(ctx, func(tx localstore.Tx) error {
		var err error
		msgIDs, err = rekeyThread(tx, id, newID)
		return err
	})
	if errors.Is(err, errs.ErrNotFound) {
		// deleted locally while the create was in flight
		e.log.Info("thread gone before rekey, deleting remote copy", zap.String("thread_id", newID))
		if derr := e.remote.DeleteThread(ctx, newID); derr != nil {
			e.log.Warn("remote thread delete failed", zap.String("thread_id", newID), zap.Error(derr))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("rekey thread %s: %w", id, err)
	}
	e.log.Debug("thread pushed", zap.String("temp_id", id), zap.String("thread_id", newID))
	e.notifyThreads(th.UserID)
	e.notifyMessages(id)
	e.notifyMessages(newID)

	var merr error
	for _, mid := range msgIDs {
		merr = multierr.Append(merr, e.pushMessageLocked(ctx, mid))
	}
	return merr
}

// rekeyThread moves thread oldID to newID and repoints its messages.
// It returns the ids of the moved messages in creation order.
func rekeyThread(tx localstore.Tx, oldID, newID string) ([]string, error) {
	th, err := tx.GetThread(oldID)
	if err != nil {
		return nil, err
	}
	msgs, err := tx.MessagesByThread(oldID)
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	if err := tx.DeleteThread(oldID); err != nil {
		return nil, err
	}
	if err := tx.DeleteMetadata(model.MessagesScope(oldID)); err != nil {
		return nil, err
	}
	th.ID = newID
	th.Pending = false
	if err := tx.PutThread(th); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		m.ThreadID = newID
		if err := tx.PutMessage(m); err != nil {
			return nil, err
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// pushMessageLocked sends a pending, non-streaming message to the remote.
// Temporary ids are created remotely and replaced by the remote id; remote ids
// get the content the remote lacks and are finalized. Messages whose thread is
// still local-only wait for the thread push. The caller holds pushMu.
func (e *Engine) pushMessageLocked(ctx context.Context, id string) error {
	m, err := e.getMessage(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !m.Pending || m.IsStreaming || model.IsTempID(m.ThreadID) {
		return nil
	}

	if !model.IsTempID(m.ID) {
		return e.pushRemoteMessageLocked(ctx, m)
	}

	newID, err := e.remote.CreateMessage(ctx, model.NewMessage{
		ThreadID:   m.ThreadID,
		OwnerID:    m.UserID,
		Role:       m.Role,
		Content:    m.Content,
		Model:      m.Model,
		TokenCount: m.TokenCount,
	})
	if err != nil {
		return fmt.Errorf("push message %s: %w", id, err)
	}
	err = e.store.Update(ctx, func(tx localstore.Tx) error {
		cur, err := tx.GetMessage(id)
		if err != nil {
			return err
		}
		if err := tx.DeleteMessage(id); err != nil {
			return err
		}
		cur.ID = newID
		cur.Pending = cur.Version != m.Version
		cur.RemoteLen = len(m.Content)
		return tx.PutMessage(cur)
	})
	if errors.Is(err, errs.ErrNotFound) {
		e.log.Info("message gone before rekey", zap.String("message_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("rekey message %s: %w", id, err)
	}
	e.log.Debug("message pushed", zap.String("temp_id", id), zap.String("message_id", newID))
	e.notifyMessages(m.ThreadID)
	return nil
}

// pushRemoteMessageLocked appends the content past RemoteLen to a message the
// remote already knows, then finalizes it. RemoteLen is recorded as soon as the
// append succeeds so a failed finalize never resends the same tail. Pending is
// cleared only when both calls succeeded and the record did not change
// meanwhile. The caller holds pushMu.
func (e *Engine) pushRemoteMessageLocked(ctx context.Context, m model.Message) error {
	log := e.log.With(zap.String("message_id", m.ID))
	remoteLen := m.RemoteLen
	switch {
	case remoteLen > len(m.Content):
		// content was replaced locally; the remote only supports appends
		log.Warn("remote content longer than cached content, not appending",
			zap.Int("remote_len", remoteLen), zap.Int("local_len", len(m.Content)))
	case remoteLen < len(m.Content):
		if err := e.remote.AppendMessageChunk(ctx, m.ID, m.Content[remoteLen:]); err != nil {
			return fmt.Errorf("push message %s: append: %w", m.ID, err)
		}
		remoteLen = len(m.Content)
	}

	ferr := e.remote.FinalizeMessage(ctx, m.ID, m.TokenCount)
	if ferr != nil && remoteLen == m.RemoteLen {
		return fmt.Errorf("push message %s: %w", m.ID, ferr)
	}
	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		cur, err := tx.GetMessage(m.ID)
		if err != nil {
			return err
		}
		cur.RemoteLen = remoteLen
		if ferr == nil && cur.Version == m.Version {
			cur.Pending = false
		}
		return tx.PutMessage(cur)
	})
	if ferr != nil {
		return fmt.Errorf("push message %s: %w", m.ID, ferr)
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("clear pending %s: %w", m.ID, err)
	}
	log.Debug("message pushed", zap.Int("remote_len", remoteLen))
	return nil
}

func (e *Engine) getThread(ctx context.Context, id string) (model.Thread, error) {
	var th model.Thread
	err := e.store.View(ctx, func(tx localstore.Tx) error {
		var err error
		th, err = tx.GetThread(id)
		return err
	})
	return th, err
}

func (e *Engine) getMessage(ctx context.Context, id string) (model.Message, error) {
	var m model.Message
	err := e.store.View(ctx, func(tx localstore.Tx) error {
		var err error
		m, err = tx.GetMessage(id)
		return err
	})
	return m, err
}

// ForceSyncAll pushes every cached thread of userID and then every message.
// Failures do not stop the run; they are collected and returned as errs.ErrSyncFailed.
func (e *Engine) ForceSyncAll(ctx context.Context, userID string) error {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	threads, err := e.CachedThreads(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrSyncFailed, err)
	}
	var merr error
	for _, th := range threads {
		merr = multierr.Append(merr, e.pushThreadLocked(ctx, th.ID))
	}

	// re-read: thread pushes may have re-keyed messages
	var msgs []model.Message
	err = e.store.View(ctx, func(tx localstore.Tx) error {
		var err error
		msgs, err = tx.MessagesByUser(userID)
		return err
	})
	if err != nil {
		merr = multierr.Append(merr, err)
	}
	sortMessages(msgs)
	for _, m := range msgs {
		merr = multierr.Append(merr, e.pushMessageLocked(ctx, m.ID))
	}

	if merr != nil {
		n := len(multierr.Errors(merr))
		e.log.Warn("force sync incomplete", zap.String("user_id", userID), zap.Int("failures", n), zap.Error(merr))
		return fmt.Errorf("%w: %d failure(s): %w", errs.ErrSyncFailed, n, merr)
	}
	e.log.Info("force sync done", zap.String("user_id", userID),
		zap.Int("threads", len(threads)), zap.Int("messages", len(msgs)))
	return nil
}
