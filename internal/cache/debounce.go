package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/localstore"
	"github.com/and161185/chatcache/internal/model"
)

// pendingWrite is a content update waiting for its debounce timer.
type pendingWrite struct {
	timer     *time.Timer
	gen       uint64
	content   string
	streaming bool
}

// UpdateMessageContent schedules a content write for message id. Streaming
// updates are delayed by the streaming debounce and replace any update still
// waiting for the same id; final updates use the final debounce. Unknown ids
// are ignored when the write comes due.
func (e *Engine) UpdateMessageContent(_ context.Context, id, content string, streaming bool) error {
	delay := e.finalDebounce
	if streaming {
		delay = e.streamingDebounce
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if prev, ok := e.writes[id]; ok && prev.timer.Stop() {
		e.wg.Done()
	}
	e.gen++
	pw := &pendingWrite{gen: e.gen, content: content, streaming: streaming}
	e.writes[id] = pw
	e.wg.Add(1)
	gen := pw.gen
	pw.timer = time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.flush(id, gen)
	})
	return nil
}

// flush writes the update scheduled as gen unless a newer one replaced it.
func (e *Engine) flush(id string, gen uint64) {
	e.flushMu.Lock()
	e.mu.Lock()
	pw, ok := e.writes[id]
	if !ok || pw.gen != gen {
		e.mu.Unlock()
		e.flushMu.Unlock()
		return
	}
	delete(e.writes, id)
	e.mu.Unlock()

	threadID, written := e.writeContentLocked(e.bgCtx, id, pw.content, pw.streaming)
	e.flushMu.Unlock()
	if written {
		e.contentWritten(id, threadID, pw.streaming)
	}
}

// writeContentLocked stores content for id and reports the thread it belongs
// to. The caller holds flushMu and calls contentWritten after releasing it.
func (e *Engine) writeContentLocked(ctx context.Context, id, content string, streaming bool) (threadID string, written bool) {
	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		m, err := tx.GetMessage(id)
		if err != nil {
			return err
		}
		m.Content = content
		m.IsStreaming = streaming
		m.UpdatedAt = e.now()
		m.Pending = true
		threadID = m.ThreadID
		return tx.PutMessage(m)
	})
	switch {
	case errors.Is(err, errs.ErrNotFound):
		e.log.Debug("content update for unknown message dropped", zap.String("message_id", id))
		return "", false
	case err != nil:
		e.log.Warn("content update failed", zap.String("message_id", id), zap.Error(err))
		return "", false
	}
	return threadID, true
}

// contentWritten notifies watchers of a stored content update and schedules
// the push of a final one. It must run without flushMu held.
func (e *Engine) contentWritten(id, threadID string, streaming bool) {
	e.notifyMessages(threadID)
	if !streaming {
		e.schedulePushMessage(id)
	}
}

// takeWritesLocked removes and returns matching debounced writes, stopping
// their timers. The caller holds mu.
func (e *Engine) takeWritesLocked(match func(id string, pw *pendingWrite) bool) map[string]*pendingWrite {
	out := make(map[string]*pendingWrite)
	for id, pw := range e.writes {
		if !match(id, pw) {
			continue
		}
		if pw.timer.Stop() {
			e.wg.Done()
		}
		delete(e.writes, id)
		out[id] = pw
	}
	return out
}

// FinalizeMessage marks message id as no longer streaming and records its token
// count. Content of a debounced update still waiting for id is written in the
// same step. Finalizing twice is harmless. An unknown id yields errs.ErrNotFound.
func (e *Engine) FinalizeMessage(ctx context.Context, id string, tokenCount *int) error {
	e.flushMu.Lock()

	e.mu.Lock()
	due := e.takeWritesLocked(func(wid string, _ *pendingWrite) bool { return wid == id })
	e.mu.Unlock()

	var threadID string
	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		m, err := tx.GetMessage(id)
		if err != nil {
			return err
		}
		if pw, ok := due[id]; ok {
			m.Content = pw.content
		}
		m.IsStreaming = false
		if tokenCount != nil {
			m.TokenCount = model.IntPtr(*tokenCount)
		}
		m.UpdatedAt = e.now()
		m.Pending = true
		threadID = m.ThreadID
		return tx.PutMessage(m)
	})
	e.flushMu.Unlock()
	if err != nil {
		return fmt.Errorf("finalize message %s: %w", id, err)
	}
	e.notifyMessages(threadID)
	e.schedulePushMessage(id)
	return nil
}
