package cache

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/and161185/chatcache/internal/localstore"
)

// MaintenanceReport counts what PerformMaintenance removed.
type MaintenanceReport struct {
	Expired           int // threads, messages and metadata past retention
	DuplicateMetadata int
	Orphans           int // messages whose thread is gone
}

// PerformMaintenance applies retention, de-duplicates sync metadata and purges
// orphaned messages. Each step runs even if an earlier one failed.
func (e *Engine) PerformMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var (
		rep  MaintenanceReport
		merr error
		err  error
	)
	cutoff := e.now().Add(-e.retention)
	if rep.Expired, err = e.store.CleanupOlderThan(ctx, cutoff); err != nil {
		merr = multierr.Append(merr, err)
	}
	if rep.DuplicateMetadata, err = e.store.CompactMetadata(ctx); err != nil {
		merr = multierr.Append(merr, err)
	}
	if rep.Orphans, err = e.purgeOrphans(ctx); err != nil {
		merr = multierr.Append(merr, err)
	}
	if rep.Orphans > 0 {
		e.log.Warn("purged orphaned messages", zap.Int("count", rep.Orphans))
	}

	e.mu.Lock()
	e.lastCleanup = e.now()
	e.mu.Unlock()

	e.log.Info("cache maintenance done",
		zap.Int("expired", rep.Expired),
		zap.Int("duplicate_metadata", rep.DuplicateMetadata),
		zap.Int("orphans", rep.Orphans),
		zap.Error(merr))
	return rep, merr
}

func (e *Engine) purgeOrphans(ctx context.Context) (int, error) {
	removed := 0
	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		threads, err := tx.AllThreads()
		if err != nil {
			return err
		}
		live := make(map[string]struct{}, len(threads))
		for _, t := range threads {
			live[t.ID] = struct{}{}
		}
		msgs, err := tx.AllMessages()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if _, ok := live[m.ThreadID]; ok {
				continue
			}
			if err := tx.DeleteMessage(m.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Stats summarizes the cache of one user.
type Stats struct {
	ThreadCount        int
	MessageCount       int
	TotalSize          int
	AverageMessageSize int
	PendingMessages    int       // buffered by CachePendingMessage
	LastCleanup        time.Time // zero until PerformMaintenance ran
}

// Stats reports cache usage for userID.
func (e *Engine) Stats(ctx context.Context, userID string) (Stats, error) {
	st, err := e.store.Stats(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		ThreadCount:  st.ThreadCount,
		MessageCount: st.MessageCount,
		TotalSize:    st.TotalSize,
	}
	if st.MessageCount > 0 {
		out.AverageMessageSize = (st.TotalSize + st.MessageCount/2) / st.MessageCount
	}
	e.mu.Lock()
	out.PendingMessages = len(e.pending)
	out.LastCleanup = e.lastCleanup
	e.mu.Unlock()
	return out, nil
}
