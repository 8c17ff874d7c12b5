// Package localstore defines the durable client-side cache contract used by the cache engine.
package localstore

import (
	"context"
	"time"

	"github.com/and161185/chatcache/internal/model"
)

// Tx is a read or read-write view over all three record kinds.
// Writes made through a Tx become visible atomically when the enclosing Update returns.
type Tx interface {
	// GetThread loads a thread by id; returns errs.ErrNotFound if absent.
	GetThread(id string) (model.Thread, error)
	// PutThread inserts or replaces a thread, stamping cache metadata.
	PutThread(t model.Thread) error
	// DeleteThread removes a thread; missing ids are ignored.
	DeleteThread(id string) error
	// ThreadsByUser lists threads owned by userID in unspecified order.
	ThreadsByUser(userID string) ([]model.Thread, error)
	// AllThreads lists every cached thread.
	AllThreads() ([]model.Thread, error)

	// GetMessage loads a message by id; returns errs.ErrNotFound if absent.
	GetMessage(id string) (model.Message, error)
	// PutMessage inserts or replaces a message, stamping cache metadata.
	PutMessage(m model.Message) error
	// DeleteMessage removes a message; missing ids are ignored.
	DeleteMessage(id string) error
	// MessagesByThread lists messages of a thread in unspecified order.
	MessagesByThread(threadID string) ([]model.Message, error)
	// MessagesByUser lists messages owned by userID in unspecified order.
	MessagesByUser(userID string) ([]model.Message, error)
	// AllMessages lists every cached message.
	AllMessages() ([]model.Message, error)

	// LastSync returns the last successful sync time for (key, userID), zero if never synced.
	LastSync(key, userID string) (time.Time, error)
	// SetLastSync records a successful sync for (key, userID).
	SetLastSync(key, userID string, at time.Time) error
	// DeleteMetadata removes every metadata record for key.
	DeleteMetadata(key string) error
	// AllMetadata lists every metadata record.
	AllMetadata() ([]model.CacheMetadata, error)
}

// Stats summarizes cached data for one user.
type Stats struct {
	ThreadCount  int
	MessageCount int
	TotalSize    int // sum of message content lengths in bytes
}

// Store is the durable local cache. Any method may fail with errs.ErrStorageUnavailable.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn in a read-write transaction; all writes commit or none do.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// CleanupOlderThan deletes records cached (or metadata synced) before cutoff.
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// ClearUser deletes every record scoped to userID.
	ClearUser(ctx context.Context, userID string) error
	// CompactMetadata removes metadata duplicates sharing key and owner, keeping the newest.
	CompactMetadata(ctx context.Context) (int, error)
	// Stats reports counts for userID.
	Stats(ctx context.Context, userID string) (Stats, error)
	// Close releases the underlying storage.
	Close() error
}

// PutThreads upserts threads inside tx.
func PutThreads(tx Tx, ts []model.Thread) error {
	for _, t := range ts {
		if err := tx.PutThread(t); err != nil {
			return err
		}
	}
	return nil
}

// PutMessages upserts messages inside tx.
func PutMessages(tx Tx, ms []model.Message) error {
	for _, m := range ms {
		if err := tx.PutMessage(m); err != nil {
			return err
		}
	}
	return nil
}

// DeleteThreads removes threads by id inside tx.
func DeleteThreads(tx Tx, ids []string) error {
	for _, id := range ids {
		if err := tx.DeleteThread(id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessages removes messages by id inside tx.
func DeleteMessages(tx Tx, ids []string) error {
	for _, id := range ids {
		if err := tx.DeleteMessage(id); err != nil {
			return err
		}
	}
	return nil
}
