// Package boltstore implements localstore.Store on a single bbolt file.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/localstore"
	"github.com/and161185/chatcache/internal/model"
)

var (
	bucketThreads       = []byte("threads")
	bucketMessages      = []byte("messages")
	bucketMetadata      = []byte("metadata")
	bucketThreadsByUser = []byte("idx_threads_user")
	bucketMsgsByThread  = []byte("idx_messages_thread")
	bucketMsgsByUser    = []byte("idx_messages_user")

	allBuckets = [][]byte{
		bucketThreads, bucketMessages, bucketMetadata,
		bucketThreadsByUser, bucketMsgsByThread, bucketMsgsByUser,
	}
)

const defaultOpenTimeout = time.Second

var _ localstore.Store = (*Store)(nil)

// Store is a bbolt-backed local cache.
type Store struct {
	db  *bolt.DB
	now func() time.Time
	log *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for cache stamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

// Open opens (creating if needed) the cache file at path.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, unavailable(err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, unavailable(err)
	}
	s := &Store{db: db, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, unavailable(err)
	}
	s.log.Debug("local store opened", zap.String("path", path))
	return s, nil
}

// Close closes the bbolt file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return unavailable(err)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx localstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.db.View(func(btx *bolt.Tx) error {
		fnErr = fn(&boltTx{tx: btx, now: s.now})
		return fnErr
	})
	return result(err, fnErr)
}

// Update runs fn in a read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(tx localstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.db.Update(func(btx *bolt.Tx) error {
		fnErr = fn(&boltTx{tx: btx, now: s.now})
		return fnErr
	})
	return result(err, fnErr)
}

// CleanupOlderThan deletes threads and messages cached before cutoff and metadata synced before it.
func (s *Store) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.Update(ctx, func(tx localstore.Tx) error {
		msgs, err := tx.AllMessages()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.CachedAt.Before(cutoff) {
				if err := tx.DeleteMessage(m.ID); err != nil {
					return err
				}
				removed++
			}
		}
		threads, err := tx.AllThreads()
		if err != nil {
			return err
		}
		for _, t := range threads {
			if t.CachedAt.Before(cutoff) {
				if err := tx.DeleteThread(t.ID); err != nil {
					return err
				}
				removed++
			}
		}
		n, err := tx.(*boltTx).deleteMetadataWhere(func(md model.CacheMetadata) bool {
			return md.LastSync.Before(cutoff)
		})
		removed += n
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ClearUser deletes every thread, message and metadata record owned by userID.
func (s *Store) ClearUser(ctx context.Context, userID string) error {
	return s.Update(ctx, func(tx localstore.Tx) error {
		msgs, err := tx.MessagesByUser(userID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := tx.DeleteMessage(m.ID); err != nil {
				return err
			}
		}
		threads, err := tx.ThreadsByUser(userID)
		if err != nil {
			return err
		}
		for _, t := range threads {
			if err := tx.DeleteThread(t.ID); err != nil {
				return err
			}
		}
		_, err = tx.(*boltTx).deleteMetadataWhere(func(md model.CacheMetadata) bool {
			return md.UserID == userID
		})
		return err
	})
}

// CompactMetadata keeps a single record per (key, owner), the one with the newest LastSync.
func (s *Store) CompactMetadata(ctx context.Context) (int, error) {
	removed := 0
	err := s.Update(ctx, func(tx localstore.Tx) error {
		btx := tx.(*boltTx)
		type entry struct {
			seq []byte
			md  model.CacheMetadata
		}
		best := map[string]entry{}
		var drop [][]byte
		err := btx.forEachMetadata(func(seq []byte, md model.CacheMetadata) error {
			k := md.Key + "\x00" + md.UserID
			cur, ok := best[k]
			switch {
			case !ok:
				best[k] = entry{seq: seq, md: md}
			case md.LastSync.After(cur.md.LastSync):
				drop = append(drop, cur.seq)
				best[k] = entry{seq: seq, md: md}
			default:
				drop = append(drop, seq)
			}
			return nil
		})
		if err != nil {
			return err
		}
		b := btx.tx.Bucket(bucketMetadata)
		for _, seq := range drop {
			if err := b.Delete(seq); err != nil {
				return unavailable(err)
			}
		}
		removed = len(drop)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Stats reports cached counts for a user.
func (s *Store) Stats(ctx context.Context, userID string) (localstore.Stats, error) {
	var st localstore.Stats
	err := s.View(ctx, func(tx localstore.Tx) error {
		threads, err := tx.ThreadsByUser(userID)
		if err != nil {
			return err
		}
		msgs, err := tx.MessagesByUser(userID)
		if err != nil {
			return err
		}
		st.ThreadCount = len(threads)
		st.MessageCount = len(msgs)
		for _, m := range msgs {
			st.TotalSize += len(m.Content)
		}
		return nil
	})
	return st, err
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
}

// result separates callback errors, returned as is, from storage failures.
func result(err, fnErr error) error {
	switch {
	case err == nil:
		return nil
	case fnErr != nil && errors.Is(err, fnErr):
		return fnErr
	default:
		return unavailable(err)
	}
}
