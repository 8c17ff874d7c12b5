package boltstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/and161185/chatcache/internal/errs"
	"github.com/and161185/chatcache/internal/localstore"
	"github.com/and161185/chatcache/internal/model"
)

var _ localstore.Tx = (*boltTx)(nil)

type boltTx struct {
	tx  *bolt.Tx
	now func() time.Time
}

func indexKey(owner, id string) []byte {
	return []byte(owner + "\x00" + id)
}

func (t *boltTx) bucket(name []byte) *bolt.Bucket { return t.tx.Bucket(name) }

// ---- threads ----

// GetThread loads a thread by id.
func (t *boltTx) GetThread(id string) (model.Thread, error) {
	var th model.Thread
	ok, err := t.get(bucketThreads, id, &th)
	if err != nil {
		return model.Thread{}, err
	}
	if !ok {
		return model.Thread{}, fmt.Errorf("thread %s: %w", id, errs.ErrNotFound)
	}
	return th, nil
}

// PutThread upserts a thread and keeps the owner index in step.
func (t *boltTx) PutThread(th model.Thread) error {
	if th.ID == "" {
		return fmt.Errorf("put thread: %w: empty id", errs.ErrInvalidArgument)
	}
	var prev model.Thread
	exists, err := t.get(bucketThreads, th.ID, &prev)
	if err != nil {
		return err
	}
	if exists {
		if prev.UserID != th.UserID {
			if err := t.unindex(bucketThreadsByUser, prev.UserID, prev.ID); err != nil {
				return err
			}
		}
		th.Version = prev.Version + 1
	}
	t.stamp(&th.CacheMeta)
	if err := t.put(bucketThreads, th.ID, th); err != nil {
		return err
	}
	return t.index(bucketThreadsByUser, th.UserID, th.ID)
}

// DeleteThread removes a thread; messages are left to the caller.
func (t *boltTx) DeleteThread(id string) error {
	var prev model.Thread
	exists, err := t.get(bucketThreads, id, &prev)
	if err != nil || !exists {
		return err
	}
	if err := t.unindex(bucketThreadsByUser, prev.UserID, id); err != nil {
		return err
	}
	return t.del(bucketThreads, id)
}

// ThreadsByUser lists threads via the owner index.
func (t *boltTx) ThreadsByUser(userID string) ([]model.Thread, error) {
	ids := t.scanIndex(bucketThreadsByUser, userID)
	out := make([]model.Thread, 0, len(ids))
	for _, id := range ids {
		var th model.Thread
		ok, err := t.get(bucketThreads, id, &th)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, th)
		}
	}
	return out, nil
}

// AllThreads lists every thread.
func (t *boltTx) AllThreads() ([]model.Thread, error) {
	var out []model.Thread
	err := t.bucket(bucketThreads).ForEach(func(_, v []byte) error {
		var th model.Thread
		if err := json.Unmarshal(v, &th); err != nil {
			return unavailable(err)
		}
		out = append(out, th)
		return nil
	})
	return out, err
}

// ---- messages ----

// GetMessage loads a message by id.
func (t *boltTx) GetMessage(id string) (model.Message, error) {
	var m model.Message
	ok, err := t.get(bucketMessages, id, &m)
	if err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
	}
	return m, nil
}

// PutMessage upserts a message and keeps both indexes in step.
func (t *boltTx) PutMessage(m model.Message) error {
	if m.ID == "" {
		return fmt.Errorf("put message: %w: empty id", errs.ErrInvalidArgument)
	}
	var prev model.Message
	exists, err := t.get(bucketMessages, m.ID, &prev)
	if err != nil {
		return err
	}
	if exists {
		if prev.ThreadID != m.ThreadID {
			if err := t.unindex(bucketMsgsByThread, prev.ThreadID, prev.ID); err != nil {
				return err
			}
		}
		if prev.UserID != m.UserID {
			if err := t.unindex(bucketMsgsByUser, prev.UserID, prev.ID); err != nil {
				return err
			}
		}
		m.Version = prev.Version + 1
	}
	t.stamp(&m.CacheMeta)
	if err := t.put(bucketMessages, m.ID, m); err != nil {
		return err
	}
	if err := t.index(bucketMsgsByThread, m.ThreadID, m.ID); err != nil {
		return err
	}
	return t.index(bucketMsgsByUser, m.UserID, m.ID)
}

// DeleteMessage removes a message and its index entries.
func (t *boltTx) DeleteMessage(id string) error {
	var prev model.Message
	exists, err := t.get(bucketMessages, id, &prev)
	if err != nil || !exists {
		return err
	}
	if err := t.unindex(bucketMsgsByThread, prev.ThreadID, id); err != nil {
		return err
	}
	if err := t.unindex(bucketMsgsByUser, prev.UserID, id); err != nil {
		return err
	}
	return t.del(bucketMessages, id)
}

// MessagesByThread lists messages via the thread index.
func (t *boltTx) MessagesByThread(threadID string) ([]model.Message, error) {
	return t.messagesVia(bucketMsgsByThread, threadID)
}

// MessagesByUser lists messages via the owner index.
func (t *boltTx) MessagesByUser(userID string) ([]model.Message, error) {
	return t.messagesVia(bucketMsgsByUser, userID)
}

// AllMessages lists every message.
func (t *boltTx) AllMessages() ([]model.Message, error) {
	var out []model.Message
	err := t.bucket(bucketMessages).ForEach(func(_, v []byte) error {
		var m model.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return unavailable(err)
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (t *boltTx) messagesVia(idx []byte, owner string) ([]model.Message, error) {
	ids := t.scanIndex(idx, owner)
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		var m model.Message
		ok, err := t.get(bucketMessages, id, &m)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// ---- metadata ----

// LastSync returns the newest sync time recorded for (key, userID).
func (t *boltTx) LastSync(key, userID string) (time.Time, error) {
	var last time.Time
	err := t.forEachMetadata(func(_ []byte, md model.CacheMetadata) error {
		if md.Key == key && md.UserID == userID && md.LastSync.After(last) {
			last = md.LastSync
		}
		return nil
	})
	return last, err
}

// SetLastSync updates the record for (key, userID) or appends a new one.
func (t *boltTx) SetLastSync(key, userID string, at time.Time) error {
	var (
		seq  []byte
		prev model.CacheMetadata
	)
	err := t.forEachMetadata(func(k []byte, md model.CacheMetadata) error {
		if seq == nil && md.Key == key && md.UserID == userID {
			seq, prev = k, md
		}
		return nil
	})
	if err != nil {
		return err
	}
	b := t.bucket(bucketMetadata)
	md := model.CacheMetadata{Key: key, UserID: userID, LastSync: at, Version: prev.Version + 1}
	if seq == nil {
		n, err := b.NextSequence()
		if err != nil {
			return unavailable(err)
		}
		seq = make([]byte, 8)
		binary.BigEndian.PutUint64(seq, n)
	}
	return t.put(bucketMetadata, string(seq), md)
}

// DeleteMetadata removes every record for key regardless of owner.
func (t *boltTx) DeleteMetadata(key string) error {
	_, err := t.deleteMetadataWhere(func(md model.CacheMetadata) bool { return md.Key == key })
	return err
}

// AllMetadata lists every metadata record.
func (t *boltTx) AllMetadata() ([]model.CacheMetadata, error) {
	var out []model.CacheMetadata
	err := t.forEachMetadata(func(_ []byte, md model.CacheMetadata) error {
		out = append(out, md)
		return nil
	})
	return out, err
}

func (t *boltTx) forEachMetadata(fn func(seq []byte, md model.CacheMetadata) error) error {
	return t.bucket(bucketMetadata).ForEach(func(k, v []byte) error {
		var md model.CacheMetadata
		if err := json.Unmarshal(v, &md); err != nil {
			return unavailable(err)
		}
		return fn(bytes.Clone(k), md)
	})
}

func (t *boltTx) deleteMetadataWhere(match func(model.CacheMetadata) bool) (int, error) {
	var drop [][]byte
	err := t.forEachMetadata(func(seq []byte, md model.CacheMetadata) error {
		if match(md) {
			drop = append(drop, seq)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	b := t.bucket(bucketMetadata)
	for _, k := range drop {
		if err := b.Delete(k); err != nil {
			return 0, unavailable(err)
		}
	}
	return len(drop), nil
}

// ---- low level ----

// stamp fills cache metadata on first write.
func (t *boltTx) stamp(cm *model.CacheMeta) {
	if cm.CachedAt.IsZero() {
		cm.CachedAt = t.now()
	}
	if cm.Version == 0 {
		cm.Version = 1
	}
}

func (t *boltTx) get(bucket []byte, id string, out any) (bool, error) {
	v := t.bucket(bucket).Get([]byte(id))
	if v == nil {
		return false, nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

func (t *boltTx) put(bucket []byte, id string, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return unavailable(err)
	}
	if err := t.bucket(bucket).Put([]byte(id), enc); err != nil {
		return unavailable(err)
	}
	return nil
}

func (t *boltTx) del(bucket []byte, id string) error {
	if err := t.bucket(bucket).Delete([]byte(id)); err != nil {
		return unavailable(err)
	}
	return nil
}

func (t *boltTx) index(bucket []byte, owner, id string) error {
	if err := t.bucket(bucket).Put(indexKey(owner, id), []byte{}); err != nil {
		return unavailable(err)
	}
	return nil
}

func (t *boltTx) unindex(bucket []byte, owner, id string) error {
	if err := t.bucket(bucket).Delete(indexKey(owner, id)); err != nil {
		return unavailable(err)
	}
	return nil
}

func (t *boltTx) scanIndex(bucket []byte, owner string) []string {
	prefix := []byte(owner + "\x00")
	var ids []string
	c := t.bucket(bucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids
}
