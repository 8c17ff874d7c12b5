// Package watch implements keyed subscriptions that receive full snapshots.
//
// A Registry never diffs: every Notify re-reads the current value through the
// Loader and hands the same snapshot to every callback registered for the key.
package watch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Loader reads the current snapshot for key.
type Loader[T any] func(ctx context.Context, key string) (T, error)

// Registry fans snapshots out to callbacks grouped by key.
type Registry[T any] struct {
	load Loader[T]
	log  *zap.Logger

	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]func(T)
}

// New creates a registry reading snapshots with load.
func New[T any](load Loader[T], log *zap.Logger) *Registry[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry[T]{
		load: load,
		log:  log,
		subs: make(map[string]map[uint64]func(T)),
	}
}

// Watch registers cb under key and delivers one snapshot synchronously.
// The returned func unregisters cb; calling it more than once is harmless.
func (r *Registry[T]) Watch(ctx context.Context, key string, cb func(T)) (unwatch func()) {
	r.mu.Lock()
	r.next++
	id := r.next
	set, ok := r.subs[key]
	if !ok {
		set = make(map[uint64]func(T))
		r.subs[key] = set
	}
	set[id] = cb
	r.mu.Unlock()

	if snap, err := r.load(ctx, key); err != nil {
		r.log.Warn("watch: initial load failed", zap.String("key", key), zap.Error(err))
	} else {
		cb(snap)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(key, id) })
	}
}

func (r *Registry[T]) remove(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.subs, key)
	}
}

// Notify loads the snapshot for key once and delivers it to every callback.
// Keys without watchers are skipped without loading.
func (r *Registry[T]) Notify(ctx context.Context, key string) {
	cbs := r.callbacks(key)
	if len(cbs) == 0 {
		return
	}
	snap, err := r.load(ctx, key)
	if err != nil {
		r.log.Warn("watch: reload failed", zap.String("key", key), zap.Error(err))
		return
	}
	for _, cb := range cbs {
		cb(snap)
	}
}

func (r *Registry[T]) callbacks(key string) []func(T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[key]
	out := make([]func(T), 0, len(set))
	for _, cb := range set {
		out = append(out, cb)
	}
	return out
}

// Watching reports how many callbacks are registered under key.
func (r *Registry[T]) Watching(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

// Reset drops every registration.
func (r *Registry[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]map[uint64]func(T))
}
