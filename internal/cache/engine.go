// Package cache is the offline-first cache engine that sits between the UI,
// the local store and the remote chat store.
//
// Reads are served from the local store while fresh and refreshed from the
// remote otherwise. Writes land locally first, notify watchers, and are pushed
// to the remote in the background. Streaming content updates are debounced
// per message.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/chatcache/internal/localstore"
	"github.com/and161185/chatcache/internal/model"
	"github.com/and161185/chatcache/internal/remote"
	"github.com/and161185/chatcache/internal/watch"
)

// Defaults for freshness, debounce and retention.
const (
	DefaultThreadsFresh      = 5 * time.Minute
	DefaultThreadsRefresh    = 2 * time.Minute
	DefaultMessagesFresh     = 2 * time.Minute
	DefaultMessagesRefresh   = time.Minute
	DefaultStreamingDebounce = 100 * time.Millisecond
	DefaultFinalDebounce     = 0
	DefaultRetention         = 7 * 24 * time.Hour
)

// Windows bounds cache age for one record kind. Data younger than Fresh is
// served from the cache; data older than Refresh also triggers a background sync.
type Windows struct {
	Fresh   time.Duration
	Refresh time.Duration
}

// Engine coordinates the local store, the remote client and watchers.
// All methods are safe for concurrent use.
type Engine struct {
	store  localstore.Store
	remote remote.Client
	log    *zap.Logger
	now    func() time.Time

	threadWin         Windows
	messageWin        Windows
	streamingDebounce time.Duration
	finalDebounce     time.Duration
	retention         time.Duration

	threads  *watch.Registry[[]model.Thread]
	messages *watch.Registry[[]model.Message]

	flights singleflight.Group
	flushMu sync.Mutex // orders content writes per engine
	pushMu  sync.Mutex // one push at a time so a record is never created twice

	mu          sync.Mutex
	syncing     map[string]struct{}
	pending     map[string]model.Message // pre-thread messages by temporary id
	writes      map[string]*pendingWrite // debounced content by message id
	gen         uint64
	lastCleanup time.Time
	closed      bool

	wg       sync.WaitGroup // debounce timers and background tasks
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock overrides the time source used for freshness and timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithThreadWindows overrides thread list freshness.
func WithThreadWindows(w Windows) Option { return func(e *Engine) { e.threadWin = w } }

// WithMessageWindows overrides message freshness.
func WithMessageWindows(w Windows) Option { return func(e *Engine) { e.messageWin = w } }

// WithDebounce overrides the content write delays for streaming and final updates.
func WithDebounce(streaming, final time.Duration) Option {
	return func(e *Engine) {
		e.streamingDebounce = streaming
		e.finalDebounce = final
	}
}

// WithRetention overrides how long cached records survive maintenance.
func WithRetention(d time.Duration) Option { return func(e *Engine) { e.retention = d } }

// New builds an engine over store and rc. The caller keeps ownership of both.
func New(store localstore.Store, rc remote.Client, opts ...Option) *Engine {
	e := &Engine{
		store:             store,
		remote:            rc,
		log:               zap.NewNop(),
		now:               time.Now,
		threadWin:         Windows{Fresh: DefaultThreadsFresh, Refresh: DefaultThreadsRefresh},
		messageWin:        Windows{Fresh: DefaultMessagesFresh, Refresh: DefaultMessagesRefresh},
		streamingDebounce: DefaultStreamingDebounce,
		finalDebounce:     DefaultFinalDebounce,
		retention:         DefaultRetention,
		syncing:           make(map[string]struct{}),
		pending:           make(map[string]model.Message),
		writes:            make(map[string]*pendingWrite),
	}
	for _, o := range opts {
		o(e)
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	e.threads = watch.New(e.loadThreads, e.log.Named("watch.threads"))
	e.messages = watch.New(e.loadMessages, e.log.Named("watch.messages"))
	return e
}

// WatchThreads subscribes cb to the thread list of userID. It receives the
// current list immediately and a fresh list after every change.
func (e *Engine) WatchThreads(ctx context.Context, userID string, cb func([]model.Thread)) (unwatch func()) {
	return e.threads.Watch(ctx, userID, cb)
}

// WatchMessages subscribes cb to the messages of threadID.
//
// Callbacks run on the goroutine that committed the change, after the engine
// released its write locks. They may call back into the engine, except for
// Close and ForceSyncAll, which wait for background pushes that may be the
// caller.
func (e *Engine) WatchMessages(ctx context.Context, threadID string, cb func([]model.Message)) (unwatch func()) {
	return e.messages.Watch(ctx, threadID, cb)
}

func (e *Engine) notifyThreads(userID string) { e.threads.Notify(e.bgCtx, userID) }

func (e *Engine) notifyMessages(threadID string) { e.messages.Notify(e.bgCtx, threadID) }

func (e *Engine) loadThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	return e.CachedThreads(ctx, userID)
}

// loadMessages re-reads streaming messages by id so watchers see content
// flushed after the thread listing was taken.
func (e *Engine) loadMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	msgs, err := e.CachedMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	err = e.store.View(ctx, func(tx localstore.Tx) error {
		for i, m := range msgs {
			if !m.IsStreaming {
				continue
			}
			if cur, err := tx.GetMessage(m.ID); err == nil {
				msgs[i] = cur
			}
		}
		return nil
	})
	return msgs, err
}

// background runs fn on a tracked goroutine unless the engine is closed.
func (e *Engine) background(name string, fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Debug("engine closed, background task dropped", zap.String("task", name))
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(e.bgCtx)
	}()
}

// Wait blocks until every scheduled debounce write and background task has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Close flushes pending content writes, cancels background work and waits for
// it to stop. The store and remote client are not closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	due := e.takeWritesLocked(func(string, *pendingWrite) bool { return true })
	e.pending = make(map[string]model.Message)
	e.mu.Unlock()

	type written struct {
		id, threadID string
		streaming    bool
	}
	var done []written
	e.flushMu.Lock()
	for id, pw := range due {
		if threadID, ok := e.writeContentLocked(e.bgCtx, id, pw.content, pw.streaming); ok {
			done = append(done, written{id: id, threadID: threadID, streaming: pw.streaming})
		}
	}
	e.flushMu.Unlock()
	for _, w := range done {
		e.contentWritten(w.id, w.threadID, w.streaming)
	}
	e.bgCancel()
	e.wg.Wait()
	e.threads.Reset()
	e.messages.Reset()
	return nil
}
