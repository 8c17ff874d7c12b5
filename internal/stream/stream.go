// Package stream folds an incrementally produced assistant reply into the
// local cache. Deltas are buffered and flushed in batches through a single
// worker so the store sees a bounded write rate, and the message is always
// finalized, even when the producer fails or the caller stops early.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults for flush batching. DefaultFlushGap is longer than the cache
// engine's streaming debounce, so each flush is written before the next one
// replaces it.
const (
	DefaultFlushChars    = 32
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultFlushGap      = 150 * time.Millisecond

	queueSize = 16
)

// Event is produced by a model backend: a run of Delta values terminated by
// Finish, or an Error at any point.
type Event interface{ event() }

// Delta carries the next piece of generated text.
type Delta struct{ Text string }

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Finish ends the stream. A non-empty Text replaces the accumulated content.
type Finish struct {
	Text  string
	Usage Usage
}

// Error aborts the stream; no deltas follow it.
type Error struct{ Err error }

func (Delta) event()  {}
func (Finish) event() {}
func (Error) event()  {}

// Updater is the write side of the cache engine used by the reconciler.
type Updater interface {
	UpdateMessageContent(ctx context.Context, messageID, content string, streaming bool) error
	FinalizeMessage(ctx context.Context, messageID string, tokenCount *int) error
}

// Result describes a consumed stream.
type Result struct {
	Content    string
	TokenCount int
	Flushes    int   // intermediate content writes handed to the updater
	Aborted    bool  // ctx was canceled before the stream ended
	Err        error // error reported by the producer, if any
}

// Reconciler consumes event streams for a single Updater.
type Reconciler struct {
	up       Updater
	log      *zap.Logger
	chars    int
	interval time.Duration
	gap      time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Reconciler) { r.log = l } }

// WithFlushChars sets how many buffered characters force a flush.
func WithFlushChars(n int) Option { return func(r *Reconciler) { r.chars = n } }

// WithFlushInterval sets the longest time buffered text waits for a flush.
func WithFlushInterval(d time.Duration) Option { return func(r *Reconciler) { r.interval = d } }

// WithFlushGap sets the least time between the starts of two consecutive
// flushes. Snapshots queued while waiting collapse into the newest one.
func WithFlushGap(d time.Duration) Option { return func(r *Reconciler) { r.gap = d } }

// New builds a Reconciler writing through up.
func New(up Updater, opts ...Option) *Reconciler {
	r := &Reconciler{
		up:       up,
		log:      zap.NewNop(),
		chars:    DefaultFlushChars,
		interval: DefaultFlushInterval,
		gap:      DefaultFlushGap,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.chars <= 0 {
		r.chars = 1
	}
	if r.interval <= 0 {
		r.interval = DefaultFlushInterval
	}
	return r
}

// Consume reads events until the stream ends, the producer reports an error,
// or ctx is canceled, then flushes what is left and finalizes messageID.
// The returned error reports a failed finalize; producer errors land in
// Result.Err.
func (r *Reconciler) Consume(ctx context.Context, messageID string, events <-chan Event) (Result, error) {
	// writes must outlive a user stop
	wctx := context.WithoutCancel(ctx)
	log := r.log.With(zap.String("message_id", messageID))

	queue := make(chan string, queueSize)
	flushed := make(chan int, 1)
	go r.drain(wctx, log, messageID, queue, flushed)

	var (
		res      Result
		acc      strings.Builder
		buffered int
		usage    Usage
		sent     string
	)
	enqueue := func() {
		sent = acc.String()
		buffered = 0
		queue <- sent
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			res.Aborted = true
			break loop
		case <-ticker.C:
			if buffered > 0 {
				enqueue()
			}
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch e := ev.(type) {
			case Delta:
				acc.WriteString(e.Text)
				buffered += len(e.Text)
				if buffered >= r.chars {
					enqueue()
					ticker.Reset(r.interval)
				}
			case Finish:
				if e.Text != "" && e.Text != acc.String() {
					acc.Reset()
					acc.WriteString(e.Text)
				}
				usage = e.Usage
				break loop
			case Error:
				res.Err = e.Err
				log.Warn("stream producer failed", zap.Error(e.Err))
				break loop
			}
		}
	}

	res.Content = acc.String()
	if res.Content != sent {
		queue <- res.Content
	}
	close(queue)
	res.Flushes = <-flushed

	res.TokenCount = usage.TotalTokens
	if res.TokenCount <= 0 {
		res.TokenCount = len(strings.Fields(res.Content))
	}
	tokens := res.TokenCount
	if err := r.up.FinalizeMessage(wctx, messageID, &tokens); err != nil {
		return res, fmt.Errorf("finalize message %s: %w", messageID, err)
	}
	log.Debug("stream reconciled",
		zap.Int("tokens", res.TokenCount),
		zap.Int("flushes", res.Flushes),
		zap.Bool("aborted", res.Aborted))
	return res, nil
}

// drain writes queued snapshots one at a time, at most one per gap. A wait
// collapses the snapshots queued meanwhile into the newest.
func (r *Reconciler) drain(ctx context.Context, log *zap.Logger, id string, queue <-chan string, done chan<- int) {
	var (
		n    int
		last time.Time
	)
	for content := range queue {
		if n > 0 && r.gap > 0 {
			if wait := r.gap - time.Since(last); wait > 0 {
				time.Sleep(wait)
				content = newest(queue, content)
			}
		}
		last = time.Now()
		if err := r.up.UpdateMessageContent(ctx, id, content, true); err != nil {
			log.Warn("flush streamed content", zap.Error(err))
		}
		n++
	}
	done <- n
}

// newest returns the last snapshot already waiting in queue, or content.
func newest(queue <-chan string, content string) string {
	for {
		select {
		case c, ok := <-queue:
			if !ok {
				return content
			}
			content = c
		default:
			return content
		}
	}
}
