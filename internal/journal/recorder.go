package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livevoice/internal/session"
)

// DefaultQueue is the recorder's default backlog.
const DefaultQueue = 64

// Recorder appends coordinator transitions to a [Store]. [Recorder.Observe]
// never blocks; when the backlog is full the transition is dropped and
// counted.
type Recorder struct {
	store   Store
	queue   chan Entry
	timeout time.Duration
	dropped atomic.Uint64
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithQueue sets the backlog size.
func WithQueue(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Entry, n)
		}
	}
}

// WithWriteTimeout bounds each Append call. Zero disables the bound.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.timeout = d }
}

// NewRecorder creates a recorder writing to store. Call [Recorder.Run] to
// start writing.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		queue:   make(chan Entry, DefaultQueue),
		timeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Observe converts tr into an [Entry] and queues it. It has the signature
// expected by [session.Coordinator.OnStateChange].
func (r *Recorder) Observe(tr session.Transition) {
	e := Entry{
		SessionID:  tr.SessionID,
		Generation: tr.Generation,
		From:       tr.From.String(),
		To:         tr.To.String(),
		At:         tr.At,
	}
	if tr.Err != nil {
		e.Message = tr.Err.Error()
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
		slog.Warn("journal: backlog full, dropping entry",
			"session_id", e.SessionID,
			"to", e.To,
		)
	}
}

// Dropped returns the number of entries discarded because the backlog was
// full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued entries until ctx is cancelled, then writes whatever is
// still queued and returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.queue:
			r.write(context.Background(), e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	// Entries already dequeued are written even while shutting down.
	ctx = context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.store.Append(ctx, e); err != nil {
		slog.Warn("journal: append failed",
			"session_id", e.SessionID,
			"to", e.To,
			"err", err,
		)
	}
}
