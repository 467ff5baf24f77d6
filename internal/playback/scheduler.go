package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics sets the metrics sink. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSpeakingObserver registers fn to be called with the new value whenever
// [Scheduler.IsSpeaking] flips. fn runs without the scheduler lock held.
func WithSpeakingObserver(fn func(speaking bool)) Option {
	return func(s *Scheduler) { s.onSpeaking = fn }
}

// Scheduler places decoded buffers back to back on an output clock.
//
// The cursor only moves forward, except on [Scheduler.Interrupt]
// where it is reset to the current clock time. Each scheduled buffer starts
// at max(cursor, now), so playback is gapless while audio arrives faster
// than real time and resumes immediately after an underrun.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out        audio.OutputContext
	metrics    *observe.Metrics
	onSpeaking func(bool)

	mu      sync.Mutex
	next    cursor
	pending map[uint64]audio.Voice
	nextID  uint64
	closed  bool
}

// cursor is a position on the output clock held as an anchor time plus the
// frames queued since, so back-to-back buffers never drift by rounding.
type cursor struct {
	anchor time.Duration
	frames int64
	rate   int
}

func (c cursor) at() time.Duration {
	if c.rate <= 0 {
		return c.anchor
	}
	return c.anchor + time.Duration(c.frames*int64(time.Second)/int64(c.rate))
}

// New returns a scheduler for out with its cursor at out.Now().
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:     out,
		pending: make(map[uint64]audio.Voice),
		next:    cursor{anchor: out.Now()},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Reset moves the cursor to the current clock time. Call it when a session
// becomes active.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.next = cursor{anchor: s.out.Now()}
	s.mu.Unlock()
}

// Schedule enqueues buf at max(cursor, now) and advances the cursor by the
// buffer's duration. It returns the start time used. Empty buffers are
// accepted and occupy no time.
func (s *Scheduler) Schedule(buf audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	next := s.next.at()
	start := max(next, s.out.Now())
	if buf.Frames() == 0 {
		s.mu.Unlock()
		return start, nil
	}

	id := s.nextID
	s.nextID++
	voice, err := s.out.Schedule(buf, start, func() { s.ended(id) })
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	wasIdle := len(s.pending) == 0
	s.pending[id] = voice
	if start != next || buf.SampleRate != s.next.rate {
		s.next = cursor{anchor: start, rate: buf.SampleRate}
	}
	s.next.frames += int64(buf.Frames())
	s.mu.Unlock()

	s.metrics.ChunksScheduled.Add(context.Background(), 1)
	if wasIdle {
		s.notify(true)
	}
	return start, nil
}

// ended removes a naturally finished voice from the pending set.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	_, ok := s.pending[id]
	delete(s.pending, id)
	idle := ok && len(s.pending) == 0
	s.mu.Unlock()

	if idle {
		s.notify(false)
	}
}

// Interrupt stops every pending voice, clears the pending set and resets the
// cursor to now. It returns the number of voices stopped. IsSpeaking reports
// false as soon as Interrupt returns.
func (s *Scheduler) Interrupt() int {
	n := s.flush()
	s.metrics.Interruptions.Add(context.Background(), 1)
	slog.Debug("playback: interrupted", "stopped", n)
	return n
}

func (s *Scheduler) flush() int {
	s.mu.Lock()
	voices := s.pending
	s.pending = make(map[uint64]audio.Voice)
	s.next = cursor{anchor: s.out.Now()}
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if len(voices) > 0 {
		s.notify(false)
	}
	return len(voices)
}

// IsSpeaking reports whether any scheduled buffer has not finished yet.
func (s *Scheduler) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Pending returns the number of buffers scheduled but not yet finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextStart returns the playback cursor.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.at()
}

// Now returns the output clock time.
func (s *Scheduler) Now() time.Duration { return s.out.Now() }

// Close stops all pending voices and refuses further scheduling. It does not
// close the output context. Calling Close more than once is a no-op.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.flush()
}

func (s *Scheduler) notify(speaking bool) {
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}
