// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.InputStream], [audio.OutputDevice] and [audio.OutputContext]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and they expose exported fields that the
// test sets to control return values. The output context runs on a manual
// clock driven by [Output.Advance].
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	out := &mock.OutputDevice{}
//	// ... start the code under test ...
//	mic.Stream(0).Push(pcm)
//	out.Output(0).Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.InputStream   = (*Stream)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.OutputContext = (*Output)(nil)
	_ audio.Voice         = (*Voice)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Each successful
// Open creates a fresh [Stream] in the requested format unless StreamFormat
// is set.
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// StreamFormat overrides the format reported by opened streams.
	StreamFormat audio.Format

	// OpenCalls records the format argument of every Open call.
	OpenCalls []audio.Format

	streams []*Stream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, f audio.Format) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, f)
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	if m.StreamFormat.Valid() {
		f = m.StreamFormat
	}
	s := NewStream(f)
	m.streams = append(m.streams, s)
	return s, nil
}

// Stream returns the i-th stream opened, or nil.
func (m *Microphone) Stream(i int) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.streams) {
		return nil
	}
	return m.streams[i]
}

// StreamCount returns how many streams were opened.
func (m *Microphone) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.InputStream]. Tests feed it with [Stream.Push] and
// simulate device loss with [Stream.Fail].
type Stream struct {
	format audio.Format

	mu         sync.Mutex
	pending    []byte
	closeCount int

	// CloseError is returned by Close.
	CloseError error

	chunks    chan []byte
	failed    chan struct{}
	failErr   error
	failOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream returns an open stream reporting format f.
func NewStream(f audio.Format) *Stream {
	return &Stream{
		format: f,
		chunks: make(chan []byte, 256),
		failed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Format implements [audio.InputStream].
func (s *Stream) Format() audio.Format { return s.format }

// Push queues PCM bytes for subsequent reads. Push on a closed stream is a
// no-op.
func (s *Stream) Push(pcm []byte) {
	select {
	case <-s.done:
	case s.chunks <- slices.Clone(pcm):
	}
}

// Fail makes the next Read without queued data return err.
func (s *Stream) Fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		close(s.failed)
	})
}

// Read implements [io.Reader].
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return 0, audio.ErrClosed
	default:
	}

	select {
	case b := <-s.chunks:
		n := copy(p, b)
		if n < len(b) {
			s.mu.Lock()
			s.pending = append(s.pending, b[n:]...)
			s.mu.Unlock()
		}
		return n, nil
	case <-s.failed:
		return 0, s.failErr
	case <-s.done:
		return 0, audio.ErrClosed
	}
}

// Close implements [io.Closer]. Every call is counted; pending reads are
// unblocked by the first.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCount++
	err := s.CloseError
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return err
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice]. Each
// successful Open creates a fresh [Output] whose clock starts at Start.
type OutputDevice struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// Start is the initial clock position of new outputs.
	Start time.Duration

	// CloseError is copied to every new output's CloseError.
	CloseError error

	// OpenCalls records the format argument of every Open call.
	OpenCalls []audio.Format

	outputs []*Output
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, f audio.Format) (audio.OutputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, f)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	o := NewOutput(f, d.Start)
	o.CloseError = d.CloseError
	d.outputs = append(d.outputs, o)
	return o, nil
}

// Output returns the i-th output opened, or nil.
func (d *OutputDevice) Output(i int) *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.outputs) {
		return nil
	}
	return d.outputs[i]
}

// OutputCount returns how many outputs were opened.
func (d *OutputDevice) OutputCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outputs)
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Voice is a buffer scheduled on an [Output].
type Voice struct {
	out *Output

	// Buffer is the scheduled audio.
	Buffer audio.Buffer

	// At is the requested start position.
	At time.Duration

	// Start is the effective start: At, or the clock time of the Schedule
	// call if At was already in the past.
	Start time.Duration

	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether the voice was stopped.
func (v *Voice) Stopped() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.stopped
}

// Ended reports whether the voice finished naturally.
func (v *Voice) Ended() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.ended
}

// End returns the position at which the voice finishes.
func (v *Voice) End() time.Duration {
	return v.Start + v.Buffer.Duration()
}

// Output is a mock [audio.OutputContext] on a manual clock.
type Output struct {
	format audio.Format

	mu         sync.Mutex
	now        time.Duration
	voices     []*Voice
	closed     bool
	closeCount int

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	// CloseError is returned by Close.
	CloseError error
}

// NewOutput returns an open output rendering format f with its clock at start.
func NewOutput(f audio.Format, start time.Duration) *Output {
	return &Output{format: f, now: start}
}

// Now implements [audio.Clock].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Format implements [audio.OutputContext].
func (o *Output) Format() audio.Format { return o.format }

// Schedule implements [audio.OutputContext].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrClosed
	}
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	v := &Voice{out: o, Buffer: buf, At: at, Start: max(at, o.now), onEnded: onEnded}
	o.voices = append(o.voices, v)
	return v, nil
}

// Advance moves the clock forward by d and fires onEnded for every voice
// that finished naturally, in end order.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var done []*Voice
	for _, v := range o.voices {
		if !v.stopped && !v.ended && v.End() <= o.now {
			v.ended = true
			done = append(done, v)
		}
	}
	o.mu.Unlock()

	slices.SortStableFunc(done, func(a, b *Voice) int {
		return int(a.End() - b.End())
	})
	for _, v := range done {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// Voices returns a snapshot of every scheduled voice in scheduling order.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.voices)
}

// Playing returns the voices that are neither stopped nor ended.
func (o *Output) Playing() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*Voice
	for _, v := range o.voices {
		if !v.stopped && !v.ended {
			out = append(out, v)
		}
	}
	return out
}

// Close implements [audio.OutputContext]. Every call is counted; the first
// stops all voices.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeCount++
	if !o.closed {
		o.closed = true
		for _, v := range o.voices {
			v.stopped = true
		}
	}
	return o.CloseError
}

// Closed reports whether Close was called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCount
}
