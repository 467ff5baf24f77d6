package mixer

import (
	"container/heap"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputContext = (*Timeline)(nil)
	_ audio.Voice         = (*voice)(nil)
)

// DefaultBlock is the render quantum used when no [WithBlock] option is given.
const DefaultBlock = 20 * time.Millisecond

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithBlock sets the duration of each rendered block. Smaller blocks lower
// output latency at the cost of more sink writes. Non-positive values are
// ignored.
func WithBlock(d time.Duration) Option {
	return func(t *Timeline) {
		if d > 0 {
			t.block = d
		}
	}
}

// Timeline is a software [audio.OutputContext]. Voices are kept in a min-heap
// until their start frame falls inside the block being rendered, then summed
// into the block and written to the sink as PCM16.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format      audio.Format
	sink        io.Writer
	block       time.Duration
	blockFrames int

	mu       sync.Mutex
	rendered int64 // frames written to the sink so far; the clock
	pending  voiceHeap
	active   []*voice
	seq      uint64
	closed   bool
	err      error

	done      chan struct{} // closed by Close
	exited    chan struct{} // closed when the render loop returns
	closeOnce sync.Once
}

// New creates a [Timeline] rendering format f into sink and starts its render
// loop. If sink implements [io.Closer] it is closed by [Timeline.Close].
func New(sink io.Writer, f audio.Format, opts ...Option) (*Timeline, error) {
	t, err := newTimeline(sink, f, opts...)
	if err != nil {
		return nil, err
	}
	go t.run()
	return t, nil
}

func newTimeline(sink io.Writer, f audio.Format, opts ...Option) (*Timeline, error) {
	if sink == nil {
		return nil, fmt.Errorf("mixer: sink must not be nil")
	}
	if !f.Valid() {
		return nil, fmt.Errorf("mixer: invalid format %s", f)
	}
	t := &Timeline{
		format: f,
		sink:   sink,
		block:  DefaultBlock,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.blockFrames = max(int(int64(f.SampleRate)*int64(t.block)/int64(time.Second)), 1)
	return t, nil
}

// Format implements [audio.OutputContext].
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [audio.Clock]. It returns the duration of audio handed to
// the sink so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.rendered)
}

// Schedule implements [audio.OutputContext]. The buffer must match the
// timeline's format.
func (t *Timeline) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf.SampleRate != t.format.SampleRate || buf.Channels != t.format.Channels {
		return nil, fmt.Errorf("mixer: buffer format %dHz/%dch does not match timeline %s",
			buf.SampleRate, buf.Channels, t.format)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, audio.ErrClosed
	}

	t.seq++
	v := &voice{
		t:       t,
		samples: buf.Samples,
		frames:  int64(buf.Frames()),
		start:   max(t.durationToFrames(at), t.rendered),
		seq:     t.seq,
		onEnded: onEnded,
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// Close stops every voice, terminates the render loop and closes the sink if
// it is an [io.Closer]. Close is idempotent; later calls return nil.
func (t *Timeline) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		for _, v := range t.active {
			v.stopped = true
		}
		for _, v := range t.pending {
			v.stopped = true
		}
		t.active = nil
		t.pending = nil
		t.mu.Unlock()

		close(t.done)
		<-t.exited

		if c, ok := t.sink.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				err = fmt.Errorf("mixer: close sink: %w", cerr)
			}
		}
	})
	return err
}

// run renders one block per block interval until Close or a sink failure.
func (t *Timeline) run() {
	defer close(t.exited)

	ticker := time.NewTicker(t.block)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.renderBlock(); err != nil {
				t.mu.Lock()
				t.err = err
				t.mu.Unlock()
				slog.Warn("mixer: sink write failed, stopping render loop", "err", err)
				return
			}
		}
	}
}

// Err returns the sink error that stopped the render loop, if any.
func (t *Timeline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// renderBlock mixes the next block, writes it to the sink and then fires the
// completion callbacks of voices that ended inside it.
func (t *Timeline) renderBlock() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}

	ch := t.format.Channels
	blockStart := t.rendered
	blockEnd := blockStart + int64(t.blockFrames)

	for t.pending.Len() > 0 && t.pending[0].start < blockEnd {
		v := heap.Pop(&t.pending).(*voice)
		if !v.stopped {
			t.active = append(t.active, v)
		}
	}

	mix := make([]float32, t.blockFrames*ch)
	var ended []func()
	keep := t.active[:0]
	for _, v := range t.active {
		if v.stopped {
			continue
		}
		from := max(v.start, blockStart)
		to := min(v.start+v.frames, blockEnd)
		for f := from; f < to; f++ {
			src := int(f-v.start) * ch
			dst := int(f-blockStart) * ch
			for c := range ch {
				mix[dst+c] += v.samples[src+c]
			}
		}
		if v.start+v.frames <= blockEnd {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		keep = append(keep, v)
	}
	clear(t.active[len(keep):])
	t.active = keep
	t.rendered = blockEnd
	t.mu.Unlock()

	if _, err := t.sink.Write(audio.Float32ToPCM16(mix)); err != nil {
		return err
	}
	for _, fn := range ended {
		fn()
	}
	return nil
}

// durationToFrames rounds up, so a start time produced by truncating a frame
// count back to a duration maps to that same frame.
func (t *Timeline) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(t.format.SampleRate) + int64(time.Second) - 1) / int64(time.Second)
}

func (t *Timeline) framesToDuration(n int64) time.Duration {
	return time.Duration(n * int64(time.Second) / int64(t.format.SampleRate))
}

// voice is one scheduled buffer on a [Timeline].
type voice struct {
	t       *Timeline
	samples []float32
	frames  int64
	start   int64
	seq     uint64
	onEnded func()
	stopped bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	v.stopped = true
}
