// Package capture turns an open microphone stream into fixed-size PCM16
// frames in the wire format of the live protocol.
//
// A [Pipeline] owns a single reader goroutine. It never blocks on its
// consumer: frames are offered to a bounded channel and dropped when the
// channel is full. Frames are additionally gated on the owning session being
// Active for the pipeline's generation, so audio captured while a session is
// still connecting or already closing is discarded instead of queued.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrDeviceLost is reported through the fault handler when the stream fails
// or ends while the pipeline is running.
var ErrDeviceLost = errors.New("capture: input device lost")

const (
	// DefaultChunkSamples is the number of wire-format samples per frame.
	DefaultChunkSamples = 4096

	// DefaultBuffer is the capacity of the outbound frame channel.
	DefaultBuffer = 32

	// readSize is the number of bytes requested from the stream per Read.
	readSize = 4096
)

// Gate reports whether a frame captured for generation gen may be sent.
type Gate func(gen uint64) bool

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWireFormat sets the format frames are converted to. Default
// [audio.Mono16k].
func WithWireFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.Valid() {
			p.wire = f
		}
	}
}

// WithChunkSamples sets the number of samples per channel in each frame.
func WithChunkSamples(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSamples = n
		}
	}
}

// WithBuffer sets the capacity of the frame channel.
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithGate installs the admission check. Without a gate every frame is
// admitted.
func WithGate(g Gate) Option {
	return func(p *Pipeline) { p.gate = g }
}

// WithFaultHandler sets the function called (at most once, from the reader
// goroutine) when the device fails while the pipeline is running.
func WithFaultHandler(fn func(gen uint64, err error)) Option {
	return func(p *Pipeline) { p.onFault = fn }
}

// WithMetrics sets the metrics sink. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline reads PCM16 from an [audio.InputStream], converts it to the wire
// format and cuts it into frames of a fixed sample count.
type Pipeline struct {
	stream       audio.InputStream
	generation   uint64
	wire         audio.Format
	chunkSamples int
	buffer       int
	gate         Gate
	onFault      func(gen uint64, err error)
	metrics      *observe.Metrics

	frames    chan audio.AudioFrame
	done      chan struct{}
	startOnce sync.Once
	stopping  atomic.Bool

	dropped atomic.Uint64
	emitted atomic.Uint64
}

// New creates a pipeline for stream on behalf of session generation gen.
// Call [Pipeline.Start] to begin reading.
func New(stream audio.InputStream, gen uint64, opts ...Option) *Pipeline {
	p := &Pipeline{
		stream:       stream,
		generation:   gen,
		wire:         audio.Mono16k,
		chunkSamples: DefaultChunkSamples,
		buffer:       DefaultBuffer,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.frames = make(chan audio.AudioFrame, p.buffer)
	return p
}

// Frames returns the admitted frames in capture order. The channel is closed
// when the reader goroutine exits.
func (p *Pipeline) Frames() <-chan audio.AudioFrame { return p.frames }

// Done is closed when the reader goroutine has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Generation returns the session generation the pipeline captures for.
func (p *Pipeline) Generation() uint64 { return p.generation }

// Dropped returns how many frames were discarded so far.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Emitted returns how many frames were delivered to the channel so far.
func (p *Pipeline) Emitted() uint64 { return p.emitted.Load() }

// Start launches the reader goroutine. Subsequent calls are no-ops.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() { go p.run() })
}

// Stop marks the pipeline as being torn down so that the read error caused
// by closing the stream is not reported as a fault. It does not close the
// stream; the stream's owner does that.
func (p *Pipeline) Stop() {
	p.stopping.Store(true)
}

// chunkBytes is the byte length of one wire frame.
func (p *Pipeline) chunkBytes() int {
	return p.chunkSamples * p.wire.Channels * 2
}

// deviceChunkBytes is the device byte count that converts to roughly one
// wire frame, rounded down to a whole device sample frame.
func (p *Pipeline) deviceChunkBytes(dev audio.Format) int {
	frames := int(int64(p.chunkSamples) * int64(dev.SampleRate) / int64(p.wire.SampleRate))
	return max(frames, 1) * dev.Channels * 2
}

func (p *Pipeline) run() {
	defer close(p.done)
	defer close(p.frames)

	dev := p.stream.Format()
	if !dev.Valid() {
		dev = p.wire
	}
	conv := audio.Converter{Target: p.wire}
	devChunk := p.deviceChunkBytes(dev)
	wireChunk := p.chunkBytes()
	frameDur := p.wire.Duration(wireChunk)

	var (
		raw     []byte
		pending []byte
		seq     uint64
		buf     = make([]byte, readSize)
	)

	for {
		n, err := p.stream.Read(buf)
		if n > 0 {
			raw = append(raw, buf[:n]...)
			for len(raw) >= devChunk {
				in := audio.AudioFrame{
					Data:       raw[:devChunk:devChunk],
					SampleRate: dev.SampleRate,
					Channels:   dev.Channels,
				}
				out, ok := conv.Convert(in)
				raw = raw[devChunk:]
				if !ok {
					p.metrics.RecordFrameDropped(context.Background(), observe.DropMalformed)
					continue
				}
				pending = append(pending, out.Data...)
				for len(pending) >= wireChunk {
					data := make([]byte, wireChunk)
					copy(data, pending)
					pending = pending[wireChunk:]
					p.offer(audio.AudioFrame{
						Data:       data,
						SampleRate: p.wire.SampleRate,
						Channels:   p.wire.Channels,
						Seq:        seq,
						Timestamp:  time.Duration(seq) * frameDur,
					})
					seq++
				}
			}
			// Compact so the backing arrays do not grow without bound.
			raw = append(raw[:0:0], raw...)
			pending = append(pending[:0:0], pending...)
		}
		if err != nil {
			p.finish(err)
			return
		}
	}
}

// offer hands frame to the consumer without blocking.
func (p *Pipeline) offer(frame audio.AudioFrame) {
	ctx := context.Background()
	p.metrics.FramesCaptured.Add(ctx, 1)

	if p.stopping.Load() || (p.gate != nil && !p.gate(p.generation)) {
		p.dropped.Add(1)
		p.metrics.RecordFrameDropped(ctx, observe.DropInactive)
		return
	}

	select {
	case p.frames <- frame:
		p.emitted.Add(1)
	default:
		p.dropped.Add(1)
		p.metrics.RecordFrameDropped(ctx, observe.DropBackpressure)
		slog.Debug("capture: consumer behind, dropping frame",
			"generation", p.generation,
			"seq", frame.Seq,
		)
	}
}

// finish classifies the terminating read error.
func (p *Pipeline) finish(err error) {
	if p.stopping.Load() {
		slog.Debug("capture: reader stopped", "generation", p.generation)
		return
	}
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: stream ended", ErrDeviceLost)
	} else {
		err = fmt.Errorf("%w: %w", ErrDeviceLost, err)
	}
	slog.Warn("capture: input stream failed", "generation", p.generation, "err", err)
	if p.onFault != nil {
		p.onFault(p.generation, err)
	}
}
