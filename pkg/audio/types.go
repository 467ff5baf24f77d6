package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the capture format mandated by both supported live protocols.
var Mono16k = Format{SampleRate: 16000, Channels: 1}

// Mono24k is the synthesised speech format returned by both supported live
// protocols.
var Mono24k = Format{SampleRate: 24000, Channels: 1}

// Valid reports whether f has a positive sample rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback length of n PCM16 bytes in format f.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	frames := n / (2 * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// AudioFrame is one chunk of captured audio on its way to the remote agent.
// Frames are produced by the capture pipeline in strictly increasing Seq
// order and must be forwarded in that order.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (16000 for the live protocols).
	SampleRate int

	// Channels: 1 for mono.
	Channels int

	// Seq is the capture position of this frame, starting at zero for each
	// session.
	Seq uint64

	// Timestamp is the stream offset of the first sample in the frame.
	Timestamp time.Duration
}

// Format returns the frame's sample format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Buffer is decoded audio ready for playback. Samples are interleaved and
// normalised to [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
