// Package audio defines the device contracts and PCM helpers shared by the
// capture and playback sides of a live session.
//
// The two device abstractions are:
//
//   - [Microphone] opens an [InputStream] of raw little-endian PCM16.
//   - [OutputDevice] opens an [OutputContext]: a sample-accurate timeline on
//     which decoded buffers are scheduled as cancellable voices.
//
// Implementations live in sub-packages (audio/ffmpeg, audio/mock). The
// interfaces are kept narrow so the session layer never depends on a
// specific backend.
package audio

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors returned by device backends. Callers classify acquisition
// failures with [errors.Is].
var (
	// ErrPermissionDenied means the operating system or user refused access
	// to the capture device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable means the device does not exist or could not be
	// opened for a reason other than permission.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrClosed is returned by operations on a closed stream or context.
	ErrClosed = errors.New("audio: closed")
)

// Clock is a monotonically non-decreasing playback time source. Zero is the
// moment the owning output context was opened.
type Clock interface {
	Now() time.Duration
}

// Voice is a handle to one scheduled buffer.
type Voice interface {
	// Stop silences the voice immediately. Stopping a voice that already
	// finished or was already stopped is a no-op. A stopped voice never
	// reports natural completion.
	Stop()
}

// OutputContext is an open playback device with its own clock. Buffers are
// placed at absolute clock positions; a buffer scheduled in the past starts
// immediately.
type OutputContext interface {
	Clock

	// Format returns the rate the context renders at.
	Format() Format

	// Schedule queues buf to begin at clock position at. onEnded, if
	// non-nil, is called exactly once when the buffer finishes playing
	// naturally. It is never called from within Schedule and never while the
	// context holds its own locks.
	Schedule(buf Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops all voices and releases the device. Calling Close more than
	// once returns nil.
	Close() error
}

// OutputDevice opens playback contexts.
type OutputDevice interface {
	Open(ctx context.Context, f Format) (OutputContext, error)
}

// InputStream is an open capture stream delivering little-endian PCM16 in
// Format. Close unblocks a pending Read, which then returns an error.
type InputStream interface {
	io.ReadCloser
	Format() Format
}

// Microphone opens capture streams. Backends should honour the requested
// format when they can; callers must still convert from whatever
// [InputStream.Format] reports.
type Microphone interface {
	Open(ctx context.Context, f Format) (InputStream, error)
}
