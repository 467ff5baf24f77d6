// Package live defines the contract for real-time conversational agent
// services that accept a continuous microphone stream and answer with
// synthesised speech over one long-lived bidirectional connection. Examples
// are the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is [Transport]: outbound audio frames go in through
// Send, and everything the remote side says comes back as a single ordered
// stream of tagged [Event] values. Consumers handle events strictly
// sequentially, which is what lets interruption and teardown be reasoned
// about without locks around the event handlers.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrClosed is returned by Send after the transport was closed locally or by
// the remote side.
var ErrClosed = errors.New("live: transport closed")

// EventKind tags an [Event].
type EventKind int

const (
	// EventOpened acknowledges the session setup. Audio sent before it may be
	// discarded by the remote side.
	EventOpened EventKind = iota + 1

	// EventAudioChunk carries a piece of synthesised speech in Chunk.
	EventAudioChunk

	// EventInterrupted means the remote side detected user speech over its
	// own output; everything queued for playback is stale.
	EventInterrupted

	// EventTurnComplete marks the end of one model response.
	EventTurnComplete

	// EventClosed means the remote side ended the session cleanly. It is the
	// last event before the channel closes.
	EventClosed

	// EventError reports a fatal remote or connection failure in Err. It is
	// the last event before the channel closes.
	EventError
)

// String returns the kind's lower-case name.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudioChunk:
		return "audio_chunk"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// AudioChunk is synthesised speech as it arrives on the wire: base64 text and
// the MIME type announced by the remote side.
type AudioChunk struct {
	// Data is base64-encoded little-endian PCM16.
	Data string

	// MIMEType is e.g. "audio/pcm;rate=24000". Empty when the protocol fixes
	// the format out of band.
	MIMEType string
}

// Event is one message from the remote side. Exactly one of Chunk or Err is
// meaningful depending on Kind.
type Event struct {
	Kind  EventKind
	Chunk AudioChunk
	Err   error
}

// SessionConfig is fixed when a session starts connecting and never changes
// for the lifetime of that session.
type SessionConfig struct {
	// Model identifies the remote model or endpoint. Empty selects the
	// provider default.
	Model string

	// Voice is the provider voice name, e.g. "Kore".
	Voice string

	// Instructions is the system instruction text sent once at setup.
	Instructions string

	// InputFormat is the PCM format the transport will receive from Send.
	InputFormat audio.Format

	// OutputFormat is the PCM format the remote side is asked to speak in.
	OutputFormat audio.Format
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputFormat is the capture format the protocol mandates.
	InputFormat audio.Format

	// OutputFormat is the format synthesised speech arrives in.
	OutputFormat audio.Format

	// Voices lists the voice names the provider accepts. The first entry is
	// the provider default.
	Voices []string

	// MaxSessionSeconds is the provider-imposed session limit; zero means no
	// documented limit.
	MaxSessionSeconds int
}

// Voice resolves a requested voice name against Voices. An empty request or
// an empty list is accepted as is; an unknown name resolves to the default
// voice with ok false.
func (c Capabilities) Voice(requested string) (voice string, ok bool) {
	if len(c.Voices) == 0 {
		return requested, true
	}
	if requested == "" {
		return c.Voices[0], true
	}
	for _, v := range c.Voices {
		if strings.EqualFold(v, requested) {
			return v, true
		}
	}
	return c.Voices[0], false
}

// Transport is one open connection to a live agent service.
type Transport interface {
	// Send encodes frame and writes it to the remote side. Frames must be
	// sent in capture order; Send is not required to be called concurrently.
	Send(ctx context.Context, frame audio.AudioFrame) error

	// Events returns the ordered stream of remote events. The channel is
	// closed after EventClosed or EventError, or after a local Close.
	Events() <-chan Event

	// Close terminates the connection. Calling Close more than once returns
	// nil.
	Close() error
}

// Provider opens transports.
type Provider interface {
	// Connect dials the service and sends the one-time setup described by
	// cfg. It returns once the setup is on the wire; the remote
	// acknowledgement arrives later as EventOpened.
	Connect(ctx context.Context, cfg SessionConfig) (Transport, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// PCMMIMEType returns the MIME type used by both supported protocols for raw
// PCM16 at the given rate.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// RateFromMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". ok is false when there is no usable rate.
func RateFromMIME(mime string) (rate int, ok bool) {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || !strings.EqualFold(k, "rate") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
