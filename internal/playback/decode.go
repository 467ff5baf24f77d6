// Package playback turns inbound speech chunks into gapless, interruptible
// playback on an [audio.OutputContext].
//
// The [Decoder] converts the base64 PCM payloads of the live protocols into
// normalised float buffers at the output rate. The [Scheduler] places those
// buffers back to back on the output clock and can flush everything still
// pending when the user barges in.
package playback

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ErrDecode wraps every failure to turn a chunk into playable audio. Decode
// errors are local to one chunk and never end a session.
var ErrDecode = errors.New("playback: decode")

// Decoder converts [live.AudioChunk] payloads into [audio.Buffer] values in
// the Output format.
type Decoder struct {
	// Output is the format of the playback context.
	Output audio.Format

	// SourceRate is assumed for chunks whose MIME type carries no rate. Zero
	// means Output.SampleRate.
	SourceRate int
}

// Decode base64-decodes chunk as mono little-endian PCM16, normalises it to
// [-1, 1] and resamples it to the output rate.
func (d Decoder) Decode(chunk live.AudioChunk) (audio.Buffer, error) {
	if chunk.Data == "" {
		return audio.Buffer{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(pcm) == 0 {
		return audio.Buffer{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(pcm)%2 != 0 {
		return audio.Buffer{}, fmt.Errorf("%w: odd PCM16 length %d", ErrDecode, len(pcm))
	}

	out := d.Output
	if !out.Valid() {
		out = audio.Mono24k
	}
	src := d.SourceRate
	if rate, ok := live.RateFromMIME(chunk.MIMEType); ok {
		src = rate
	}
	if src <= 0 {
		src = out.SampleRate
	}

	pcm = audio.ResampleMono16(pcm, src, out.SampleRate)
	if out.Channels == 2 {
		pcm = audio.MonoToStereo(pcm)
	}
	if len(pcm) == 0 {
		return audio.Buffer{}, fmt.Errorf("%w: chunk too short to resample", ErrDecode)
	}

	return audio.Buffer{
		Samples:    audio.PCM16ToFloat32(pcm),
		SampleRate: out.SampleRate,
		Channels:   out.Channels,
	}, nil
}
