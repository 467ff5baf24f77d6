package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Converter adapts PCM16 frames from a device format to a wire format. It
// logs once on the first format mismatch and once on the first corrupt frame.
// Use one Converter per stream; it is not meant to be shared across
// goroutines.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. Frames that already match are
// returned unchanged without copying. Resampling happens before channel
// conversion so mono targets never pay for resampling a stereo stream.
//
// ok is false when the frame cannot be PCM16 (odd byte count for its channel
// layout); such frames must be dropped by the caller.
func (c *Converter) Convert(frame AudioFrame) (out AudioFrame, ok bool) {
	align := 2 * max(frame.Channels, 1)
	if len(frame.Data)%align != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM16 data, dropping frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return AudioFrame{}, false
	}

	if frame.Format() == c.Target {
		return frame, true
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio converter: converting device format",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if frame.SampleRate != c.Target.SampleRate {
		if frame.Channels == 2 {
			pcm = ResampleStereo16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		}
	}
	switch {
	case frame.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	out = frame
	out.Data = pcm
	out.SampleRate = c.Target.SampleRate
	out.Channels = c.Target.Channels
	return out, true
}

func sample16(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample16(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// MonoToStereo duplicates each mono sample into an L+R pair. A trailing odd
// byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sample16(pcm, i)
		putSample16(out, 2*i, s)
		putSample16(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each L+R pair into one sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sample16(pcm, 2*i)) + int32(sample16(pcm, 2*i+1))) / 2
		putSample16(out, i, int16(min(max(avg, -32768), 32767)))
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. Non-positive or equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved stereo PCM16 from srcRate to dstRate
// with linear interpolation per channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sample16(pcm, idx*channels+ch))
			s1 := float64(sample16(pcm, next*channels+ch))
			putSample16(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}
