package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToFloat32 decodes little-endian int16 PCM into samples normalised to
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM16 encodes normalised samples as little-endian int16 PCM.
// Values outside [-1, 1] are clamped; NaN becomes silence.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(v)))
	}
	return out
}

func floatToInt16(v float32) int16 {
	switch {
	case math.IsNaN(float64(v)):
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return math.MinInt16
	case v < 0:
		return int16(v * 32768)
	default:
		return int16(v * 32767)
	}
}
