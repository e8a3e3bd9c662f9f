package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoding names a wire sample format accepted from capture clients.
type Encoding string

const (
	// EncodingPCM16 is little-endian signed 16-bit PCM.
	EncodingPCM16 Encoding = "pcm_s16le"

	// EncodingFloat32 is little-endian IEEE-754 float32 PCM.
	EncodingFloat32 Encoding = "pcm_f32le"

	// EncodingOpus is a sequence of Opus packets, one per message.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingFloat32, EncodingOpus:
		return true
	}
	return false
}

// DecodePCM16LE converts little-endian int16 PCM bytes into float32 samples
// in [-1, 1), appending to dst[:0]. A trailing odd byte is ignored.
func DecodePCM16LE(b []byte, dst []float32) []float32 {
	n := len(b) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(b[i*2:]))
		dst[i] = float32(s) / 32768
	}
	return dst
}

// Int16ToFloat32 converts int16 samples into float32 samples in [-1, 1).
func Int16ToFloat32(pcm []int16, dst []float32) []float32 {
	if cap(dst) < len(pcm) {
		dst = make([]float32, len(pcm))
	}
	dst = dst[:len(pcm)]
	for i, s := range pcm {
		dst[i] = float32(s) / 32768
	}
	return dst
}

// DecodeFloat32LE converts little-endian float32 bytes into samples,
// appending to dst[:0]. Trailing bytes that do not form a whole sample are
// ignored. NaN and infinite values are replaced by 0 so they cannot poison
// downstream statistics.
func DecodeFloat32LE(b []byte, dst []float32) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range n {
		v := math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			v = 0
		}
		dst[i] = v
	}
	return dst
}

// Deinterleave splits interleaved samples into per-channel slices, reusing
// dst when it has the right shape. A trailing partial frame is dropped.
func Deinterleave(interleaved []float32, channels int, dst [][]float32) ([][]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: deinterleave: invalid channel count %d", channels)
	}
	frames := len(interleaved) / channels
	if len(dst) != channels {
		dst = make([][]float32, channels)
	}
	for c := range channels {
		if cap(dst[c]) < frames {
			dst[c] = make([]float32, frames)
		}
		dst[c] = dst[c][:frames]
	}
	for i := range frames {
		for c := range channels {
			dst[c][i] = interleaved[i*channels+c]
		}
	}
	return dst, nil
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

// String implements fmt.Stringer.
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }
