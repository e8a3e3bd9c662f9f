package audio

import "math"

// StreamResampler performs linear-interpolation resampling over a stream
// that arrives in blocks. It keeps the fractional read position and the
// source samples still needed for interpolation between calls, so splitting
// a stream into blocks does not introduce discontinuities at the block
// boundaries.
//
// Buffers are reused across calls; after warm-up Process does not allocate
// as long as block sizes stay the same. A StreamResampler is owned by one
// goroutine.
type StreamResampler struct {
	ratio       float64
	passthrough bool

	pos     float64
	carry   []float32
	scratch []float32
	out     []float32
}

// NewStreamResampler returns a resampler from srcRate to dstRate. Equal or
// invalid rates produce a passthrough resampler.
func NewStreamResampler(srcRate, dstRate int) *StreamResampler {
	s := &StreamResampler{ratio: 1, passthrough: true}
	if srcRate > 0 && dstRate > 0 && srcRate != dstRate {
		s.ratio = float64(srcRate) / float64(dstRate)
		s.passthrough = false
	}
	return s
}

// Process resamples in and returns the produced samples. The returned slice
// is owned by the resampler and is only valid until the next call.
func (s *StreamResampler) Process(in []float32) []float32 {
	if s.passthrough {
		if cap(s.out) < len(in) {
			s.out = make([]float32, len(in))
		}
		s.out = s.out[:len(in)]
		copy(s.out, in)
		return s.out
	}

	need := len(s.carry) + len(in)
	if cap(s.scratch) < need {
		s.scratch = make([]float32, need, need*2)
	}
	buf := s.scratch[:need]
	copy(buf, s.carry)
	copy(buf[len(s.carry):], in)

	maxOut := int(float64(need)/s.ratio) + 2
	if cap(s.out) < maxOut {
		s.out = make([]float32, 0, maxOut*2)
	}
	out := s.out[:0]

	pos := s.pos
	for {
		lo := int(pos)
		hi := lo + 1
		if hi >= len(buf) {
			break
		}
		frac := pos - float64(lo)
		out = append(out, float32(float64(buf[lo])*(1-frac)+float64(buf[hi])*frac))
		pos += s.ratio
	}

	lo := int(math.Floor(pos))
	if lo >= len(buf) {
		s.carry = s.carry[:0]
		s.pos = pos - float64(len(buf))
	} else {
		s.carry = append(s.carry[:0], buf[lo:]...)
		s.pos = pos - float64(lo)
	}
	s.out = out
	return out
}

// Reset drops the carried samples and phase.
func (s *StreamResampler) Reset() {
	s.pos = 0
	s.carry = s.carry[:0]
}
