package audio

import (
	"math"
)

// TargetSampleRate is the rate every sample in the ring buffer and every
// inference window is expressed in.
const TargetSampleRate = 16000

// standardizeEpsilon keeps Standardize finite on silent or constant input.
const standardizeEpsilon = 1e-7

// Resample converts input from srcRate to dstRate using linear interpolation.
// It returns a copy of input unchanged when the rates are equal, the input is
// empty, or either rate is not a finite positive number.
//
// The output length is round(len(input) / (srcRate/dstRate)), at least 1.
// Output sample i is taken at source position i*ratio, interpolating between
// the floor and ceil source samples and clamping at the last sample.
func Resample(input []float32, srcRate, dstRate float64) []float32 {
	if len(input) == 0 || srcRate == dstRate || !validRate(srcRate) || !validRate(dstRate) {
		out := make([]float32, len(input))
		copy(out, input)
		return out
	}

	ratio := srcRate / dstRate
	outLen := int(math.Round(float64(len(input)) / ratio))
	if outLen < 1 {
		outLen = 1
	}

	out := make([]float32, outLen)
	last := len(input) - 1
	for i := range out {
		pos := float64(i) * ratio
		lo := int(math.Floor(pos))
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := pos - float64(lo)
		if frac > 1 {
			frac = 1
		}
		out[i] = float32(float64(input[lo])*(1-frac) + float64(input[hi])*frac)
	}
	return out
}

func validRate(r float64) bool {
	return r > 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}

// Normalize scales samples in place so the largest absolute value becomes
// 1.0 and returns the slice. All-zero input is returned unchanged.
func Normalize(samples []float32) []float32 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return samples
	}
	scale := 1 / peak
	for i, s := range samples {
		samples[i] = float32(float64(s) * scale)
	}
	return samples
}

// Standardize shifts samples in place to zero mean and scales them by
// 1/sqrt(variance+1e-7). In the inference pipeline it always runs after
// [Normalize].
func Standardize(samples []float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := float64(s) - mean
		sq += d * d
	}
	variance := sq / float64(len(samples))
	inv := 1 / math.Sqrt(variance+standardizeEpsilon)

	for i, s := range samples {
		samples[i] = float32((float64(s) - mean) * inv)
	}
	return samples
}

// RMS returns the root mean square of samples, or 0 when samples is empty.
func RMS(samples []float32) float64 {
	return RMSRange(samples, 0, len(samples))
}

// RMSRange returns the root mean square of samples[start:end]. Out-of-range
// bounds are clamped; an empty range yields 0.
func RMSRange(samples []float32, start, end int) float64 {
	if start < 0 {
		start = 0
	}
	if end > len(samples) {
		end = len(samples)
	}
	if end <= start {
		return 0
	}
	var sum float64
	for _, s := range samples[start:end] {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(end-start))
}

// Peak returns the largest absolute sample value, or 0 when samples is empty.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	return peak
}

// DB converts an RMS amplitude to decibels. An rms of exactly 0 maps to
// negative infinity rather than NaN.
func DB(rms float64) float64 {
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// Downmix averages the given channel buffers into dst and returns dst[:n],
// where n is the length of the shortest channel. A single channel is copied
// through. dst is grown when it is too small.
func Downmix(channels [][]float32, dst []float32) []float32 {
	if len(channels) == 0 {
		return dst[:0]
	}
	n := len(channels[0])
	for _, ch := range channels[1:] {
		if len(ch) < n {
			n = len(ch)
		}
	}
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	if len(channels) == 1 {
		copy(dst, channels[0][:n])
		return dst
	}

	inv := 1 / float32(len(channels))
	for i := range n {
		var sum float32
		for _, ch := range channels {
			sum += ch[i]
		}
		dst[i] = sum * inv
	}
	return dst
}
