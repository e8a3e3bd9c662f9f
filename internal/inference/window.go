package inference

import "math"

// Window is the rolling accumulation buffer one orchestrator run feeds and
// the engine consumes. It keeps at most twice the samples one inference
// needs, dropping the oldest first.
//
// A Window belongs to a single run and is not safe for concurrent use.
type Window struct {
	buf        []float32
	need       int
	hop        int
	sourceRate int

	// scratch holds the extracted window between Extract and the model call.
	scratch []float32
}

// newWindow sizes a window for windowSamples at 16 kHz and hop16 samples of
// advance, expressed at sourceRate.
func newWindow(windowSamples, hop16, sourceRate int) *Window {
	if sourceRate <= 0 {
		sourceRate = targetRate
	}
	need := scaleSamples(windowSamples, sourceRate)
	hop := scaleSamples(hop16, sourceRate)
	if hop >= need {
		hop = need - 1
	}
	if hop < 1 {
		hop = 1
	}
	return &Window{
		buf:        make([]float32, 0, 2*need),
		need:       need,
		hop:        hop,
		sourceRate: sourceRate,
		scratch:    make([]float32, need),
	}
}

// scaleSamples converts a 16 kHz sample count to sourceRate.
func scaleSamples(n16, sourceRate int) int {
	if sourceRate == targetRate {
		return n16
	}
	return int(math.Round(float64(n16) * float64(sourceRate) / targetRate))
}

// Append adds samples and trims the buffer to its bound.
func (w *Window) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	limit := 2 * w.need
	if len(samples) >= limit {
		w.buf = append(w.buf[:0], samples[len(samples)-limit:]...)
		return
	}
	if over := len(w.buf) + len(samples) - limit; over > 0 {
		n := copy(w.buf, w.buf[over:])
		w.buf = w.buf[:n]
	}
	w.buf = append(w.buf, samples...)
}

// Len returns the number of buffered samples.
func (w *Window) Len() int { return len(w.buf) }

// Need returns how many samples one inference consumes.
func (w *Window) Need() int { return w.need }

// Hop returns how many samples each hop advances by.
func (w *Window) Hop() int { return w.hop }

// Cap returns the buffer bound.
func (w *Window) Cap() int { return 2 * w.need }

// SourceRate returns the sample rate of buffered audio.
func (w *Window) SourceRate() int { return w.sourceRate }

// Ready reports whether enough samples are buffered for one inference.
func (w *Window) Ready() bool { return len(w.buf) >= w.need }

// extract copies the latest Need() samples into scratch and returns it.
func (w *Window) extract() []float32 {
	copy(w.scratch, w.buf[len(w.buf)-w.need:])
	return w.scratch
}

// Advance drops the oldest n samples and returns how many were dropped.
func (w *Window) Advance(n int) int {
	if n <= 0 {
		return 0
	}
	if n > len(w.buf) {
		n = len(w.buf)
	}
	m := copy(w.buf, w.buf[n:])
	w.buf = w.buf[:m]
	return n
}

// Reset drops all buffered samples.
func (w *Window) Reset() {
	w.buf = w.buf[:0]
}

// fit returns x with exactly n samples: zero-padded at the front when short,
// keeping the latest n when long.
func fit(x []float32, n int) []float32 {
	switch {
	case len(x) == n:
		return x
	case len(x) > n:
		return x[len(x)-n:]
	default:
		out := make([]float32, n)
		copy(out[n-len(x):], x)
		return out
	}
}
