package session

import (
	"math"
	"time"

	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/protocol"
)

// levelSpan is the number of 16 kHz samples summarised by one level event,
// 50 ms.
const levelSpan = audio.TargetSampleRate / 20

// levelMeter turns forwarded sample chunks into level events for UI meters.
// It runs on the session pump and never touches the ring buffer.
type levelMeter struct {
	span  int
	n     int
	sumSq float64
	peak  float64
	now   func() time.Time
}

func newLevelMeter(span int) *levelMeter {
	if span <= 0 {
		span = levelSpan
	}
	return &levelMeter{span: span, now: time.Now}
}

// add accumulates chunk and calls emit once per completed span.
func (m *levelMeter) add(chunk []float32, emit func(protocol.Event)) {
	for _, s := range chunk {
		v := float64(s)
		m.sumSq += v * v
		if a := math.Abs(v); a > m.peak {
			m.peak = a
		}
		m.n++
		if m.n == m.span {
			emit(protocol.Level(math.Sqrt(m.sumSq/float64(m.n)), m.peak, m.now()))
			m.n, m.sumSq, m.peak = 0, 0, 0
		}
	}
}
