package emotion

import "time"

// Default smoothing parameters.
const (
	DefaultAlpha = 0.2
	DefaultHold  = 800 * time.Millisecond
)

// Smoother is an exponential moving average over emotion vectors with a
// silence gate.
//
// Voiced hops blend the raw vector in with weight Alpha. Silence hops hold
// the current vector while less than Hold has passed since the last voiced
// hop, then blend toward [NeutralVector] with the same formula. A Smoother is
// not safe for concurrent use; the orchestrator owns one per run.
type Smoother struct {
	Alpha float64
	Hold  time.Duration

	current   Vector
	hasState  bool
	lastVoice time.Time
	hasVoice  bool
}

// NewSmoother returns a Smoother with the given parameters. Non-positive
// values fall back to [DefaultAlpha] and [DefaultHold]; alpha is capped at 1.
func NewSmoother(alpha float64, hold time.Duration) *Smoother {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	if alpha > 1 {
		alpha = 1
	}
	if hold <= 0 {
		hold = DefaultHold
	}
	return &Smoother{Alpha: alpha, Hold: hold}
}

// Update folds a voiced hop's raw vector into the smoothed state and records
// now as the last voiced time. The first update after construction or
// [Smoother.Reset] returns raw unchanged.
func (s *Smoother) Update(raw Vector, now time.Time) Vector {
	s.blend(raw)
	s.lastVoice = now
	s.hasVoice = true
	return s.current
}

// Silence applies a silence hop at now and returns the smoothed vector.
func (s *Smoother) Silence(now time.Time) Vector {
	if s.hasVoice && s.hasState && now.Sub(s.lastVoice) < s.Hold {
		return s.current
	}
	s.blend(NeutralVector())
	return s.current
}

func (s *Smoother) blend(target Vector) {
	if !s.hasState {
		s.current = target
		s.hasState = true
		return
	}
	a := s.Alpha
	for i := range s.current {
		s.current[i] = a*target[i] + (1-a)*s.current[i]
	}
}

// Current returns the smoothed vector and whether any hop has been applied
// since the last reset.
func (s *Smoother) Current() (Vector, bool) {
	return s.current, s.hasState
}

// LastVoiced returns the time of the last voiced hop, if any.
func (s *Smoother) LastVoiced() (time.Time, bool) {
	return s.lastVoice, s.hasVoice
}

// Reset clears the smoothed state and the voiced timestamp.
func (s *Smoother) Reset() {
	s.current = Vector{}
	s.hasState = false
	s.lastVoice = time.Time{}
	s.hasVoice = false
}

// SetParams changes Alpha and Hold without touching the accumulated state.
// Invalid values are ignored.
func (s *Smoother) SetParams(alpha float64, hold time.Duration) {
	if alpha > 0 && alpha <= 1 {
		s.Alpha = alpha
	}
	if hold > 0 {
		s.Hold = hold
	}
}
