package emotion

import "time"

// Prediction is the result of one hop. It is immutable once emitted.
type Prediction struct {
	// Smoothed is the EMA-filtered vector after this hop.
	Smoothed Vector `json:"smoothed"`

	// Raw is this hop's softmax output. For silence hops it is the neutral
	// vector.
	Raw Vector `json:"raw"`

	// Dominant is the argmax of Smoothed.
	Dominant Label `json:"dominant"`

	// Confidence is Smoothed at Dominant.
	Confidence float64 `json:"confidence"`

	// Latency is the time spent preprocessing and running the model. It is
	// zero for silence hops.
	Latency time.Duration `json:"-"`

	// LatencyMs mirrors Latency for the wire format.
	LatencyMs float64 `json:"latencyMs"`

	Timestamp time.Time `json:"timestamp"`
	IsSilence bool      `json:"isSilence"`
}

// NewPrediction builds a Prediction from the smoothed and raw vectors,
// deriving the dominant label and confidence.
func NewPrediction(smoothed, raw Vector, latency time.Duration, ts time.Time, silence bool) Prediction {
	l, c := Dominant(smoothed)
	return Prediction{
		Smoothed:   smoothed,
		Raw:        raw,
		Dominant:   l,
		Confidence: c,
		Latency:    latency,
		LatencyMs:  float64(latency) / float64(time.Millisecond),
		Timestamp:  ts,
		IsSilence:  silence,
	}
}
