// Package emotion defines the fixed emotion label set, the probability
// [Vector] over it, and the temporal [Smoother] that turns per-hop model
// output into a stable signal.
//
// The label order returned by [Labels] is canonical: model output index i
// maps to Labels()[i], and ties in [Dominant] resolve to the earliest label
// in this order.
package emotion

import (
	"encoding/json"
	"fmt"
	"math"
)

// Label names one emotion class.
type Label string

// Emotion labels in canonical order.
const (
	Neutral   Label = "neutral"
	Calm      Label = "calm"
	Happy     Label = "happy"
	Sad       Label = "sad"
	Angry     Label = "angry"
	Fearful   Label = "fearful"
	Disgust   Label = "disgust"
	Surprised Label = "surprised"
)

// NumClasses is the number of emotion classes the model must produce.
const NumClasses = 8

var labels = [NumClasses]Label{Neutral, Calm, Happy, Sad, Angry, Fearful, Disgust, Surprised}

// Labels returns the labels in canonical order.
func Labels() [NumClasses]Label { return labels }

// Index returns the canonical position of l, or -1 if l is unknown.
func (l Label) Index() int {
	for i, x := range labels {
		if x == l {
			return i
		}
	}
	return -1
}

// IsValid reports whether l is one of the known labels.
func (l Label) IsValid() bool { return l.Index() >= 0 }

// Vector holds one probability per label, indexed in canonical order.
// It encodes to JSON as an object keyed by label.
type Vector [NumClasses]float64

// NeutralVector returns the vector with all mass on [Neutral].
func NeutralVector() Vector {
	var v Vector
	v[0] = 1
	return v
}

// Get returns the probability for l, or 0 for an unknown label.
func (v Vector) Get(l Label) float64 {
	i := l.Index()
	if i < 0 {
		return 0
	}
	return v[i]
}

// Sum returns the total probability mass.
func (v Vector) Sum() float64 {
	var s float64
	for _, p := range v {
		s += p
	}
	return s
}

// Slice returns the probabilities as a float64 slice in canonical order.
func (v Vector) Slice() []float64 {
	out := make([]float64, NumClasses)
	copy(out, v[:])
	return out
}

// Float32 returns the probabilities as float32 in canonical order.
func (v Vector) Float32() []float32 {
	out := make([]float32, NumClasses)
	for i, p := range v {
		out[i] = float32(p)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (v Vector) MarshalJSON() ([]byte, error) {
	m := make(map[Label]float64, NumClasses)
	for i, l := range labels {
		m[l] = v[i]
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler. Missing labels decode as 0.
func (v *Vector) UnmarshalJSON(b []byte) error {
	var m map[Label]float64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*v = Vector{}
	for l, p := range m {
		i := l.Index()
		if i < 0 {
			return fmt.Errorf("emotion: unknown label %q", l)
		}
		v[i] = p
	}
	return nil
}

// Softmax converts logits into a probability vector using the max-subtracted
// form exp(x_i - max) / sum(exp(x_j - max)). It returns an error when the
// number of logits does not match [NumClasses] or when any logit is NaN or
// infinite.
func Softmax(logits []float32) (Vector, error) {
	var v Vector
	if len(logits) != NumClasses {
		return v, fmt.Errorf("emotion: softmax: got %d logits, want %d", len(logits), NumClasses)
	}
	maxLogit := math.Inf(-1)
	for i, x := range logits {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return Vector{}, fmt.Errorf("emotion: softmax: logit %d is not finite (%v)", i, x)
		}
		if float64(x) > maxLogit {
			maxLogit = float64(x)
		}
	}
	var sum float64
	for i, x := range logits {
		e := math.Exp(float64(x) - maxLogit)
		v[i] = e
		sum += e
	}
	for i := range v {
		v[i] /= sum
	}
	return v, nil
}

// Dominant returns the label with the highest probability and that
// probability. Exact ties resolve to the earliest label in canonical order.
func Dominant(v Vector) (Label, float64) {
	best := 0
	for i := 1; i < NumClasses; i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return labels[best], v[best]
}
