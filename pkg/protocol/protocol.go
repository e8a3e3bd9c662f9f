// Package protocol defines the small message vocabulary exchanged between the
// capture side and the consumer side of a session, and between the server and
// WebSocket clients.
//
// Control messages flow toward the capture processor (init, start, stop,
// reset, configure). Acknowledgements and telemetry flow back as [Event]
// values. Both encode to JSON objects discriminated by a "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/emotion"
)

// Type discriminates messages.
type Type string

// Control message types.
const (
	TypeInit      Type = "init"
	TypeStart     Type = "start"
	TypeStop      Type = "stop"
	TypeReset     Type = "reset"
	TypeConfigure Type = "configure"
)

// Acknowledgement types.
const (
	TypeReady       Type = "ready"
	TypeInitialized Type = "initialized"
	TypeStarted     Type = "started"
	TypeStopped     Type = "stopped"
	TypeError       Type = "error"
)

// Telemetry types.
const (
	TypeRMS            Type = "rms"
	TypeLevel          Type = "level"
	TypeBufferOverflow Type = "bufferOverflow"
	TypePrediction     Type = "prediction"
)

// ErrUnknownType is returned when a message carries an unrecognised type.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Control is a control message sent to the capture side.
type Control struct {
	Type Type `json:"type"`

	// Buffer is the shared ring buffer handed over by init. It never
	// crosses a process boundary; remote clients send only Capacity and the
	// server allocates the buffer.
	Buffer *audio.RingBuffer `json:"-"`

	// Capacity is the ring size in slots for init. Zero selects the default.
	Capacity int `json:"capacity,omitempty"`

	// SampleRate, Channels and Encoding describe the client's audio for
	// configure.
	SampleRate int            `json:"sampleRate,omitempty"`
	Channels   int            `json:"channels,omitempty"`
	Encoding   audio.Encoding `json:"encoding,omitempty"`
}

// IsControl reports whether t names a control message.
func (t Type) IsControl() bool {
	switch t {
	case TypeInit, TypeStart, TypeStop, TypeReset, TypeConfigure:
		return true
	}
	return false
}

// Event is an acknowledgement or telemetry message.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// Message is set for error events.
	Message string `json:"message,omitempty"`

	// Value is the RMS level for rms and level events.
	Value float64 `json:"value,omitempty"`

	// Peak is the largest absolute sample of a level event's span.
	Peak float64 `json:"peak,omitempty"`

	// DroppedCount is the number of samples lost for bufferOverflow events.
	DroppedCount int `json:"droppedCount,omitempty"`

	Timestamp time.Time `json:"timestamp,omitzero"`

	// Prediction is set for prediction events.
	Prediction *emotion.Prediction `json:"prediction,omitempty"`
}

// Ready returns the event posted when a processor comes up.
func Ready() Event { return Event{Type: TypeReady} }

// Ack returns a bare acknowledgement of type t.
func Ack(t Type) Event { return Event{Type: t} }

// Error returns an error event carrying err's message.
func Error(err error) Event {
	return Event{Type: TypeError, Message: err.Error()}
}

// RMS returns an rms telemetry event.
func RMS(value float64, ts time.Time) Event {
	return Event{Type: TypeRMS, Value: value, Timestamp: ts}
}

// Level returns a level meter event computed on the forward path.
func Level(rms, peak float64, ts time.Time) Event {
	return Event{Type: TypeLevel, Value: rms, Peak: peak, Timestamp: ts}
}

// Overflow returns a bufferOverflow event for dropped samples.
func Overflow(dropped int) Event {
	return Event{Type: TypeBufferOverflow, DroppedCount: dropped}
}

// PredictionEvent wraps p in a prediction event.
func PredictionEvent(p emotion.Prediction) Event {
	return Event{Type: TypePrediction, Prediction: &p, Timestamp: p.Timestamp}
}

// DecodeControl parses a JSON control message.
func DecodeControl(b []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(b, &c); err != nil {
		return Control{}, fmt.Errorf("protocol: decode control: %w", err)
	}
	if !c.Type.IsControl() {
		return Control{}, fmt.Errorf("%w %q", ErrUnknownType, c.Type)
	}
	if c.Type == TypeConfigure {
		if err := c.validateConfigure(); err != nil {
			return Control{}, err
		}
	}
	if c.Capacity < 0 {
		return Control{}, fmt.Errorf("protocol: init: negative capacity %d", c.Capacity)
	}
	return c, nil
}

func (c Control) validateConfigure() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sampleRate must be positive, got %d", c.SampleRate))
	}
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channels must be positive, got %d", c.Channels))
	}
	if !c.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("unknown encoding %q", c.Encoding))
	}
	if len(errs) > 0 {
		return fmt.Errorf("protocol: configure: %w", errors.Join(errs...))
	}
	return nil
}

// Encode marshals an event to JSON.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a JSON event.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("protocol: decode event: %w", err)
	}
	return e, nil
}
