package protocol_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/emotion"
	"github.com/MrWong99/voxmood/pkg/protocol"
)

func TestDecodeControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    protocol.Control
		wantErr bool
	}{
		{
			name: "init with capacity",
			in:   `{"type":"init","capacity":32000}`,
			want: protocol.Control{Type: protocol.TypeInit, Capacity: 32000},
		},
		{
			name: "start",
			in:   `{"type":"start"}`,
			want: protocol.Control{Type: protocol.TypeStart},
		},
		{
			name: "configure",
			in:   `{"type":"configure","sampleRate":48000,"channels":2,"encoding":"pcm_f32le"}`,
			want: protocol.Control{Type: protocol.TypeConfigure, SampleRate: 48000, Channels: 2, Encoding: audio.EncodingFloat32},
		},
		{name: "configure missing fields", in: `{"type":"configure"}`, wantErr: true},
		{name: "unknown type", in: `{"type":"dance"}`, wantErr: true},
		{name: "ack is not control", in: `{"type":"ready"}`, wantErr: true},
		{name: "negative capacity", in: `{"type":"init","capacity":-1}`, wantErr: true},
		{name: "malformed", in: `{"type":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := protocol.DecodeControl([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeControl: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeControl_UnknownTypeSentinel(t *testing.T) {
	t.Parallel()

	_, err := protocol.DecodeControl([]byte(`{"type":"nope"}`))
	if !errors.Is(err, protocol.ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestEncode_Prediction(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := emotion.NewPrediction(emotion.NeutralVector(), emotion.NeutralVector(), 12*time.Millisecond, ts, true)
	b, err := protocol.Encode(protocol.PredictionEvent(p))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(b)
	for _, want := range []string{
		`"type":"prediction"`,
		`"dominant":"neutral"`,
		`"confidence":1`,
		`"latencyMs":12`,
		`"isSilence":true`,
		`"neutral":1`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded event missing %s: %s", want, s)
		}
	}

	back, err := protocol.DecodeEvent(b)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if back.Prediction == nil || back.Prediction.Dominant != emotion.Neutral {
		t.Errorf("decoded prediction = %+v", back.Prediction)
	}
}

func TestEncode_Telemetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   protocol.Event
		want string
	}{
		{"ready", protocol.Ready(), `{"type":"ready"}`},
		{"stopped", protocol.Ack(protocol.TypeStopped), `{"type":"stopped"}`},
		{"overflow", protocol.Overflow(42), `{"type":"bufferOverflow","droppedCount":42}`},
		{"level", protocol.Level(0.25, 0.5, time.Time{}), `{"type":"level","value":0.25,"peak":0.5}`},
		{"error", protocol.Error(errors.New("boom")), `{"type":"error","message":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := protocol.Encode(tt.ev)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("got %s, want %s", b, tt.want)
			}
		})
	}
}
