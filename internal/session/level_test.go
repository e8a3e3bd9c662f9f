package session

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voxmood/pkg/protocol"
)

func TestLevelMeter(t *testing.T) {
	t.Parallel()

	ts := time.Unix(42, 0)
	m := newLevelMeter(4)
	m.now = func() time.Time { return ts }

	var got []protocol.Event
	emit := func(e protocol.Event) { got = append(got, e) }

	m.add([]float32{0.5, -0.5, 0.5}, emit)
	if len(got) != 0 {
		t.Fatalf("emitted %d events before a full span", len(got))
	}
	m.add([]float32{-1, 0, 0, 0}, emit)
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	e := got[0]
	if e.Type != protocol.TypeLevel || !e.Timestamp.Equal(ts) {
		t.Errorf("event = %+v", e)
	}
	wantRMS := math.Sqrt((0.25*3 + 1) / 4)
	if math.Abs(e.Value-wantRMS) > 1e-9 || e.Peak != 1 {
		t.Errorf("rms=%v peak=%v, want %v and 1", e.Value, e.Peak, wantRMS)
	}

	m.add([]float32{0}, emit)
	if len(got) != 2 || got[1].Value != 0 || got[1].Peak != 0 {
		t.Errorf("second span = %+v, want silent level", got[len(got)-1])
	}
}
