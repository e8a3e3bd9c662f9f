package capture_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/audio/capture"
	"github.com/MrWong99/voxmood/pkg/protocol"
)

// drainTypes collects the types of all events currently queued.
func drainTypes(p *capture.Processor) []protocol.Type {
	var out []protocol.Type
	for {
		select {
		case e := <-p.Events():
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func newProcessor(t *testing.T, f audio.Format, opts ...capture.Option) *capture.Processor {
	t.Helper()
	p, err := capture.New(f, opts...)
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	return p
}

func block(channels, frames int, v float32) audio.Block {
	chans := make([][]float32, channels)
	for c := range chans {
		chans[c] = make([]float32, frames)
		for i := range chans[c] {
			chans[c][i] = v
		}
	}
	return audio.Block{Channels: chans}
}

func TestNew_InvalidFormat(t *testing.T) {
	t.Parallel()

	if _, err := capture.New(audio.Format{SampleRate: 0, Channels: 1}); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := capture.New(audio.Format{SampleRate: 16000, Channels: 0}); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestProcessor_ControlAcks(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1})

	for _, c := range []protocol.Control{
		{Type: protocol.TypeInit, Capacity: 64},
		{Type: protocol.TypeStart},
		{Type: protocol.TypeStop},
		{Type: protocol.TypeReset},
	} {
		if err := p.Control(c); err != nil {
			t.Fatalf("Control(%s): %v", c.Type, err)
		}
	}

	got := drainTypes(p)
	want := []protocol.Type{protocol.TypeReady, protocol.TypeInitialized, protocol.TypeStarted, protocol.TypeStopped}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if p.Ring() == nil || p.Ring().Capacity() != 64 {
		t.Errorf("ring not attached with capacity 64")
	}
}

func TestProcessor_ControlUnsupported(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1})
	drainTypes(p)

	err := p.Control(protocol.Control{Type: protocol.TypeConfigure})
	if !errors.Is(err, capture.ErrUnsupportedControl) {
		t.Fatalf("err = %v, want ErrUnsupportedControl", err)
	}
	if got := drainTypes(p); len(got) != 1 || got[0] != protocol.TypeError {
		t.Errorf("events = %v, want [error]", got)
	}
}

func TestProcessor_InitWithSharedBuffer(t *testing.T) {
	t.Parallel()

	rb := audio.NewRingBuffer(1000)
	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1})
	_ = p.Control(protocol.Control{Type: protocol.TypeInit, Buffer: rb})
	if p.Ring() != rb {
		t.Error("processor did not adopt the provided ring buffer")
	}
}

func TestProcessor_WritesResampledMono(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 48000, Channels: 2}, capture.WithRMSEvents(false))
	_ = p.Control(protocol.Control{Type: protocol.TypeInit, Capacity: 16000})
	_ = p.Control(protocol.Control{Type: protocol.TypeStart})
	drainTypes(p)

	for range 375 { // one second at 48 kHz in 128-frame blocks
		p.Process(block(2, 128, 0.25))
	}

	rb := p.Ring()
	n := rb.AvailableRead()
	if n < 15990 || n > 15999 {
		t.Fatalf("AvailableRead() = %d, want ~16000 capped at 15999", n)
	}
	dst := make([]float32, 10)
	rb.Read(dst)
	for i, v := range dst {
		if v != 0.25 {
			t.Errorf("sample %d = %v, want 0.25", i, v)
		}
	}
	if p.Blocks() != 375 {
		t.Errorf("Blocks() = %d, want 375", p.Blocks())
	}
}

func TestProcessor_IgnoredWhenStopped(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1})
	_ = p.Control(protocol.Control{Type: protocol.TypeInit, Capacity: 1000})
	drainTypes(p)

	p.Process(block(1, 128, 0.5))
	if p.Ring().AvailableRead() != 0 {
		t.Error("stopped processor wrote samples")
	}
	if got := drainTypes(p); len(got) != 0 {
		t.Errorf("stopped processor emitted %v", got)
	}
}

func TestProcessor_StopWaitsForInflightProcess(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1}, capture.WithRMSEvents(false))
	_ = p.Control(protocol.Control{Type: protocol.TypeInit, Capacity: 1 << 16})
	rb := p.Ring()

	var quit atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		b := block(1, 128, 0.5)
		for !quit.Load() {
			p.Process(b)
		}
	}()

	for i := range 300 {
		_ = p.Control(protocol.Control{Type: protocol.TypeStart})
		for p.Blocks() == 0 {
			time.Sleep(10 * time.Microsecond)
		}
		_ = p.Control(protocol.Control{Type: protocol.TypeStop})
		rb.Reset()
		if n := rb.AvailableRead(); n != 0 {
			quit.Store(true)
			<-done
			t.Fatalf("iteration %d: ring holds %d samples after stop and reset", i, n)
		}
		drainTypes(p)
	}
	quit.Store(true)
	<-done
}

func TestProcessor_Quiesce(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1})
	_ = p.Control(protocol.Control{Type: protocol.TypeStart})
	if err := p.Quiesce(context.Background()); !errors.Is(err, capture.ErrRunning) {
		t.Fatalf("Quiesce while running = %v, want ErrRunning", err)
	}
	_ = p.Control(protocol.Control{Type: protocol.TypeStop})
	if err := p.Quiesce(context.Background()); err != nil {
		t.Errorf("Quiesce after stop = %v", err)
	}
}

func TestProcessor_EmptyAndMismatchedBlocks(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 2})
	_ = p.Control(protocol.Control{Type: protocol.TypeInit, Capacity: 1000})
	_ = p.Control(protocol.Control{Type: protocol.TypeStart})
	drainTypes(p)

	p.Process(audio.Block{})
	p.Process(block(2, 0, 0))
	if got := drainTypes(p); len(got) != 0 {
		t.Errorf("empty blocks emitted %v", got)
	}

	p.Process(block(1, 128, 0.5))
	if got := drainTypes(p); len(got) != 1 || got[0] != protocol.TypeError {
		t.Errorf("mismatched block events = %v, want [error]", got)
	}
	if p.Ring().AvailableRead() != 0 {
		t.Error("mismatched block reached the ring")
	}

	// The processor keeps working afterwards.
	p.Process(block(2, 128, 0.5))
	if p.Ring().AvailableRead() != 128 {
		t.Errorf("AvailableRead() = %d, want 128", p.Ring().AvailableRead())
	}
}

func TestProcessor_RMSEvent(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1}, capture.WithClock(func() time.Time { return ts }))
	_ = p.Control(protocol.Control{Type: protocol.TypeStart})
	drainTypes(p)

	p.Process(block(1, 128, 0.5))
	select {
	case e := <-p.Events():
		if e.Type != protocol.TypeRMS || e.Value != 0.5 || !e.Timestamp.Equal(ts) {
			t.Errorf("event = %+v, want rms 0.5 at %v", e, ts)
		}
	default:
		t.Fatal("no rms event")
	}
}

func TestProcessor_Overflow(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1}, capture.WithRMSEvents(false))
	_ = p.Control(protocol.Control{Type: protocol.TypeInit, Capacity: 100})
	_ = p.Control(protocol.Control{Type: protocol.TypeStart})
	drainTypes(p)

	p.Process(block(1, 128, 0.1))

	var dropped int
	for _, ev := range collect(p) {
		if ev.Type == protocol.TypeBufferOverflow {
			dropped += ev.DroppedCount
		}
	}
	if dropped != 29 {
		t.Errorf("dropped = %d, want 29", dropped)
	}
	if p.DroppedSamples() != 29 {
		t.Errorf("DroppedSamples() = %d, want 29", p.DroppedSamples())
	}
}

func collect(p *capture.Processor) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case e := <-p.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestProcessor_ForwardWithoutRing(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1}, capture.WithForward(1))
	_ = p.Control(protocol.Control{Type: protocol.TypeStart})

	p.Process(block(1, 128, 0.3))
	p.Process(block(1, 128, 0.3)) // forward channel full, dropped

	select {
	case s := <-p.Forward():
		if len(s) != 128 || s[0] != 0.3 {
			t.Errorf("forwarded %d samples starting %v", len(s), s[0])
		}
	default:
		t.Fatal("nothing forwarded")
	}
	if p.DroppedForwards() != 1 {
		t.Errorf("DroppedForwards() = %d, want 1", p.DroppedForwards())
	}
}

func TestProcessor_EventsNeverBlock(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 1}, capture.WithEventBuffer(2))
	_ = p.Control(protocol.Control{Type: protocol.TypeStart}) // ready + started fill the buffer

	done := make(chan struct{})
	go func() {
		for range 10 {
			p.Process(block(1, 128, 0.1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Process blocked on a full event channel")
	}
	if p.DroppedEvents() != 10 {
		t.Errorf("DroppedEvents() = %d, want 10", p.DroppedEvents())
	}
}

func TestProcessor_ProcessInterleaved(t *testing.T) {
	t.Parallel()

	p := newProcessor(t, audio.Format{SampleRate: 16000, Channels: 2}, capture.WithRMSEvents(false))
	_ = p.Control(protocol.Control{Type: protocol.TypeInit, Capacity: 100})
	_ = p.Control(protocol.Control{Type: protocol.TypeStart})

	p.ProcessInterleaved([]float32{1, 0, 0, 1, 0.5, 0.5}, time.Time{})
	dst := make([]float32, 3)
	if n := p.Ring().Read(dst); n != 3 {
		t.Fatalf("Read = %d, want 3", n)
	}
	for i, v := range dst {
		if v != 0.5 {
			t.Errorf("sample %d = %v, want 0.5", i, v)
		}
	}
}
