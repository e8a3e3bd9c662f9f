// Package capture turns real-time audio callbacks into 16 kHz mono samples in
// a shared [audio.RingBuffer].
//
// A [Processor] sits on the producer side of a session. Its [Processor.Process]
// method is called from the audio callback (a malgo device callback, or the
// WebSocket reader for browser clients) and must return quickly: it never
// blocks, never takes a lock, and converts panics into error events.
//
// Control messages from the consumer side arrive through [Processor.Control]
// and only flip atomic state; stop additionally waits out a block that is
// still being processed. Acknowledgements and telemetry leave through
// the channel returned by [Processor.Events].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/protocol"
)

const (
	// DefaultBlockSize is the number of frames per real-time callback the
	// processor is tuned for.
	DefaultBlockSize = 128

	// defaultEventBuffer is the capacity of the events channel.
	defaultEventBuffer = 256
)

var (
	// ErrUnsupportedControl is returned for control messages the processor
	// does not handle.
	ErrUnsupportedControl = errors.New("capture: unsupported control message")

	// ErrRunning is returned by [Processor.Quiesce] while the processor
	// still accepts audio.
	ErrRunning = errors.New("capture: processor is running")
)

// Option configures a [Processor] during construction.
type Option func(*Processor)

// WithEventBuffer sets the capacity of the events channel. Events that do not
// fit are dropped and counted by [Processor.DroppedEvents].
func WithEventBuffer(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.events = make(chan protocol.Event, n)
		}
	}
}

// WithForward enables the low-latency forward path. Every block's resampled
// samples are copied and offered on [Processor.Forward], which holds up to n
// blocks. The forward path works whether or not a ring buffer is attached.
func WithForward(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.forward = make(chan []float32, n)
		}
	}
}

// WithRMSEvents toggles per-block rms telemetry. It is enabled by default.
func WithRMSEvents(enabled bool) Option {
	return func(p *Processor) {
		p.rmsEvents = enabled
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger used outside the real-time path.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// Processor is the producer side of a capture session. The input format is
// fixed at construction; a different channel count or device rate needs a
// new Processor.
//
// Process must be called from a single goroutine. Control, Events and the
// counters are safe for concurrent use.
type Processor struct {
	format    audio.Format
	log       *slog.Logger
	now       func() time.Time
	rmsEvents bool

	ring      atomic.Pointer[audio.RingBuffer]
	running   atomic.Bool
	inflight  atomic.Int32
	resetReq  atomic.Bool
	events    chan protocol.Event
	forward   chan []float32
	evDropped atomic.Uint64
	smDropped atomic.Uint64
	fwDropped atomic.Uint64
	blocks    atomic.Uint64

	// Owned by the Process goroutine.
	resampler *audio.StreamResampler
	mono      []float32
	planar    [][]float32
}

// New creates a Processor for the given input format and posts a ready
// event.
func New(format audio.Format, opts ...Option) (*Processor, error) {
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("capture: invalid sample rate %d", format.SampleRate)
	}
	if format.Channels <= 0 {
		return nil, fmt.Errorf("capture: invalid channel count %d", format.Channels)
	}
	p := &Processor{
		format:    format,
		log:       slog.Default(),
		now:       time.Now,
		rmsEvents: true,
		events:    make(chan protocol.Event, defaultEventBuffer),
		resampler: audio.NewStreamResampler(format.SampleRate, audio.TargetSampleRate),
		mono:      make([]float32, 0, DefaultBlockSize),
	}
	for _, o := range opts {
		o(p)
	}
	p.emit(protocol.Ready())
	return p, nil
}

// Format returns the input format the processor was built for.
func (p *Processor) Format() audio.Format { return p.format }

// Events returns the acknowledgement and telemetry channel.
func (p *Processor) Events() <-chan protocol.Event { return p.events }

// Forward returns the low-latency sample channel, or nil when the forward
// path is disabled.
func (p *Processor) Forward() <-chan []float32 { return p.forward }

// Ring returns the attached ring buffer, or nil before init.
func (p *Processor) Ring() *audio.RingBuffer { return p.ring.Load() }

// Running reports whether the processor is accepting audio.
func (p *Processor) Running() bool { return p.running.Load() }

// DroppedEvents returns how many events were discarded because the events
// channel was full.
func (p *Processor) DroppedEvents() uint64 { return p.evDropped.Load() }

// DroppedSamples returns how many resampled samples did not fit into the
// ring buffer.
func (p *Processor) DroppedSamples() uint64 { return p.smDropped.Load() }

// DroppedForwards returns how many blocks the forward path discarded.
func (p *Processor) DroppedForwards() uint64 { return p.fwDropped.Load() }

// Blocks returns the number of non-empty blocks processed while running.
func (p *Processor) Blocks() uint64 { return p.blocks.Load() }

// Control applies a control message and posts its acknowledgement. It only
// touches atomic state and may be called from any goroutine. Stop returns
// after any in-flight Process call has finished.
func (p *Processor) Control(c protocol.Control) error {
	switch c.Type {
	case protocol.TypeInit:
		rb := c.Buffer
		if rb == nil {
			capacity := c.Capacity
			if capacity <= 0 {
				capacity = audio.RingCapacity(audio.TargetSampleRate, audio.DefaultRingSeconds)
			}
			rb = audio.NewRingBuffer(capacity)
		}
		p.ring.Store(rb)
		p.emit(protocol.Ack(protocol.TypeInitialized))
	case protocol.TypeStart:
		p.running.Store(true)
		p.emit(protocol.Ack(protocol.TypeStarted))
	case protocol.TypeStop:
		p.running.Store(false)
		p.waitIdle()
		p.emit(protocol.Ack(protocol.TypeStopped))
	case protocol.TypeReset:
		p.resetReq.Store(true)
	default:
		err := fmt.Errorf("%w: %q", ErrUnsupportedControl, c.Type)
		p.emit(protocol.Error(err))
		return err
	}
	p.log.Debug("capture control applied", "type", c.Type)
	return nil
}

// Quiesce waits until no Process call is in flight. It fails with
// [ErrRunning] unless the processor was stopped first, so once it returns nil
// nothing writes to the ring until the next start.
func (p *Processor) Quiesce(ctx context.Context) error {
	for {
		if p.running.Load() {
			return ErrRunning
		}
		if p.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			runtime.Gosched()
		}
	}
}

// waitIdle spins until in-flight Process calls return. Process never blocks,
// so this is bounded by a single block.
func (p *Processor) waitIdle() {
	for p.inflight.Load() != 0 {
		runtime.Gosched()
	}
}

// Process handles one real-time callback block. It downmixes to mono, emits
// the block RMS, resamples to 16 kHz, writes the result into the ring buffer
// and offers it on the forward path. Empty blocks and blocks received while
// stopped return immediately. A panic inside Process is recovered and
// reported as an error event.
func (p *Processor) Process(block audio.Block) {
	// The in-flight mark is set before running is read so a concurrent stop
	// either sees it or this call sees running cleared.
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.emit(protocol.Error(fmt.Errorf("capture: process panic: %v", r)))
		}
	}()

	if !p.running.Load() {
		return
	}
	if len(block.Channels) == 0 || block.Frames() == 0 {
		return
	}
	if len(block.Channels) != p.format.Channels {
		p.emit(protocol.Error(fmt.Errorf("capture: block has %d channels, processor expects %d",
			len(block.Channels), p.format.Channels)))
		return
	}
	if p.resetReq.CompareAndSwap(true, false) {
		p.resampler.Reset()
	}
	p.blocks.Add(1)

	p.mono = audio.Downmix(block.Channels, p.mono)

	if p.rmsEvents {
		ts := block.Timestamp
		if ts.IsZero() {
			ts = p.now()
		}
		p.emit(protocol.RMS(audio.RMS(p.mono), ts))
	}

	out := p.resampler.Process(p.mono)
	if len(out) == 0 {
		return
	}

	if rb := p.ring.Load(); rb != nil {
		if n := rb.Write(out); n < len(out) {
			dropped := len(out) - n
			p.smDropped.Add(uint64(dropped))
			p.emit(protocol.Overflow(dropped))
		}
	}

	if p.forward != nil {
		cp := make([]float32, len(out))
		copy(cp, out)
		select {
		case p.forward <- cp:
		default:
			p.fwDropped.Add(1)
		}
	}
}

// ProcessInterleaved deinterleaves samples in the processor's channel layout
// and calls [Processor.Process]. It is a convenience for sources that deliver
// interleaved buffers.
func (p *Processor) ProcessInterleaved(samples []float32, ts time.Time) {
	chans, err := audio.Deinterleave(samples, p.format.Channels, p.planar)
	if err != nil {
		p.emit(protocol.Error(err))
		return
	}
	p.planar = chans
	p.Process(audio.Block{Channels: chans, SampleRate: p.format.SampleRate, Timestamp: ts})
}

// emit posts an event without blocking.
func (p *Processor) emit(e protocol.Event) {
	select {
	case p.events <- e:
	default:
		p.evDropped.Add(1)
	}
}
