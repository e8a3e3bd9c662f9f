// Package session owns the per-recording state of voxmood.
//
// A [Session] bundles one capture [capture.Processor], the ring buffer it
// writes into and the [orchestrator.Orchestrator] that drains it. The shared
// [inference.Engine] is passed in, never reached through package state. The
// [Manager] creates, looks up and closes sessions by ID.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxmood/internal/inference"
	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/orchestrator"
	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/audio/capture"
	"github.com/MrWong99/voxmood/pkg/emotion"
	"github.com/MrWong99/voxmood/pkg/protocol"
)

var (
	// ErrSessionNotFound is returned when no session has the requested ID.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrProducerBusy is returned by AttachProducer when another producer
	// already feeds the session.
	ErrProducerBusy = errors.New("session: producer already attached")

	// ErrRunning is returned by init while the session is started.
	ErrRunning = errors.New("session: cannot init while running")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
)

// Sink receives every event a session produces: capture acknowledgements,
// telemetry and predictions. Send is called from several goroutines and must
// not block for long.
type Sink interface {
	Send(e protocol.Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(protocol.Event)

// Send calls f(e).
func (f SinkFunc) Send(e protocol.Event) { f(e) }

// Config holds the per-session tuning shared by every session of a
// [Manager].
type Config struct {
	// RingCapacity is the ring buffer size in samples. Zero means five
	// seconds at 16 kHz.
	RingCapacity int

	Mode        orchestrator.Mode
	Interval    time.Duration
	PollTimeout time.Duration
	PollYield   time.Duration

	Alpha float64
	Hold  time.Duration

	// Forward enables the low-latency sample path. The session drains it into
	// level events whether or not a ring buffer is attached.
	Forward bool

	// RMSEvents enables per-block rms telemetry.
	RMSEvents bool

	// EventBuffer sizes the capture event channel.
	EventBuffer int
}

// Info is a snapshot of session metadata.
type Info struct {
	ID             string              `json:"id"`
	Format         string              `json:"format"`
	CreatedAt      time.Time           `json:"createdAt"`
	Running        bool                `json:"running"`
	Predictions    uint64              `json:"predictions"`
	DroppedSamples uint64              `json:"droppedSamples"`
	DroppedEvents  uint64              `json:"droppedEvents"`
	Last           *emotion.Prediction `json:"last,omitempty"`
}

// Session is one recording. Control and Close are safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	format    audio.Format
	proc      *capture.Processor
	orch      *orchestrator.Orchestrator
	sink      Sink
	metrics   *observe.Metrics
	log       *slog.Logger
	ringCap   int

	producer atomic.Bool
	closed   atomic.Bool
	last     atomic.Pointer[emotion.Prediction]

	// mu serialises control messages.
	mu sync.Mutex

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// newSession builds the processor and orchestrator and starts the event
// pump. The processor's ready event is the first event the sink sees.
func newSession(id string, engine *inference.Engine, format audio.Format, cfg Config, sink Sink, metrics *observe.Metrics, consumers []orchestrator.Consumer) (*Session, error) {
	if sink == nil {
		sink = SinkFunc(func(protocol.Event) {})
	}
	log := slog.Default().With("session_id", id)

	opts := []capture.Option{
		capture.WithRMSEvents(cfg.RMSEvents),
		capture.WithLogger(log),
	}
	if cfg.EventBuffer > 0 {
		opts = append(opts, capture.WithEventBuffer(cfg.EventBuffer))
	}
	if cfg.Forward {
		opts = append(opts, capture.WithForward(16))
	}
	proc, err := capture.New(format, opts...)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		id:        id,
		createdAt: time.Now(),
		format:    format,
		proc:      proc,
		sink:      sink,
		metrics:   metrics,
		log:       log,
		ringCap:   cfg.RingCapacity,
		pumpDone:  make(chan struct{}),
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithMode(cfg.Mode),
		orchestrator.WithInterval(cfg.Interval),
		orchestrator.WithPoll(cfg.PollTimeout, cfg.PollYield),
		orchestrator.WithSmoothing(cfg.Alpha, cfg.Hold),
		orchestrator.WithSessionID(id),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithErrorHandler(func(err error) { s.send(protocol.Error(err)) }),
	}
	s.orch = orchestrator.New(engine, proc, orchOpts...)
	for _, c := range consumers {
		s.orch.AddConsumer(c)
	}
	s.orch.AddConsumer(orchestrator.ConsumerFunc(s.onPrediction))

	ctx, cancel := context.WithCancel(context.Background())
	s.pumpCancel = cancel
	go s.pump(ctx)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Format returns the capture input format.
func (s *Session) Format() audio.Format { return s.format }

// Orchestrator returns the session's hop driver.
func (s *Session) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Last returns the most recent prediction, if any.
func (s *Session) Last() (emotion.Prediction, bool) {
	p := s.last.Load()
	if p == nil {
		return emotion.Prediction{}, false
	}
	return *p, true
}

// Info returns a metadata snapshot.
func (s *Session) Info() Info {
	info := Info{
		ID:             s.id,
		Format:         s.format.String(),
		CreatedAt:      s.createdAt,
		Running:        s.orch.Running(),
		Predictions:    s.orch.Hops(),
		DroppedSamples: s.proc.DroppedSamples(),
		DroppedEvents:  s.proc.DroppedEvents(),
	}
	if p, ok := s.Last(); ok {
		info.Last = &p
	}
	return info
}

// AttachProducer hands out the session's capture processor to exactly one
// audio source. The returned release function detaches it again.
func (s *Session) AttachProducer() (*capture.Processor, func(), error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	if !s.producer.CompareAndSwap(false, true) {
		return nil, nil, ErrProducerBusy
	}
	var once sync.Once
	return s.proc, func() { once.Do(func() { s.producer.Store(false) }) }, nil
}

// Control applies a control message. Failures are reported to the sink as
// error events and returned.
func (s *Session) Control(ctx context.Context, c protocol.Control) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch c.Type {
	case protocol.TypeInit:
		if s.orch.Running() {
			err = ErrRunning
			break
		}
		if c.Buffer == nil && c.Capacity <= 0 {
			c.Capacity = s.ringCap
		}
		err = s.proc.Control(c)
	case protocol.TypeStart:
		err = s.start(ctx)
	case protocol.TypeStop:
		s.stop()
	case protocol.TypeReset:
		err = s.reset(ctx)
	default:
		// The processor rejects and reports everything else.
		return s.proc.Control(c)
	}
	if err != nil {
		s.send(protocol.Error(err))
	}
	return err
}

func (s *Session) start(ctx context.Context) error {
	if s.orch.Running() {
		return s.proc.Control(protocol.Control{Type: protocol.TypeStart})
	}
	// Runs outlive the request that started them; Close or stop ends them.
	if err := s.orch.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return s.proc.Control(protocol.Control{Type: protocol.TypeStart})
}

func (s *Session) stop() {
	_ = s.proc.Control(protocol.Control{Type: protocol.TypeStop})
	s.orch.Stop()
}

// reset clears smoothing and window state. The ring buffer itself is only
// reset once both producer and consumer have stopped and no Process call is
// still writing.
func (s *Session) reset(ctx context.Context) error {
	_ = s.proc.Control(protocol.Control{Type: protocol.TypeReset})
	s.orch.Reset()
	if s.proc.Running() || s.orch.Running() {
		return nil
	}
	if err := s.orch.Wait(ctx); err != nil {
		return fmt.Errorf("session: reset: %w", err)
	}
	if err := s.proc.Quiesce(ctx); err != nil {
		if errors.Is(err, capture.ErrRunning) {
			return nil
		}
		return fmt.Errorf("session: reset: %w", err)
	}
	if rb := s.proc.Ring(); rb != nil {
		rb.Reset()
	}
	return nil
}

// Close stops capture and inference and waits for the hop loop to exit.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()

	err := s.orch.Wait(ctx)
	s.pumpCancel()
	<-s.pumpDone
	if err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	return nil
}

func (s *Session) onPrediction(p emotion.Prediction) {
	s.last.Store(&p)
	s.send(protocol.PredictionEvent(p))
}

func (s *Session) send(e protocol.Event) {
	e.SessionID = s.id
	s.sink.Send(e)
}

// pump forwards capture events to the sink and turns overflow and drop
// counts into metrics. With the forward path enabled it also drains the
// forwarded samples into level events, independent of the ring buffer. Events
// still queued when the pump is cancelled are delivered before it exits.
func (s *Session) pump(ctx context.Context) {
	defer close(s.pumpDone)
	var reportedDrops uint64
	handle := func(e protocol.Event) {
		switch e.Type {
		case protocol.TypeBufferOverflow:
			s.metrics.RecordDroppedSamples(ctx, s.id, e.DroppedCount)
		case protocol.TypeError:
			s.log.Warn("capture error", "err", e.Message)
		}
		if d := s.proc.DroppedEvents(); d > reportedDrops {
			s.metrics.RecordDroppedEvents(ctx, d-reportedDrops)
			reportedDrops = d
		}
		s.send(e)
	}

	fwd := s.proc.Forward()
	meter := newLevelMeter(levelSpan)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-s.proc.Events():
					handle(e)
				default:
					return
				}
			}
		case e := <-s.proc.Events():
			handle(e)
		case chunk := <-fwd:
			meter.add(chunk, s.send)
		}
	}
}
