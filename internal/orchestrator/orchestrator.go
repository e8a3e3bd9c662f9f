// Package orchestrator drives the per-hop inference cycle for one capture
// session.
//
// An [Orchestrator] drains the session's ring buffer into a rolling window,
// asks the shared [inference.Engine] for one hop, smooths the result and hands the
// [emotion.Prediction] to every registered [Consumer].
//
// Each Start builds a fresh run: its own window, smoother and goroutine.
// Stop cancels the run and bumps a generation counter, so a hop that was
// already inside the model when Stop arrived has its result discarded.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxmood/internal/inference"
	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/emotion"
)

// Default scheduling parameters.
const (
	DefaultInterval = 150 * time.Millisecond
)

var (
	// ErrModelNotReady is returned by Start when the engine has no model.
	ErrModelNotReady = errors.New("orchestrator: model not ready")

	// ErrBufferNotInitialized is returned by Start when no ring buffer is
	// attached.
	ErrBufferNotInitialized = errors.New("orchestrator: buffer not initialized")

	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("orchestrator: already running")
)

// Mode selects how hops are scheduled.
type Mode int

const (
	// ModeScheduled runs one hop per tick of a fixed interval.
	ModeScheduled Mode = iota

	// ModePoll waits for buffered samples with a timeout and yields briefly
	// between iterations.
	ModePoll
)

// String returns the config name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeScheduled:
		return "scheduled"
	case ModePoll:
		return "poll"
	default:
		return "unknown"
	}
}

// ParseMode converts a config string into a Mode. The empty string is
// ModeScheduled.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "", "scheduled":
		return ModeScheduled, true
	case "poll":
		return ModePoll, true
	}
	return 0, false
}

// Consumer receives every prediction of a run. OnPrediction is called on the
// hop goroutine; it must not block and must not call Stop.
type Consumer interface {
	OnPrediction(p emotion.Prediction)
}

// ConsumerFunc adapts a function to [Consumer].
type ConsumerFunc func(emotion.Prediction)

// OnPrediction calls f(p).
func (f ConsumerFunc) OnPrediction(p emotion.Prediction) { f(p) }

// RingSource provides the ring buffer the capture side writes into. The
// capture Processor implements it.
type RingSource interface {
	Ring() *audio.RingBuffer
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMode selects scheduled or poll driving.
func WithMode(m Mode) Option {
	return func(o *Orchestrator) { o.mode = m }
}

// WithInterval sets the tick interval for ModeScheduled.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithPoll sets the wait timeout and yield for ModePoll.
func WithPoll(timeout, yield time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.pollTimeout = timeout
		}
		if yield > 0 {
			o.pollYield = yield
		}
	}
}

// WithSmoothing sets the initial EMA alpha and silence hold.
func WithSmoothing(alpha float64, hold time.Duration) Option {
	return func(o *Orchestrator) { o.smoothing.Store(&smoothing{alpha: alpha, hold: hold}) }
}

// WithSessionID tags logs and metrics.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the hop timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithErrorHandler is called on the hop goroutine for every failed hop.
func WithErrorHandler(fn func(error)) Option {
	return func(o *Orchestrator) { o.onError = fn }
}

type smoothing struct {
	alpha float64
	hold  time.Duration
}

// run is the state of one Start..Stop cycle. window and smoother are only
// touched by the run's goroutine.
type run struct {
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	ring     *audio.RingBuffer
	window   *inference.Window
	smoother *emotion.Smoother
	params   *smoothing
}

// Orchestrator schedules hops for one session. Start, Stop, Reset and
// AddConsumer are safe for concurrent use.
type Orchestrator struct {
	engine      *inference.Engine
	source      RingSource
	mode        Mode
	interval    time.Duration
	pollTimeout time.Duration
	pollYield   time.Duration
	sessionID   string
	metrics     *observe.Metrics
	now         func() time.Time
	onError     func(error)
	log         *slog.Logger

	smoothing atomic.Pointer[smoothing]
	gen       atomic.Uint64
	resetReq  atomic.Bool
	hops      atomic.Uint64

	mu  sync.Mutex
	cur *run
	// last is the most recently started run, kept for Wait.
	last *run

	consumersMu sync.RWMutex
	consumers   []Consumer

	// emitMu orders result delivery against Stop's generation bump.
	emitMu sync.Mutex

	// drainMu serialises ring reads between an exiting run and its
	// successor. Only consumer goroutines take it.
	drainMu sync.Mutex
	scratch []float32
}

// New creates an orchestrator for the given engine and ring source.
func New(engine *inference.Engine, source RingSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		source:      source,
		mode:        ModeScheduled,
		interval:    DefaultInterval,
		pollTimeout: audio.DefaultPollTimeout,
		pollYield:   audio.DefaultPollYield,
		now:         time.Now,
		scratch:     make([]float32, 4096),
	}
	o.smoothing.Store(&smoothing{alpha: emotion.DefaultAlpha, hold: emotion.DefaultHold})
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.log = slog.Default().With("session_id", o.sessionID)
	return o
}

// AddConsumer registers c for all future predictions.
func (o *Orchestrator) AddConsumer(c Consumer) {
	o.consumersMu.Lock()
	defer o.consumersMu.Unlock()
	o.consumers = append(o.consumers, c)
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur != nil
}

// Hops returns the number of hops that produced a prediction.
func (o *Orchestrator) Hops() uint64 { return o.hops.Load() }

// Start begins a new run. It fails with ErrModelNotReady when the engine has
// no model and with ErrBufferNotInitialized before the source has a ring.
// The run stops when ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cur != nil {
		return ErrAlreadyRunning
	}
	if o.engine == nil || !o.engine.Ready() {
		return ErrModelNotReady
	}
	var ring *audio.RingBuffer
	if o.source != nil {
		ring = o.source.Ring()
	}
	if ring == nil {
		return ErrBufferNotInitialized
	}

	window, err := o.engine.NewWindow(audio.TargetSampleRate)
	if err != nil {
		return ErrModelNotReady
	}
	if err := o.engine.Start(); err != nil {
		return ErrModelNotReady
	}

	params := o.smoothing.Load()
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		gen:      o.gen.Add(1),
		cancel:   cancel,
		done:     make(chan struct{}),
		ring:     ring,
		window:   window,
		smoother: emotion.NewSmoother(params.alpha, params.hold),
		params:   params,
	}
	o.resetReq.Store(false)
	o.cur = r
	o.last = r

	go o.loop(runCtx, r)
	o.log.Info("orchestrator started", "mode", o.mode.String(), "window_samples", window.Need(), "hop_samples", window.Hop())
	return nil
}

// Stop ends the current run. It returns immediately: an in-flight model call
// may still complete, but its result is discarded. Stop is idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	r := o.cur
	o.cur = nil
	if r != nil {
		o.emitMu.Lock()
		o.gen.Add(1)
		o.emitMu.Unlock()
	}
	o.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	o.log.Info("orchestrator stopped")
}

// Wait blocks until the most recently started run's goroutine has exited or
// ctx is done. Callers that reset the ring buffer must Stop and Wait first.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	r := o.last
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset asks the running loop to clear its window and smoothing state
// before the next hop. It has no effect when stopped.
func (o *Orchestrator) Reset() {
	o.resetReq.Store(true)
}

// SetSmoothing changes alpha and hold. A running loop applies the change
// between hops without losing its smoothed state.
func (o *Orchestrator) SetSmoothing(alpha float64, hold time.Duration) {
	o.smoothing.Store(&smoothing{alpha: alpha, hold: hold})
}

func (o *Orchestrator) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer o.engine.Idle()
	defer o.detach(r)

	switch o.mode {
	case ModePoll:
		o.pollLoop(ctx, r)
	default:
		o.scheduledLoop(ctx, r)
	}
}

// detach clears r as the current run when it ended through its parent
// context rather than Stop.
func (o *Orchestrator) detach(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur != r {
		return
	}
	o.cur = nil
	o.emitMu.Lock()
	o.gen.Add(1)
	o.emitMu.Unlock()
}

func (o *Orchestrator) scheduledLoop(ctx context.Context, r *run) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.hop(ctx, r)
		}
	}
}

func (o *Orchestrator) pollLoop(ctx context.Context, r *run) {
	yield := time.NewTimer(o.pollYield)
	defer yield.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		want := max(1, r.window.Need()-r.window.Len())
		if _, err := audio.WaitAvailable(ctx, r.ring, want, o.pollTimeout, o.pollYield); err != nil {
			return
		}
		o.hop(ctx, r)

		yield.Reset(o.pollYield)
		select {
		case <-ctx.Done():
			return
		case <-yield.C:
		}
	}
}

// hop runs one cycle. All per-run state mutation happens here, between
// model calls, so a reset is never observed half-applied.
func (o *Orchestrator) hop(ctx context.Context, r *run) {
	if o.resetReq.CompareAndSwap(true, false) {
		r.window.Reset()
		r.smoother.Reset()
		o.log.Debug("orchestrator state reset")
	}
	if p := o.smoothing.Load(); p != r.params {
		r.smoother.SetParams(p.alpha, p.hold)
		r.params = p
	}

	if !o.drain(r) {
		return
	}

	now := o.now()
	out := o.engine.Step(ctx, r.window, now)

	if r.gen != o.gen.Load() || ctx.Err() != nil {
		if out.Kind != inference.OutcomeSkipped {
			o.metrics.RecordHop(context.Background(), observe.OutcomeStale)
		}
		return
	}

	var pred emotion.Prediction
	switch out.Kind {
	case inference.OutcomeSkipped:
		return
	case inference.OutcomeFailed:
		o.metrics.RecordHop(ctx, observe.OutcomeFailed)
		o.log.Warn("inference hop failed", "err", out.Err)
		if o.onError != nil {
			o.onError(out.Err)
		}
		return
	case inference.OutcomeSilence:
		o.metrics.RecordHop(ctx, observe.OutcomeSilence)
		pred = emotion.NewPrediction(r.smoother.Silence(now), emotion.NeutralVector(), 0, now, true)
	case inference.OutcomeVoiced:
		o.metrics.RecordHop(ctx, observe.OutcomeVoiced)
		pred = emotion.NewPrediction(r.smoother.Update(out.Probs, now), out.Probs, out.Latency, now, false)
	}

	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	if r.gen != o.gen.Load() {
		o.metrics.RecordHop(context.Background(), observe.OutcomeStale)
		return
	}
	o.hops.Add(1)
	o.metrics.RecordPrediction(ctx, string(pred.Dominant))
	o.emit(pred)
}

// drain moves every available sample into the run's window. It returns
// false when r is no longer the current run.
func (o *Orchestrator) drain(r *run) bool {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	if r.gen != o.gen.Load() {
		return false
	}
	for {
		n := r.ring.Read(o.scratch)
		if n == 0 {
			return true
		}
		r.window.Append(o.scratch[:n])
	}
}

func (o *Orchestrator) emit(p emotion.Prediction) {
	o.consumersMu.RLock()
	defer o.consumersMu.RUnlock()
	for _, c := range o.consumers {
		c.OnPrediction(p)
	}
}
