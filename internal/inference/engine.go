// Package inference turns rolling windows of captured audio into emotion
// probability vectors.
//
// An [Engine] owns the loaded model and its circuit breaker and is shared by
// every session. Each orchestrator run owns its own [Window]; [Engine.Step]
// performs one hop against it: gate, preprocess, invoke, softmax and advance.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/resilience"
	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/emotion"
	"github.com/MrWong99/voxmood/pkg/provider/model"
)

const targetRate = audio.TargetSampleRate

// Defaults for [Config] fields left zero.
const (
	DefaultHopSeconds = 0.5
	DefaultNoiseGate  = 0.01
)

var (
	// ErrNotLoaded is returned when the engine has no model.
	ErrNotLoaded = errors.New("inference: model not loaded")

	// ErrAlreadyLoaded is returned by Load when a model is loading or loaded.
	ErrAlreadyLoaded = errors.New("inference: model already loaded")
)

// State is the engine lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateRunning
	StateIdle
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Config tunes an [Engine]. Zero fields take defaults.
type Config struct {
	// WindowSamples overrides the model-derived window length at 16 kHz.
	WindowSamples int

	// HopSeconds is how far the window advances after each hop.
	HopSeconds float64

	// NoiseGate is the RMS below which a window counts as silence.
	NoiseGate float64

	// Breaker guards model invocations.
	Breaker resilience.CircuitBreakerConfig

	// Metrics receives inference latency and model errors. Nil uses
	// observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// OutcomeKind classifies one hop.
type OutcomeKind int

const (
	// OutcomeSkipped means the window held too few samples. Nothing advanced.
	OutcomeSkipped OutcomeKind = iota
	// OutcomeSilence means the window fell below the noise gate.
	OutcomeSilence
	// OutcomeVoiced means the model produced a probability vector.
	OutcomeVoiced
	// OutcomeFailed means preprocessing or the model failed.
	OutcomeFailed
)

// String returns the metric label for the outcome.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSilence:
		return observe.OutcomeSilence
	case OutcomeVoiced:
		return observe.OutcomeVoiced
	case OutcomeFailed:
		return observe.OutcomeFailed
	default:
		return "unknown"
	}
}

// Outcome is the result of one [Engine.Step].
type Outcome struct {
	Kind OutcomeKind

	// Probs is set for OutcomeVoiced.
	Probs emotion.Vector

	// RMS of the extracted window, before preprocessing.
	RMS float64

	// Latency covers preprocessing plus the model call.
	Latency time.Duration

	// Timestamp is the time passed to Step.
	Timestamp time.Time

	// Advanced is how many buffered samples the hop consumed.
	Advanced int

	// Err is set for OutcomeFailed.
	Err error
}

// Engine holds the shared model handle. It is safe for concurrent use; the
// model itself is invoked through the breaker from any number of sessions.
type Engine struct {
	hopSeconds    float64
	windowCfg     int
	breaker       *resilience.CircuitBreaker
	metrics       *observe.Metrics
	noiseGateBits atomic.Uint64

	state  atomic.Int32
	active atomic.Int32

	mu     sync.RWMutex
	model  model.Model
	info   model.Info
	window int
	shape  []int64
}

// New creates an unloaded engine.
func New(cfg Config) *Engine {
	if cfg.HopSeconds <= 0 {
		cfg.HopSeconds = DefaultHopSeconds
	}
	if cfg.NoiseGate <= 0 {
		cfg.NoiseGate = DefaultNoiseGate
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "model"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	e := &Engine{
		hopSeconds: cfg.HopSeconds,
		windowCfg:  cfg.WindowSamples,
		breaker:    resilience.NewCircuitBreaker(cfg.Breaker),
		metrics:    cfg.Metrics,
	}
	e.SetNoiseGate(cfg.NoiseGate)
	return e
}

// Load obtains a model from loader and validates its signature. A failed
// load returns the engine to [StateUninitialized] so it can be retried.
func (e *Engine) Load(ctx context.Context, loader model.Loader) error {
	if loader == nil {
		return errors.New("inference: nil loader")
	}
	if !e.state.CompareAndSwap(int32(StateUninitialized), int32(StateLoading)) {
		return ErrAlreadyLoaded
	}

	m, err := loader(ctx)
	if err != nil {
		e.state.Store(int32(StateUninitialized))
		return fmt.Errorf("inference: load model: %w", err)
	}
	info := m.Info()
	if err := info.Validate(); err != nil {
		_ = m.Close()
		e.state.Store(int32(StateUninitialized))
		return fmt.Errorf("inference: %w", err)
	}

	window, err := resolveWindow(info, e.windowCfg)
	if err != nil {
		_ = m.Close()
		e.state.Store(int32(StateUninitialized))
		return fmt.Errorf("inference: %w", err)
	}
	if window < 2 {
		_ = m.Close()
		e.state.Store(int32(StateUninitialized))
		return fmt.Errorf("inference: %w: window of %d samples", model.ErrInvalidModel, window)
	}

	e.mu.Lock()
	e.model = m
	e.info = info
	e.window = window
	e.shape = info.Shape(window)
	e.mu.Unlock()
	e.state.Store(int32(StateReady))

	slog.Info("emotion model loaded",
		"input", info.InputName,
		"output", info.OutputName,
		"window_samples", window,
		"shape", e.shape,
	)
	return nil
}

// resolveWindow picks the window length. A fixed sample dimension declared by
// the model always wins; configured must be zero or equal to it. The
// configured value, or [model.DefaultWindowSamples], applies only when the
// dimension is dynamic.
func resolveWindow(info model.Info, configured int) (int, error) {
	if len(info.InputShape) >= 2 && info.InputShape[1] > 0 {
		fixed := int(info.InputShape[1])
		if configured > 0 && configured != fixed {
			return 0, fmt.Errorf("%w: window_samples %d conflicts with fixed input length %d",
				model.ErrInvalidModel, configured, fixed)
		}
		return fixed, nil
	}
	if configured > 0 {
		return configured, nil
	}
	return info.WindowSamples(), nil
}

// Close releases the model and returns the engine to StateUninitialized.
func (e *Engine) Close() error {
	e.mu.Lock()
	m := e.model
	e.model = nil
	e.shape = nil
	e.mu.Unlock()
	e.state.Store(int32(StateUninitialized))
	e.active.Store(0)
	if m == nil {
		return nil
	}
	return m.Close()
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Ready reports whether a model is loaded.
func (e *Engine) Ready() bool {
	switch e.State() {
	case StateReady, StateRunning, StateIdle:
		return true
	}
	return false
}

// Start marks one orchestrator run as active. It fails with ErrNotLoaded
// when no model is loaded.
func (e *Engine) Start() error {
	if !e.Ready() {
		return ErrNotLoaded
	}
	e.active.Add(1)
	e.state.Store(int32(StateRunning))
	return nil
}

// Idle marks one run as finished. The engine goes idle when none remain.
func (e *Engine) Idle() {
	if !e.Ready() {
		return
	}
	if e.active.Add(-1) <= 0 {
		e.active.Store(0)
		e.state.Store(int32(StateIdle))
	}
}

// Info returns the loaded model's signature.
func (e *Engine) Info() model.Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info
}

// WindowSamples returns the window length at 16 kHz, or 0 before load.
func (e *Engine) WindowSamples() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.window
}

// HopSamples returns the hop length at 16 kHz: hopSeconds×16000 capped at
// one less than the window.
func (e *Engine) HopSamples() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hopLocked()
}

func (e *Engine) hopLocked() int {
	return max(1, min(int(e.hopSeconds*targetRate), e.window-1))
}

// NoiseGate returns the current silence threshold.
func (e *Engine) NoiseGate() float64 {
	return math.Float64frombits(e.noiseGateBits.Load())
}

// SetNoiseGate changes the silence threshold. Safe during inference.
func (e *Engine) SetNoiseGate(v float64) {
	e.noiseGateBits.Store(math.Float64bits(v))
}

// Breaker exposes the model circuit breaker for health reporting.
func (e *Engine) Breaker() *resilience.CircuitBreaker { return e.breaker }

// NewWindow creates a rolling window sized for the loaded model, holding
// audio at sourceRate. It fails with ErrNotLoaded before Load.
func (e *Engine) NewWindow(sourceRate int) (*Window, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.model == nil {
		return nil, ErrNotLoaded
	}
	return newWindow(e.window, e.hopLocked(), sourceRate), nil
}

// Step performs one hop on w. It never blocks on anything but the model
// call, which honours ctx.
func (e *Engine) Step(ctx context.Context, w *Window, now time.Time) Outcome {
	out := Outcome{Timestamp: now}
	if !w.Ready() {
		out.Kind = OutcomeSkipped
		return out
	}

	e.mu.RLock()
	m, shape, window := e.model, e.shape, e.window
	e.mu.RUnlock()
	if m == nil {
		out.Kind = OutcomeFailed
		out.Err = ErrNotLoaded
		return out
	}

	x := w.extract()
	out.RMS = audio.RMS(x)
	if out.RMS < e.NoiseGate() {
		out.Kind = OutcomeSilence
		out.Advanced = w.Advance(w.Hop())
		return out
	}

	start := time.Now()
	probs, err := e.infer(ctx, m, x, w.SourceRate(), window, shape)
	out.Latency = time.Since(start)
	out.Advanced = w.Advance(w.Hop())
	if err != nil {
		out.Kind = OutcomeFailed
		out.Err = err
		return out
	}
	out.Kind = OutcomeVoiced
	out.Probs = probs
	e.metrics.RecordInference(ctx, out.Latency.Seconds())
	return out
}

// infer preprocesses x and runs the model through the breaker.
func (e *Engine) infer(ctx context.Context, m model.Model, x []float32, sourceRate, window int, shape []int64) (emotion.Vector, error) {
	ctx, span := observe.StartSpan(ctx, "inference.run",
		trace.WithAttributes(attribute.Int("window_samples", window)),
	)
	defer span.End()

	if sourceRate != targetRate {
		x = fit(audio.Resample(x, float64(sourceRate), targetRate), window)
	} else {
		// The window's scratch is reused by the next hop; preprocess a copy.
		x = append(make([]float32, 0, len(x)), x...)
	}
	audio.Normalize(x)
	audio.Standardize(x)

	var logits []float32
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		logits, err = m.Run(ctx, x, shape)
		return err
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			kind := "run"
			if errors.Is(err, resilience.ErrCircuitOpen) {
				kind = "circuit_open"
			}
			e.metrics.RecordModelError(ctx, kind)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return emotion.Vector{}, fmt.Errorf("inference: run model: %w", err)
	}

	probs, err := emotion.Softmax(logits)
	if err != nil {
		e.metrics.RecordModelError(ctx, "shape")
		span.SetStatus(codes.Error, err.Error())
		return emotion.Vector{}, fmt.Errorf("inference: %w", err)
	}
	return probs, nil
}
