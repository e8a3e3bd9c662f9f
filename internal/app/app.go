// Package app wires all voxmood subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and loads the model, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithTimeline,
// WithAudioSource, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxmood/internal/config"
	"github.com/MrWong99/voxmood/internal/health"
	"github.com/MrWong99/voxmood/internal/inference"
	"github.com/MrWong99/voxmood/internal/observe"
	"github.com/MrWong99/voxmood/internal/orchestrator"
	"github.com/MrWong99/voxmood/internal/resilience"
	"github.com/MrWong99/voxmood/internal/session"
	"github.com/MrWong99/voxmood/internal/store/postgres"
	"github.com/MrWong99/voxmood/internal/transport/api"
	"github.com/MrWong99/voxmood/internal/transport/ws"
	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/audio/capture"
	"github.com/MrWong99/voxmood/pkg/audio/capture/microphone"
	"github.com/MrWong99/voxmood/pkg/protocol"
	"github.com/MrWong99/voxmood/pkg/provider/model"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown.
const serverShutdownTimeout = 5 * time.Second

// ErrNoModel is returned by LoadModel when no loader was configured.
var ErrNoModel = errors.New("app: no model configured")

// AudioSource is a local capture device. [microphone.Source] implements it.
type AudioSource interface {
	Format() audio.Format
	Start(p *capture.Processor) error
	Stop()
	Close() error
}

var _ AudioSource = (*microphone.Source)(nil)

// Timeline is the persistence backend: the recorder writes to it and the
// API reads from it.
type Timeline interface {
	postgres.Writer
	api.Timeline
	Ping(ctx context.Context) error
}

var _ Timeline = (*postgres.Store)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	loader  model.Loader
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	engine   *inference.Engine
	manager  *session.Manager
	timeline Timeline
	recorder *postgres.Recorder
	health   *health.Handler
	handler  http.Handler
	source   AudioSource

	recCancel context.CancelFunc
	recDone   chan struct{}

	// micRelease detaches the local source from its session.
	micMu      sync.Mutex
	micRelease func()

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTimeline injects a timeline store instead of connecting to
// store.postgres_dsn.
func WithTimeline(t Timeline) Option {
	return func(a *App) { a.timeline = t }
}

// WithAudioSource injects a local capture source instead of opening the
// default microphone.
func WithAudioSource(src AudioSource) Option {
	return func(a *App) { a.source = src }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. loader comes from
// main.go via the config registry; a nil loader leaves the server unready.
func New(ctx context.Context, cfg *config.Config, loader model.Loader, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		loader: loader,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Inference engine ─────────────────────────────────────────────
	a.engine = inference.New(inference.Config{
		WindowSamples: cfg.Model.WindowSamples,
		HopSeconds:    cfg.Inference.HopSeconds,
		NoiseGate:     cfg.Inference.NoiseGate,
		Breaker: resilience.CircuitBreakerConfig{
			Name:         "model",
			MaxFailures:  cfg.Inference.MaxFailures,
			ResetTimeout: cfg.Inference.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		},
		Metrics: a.metrics,
	})
	a.closers = append(a.closers, a.engine.Close)

	// ── 2. Timeline store ───────────────────────────────────────────────
	if err := a.initTimeline(ctx); err != nil {
		return nil, fmt.Errorf("app: init timeline: %w", err)
	}

	// ── 3. Session manager ──────────────────────────────────────────────
	mode, ok := orchestrator.ParseMode(string(cfg.Session.Mode))
	if !ok {
		return nil, fmt.Errorf("app: unknown session mode %q", cfg.Session.Mode)
	}
	mgrOpts := []session.ManagerOption{session.WithManagerMetrics(a.metrics)}
	if a.recorder != nil {
		mgrOpts = append(mgrOpts, session.WithConsumerFactory(a.recorder.Consumer))
	}
	a.manager = session.NewManager(a.engine, session.Config{
		RingCapacity: audio.RingCapacity(audio.TargetSampleRate, time.Duration(cfg.Session.RingSeconds*float64(time.Second))),
		Mode:         mode,
		Interval:     cfg.Session.Interval,
		PollTimeout:  cfg.Session.PollTimeout,
		PollYield:    cfg.Session.PollYield,
		Alpha:        cfg.Smoothing.Alpha,
		Hold:         cfg.Smoothing.Hold,
		Forward:      cfg.Session.Forward,
		RMSEvents:    cfg.Session.RMSEventsEnabled(),
		EventBuffer:  cfg.Session.EventBuffer,
	}, mgrOpts...)

	// ── 4. Local microphone ─────────────────────────────────────────────
	if a.source == nil && cfg.Microphone.Enabled {
		src, err := microphone.Open(microphone.Config{
			SampleRate:   cfg.Microphone.SampleRate,
			Channels:     cfg.Microphone.Channels,
			PeriodFrames: cfg.Microphone.PeriodFrames,
		})
		if err != nil {
			return nil, fmt.Errorf("app: open microphone: %w", err)
		}
		a.source = src
	}
	if a.source != nil {
		a.closers = append(a.closers, a.source.Close)
	}

	// ── 5. HTTP surface ─────────────────────────────────────────────────
	a.health = health.New(health.Checker{Name: "model", Check: a.checkModel})
	if a.timeline != nil {
		a.health.Add(health.Checker{Name: "store", Check: a.timeline.Ping})
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	ws.NewServer(a.manager, ws.WithOriginPatterns(cfg.Server.OriginPatterns...)).Register(mux)
	var tl api.Timeline
	if a.timeline != nil {
		tl = a.timeline
	}
	api.New(a.manager, tl).Register(mux)
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// initTimeline connects the store when configured and builds the recorder
// that feeds it.
func (a *App) initTimeline(ctx context.Context) error {
	if a.timeline == nil && a.cfg.Store.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		a.timeline = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	if a.timeline == nil {
		return nil
	}

	a.recorder = postgres.NewRecorder(a.timeline, postgres.RecorderConfig{
		QueueSize:     a.cfg.Store.QueueSize,
		BatchSize:     a.cfg.Store.BatchSize,
		FlushInterval: a.cfg.Store.FlushInterval,
		Metrics:       a.metrics,
	})
	// The recorder outlives the request context so it can drain after
	// every session has stopped.
	recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.recCancel = cancel
	a.recDone = make(chan struct{})
	go func() {
		defer close(a.recDone)
		_ = a.recorder.Run(recCtx)
	}()
	return nil
}

func (a *App) checkModel(context.Context) error {
	if !a.engine.Ready() {
		return fmt.Errorf("model %s", a.engine.State())
	}
	return nil
}

// Handler returns the HTTP handler serving every endpoint.
func (a *App) Handler() http.Handler { return a.handler }

// Engine returns the shared inference engine.
func (a *App) Engine() *inference.Engine { return a.engine }

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, loads the model and, when a local source is configured,
// starts a capture session on it. It blocks until ctx is cancelled or a
// subsystem fails. A model that fails to load leaves the server running
// but not ready.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serve(ctx) })
	g.Go(func() error {
		if err := a.LoadModel(ctx); err != nil {
			// The server stays up and reports not ready.
			if errors.Is(err, ErrNoModel) {
				slog.Warn("no model configured; sessions cannot start")
			} else {
				slog.Error("emotion model failed to load", "err", err)
			}
			return nil
		}
		if a.source == nil {
			return nil
		}
		if err := a.StartLocalCapture(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}

// LoadModel loads the configured model into the engine.
func (a *App) LoadModel(ctx context.Context) error {
	if a.loader == nil {
		return ErrNoModel
	}
	start := time.Now()
	if err := a.engine.Load(ctx, a.loader); err != nil {
		return fmt.Errorf("app: load model: %w", err)
	}
	info := a.engine.Info()
	slog.Info("emotion model ready",
		"window_samples", a.engine.WindowSamples(),
		"hop_samples", a.engine.HopSamples(),
		"classes", info.NumClasses,
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// serve runs the HTTP server until ctx is done.
func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "err", err)
	}
	return <-errCh
}

// StartLocalCapture creates a session for the local source, initialises its
// ring buffer, starts inference and starts the device.
func (a *App) StartLocalCapture(ctx context.Context) error {
	if a.source == nil {
		return errors.New("app: no local audio source")
	}
	sink := session.SinkFunc(func(e protocol.Event) {
		switch e.Type {
		case protocol.TypePrediction:
			if e.Prediction == nil {
				return
			}
			slog.Debug("local prediction",
				"dominant", string(e.Prediction.Dominant),
				"confidence", e.Prediction.Confidence,
				"silence", e.Prediction.IsSilence,
			)
		case protocol.TypeError:
			slog.Warn("local capture error", "msg", e.Message)
		}
	})

	s, err := a.manager.Create(ctx, a.source.Format(), sink)
	if err != nil {
		return fmt.Errorf("app: local session: %w", err)
	}
	if err := s.Control(ctx, protocol.Control{Type: protocol.TypeInit}); err != nil {
		return fmt.Errorf("app: local session init: %w", err)
	}
	if err := s.Control(ctx, protocol.Control{Type: protocol.TypeStart}); err != nil {
		return fmt.Errorf("app: local session start: %w", err)
	}
	proc, release, err := s.AttachProducer()
	if err != nil {
		return fmt.Errorf("app: local session attach: %w", err)
	}
	if err := a.source.Start(proc); err != nil {
		release()
		return fmt.Errorf("app: start local source: %w", err)
	}

	a.micMu.Lock()
	a.micRelease = release
	a.micMu.Unlock()
	slog.Info("local capture session started", "session_id", s.ID(), "format", a.source.Format().String())
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyDiff applies the hot-reloadable parts of a config change to live
// subsystems. The log level is owned by main.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.SmoothingChanged {
		a.manager.SetSmoothing(d.NewSmoothing.Alpha, d.NewSmoothing.Hold)
		slog.Info("smoothing updated", "alpha", d.NewSmoothing.Alpha, "hold", d.NewSmoothing.Hold)
	}
	if d.NoiseGateChanged {
		a.engine.SetNoiseGate(d.NewNoiseGate)
		slog.Info("noise gate updated", "rms", d.NewNoiseGate)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the local source, closes every session, drains the
// recorder and runs the remaining closers. It respects the context
// deadline: if ctx expires before all closers finish, the remaining ones are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Len(), "closers", len(a.closers))

		if a.source != nil {
			a.source.Stop()
			a.micMu.Lock()
			if a.micRelease != nil {
				a.micRelease()
			}
			a.micMu.Unlock()
		}
		if err := a.manager.CloseAll(ctx); err != nil {
			slog.Warn("close sessions", "err", err)
		}

		if a.recCancel != nil {
			a.recCancel()
			select {
			case <-a.recDone:
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded while draining recorder")
				shutdownErr = ctx.Err()
				return
			}
			slog.Info("timeline recorder drained",
				"written", a.recorder.Written(),
				"dropped", a.recorder.Dropped(),
				"failed", a.recorder.Failed(),
			)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
