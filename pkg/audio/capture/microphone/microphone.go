// Package microphone feeds a local capture device into a [capture.Processor]
// using miniaudio through github.com/gen2brain/malgo.
//
// The device callback runs on miniaudio's real-time thread. It decodes the
// raw float32 frames into a reused scratch buffer and hands them to
// [capture.Processor.ProcessInterleaved]; nothing on that path blocks.
package microphone

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxmood/pkg/audio"
	"github.com/MrWong99/voxmood/pkg/audio/capture"
)

// Config selects the capture device parameters.
type Config struct {
	// SampleRate requested from the device. Zero lets the backend pick its
	// native rate.
	SampleRate int

	// Channels requested from the device. Zero selects mono.
	Channels int

	// PeriodFrames is the callback block size. Zero selects
	// [capture.DefaultBlockSize].
	PeriodFrames int
}

// Source owns a malgo context and capture device.
type Source struct {
	cfg    Config
	log    *slog.Logger
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	format audio.Format

	mu      sync.Mutex
	started bool
	closed  bool

	// scratch is only touched by the device callback.
	scratch []float32
}

// Open initialises the audio backend and the default capture device and
// returns the negotiated format. The device does not deliver audio until
// [Source.Start] is called.
func Open(cfg Config) (*Source, error) {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.PeriodFrames <= 0 {
		cfg.PeriodFrames = capture.DefaultBlockSize
	}

	log := slog.Default().With("component", "microphone")
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("microphone: init context: %w", err)
	}

	// Probe the device to learn the rate the backend actually runs at.
	probeCfg := deviceConfig(cfg)
	probe, err := malgo.InitDevice(mctx.Context, probeCfg, malgo.DeviceCallbacks{})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("microphone: probe device: %w", err)
	}
	rate := int(probe.SampleRate())
	probe.Uninit()
	if rate <= 0 {
		rate = cfg.SampleRate
	}

	return &Source{
		cfg:    cfg,
		log:    log,
		mctx:   mctx,
		format: audio.Format{SampleRate: rate, Channels: cfg.Channels},
	}, nil
}

func deviceConfig(cfg Config) malgo.DeviceConfig {
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	dc.Alsa.NoMMap = 1
	return dc
}

// Format returns the device format a [capture.Processor] must be built for.
func (s *Source) Format() audio.Format { return s.format }

// Start begins delivering device blocks to p. p must have been built for
// [Source.Format].
func (s *Source) Start(p *capture.Processor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("microphone: source closed")
	}
	if s.started {
		return errors.New("microphone: already started")
	}
	if p.Format() != s.format {
		return fmt.Errorf("microphone: processor format %s does not match device %s", p.Format(), s.format)
	}

	onData := func(_, input []byte, _ uint32) {
		s.scratch = audio.DecodeFloat32LE(input, s.scratch)
		p.ProcessInterleaved(s.scratch, time.Now())
	}

	device, err := malgo.InitDevice(s.mctx.Context, deviceConfig(s.cfg), malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return fmt.Errorf("microphone: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("microphone: start device: %w", err)
	}
	s.device = device
	s.started = true
	s.log.Info("microphone capture started", "format", s.format.String(), "period_frames", s.cfg.PeriodFrames)
	return nil
}

// Stop halts the device. It is safe to call more than once.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if err := s.device.Stop(); err != nil {
		s.log.Warn("microphone: stop device", "err", err)
	}
	s.device.Uninit()
	s.device = nil
	s.started = false
	s.log.Info("microphone capture stopped")
}

// Close stops the device and releases the backend context.
func (s *Source) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.mctx.Uninit()
	s.mctx.Free()
	if err != nil {
		return fmt.Errorf("microphone: uninit context: %w", err)
	}
	return nil
}
