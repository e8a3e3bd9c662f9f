package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidModelProviders lists the model provider names shipped with voxmood.
// Used by [Validate] to warn about unrecognised names.
var ValidModelProviders = []string{"onnx"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. Unknown keys are rejected. An empty document yields the default
// configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Zero values
// are accepted since [ApplyDefaults] fills them. It returns a joined error
// listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Model
	if cfg.Model.Name != "" && !slices.Contains(ValidModelProviders, cfg.Model.Name) {
		slog.Warn("unknown model provider; may be a typo or a third-party provider",
			"name", cfg.Model.Name,
			"known", ValidModelProviders,
		)
	}
	if cfg.Model.WindowSamples < 0 {
		errs = append(errs, fmt.Errorf("model.window_samples %d must not be negative", cfg.Model.WindowSamples))
	}
	if cfg.Model.Threads < 0 {
		errs = append(errs, fmt.Errorf("model.threads %d must not be negative", cfg.Model.Threads))
	}
	for i, fb := range cfg.Model.Fallbacks {
		if fb.Path == "" {
			errs = append(errs, fmt.Errorf("model.fallbacks[%d].path is required", i))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("model.fallbacks[%d] must not declare nested fallbacks", i))
		}
	}
	if cfg.Model.Path == "" {
		slog.Warn("model.path is empty; the server will start but never become ready")
	}

	// Inference
	if cfg.Inference.HopSeconds < 0 {
		errs = append(errs, fmt.Errorf("inference.hop_seconds %.3f must not be negative", cfg.Inference.HopSeconds))
	}
	if cfg.Inference.NoiseGate < 0 || cfg.Inference.NoiseGate >= 1 {
		errs = append(errs, fmt.Errorf("inference.noise_gate %.4f is out of range [0, 1)", cfg.Inference.NoiseGate))
	}
	if cfg.Inference.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("inference.max_failures %d must not be negative", cfg.Inference.MaxFailures))
	}
	if cfg.Inference.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("inference.reset_timeout %s must not be negative", cfg.Inference.ResetTimeout))
	}

	// Smoothing
	if cfg.Smoothing.Alpha < 0 || cfg.Smoothing.Alpha > 1 {
		errs = append(errs, fmt.Errorf("smoothing.alpha %.3f is out of range (0, 1]", cfg.Smoothing.Alpha))
	}
	if cfg.Smoothing.Hold < 0 {
		errs = append(errs, fmt.Errorf("smoothing.hold %s must not be negative", cfg.Smoothing.Hold))
	}

	// Session
	s := cfg.Session
	if s.Mode != "" && !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: scheduled, poll", s.Mode))
	}
	if s.RingSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.ring_seconds %.2f must not be negative", s.RingSeconds))
	}
	for name, d := range map[string]time.Duration{
		"interval":     s.Interval,
		"poll_timeout": s.PollTimeout,
		"poll_yield":   s.PollYield,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("session.%s must not be negative", name))
		}
	}
	if s.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("session.event_buffer %d must not be negative", s.EventBuffer))
	}

	// Store
	if cfg.Store.QueueSize < 0 || cfg.Store.BatchSize < 0 {
		errs = append(errs, errors.New("store.queue_size and store.batch_size must not be negative"))
	}
	if cfg.Store.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("store.flush_interval %s must not be negative", cfg.Store.FlushInterval))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; the emotion timeline will not be persisted")
	}

	// Microphone
	if m := cfg.Microphone; m.Enabled {
		if m.SampleRate < 0 || m.Channels < 0 || m.PeriodFrames < 0 {
			errs = append(errs, errors.New("microphone.sample_rate, channels and period_frames must not be negative"))
		}
	}

	return errors.Join(errs...)
}
