package config_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxmood/internal/config"
	"github.com/MrWong99/voxmood/pkg/provider/model"
	"github.com/MrWong99/voxmood/pkg/provider/model/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  origin_patterns: ["localhost:*"]

model:
  name: onnx
  path: models/ser.onnx
  shared_library: /usr/lib/libonnxruntime.so
  threads: 2
  fallbacks:
    - path: models/ser-int8.onnx

inference:
  hop_seconds: 0.25
  noise_gate: 0.02

smoothing:
  alpha: 0.3
  hold: 1s

session:
  mode: poll
  ring_seconds: 2
  poll_yield: 2ms
  forward: true
  rms_events: false

store:
  postgres_dsn: postgres://localhost/voxmood
  batch_size: 32

microphone:
  enabled: true
  sample_rate: 44100
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Server.OriginPatterns) != 1 || cfg.Server.OriginPatterns[0] != "localhost:*" {
		t.Errorf("origin_patterns = %v", cfg.Server.OriginPatterns)
	}
	if cfg.Model.Path != "models/ser.onnx" || cfg.Model.Threads != 2 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if len(cfg.Model.Fallbacks) != 1 || cfg.Model.Fallbacks[0].Name != "onnx" || cfg.Model.Fallbacks[0].Path != "models/ser-int8.onnx" {
		t.Errorf("fallbacks = %+v", cfg.Model.Fallbacks)
	}
	if cfg.Model.WindowSamples != 0 {
		t.Errorf("window_samples = %d, want 0 so the model decides", cfg.Model.WindowSamples)
	}
	if cfg.Inference.HopSeconds != 0.25 || cfg.Inference.NoiseGate != 0.02 {
		t.Errorf("inference = %+v", cfg.Inference)
	}
	if cfg.Smoothing.Alpha != 0.3 || cfg.Smoothing.Hold != time.Second {
		t.Errorf("smoothing = %+v", cfg.Smoothing)
	}
	if cfg.Session.Mode != config.ModePoll || cfg.Session.PollYield != 2*time.Millisecond {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.RMSEventsEnabled() {
		t.Error("rms_events: false was not honoured")
	}
	if cfg.Session.Interval != config.DefaultInterval {
		t.Errorf("interval default = %s", cfg.Session.Interval)
	}
	if cfg.Store.BatchSize != 32 || cfg.Store.FlushInterval != config.DefaultFlushInterval {
		t.Errorf("store = %+v", cfg.Store)
	}
	if !cfg.Microphone.Enabled || cfg.Microphone.SampleRate != 44100 || cfg.Microphone.Channels != 1 {
		t.Errorf("microphone = %+v", cfg.Microphone)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg := load(t, "")
	want := []struct {
		name      string
		got, want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"model.name", cfg.Model.Name, config.DefaultModelProvider},
		{"hop_seconds", cfg.Inference.HopSeconds, config.DefaultHopSeconds},
		{"noise_gate", cfg.Inference.NoiseGate, config.DefaultNoiseGate},
		{"alpha", cfg.Smoothing.Alpha, config.DefaultAlpha},
		{"hold", cfg.Smoothing.Hold, config.DefaultHold},
		{"ring_seconds", cfg.Session.RingSeconds, float64(config.DefaultRingSeconds)},
		{"mode", cfg.Session.Mode, config.ModeScheduled},
		{"poll_timeout", cfg.Session.PollTimeout, config.DefaultPollTimeout},
	}
	for _, w := range want {
		if w.got != w.want {
			t.Errorf("%s = %v, want %v", w.name, w.got, w.want)
		}
	}
	if !cfg.Session.RMSEventsEnabled() {
		t.Error("rms events should default to enabled")
	}
}

func TestLoadFromReader_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "unknown key", yaml: "server:\n  colour: blue\n", want: "colour"},
		{name: "log level", yaml: "server:\n  log_level: loud\n", want: "log_level"},
		{name: "tls half", yaml: "server:\n  tls:\n    cert_file: a.pem\n", want: "key_file"},
		{name: "alpha", yaml: "smoothing:\n  alpha: 1.5\n", want: "alpha"},
		{name: "negative hold", yaml: "smoothing:\n  hold: -1s\n", want: "hold"},
		{name: "noise gate", yaml: "inference:\n  noise_gate: 2\n", want: "noise_gate"},
		{name: "mode", yaml: "session:\n  mode: eager\n", want: "session.mode"},
		{name: "negative interval", yaml: "session:\n  interval: -5ms\n", want: "session.interval"},
		{name: "fallback path", yaml: "model:\n  fallbacks:\n    - name: onnx\n", want: "fallbacks[0].path"},
		{name: "window", yaml: "model:\n  window_samples: -1\n", want: "window_samples"},
		{name: "bad duration", yaml: "session:\n  interval: soon\n", want: "decode yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: "loud"},
		Smoothing: config.SmoothingConfig{Alpha: -1},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "alpha"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/voxmood.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	m := &mock.Model{}
	var gotPath string
	reg.RegisterModel("fake", func(c config.ModelConfig) (model.Loader, error) {
		gotPath = c.Path
		return m.Loader(), nil
	})

	loader, err := reg.CreateModel(config.ModelConfig{Name: "fake", Path: "x.onnx"})
	if err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
	if gotPath != "x.onnx" {
		t.Errorf("factory saw path %q", gotPath)
	}
	loaded, err := loader(context.Background())
	if err != nil || loaded != m {
		t.Errorf("loader = %v, %v", loaded, err)
	}

	_, err = reg.CreateModel(config.ModelConfig{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if names := reg.Models(); len(names) != 1 || names[0] != "fake" {
		t.Errorf("Models = %v", names)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load(example.yaml): %v", err)
	}
	if cfg.Model.Name != "onnx" || cfg.Session.Mode != config.ModeScheduled {
		t.Errorf("example config = %+v", cfg)
	}
}
