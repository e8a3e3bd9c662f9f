// Package config provides the configuration schema, loader, watcher and
// model registry for the voxmood server.
package config

import "time"

// LogLevel controls log verbosity for the voxmood server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects how a session's hop loop is driven.
type Mode string

const (
	// ModeScheduled runs one hop per fixed interval.
	ModeScheduled Mode = "scheduled"

	// ModePoll waits for enough buffered samples, then runs a hop.
	ModePoll Mode = "poll"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeScheduled || m == ModePoll
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultModelProvider  = "onnx"
	DefaultHopSeconds     = 0.5
	DefaultNoiseGate      = 0.01
	DefaultAlpha          = 0.2
	DefaultHold           = 800 * time.Millisecond
	DefaultRingSeconds    = 5
	DefaultInterval       = 150 * time.Millisecond
	DefaultPollYield      = 5 * time.Millisecond
	DefaultPollTimeout    = 500 * time.Millisecond
	DefaultMaxFailures    = 5
	DefaultResetTimeout   = 30 * time.Second
	DefaultFlushInterval  = time.Second
	DefaultMicSampleRate  = 48000
	DefaultMicChannels    = 1
	DefaultWatchInterval  = 5 * time.Second
	defaultEventBufferLen = 256
)

// Config is the root configuration structure for voxmood.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Inference  InferenceConfig  `yaml:"inference"`
	Smoothing  SmoothingConfig  `yaml:"smoothing"`
	Session    SessionConfig    `yaml:"session"`
	Store      StoreConfig      `yaml:"store"`
	Microphone MicrophoneConfig `yaml:"microphone"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// OriginPatterns lists hosts allowed to open cross-origin WebSocket
	// streams (e.g., "localhost:*"). Same-origin is always allowed.
	OriginPatterns []string `yaml:"origin_patterns"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ModelConfig selects the emotion classifier artifact. The Name field is
// used to look up the loader factory in the [Registry].
type ModelConfig struct {
	// Name selects the registered model provider (e.g., "onnx").
	Name string `yaml:"name"`

	// Path is the model artifact on disk.
	Path string `yaml:"path"`

	// SharedLibrary points at the runtime's shared library, if the provider
	// needs one.
	SharedLibrary string `yaml:"shared_library"`

	// InputName and OutputName override the tensor names.
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`

	// Threads limits the runtime's intra-op thread pool. Zero keeps the
	// runtime default.
	Threads int `yaml:"threads"`

	// WindowSamples is the analysis window at 16 kHz used when the model
	// accepts variable-length input. Zero selects the engine default. A
	// model with a fixed input length rejects any other non-zero value.
	WindowSamples int `yaml:"window_samples"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this artifact fails to load. An
	// empty Name inherits the parent's provider. Window settings always come
	// from the top-level block.
	Fallbacks []ModelConfig `yaml:"fallbacks"`
}

// InferenceConfig tunes the shared inference engine.
type InferenceConfig struct {
	// HopSeconds is how far the window advances after each hop.
	HopSeconds float64 `yaml:"hop_seconds"`

	// NoiseGate is the RMS below which a window counts as silence.
	// Hot-reloadable.
	NoiseGate float64 `yaml:"noise_gate"`

	// MaxFailures consecutive model errors open the circuit breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// SmoothingConfig tunes the temporal smoother. Both fields are
// hot-reloadable and apply to live sessions.
type SmoothingConfig struct {
	Alpha float64       `yaml:"alpha"`
	Hold  time.Duration `yaml:"hold"`
}

// SessionConfig tunes capture and the hop loop of new sessions.
type SessionConfig struct {
	// RingSeconds sizes the ring buffer in seconds of 16 kHz audio.
	RingSeconds float64 `yaml:"ring_seconds"`

	Mode        Mode          `yaml:"mode"`
	Interval    time.Duration `yaml:"interval"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	PollYield   time.Duration `yaml:"poll_yield"`

	// Forward enables the low-latency sample path, published as level events.
	Forward bool `yaml:"forward"`

	// RMSEvents enables per-block rms telemetry. Defaults to true.
	RMSEvents *bool `yaml:"rms_events"`

	// EventBuffer sizes each session's capture event channel.
	EventBuffer int `yaml:"event_buffer"`
}

// StoreConfig configures the emotion timeline. An empty PostgresDSN
// disables persistence.
type StoreConfig struct {
	PostgresDSN   string        `yaml:"postgres_dsn"`
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MicrophoneConfig enables a local capture session on the default input
// device in addition to the WebSocket endpoint.
type MicrophoneConfig struct {
	Enabled      bool `yaml:"enabled"`
	SampleRate   int  `yaml:"sample_rate"`
	Channels     int  `yaml:"channels"`
	PeriodFrames int  `yaml:"period_frames"`
}

// RMSEventsEnabled resolves the optional rms_events flag.
func (s SessionConfig) RMSEventsEnabled() bool {
	return s.RMSEvents == nil || *s.RMSEvents
}

// ApplyDefaults fills every zero field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Model.Name == "" {
		cfg.Model.Name = DefaultModelProvider
	}
	for i := range cfg.Model.Fallbacks {
		if cfg.Model.Fallbacks[i].Name == "" {
			cfg.Model.Fallbacks[i].Name = cfg.Model.Name
		}
	}

	if cfg.Inference.HopSeconds == 0 {
		cfg.Inference.HopSeconds = DefaultHopSeconds
	}
	if cfg.Inference.NoiseGate == 0 {
		cfg.Inference.NoiseGate = DefaultNoiseGate
	}
	if cfg.Inference.MaxFailures == 0 {
		cfg.Inference.MaxFailures = DefaultMaxFailures
	}
	if cfg.Inference.ResetTimeout == 0 {
		cfg.Inference.ResetTimeout = DefaultResetTimeout
	}

	if cfg.Smoothing.Alpha == 0 {
		cfg.Smoothing.Alpha = DefaultAlpha
	}
	if cfg.Smoothing.Hold == 0 {
		cfg.Smoothing.Hold = DefaultHold
	}

	if cfg.Session.RingSeconds == 0 {
		cfg.Session.RingSeconds = DefaultRingSeconds
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = ModeScheduled
	}
	if cfg.Session.Interval == 0 {
		cfg.Session.Interval = DefaultInterval
	}
	if cfg.Session.PollTimeout == 0 {
		cfg.Session.PollTimeout = DefaultPollTimeout
	}
	if cfg.Session.PollYield == 0 {
		cfg.Session.PollYield = DefaultPollYield
	}
	if cfg.Session.EventBuffer == 0 {
		cfg.Session.EventBuffer = defaultEventBufferLen
	}

	if cfg.Store.FlushInterval == 0 {
		cfg.Store.FlushInterval = DefaultFlushInterval
	}

	if cfg.Microphone.SampleRate == 0 {
		cfg.Microphone.SampleRate = DefaultMicSampleRate
	}
	if cfg.Microphone.Channels == 0 {
		cfg.Microphone.Channels = DefaultMicChannels
	}
}
