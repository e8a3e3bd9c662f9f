package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else
// is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SmoothingChanged bool
	NewSmoothing     SmoothingConfig

	NoiseGateChanged bool
	NewNoiseGate     float64

	// RestartRequired names the changed sections that only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SmoothingChanged || d.NoiseGateChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Smoothing != new.Smoothing {
		d.SmoothingChanged = true
		d.NewSmoothing = new.Smoothing
	}
	if old.Inference.NoiseGate != new.Inference.NoiseGate {
		d.NoiseGateChanged = true
		d.NewNoiseGate = new.Inference.NoiseGate
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldInf, newInf := old.Inference, new.Inference
	oldInf.NoiseGate, newInf.NoiseGate = 0, 0

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"model", old.Model, new.Model},
		{"inference", oldInf, newInf},
		{"session", old.Session, new.Session},
		{"store", old.Store, new.Store},
		{"microphone", old.Microphone, new.Microphone},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
