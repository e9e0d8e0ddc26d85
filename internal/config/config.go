// Package config provides the configuration schema, loader, file watcher and
// provider registry for parley.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
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

// Level maps l onto a [slog.Level]. Unknown and empty values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultProvider        = "gemini-live"
	DefaultAPIKeyEnv       = "GEMINI_API_KEY"
	DefaultFramesPerBuffer = 4096
	DefaultMaxRetries      = 5
	DefaultBackoff         = time.Second
	DefaultMaxBackoff      = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig holds logging and ops-endpoint settings.
type ServerConfig struct {
	// LogLevel controls verbosity. It is the only field applied without a
	// restart when the file changes.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address of the ops server (/metrics, /healthz,
	// /readyz). Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ProviderEntry is the configuration block for one speech-to-speech backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation ("gemini-live", "genai").
	Name string `yaml:"name"`

	// APIKey authenticates against the service. "${VAR}" references are
	// expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// ProviderConfig is the primary backend plus an ordered list of fallbacks
// tried when it cannot be reached.
type ProviderConfig struct {
	ProviderEntry `yaml:",inline"`

	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// SessionConfig is the initial session configuration sent on connect.
type SessionConfig struct {
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
	Transcripts  bool   `yaml:"transcripts"`
}

// AudioConfig selects host devices and buffer sizes.
type AudioConfig struct {
	// InputDevice is the capture device name. Empty selects the host default.
	InputDevice string `yaml:"input_device"`

	// OutputDevice is accepted for symmetry; the playback backend always uses
	// the host default output.
	OutputDevice string `yaml:"output_device"`

	// FramesPerBuffer is the capture frame size in samples.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// OutboundQueue is the adapter's outbound chunk queue depth. Zero keeps
	// the adapter default.
	OutboundQueue int `yaml:"outbound_queue"`
}

// ReconnectConfig bounds how the supervisor restarts failed sessions.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}
