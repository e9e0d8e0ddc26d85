package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/oto"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
	"github.com/MrWong99/parley/pkg/provider/s2s/genai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the backends that ship with parley into reg.
func registerBuiltins(reg *config.Registry, queueDepth int) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []gemini.Option{
			gemini.WithModel(entry.Model),
			gemini.WithBaseURL(entry.BaseURL),
		}
		if queueDepth > 0 {
			opts = append(opts, gemini.WithQueueDepth(queueDepth))
		}
		if d, err := optDuration(entry.Options, "setup_timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, gemini.WithSetupTimeout(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("genai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []genai.Option{
			genai.WithModel(entry.Model),
			genai.WithBaseURL(entry.BaseURL),
		}
		if queueDepth > 0 {
			opts = append(opts, genai.WithQueueDepth(queueDepth))
		}
		return genai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterInput("portaudio", func(c config.AudioConfig) (audio.InputDevice, error) {
		var opts []portaudio.Option
		if c.InputDevice != "" {
			opts = append(opts, portaudio.WithDevice(c.InputDevice))
		}
		return portaudio.New(opts...), nil
	})

	reg.RegisterOutput("oto", func(c config.AudioConfig) (audio.OutputDevice, error) {
		if c.OutputDevice != "" {
			slog.Warn("audio.output_device is ignored; playback uses the host default output", "output_device", c.OutputDevice)
		}
		return oto.New(), nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// buildProvider creates the primary provider and, when fallbacks are
// configured, wraps all of them in a circuit-breaking failover.
func buildProvider(cfg *config.Config, reg *config.Registry) (s2s.Provider, error) {
	primary, err := reg.CreateS2S(cfg.Provider.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.Provider.Name, err)
	}
	if len(cfg.Provider.Fallbacks) == 0 {
		return primary, nil
	}

	fallbacks := make([]resilience.Entry, 0, len(cfg.Provider.Fallbacks))
	for i, fb := range cfg.Provider.Fallbacks {
		p, err := reg.CreateS2S(fb)
		if err != nil {
			return nil, fmt.Errorf("provider.fallbacks[%d] %q: %w", i, fb.Name, err)
		}
		fallbacks = append(fallbacks, resilience.Entry{Name: entryName(fb), Provider: p})
	}
	return resilience.NewFailover(
		resilience.Entry{Name: entryName(cfg.Provider.ProviderEntry), Provider: primary},
		fallbacks,
		resilience.CircuitBreakerConfig{},
	), nil
}

func entryName(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

func s2sSession(c config.SessionConfig) s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:        c.Voice,
		Instructions: c.Instructions,
		Transcripts:  c.Transcripts,
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration extracts a duration from a provider Options map. Strings are
// parsed with time.ParseDuration and integers are taken as seconds. A missing
// key yields zero.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	v, ok := opts[key]
	if !ok {
		return 0, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("options.%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(x) * time.Second, nil
	}
	return 0, fmt.Errorf("options.%s: unsupported value %v (%T)", key, v, v)
}
