package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, MetricsAddr: ":9090"},
		Provider: config.ProviderConfig{
			ProviderEntry: config.ProviderEntry{
				Name:    "gemini-live",
				Model:   "m1",
				Options: map[string]any{"setup_timeout": "5s"},
			},
			Fallbacks: []config.ProviderEntry{{Name: "genai"}},
		},
		Session:   config.SessionConfig{Voice: "Puck"},
		Audio:     config.AudioConfig{FramesPerBuffer: 4096},
		Reconnect: config.ReconnectConfig{MaxRetries: 5, Backoff: time.Second, MaxBackoff: 30 * time.Second},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_LogLevelIsLive(t *testing.T) {
	t.Parallel()

	next := baseConfig()
	next.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"metrics addr", func(c *config.Config) { c.Server.MetricsAddr = ":9091" }, []string{"server.metrics_addr"}},
		{"model", func(c *config.Config) { c.Provider.Model = "m2" }, []string{"provider"}},
		{"options", func(c *config.Config) { c.Provider.Options = map[string]any{"setup_timeout": "9s"} }, []string{"provider"}},
		{"fallbacks", func(c *config.Config) { c.Provider.Fallbacks = nil }, []string{"provider"}},
		{"voice", func(c *config.Config) { c.Session.Voice = "Kore" }, []string{"session"}},
		{"device", func(c *config.Config) { c.Audio.InputDevice = "USB" }, []string{"audio"}},
		{"retries", func(c *config.Config) { c.Reconnect.MaxRetries = 1 }, []string{"reconnect"}},
		{
			"several",
			func(c *config.Config) {
				c.Session.Transcripts = true
				c.Provider.Name = "genai"
			},
			[]string{"provider", "session"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := baseConfig()
			tt.mutate(next)
			d := config.Diff(baseConfig(), next)
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.want)
			}
			if d.LogLevelChanged {
				t.Error("LogLevelChanged = true, want false")
			}
		})
	}
}
