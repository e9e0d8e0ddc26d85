// Command parley runs a live spoken conversation between the local microphone
// and speakers and a hosted speech-to-speech model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/audio/spectrum"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print capture devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; pass -config or create one\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"fallbacks", len(cfg.Provider.Fallbacks),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(level, config.Diff(old, new))
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers and devices ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, cfg.Audio.OutboundQueue)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}
	input, err := reg.CreateInput("portaudio", cfg.Audio)
	if err != nil {
		slog.Error("failed to create input device", "err", err)
		return 1
	}
	output, err := reg.CreateOutput("oto", cfg.Audio)
	if err != nil {
		slog.Error("failed to create output device", "err", err)
		return 1
	}

	// ── Session supervisor ────────────────────────────────────────────────────
	analyser := spectrum.New(spectrum.DefaultBins)
	sup := session.NewSupervisor(session.Config{
		New: func() (engine.Runner, error) {
			return engine.New(engine.Config{
				Input:     input,
				Output:    output,
				Provider:  provider,
				Session:   s2sSession(cfg.Session),
				FrameSize: cfg.Audio.FramesPerBuffer,
			},
				engine.WithMetrics(metrics),
				engine.WithCaptureObserver(analyser.Observe),
			)
		},
		MaxRetries: cfg.Reconnect.MaxRetries,
		Backoff:    cfg.Reconnect.Backoff,
		MaxBackoff: cfg.Reconnect.MaxBackoff,
		OnSession:  onSession,
	})

	// ── Ops server (optional) ─────────────────────────────────────────────────
	var ops *http.Server
	if cfg.Server.MetricsAddr != "" {
		ops, err = startOps(cfg.Server.MetricsAddr, metrics, sup)
		if err != nil {
			slog.Error("failed to start ops server", "err", err)
			return 1
		}
	}

	go logLevels(ctx, analyser)

	slog.Info("ready, start talking; press Ctrl+C to quit")

	runErr := sup.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	if ops != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ops.Shutdown(sctx); err != nil {
			slog.Warn("ops server shutdown error", "err", err)
		}
		cancel()
	}

	if runErr != nil {
		slog.Error("session ended", "err", runErr)
		return 1
	}
	slog.Info("goodbye", "sessions", sup.Sessions())
	return 0
}

// applyReload applies the live-reloadable parts of a config change and
// reports the rest.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed; restart required to apply", "sections", d.RestartRequired)
	}
}

// onSession streams a new session's transcripts to stdout.
func onSession(r engine.Runner) {
	e, ok := r.(*engine.Engine)
	if !ok {
		return
	}
	slog.Info("session listening", "session_id", e.SessionID())
	go func() {
		for tr := range e.Transcripts() {
			fmt.Printf("[%s] %s\n", tr.Speaker, tr.Text)
		}
	}()
}

// startOps serves /metrics, /healthz and /readyz on addr.
func startOps(addr string, metrics *observe.Metrics, sup *session.Supervisor) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Listening(sup.Current)).Register(mux)

	srv := &http.Server{
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", "err", err)
		}
	}()
	slog.Info("ops server listening", "addr", ln.Addr().String())
	return srv, nil
}

// logLevels logs the microphone level and dominant frequency at debug level
// so a silent or misconfigured input is easy to spot.
func logLevels(ctx context.Context, a *spectrum.Analyser) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, frames := a.Snapshot()
			if frames == last {
				continue
			}
			last = frames
			slog.Debug("microphone level",
				"rms", snap.RMS,
				"peak_hz", snap.Peak(),
				"frames", frames,
			)
		}
	}
}

func printDevices() int {
	names, err := portaudio.InputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	if len(names) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for i, name := range names {
		marker := " "
		if i == 0 {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, name)
	}
	return 0
}
