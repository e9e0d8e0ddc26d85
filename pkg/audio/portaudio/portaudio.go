// Package portaudio implements [audio.InputDevice] on top of the PortAudio C
// library.
//
// Many host devices cannot open at the 16 kHz capture rate directly. When the
// requested format is rejected the stream is reopened at the device's native
// rate and every callback buffer is converted and regrouped so that callers
// still receive frames of exactly the requested size and format.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// Input is a PortAudio capture device. The zero value is not usable; create
// one with [New].
type Input struct {
	deviceName string
	latency    latencyMode
}

type latencyMode int

const (
	lowLatency latencyMode = iota
	highLatency
)

// Option configures an [Input].
type Option func(*Input)

// WithDevice selects a capture device by exact name. The default is the
// host's default input device.
func WithDevice(name string) Option {
	return func(in *Input) { in.deviceName = name }
}

// WithHighLatency opens the stream with the device's high-latency defaults,
// trading responsiveness for robustness on busy hosts.
func WithHighLatency() Option {
	return func(in *Input) { in.latency = highLatency }
}

// New returns a capture device.
func New(opts ...Option) *Input {
	in := &Input{}
	for _, o := range opts {
		o(in)
	}
	return in
}

var _ audio.InputDevice = (*Input)(nil)

// Acquire implements [audio.InputDevice].
func (in *Input) Acquire(ctx context.Context, f audio.Format, frameSize int, onFrame func(audio.Frame)) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("portaudio: frame size %d: %w", frameSize, audio.ErrDeviceUnavailable)
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	dev, err := in.lookup()
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}

	s := &stream{
		adapter: newFrameAdapter(f, frameSize, onFrame),
	}
	params := in.params(dev, f.SampleRate)
	s.stream, err = pa.OpenStream(params, s.callback)
	if err != nil {
		native := int(dev.DefaultSampleRate)
		slog.Debug("portaudio: requested rate rejected, using native rate",
			"device", dev.Name,
			"requested", f.SampleRate,
			"native", native,
			"err", err,
		)
		params = in.params(dev, native)
		s.stream, err = pa.OpenStream(params, s.callback)
		if err != nil {
			_ = pa.Terminate()
			return nil, fmt.Errorf("portaudio: open %q: %w: %w", dev.Name, audio.ErrDeviceUnavailable, err)
		}
	}
	s.adapter.source = audio.Format{SampleRate: int(params.SampleRate), Channels: params.Input.Channels}

	if err := ctx.Err(); err != nil {
		_ = s.stream.Close()
		_ = pa.Terminate()
		return nil, err
	}
	if err := s.stream.Start(); err != nil {
		_ = s.stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start %q: %w: %w", dev.Name, audio.ErrDeviceUnavailable, err)
	}

	slog.Info("portaudio: capture started",
		"device", dev.Name,
		"device_format", s.adapter.source.String(),
		"format", f.String(),
		"frame_size", frameSize,
	)
	return s, nil
}

func (in *Input) lookup() (*pa.DeviceInfo, error) {
	if in.deviceName == "" {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input: %w: %w", audio.ErrDeviceUnavailable, err)
		}
		return dev, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	dev := findInput(devices, in.deviceName)
	if dev == nil {
		return nil, fmt.Errorf("portaudio: no input device named %q: %w", in.deviceName, audio.ErrDeviceUnavailable)
	}
	return dev, nil
}

func (in *Input) params(dev *pa.DeviceInfo, rate int) pa.StreamParameters {
	var p pa.StreamParameters
	if in.latency == highLatency {
		p = pa.HighLatencyParameters(dev, nil)
	} else {
		p = pa.LowLatencyParameters(dev, nil)
	}
	p.Input.Channels = audio.Mono
	p.SampleRate = float64(rate)
	return p
}

// InputDevices returns the names of all host devices that can record. The
// host default is listed first.
func InputDevices() ([]string, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer pa.Terminate()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var def string
	if d, err := pa.DefaultInputDevice(); err == nil {
		def = d.Name
	}
	return inputNames(devices, def), nil
}

func inputNames(devices []*pa.DeviceInfo, def string) []string {
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		if d.Name == def {
			names = append([]string{d.Name}, names...)
			continue
		}
		names = append(names, d.Name)
	}
	return names
}

// findInput returns the first device named name that can record, or nil.
func findInput(devices []*pa.DeviceInfo, name string) *pa.DeviceInfo {
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d
		}
	}
	return nil
}

// ─── Stream ──────────────────────────────────────────────────────────────────

type stream struct {
	stream  *pa.Stream
	adapter *frameAdapter

	mu     sync.Mutex
	closed bool
	once   sync.Once
	err    error
}

var _ audio.InputStream = (*stream)(nil)

// callback runs on the PortAudio thread. in is reused between calls.
func (s *stream) callback(in []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.adapter.push(in)
}

// Close implements [audio.InputStream].
func (s *stream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		stopErr := s.stream.Stop()
		closeErr := s.stream.Close()
		termErr := pa.Terminate()
		switch {
		case stopErr != nil:
			s.err = fmt.Errorf("portaudio: stop: %w", stopErr)
		case closeErr != nil:
			s.err = fmt.Errorf("portaudio: close: %w", closeErr)
		case termErr != nil:
			s.err = fmt.Errorf("portaudio: terminate: %w", termErr)
		}
	})
	return s.err
}

// ─── Frame adapter ───────────────────────────────────────────────────────────

// frameAdapter turns device callback buffers of any size, rate and channel
// count into frames of exactly size samples in the target format.
type frameAdapter struct {
	source  audio.Format
	conv    audio.FormatConverter
	framer  audio.Framer
	onFrame func(audio.Frame)
}

func newFrameAdapter(target audio.Format, size int, onFrame func(audio.Frame)) *frameAdapter {
	return &frameAdapter{
		source:  target,
		conv:    audio.FormatConverter{Target: target},
		framer:  audio.Framer{Size: size, SampleRate: target.SampleRate},
		onFrame: onFrame,
	}
}

func (a *frameAdapter) push(samples []float32) {
	converted := a.conv.Convert(audio.Frame{
		Samples:    samples,
		SampleRate: a.source.SampleRate,
		Channels:   a.source.Channels,
	})
	a.framer.Push(converted.Samples, a.onFrame)
}
