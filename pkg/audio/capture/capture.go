// Package capture turns microphone frames into outbound wire chunks.
//
// A [Pipeline] acquires an [audio.InputDevice] at the capture format
// (16 kHz mono, fixed frame size), encodes every delivered frame as PCM16 and
// forwards the resulting [pcm.WireChunk] to a [Sink] in generation order. The
// frame callback owns no queue and never blocks: the sink is required to be
// non-blocking, and any failure it reports is counted and logged rather than
// escalated.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
)

// ErrAlreadyStarted is returned by [Pipeline.Start] when the pipeline is
// already running.
var ErrAlreadyStarted = errors.New("capture: already started")

// ErrSkipped may be returned by a [Sink] that deliberately declines a chunk,
// for example before its channel is open. Such frames count as Skipped, not
// as send errors.
var ErrSkipped = errors.New("capture: frame skipped by sink")

// Sink receives encoded outbound chunks. SendAudio must not block; it is
// called from the device's audio thread.
type Sink interface {
	SendAudio(chunk pcm.WireChunk) error
}

// SinkFunc adapts a plain function to [Sink].
type SinkFunc func(pcm.WireChunk) error

// SendAudio implements [Sink].
func (f SinkFunc) SendAudio(c pcm.WireChunk) error { return f(c) }

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Frames     uint64
	Sent       uint64
	Skipped    uint64
	SendErrors uint64
	Rejected   uint64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithObserver registers a read-only tap that sees every accepted frame
// before it is encoded. The frame's sample slice must not be modified or
// retained. The observer runs on the audio thread and must not block.
func WithObserver(fn func(audio.Frame)) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, fn) }
}

// WithFrameSize overrides the device buffer size. The default is
// [audio.CaptureFrameSize].
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithSendErrorHandler registers a callback invoked for each failed send.
// Intended for metrics; it runs on the audio thread and must not block.
func WithSendErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onSendErr = fn }
}

// Pipeline captures audio from an input device and forwards it to a sink.
// Start and Stop are safe for concurrent use.
type Pipeline struct {
	input     audio.InputDevice
	sink      Sink
	frameSize int
	observers []func(audio.Frame)
	onSendErr func(error)

	mu     sync.Mutex
	stream audio.InputStream

	frames     atomic.Uint64
	sent       atomic.Uint64
	skipped    atomic.Uint64
	sendErrors atomic.Uint64
	rejected   atomic.Uint64

	warnSend   sync.Once
	warnFormat sync.Once
}

// New creates a Pipeline reading from input and writing to sink. Nothing is
// acquired until [Pipeline.Start].
func New(input audio.InputDevice, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		input:     input,
		sink:      sink,
		frameSize: audio.CaptureFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the input device at [audio.CaptureFormat] and begins
// forwarding frames. A device failure is returned wrapped with
// [audio.ErrDeviceUnavailable] unless the device already wrapped it.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return ErrAlreadyStarted
	}

	stream, err := p.input.Acquire(ctx, audio.CaptureFormat, p.frameSize, p.onFrame)
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("capture: acquire input: %w", err)
		}
		return fmt.Errorf("capture: acquire input: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	p.stream = stream
	return nil
}

// Stop releases the input device. After Stop returns no further chunk is
// sent. Stop is idempotent and returns nil when nothing is acquired.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("capture: release input: %w", err)
	}
	return nil
}

// Running reports whether the device is currently acquired.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:     p.frames.Load(),
		Sent:       p.sent.Load(),
		Skipped:    p.skipped.Load(),
		SendErrors: p.sendErrors.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// onFrame runs on the device's audio thread.
func (p *Pipeline) onFrame(f audio.Frame) {
	if f.SampleRate != audio.CaptureSampleRate || f.Channels != audio.Mono {
		p.rejected.Add(1)
		p.warnFormat.Do(func() {
			slog.Warn("capture: rejecting frame with unexpected format",
				"got", audio.Format{SampleRate: f.SampleRate, Channels: f.Channels},
				"want", audio.CaptureFormat,
			)
		})
		return
	}
	p.frames.Add(1)

	for _, obs := range p.observers {
		obs(f)
	}

	err := p.sink.SendAudio(pcm.Encode(f.Samples))
	switch {
	case err == nil:
		p.sent.Add(1)
	case errors.Is(err, ErrSkipped):
		p.skipped.Add(1)
	default:
		n := p.sendErrors.Add(1)
		p.warnSend.Do(func() {
			slog.Warn("capture: send failed, dropping frame", "err", err)
		})
		slog.Debug("capture: send failed", "err", err, "total", n)
		if p.onSendErr != nil {
			p.onSendErr(err)
		}
	}
}
