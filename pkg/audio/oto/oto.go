// Package oto implements [audio.OutputDevice] on top of ebitengine/oto.
//
// oto plays pull-based streams and has no notion of scheduled start times, so
// each line runs a single player fed by a timeline: a mixer that renders
// scheduled buffers at their sample positions and silence in between. The
// line's clock is the timeline's read cursor, which only advances as the
// driver consumes audio.
package oto

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	otov3 "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parley/pkg/audio"
)

// Output is a playback device backed by the host's default output.
type Output struct {
	bufferSize time.Duration
}

// Option configures an [Output].
type Option func(*Output)

// WithBufferSize sets the driver and player buffer length. Smaller buffers
// lower latency and raise the risk of glitches. Default: 40ms.
func WithBufferSize(d time.Duration) Option {
	return func(o *Output) {
		if d > 0 {
			o.bufferSize = d
		}
	}
}

// New returns a playback device.
func New(opts ...Option) *Output {
	o := &Output{bufferSize: 40 * time.Millisecond}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ audio.OutputDevice = (*Output)(nil)

// oto supports a single context per process; every line shares it. The
// context is suspended while no line is open.
var (
	sharedMu     sync.Mutex
	sharedCtx    *otov3.Context
	sharedReady  chan struct{}
	sharedFormat audio.Format
	sharedLines  int
)

func contextFor(f audio.Format, buffer time.Duration) (*otov3.Context, chan struct{}, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedCtx != nil {
		if sharedFormat != f {
			return nil, nil, fmt.Errorf("oto: output already open at %s, cannot open %s: %w", sharedFormat, f, audio.ErrDeviceUnavailable)
		}
		return sharedCtx, sharedReady, nil
	}

	c, ready, err := otov3.NewContext(&otov3.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       otov3.FormatFloat32LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("oto: new context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	sharedCtx, sharedReady, sharedFormat = c, ready, f
	return c, ready, nil
}

func acquireContext(c *otov3.Context) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedLines == 0 {
		if err := c.Resume(); err != nil {
			return fmt.Errorf("oto: resume: %w: %w", audio.ErrDeviceUnavailable, err)
		}
	}
	sharedLines++
	return nil
}

func releaseContext(c *otov3.Context) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedLines--
	if sharedLines == 0 {
		return c.Suspend()
	}
	return nil
}

// OpenLine implements [audio.OutputDevice]. Only mono lines are supported.
func (o *Output) OpenLine(ctx context.Context, f audio.Format) (audio.OutputLine, error) {
	if f.Channels != audio.Mono || f.SampleRate <= 0 {
		return nil, fmt.Errorf("oto: unsupported format %s: %w", f, audio.ErrDeviceUnavailable)
	}
	c, ready, err := contextFor(f, o.bufferSize)
	if err != nil {
		return nil, err
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("oto: context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := acquireContext(c); err != nil {
		return nil, err
	}

	tl := newTimeline(f.SampleRate)
	p := c.NewPlayer(tl)
	p.SetBufferSize(bytesFor(o.bufferSize, f.SampleRate))
	p.Play()

	slog.Info("oto: playback line opened", "format", f.String(), "buffer", o.bufferSize)
	return &line{timeline: tl, ctx: c, player: p}, nil
}

func bytesFor(d time.Duration, rate int) int {
	samples := int(int64(d) * int64(rate) / int64(time.Second))
	return max(samples, 1) * 4
}

// ─── Line ────────────────────────────────────────────────────────────────────

type line struct {
	*timeline
	ctx    *otov3.Context
	player *otov3.Player

	closeOnce sync.Once
	closeErr  error
}

var _ audio.OutputLine = (*line)(nil)

// Close implements [audio.OutputLine].
func (l *line) Close() error {
	l.closeOnce.Do(func() {
		l.timeline.close()
		l.player.Pause()
		var errs []error
		if err := l.player.Close(); err != nil {
			errs = append(errs, fmt.Errorf("oto: close player: %w", err))
		}
		if err := releaseContext(l.ctx); err != nil {
			errs = append(errs, fmt.Errorf("oto: suspend: %w", err))
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}

// ─── Timeline ────────────────────────────────────────────────────────────────

// timeline is an io.Reader that mixes scheduled buffers into a float32 LE
// mono stream. Positions are in samples from the moment the line opened.
type timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64
	voices []*voice
	closed bool
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

type voice struct {
	tl      *timeline
	start   int64
	samples []float32
	done    func()
	once    sync.Once
}

func (v *voice) end() int64 { return v.start + int64(len(v.samples)) }

func (v *voice) finish() {
	v.once.Do(func() {
		if v.done != nil {
			v.done()
		}
	})
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.tl.mu.Lock()
	v.tl.remove(v)
	v.tl.mu.Unlock()
	v.finish()
}

// Now implements [audio.OutputLine].
func (t *timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.pos), t.rate)
}

// Schedule implements [audio.OutputLine].
func (t *timeline) Schedule(samples []float32, at time.Duration, done func()) (audio.Voice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("oto: schedule on closed line: %w", audio.ErrDeviceUnavailable)
	}
	start := max(audio.DurationSamples(at, t.rate), t.pos)
	v := &voice{tl: t, start: start, samples: samples, done: done}
	t.voices = append(t.voices, v)
	return v, nil
}

// StopAll implements [audio.OutputLine].
func (t *timeline) StopAll() {
	t.mu.Lock()
	stopped := t.voices
	t.voices = nil
	t.mu.Unlock()
	for _, v := range stopped {
		v.finish()
	}
}

func (t *timeline) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.StopAll()
}

// remove drops v from the active set. Caller holds t.mu.
func (t *timeline) remove(v *voice) {
	for i, x := range t.voices {
		if x == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			return
		}
	}
}

// Read renders the next len(p)/4 samples. It is called by the oto mixer.
func (t *timeline) Read(p []byte) (int, error) {
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}
	mix := make([]float32, n)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	from, to := t.pos, t.pos+int64(n)
	var finished []*voice
	active := t.voices[:0]
	for _, v := range t.voices {
		lo, hi := max(v.start, from), min(v.end(), to)
		for i := lo; i < hi; i++ {
			mix[i-from] += v.samples[i-v.start]
		}
		if v.end() <= to {
			finished = append(finished, v)
			continue
		}
		active = append(active, v)
	}
	clear(t.voices[len(active):])
	t.voices = active
	t.pos = to
	t.mu.Unlock()

	for i, s := range mix {
		s = max(-1, min(1, s))
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	for _, v := range finished {
		v.finish()
	}
	return n * 4, nil
}
