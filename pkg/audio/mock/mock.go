// Package mock provides in-memory mock implementations of the [audio.InputDevice],
// [audio.OutputDevice], and [audio.OutputLine] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{}
//	line := mock.NewOutputLine()
//	out := &mock.OutputDevice{Line: line}
//	// ... start the engine, then drive it:
//	in.Emit(audio.Frame{Samples: make([]float32, 4096), SampleRate: 16000, Channels: 1})
//	line.Advance(100 * time.Millisecond)
//	line.CompleteDue()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── InputDevice ─────────────────────────────────────────────────────────────

// AcquireCall records the arguments of a single [InputDevice.Acquire] call.
type AcquireCall struct {
	Format    audio.Format
	FrameSize int
}

// InputDevice is a mock implementation of [audio.InputDevice]. Frames are
// injected with [InputDevice.Emit] and delivered synchronously to the
// callback registered by the most recent successful Acquire.
type InputDevice struct {
	mu sync.Mutex

	// AcquireErr, if non-nil, is returned by Acquire.
	AcquireErr error

	// AcquireDelay blocks Acquire for the given duration (or until ctx is
	// cancelled) before returning. Useful to simulate a slow permission prompt.
	AcquireDelay time.Duration

	// CloseErr is returned by the stream's Close.
	CloseErr error

	// AcquireCalls records every Acquire call in order.
	AcquireCalls []AcquireCall

	onFrame func(audio.Frame)
	streams []*InputStream
}

// Acquire implements [audio.InputDevice].
func (d *InputDevice) Acquire(ctx context.Context, f audio.Format, frameSize int, onFrame func(audio.Frame)) (audio.InputStream, error) {
	d.mu.Lock()
	d.AcquireCalls = append(d.AcquireCalls, AcquireCall{Format: f, FrameSize: frameSize})
	delay := d.AcquireDelay
	acqErr := d.AcquireErr
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if acqErr != nil {
		return nil, acqErr
	}

	s := &InputStream{dev: d, closeErr: d.CloseErr}
	d.mu.Lock()
	d.onFrame = onFrame
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Emit delivers frame to the active callback. It is a no-op when no stream is
// open. Emit is synchronous, like a device audio thread.
func (d *InputDevice) Emit(frame audio.Frame) {
	d.mu.Lock()
	cb := d.onFrame
	d.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

// OpenStreams returns how many acquired streams have not been closed.
func (d *InputDevice) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.streams {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// Streams returns every stream handed out by Acquire.
func (d *InputDevice) Streams() []*InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*InputStream, len(d.streams))
	copy(out, d.streams)
	return out
}

// InputStream is the handle returned by [InputDevice.Acquire].
type InputStream struct {
	dev      *InputDevice
	closeErr error

	mu         sync.Mutex
	closed     bool
	closeCalls int
}

// Close implements [audio.InputStream]. Only the first call detaches the
// callback; every call is counted.
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	first := !s.closed
	s.closed = true
	s.mu.Unlock()

	if first {
		s.dev.mu.Lock()
		s.dev.onFrame = nil
		s.dev.mu.Unlock()
		return s.closeErr
	}
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *InputStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *InputStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── OutputDevice ────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// Line is returned by OpenLine. If nil, a fresh [OutputLine] is created.
	Line *OutputLine

	// OpenErr, if non-nil, is returned by OpenLine.
	OpenErr error

	// OpenCalls records the format of every OpenLine call.
	OpenCalls []audio.Format

	opened []*OutputLine
}

// OpenLine implements [audio.OutputDevice].
func (d *OutputDevice) OpenLine(_ context.Context, f audio.Format) (audio.OutputLine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, f)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	line := d.Line
	if line == nil {
		line = NewOutputLine()
	}
	line.mu.Lock()
	line.format = f
	line.mu.Unlock()
	d.opened = append(d.opened, line)
	return line, nil
}

// Lines returns every line returned by OpenLine.
func (d *OutputDevice) Lines() []*OutputLine {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*OutputLine, len(d.opened))
	copy(out, d.opened)
	return out
}

// ─── OutputLine ──────────────────────────────────────────────────────────────

// Scheduled records one [OutputLine.Schedule] call.
type Scheduled struct {
	Samples []float32
	At      time.Duration
	End     time.Duration

	voice *Voice
}

// Stopped reports whether the buffer was stopped before completing.
func (s Scheduled) Stopped() bool { return s.voice.stopped() }

// Completed reports whether the buffer's done callback has fired.
func (s Scheduled) Completed() bool { return s.voice.finished() }

// OutputLine is a mock implementation of [audio.OutputLine] with a manually
// driven clock. Nothing plays; tests move the clock with [OutputLine.Advance]
// and fire completions with [OutputLine.CompleteDue].
type OutputLine struct {
	mu sync.Mutex

	// ScheduleErr, if non-nil, is returned by Schedule.
	ScheduleErr error

	now       time.Duration
	format    audio.Format
	scheduled []Scheduled
	stopAll   int
	closed    int
}

// NewOutputLine creates a line whose clock starts at zero.
func NewOutputLine() *OutputLine {
	return &OutputLine{format: audio.PlaybackFormat}
}

// Now implements [audio.OutputLine].
func (l *OutputLine) Now() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// SetNow moves the clock to t.
func (l *OutputLine) SetNow(t time.Duration) {
	l.mu.Lock()
	l.now = t
	l.mu.Unlock()
}

// Advance moves the clock forward by d.
func (l *OutputLine) Advance(d time.Duration) {
	l.mu.Lock()
	l.now += d
	l.mu.Unlock()
}

// Schedule implements [audio.OutputLine]. The end time is computed from the
// line's sample rate.
func (l *OutputLine) Schedule(samples []float32, at time.Duration, done func()) (audio.Voice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ScheduleErr != nil {
		return nil, l.ScheduleErr
	}
	rate := l.format.SampleRate
	if rate == 0 {
		rate = audio.PlaybackSampleRate
	}
	v := &Voice{done: done}
	l.scheduled = append(l.scheduled, Scheduled{
		Samples: samples,
		At:      at,
		End:     at + audio.SamplesDuration(len(samples), rate),
		voice:   v,
	})
	return v, nil
}

// StopAll implements [audio.OutputLine].
func (l *OutputLine) StopAll() {
	l.mu.Lock()
	l.stopAll++
	voices := l.voicesLocked()
	l.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
}

// Close implements [audio.OutputLine].
func (l *OutputLine) Close() error {
	l.StopAll()
	l.mu.Lock()
	l.closed++
	l.mu.Unlock()
	return nil
}

// CompleteDue fires the done callback of every buffer whose end is at or
// before the current clock and that has neither completed nor been stopped.
// It returns how many callbacks fired.
func (l *OutputLine) CompleteDue() int {
	l.mu.Lock()
	var due []*Voice
	for _, s := range l.scheduled {
		if s.End <= l.now {
			due = append(due, s.voice)
		}
	}
	l.mu.Unlock()

	n := 0
	for _, v := range due {
		if v.complete() {
			n++
		}
	}
	return n
}

// Scheduled returns a snapshot of every Schedule call in order.
func (l *OutputLine) Scheduled() []Scheduled {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Scheduled, len(l.scheduled))
	copy(out, l.scheduled)
	return out
}

// StopAllCalls returns how many times StopAll was called.
func (l *OutputLine) StopAllCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopAll
}

// CloseCalls returns how many times Close was called.
func (l *OutputLine) CloseCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Format returns the format the line was opened with.
func (l *OutputLine) Format() audio.Format {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.format
}

func (l *OutputLine) voicesLocked() []*Voice {
	out := make([]*Voice, len(l.scheduled))
	for i, s := range l.scheduled {
		out[i] = s.voice
	}
	return out
}

// Voice is the handle returned by [OutputLine.Schedule]. Stopping a voice
// fires its done callback, mirroring a real line.
type Voice struct {
	mu    sync.Mutex
	done  func()
	fired bool
	stop  bool
	ended bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	if v.fired {
		v.mu.Unlock()
		return
	}
	v.fired = true
	v.stop = true
	done := v.done
	v.mu.Unlock()
	if done != nil {
		done()
	}
}

func (v *Voice) complete() bool {
	v.mu.Lock()
	if v.fired {
		v.mu.Unlock()
		return false
	}
	v.fired = true
	v.ended = true
	done := v.done
	v.mu.Unlock()
	if done != nil {
		done()
	}
	return true
}

func (v *Voice) stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stop
}

func (v *Voice) finished() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}

var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.OutputLine   = (*OutputLine)(nil)
	_ audio.Voice        = (*Voice)(nil)
)
