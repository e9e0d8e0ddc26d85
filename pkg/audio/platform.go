// Package audio defines the frame types and device boundaries used by the
// parley voice engine.
//
// The two device abstractions mirror what the engine needs from the host:
//
//   - [InputDevice] acquires a mono microphone stream at a fixed rate and
//     delivers fixed-size frames through a callback.
//   - [OutputDevice] opens an [OutputLine] that can schedule sample buffers
//     at a point on its own monotonic clock, stop them, and report the clock.
//
// Concrete backends live in sub-packages (audio/portaudio for capture,
// audio/oto for playback, audio/mock for tests). The interfaces are kept
// narrow so that the engine stays independent of the host audio stack.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when an input or output device cannot be
// acquired (permission denied, no device present, unsupported format).
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// InputDevice is the capture capability: "acquire mono audio input at rate R,
// deliver fixed-size frames via callback" and "release".
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Acquire opens the device in format f and starts delivering frames of
	// exactly frameSize samples per channel to onFrame. onFrame is called from
	// the device's own goroutine or audio thread, sequentially and in
	// generation order. It must not block.
	//
	// Returns an error wrapping [ErrDeviceUnavailable] if the device cannot
	// be opened. The caller owns the returned stream and must Close it.
	Acquire(ctx context.Context, f Format, frameSize int, onFrame func(Frame)) (InputStream, error)
}

// InputStream is an acquired capture stream.
type InputStream interface {
	// Close stops frame delivery and releases the device handle. After Close
	// returns onFrame is never called again. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// OutputDevice is the playback capability: "open output line at rate R".
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// OpenLine opens a playback line in format f. Returns an error wrapping
	// [ErrDeviceUnavailable] if the device cannot be opened. The caller owns
	// the returned line and must Close it.
	OpenLine(ctx context.Context, f Format) (OutputLine, error)
}

// OutputLine is an open playback line with its own monotonic clock.
//
// All methods must be safe for concurrent use and must not block on audio I/O.
type OutputLine interface {
	// Now returns the current position of the line's output clock, measured
	// from the moment the line was opened.
	Now() time.Duration

	// Schedule queues samples to start playing at clock position at. If at is
	// already in the past the buffer starts as soon as possible. done is
	// invoked exactly once when the buffer has finished playing or has been
	// stopped; it may be called from the line's audio goroutine or from
	// within Voice.Stop, but never from within Schedule itself. done must not
	// block. done may be nil.
	Schedule(samples []float32, at time.Duration, done func()) (Voice, error)

	// StopAll immediately stops every buffer scheduled on the line.
	StopAll()

	// Close stops all buffers and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Voice is a handle to one scheduled buffer on an [OutputLine].
type Voice interface {
	// Stop silences the buffer immediately (or cancels it if it has not yet
	// started). Stop is idempotent.
	Stop()
}
