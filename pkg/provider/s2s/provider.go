// Package s2s defines the duplex channel boundary between the voice engine
// and a hosted speech-to-speech model.
//
// A [Provider] opens a [SessionHandle]: one long-lived bidirectional channel
// that accepts outbound microphone chunks and delivers an ordered stream of
// [Event] values (synthesised audio, interruption signals, turn boundaries and
// transcripts). The engine never sees the vendor's wire protocol; adapters in
// sub-packages (gemini, genai) speak it.
//
// Delivery guarantees every adapter must honour:
//
//   - Events are delivered on a single channel in the order the service
//     generated them. There are no sequence numbers; the channel is the order.
//   - SendAudio is best-effort and never blocks the caller. When the outbound
//     queue is full the oldest chunk is discarded.
//   - The Events channel is closed exactly once when the session ends. Err then
//     reports nil for a clean close and the cause otherwise.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/pcm"
)

var (
	// ErrConnect wraps every failure to establish a session.
	ErrConnect = errors.New("s2s: connect failed")

	// ErrSessionClosed is returned by SendAudio and Interrupt after the
	// session has ended.
	ErrSessionClosed = errors.New("s2s: session closed")
)

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventAudio carries one chunk of synthesised speech (PCM16 at
	// [audio.PlaybackSampleRate]).
	EventAudio EventKind = iota + 1

	// EventInterrupted reports that the service detected barge-in and
	// abandoned the current response. Queued playback must be discarded.
	EventInterrupted

	// EventTurnComplete marks the end of one model turn.
	EventTurnComplete

	// EventTranscript carries recognised user speech or the text of the
	// model's spoken output.
	EventTranscript
)

// String returns a lower-case name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	default:
		return "unknown"
	}
}

// Speaker identifies who a transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Transcript is a fragment of recognised or generated text. Services stream
// transcripts incrementally, so one utterance may span many fragments.
type Transcript struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Event is one inbound message from the channel.
type Event struct {
	Kind EventKind

	// Audio is set for [EventAudio].
	Audio pcm.WireChunk

	// Transcript is set for [EventTranscript].
	Transcript Transcript
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// ID correlates logs and metrics for one session. Adapters do not send it.
	ID string

	// Voice selects a prebuilt voice by name. Empty uses the service default.
	Voice string

	// Instructions is the system prompt for the model.
	Instructions string

	// Transcripts enables input and output transcription events.
	Transcripts bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputFormat is the format outbound chunks must be encoded in.
	InputFormat audio.Format

	// OutputFormat is the format of inbound [EventAudio] chunks.
	OutputFormat audio.Format

	// MaxSessionDuration is the service-imposed session limit; zero means
	// undocumented.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names.
	Voices []string
}

// SessionHandle is an open duplex channel. All methods must return quickly:
// SendAudio is called from the capture audio thread.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio queues one outbound chunk. It never blocks. Returns
	// [ErrSessionClosed] once the session has ended; other transport failures
	// surface through Err and the closing of Events, not here.
	SendAudio(chunk pcm.WireChunk) error

	// Events returns the ordered inbound event stream. The same channel is
	// returned on every call. It is closed when the session ends.
	Events() <-chan Event

	// Err returns the cause of a non-clean session end, or nil. Meaningful
	// after Events has been closed.
	Err() error

	// Interrupt requests that the model stop its current response (local
	// barge-in). Best effort: audio already in flight may still arrive.
	Interrupt() error

	// Close ends the session and releases the transport. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider opens sessions against one speech-to-speech backend.
type Provider interface {
	// Connect establishes a session. It returns only after the service has
	// accepted the session configuration, so the handle is ready for audio.
	// Failures wrap [ErrConnect].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}
