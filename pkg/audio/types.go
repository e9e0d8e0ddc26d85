package audio

import (
	"fmt"
	"time"
)

// Contractual stream constants. Capture and playback run at different fixed
// rates; they are never configurable per call and must not be mixed up.
const (
	// CaptureSampleRate is the microphone rate sent upstream (Hz).
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesised speech received from the
	// remote model (Hz).
	PlaybackSampleRate = 24000

	// CaptureFrameSize is the number of samples per captured frame
	// (4096 samples at 16 kHz, roughly 256 ms).
	CaptureFrameSize = 4096

	// Mono is the only channel count the engine uses.
	Mono = 1
)

// Frame is a fixed-length block of normalised audio samples flowing through
// the capture path. Samples are in the range [-1.0, 1.0].
type Frame struct {
	// Samples holds one float32 per sample (interleaved if Channels > 1).
	Samples []float32

	// SampleRate in Hz (16000 for capture).
	SampleRate int

	// Channels: the engine only produces mono (1).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples)/max(f.Channels, 1), f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureFormat is the format every captured frame must have.
var CaptureFormat = Format{SampleRate: CaptureSampleRate, Channels: Mono}

// PlaybackFormat is the format of the output line.
var PlaybackFormat = Format{SampleRate: PlaybackSampleRate, Channels: Mono}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// SamplesDuration converts a per-channel sample count at rate to a duration,
// rounded down to the nanosecond: 1000 samples at 24 kHz is 41.666666ms.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d to a sample position at rate, rounding up. It
// inverts [SamplesDuration] exactly, so a unit scheduled at the end of
// another lands on the sample after that unit's last one.
func DurationSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second) - 1) / int64(time.Second)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
