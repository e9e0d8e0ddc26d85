package audio

import (
	"log/slog"
	"sync"
	"time"
)

// FormatConverter converts device-native frames to a target format. Devices
// that cannot open at the contractual capture rate are opened at their native
// rate and converted here, so the rest of the engine only ever sees
// [CaptureFormat].
//
// It logs a warning on the first format mismatch. Create one per stream; not
// designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedShape    sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample.
func (c *FormatConverter) Convert(frame Frame) Frame {
	// Interleaved data must hold whole sample frames.
	if frame.Channels > 1 && len(frame.Samples)%frame.Channels != 0 {
		c.warnedShape.Do(func() {
			slog.Warn("audio format converter: partial interleaved frame, dropping",
				"samples", len(frame.Samples),
				"channels", frame.Channels,
			)
		})
		return Frame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", c.Target.String(),
		)
	})

	samples := frame.Samples
	if frame.Channels > 1 && c.Target.Channels == Mono {
		samples = Downmix(samples, frame.Channels)
	}
	if frame.SampleRate != c.Target.SampleRate {
		samples = ResampleMono(samples, frame.SampleRate, c.Target.SampleRate)
	}

	return Frame{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix averages interleaved multi-channel samples into mono. Trailing
// samples that do not form a whole frame are ignored.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates are equal or invalid the input is returned
// unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx < last {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Framer regroups a stream of arbitrarily sized mono sample blocks into frames
// of exactly Size samples. Timestamps are derived from the number of samples
// emitted so far.
//
// Not safe for concurrent use; a device backend owns one Framer per stream.
type Framer struct {
	Size       int
	SampleRate int

	buf     []float32
	emitted int
}

// Push appends samples and calls emit for every complete frame, in order.
// Each emitted frame owns its sample slice.
func (f *Framer) Push(samples []float32, emit func(Frame)) {
	f.buf = append(f.buf, samples...)
	for len(f.buf) >= f.Size {
		out := make([]float32, f.Size)
		copy(out, f.buf[:f.Size])
		f.buf = f.buf[f.Size:]

		emit(Frame{
			Samples:    out,
			SampleRate: f.SampleRate,
			Channels:   Mono,
			Timestamp:  f.offset(),
		})
		f.emitted += f.Size
	}
	// Compact so the backing array does not grow without bound.
	if cap(f.buf) > 4*f.Size {
		f.buf = append([]float32(nil), f.buf...)
	}
}

// Reset discards buffered samples and restarts timestamps at zero.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.emitted = 0
}

func (f *Framer) offset() time.Duration {
	return SamplesDuration(f.emitted, f.SampleRate)
}
