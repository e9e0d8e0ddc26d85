package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-6
}

func TestDownmix(t *testing.T) {
	// Two stereo frames: L=0.2,R=0.4 and L=-0.2,R=-0.4
	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.4}, 2)
	want := []float32{0.3, -0.3}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approx(got[i], want[i]) {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmix_MonoPassthrough(t *testing.T) {
	in := []float32{0.1, 0.2}
	got := audio.Downmix(in, 1)
	if &got[0] != &in[0] {
		t.Error("mono input should be returned unchanged")
	}
}

func TestResampleMono_SameRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := audio.ResampleMono(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResampleMono_Downsample(t *testing.T) {
	in := make([]float32, 12288)
	for i := range in {
		in[i] = 0.5
	}
	out := audio.ResampleMono(in, 48000, 16000)
	if len(out) != audio.CaptureFrameSize {
		t.Fatalf("length: got %d, want %d", len(out), audio.CaptureFrameSize)
	}
	for i, s := range out {
		if !approx(s, 0.5) {
			t.Fatalf("sample %d: got %v, want 0.5", i, s)
		}
	}
}

func TestResampleMono_UpsampleInterpolates(t *testing.T) {
	out := audio.ResampleMono([]float32{0, 1}, 8000, 16000)
	want := []float32{0, 0.5, 1, 1}
	if len(out) != len(want) {
		t.Fatalf("length: got %d, want %d", len(out), len(want))
	}
	for i := range want {
		if !approx(out[i], want[i]) {
			t.Errorf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResampleMono_ZeroRate(t *testing.T) {
	in := []float32{0.1}
	if out := audio.ResampleMono(in, 0, 16000); len(out) != 1 {
		t.Errorf("zero src rate should return input unchanged, got %d samples", len(out))
	}
	if out := audio.ResampleMono(in, 16000, 0); len(out) != 1 {
		t.Errorf("zero dst rate should return input unchanged, got %d samples", len(out))
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	c := audio.FormatConverter{Target: audio.CaptureFormat}
	in := audio.Frame{Samples: []float32{0.1, 0.2}, SampleRate: 16000, Channels: 1}
	out := c.Convert(in)
	if &out.Samples[0] != &in.Samples[0] {
		t.Error("matching format should return the frame unchanged")
	}
}

func TestFormatConverter_StereoFortyEight(t *testing.T) {
	c := audio.FormatConverter{Target: audio.CaptureFormat}
	in := audio.Frame{
		Samples:    make([]float32, 2*4800),
		SampleRate: 48000,
		Channels:   2,
		Timestamp:  3 * time.Second,
	}
	out := c.Convert(in)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format: got %dHz/%dch", out.SampleRate, out.Channels)
	}
	if len(out.Samples) != 1600 {
		t.Fatalf("samples: got %d, want 1600", len(out.Samples))
	}
	if out.Timestamp != 3*time.Second {
		t.Errorf("timestamp not preserved: %v", out.Timestamp)
	}
}

func TestFormatConverter_PartialInterleavedFrame(t *testing.T) {
	c := audio.FormatConverter{Target: audio.CaptureFormat}
	out := c.Convert(audio.Frame{Samples: []float32{0.1, 0.2, 0.3}, SampleRate: 48000, Channels: 2})
	if len(out.Samples) != 0 {
		t.Errorf("partial interleaved frame should be dropped, got %d samples", len(out.Samples))
	}
}

func TestFramer_EmitsExactFrames(t *testing.T) {
	f := audio.Framer{Size: 4, SampleRate: 16000}
	var frames []audio.Frame
	emit := func(fr audio.Frame) { frames = append(frames, fr) }

	f.Push([]float32{1, 2, 3}, emit)
	if len(frames) != 0 {
		t.Fatalf("no frame expected yet, got %d", len(frames))
	}
	f.Push([]float32{4, 5, 6, 7, 8, 9}, emit)
	if len(frames) != 2 {
		t.Fatalf("want 2 frames, got %d", len(frames))
	}
	if frames[1].Samples[0] != 5 || frames[1].Samples[3] != 8 {
		t.Errorf("second frame = %v, want [5 6 7 8]", frames[1].Samples)
	}
	if want := audio.SamplesDuration(4, 16000); frames[1].Timestamp != want {
		t.Errorf("second frame timestamp = %v, want %v", frames[1].Timestamp, want)
	}
}

func TestSamplesDuration(t *testing.T) {
	if got := audio.SamplesDuration(audio.CaptureFrameSize, audio.CaptureSampleRate); got != 256*time.Millisecond {
		t.Errorf("4096 samples at 16kHz = %v, want 256ms", got)
	}
	if got := audio.SamplesDuration(24000, audio.PlaybackSampleRate); got != time.Second {
		t.Errorf("24000 samples at 24kHz = %v, want 1s", got)
	}
	if got := audio.SamplesDuration(10, 0); got != 0 {
		t.Errorf("zero rate = %v, want 0", got)
	}
}

func TestDurationSamples_InvertsSamplesDuration(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{16000, 22050, 24000, 44100, 48000} {
		for _, n := range []int{0, 1, 999, 1000, 1001, 4096, 24000, 123457} {
			d := audio.SamplesDuration(n, rate)
			if got := audio.DurationSamples(d, rate); got != int64(n) {
				t.Errorf("rate %d: DurationSamples(SamplesDuration(%d)) = %d", rate, n, got)
			}
		}
	}
	if got := audio.DurationSamples(-time.Second, 24000); got != 0 {
		t.Errorf("negative duration = %d, want 0", got)
	}
}
