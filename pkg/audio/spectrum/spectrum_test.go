package spectrum_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/spectrum"
)

func sine(freq float64, n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestAnalyser_PeakFrequency(t *testing.T) {
	t.Parallel()

	a := spectrum.New(1024)
	// 1000 Hz sits exactly on bin 64 at 16 kHz / 1024 points.
	a.Observe(audio.Frame{
		Samples:    sine(1000, audio.CaptureFrameSize, audio.CaptureSampleRate),
		SampleRate: audio.CaptureSampleRate,
		Channels:   audio.Mono,
		Timestamp:  256 * time.Millisecond,
	})

	snap, n := a.Snapshot()
	if n != 1 {
		t.Fatalf("frames = %d, want 1", n)
	}
	if len(snap.Magnitudes) != 512 {
		t.Fatalf("len(Magnitudes) = %d, want 512", len(snap.Magnitudes))
	}
	if snap.BinWidth != 15.625 {
		t.Errorf("BinWidth = %v, want 15.625", snap.BinWidth)
	}
	if got := snap.Peak(); got != 1000 {
		t.Errorf("Peak() = %v Hz, want 1000", got)
	}
	if snap.Timestamp != 256*time.Millisecond {
		t.Errorf("Timestamp = %v", snap.Timestamp)
	}
	if math.Abs(float64(snap.RMS)-0.5/math.Sqrt2) > 0.01 {
		t.Errorf("RMS = %v, want ~%v", snap.RMS, 0.5/math.Sqrt2)
	}
}

func TestAnalyser_SilenceAndEmpty(t *testing.T) {
	t.Parallel()

	a := spectrum.New(0)
	if a.Size() != spectrum.DefaultBins {
		t.Errorf("Size() = %d, want %d", a.Size(), spectrum.DefaultBins)
	}
	if snap, n := a.Snapshot(); snap.Magnitudes != nil || n != 0 {
		t.Errorf("snapshot before first frame = %+v, %d", snap, n)
	}

	a.Observe(audio.Frame{Samples: make([]float32, 100), SampleRate: audio.CaptureSampleRate, Channels: 1})
	snap, _ := a.Snapshot()
	for i, m := range snap.Magnitudes {
		if m != 0 {
			t.Fatalf("bin %d = %v for silence", i, m)
		}
	}
	if snap.RMS != 0 {
		t.Errorf("RMS = %v, want 0", snap.RMS)
	}
}

func TestAnalyser_RoundsUpToPowerOfTwo(t *testing.T) {
	t.Parallel()
	if got := spectrum.New(300).Size(); got != 512 {
		t.Errorf("Size() = %d, want 512", got)
	}
}

func TestAnalyser_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	a := spectrum.New(64)
	a.Observe(audio.Frame{Samples: sine(2000, 64, 16000), SampleRate: 16000, Channels: 1})
	snap, _ := a.Snapshot()
	snap.Magnitudes[0] = 42
	again, _ := a.Snapshot()
	if again.Magnitudes[0] == 42 {
		t.Error("Snapshot shares its slice with the analyser")
	}
}
