// Package spectrum computes magnitude spectra of capture frames for level
// meters and waveform displays.
//
// An [Analyser] is plugged into the capture pipeline as a read-only observer.
// It keeps only the spectrum of the most recent frame; readers take a copy
// with [Analyser.Snapshot].
package spectrum

import (
	"math"
	"math/cmplx"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultBins is the number of FFT points used when none is configured.
const DefaultBins = 512

// Snapshot is the analysed spectrum of one frame.
type Snapshot struct {
	// Magnitudes holds Bins/2 linear magnitudes, normalised by the FFT size.
	Magnitudes []float32

	// BinWidth is the frequency covered by one magnitude entry, in Hz.
	BinWidth float64

	// RMS is the root mean square level of the analysed window.
	RMS float32

	// Timestamp is the frame's capture-relative timestamp.
	Timestamp time.Duration
}

// Analyser computes a windowed FFT of the latest frame. Safe for concurrent
// use: Observe runs on the audio thread, Snapshot on any reader.
type Analyser struct {
	n      int
	window []float64

	mu     sync.Mutex
	buf    []complex128
	latest Snapshot
	frames uint64
}

// New creates an Analyser with bins FFT points. bins is rounded up to a power
// of two; values below 2 select [DefaultBins].
func New(bins int) *Analyser {
	if bins < 2 {
		bins = DefaultBins
	}
	n := 1
	for n < bins {
		n <<= 1
	}
	w := make([]float64, n)
	for i := range w {
		// Hann window.
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return &Analyser{n: n, window: w, buf: make([]complex128, n)}
}

// Size returns the FFT size.
func (a *Analyser) Size() int { return a.n }

// Observe analyses the last Size() samples of f. Shorter frames are
// zero-padded. It matches the capture observer signature.
func (a *Analyser) Observe(f audio.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	src := f.Samples
	if len(src) > a.n {
		src = src[len(src)-a.n:]
	}
	var sq float64
	for i := range a.buf {
		var v float64
		if i < len(src) {
			v = float64(src[i])
			sq += v * v
		}
		a.buf[i] = complex(v*a.window[i], 0)
	}
	fft(a.buf)

	mags := make([]float32, a.n/2)
	for i := range mags {
		mags[i] = float32(cmplx.Abs(a.buf[i]) / float64(a.n))
	}
	var rms float32
	if len(src) > 0 {
		rms = float32(math.Sqrt(sq / float64(len(src))))
	}
	rate := f.SampleRate
	if rate == 0 {
		rate = audio.CaptureSampleRate
	}
	a.latest = Snapshot{
		Magnitudes: mags,
		BinWidth:   float64(rate) / float64(a.n),
		RMS:        rms,
		Timestamp:  f.Timestamp,
	}
	a.frames++
}

// Snapshot returns the spectrum of the most recently observed frame and the
// number of frames observed so far. Magnitudes is nil before the first frame.
func (a *Analyser) Snapshot() (Snapshot, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.latest
	if a.latest.Magnitudes != nil {
		s.Magnitudes = append([]float32(nil), a.latest.Magnitudes...)
	}
	return s, a.frames
}

// Peak returns the frequency in Hz of the strongest bin, ignoring DC.
func (s Snapshot) Peak() float64 {
	best, idx := float32(0), 0
	for i := 1; i < len(s.Magnitudes); i++ {
		if s.Magnitudes[i] > best {
			best, idx = s.Magnitudes[i], i
		}
	}
	return float64(idx) * s.BinWidth
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform. len(x) must
// be a power of two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := range size / 2 {
				u := x[start+k]
				v := x[start+k+size/2] * w
				x[start+k] = u + v
				x[start+k+size/2] = u - v
				w *= step
			}
		}
	}
}
