// Package audio measures participant audio levels from raw PCM.
package audio

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Web Audio AnalyserNode defaults.
const (
	FFTSize               = 256
	SmoothingTimeConstant = 0.8
	MinDecibels           = -100.0
	MaxDecibels           = -30.0
)

// Analyser computes byte frequency data the way a Web Audio AnalyserNode does:
// Blackman window, real FFT, per-bin magnitude smoothing across calls, and a
// linear byte mapping of the decibel range [MinDecibels, MaxDecibels].
//
// An Analyser is not safe for concurrent use.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	window   []float64
	input    []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser creates an analyser. A size that is not a power of two falls back
// to FFTSize; smoothing is clamped to [0, 1].
func NewAnalyser(size int, smoothing float64) *Analyser {
	if size < 32 || size&(size-1) != 0 {
		size = FFTSize
	}
	smoothing = math.Max(0, math.Min(1, smoothing))

	return &Analyser{
		size:      size,
		smoothing: smoothing,
		minDB:     MinDecibels,
		maxDB:     MaxDecibels,
		fft:       fourier.NewFFT(size),
		window:    blackman(size),
		input:     make([]float64, size),
		coeffs:    make([]complex128, size/2+1),
		smoothed:  make([]float64, size/2),
	}
}

// Size returns the FFT size.
func (a *Analyser) Size() int {
	return a.size
}

// FrequencyBinCount returns the number of bins produced per call (Size/2).
func (a *Analyser) FrequencyBinCount() int {
	return a.size / 2
}

// ByteFrequencyData analyses the most recent Size samples (values in [-1, 1]) and
// writes one byte per bin into dst, reallocating it if too small. Fewer samples
// than Size are treated as preceded by silence.
func (a *Analyser) ByteFrequencyData(samples []float64, dst []byte) []byte {
	n := a.size
	clear(a.input)
	if len(samples) >= n {
		copy(a.input, samples[len(samples)-n:])
	} else {
		copy(a.input[n-len(samples):], samples)
	}
	for i := range a.input {
		a.input[i] *= a.window[i]
	}

	a.coeffs = a.fft.Coefficients(a.coeffs, a.input)

	bins := a.FrequencyBinCount()
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	scale := 1 / float64(n)
	dbRange := a.maxDB - a.minDB
	for k := 0; k < bins; k++ {
		mag := cmplx.Abs(a.coeffs[k]) * scale
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := a.minDB
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := 255 * (db - a.minDB) / dbRange
		switch {
		case v <= 0:
			dst[k] = 0
		case v >= 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return dst
}

// Reset clears the smoothing history.
func (a *Analyser) Reset() {
	clear(a.smoothed)
}

func blackman(n int) []float64 {
	const (
		a0 = 0.42
		a1 = 0.5
		a2 = 0.08
	)
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}
