package score

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// Fundamental search band. Wildlife calls sit comfortably inside 80-1200 Hz;
// anything outside is treated as an estimation artifact.
const (
	minPitchHz = 80.0
	maxPitchHz = 1200.0

	// autocorrelation peaks below this are considered unvoiced
	pitchConfidenceFloor = 0.3
)

// estimatePitch returns a fundamental-frequency estimate for the window and
// the normalized autocorrelation confidence behind it. When autocorrelation
// is inconclusive the caller should fall back to the spectral centroid.
func estimatePitch(samples []float64, sampleRate int) (freq, confidence float64) {
	minPeriod := int(float64(sampleRate) / maxPitchHz)
	maxPeriod := int(float64(sampleRate) / minPitchHz)
	if minPeriod < 1 {
		minPeriod = 1
	}
	if len(samples) < 2*maxPeriod {
		return 0, 0
	}

	energy := 0.0
	for _, s := range samples {
		energy += s * s
	}
	if energy == 0 {
		return 0, 0
	}

	bestPeriod := 0
	bestCorr := 0.0
	for period := minPeriod; period <= maxPeriod; period++ {
		corr := 0.0
		norm := 0.0
		for i := 0; i+period < len(samples); i++ {
			corr += samples[i] * samples[i+period]
			norm += samples[i] * samples[i]
		}
		if norm > 0 {
			corr /= norm
		}
		if corr > bestCorr {
			bestCorr = corr
			bestPeriod = period
		}
	}

	if bestPeriod == 0 {
		return 0, 0
	}
	f := float64(sampleRate) / float64(bestPeriod)
	if f < minPitchHz || f > maxPitchHz {
		return 0, 0
	}
	return f, bestCorr
}

// spectralCentroid is the fallback pitch proxy when autocorrelation finds no
// convincing period: the magnitude-weighted mean frequency, clamped to the
// search band.
func spectralCentroid(samples []float64, sampleRate int) float64 {
	if len(samples) == 0 {
		return 0
	}
	spectrum := fft.FFTReal(samples)
	half := len(spectrum) / 2

	weighted := 0.0
	total := 0.0
	binHz := float64(sampleRate) / float64(len(samples))
	for i := 1; i < half; i++ {
		mag := cmplx.Abs(spectrum[i])
		weighted += float64(i) * binHz * mag
		total += mag
	}
	if total == 0 {
		return 0
	}
	return math.Min(maxPitchHz, math.Max(minPitchHz, weighted/total))
}
